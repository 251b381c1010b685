package agent

import (
	"errors"
	"fmt"

	"github.com/guseggert/execbus/agent/bus"
	"github.com/guseggert/execbus/agent/process"
	"github.com/guseggert/execbus/agent/wire"
)

var (
	// ErrUnavailable means no executor could be reached.
	ErrUnavailable = bus.ErrUnavailable
	// ErrProtocol means a message could not be decoded or did not follow the protocol.
	ErrProtocol = bus.ErrProtocol

	ErrUnknownMethod = errors.New("unknown method")
	ErrClosed        = errors.New("connection closed")
)

// RemoteError is an error returned by the executor. It unwraps to the matching sentinel error,
// so errors.Is(err, process.ErrCommandNotFound) works on the client.
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

func (e *RemoteError) Unwrap() error {
	for _, m := range errorNames {
		if m.name == e.Name {
			return m.err
		}
	}
	return nil
}

var errorNames = []struct {
	name string
	err  error
}{
	{wire.ErrNameCommandNotFound, process.ErrCommandNotFound},
	{wire.ErrNameNotFound, process.ErrNotFound},
	{wire.ErrNameAborted, process.ErrAborted},
	{wire.ErrNamePermissionDenied, process.ErrPermissionDenied},
	{wire.ErrNameInvalidArgs, process.ErrInvalidRequest},
	{wire.ErrNameUnknownMethod, ErrUnknownMethod},
	{wire.ErrNameProtocol, ErrProtocol},
	{wire.ErrNameProtocol, wire.ErrMalformed},
	{wire.ErrNameProtocol, wire.ErrFrameTooLarge},
	{wire.ErrNameUnavailable, ErrUnavailable},
	{wire.ErrNameUnavailable, process.ErrShutdown},
}

// errorName maps err to the name it travels under.
func errorName(err error) string {
	for _, m := range errorNames {
		if errors.Is(err, m.err) {
			return m.name
		}
	}
	return wire.ErrNameFailed
}
