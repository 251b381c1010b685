package bus

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
)

// Listener accepts bus connections on a socket path.
type Listener struct {
	path string
	l    *net.UnixListener
}

// Listen binds the socket at path, replacing a stale socket file left by a previous run,
// and sets the socket's permission bits to perm.
func Listen(path string, perm os.FileMode) (*Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating socket dir: %w", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	l, err := net.ListenUnix(network, &net.UnixAddr{Name: path, Net: network})
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	if err := os.Chmod(path, perm); err != nil {
		l.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return &Listener{path: path, l: l}, nil
}

// Accept waits for the next connection. It returns net.ErrClosed after Close.
func (l *Listener) Accept() (*Conn, error) {
	c, err := l.l.AcceptUnix()
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return nil, net.ErrClosed
		}
		return nil, err
	}
	return newConn(c), nil
}

// Close stops listening and removes the socket file.
func (l *Listener) Close() error {
	return l.l.Close()
}

func (l *Listener) Path() string { return l.path }
