package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/guseggert/execbus/agent/bus"
	"github.com/guseggert/execbus/agent/wire"
	"go.uber.org/zap"
)

// message is a received envelope with the descriptors that came with it. The receiver owns the files.
type message struct {
	wire.Envelope
	files []*os.File
}

// endpoint is one side of a bus connection: it matches responses to calls and hands everything else to a handler.
type endpoint struct {
	log  *zap.SugaredLogger
	conn *bus.Conn

	serial atomic.Uint32

	pendingMut sync.Mutex
	pending    map[uint32]chan message

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func newEndpoint(conn *bus.Conn, log *zap.SugaredLogger) *endpoint {
	return &endpoint{
		log:     log,
		conn:    conn,
		pending: map[uint32]chan message{},
		closed:  make(chan struct{}),
	}
}

func (e *endpoint) nextSerial() uint32 {
	for {
		if s := e.serial.Add(1); s != 0 {
			return s
		}
	}
}

// send writes env with files attached. The caller keeps ownership of files.
func (e *endpoint) send(env wire.Envelope, files []*os.File) error {
	env.FDs = len(files)
	if env.Serial == 0 {
		env.Serial = e.nextSerial()
	}
	frame, err := wire.Encode(env)
	if err != nil {
		return err
	}
	return e.conn.Send(frame, files...)
}

// emit sends a signal on path.
func (e *endpoint) emit(path, member string, body any) error {
	raw, err := wire.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", member, err)
	}
	return e.send(wire.Envelope{Kind: wire.KindSignal, Path: path, Member: member, Body: raw}, nil)
}

// call sends a request and waits for its response, decoding the body into result.
// The returned files were attached to the response and are owned by the caller.
func (e *endpoint) call(ctx context.Context, path, member string, params any, files []*os.File, result any) ([]*os.File, error) {
	var body wire.RawMessage
	if params != nil {
		raw, err := wire.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encoding %s params: %w", member, err)
		}
		body = raw
	}

	serial := e.nextSerial()
	ch := make(chan message, 1)
	e.pendingMut.Lock()
	e.pending[serial] = ch
	e.pendingMut.Unlock()
	defer func() {
		e.pendingMut.Lock()
		delete(e.pending, serial)
		e.pendingMut.Unlock()
		// a response that raced with cancellation
		select {
		case late := <-ch:
			bus.CloseFiles(late.files)
		default:
		}
	}()

	err := e.send(wire.Envelope{Kind: wire.KindRequest, Serial: serial, Path: path, Member: member, Body: body}, files)
	if err != nil {
		return nil, fmt.Errorf("sending %s: %w", member, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			bus.CloseFiles(resp.files)
			return nil, &RemoteError{Name: resp.Error, Message: resp.Message}
		}
		if result != nil {
			if err := wire.Unmarshal(resp.Body, result); err != nil {
				bus.CloseFiles(resp.files)
				return nil, fmt.Errorf("%w: decoding %s result: %v", ErrProtocol, member, err)
			}
		}
		return resp.files, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-e.closed:
		return nil, e.closeErr
	}
}

// reply answers req with result, or with err if it is not nil.
func (e *endpoint) reply(req message, result any, files []*os.File, err error) error {
	env := wire.Envelope{Kind: wire.KindResponse, ReplySerial: req.Serial}
	if err == nil && result != nil {
		env.Body, err = wire.Marshal(result)
	}
	if err != nil {
		env.Error = errorName(err)
		env.Message = err.Error()
		files = nil
	}
	return e.send(env, files)
}

// readLoop receives messages until the connection fails, delivering responses to their callers and everything else to handle.
func (e *endpoint) readLoop(handle func(message)) {
	var buf wire.Buffer
	for {
		data, files, err := e.conn.Receive()
		if err != nil {
			if errors.Is(err, io.EOF) {
				e.shutdown(ErrClosed)
			} else {
				e.shutdown(fmt.Errorf("%w: %w", ErrClosed, err))
			}
			return
		}

		// every datagram carries exactly one frame
		buf.Feed(data)
		env, err := buf.Next()
		if err == nil && buf.Len() != 0 {
			err = fmt.Errorf("%w: %d trailing bytes", wire.ErrMalformed, buf.Len())
		}
		if err == nil && env.FDs != len(files) {
			err = fmt.Errorf("%w: envelope announces %d descriptors, %d attached", wire.ErrMalformed, env.FDs, len(files))
		}
		if err != nil {
			bus.CloseFiles(files)
			e.log.Debugw("protocol error, closing connection", "Error", err)
			e.shutdown(fmt.Errorf("%w: %w", ErrProtocol, err))
			return
		}

		msg := message{Envelope: env, files: files}
		if env.Kind == wire.KindResponse {
			e.deliver(msg)
			continue
		}
		handle(msg)
	}
}

func (e *endpoint) deliver(msg message) {
	e.pendingMut.Lock()
	defer e.pendingMut.Unlock()
	ch, ok := e.pending[msg.ReplySerial]
	if !ok {
		e.log.Debugw("dropping response to unknown call", "ReplySerial", msg.ReplySerial)
		bus.CloseFiles(msg.files)
		return
	}
	delete(e.pending, msg.ReplySerial)
	// ch has room for exactly this message, and the caller drains it under the same lock if it gave up
	ch <- msg
}

func (e *endpoint) shutdown(err error) {
	e.closeOnce.Do(func() {
		e.closeErr = err
		e.conn.Close()
		close(e.closed)
	})
}

func (e *endpoint) Close() error {
	e.shutdown(ErrClosed)
	return nil
}
