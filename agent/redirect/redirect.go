package redirect

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultChunkSize matches PIPE_BUF, the largest write a pipe performs atomically.
const DefaultChunkSize = 4096

type Outcome int

const (
	OutcomeEOF Outcome = iota
	OutcomeAborted
	OutcomeReadError
	OutcomeWriteError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeEOF:
		return "eof"
	case OutcomeAborted:
		return "aborted"
	case OutcomeReadError:
		return "read-error"
	case OutcomeWriteError:
		return "write-error"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

type Option func(r *Redirection)

// WithObserver registers a function called with every chunk before it is written.
// The slice is only valid for the duration of the call.
func WithObserver(f func([]byte)) Option {
	return func(r *Redirection) { r.observer = f }
}

func WithChunkSize(n int) Option {
	return func(r *Redirection) {
		if n > 0 {
			r.chunkSize = n
		}
	}
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Redirection) { r.log = l }
}

// Redirection is a running pump from a source to a target descriptor.
// It owns both files and closes them exactly once when it stops.
type Redirection struct {
	source *os.File
	target *os.File
	srcFD  int
	dstFD  int

	// abort pipe: a byte written to abortW makes abortR readable for good.
	abortR  int
	abortW  int
	aborted bool

	chunkSize int
	observer  func([]byte)
	log       *zap.SugaredLogger

	abortMut  sync.Mutex
	closeOnce sync.Once
	done      chan struct{}

	outcome Outcome
	err     error
	written int64
}

// Start begins pumping source into target.
// If Start fails, source and target have already been closed.
func Start(source, target *os.File, opts ...Option) (*Redirection, error) {
	r := &Redirection{
		source:    source,
		target:    target,
		abortR:    -1,
		abortW:    -1,
		chunkSize: DefaultChunkSize,
		log:       zap.NewNop().Sugar(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(r)
	}

	var err error
	if r.srcFD, err = rawFD(source); err != nil {
		r.release()
		return nil, fmt.Errorf("source: %w", err)
	}
	if r.dstFD, err = rawFD(target); err != nil {
		r.release()
		return nil, fmt.Errorf("target: %w", err)
	}
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC|unix.O_NONBLOCK); err != nil {
		r.release()
		return nil, fmt.Errorf("creating abort pipe: %w", err)
	}
	r.abortR, r.abortW = p[0], p[1]

	go r.run()
	return r, nil
}

// Abort asks the pump to stop. It returns without waiting; use Wait to join.
func (r *Redirection) Abort() {
	r.abortMut.Lock()
	defer r.abortMut.Unlock()
	if r.abortW < 0 || r.aborted {
		return
	}
	r.aborted = true
	for {
		_, err := unix.Write(r.abortW, []byte{1})
		if err != unix.EINTR {
			return
		}
	}
}

// Done is closed once the pump has stopped and its descriptors are closed.
func (r *Redirection) Done() <-chan struct{} { return r.done }

// Wait blocks until the pump stops and returns how it ended.
func (r *Redirection) Wait() (Outcome, error) {
	<-r.done
	return r.outcome, r.err
}

// Written reports the number of bytes delivered to the target. Valid after Done.
func (r *Redirection) Written() int64 {
	<-r.done
	return r.written
}

// eventKind tags what a wait round resolved to.
type eventKind int

const (
	eventReady eventKind = iota
	eventAbort
)

type event struct {
	kind eventKind
	// revents of the data descriptor, set for eventReady.
	revents int16
}

// wait blocks until fd has any of the requested events or the abort pipe is readable.
func (r *Redirection) wait(fd int, events int16) (event, error) {
	fds := []unix.PollFd{
		{Fd: int32(r.abortR), Events: unix.POLLIN},
		{Fd: int32(fd), Events: events},
	}
	for {
		_, err := unix.Poll(fds, -1)
		if err == unix.EINTR || err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return event{}, fmt.Errorf("poll: %w", err)
		}
		if fds[0].Revents != 0 {
			return event{kind: eventAbort}, nil
		}
		if fds[1].Revents != 0 {
			return event{kind: eventReady, revents: fds[1].Revents}, nil
		}
	}
}

func (r *Redirection) run() {
	outcome, err := r.pump()
	r.outcome, r.err = outcome, err
	r.release()
	r.log.Debugw("redirection stopped", "outcome", outcome, "bytes", r.written, "err", err)
	close(r.done)
}

func (r *Redirection) pump() (Outcome, error) {
	buf := make([]byte, r.chunkSize)
	for {
		ev, err := r.wait(r.srcFD, unix.POLLIN)
		if err != nil {
			return OutcomeReadError, err
		}
		if ev.kind == eventAbort {
			return OutcomeAborted, nil
		}
		if ev.revents&unix.POLLNVAL != 0 {
			return OutcomeReadError, errors.New("source descriptor is not open")
		}

		n, err := unix.Read(r.srcFD, buf)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return OutcomeReadError, fmt.Errorf("reading source: %w", err)
		}
		if n == 0 {
			return OutcomeEOF, nil
		}

		chunk := buf[:n]
		if r.observer != nil {
			r.observer(chunk)
		}
		if outcome, err := r.writeAll(chunk); err != nil || outcome == OutcomeAborted {
			return outcome, err
		}
	}
}

// writeAll writes the whole chunk, waiting for writability between partial writes.
// A zero outcome with a nil error means the chunk was written.
func (r *Redirection) writeAll(chunk []byte) (Outcome, error) {
	for len(chunk) > 0 {
		ev, err := r.wait(r.dstFD, unix.POLLOUT)
		if err != nil {
			return OutcomeWriteError, err
		}
		if ev.kind == eventAbort {
			return OutcomeAborted, nil
		}
		if ev.revents&unix.POLLNVAL != 0 {
			return OutcomeWriteError, errors.New("target descriptor is not open")
		}
		n, err := unix.Write(r.dstFD, chunk)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return OutcomeWriteError, fmt.Errorf("writing target: %w", err)
		}
		r.written += int64(n)
		chunk = chunk[n:]
	}
	return OutcomeEOF, nil
}

func (r *Redirection) release() {
	r.closeOnce.Do(func() {
		if r.source != nil {
			r.source.Close()
		}
		if r.target != nil {
			r.target.Close()
		}
		r.abortMut.Lock()
		if r.abortR >= 0 {
			unix.Close(r.abortR)
			r.abortR = -1
		}
		if r.abortW >= 0 {
			unix.Close(r.abortW)
			r.abortW = -1
		}
		r.abortMut.Unlock()
	})
}

func rawFD(f *os.File) (int, error) {
	if f == nil {
		return -1, errors.New("nil file")
	}
	rc, err := f.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := -1
	if err := rc.Control(func(u uintptr) { fd = int(u) }); err != nil {
		return -1, err
	}
	return fd, nil
}
