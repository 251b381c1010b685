package process

import (
	"context"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Execution is one command started by an Engine.
// Only the Engine mutates it; everything else reads snapshots through Info.
type Execution struct {
	ID      string
	Seq     uint64
	Command []string

	mut       sync.Mutex
	status    Status
	pid       int
	startTime time.Time
	endTime   time.Time
	exitCode  int
	signal    syscall.Signal
	errMsg    string
	// exited is set once the child is a zombie, before it is reaped, so its pid and pgid cannot have been reused while it is false.
	exited bool
	// killed is set when a terminating signal was delivered through Kill or Abort.
	killed bool

	history *history
	done    chan struct{}
}

func newExecution(id string, seq uint64, command []string, historyLimit int, now time.Time) *Execution {
	return &Execution{
		ID:        id,
		Seq:       seq,
		Command:   append([]string(nil), command...),
		status:    StatusPrepared,
		startTime: now,
		history:   newHistory(historyLimit),
		done:      make(chan struct{}),
	}
}

func (x *Execution) Info() Info {
	x.mut.Lock()
	defer x.mut.Unlock()
	info := Info{
		ID:        x.ID,
		Seq:       x.Seq,
		Command:   append([]string(nil), x.Command...),
		Status:    x.status,
		PID:       x.pid,
		StartTime: x.startTime,
		EndTime:   x.endTime,
		Signal:    int(x.signal),
		Error:     x.errMsg,
	}
	if x.status.Terminal() {
		code := x.exitCode
		info.ExitCode = &code
	}
	return info
}

func (x *Execution) Status() Status {
	x.mut.Lock()
	defer x.mut.Unlock()
	return x.status
}

// Done is closed when the execution reaches a terminal status.
func (x *Execution) Done() <-chan struct{} { return x.done }

// ExitCode returns the exit code and true once the execution is terminal.
func (x *Execution) ExitCode() (int, bool) {
	x.mut.Lock()
	defer x.mut.Unlock()
	return x.exitCode, x.status.Terminal()
}

// Wait blocks until the execution is terminal and returns its exit code.
func (x *Execution) Wait(ctx context.Context) (int, error) {
	select {
	case <-x.done:
		code, _ := x.ExitCode()
		return code, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Output returns up to max buffered chunks starting at index start, the index to resume from, and whether no more output will arrive.
func (x *Execution) Output(start, max int) ([]Chunk, int, bool) {
	return x.history.since(start, max)
}

// Follow calls fn for every output chunk from index start on, waiting for new ones until the output is complete or ctx ends.
func (x *Execution) Follow(ctx context.Context, start int, fn func(Chunk) error) error {
	return x.history.follow(ctx, start, fn)
}

// referenceTime is the time retention policies measure age from.
func (x *Execution) referenceTime() time.Time {
	x.mut.Lock()
	defer x.mut.Unlock()
	if !x.endTime.IsZero() {
		return x.endTime
	}
	return x.startTime
}

func (x *Execution) setRunning(pid int) {
	x.mut.Lock()
	defer x.mut.Unlock()
	x.status = StatusRunning
	x.pid = pid
}

func (x *Execution) markExited() {
	x.mut.Lock()
	defer x.mut.Unlock()
	x.exited = true
}

// signalGroup delivers sig to the process group. It does nothing unless the child is running and not yet exited.
func (x *Execution) signalGroup(sig syscall.Signal) (bool, error) {
	x.mut.Lock()
	defer x.mut.Unlock()
	if x.status != StatusRunning || x.exited {
		return false, nil
	}
	if err := unix.Kill(-x.pid, sig); err != nil {
		if err == unix.ESRCH {
			return false, nil
		}
		return false, err
	}
	if terminating(sig) {
		x.killed = true
	}
	return true, nil
}

// finish records the terminal state. It only takes effect once.
func (x *Execution) finish(status Status, exitCode int, sig syscall.Signal, errMsg string, now time.Time) bool {
	x.mut.Lock()
	if x.status.Terminal() {
		x.mut.Unlock()
		return false
	}
	if status == StatusCompleted && x.killed {
		status = StatusAborted
	}
	x.status = status
	x.exitCode = exitCode
	x.signal = sig
	x.errMsg = errMsg
	x.endTime = now
	x.exited = true
	x.mut.Unlock()

	x.history.close()
	close(x.done)
	return true
}

func terminating(sig syscall.Signal) bool {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL, syscall.SIGQUIT, syscall.SIGHUP:
		return true
	}
	return false
}
