package agent

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/guseggert/execbus/agent/bus"
	"github.com/guseggert/execbus/agent/wire"
	"go.uber.org/zap"
)

// Client talks to an Executor over one bus connection.
type Client struct {
	*endpoint
	Logger *zap.SugaredLogger

	waitInitial time.Duration
	waitMax     time.Duration

	mut sync.Mutex
	// completed caches Completed signals by execution id. They can arrive before the Execute reply.
	// completedOrder holds the ids in arrival order, and the oldest are dropped past completedLimit.
	completed      map[string]CompletedSignal
	completedOrder []string
	completedLimit int
	// changed is closed and replaced whenever completed gains an entry.
	changed chan struct{}
	done    chan struct{}
}

type ClientOption func(c *Client)

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("executor_client").Sugar()
	}
}

// WithClientWaitInterval sets how long WaitFor waits for a Completed signal before checking the execution's state,
// and the limit that wait doubles up to.
func WithClientWaitInterval(initial, max time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInitial = initial
		c.waitMax = max
	}
}

// WithClientCompletionLimit bounds how many Completed signals the client remembers.
// WaitFor on an execution whose signal was dropped falls back to reading its state.
func WithClientCompletionLimit(n int) ClientOption {
	return func(c *Client) {
		c.completedLimit = n
	}
}

// Connect dials the executor socket at path.
func Connect(ctx context.Context, path string, opts ...ClientOption) (*Client, error) {
	conn, err := bus.Dial(ctx, path)
	if err != nil {
		return nil, err
	}
	return NewClient(conn, opts...), nil
}

// NewClient starts a client on an established connection, which it takes ownership of.
func NewClient(conn *bus.Conn, opts ...ClientOption) *Client {
	c := &Client{
		Logger:         zap.NewNop().Sugar(),
		waitInitial:    500 * time.Millisecond,
		waitMax:        15 * time.Second,
		completed:      map[string]CompletedSignal{},
		completedLimit: 1024,
		changed:        make(chan struct{}),
		done:           make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.endpoint = newEndpoint(conn, c.Logger)
	go func() {
		defer close(c.done)
		c.readLoop(c.handleMessage)
	}()
	return c
}

// Close closes the connection and waits for the reader to stop.
func (c *Client) Close() error {
	c.endpoint.Close()
	<-c.done
	return nil
}

func (c *Client) handleMessage(msg message) {
	bus.CloseFiles(msg.files)
	if msg.Kind != wire.KindSignal || msg.Member != SignalCompleted {
		c.Logger.Debugw("ignoring message", "Kind", msg.Kind, "Member", msg.Member)
		return
	}
	var sig CompletedSignal
	if err := wire.Unmarshal(msg.Body, &sig); err != nil {
		c.Logger.Debugw("undecodable Completed signal", "Error", err)
		return
	}
	c.Logger.Debugw("execution completed", "ID", sig.ID, "Status", sig.Status, "ExitCode", sig.ExitCode)

	c.mut.Lock()
	defer c.mut.Unlock()
	if _, ok := c.completed[sig.ID]; !ok {
		c.completedOrder = append(c.completedOrder, sig.ID)
	}
	c.completed[sig.ID] = sig
	for len(c.completedOrder) > c.completedLimit {
		delete(c.completed, c.completedOrder[0])
		c.completedOrder = c.completedOrder[1:]
	}
	close(c.changed)
	c.changed = make(chan struct{})
}

// completion returns the cached Completed signal for id, or a channel closed when the cache next changes.
func (c *Client) completion(id string) (CompletedSignal, bool, <-chan struct{}) {
	c.mut.Lock()
	defer c.mut.Unlock()
	sig, ok := c.completed[id]
	return sig, ok, c.changed
}

func (c *Client) Ping(ctx context.Context) (PingResult, error) {
	var res PingResult
	_, err := c.call(ctx, RootPath, MethodPing, nil, nil, &res)
	return res, err
}

// Execute starts a command. Descriptors in req are sent along and stay owned by the caller.
func (c *Client) Execute(ctx context.Context, req ExecuteRequest) (*Execution, error) {
	params := ExecuteParams{
		Command: req.Command,
		Dir:     req.Dir,
		Env:     req.Env,
		UID:     req.UID,
		GID:     req.GID,
		Stdin:   req.Stdin.mode(),
		Stdout:  req.Stdout.mode(),
		Stderr:  req.Stderr.mode(),
	}
	var files []*os.File
	for _, s := range []Stream{req.Stdin, req.Stdout, req.Stderr} {
		if s.File != nil {
			files = append(files, s.File)
		}
	}

	var res ExecuteResult
	received, err := c.call(ctx, RootPath, MethodExecute, params, files, &res)
	if err != nil {
		return nil, err
	}

	x := c.Execution(res.ID)
	ends := []struct {
		want bool
		dst  **os.File
	}{
		{req.Stdin.Pipe && req.Stdin.File == nil, &x.Stdin},
		{req.Stdout.Pipe && req.Stdout.File == nil, &x.Stdout},
		{req.Stderr.Pipe && req.Stderr.File == nil, &x.Stderr},
	}
	for _, e := range ends {
		if !e.want {
			continue
		}
		if len(received) == 0 {
			x.Close()
			bus.CloseFiles(received)
			return nil, fmt.Errorf("%w: Execute reply is missing pipe descriptors", ErrProtocol)
		}
		*e.dst = received[0]
		received = received[1:]
	}
	if len(received) > 0 {
		x.Close()
		bus.CloseFiles(received)
		return nil, fmt.Errorf("%w: Execute reply has %d unexpected descriptors", ErrProtocol, len(received))
	}
	c.Logger.Debugw("started execution", "ID", x.ID, "Command", req.Command)
	return x, nil
}

// Execution returns a handle to an existing execution. It has no pipes.
func (c *Client) Execution(id string) *Execution {
	return &Execution{c: c, ID: id, Path: ExecutionPath(id)}
}

func (c *Client) ListRuns(ctx context.Context) ([]RunInfo, error) {
	var res ListRunsResult
	_, err := c.call(ctx, RootPath, MethodListRuns, nil, nil, &res)
	return res.Runs, err
}

// Cleanup applies the server's retention policy now and returns the number of runs removed.
func (c *Client) Cleanup(ctx context.Context) (int, error) {
	var res CleanupResult
	_, err := c.call(ctx, RootPath, MethodCleanupOldRuns, nil, nil, &res)
	return res.Removed, err
}

func (c *Client) CleanupStats(ctx context.Context) (CleanupStats, error) {
	var res CleanupStats
	_, err := c.call(ctx, RootPath, MethodGetCleanupStats, nil, nil, &res)
	return res, err
}

// RemoveRun removes a finished run. It returns false if the run is unknown or still live.
func (c *Client) RemoveRun(ctx context.Context, id string) (bool, error) {
	var res RemoveRunResult
	_, err := c.call(ctx, RootPath, MethodRemoveRun, RemoveRunParams{ID: id}, nil, &res)
	return res.Removed, err
}

// LastRunID returns the id of the most recently started run, or "" if there is none.
func (c *Client) LastRunID(ctx context.Context) (string, error) {
	var res LastRunResult
	_, err := c.call(ctx, RootPath, MethodGetLastRunID, nil, nil, &res)
	return res.ID, err
}

// Execution is a client handle to a remote execution.
type Execution struct {
	c    *Client
	ID   string
	Path string

	// Stdin, Stdout, and Stderr are the client ends of pipes requested in ExecuteRequest. The caller owns them.
	Stdin  *os.File
	Stdout *os.File
	Stderr *os.File
}

// Close closes any pipe ends the execution still holds.
func (x *Execution) Close() {
	for _, f := range []*os.File{x.Stdin, x.Stdout, x.Stderr} {
		if f != nil {
			f.Close()
		}
	}
}

func (x *Execution) SendSignal(ctx context.Context, sig syscall.Signal) error {
	_, err := x.c.call(ctx, x.Path, MethodSendSignal, SignalParams{Signal: int(sig)}, nil, nil)
	return err
}

// Abort asks the server to terminate the execution, escalating to SIGKILL after a grace period.
func (x *Execution) Abort(ctx context.Context) error {
	_, err := x.c.call(ctx, x.Path, MethodAbort, nil, nil, nil)
	return err
}

func (x *Execution) Info(ctx context.Context) (RunInfo, error) {
	var res RunInfo
	_, err := x.c.call(ctx, x.Path, MethodGetInfo, nil, nil, &res)
	return res, err
}

// Subscribe asks for a Completed signal for this execution on this connection.
// Executions started through this client are subscribed already.
func (x *Execution) Subscribe(ctx context.Context) error {
	_, err := x.c.call(ctx, x.Path, MethodSubscribe, nil, nil, nil)
	return err
}

// OutputHistory returns buffered output from index start on. max bounds the chunks returned; zero uses the server's page size.
func (x *Execution) OutputHistory(ctx context.Context, start, max int) (OutputHistoryResult, error) {
	var res OutputHistoryResult
	_, err := x.c.call(ctx, x.Path, MethodGetOutputHistory, OutputHistoryParams{Start: start, Max: max}, nil, &res)
	return res, err
}

// WaitRemote blocks in the server until the execution is terminal.
func (x *Execution) WaitRemote(ctx context.Context) (int, error) {
	var res WaitForResult
	_, err := x.c.call(ctx, x.Path, MethodWaitFor, nil, nil, &res)
	return res.ExitCode, err
}

// WaitSucceeded is WaitRemote, except that an execution ended by Kill or Abort returns an error wrapping
// process.ErrAborted instead of its exit code.
func (x *Execution) WaitSucceeded(ctx context.Context) (int, error) {
	var res WaitForResult
	_, err := x.c.call(ctx, x.Path, MethodWaitFor, WaitForParams{Strict: true}, nil, &res)
	return res.ExitCode, err
}

// WaitFor waits for the execution's Completed signal and returns its exit code.
// Each time the wait times out it reads the execution's state instead, so a lost signal costs at most one interval;
// the interval doubles from the client's initial wait up to its maximum.
func (x *Execution) WaitFor(ctx context.Context) (int, error) {
	timeout := x.c.waitInitial
	for {
		sig, ok, changed := x.c.completion(x.ID)
		if ok {
			return sig.ExitCode, nil
		}

		timer := time.NewTimer(timeout)
		select {
		case <-changed:
			timer.Stop()
			continue
		case <-ctx.Done():
			timer.Stop()
			return 0, ctx.Err()
		case <-x.c.closed:
			timer.Stop()
			return 0, x.c.closeErr
		case <-timer.C:
		}

		info, err := x.Info(ctx)
		if err != nil {
			return 0, err
		}
		if info.Terminal() && info.ExitCode != nil {
			x.c.Logger.Debugw("execution finished without a Completed signal", "ID", x.ID)
			return *info.ExitCode, nil
		}
		timeout *= 2
		if timeout > x.c.waitMax {
			timeout = x.c.waitMax
		}
	}
}
