package agent

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/execbus/agent/bus"
	"github.com/guseggert/execbus/agent/process"
	"github.com/guseggert/execbus/agent/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sync/errgroup"
)

func newTestExecutor(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := zaptest.NewLogger(t)

	engine := process.NewEngine(
		process.WithLogger(logger.Sugar()),
		process.WithAbortGrace(200*time.Millisecond),
	)
	executor := NewExecutor(engine, WithLogger(logger))

	path := filepath.Join(t.TempDir(), "executor.sock")
	l, err := bus.Listen(path, 0o600)
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- executor.Serve(ctx, l) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		assert.NoError(t, engine.Shutdown(shutdownCtx))
	})
	return path
}

func newTestClient(t *testing.T, path string, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{WithClientLogger(zaptest.NewLogger(t))}, opts...)
	c, err := Connect(context.Background(), path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func tempFile(t *testing.T, contents string) *os.File {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "")
	require.NoError(t, err)
	_, err = f.WriteString(contents)
	require.NoError(t, err)
	_, err = f.Seek(0, 0)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func fileContents(t *testing.T, f *os.File) string {
	t.Helper()
	b, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	return string(b)
}

func TestRun(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)

	cases := []struct {
		name      string
		command   []string
		stdin     string
		expCode   int
		expStdout string
		expStderr string
	}{
		{
			name:      "echo",
			command:   []string{"echo", "hello"},
			expStdout: "hello\n",
		},
		{
			name:    "false",
			command: []string{"false"},
			expCode: 1,
		},
		{
			name:      "stdout and stderr",
			command:   []string{"sh", "-c", "printf foo; printf bar 1>&2; exit 3"},
			expCode:   3,
			expStdout: "foo",
			expStderr: "bar",
		},
		{
			name:      "stdin to stdout",
			command:   []string{"sh", "-c", "read line; echo $line bar"},
			stdin:     "foo\n",
			expStdout: "foo bar\n",
		},
		{
			name:      "cat",
			command:   []string{"cat"},
			stdin:     "some input",
			expStdout: "some input",
		},
	}

	for _, c := range cases {
		for _, passFDs := range []bool{false, true} {
			name := c.name + "/pipes"
			if passFDs {
				name = c.name + "/fds"
			}
			t.Run(name, func(t *testing.T) {
				stdio := Stdio{
					Stdin:   tempFile(t, c.stdin),
					Stdout:  tempFile(t, ""),
					Stderr:  tempFile(t, ""),
					PassFDs: passFDs,
				}

				code, err := client.Run(testContext(t), ExecuteRequest{Command: c.command}, stdio)
				require.NoError(t, err)

				assert.Equal(t, c.expCode, code)
				assert.Equal(t, c.expStdout, fileContents(t, stdio.Stdout))
				assert.Equal(t, c.expStderr, fileContents(t, stdio.Stderr))
			})
		}
	}
}

func TestRunCommandNotFound(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	_, err := client.Run(ctx, ExecuteRequest{Command: []string{"definitely-not-a-command-xyz"}}, Stdio{Stdout: tempFile(t, "")})
	require.ErrorIs(t, err, process.ErrCommandNotFound)

	var remote *RemoteError
	require.ErrorAs(t, err, &remote)

	// the failed run is still recorded
	id, err := client.LastRunID(ctx)
	require.NoError(t, err)
	info, err := client.Execution(id).Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(process.StatusError), info.Status)
	require.NotNil(t, info.ExitCode)
	assert.Equal(t, 127, *info.ExitCode)
}

func TestSignalAborts(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	x, err := client.Execute(ctx, ExecuteRequest{Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	require.NoError(t, x.SendSignal(ctx, syscall.SIGTERM))

	code, err := x.WaitFor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)

	info, err := x.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(process.StatusAborted), info.Status)
	assert.Equal(t, int(syscall.SIGTERM), info.Signal)
	assert.True(t, info.Terminal())
}

func TestAbort(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	x, err := client.Execute(ctx, ExecuteRequest{Command: []string{"sleep", "30"}})
	require.NoError(t, err)
	require.NoError(t, x.Abort(ctx))

	code, err := x.WaitFor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 128+int(syscall.SIGTERM), code)
}

func TestWaitForIsRepeatable(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	x, err := client.Execute(ctx, ExecuteRequest{Command: []string{"sh", "-c", "exit 5"}})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		code, err := x.WaitFor(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, code)

		code, err = x.WaitRemote(ctx)
		require.NoError(t, err)
		assert.Equal(t, 5, code)
	}
}

func TestWaitSucceeded(t *testing.T) {
	cases := []struct {
		name    string
		command []string
		kill    bool
		expCode int
		expErr  error
	}{
		{name: "exit code passes through", command: []string{"sh", "-c", "exit 3"}, expCode: 3},
		{name: "killed run is an error", command: []string{"sleep", "30"}, kill: true, expErr: process.ErrAborted},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := newTestExecutor(t)
			client := newTestClient(t, path)
			ctx := testContext(t)

			x, err := client.Execute(ctx, ExecuteRequest{Command: c.command})
			require.NoError(t, err)
			if c.kill {
				require.NoError(t, x.SendSignal(ctx, syscall.SIGTERM))
			}

			code, err := x.WaitSucceeded(ctx)
			if c.expErr != nil {
				require.ErrorIs(t, err, c.expErr)
				var remote *RemoteError
				require.ErrorAs(t, err, &remote)
				assert.Equal(t, wire.ErrNameAborted, remote.Name)

				// the plain wait still reports the exit code
				code, err = x.WaitRemote(ctx)
				require.NoError(t, err)
				assert.Equal(t, 128+int(syscall.SIGTERM), code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expCode, code)
		})
	}
}

func TestCompletionCacheIsBounded(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path, WithClientCompletionLimit(2), WithClientWaitInterval(10*time.Millisecond, 50*time.Millisecond))
	ctx := testContext(t)

	var runs []*Execution
	for i := 0; i < 5; i++ {
		x, err := client.Execute(ctx, ExecuteRequest{Command: []string{"sh", "-c", fmt.Sprintf("exit %d", i)}})
		require.NoError(t, err)
		code, err := x.WaitFor(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, code)
		runs = append(runs, x)
	}

	// WaitFor may have returned from GetInfo before the last signal was read
	require.Eventually(t, func() bool {
		_, ok, _ := client.completion(runs[4].ID)
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	client.mut.Lock()
	assert.Len(t, client.completed, 2)
	assert.Len(t, client.completedOrder, 2)
	assert.Contains(t, client.completed, runs[4].ID)
	assert.NotContains(t, client.completed, runs[0].ID)
	client.mut.Unlock()

	// an evicted signal is recovered from the execution's state
	code, err := runs[0].WaitFor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestWaitForFallsBackToGetInfo(t *testing.T) {
	path := newTestExecutor(t)
	starter := newTestClient(t, path)
	// this client never subscribes, so it never sees Completed
	watcher := newTestClient(t, path, WithClientWaitInterval(10*time.Millisecond, 50*time.Millisecond))
	ctx := testContext(t)

	x, err := starter.Execute(ctx, ExecuteRequest{Command: []string{"sh", "-c", "sleep 0.2; exit 4"}})
	require.NoError(t, err)

	code, err := watcher.Execution(x.ID).WaitFor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, code)
}

func TestSubscribeAfterCompletion(t *testing.T) {
	path := newTestExecutor(t)
	starter := newTestClient(t, path)
	watcher := newTestClient(t, path, WithClientWaitInterval(time.Minute, time.Minute))
	ctx := testContext(t)

	x, err := starter.Execute(ctx, ExecuteRequest{Command: []string{"true"}})
	require.NoError(t, err)
	_, err = x.WaitFor(ctx)
	require.NoError(t, err)

	wx := watcher.Execution(x.ID)
	require.NoError(t, wx.Subscribe(ctx))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	code, err := wx.WaitFor(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestOutputHistory(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	x, err := client.Execute(ctx, ExecuteRequest{Command: []string{"sh", "-c", "printf out; printf err 1>&2"}})
	require.NoError(t, err)
	_, err = x.WaitFor(ctx)
	require.NoError(t, err)

	var stdout, stderr string
	start := 0
	for {
		res, err := x.OutputHistory(ctx, start, 1)
		require.NoError(t, err)
		for _, c := range res.Chunks {
			switch c.Stream {
			case "stdout":
				stdout += string(c.Data)
			case "stderr":
				stderr += string(c.Data)
			}
		}
		start = res.Next
		if res.Done {
			break
		}
	}
	assert.Equal(t, "out", stdout)
	assert.Equal(t, "err", stderr)
}

func TestReturnedPipes(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	x, err := client.Execute(ctx, ExecuteRequest{
		Command: []string{"tr", "a-z", "A-Z"},
		Stdin:   Stream{Pipe: true},
		Stdout:  Stream{Pipe: true},
	})
	require.NoError(t, err)
	require.NotNil(t, x.Stdin)
	require.NotNil(t, x.Stdout)
	assert.Nil(t, x.Stderr)

	_, err = x.Stdin.WriteString("hello")
	require.NoError(t, err)
	require.NoError(t, x.Stdin.Close())

	b, err := io.ReadAll(x.Stdout)
	require.NoError(t, err)
	require.NoError(t, x.Stdout.Close())
	assert.Equal(t, "HELLO", string(b))

	code, err := x.WaitFor(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestRootMethods(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	ping, err := client.Ping(ctx)
	require.NoError(t, err)
	assert.Equal(t, ServiceName, ping.Service)
	assert.Equal(t, os.Getpid(), ping.PID)

	id, err := client.LastRunID(ctx)
	require.NoError(t, err)
	assert.Empty(t, id)

	done, err := client.Execute(ctx, ExecuteRequest{Command: []string{"true"}})
	require.NoError(t, err)
	_, err = done.WaitFor(ctx)
	require.NoError(t, err)

	running, err := client.Execute(ctx, ExecuteRequest{Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	id, err = client.LastRunID(ctx)
	require.NoError(t, err)
	assert.Equal(t, running.ID, id)

	runs, err := client.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ExecutionPath(runs[0].ID), runs[0].Path)

	stats, err := client.CleanupStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Running)
	assert.Equal(t, 1, stats.Completed)

	removed, err := client.RemoveRun(ctx, running.ID)
	require.NoError(t, err)
	assert.False(t, removed, "running executions are never removed")

	removed, err = client.RemoveRun(ctx, done.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = done.Info(ctx)
	require.ErrorIs(t, err, process.ErrNotFound)

	n, err := client.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, running.Abort(ctx))
	_, err = running.WaitFor(ctx)
	require.NoError(t, err)
}

func TestRemoteErrors(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	_, err := client.Execution("no-such-run").Info(ctx)
	require.ErrorIs(t, err, process.ErrNotFound)

	_, err = client.call(ctx, "/Elsewhere", MethodPing, nil, nil, nil)
	require.ErrorIs(t, err, process.ErrNotFound)

	_, err = client.call(ctx, RootPath, "Frobnicate", nil, nil, nil)
	require.ErrorIs(t, err, ErrUnknownMethod)

	_, err = client.Execute(ctx, ExecuteRequest{})
	require.ErrorIs(t, err, process.ErrInvalidRequest)

	x, err := client.Execute(ctx, ExecuteRequest{Command: []string{"true"}})
	require.NoError(t, err)
	err = x.SendSignal(ctx, syscall.Signal(0))
	require.ErrorIs(t, err, process.ErrInvalidRequest)
	_, err = x.WaitFor(ctx)
	require.NoError(t, err)
}

func TestForeignIdentityRefused(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("root may run commands as anyone")
	}
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	marker := filepath.Join(t.TempDir(), "marker")
	uid := uint32(os.Getuid() + 1)
	_, err := client.Execute(ctx, ExecuteRequest{
		Command: []string{"touch", marker},
		UID:     &uid,
	})
	require.ErrorIs(t, err, process.ErrPermissionDenied)

	runs, err := client.ListRuns(ctx)
	require.NoError(t, err)
	assert.Empty(t, runs)
	assert.NoFileExists(t, marker)
}

func TestConcurrentExecutions(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	const n = 16
	var mut sync.Mutex
	ids := map[string]bool{}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			x, err := client.Execute(gctx, ExecuteRequest{Command: []string{"sh", "-c", "exit $0", "7"}})
			if err != nil {
				return err
			}
			code, err := x.WaitFor(gctx)
			if err != nil {
				return err
			}
			if code != 7 {
				t.Errorf("run %d exited %d", i, code)
			}
			mut.Lock()
			ids[x.ID] = true
			mut.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, ids, n)
}

func TestCloseReleasesWaiters(t *testing.T) {
	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	x, err := client.Execute(ctx, ExecuteRequest{Command: []string{"sleep", "30"}})
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := x.WaitFor(ctx)
		errc <- err
	}()

	require.NoError(t, client.Close())
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("WaitFor did not return after Close")
	}
}

func TestConnectUnavailable(t *testing.T) {
	_, err := Connect(context.Background(), filepath.Join(t.TempDir(), "missing.sock"))
	require.ErrorIs(t, err, ErrUnavailable)
}

func TestInterruptGuard(t *testing.T) {
	var sent atomic.Int32
	g := &interruptGuard{
		log: zap.NewNop().Sugar(),
		send: func(sig syscall.Signal) error {
			sent.Add(1)
			return nil
		},
	}

	var (
		wg       sync.WaitGroup
		accepted atomic.Int32
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.interrupt(syscall.SIGINT) {
				accepted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, sent.Load())
	assert.EqualValues(t, 1, accepted.Load())
}

func TestRunForwardsInterrupt(t *testing.T) {
	// keep SIGINT from killing the test binary before Run installs its handler
	sigs := make(chan os.Signal, 16)
	signal.Notify(sigs, syscall.SIGINT)
	defer signal.Stop(sigs)

	path := newTestExecutor(t)
	client := newTestClient(t, path)
	ctx := testContext(t)

	type result struct {
		code int
		err  error
	}
	stdout := tempFile(t, "")
	resc := make(chan result, 1)
	go func() {
		code, err := client.Run(ctx, ExecuteRequest{Command: []string{"sleep", "30"}}, Stdio{Stdout: stdout})
		resc <- result{code, err}
	}()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case res := <-resc:
			require.NoError(t, res.err)
			assert.Equal(t, 128+int(syscall.SIGINT), res.code)

			id, err := client.LastRunID(ctx)
			require.NoError(t, err)
			info, err := client.Execution(id).Info(ctx)
			require.NoError(t, err)
			assert.Equal(t, string(process.StatusAborted), info.Status)
			return
		case <-ticker.C:
			require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGINT))
		case <-ctx.Done():
			t.Fatal("Run did not return")
		}
	}
}

func TestExecutionPath(t *testing.T) {
	cases := []struct {
		name      string
		path      string
		expID     string
		expOK     bool
		roundTrip bool
	}{
		{name: "uuid", path: "/Executor/0b5c_41d2_9a7e", expID: "0b5c-41d2-9a7e", expOK: true, roundTrip: true},
		{name: "root", path: "/Executor", expOK: false},
		{name: "empty id", path: "/Executor/", expOK: false},
		{name: "nested", path: "/Executor/a/b", expOK: false},
		{name: "other root", path: "/Other/a", expOK: false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			id, ok := IDFromPath(c.path)
			assert.Equal(t, c.expOK, ok)
			assert.Equal(t, c.expID, id)
			if c.roundTrip {
				assert.Equal(t, c.path, ExecutionPath(id))
			}
		})
	}
}
