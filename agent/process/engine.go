package process

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/execbus/agent/redirect"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

type Option func(e *Engine)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = l }
}

// WithRegistry shares a registry with the engine. By default the engine creates its own.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithAbortGrace sets how long Abort waits after SIGTERM before sending SIGKILL.
func WithAbortGrace(d time.Duration) Option {
	return func(e *Engine) { e.abortGrace = d }
}

// WithDrainTimeout bounds how long output is forwarded after the child exits.
// Descendants that keep the output pipes open are cut off after this.
func WithDrainTimeout(d time.Duration) Option {
	return func(e *Engine) { e.drainTimeout = d }
}

// WithHistoryLimit sets the number of output bytes retained per execution.
func WithHistoryLimit(n int) Option {
	return func(e *Engine) { e.historyLimit = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithCleanupPolicy sets the retention policy, applied in the background every policy.Interval.
func WithCleanupPolicy(p CleanupPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// Engine starts commands and tracks them until they finish.
type Engine struct {
	log          *zap.SugaredLogger
	registry     *Registry
	abortGrace   time.Duration
	drainTimeout time.Duration
	historyLimit int
	now          func() time.Time
	policy       CleanupPolicy

	euid int
	egid int

	seq atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc

	// trackMut guards stopped and every wg.Add, so that Shutdown's Wait never races with new goroutines.
	trackMut sync.RWMutex
	stopped  bool
	wg       sync.WaitGroup

	subsMut    sync.Mutex
	subs       map[int]chan Event
	nextSub    int
	subsClosed bool
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		log:          zap.NewNop().Sugar(),
		abortGrace:   time.Second,
		drainTimeout: 5 * time.Second,
		historyLimit: 1 << 20,
		now:          time.Now,
		euid:         os.Geteuid(),
		egid:         os.Getegid(),
		subs:         map[int]chan Event{},
	}
	for _, o := range opts {
		o(e)
	}
	if e.registry == nil {
		e.registry = NewRegistry()
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	e.goTracked(func() {
		e.registry.RunCleanup(e.ctx, e.policy, e.log.Named("cleanup"))
	})
	return e
}

func (e *Engine) Registry() *Registry { return e.registry }

func (e *Engine) Policy() CleanupPolicy { return e.policy }

// Cleanup applies the retention policy now.
func (e *Engine) Cleanup() int {
	return e.registry.Cleanup(e.policy, e.now())
}

func (e *Engine) Get(id string) (*Execution, error) {
	x, ok := e.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return x, nil
}

// goTracked runs f in a goroutine that Shutdown waits for. It returns false once the engine is stopped.
func (e *Engine) goTracked(f func()) bool {
	e.trackMut.RLock()
	defer e.trackMut.RUnlock()
	if e.stopped {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
	return true
}

// Execute starts req and registers the execution. Execute owns every file in req from the moment it is called,
// and closes them if it fails. The returned Pipes hold the caller's ends of requested pipes.
//
// When the command cannot be started, the execution is still registered, in StatusError, and returned with the error.
func (e *Engine) Execute(ctx context.Context, req Request) (*Execution, Pipes, error) {
	e.trackMut.RLock()
	defer e.trackMut.RUnlock()

	if e.stopped {
		closeAll(req.files())
		return nil, Pipes{}, ErrShutdown
	}
	if err := ctx.Err(); err != nil {
		closeAll(req.files())
		return nil, Pipes{}, err
	}
	if err := validate(req); err != nil {
		closeAll(req.files())
		return nil, Pipes{}, err
	}

	x := newExecution(uuid.NewString(), e.seq.Add(1), req.Command, e.historyLimit, e.now())
	e.registry.Save(x)
	log := e.log.With("ID", x.ID)
	log.Debugw("executing", "Command", req.Command, "Dir", req.Dir, "Identity", req.Identity)

	pipes, err := e.start(x, req, log)
	if err != nil {
		code := exitCodeNoExec
		if errors.Is(err, ErrCommandNotFound) {
			code = exitCodeNotFound
		}
		log.Debugw("failed to start", "Error", err)
		e.complete(x, StatusError, code, 0, err.Error())
		return x, Pipes{}, err
	}
	return x, pipes, nil
}

func validate(req Request) error {
	if len(req.Command) == 0 || req.Command[0] == "" {
		return fmt.Errorf("%w: empty command", ErrInvalidRequest)
	}
	for name, s := range map[string]Stream{"stdin": req.Stdin, "stdout": req.Stdout, "stderr": req.Stderr} {
		if s.File != nil && s.Pipe {
			return fmt.Errorf("%w: %s is both a descriptor and a pipe", ErrInvalidRequest, name)
		}
	}
	return nil
}

// spawnFiles tracks descriptors opened or received while setting up a child.
type spawnFiles struct {
	// child ends are closed by the engine once the child has inherited them.
	child []*os.File
	// parent ends outlive the spawn; they are only closed here if it fails.
	parent []*os.File
}

func (f *spawnFiles) closeAll() {
	closeAll(f.child)
	closeAll(f.parent)
}

type outputWiring struct {
	stream OutputStream
	source *os.File
	target *os.File
}

func (e *Engine) start(x *Execution, req Request, log *zap.SugaredLogger) (Pipes, error) {
	files := &spawnFiles{}
	if req.Stdin.File != nil {
		files.child = append(files.child, req.Stdin.File)
	}
	for _, s := range []Stream{req.Stdout, req.Stderr} {
		if s.File != nil {
			files.parent = append(files.parent, s.File)
		}
	}

	cred, err := e.credential(req.Identity)
	if err != nil {
		files.closeAll()
		return Pipes{}, err
	}
	if err := checkDir(req.Dir); err != nil {
		files.closeAll()
		return Pipes{}, err
	}
	path, err := lookPath(req.Command[0], req.Env, req.Dir)
	if err != nil {
		files.closeAll()
		return Pipes{}, err
	}

	var pipes Pipes
	stdin, err := wireInput(req.Stdin, files, &pipes)
	if err != nil {
		files.closeAll()
		return Pipes{}, err
	}
	stdout, err := wireOutput(Stdout, req.Stdout, files, &pipes.Stdout)
	if err != nil {
		files.closeAll()
		return Pipes{}, err
	}
	stderr, err := wireOutput(Stderr, req.Stderr, files, &pipes.Stderr)
	if err != nil {
		files.closeAll()
		return Pipes{}, err
	}

	cmd := &exec.Cmd{
		Path:   path,
		Args:   append([]string(nil), req.Command...),
		Dir:    req.Dir,
		Env:    environ(req.Env),
		Stdin:  stdin,
		Stdout: stdout.childEnd,
		Stderr: stderr.childEnd,
		SysProcAttr: &syscall.SysProcAttr{
			Setpgid:    true,
			Credential: cred,
		},
	}
	if err := cmd.Start(); err != nil {
		files.closeAll()
		// chdir failures also report ENOENT
		if errors.Is(err, fs.ErrNotExist) && checkDir(req.Dir) == nil {
			return Pipes{}, fmt.Errorf("%w: %s: %w", ErrCommandNotFound, req.Command[0], err)
		}
		return Pipes{}, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	closeAll(files.child)
	x.setRunning(cmd.Process.Pid)
	log.Debugw("started", "PID", cmd.Process.Pid, "Path", path)

	var outputs []*redirect.Redirection
	for _, w := range []outputWiring{stdout.wiring, stderr.wiring} {
		stream := w.stream
		r, err := redirect.Start(w.source, w.target,
			redirect.WithObserver(func(b []byte) { x.history.append(stream, b, e.now()) }),
			redirect.WithLogger(log.Named(string(stream))),
		)
		if err != nil {
			log.Debugw("error starting output redirection", "Stream", stream, "Error", err)
			continue
		}
		outputs = append(outputs, r)
	}

	e.wg.Add(1)
	go e.observe(x, cmd, outputs, log)
	return pipes, nil
}

func wireInput(s Stream, files *spawnFiles, pipes *Pipes) (*os.File, error) {
	switch {
	case s.File != nil:
		return s.File, nil
	case s.Pipe:
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("creating stdin pipe: %w", err)
		}
		files.child = append(files.child, r)
		files.parent = append(files.parent, w)
		pipes.Stdin = w
		return r, nil
	default:
		f, err := os.Open(os.DevNull)
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
		}
		files.child = append(files.child, f)
		return f, nil
	}
}

type wiredOutput struct {
	childEnd *os.File
	wiring   outputWiring
}

// wireOutput creates the pipe the child writes into and resolves where its contents go.
func wireOutput(stream OutputStream, s Stream, files *spawnFiles, ret **os.File) (wiredOutput, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return wiredOutput{}, fmt.Errorf("creating %s pipe: %w", stream, err)
	}
	files.child = append(files.child, w)
	files.parent = append(files.parent, r)

	var target *os.File
	switch {
	case s.File != nil:
		target = s.File
	case s.Pipe:
		pr, pw, err := os.Pipe()
		if err != nil {
			return wiredOutput{}, fmt.Errorf("creating %s pipe: %w", stream, err)
		}
		files.parent = append(files.parent, pr, pw)
		target = pw
		*ret = pr
	default:
		target, err = os.OpenFile(os.DevNull, os.O_WRONLY, 0)
		if err != nil {
			return wiredOutput{}, fmt.Errorf("opening %s: %w", os.DevNull, err)
		}
		files.parent = append(files.parent, target)
	}
	return wiredOutput{childEnd: w, wiring: outputWiring{stream: stream, source: r, target: target}}, nil
}

// observe waits for the child to exit, lets its output drain, and records the terminal state.
// Whatever goes wrong, the execution ends terminal.
func (e *Engine) observe(x *Execution, cmd *exec.Cmd, outputs []*redirect.Redirection, log *zap.SugaredLogger) {
	defer e.wg.Done()

	status, code, sig, errMsg := StatusError, exitCodeFailure, syscall.Signal(0), ""
	defer func() {
		if r := recover(); r != nil {
			log.Errorw("exit observer panicked", "Panic", r)
			for _, o := range outputs {
				o.Abort()
			}
			status, code, sig, errMsg = StatusError, exitCodeFailure, 0, fmt.Sprintf("exit observer panicked: %v", r)
		}
		e.complete(x, status, code, sig, errMsg)
	}()

	if err := waitExited(cmd.Process.Pid); err == nil {
		x.markExited()
	} else {
		log.Debugw("could not wait for exit without reaping", "Error", err)
	}
	err := cmd.Wait()
	e.drain(outputs, log)
	status, code, sig, errMsg = exitStatus(cmd.ProcessState, err)
}

func exitStatus(state *os.ProcessState, err error) (Status, int, syscall.Signal, string) {
	if state == nil {
		return StatusError, exitCodeFailure, 0, fmt.Sprintf("waiting for process: %v", err)
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return StatusCompleted, 128 + int(ws.Signal()), ws.Signal(), ""
	}
	return StatusCompleted, state.ExitCode(), 0, ""
}

// drain waits for output redirections to reach EOF, aborting them after the drain timeout or on shutdown.
func (e *Engine) drain(outputs []*redirect.Redirection, log *zap.SugaredLogger) {
	timer := time.NewTimer(e.drainTimeout)
	defer timer.Stop()

	abortAll := func(reason string) {
		log.Debugw("aborting output redirections", "Reason", reason)
		for _, o := range outputs {
			o.Abort()
		}
		for _, o := range outputs {
			o.Wait()
		}
	}
	for _, o := range outputs {
		select {
		case <-o.Done():
		case <-timer.C:
			abortAll("drain timeout")
			return
		case <-e.ctx.Done():
			abortAll("shutdown")
			return
		}
	}
}

func (e *Engine) complete(x *Execution, status Status, code int, sig syscall.Signal, errMsg string) {
	if !x.finish(status, code, sig, errMsg, e.now()) {
		return
	}
	ev := Event{ID: x.ID, Status: x.Status(), ExitCode: code}
	e.log.Debugw("execution finished", "ID", ev.ID, "Status", ev.Status, "ExitCode", code)
	e.publish(ev)
}

// Kill delivers sig to the execution's process group. It does nothing if the execution is not running.
func (e *Engine) Kill(id string, sig syscall.Signal) error {
	if sig <= 0 || sig >= 65 {
		return fmt.Errorf("%w: invalid signal %d", ErrInvalidRequest, int(sig))
	}
	x, err := e.Get(id)
	if err != nil {
		return err
	}
	delivered, err := x.signalGroup(sig)
	if err != nil {
		return fmt.Errorf("sending %s to %s: %w", sig, id, err)
	}
	e.log.Debugw("signal", "ID", id, "Signal", sig, "Delivered", delivered)
	return nil
}

// Abort sends SIGTERM to the execution's process group, then SIGKILL if it is still running after the abort grace.
// It does not wait for the execution to finish.
func (e *Engine) Abort(id string) error {
	x, err := e.Get(id)
	if err != nil {
		return err
	}
	delivered, err := x.signalGroup(syscall.SIGTERM)
	if err != nil {
		return fmt.Errorf("aborting %s: %w", id, err)
	}
	if !delivered {
		return nil
	}
	e.log.Debugw("aborting", "ID", id, "Grace", e.abortGrace)
	e.goTracked(func() {
		timer := time.NewTimer(e.abortGrace)
		defer timer.Stop()
		select {
		case <-x.done:
		case <-e.ctx.Done():
		case <-timer.C:
			if ok, _ := x.signalGroup(syscall.SIGKILL); ok {
				e.log.Debugw("killed after abort grace", "ID", id)
			}
		}
	})
	return nil
}

// WaitFor blocks until the execution is terminal and returns its exit code. Any number of callers may wait.
func (e *Engine) WaitFor(ctx context.Context, id string) (int, error) {
	x, err := e.Get(id)
	if err != nil {
		return 0, err
	}
	return x.Wait(ctx)
}

// Subscribe returns a channel of completion events and a function that cancels the subscription.
// Events are dropped for subscribers that fall behind.
func (e *Engine) Subscribe() (<-chan Event, func()) {
	e.subsMut.Lock()
	defer e.subsMut.Unlock()
	ch := make(chan Event, subscriberBuffer)
	if e.subsClosed {
		close(ch)
		return ch, func() {}
	}
	id := e.nextSub
	e.nextSub++
	e.subs[id] = ch
	return ch, func() {
		e.subsMut.Lock()
		defer e.subsMut.Unlock()
		if c, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(c)
		}
	}
}

func (e *Engine) publish(ev Event) {
	e.subsMut.Lock()
	defer e.subsMut.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.log.Warnw("dropping completion event for slow subscriber", "ID", ev.ID)
		}
	}
}

// Shutdown kills every running execution and waits for all engine goroutines to finish.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.trackMut.Lock()
	first := !e.stopped
	e.stopped = true
	e.trackMut.Unlock()

	if first {
		for _, x := range e.registry.List() {
			if ok, _ := x.signalGroup(syscall.SIGKILL); ok {
				e.log.Debugw("killed on shutdown", "ID", x.ID)
			}
		}
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.subsMut.Lock()
	defer e.subsMut.Unlock()
	if !e.subsClosed {
		e.subsClosed = true
		for id, ch := range e.subs {
			delete(e.subs, id)
			close(ch)
		}
	}
	return nil
}

// credential returns the credential to start a child with, or nil to run as the daemon.
// Another identity is only ever assumed by a root daemon.
func (e *Engine) credential(id *Identity) (*syscall.Credential, error) {
	if id == nil || (int(id.UID) == e.euid && int(id.GID) == e.egid) {
		return nil, nil
	}
	if e.euid != 0 {
		return nil, fmt.Errorf("%w: running as uid %d gid %d requires root", ErrPermissionDenied, id.UID, id.GID)
	}
	cred := &syscall.Credential{Uid: id.UID, Gid: id.GID}
	u, err := user.LookupId(strconv.FormatUint(uint64(id.UID), 10))
	if err != nil {
		e.log.Debugw("no user entry, dropping supplementary groups", "UID", id.UID, "Error", err)
		return cred, nil
	}
	gids, err := u.GroupIds()
	if err != nil {
		return cred, nil
	}
	for _, g := range gids {
		if n, err := strconv.ParseUint(g, 10, 32); err == nil {
			cred.Groups = append(cred.Groups, uint32(n))
		}
	}
	return cred, nil
}

// lookPath resolves name to an absolute path, searching the request's PATH when it sets one.
// Relative paths are taken relative to the working directory the child will have.
func lookPath(name string, env map[string]string, dir string) (string, error) {
	abs := func(p string) string {
		if filepath.IsAbs(p) {
			return p
		}
		if dir != "" {
			p = filepath.Join(dir, p)
		}
		if a, err := filepath.Abs(p); err == nil {
			return a
		}
		return p
	}
	if strings.Contains(name, "/") {
		p := abs(name)
		if err := executable(p); err != nil {
			return "", fmt.Errorf("%w: %s: %w", ErrCommandNotFound, name, err)
		}
		return p, nil
	}
	pathEnv, ok := env["PATH"]
	if !ok {
		pathEnv = os.Getenv("PATH")
	}
	for _, d := range filepath.SplitList(pathEnv) {
		if d == "" {
			d = "."
		}
		p := abs(filepath.Join(d, name))
		if executable(p) == nil {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCommandNotFound, name)
}

// checkDir reports a working directory the child could not start in. Empty means the daemon's own.
func checkDir(dir string) error {
	if dir == "" {
		return nil
	}
	fi, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("%w: working directory: %w", ErrSpawn, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: working directory %s: %w", ErrSpawn, dir, syscall.ENOTDIR)
	}
	return nil
}

func executable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return syscall.EISDIR
	}
	if fi.Mode()&0o111 == 0 {
		return fs.ErrPermission
	}
	return nil
}

// environ returns env as KEY=value pairs sorted by key, or nil for an empty map so the child inherits the daemon's environment.
func environ(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func closeAll(files []*os.File) {
	for _, f := range files {
		if f != nil {
			f.Close()
		}
	}
}
