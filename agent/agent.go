package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/user"
	"strconv"
	"sync"
	"syscall"

	"github.com/guseggert/execbus/agent/bus"
	"github.com/guseggert/execbus/agent/process"
	"github.com/guseggert/execbus/agent/wire"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// outputPageBytes bounds the output returned by one GetOutputHistory call, so the reply fits in a frame.
const outputPageBytes = 64 * 1024

// Executor serves the executor protocol on a bus listener, backed by a process engine.
type Executor struct {
	logger *zap.SugaredLogger
	engine *process.Engine

	mut      sync.Mutex
	sessions map[*session]struct{}
	// watchers are the sessions that receive Completed for an execution.
	watchers map[string]map[*session]struct{}
	// owners are the uids that started each execution.
	owners map[string]uint32

	wg sync.WaitGroup
}

type Option func(a *Executor)

func WithLogger(l *zap.Logger) Option {
	return func(a *Executor) {
		a.logger = l.Named("executor").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *Executor) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func NewExecutor(engine *process.Engine, opts ...Option) *Executor {
	a := &Executor{
		logger:   zap.NewNop().Sugar(),
		engine:   engine,
		sessions: map[*session]struct{}{},
		watchers: map[string]map[*session]struct{}{},
		owners:   map[string]uint32{},
	}
	for _, o := range opts {
		o(a)
	}
	engine.Registry().OnEvict(a.forget)
	return a
}

// Serve accepts connections on l until ctx is done, then closes l and every connection and waits for their handlers.
func (a *Executor) Serve(ctx context.Context, l *bus.Listener) error {
	events, unsubscribe := a.engine.Subscribe()
	defer unsubscribe()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		a.fanOut(ctx, events)
	}()
	go func() {
		defer a.wg.Done()
		<-ctx.Done()
		l.Close()
		a.closeSessions()
	}()

	a.logger.Debugw("serving", "Socket", l.Path())
	var err error
	for {
		var conn *bus.Conn
		conn, err = l.Accept()
		if err != nil {
			break
		}
		a.startSession(ctx, conn)
	}
	cancel()
	a.wg.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (a *Executor) startSession(ctx context.Context, conn *bus.Conn) {
	creds, credsErr := conn.PeerCredentials()
	ctx, cancel := context.WithCancel(ctx)
	s := &session{
		endpoint: newEndpoint(conn, a.logger.Named("session")),
		creds:    creds,
		credsErr: credsErr,
		ctx:      ctx,
		cancel:   cancel,
	}
	if credsErr == nil {
		s.log = s.log.With("PeerPID", creds.PID, "PeerUID", creds.UID)
	}
	s.log.Debug("accepted connection")

	a.mut.Lock()
	a.sessions[s] = struct{}{}
	a.mut.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		s.readLoop(func(msg message) { a.handle(s, msg) })
		s.cancel()
		s.requests.Wait()
		a.dropSession(s)
		s.log.Debug("connection closed")
	}()
}

func (a *Executor) closeSessions() {
	a.mut.Lock()
	defer a.mut.Unlock()
	for s := range a.sessions {
		s.Close()
	}
}

func (a *Executor) dropSession(s *session) {
	a.mut.Lock()
	defer a.mut.Unlock()
	delete(a.sessions, s)
	for id, w := range a.watchers {
		delete(w, s)
		if len(w) == 0 {
			delete(a.watchers, id)
		}
	}
}

// forget drops state for an execution evicted from the registry.
func (a *Executor) forget(x *process.Execution) {
	a.mut.Lock()
	defer a.mut.Unlock()
	delete(a.watchers, x.ID)
	delete(a.owners, x.ID)
}

func (a *Executor) watch(s *session, id string) {
	a.mut.Lock()
	defer a.mut.Unlock()
	w, ok := a.watchers[id]
	if !ok {
		w = map[*session]struct{}{}
		a.watchers[id] = w
	}
	w[s] = struct{}{}
}

// takeWatchers removes and returns the sessions watching id. If only is set, just that session is taken.
func (a *Executor) takeWatchers(id string, only *session) []*session {
	a.mut.Lock()
	defer a.mut.Unlock()
	w := a.watchers[id]
	var out []*session
	for s := range w {
		if only != nil && s != only {
			continue
		}
		out = append(out, s)
		delete(w, s)
	}
	if len(w) == 0 {
		delete(a.watchers, id)
	}
	return out
}

func (a *Executor) fanOut(ctx context.Context, events <-chan process.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			a.notify(ev.ID, ev.Status, ev.ExitCode, nil)
		}
	}
}

// notifyIfDone sends Completed to s if x finished before s started watching it and nothing has notified s yet.
func (a *Executor) notifyIfDone(s *session, x *process.Execution) {
	select {
	case <-x.Done():
	default:
		return
	}
	code, _ := x.ExitCode()
	a.notify(x.ID, x.Status(), code, s)
}

func (a *Executor) notify(id string, status process.Status, code int, only *session) {
	sig := CompletedSignal{ID: id, Path: ExecutionPath(id), Status: string(status), ExitCode: code}
	for _, s := range a.takeWatchers(id, only) {
		if err := s.emit(sig.Path, SignalCompleted, sig); err != nil {
			s.log.Debugw("error sending Completed", "ID", id, "Error", err)
		}
	}
}

// session is one client connection.
type session struct {
	*endpoint
	creds    bus.Credentials
	credsErr error

	// ctx is canceled when the connection closes, releasing blocked WaitFor calls.
	ctx      context.Context
	cancel   context.CancelFunc
	requests sync.WaitGroup
}

// handle dispatches a request on its own goroutine, so a blocking call never holds up the connection.
func (a *Executor) handle(s *session, msg message) {
	if msg.Kind != wire.KindRequest {
		s.log.Debugw("ignoring unexpected message", "Kind", msg.Kind, "Member", msg.Member)
		bus.CloseFiles(msg.files)
		return
	}
	s.requests.Add(1)
	go func() {
		defer s.requests.Done()
		a.dispatch(s, msg)
	}()
}

func (a *Executor) dispatch(s *session, msg message) {
	log := s.log.With("Path", msg.Path, "Member", msg.Member, "Serial", msg.Serial)
	log.Debug("request")

	var (
		result any
		files  []*os.File
		after  func()
		err    error
	)
	if msg.Path == RootPath {
		result, files, after, err = a.handleRoot(s, msg)
	} else if id, ok := IDFromPath(msg.Path); ok {
		bus.CloseFiles(msg.files)
		result, after, err = a.handleExecution(s, id, msg)
	} else {
		bus.CloseFiles(msg.files)
		err = fmt.Errorf("%w: no object at %s", process.ErrNotFound, msg.Path)
	}
	if err != nil {
		log.Debugw("request failed", "Error", err)
	}

	if sendErr := s.reply(msg, result, files, err); sendErr != nil {
		log.Debugw("error sending reply", "Error", sendErr)
	}
	// the peer received its own copies
	bus.CloseFiles(files)
	if after != nil {
		after()
	}
}

func (a *Executor) handleRoot(s *session, msg message) (any, []*os.File, func(), error) {
	if msg.Member != MethodExecute {
		bus.CloseFiles(msg.files)
	}
	switch msg.Member {
	case MethodExecute:
		return a.execute(s, msg)
	case MethodListRuns:
		var res ListRunsResult
		for _, x := range a.engine.Registry().List() {
			res.Runs = append(res.Runs, runInfo(x))
		}
		return res, nil, nil, nil
	case MethodCleanupOldRuns:
		return CleanupResult{Removed: a.engine.Cleanup()}, nil, nil, nil
	case MethodGetCleanupStats:
		p := a.engine.Policy()
		st := a.engine.Registry().Stats(p)
		return CleanupStats{
			Total:        st.Total,
			Prepared:     st.Prepared,
			Running:      st.Running,
			Completed:    st.Completed,
			Aborted:      st.Aborted,
			Error:        st.Error,
			MaxAge:       p.MaxAge,
			MaxCompleted: p.MaxCompleted,
			MaxTotal:     p.MaxTotal,
			Interval:     p.Interval,
		}, nil, nil, nil
	case MethodRemoveRun:
		var p RemoveRunParams
		if err := decodeParams(msg, &p); err != nil {
			return nil, nil, nil, err
		}
		if err := a.authorize(s, p.ID); err != nil {
			return nil, nil, nil, err
		}
		return RemoveRunResult{Removed: a.engine.Registry().Remove(p.ID)}, nil, nil, nil
	case MethodGetLastRunID:
		x, ok := a.engine.Registry().Last()
		if !ok {
			return LastRunResult{}, nil, nil, nil
		}
		return LastRunResult{Found: true, ID: x.ID, Path: ExecutionPath(x.ID)}, nil, nil, nil
	case MethodPing:
		return PingResult{Service: ServiceName, PID: os.Getpid()}, nil, nil, nil
	default:
		return nil, nil, nil, fmt.Errorf("%w: %s on %s", ErrUnknownMethod, msg.Member, msg.Path)
	}
}

func (a *Executor) handleExecution(s *session, id string, msg message) (any, func(), error) {
	x, err := a.engine.Get(id)
	if err != nil {
		return nil, nil, err
	}
	switch msg.Member {
	case MethodGetInfo:
		return runInfo(x), nil, nil
	case MethodWaitFor:
		var p WaitForParams
		if err := decodeParams(msg, &p); err != nil {
			return nil, nil, err
		}
		code, err := x.Wait(s.ctx)
		if err != nil {
			return nil, nil, err
		}
		if p.Strict && x.Status() == process.StatusAborted {
			return nil, nil, fmt.Errorf("%w: exit code %d", process.ErrAborted, code)
		}
		return WaitForResult{ExitCode: code, Status: string(x.Status())}, nil, nil
	}

	// everything else acts on the execution or exposes its output
	if err := a.authorize(s, id); err != nil {
		return nil, nil, err
	}
	switch msg.Member {
	case MethodSendSignal:
		var p SignalParams
		if err := decodeParams(msg, &p); err != nil {
			return nil, nil, err
		}
		return nil, nil, a.engine.Kill(id, syscall.Signal(p.Signal))
	case MethodAbort:
		return nil, nil, a.engine.Abort(id)
	case MethodGetOutputHistory:
		var p OutputHistoryParams
		if err := decodeParams(msg, &p); err != nil {
			return nil, nil, err
		}
		return outputPage(x, p), nil, nil
	case MethodSubscribe:
		a.watch(s, id)
		return nil, func() { a.notifyIfDone(s, x) }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %s on %s", ErrUnknownMethod, msg.Member, msg.Path)
	}
}

func outputPage(x *process.Execution, p OutputHistoryParams) OutputHistoryResult {
	chunks, next, done := x.Output(p.Start, p.Max)
	res := OutputHistoryResult{Next: next, Done: done}
	size := 0
	for i, c := range chunks {
		if i > 0 && size+len(c.Data) > outputPageBytes {
			res.Next = c.Index
			res.Done = false
			break
		}
		size += len(c.Data)
		res.Chunks = append(res.Chunks, OutputChunk{Index: c.Index, Stream: string(c.Stream), Data: c.Data, Time: c.Time})
	}
	return res
}

func (a *Executor) execute(s *session, msg message) (any, []*os.File, func(), error) {
	var p ExecuteParams
	if err := decodeParams(msg, &p); err != nil {
		bus.CloseFiles(msg.files)
		return nil, nil, nil, err
	}

	req := process.Request{Command: p.Command, Dir: p.Dir, Env: p.Env}
	received := msg.files
	streams := []struct {
		mode StreamMode
		dst  *process.Stream
	}{
		{p.Stdin, &req.Stdin},
		{p.Stdout, &req.Stdout},
		{p.Stderr, &req.Stderr},
	}
	for _, st := range streams {
		switch st.mode {
		case StreamNone:
		case StreamPipe:
			st.dst.Pipe = true
		case StreamFD:
			if len(received) == 0 {
				bus.CloseFiles(msg.files)
				return nil, nil, nil, fmt.Errorf("%w: fewer descriptors attached than streams in fd mode", process.ErrInvalidRequest)
			}
			st.dst.File = received[0]
			received = received[1:]
		default:
			bus.CloseFiles(msg.files)
			return nil, nil, nil, fmt.Errorf("%w: unknown stream mode %q", process.ErrInvalidRequest, st.mode)
		}
	}
	if len(received) > 0 {
		bus.CloseFiles(msg.files)
		return nil, nil, nil, fmt.Errorf("%w: %d unexpected descriptors attached", process.ErrInvalidRequest, len(received))
	}

	identity, err := a.identity(s, p)
	if err != nil {
		bus.CloseFiles(msg.files)
		return nil, nil, nil, err
	}
	req.Identity = identity

	x, pipes, err := a.engine.Execute(s.ctx, req)
	if x != nil {
		a.mut.Lock()
		a.owners[x.ID] = s.creds.UID
		a.mut.Unlock()
	}
	if err != nil {
		return nil, nil, nil, err
	}
	a.watch(s, x.ID)

	var files []*os.File
	for _, f := range []*os.File{pipes.Stdin, pipes.Stdout, pipes.Stderr} {
		if f != nil {
			files = append(files, f)
		}
	}
	return ExecuteResult{ID: x.ID, Path: ExecutionPath(x.ID)}, files, func() { a.notifyIfDone(s, x) }, nil
}

// identity decides who a command runs as. Without an explicit identity it is the caller.
// Callers other than root may not ask for anyone else, and a caller whose credentials are unknown may not run anything.
func (a *Executor) identity(s *session, p ExecuteParams) (*process.Identity, error) {
	if s.credsErr != nil {
		return nil, fmt.Errorf("%w: peer credentials unavailable: %v", process.ErrPermissionDenied, s.credsErr)
	}
	id := &process.Identity{UID: s.creds.UID, GID: s.creds.GID}
	if p.UID != nil {
		id.UID = *p.UID
		id.GID = primaryGID(*p.UID)
	}
	if p.GID != nil {
		id.GID = *p.GID
	}
	if s.creds.UID != 0 && (id.UID != s.creds.UID || id.GID != s.creds.GID) {
		return nil, fmt.Errorf("%w: uid %d may not run commands as uid %d gid %d", process.ErrPermissionDenied, s.creds.UID, id.UID, id.GID)
	}
	return id, nil
}

func primaryGID(uid uint32) uint32 {
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return uid
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return uid
	}
	return uint32(gid)
}

// authorize allows root and the uid that started the execution.
func (a *Executor) authorize(s *session, id string) error {
	if s.credsErr != nil {
		return fmt.Errorf("%w: peer credentials unavailable", process.ErrPermissionDenied)
	}
	if s.creds.UID == 0 {
		return nil
	}
	a.mut.Lock()
	owner, ok := a.owners[id]
	a.mut.Unlock()
	if !ok {
		if _, err := a.engine.Get(id); err != nil {
			return err
		}
		return fmt.Errorf("%w: execution %s has no recorded owner", process.ErrPermissionDenied, id)
	}
	if owner != s.creds.UID {
		return fmt.Errorf("%w: execution %s belongs to uid %d", process.ErrPermissionDenied, id, owner)
	}
	return nil
}

func decodeParams(msg message, v any) error {
	if err := wire.Unmarshal(msg.Body, v); err != nil {
		return fmt.Errorf("%w: decoding %s params: %v", process.ErrInvalidRequest, msg.Member, err)
	}
	return nil
}
