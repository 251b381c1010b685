package inspect

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"

	"github.com/guseggert/execbus/agent/process"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Server exposes the engine's runs over HTTP for humans and scripts. It can read runs and their output
// and apply the retention policy, but it cannot start or signal anything.
type Server struct {
	logger    *zap.SugaredLogger
	engine    *process.Engine
	tlsConfig *tls.Config

	httpServer *http.Server
}

type ServerOption func(s *Server)

func WithLogger(l *zap.Logger) ServerOption {
	return func(s *Server) {
		s.logger = l.Named("inspect").Sugar()
	}
}

// WithTLS serves HTTPS with cfg. Use ServerTLSConfig to require client certs.
func WithTLS(cfg *tls.Config) ServerOption {
	return func(s *Server) {
		s.tlsConfig = cfg
	}
}

func NewServer(engine *process.Engine, opts ...ServerOption) *Server {
	s := &Server{
		logger: zap.NewNop().Sugar(),
		engine: engine,
	}
	for _, o := range opts {
		o(s)
	}
	s.httpServer = &http.Server{Handler: s.Handler()}
	return s
}

func (s *Server) Handler() http.Handler {
	router := httprouter.New()
	router.GET("/healthz", s.health)
	router.GET("/runs", s.listRuns)
	router.GET("/runs/:id", s.getRun)
	router.GET("/runs/:id/output", s.followOutput)
	router.POST("/cleanup", s.cleanup)
	return router
}

// Serve serves on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	if s.tlsConfig != nil {
		l = tls.NewListener(l, s.tlsConfig)
	}
	s.logger.Debugw("serving", "Addr", l.Addr().String(), "TLS", s.tlsConfig != nil)
	err := s.httpServer.Serve(l)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the TCP address addr and serves until Shutdown is called.
func (s *Server) ListenAndServe(addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	return s.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		s.logger.Debugf("error marshaling response: %s", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, HealthResponse{PID: os.Getpid(), Runs: s.engine.Registry().Len()})
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	runs := []Run{}
	for _, x := range s.engine.Registry().List() {
		runs = append(runs, runFromInfo(x.Info()))
	}
	s.writeJSON(w, runs)
}

func (s *Server) lookup(w http.ResponseWriter, params httprouter.Params) (*process.Execution, bool) {
	x, err := s.engine.Get(params.ByName("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return nil, false
	}
	return x, true
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	x, ok := s.lookup(w, params)
	if !ok {
		return
	}
	s.writeJSON(w, runFromInfo(x.Info()))
}

func (s *Server) cleanup(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.writeJSON(w, CleanupResponse{Removed: s.engine.Cleanup()})
}

// followOutput streams a run's output over a WebSocket, starting at the chunk index in the "start" query parameter.
// It sends buffered chunks, then live ones, then a final message with the run's status.
func (s *Server) followOutput(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	x, ok := s.lookup(w, params)
	if !ok {
		return
	}
	start := 0
	if v := r.URL.Query().Get("start"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("invalid start %q", v), http.StatusBadRequest)
			return
		}
		start = n
	}

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.logger.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	log := s.logger.With("ID", x.ID)
	log.Debug("accepted follow conn")

	// nothing is read from the client, but reading is what notices it going away
	ctx := wsConn.CloseRead(r.Context())

	ww := &wsJSONWriter{log: log.Named("ws_writer"), ctx: ctx, conn: wsConn}
	err = x.Follow(ctx, start, func(c process.Chunk) error {
		return ww.writeChunk(c)
	})
	if err != nil {
		log.Debugf("follow ended: %s", err)
		wsConn.Close(websocket.StatusGoingAway, "follow ended")
		return
	}

	code, _ := x.ExitCode()
	if err := ww.writeDone(x.Status(), code); err != nil {
		log.Debugf("error writing final message: %s", err)
		wsConn.Close(websocket.StatusInternalError, "writing final message")
		return
	}
	wsConn.Close(websocket.StatusNormalClosure, "")
}
