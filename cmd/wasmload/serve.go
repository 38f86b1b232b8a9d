package main

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/caffeineduck/wasmload/loader"
	"github.com/caffeineduck/wasmload/session"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start HTTP server over module sessions",
	Long: `Start an HTTP server that keeps module sessions and calls their exports.

Endpoints:
  POST   /sessions              Create session from {"url":"..."} or {"buffer":"<base64>"}
  GET    /sessions/{id}         Session state and exports
  PUT    /sessions/{id}/source  Supply a source again; reloads only on change
  POST   /sessions/{id}/call    Call {"export":"add","args":["1","2"]}
  DELETE /sessions/{id}         Close session
  GET    /health                Health check

A URL source reloads only when the URL changes. A buffer source reloads on
every PUT, since each request carries new bytes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "Port to listen on")
	serveCmd.Flags().Duration("session-ttl", 15*time.Minute, "Close sessions idle for this long")
	rootCmd.AddCommand(serveCmd)
}

type sessionManager struct {
	sessions map[string]*serverSession
	mu       sync.Mutex
	ttl      time.Duration
	stop     chan struct{}
	once     sync.Once
}

type serverSession struct {
	session  *session.Session
	lastUsed time.Time
}

func newSessionManager(ttl time.Duration) *sessionManager {
	sm := &sessionManager{
		sessions: make(map[string]*serverSession),
		ttl:      ttl,
		stop:     make(chan struct{}),
	}
	go sm.cleanup()
	return sm
}

func (sm *sessionManager) add(s *session.Session) string {
	id := generateSessionID()
	sm.mu.Lock()
	sm.sessions[id] = &serverSession{session: s, lastUsed: time.Now()}
	sm.mu.Unlock()
	return id
}

func (sm *sessionManager) get(id string) (*session.Session, bool) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	ss, ok := sm.sessions[id]
	if !ok {
		return nil, false
	}
	ss.lastUsed = time.Now()
	return ss.session, true
}

func (sm *sessionManager) close(id string) bool {
	sm.mu.Lock()
	ss, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if ok {
		ss.session.Close()
	}
	return ok
}

func (sm *sessionManager) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-sm.stop:
			return
		case <-ticker.C:
			sm.expire(time.Now())
		}
	}
}

func (sm *sessionManager) expire(now time.Time) int {
	sm.mu.Lock()
	var idle []*session.Session
	for id, ss := range sm.sessions {
		if now.Sub(ss.lastUsed) > sm.ttl {
			idle = append(idle, ss.session)
			delete(sm.sessions, id)
		}
	}
	sm.mu.Unlock()

	for _, s := range idle {
		s.Close()
	}
	return len(idle)
}

func (sm *sessionManager) closeAll() {
	sm.once.Do(func() { close(sm.stop) })
	sm.mu.Lock()
	all := sm.sessions
	sm.sessions = make(map[string]*serverSession)
	sm.mu.Unlock()
	for _, ss := range all {
		ss.session.Close()
	}
}

func generateSessionID() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return fmt.Sprintf("%x", b)
}

type sourceRequest struct {
	URL    string `json:"url,omitempty"`
	Buffer []byte `json:"buffer,omitempty"`
}

func (r sourceRequest) source() loader.Source {
	return loader.Source{URL: r.URL, Buffer: r.Buffer}
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type stateResponse struct {
	Loading   bool     `json:"loading"`
	Error     string   `json:"error,omitempty"`
	ErrorKind string   `json:"error_kind,omitempty"`
	Exports   []string `json:"exports,omitempty"`
}

type updateResponse struct {
	Reloaded bool `json:"reloaded"`
}

type callRequest struct {
	Export  string   `json:"export"`
	Args    []string `json:"args,omitempty"`
	Timeout string   `json:"timeout,omitempty"`
}

type callResponse struct {
	Results    []string `json:"results,omitempty"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

type server struct {
	app      *app
	ctx      context.Context
	sessions *sessionManager
}

// newServer serves sessions whose runs are bounded by ctx.
func newServer(ctx context.Context, a *app, ttl time.Duration) *server {
	return &server{app: a, ctx: ctx, sessions: newSessionManager(ttl)}
}

func (s *server) Close() {
	s.sessions.closeAll()
}

func (s *server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.createSession)
	mux.HandleFunc("GET /sessions/{id}", s.getSession)
	mux.HandleFunc("PUT /sessions/{id}/source", s.updateSource)
	mux.HandleFunc("POST /sessions/{id}/call", s.call)
	mux.HandleFunc("DELETE /sessions/{id}", s.deleteSession)
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	return mux
}

func (s *server) createSession(w http.ResponseWriter, r *http.Request) {
	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	sess := s.app.ctrl.Start(s.ctx, req.source(), s.app.imports)
	id := s.sessions.add(sess)
	s.app.logger.Info("session created", zap.String("id", id), zap.String("url", req.URL))

	writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: id})
}

func (s *server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newStateResponse(sess.State()))
}

func (s *server) updateSource(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req sourceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, updateResponse{Reloaded: sess.Update(req.source(), s.app.imports)})
}

func (s *server) call(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessions.get(r.PathValue("id"))
	if !ok {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}

	var req callRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.Export == "" {
		http.Error(w, "export required", http.StatusBadRequest)
		return
	}

	timeout := s.app.cfg.Timeout
	if req.Timeout != "" {
		if d, err := time.ParseDuration(req.Timeout); err == nil {
			timeout = d
		}
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	start := time.Now()
	st, err := sess.Wait(ctx)
	if err == nil {
		err = st.Err
	}
	var results []string
	if err == nil {
		results, err = invoke(ctx, st.Data.Instance, req.Export, req.Args)
	}

	resp := callResponse{Results: results, DurationMs: time.Since(start).Milliseconds()}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *server) deleteSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions.close(r.PathValue("id")) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Error(w, "session not found", http.StatusNotFound)
}

func newStateResponse(st session.State) stateResponse {
	resp := stateResponse{Loading: st.Loading}
	if st.Err != nil {
		resp.Error = st.Err.Error()
		resp.ErrorKind = errorKind(st.Err)
	}
	if st.Data != nil {
		for _, def := range st.Data.Instance.ExportedFunctions() {
			resp.Exports = append(resp.Exports, def.String())
		}
	}
	return resp
}

func errorKind(err error) string {
	var (
		te *loader.TransportError
		de *loader.DecodingError
		ie *loader.InstantiationError
	)
	switch {
	case errors.Is(err, loader.ErrInvalidParameters):
		return "invalid_parameters"
	case errors.As(err, &te):
		return "transport"
	case errors.As(err, &de):
		return "decoding"
	case errors.As(err, &ie):
		return "instantiation"
	default:
		return "unknown"
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func runServe(cmd *cobra.Command, args []string) error {
	port, _ := cmd.Flags().GetInt("port")
	ttl, _ := cmd.Flags().GetDuration("session-ttl")

	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := commandContext(cmd)
	srv := newServer(ctx, a, ttl)
	defer srv.Close()

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(cmd.ErrOrStderr(), "wasmload server listening on %s\n", httpSrv.Addr)
	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
