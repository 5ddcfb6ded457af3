// Package control is the HTTP debug surface: engine lifecycle endpoints,
// read-only queries over the attached session store, the live update
// subscription, and a transparent reverse proxy for everything else under
// the engine's API namespace.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/theredsix/abp/internal/attacher"
	"github.com/theredsix/abp/internal/engine"
	"github.com/theredsix/abp/internal/hub"
	"github.com/theredsix/abp/internal/logging"
	"github.com/theredsix/abp/internal/protocol"
	"github.com/theredsix/abp/internal/sessiondb"
	"github.com/theredsix/abp/internal/supervisor"
)

const (
	defaultActionLimit = 100
	maxActionLimit     = 1000
)

// Lifecycle is the slice of the supervisor the router needs.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	State() supervisor.State
	Managed() bool
}

// Server routes control requests over explicit references to the supervisor,
// attacher, and hub. It holds no state of its own.
type Server struct {
	sup    Lifecycle
	att    *attacher.Attacher
	hub    *hub.Hub
	engine *engine.Client
	logger *logging.Logger
	proxy  *httputil.ReverseProxy

	// overridable in tests
	attachRetryInterval time.Duration
	attachRetryWindow   time.Duration
}

func New(sup Lifecycle, att *attacher.Attacher, h *hub.Hub, client *engine.Client, logger *logging.Logger) *Server {
	s := &Server{
		sup:                 sup,
		att:                 att,
		hub:                 h,
		engine:              client,
		logger:              logger,
		attachRetryInterval: 500 * time.Millisecond,
		attachRetryWindow:   5 * time.Second,
	}

	target, err := url.Parse(client.BaseURL())
	if err == nil {
		s.proxy = httputil.NewSingleHostReverseProxy(target)
		s.proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			s.logger.Errorf("proxy %s %s: %v", r.Method, r.URL.Path, err)
			writeError(w, http.StatusBadGateway, fmt.Sprintf("engine unreachable: %v", err))
		}
	}
	return s
}

// Handler builds the router. Specific debug routes win over the catch-all
// proxy by ServeMux precedence.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/debug/status", s.handleStatus)
	mux.HandleFunc("POST /api/debug/attach", s.handleAttach)
	mux.HandleFunc("POST /api/debug/start", s.handleStart)
	mux.HandleFunc("POST /api/debug/stop", s.handleStop)
	mux.HandleFunc("POST /api/debug/restart", s.handleRestart)
	mux.HandleFunc("GET /api/debug/session", s.handleSession)
	mux.HandleFunc("GET /api/debug/actions", s.handleActions)
	mux.HandleFunc("GET /api/debug/actions/{id}", s.handleAction)
	mux.HandleFunc("GET /api/debug/screenshots/{file}", s.handleScreenshot)
	mux.HandleFunc("GET /ws", s.hub.Handler(s.snapshot))
	if s.proxy != nil {
		mux.Handle("/api/", s.proxy)
	}
	return mux
}

// status assembles the shared payload for the status endpoint and the
// initial_state hub event.
func (s *Server) status(reachable bool) *protocol.Status {
	st := &protocol.Status{
		Reachable:  reachable,
		Managed:    s.sup.Managed(),
		State:      string(s.sup.State()),
		EngineURL:  s.engine.BaseURL(),
		SessionDir: s.att.SessionDir(),
		Watermark:  s.att.Watermark(),
	}
	if store := s.att.Store(); store != nil {
		if sess, err := store.LatestSession(); err == nil {
			st.Session = sess
		}
	}
	return st
}

func (s *Server) snapshot() *protocol.HubEvent {
	reachable := s.att.Reconcile(context.Background())
	return &protocol.HubEvent{
		Event:  protocol.EventInitialState,
		Status: s.status(reachable),
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	reachable := s.att.Reconcile(r.Context())
	writeJSON(w, http.StatusOK, s.status(reachable))
}

func (s *Server) handleAttach(w http.ResponseWriter, r *http.Request) {
	err := s.att.Attach(r.Context())
	if err != nil && !errors.Is(err, attacher.ErrNoActiveSession) {
		s.renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.status(true))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Start(r.Context()); err != nil {
		s.renderError(w, err)
		return
	}
	s.retryAttach(r.Context())
	writeJSON(w, http.StatusOK, protocol.OKBody{OK: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Stop(r.Context()); err != nil {
		s.renderError(w, err)
		return
	}
	s.att.Detach()
	writeJSON(w, http.StatusOK, protocol.OKBody{OK: true})
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if err := s.sup.Restart(r.Context()); err != nil {
		s.renderError(w, err)
		return
	}
	s.retryAttach(r.Context())
	writeJSON(w, http.StatusOK, protocol.OKBody{OK: true})
}

// retryAttach polls Attach after a successful start until the engine has
// written its session directory. Best-effort: the status poll will pick the
// attachment up later if the window expires first.
func (s *Server) retryAttach(ctx context.Context) {
	deadline := time.Now().Add(s.attachRetryWindow)
	for {
		err := s.att.Attach(ctx)
		if err == nil || errors.Is(err, attacher.ErrNoActiveSession) {
			return
		}
		if time.Now().After(deadline) || ctx.Err() != nil {
			s.logger.Infof("attach retry window expired: %v", err)
			return
		}
		select {
		case <-time.After(s.attachRetryInterval):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	store := s.att.Store()
	if store == nil {
		s.renderError(w, attacher.ErrNotAttached)
		return
	}
	sess, err := store.LatestSession()
	if err != nil {
		if errors.Is(err, sessiondb.ErrNoSession) {
			writeError(w, http.StatusNotFound, "no session recorded yet")
			return
		}
		s.renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	store := s.att.Store()
	if store == nil {
		s.renderError(w, attacher.ErrNotAttached)
		return
	}
	sessionID := s.att.SessionID()
	if sessionID == "" {
		writeError(w, http.StatusNotFound, "no session recorded yet")
		return
	}

	limit := queryInt(r, "limit", defaultActionLimit)
	if limit <= 0 || limit > maxActionLimit {
		limit = defaultActionLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	actions, err := store.Actions(sessionID, limit, offset)
	if err != nil {
		s.renderError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, actions)
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	store := s.att.Store()
	if store == nil {
		s.renderError(w, attacher.ErrNotAttached)
		return
	}
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid action id")
		return
	}
	action, err := store.Action(id)
	if err != nil {
		s.renderError(w, err)
		return
	}
	if action == nil {
		writeError(w, http.StatusNotFound, "action not found")
		return
	}
	if events, err := store.Events(id); err == nil {
		action.Events = events
	}
	writeJSON(w, http.StatusOK, action)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	store := s.att.Store()
	if store == nil {
		s.renderError(w, attacher.ErrNotAttached)
		return
	}
	dir := store.ScreenshotDir()

	// Containment: the served file must resolve under the session's own
	// screenshot directory, whatever the request path segment contains.
	name := filepath.Clean("/" + r.PathValue("file"))
	path := filepath.Join(dir, name)
	if !strings.HasPrefix(path, dir+string(filepath.Separator)) {
		writeError(w, http.StatusForbidden, "path outside screenshot directory")
		return
	}
	http.ServeFile(w, r, path)
}

func (s *Server) renderError(w http.ResponseWriter, err error) {
	writeError(w, statusForError(err), err.Error())
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrExternallyRunning):
		return http.StatusConflict
	case errors.Is(err, supervisor.ErrBinaryNotFound):
		return http.StatusNotFound
	case errors.Is(err, supervisor.ErrLaunchTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, attacher.ErrNotAttached),
		errors.Is(err, attacher.ErrNoActiveSession):
		return http.StatusServiceUnavailable
	}
	var launchErr *supervisor.LaunchFailedError
	if errors.As(err, &launchErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, protocol.ErrorBody{Error: msg})
}
