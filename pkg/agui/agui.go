// Package agui wires the backend runtime into an HTTP application: the
// session store, identity resolution, the turn runner, and the event stream
// endpoints a remote UI connects to.
package agui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agentbridge-dev/agentbridge/pkg/agui/config"
	apperrors "github.com/agentbridge-dev/agentbridge/pkg/agui/errors"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/identity"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/llm"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/metrics"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/runner"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/session"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/tools"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/translator"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/transport"
	"github.com/agentbridge-dev/agentbridge/pkg/agui/wire"
)

// App is the backend application: one session store, one model client, one
// tool registry, and the HTTP surface tying them together.
type App struct {
	Config   *config.Config
	Store    session.Service
	Model    llm.Client
	Registry *tools.Registry

	resolver  *identity.Resolver
	runner    *runner.Runner
	callbacks runner.Callbacks
	metrics   *metrics.Metrics
	promReg   *prometheus.Registry
	log       logr.Logger
	router    *mux.Router
	upgrader  websocket.Upgrader

	// One turn at a time per session. A second run against a busy session
	// is rejected rather than interleaved.
	runsMu     sync.Mutex
	activeRuns map[string]struct{}
}

// Option configures an App.
type Option func(*App)

// WithLogger installs a structured logger.
func WithLogger(log logr.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithStore replaces the store built from config.
func WithStore(store session.Service) Option {
	return func(a *App) { a.Store = store }
}

// WithCallbacks installs the turn pipeline hooks.
func WithCallbacks(cb runner.Callbacks) Option {
	return func(a *App) { a.callbacks = cb }
}

// NewApp assembles the application. The store backend is chosen by config
// unless WithStore overrides it.
func NewApp(cfg *config.Config, model llm.Client, registry *tools.Registry, opts ...Option) (*App, error) {
	app := &App{
		Config:     cfg,
		Model:      model,
		Registry:   registry,
		promReg:    prometheus.NewRegistry(),
		log:        logr.Discard(),
		activeRuns: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(app)
	}

	app.metrics = metrics.New(app.promReg)

	if app.Store == nil {
		store, err := buildStore(cfg)
		if err != nil {
			return nil, err
		}
		app.Store = store
	}

	app.resolver = identity.NewResolver(cfg.AppName, cfg.Identity.StaticUserID, app.Store)
	app.runner = runner.New(app.Store, model, registry,
		runner.WithCallbacks(app.callbacks),
		runner.WithMaxToolCycles(cfg.Runner.MaxToolCycles),
		runner.WithMetrics(app.metrics),
		runner.WithLogger(app.log.WithName("runner")),
	)

	return app, nil
}

func buildStore(cfg *config.Config) (session.Service, error) {
	switch cfg.Store.Backend {
	case "memory":
		return session.NewInMemoryService(), nil
	case "sqlite":
		return session.OpenSQLite(cfg.Store.Path)
	case "postgres":
		return session.OpenPostgres(cfg.Store.DSN)
	default:
		return nil, apperrors.New(apperrors.ErrCodeConfig,
			fmt.Sprintf("unknown store backend %q", cfg.Store.Backend), nil)
	}
}

// Build creates the HTTP server. WriteTimeout stays zero: the run endpoint
// holds its response open for the whole turn.
func (a *App) Build() *http.Server {
	a.router = mux.NewRouter()
	a.setupRoutes()

	return &http.Server{
		Addr:        a.Config.Server.Addr(),
		Handler:     a.router,
		ReadTimeout: 15 * time.Second,
	}
}

// Handler returns the routed handler, for tests and embedding.
func (a *App) Handler() http.Handler {
	if a.router == nil {
		a.router = mux.NewRouter()
		a.setupRoutes()
	}
	return a.router
}

func (a *App) setupRoutes() {
	a.router.HandleFunc("/agui/run", a.handleRun).Methods("POST")
	a.router.HandleFunc("/agui/ws", a.handleWS).Methods("GET")

	a.router.HandleFunc("/api/sessions", a.handleCreateSession).Methods("POST")
	a.router.HandleFunc("/api/sessions", a.handleListSessions).Methods("GET")
	a.router.HandleFunc("/api/sessions/{id}", a.handleGetSession).Methods("GET")
	a.router.HandleFunc("/api/sessions/{id}", a.handleDeleteSession).Methods("DELETE")

	a.router.HandleFunc("/health", a.handleHealth).Methods("GET")
	a.router.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{})).Methods("GET")
}

// handleRun is the SSE turn endpoint: one POST, one streamed run.
func (a *App) handleRun(w http.ResponseWriter, r *http.Request) {
	var input wire.RunAgentInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid run input")
		return
	}

	// The HTTP edge copies caller identity headers into the reserved state
	// keys before resolution sees the input.
	applyIdentityHeaders(&input, r)

	emitter, err := transport.NewSSEEmitter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	a.executeTurn(r.Context(), &input, emitter)
}

// handleWS is the WebSocket turn endpoint: one JSON request message, one
// streamed run, then a close frame.
func (a *App) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Error(err, "websocket upgrade failed")
		return
	}
	emitter := transport.NewWSEmitter(conn)
	defer emitter.Close()

	var input wire.RunAgentInput
	if err := conn.ReadJSON(&input); err != nil {
		a.log.Error(err, "failed to read run input")
		return
	}
	applyIdentityHeaders(&input, r)

	a.executeTurn(r.Context(), &input, emitter)
}

// executeTurn resolves identity, binds the session, and drives the run,
// translating each appended event onto the wire as it happens. Transport
// failure after persistence does not roll anything back; the client
// re-reads the session on reconnect.
func (a *App) executeTurn(ctx context.Context, input *wire.RunAgentInput, emitter transport.Emitter) {
	if input.RunID == "" {
		input.RunID = uuid.NewString()
	}
	log := a.log.WithValues("run", input.RunID, "thread", input.ThreadID)

	id, err := a.resolver.Resolve(input)
	if err != nil {
		a.emitFailure(emitter, input.RunID, err, log)
		return
	}

	if !a.acquireRun(id.SessionID) {
		a.emitFailure(emitter, input.RunID,
			apperrors.New(apperrors.ErrCodeRunFailed, "a turn is already in progress for this session", nil), log)
		return
	}
	defer a.releaseRun(id.SessionID)

	sess, err := a.resolver.EnsureSession(ctx, &id, input)
	if err != nil {
		a.emitFailure(emitter, input.RunID, err, log)
		return
	}

	tr := translator.New(input.RunID, sess.State)
	emit := func(ev *wire.Event) error {
		a.metrics.WireEventsEmitted.WithLabelValues(string(ev.Type)).Inc()
		return emitter.Emit(ev)
	}

	if err := emit(tr.Start(&wire.RunInput{State: sess.State, Messages: input.Messages})); err != nil {
		log.Error(err, "client gone before run start")
		return
	}

	var userMessage *session.Content
	if msg, ok := input.LastUserMessage(); ok {
		userMessage = &session.Content{Role: "user", Parts: []*session.Part{session.TextPart(msg.Content)}}
	}

	rc := &runner.RunContext{
		Session:      sess,
		InvocationID: input.RunID,
		UserMessage:  userMessage,
		BaseState:    input.State,
	}

	runErr := a.runner.Run(ctx, rc, func(ev *session.Event) error {
		events, err := tr.Translate(ev)
		if err != nil {
			return err
		}
		for _, wireEv := range events {
			if err := emit(wireEv); err != nil {
				return err
			}
		}
		return nil
	})
	if runErr != nil {
		a.emitFailure(emitter, input.RunID, runErr, log)
		return
	}

	for _, ev := range tr.Finish() {
		if err := emit(ev); err != nil {
			log.Error(err, "client gone before run completion")
			return
		}
	}
}

func (a *App) emitFailure(emitter transport.Emitter, runID string, err error, log logr.Logger) {
	log.Error(err, "turn failed")
	if emitErr := emitter.Emit(wire.RunError(runID, err.Error())); emitErr != nil {
		log.Error(emitErr, "failed to deliver run error")
	}
}

func (a *App) acquireRun(sessionID string) bool {
	a.runsMu.Lock()
	defer a.runsMu.Unlock()
	if _, busy := a.activeRuns[sessionID]; busy {
		return false
	}
	a.activeRuns[sessionID] = struct{}{}
	return true
}

func (a *App) releaseRun(sessionID string) {
	a.runsMu.Lock()
	defer a.runsMu.Unlock()
	delete(a.activeRuns, sessionID)
}

func applyIdentityHeaders(input *wire.RunAgentInput, r *http.Request) {
	userID := r.Header.Get("X-User-Id")
	sessionID := r.Header.Get("X-Session-Id")
	if userID == "" && sessionID == "" {
		return
	}
	if input.State == nil {
		input.State = session.State{}
	}
	if userID != "" {
		input.State[session.KeyUserID] = userID
	}
	if sessionID != "" {
		input.State[session.KeySessionID] = sessionID
	}
}

func (a *App) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req session.CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.AppName = a.Config.AppName
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}

	// Reserved keys are server-owned: reject caller-supplied values, then
	// write them as part of the initial state so they persist atomically
	// with creation.
	for key := range req.State {
		if session.IsReservedKey(key) {
			writeError(w, http.StatusBadRequest, "state must not contain reserved keys")
			return
		}
	}
	if req.State == nil {
		req.State = session.State{}
	}
	req.State[session.KeyAppName] = req.AppName
	req.State[session.KeyUserID] = req.UserID
	req.State[session.KeySessionID] = req.SessionID
	req.State[session.KeyThreadID] = req.SessionID

	sess, err := a.Store.CreateSession(r.Context(), &req)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *App) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}

	sessions, err := a.Store.ListSessions(r.Context(), a.Config.AppName, userID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *App) handleGetSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}

	sess, err := a.Store.GetSession(r.Context(), a.Config.AppName, userID, mux.Vars(r)["id"])
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (a *App) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user query parameter is required")
		return
	}

	if err := a.Store.DeleteSession(r.Context(), a.Config.AppName, userID, mux.Vars(r)["id"]); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"app":    a.Config.AppName,
		"model":  a.Model.ModelName(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func isNotFound(err error) bool {
	return errors.Is(err, session.ErrNotFound)
}
