// Package api implements the HTTP API for managing agents and actors,
// exchanging messages, and observing the runtime.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/nugget/pantheon/internal/agent"
	"github.com/nugget/pantheon/internal/buildinfo"
	"github.com/nugget/pantheon/internal/config"
	"github.com/nugget/pantheon/internal/connwatch"
	"github.com/nugget/pantheon/internal/events"
	"github.com/nugget/pantheon/internal/llm"
	"github.com/nugget/pantheon/internal/metrics"
	"github.com/nugget/pantheon/internal/registry"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Config wires a Server.
type Config struct {
	Address  string
	Port     int
	Registry *registry.Registry
	LLM      llm.Client         // optional; pinged by /health when Backend is nil
	Backend  *connwatch.Watcher // optional; reported by /health
	Bus      *events.Bus        // optional; enables /v1/events
	Metrics  *metrics.Metrics   // optional; enables /metrics
	Logger   *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	address  string
	port     int
	registry *registry.Registry
	llm      llm.Client
	backend  *connwatch.Watcher
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   *slog.Logger
	server   *http.Server
	done     chan struct{}
}

// NewServer creates a new API server.
func NewServer(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		address:  cfg.Address,
		port:     cfg.Port,
		registry: cfg.Registry,
		llm:      cfg.LLM,
		backend:  cfg.Backend,
		bus:      cfg.Bus,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger.With("component", "api"),
		done:     make(chan struct{}),
	}
}

// Handler returns the routed handler with request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	mux.HandleFunc("GET /v1/agents", s.handleAgentList)
	mux.HandleFunc("POST /v1/agents", s.handleAgentCreate)
	mux.HandleFunc("DELETE /v1/agents/{name}", s.handleAgentDelete)
	mux.HandleFunc("GET /v1/agents/{name}/stats", s.handleAgentStats)
	mux.HandleFunc("POST /v1/agents/{name}/messages", s.handleAgentMessage)

	mux.HandleFunc("GET /v1/participants", s.handleParticipants)
	mux.HandleFunc("POST /v1/actors", s.handleActorJoin)
	mux.HandleFunc("DELETE /v1/actors/{id}", s.handleActorLeave)
	mux.HandleFunc("POST /v1/broadcast", s.handleBroadcast)

	if s.bus != nil {
		mux.HandleFunc("GET /v1/events", s.handleEvents)
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// Turns with several tool rounds can take minutes.
		WriteTimeout: 10 * time.Minute,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and ends event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrAgentNotFound), errors.Is(err, registry.ErrActorNotFound),
		errors.Is(err, agent.ErrAgentRetired):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAgentExists), errors.Is(err, registry.ErrNameCollision),
		errors.Is(err, registry.ErrMessageCycle), errors.Is(err, agent.ErrAgentBusy):
		return http.StatusConflict
	case errors.Is(err, agent.ErrInvalidName), errors.Is(err, registry.ErrInvalidID),
		errors.Is(err, registry.ErrExternalTarget):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.logger.Error("request failed", "error", err)
	}
	s.errorResponse(w, code, err.Error())
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// isBroadcastFailure reports whether err only says that some agents
// missed an announcement; the roster change itself succeeded.
func isBroadcastFailure(err error) bool {
	var merr *multierror.Error
	return errors.As(err, &merr)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{
		"status":  "healthy",
		"version": buildinfo.Version,
	}
	switch {
	case s.backend != nil:
		st := s.backend.Status()
		switch {
		case st.Ready:
			status["backend"] = "ok"
		case !st.Checked:
			status["backend"] = "unknown"
		default:
			status["backend"] = "unreachable"
		}
	case s.llm != nil:
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.llm.Ping(ctx); err != nil {
			status["backend"] = "unreachable"
		} else {
			status["backend"] = "ok"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, status, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, buildinfo.BuildInfo(), s.logger)
}

func (s *Server) handleAgentList(w http.ResponseWriter, r *http.Request) {
	infos, err := s.registry.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if infos == nil {
		infos = []registry.Info{}
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"agents": infos}, s.logger)
}

// CreateAgentRequest is the body of POST /v1/agents.
type CreateAgentRequest struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name,omitempty"`
	Model       string `json:"model,omitempty"`
	Description string `json:"description,omitempty"`
	EnableTools bool   `json:"enable_tools,omitempty"`
}

func (s *Server) handleAgentCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateAgentRequest
	if !s.decode(w, r, &req) {
		return
	}
	a, err := s.registry.Create(r.Context(), config.AgentConfig{
		Name:        req.Name,
		DisplayName: req.DisplayName,
		Model:       req.Model,
		Description: req.Description,
		EnableTools: req.EnableTools,
	})
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, registry.Info{
		Name:        a.Name(),
		DisplayName: a.DisplayName(),
		Model:       a.Model(),
		Description: a.Description(),
		Loaded:      true,
	}, s.logger)
}

func (s *Server) handleAgentDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), r.PathValue("name")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	a, err := s.registry.Load(r.Context(), r.PathValue("name"))
	if err != nil {
		s.fail(w, err)
		return
	}
	st, err := a.Stats(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, st, s.logger)
}

// MessageRequest is the body of POST /v1/agents/{name}/messages.
type MessageRequest struct {
	From    string `json:"from,omitempty"`
	Message string `json:"message"`
}

func (s *Server) handleAgentMessage(w http.ResponseWriter, r *http.Request) {
	var req MessageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}

	reply, err := s.registry.Route(r.Context(), req.From, r.PathValue("name"), req.Message)
	if err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, reply, s.logger)
}

func (s *Server) handleParticipants(w http.ResponseWriter, r *http.Request) {
	loaded := s.registry.Loaded()
	names := make([]string, len(loaded))
	for i, a := range loaded {
		names[i] = a.Name()
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"actors": s.registry.Actors(),
		"agents": names,
		"roster": s.registry.Roster(),
	}, s.logger)
}

// JoinRequest is the body of POST /v1/actors.
type JoinRequest struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

func (s *Server) handleActorJoin(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if !s.decode(w, r, &req) {
		return
	}
	actor := registry.Actor{
		ID:          req.ID,
		Type:        req.Type,
		Description: req.Description,
		ConnectedAt: time.Now(),
	}
	if actor.Type == "" {
		actor.Type = "human"
	}
	if err := s.registry.Join(r.Context(), actor); err != nil {
		if !isBroadcastFailure(err) {
			s.fail(w, err)
			return
		}
		s.logger.Warn("join announcement incomplete", "actor", actor.ID, "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, actor, s.logger)
}

func (s *Server) handleActorLeave(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.registry.Leave(r.Context(), id); err != nil {
		if !isBroadcastFailure(err) {
			s.fail(w, err)
			return
		}
		s.logger.Warn("leave announcement incomplete", "actor", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

// BroadcastRequest is the body of POST /v1/broadcast.
type BroadcastRequest struct {
	Message string `json:"message"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req BroadcastRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if err := s.registry.Broadcast(r.Context(), req.Message); err != nil {
		s.fail(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{
		"status": "ok",
		"agents": len(s.registry.Loaded()),
	}, s.logger)
}
