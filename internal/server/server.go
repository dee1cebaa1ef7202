// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jeranaias/fullmoon-go/internal/model"
	"github.com/jeranaias/fullmoon-go/internal/session"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is loopback only; exposing the engine is an explicit choice.
	DefaultAddr = "127.0.0.1:8787"

	// MaxMessageCount is the maximum number of messages in a request.
	MaxMessageCount = 256

	// MaxRequestBodySize bounds the request body (1MB).
	MaxRequestBodySize = 1 << 20

	// ShutdownTimeout bounds the graceful shutdown.
	ShutdownTimeout = 5 * time.Second
)

// ============================================================================
// SERVER
// ============================================================================

// Config configures the HTTP server.
type Config struct {
	// Addr is the listen address (default: DefaultAddr).
	Addr string

	// APIKey, when set, is required as a bearer token.
	APIKey string

	// RequestsPerMinute throttles completions; 0 disables throttling.
	RequestsPerMinute int

	// Manager runs the generations. Required.
	Manager *session.Manager

	// Resolve maps a request's "model" to a selection. An empty name means
	// the default model. Required.
	Resolve func(name string) (model.ModelSelection, error)

	// Models lists the names advertised by GET /v1/models.
	Models func() []ModelEntry

	// SystemPrompt is used when a request carries no system message.
	SystemPrompt func() string

	Logger *zap.Logger
}

// Server serves completions from a single session manager. Like the
// manager, it runs one generation at a time.
type Server struct {
	cfg     Config
	mux     *http.ServeMux
	handler http.Handler
	log     *zap.Logger
	started time.Time

	// busy is held by the request that owns the manager.
	busy atomic.Bool

	mu     sync.Mutex
	active func(output string)
}

// New creates a server and registers its update callback on cfg.Manager.
func New(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, errors.New("server: manager is required")
	}
	if cfg.Resolve == nil {
		return nil, errors.New("server: resolve function is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		cfg:     cfg,
		mux:     http.NewServeMux(),
		log:     cfg.Logger.Named("server"),
		started: time.Now(),
	}
	s.setupRoutes()

	middlewares := []func(http.Handler) http.Handler{
		RecoveryMiddleware(s.log),
		LoggingMiddleware(s.log),
		SecurityHeadersMiddleware(),
	}
	if cfg.APIKey != "" {
		middlewares = append(middlewares, AuthMiddleware(cfg.APIKey, s.log))
	}
	if cfg.RequestsPerMinute > 0 {
		middlewares = append(middlewares, RateLimitMiddleware(cfg.RequestsPerMinute))
	}
	s.handler = Chain(middlewares...)(s.mux)

	cfg.Manager.SetUpdateCallback(s.onStatus)
	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.cfg.Addr
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	s.mux.HandleFunc("GET /v1/models", s.handleModels)
	s.mux.HandleFunc("GET /health", s.handleHealth)
}

// ============================================================================
// LIFECYCLE
// ============================================================================

// ListenAndServe listens on the configured address and serves until ctx is
// canceled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled. A running generation is stopped
// so that its stream ends before the shutdown deadline.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server started", zap.String("addr", ln.Addr().String()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("server shutting down")
	s.cfg.Manager.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ============================================================================
// CHAT COMPLETIONS
// ============================================================================

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxRequestBodySize)
	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: "+err.Error())
		return
	}

	system, msgs, err := s.convertMessages(req.Messages)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_error", err.Error())
		return
	}

	sel, err := s.cfg.Resolve(req.Model)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, model.ErrModelNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, "model_not_found", err.Error())
		return
	}

	if !s.busy.CompareAndSwap(false, true) {
		writeError(w, http.StatusTooManyRequests, "busy", "a generation is already in progress")
		return
	}
	defer s.busy.Store(false)

	name := req.Model
	if name == "" {
		name = sel.String()
	}
	if req.Stream {
		s.streamCompletion(w, r, sel, name, system, msgs)
		return
	}
	s.plainCompletion(w, r, sel, name, system, msgs)
}

// convertMessages splits system messages from the conversation turns.
// System messages are joined in order; without any, the configured prompt
// applies.
func (s *Server) convertMessages(in []ChatMessage) (string, []*model.Message, error) {
	if len(in) == 0 {
		return "", nil, errors.New("messages must not be empty")
	}
	if len(in) > MaxMessageCount {
		return "", nil, fmt.Errorf("too many messages: %d (max %d)", len(in), MaxMessageCount)
	}

	var systems []string
	msgs := make([]*model.Message, 0, len(in))
	for i, m := range in {
		role := model.Role(m.Role)
		if !role.Valid() {
			return "", nil, fmt.Errorf("messages[%d]: invalid role %q", i, m.Role)
		}
		if role == model.RoleSystem {
			systems = append(systems, m.Content)
			continue
		}
		msgs = append(msgs, model.NewMessage(role, m.Content))
	}
	if len(msgs) == 0 {
		return "", nil, errors.New("messages must include a user turn")
	}

	system := strings.Join(systems, "\n")
	if len(systems) == 0 && s.cfg.SystemPrompt != nil {
		system = s.cfg.SystemPrompt()
	}
	return system, msgs, nil
}

func (s *Server) plainCompletion(w http.ResponseWriter, r *http.Request, sel model.ModelSelection, name, system string, msgs []*model.Message) {
	res := s.cfg.Manager.Generate(r.Context(), sel, msgs, system)
	switch {
	case res.Rejected:
		writeError(w, http.StatusTooManyRequests, "busy", "a generation is already in progress")
		return
	case res.Err != nil:
		writeError(w, statusForError(res.Err), res.Err.Kind.String(), res.Err.Error())
		return
	}

	writeJSON(w, http.StatusOK, ChatCompletionResponse{
		ID:      newResponseID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   name,
		Choices: []ChatChoice{{
			Message:      ResponseMessage{Role: string(model.RoleAssistant), Content: res.Text},
			FinishReason: "stop",
		}},
		TokensPerSecond: res.TokensPerSecond,
	})
}

func (s *Server) streamCompletion(w http.ResponseWriter, r *http.Request, sel model.ModelSelection, name, system string, msgs []*model.Message) {
	sw, err := newSSEWriter(w, newResponseID(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", err.Error())
		return
	}

	s.setActive(sw.update)
	res := s.cfg.Manager.Generate(r.Context(), sel, msgs, system)
	s.setActive(nil)

	switch {
	case res.Rejected:
		if !sw.started() {
			writeError(w, http.StatusTooManyRequests, "busy", "a generation is already in progress")
			return
		}
		sw.fail("busy", "a generation is already in progress")
	case res.Err != nil:
		sw.fail(res.Err.Kind.String(), res.Err.Error())
	default:
		sw.finish(res.Text)
	}
}

// ============================================================================
// MANAGER UPDATES
// ============================================================================

func (s *Server) setActive(fn func(string)) {
	s.mu.Lock()
	s.active = fn
	s.mu.Unlock()
}

// onStatus forwards partial output of the running generation to the
// streaming request that started it.
func (s *Server) onStatus(st session.Status) {
	if !st.Running {
		return
	}
	s.mu.Lock()
	fn := s.active
	s.mu.Unlock()
	if fn != nil {
		fn(st.Output)
	}
}

// ============================================================================
// MODELS AND HEALTH
// ============================================================================

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	resp := ModelsResponse{Object: "list", Data: []ModelEntry{}}
	if s.cfg.Models != nil {
		resp.Data = append(resp.Data, s.cfg.Models()...)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.cfg.Manager.GetStatus()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "ok",
		Running:   st.Running,
		ModelInfo: st.ModelInfo,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
	})
}

// ============================================================================
// HELPERS
// ============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, typ, message string) {
	writeJSON(w, status, ErrorResponse{Object: "error", Message: message, Type: typ})
}

// statusForError maps an engine failure to an HTTP status.
func statusForError(e *model.Error) int {
	switch e.Kind {
	case model.KindModelNotFound:
		return http.StatusNotFound
	case model.KindCanceled:
		return 499
	case model.KindNetwork, model.KindRemote, model.KindProvision:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func newResponseID() string {
	return "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
