// Package web exposes the chat turn backend over HTTP: the streamed chat
// endpoint plus the chat, document, suggestion and vote routes around it.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/auth"
	"github.com/haasonsaas/chatturn/internal/observability"
	"github.com/haasonsaas/chatturn/internal/persist"
	"github.com/haasonsaas/chatturn/internal/prompts"
	"github.com/haasonsaas/chatturn/internal/sessions"
	"github.com/haasonsaas/chatturn/internal/storage"
)

// DefaultMaxBodyBytes limits request bodies when Config.MaxBodyBytes is zero.
const DefaultMaxBodyBytes = 4 << 20

// Config holds the handler's collaborators.
type Config struct {
	Orchestrator *agent.Orchestrator
	Sessions     *sessions.Resolver
	// Store serves document and suggestion reads.
	Store  storage.Store
	Writer *persist.Writer
	// Prompts supplies the system prompt when a request carries none.
	Prompts prompts.Source
	// Auth identifies callers. Nil or disabled leaves every request anonymous
	// unless a dev user is configured.
	Auth *auth.Service

	// HeartbeatInterval spaces SSE keep-alive comments. Zero disables them.
	HeartbeatInterval time.Duration
	MaxBodyBytes      int64

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Handler serves the /api routes.
type Handler struct {
	config *Config
	mux    *http.ServeMux
	logger *slog.Logger
}

// NewHandler creates a handler.
func NewHandler(cfg *Config) *Handler {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.Static(prompts.Default())
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	h := &Handler{
		config: cfg,
		mux:    http.NewServeMux(),
		logger: cfg.Logger.With("component", "web"),
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("POST /api/chat", h.apiChat)
	h.mux.HandleFunc("DELETE /api/chat", h.apiChatDelete)
	h.mux.HandleFunc("GET /api/chat/{id}", h.apiChatGet)
	h.mux.HandleFunc("PUT /api/chat/{id}/title", h.apiChatTitle)
	h.mux.HandleFunc("GET /api/history", h.apiHistory)

	h.mux.HandleFunc("GET /api/document", h.apiDocument)
	h.mux.HandleFunc("DELETE /api/document", h.apiDocumentDelete)
	h.mux.HandleFunc("GET /api/suggestions", h.apiSuggestions)
	h.mux.HandleFunc("PATCH /api/suggestions/{id}", h.apiSuggestionResolve)

	h.mux.HandleFunc("PATCH /api/vote", h.apiVote)
	h.mux.HandleFunc("GET /api/vote", h.apiVotes)

	h.mux.HandleFunc("GET /api/models", h.apiModels)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Mount returns the handler wrapped in request logging, tracing and auth.
func (h *Handler) Mount() http.Handler {
	var handler http.Handler = h
	handler = auth.Middleware(h.config.Auth, h.logger)(handler)
	handler = LoggingMiddleware(h.logger, h.config.Metrics, h.config.Tracer)(handler)
	handler = RecoveryMiddleware(h.logger)(handler)
	return handler
}
