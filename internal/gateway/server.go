// Package gateway wires configuration into a running chatturn server: storage,
// providers, tools, the turn orchestrator and the HTTP listener.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/haasonsaas/chatturn/internal/agent"
	"github.com/haasonsaas/chatturn/internal/auth"
	"github.com/haasonsaas/chatturn/internal/config"
	"github.com/haasonsaas/chatturn/internal/observability"
	"github.com/haasonsaas/chatturn/internal/persist"
	"github.com/haasonsaas/chatturn/internal/prompts"
	"github.com/haasonsaas/chatturn/internal/sessions"
	"github.com/haasonsaas/chatturn/internal/storage"
	"github.com/haasonsaas/chatturn/internal/tools/documents"
	"github.com/haasonsaas/chatturn/internal/tools/weather"
	"github.com/haasonsaas/chatturn/internal/web"
)

// Server owns every long-lived component.
type Server struct {
	config *config.Config
	logger *slog.Logger

	registry *prometheus.Registry
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	// shutdownTracer flushes pending spans.
	shutdownTracer func(context.Context) error

	store        storage.Store
	writer       *persist.Writer
	replayer     *persist.GapReplayer
	prompts      prompts.Source
	promptFile   *prompts.FileSource
	catalog      *agent.Catalog
	orchestrator *agent.Orchestrator
	sessions     *sessions.Resolver

	handler    http.Handler
	httpServer *http.Server
	startTime  time.Time
	version    string
}

// Option configures a Server.
type Option func(*Server)

// WithStore replaces the configured store.
func WithStore(store storage.Store) Option {
	return func(s *Server) { s.store = store }
}

// WithVersion sets the version reported by /healthz and traces.
func WithVersion(version string) Option {
	return func(s *Server) {
		if version != "" {
			s.version = version
		}
	}
}

// WithCatalog replaces the providers built from configuration.
func WithCatalog(catalog *agent.Catalog) Option {
	return func(s *Server) { s.catalog = catalog }
}

// NewServer builds a server from cfg. Nothing listens until Run.
func NewServer(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Server, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		config:    cfg,
		logger:    logger.With("component", "gateway"),
		registry:  prometheus.NewRegistry(),
		startTime: time.Now(),
		version:   "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	s.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = observability.NewMetrics(s.registry)
	tc := cfg.Observability.Tracing
	s.tracer, s.shutdownTracer = observability.NewTracer(observability.TraceConfig{
		ServiceName:    tc.ServiceName,
		ServiceVersion: s.version,
		Environment:    tc.Environment,
		Endpoint:       tc.Endpoint,
		SamplingRate:   tc.SamplingRate,
		EnableInsecure: tc.Insecure,
	})

	if err := s.init(ctx); err != nil {
		_ = s.close(context.Background())
		return nil, err
	}
	return s, nil
}

func (s *Server) init(ctx context.Context) error {
	cfg := s.config

	if s.store == nil {
		store, err := OpenStore(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		s.store = store
	}

	pc := cfg.Persistence
	s.writer = persist.NewWriter(s.store,
		persist.Config{Retry: retryConfig(pc.Retry), MaxVersionCollisions: pc.MaxVersionCollisions},
		persist.WithLogger(s.logger),
		persist.WithMetrics(s.metrics),
		persist.WithTracer(s.tracer),
		persist.WithGapLog(persist.NewGapLog(pc.GapLogSize)),
	)
	if pc.ReplaySchedule != config.ReplayOff {
		replayer, err := persist.NewGapReplayer(s.writer, pc.ReplaySchedule, s.logger)
		if err != nil {
			return err
		}
		s.replayer = replayer
	}

	s.prompts = prompts.Static(prompts.Default())
	if cfg.Prompts.File != "" {
		source, err := prompts.NewFileSource(cfg.Prompts.File, s.logger)
		if err != nil {
			return fmt.Errorf("load prompts: %w", err)
		}
		s.promptFile = source
		s.prompts = source
	}

	if s.catalog == nil {
		catalog, err := buildCatalog(ctx, cfg.LLM)
		if err != nil {
			return err
		}
		s.catalog = catalog
	}
	if s.catalog.Len() == 0 {
		s.logger.Warn("no model providers configured; chat requests will fail")
	}

	registry := agent.NewToolRegistry()
	registry.SetTimeout(cfg.Turn.ToolTimeout)
	if err := s.registerTools(registry); err != nil {
		return err
	}

	s.orchestrator = agent.NewOrchestrator(s.catalog, registry, s.writer, agent.TurnConfig{
		MaxSteps:             cfg.Turn.MaxSteps,
		MaxTokens:            cfg.Turn.MaxTokens,
		ModelRetries:         cfg.Turn.ModelRetries,
		BufferSize:           cfg.Turn.BufferSize,
		ToolStateAnnotations: cfg.Turn.ToolStateAnnotations,
	},
		agent.WithLogger(s.logger),
		agent.WithMetrics(s.metrics),
		agent.WithTracer(s.tracer),
	)

	resolverOpts := []sessions.Option{sessions.WithLogger(s.logger)}
	if !cfg.Prompts.DisableTitles && s.catalog.Len() > 0 {
		model := cfg.Prompts.TitleModel
		if model == "" {
			model = cfg.LLM.DefaultModel
		}
		summarizer := agent.NewTitleSummarizer(s.catalog, model, s.prompts.Current().Title)
		resolverOpts = append(resolverOpts, sessions.WithSummarizer(summarizer, sessions.DefaultSummarizeTimeout))
	}
	s.sessions = sessions.NewResolver(s.store, s.writer, resolverOpts...)

	ac := cfg.Auth
	keys := make([]auth.APIKeyConfig, 0, len(ac.APIKeys))
	for _, k := range ac.APIKeys {
		keys = append(keys, auth.APIKeyConfig{Key: k.Key, UserID: k.UserID, Email: k.Email, Name: k.Name})
	}
	authService := auth.NewService(auth.Config{
		JWTSecret:   ac.JWTSecret,
		TokenExpiry: ac.TokenExpiry,
		Issuer:      ac.Issuer,
		APIKeys:     keys,
		DevUserID:   ac.DevUserID,
	})
	if !authService.Enabled() {
		s.logger.Warn("authentication is disabled; only the dev user can chat", "dev_user", ac.DevUserID)
	}

	api := web.NewHandler(&web.Config{
		Orchestrator:      s.orchestrator,
		Sessions:          s.sessions,
		Store:             s.store,
		Writer:            s.writer,
		Prompts:           s.prompts,
		Auth:              authService,
		HeartbeatInterval: cfg.Server.HeartbeatInterval,
		MaxBodyBytes:      cfg.Server.MaxBodyBytes,
		Logger:            s.logger,
		Metrics:           s.metrics,
		Tracer:            s.tracer,
	})
	s.handler = s.routes(api.Mount())
	return nil
}

func (s *Server) registerTools(registry *agent.ToolRegistry) error {
	tc := s.config.Tools
	if tc.Documents.Enabled {
		docs, err := documents.New(documents.Config{
			Catalog:        s.catalog,
			Model:          tc.Documents.Model,
			Documents:      s.store,
			Writer:         s.writer,
			Prompts:        s.prompts,
			MaxSuggestions: tc.Documents.MaxSuggestions,
			Logger:         s.logger,
		})
		if err != nil {
			return fmt.Errorf("documents tools: %w", err)
		}
		if err := docs.Register(registry); err != nil {
			return fmt.Errorf("documents tools: %w", err)
		}
	}
	if tc.Weather.Enabled {
		client, err := weather.NewClient(weather.Config{BaseURL: tc.Weather.BaseURL, Timeout: tc.Weather.Timeout})
		if err != nil {
			return fmt.Errorf("weather tool: %w", err)
		}
		tool, err := weather.NewTool(client)
		if err != nil {
			return fmt.Errorf("weather tool: %w", err)
		}
		if err := registry.Register(tool); err != nil {
			return fmt.Errorf("weather tool: %w", err)
		}
	}
	return nil
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.config.Server.Addr())
	if err != nil {
		return nil, fmt.Errorf("http listen: %w", err)
	}
	return listener, nil
}

// close releases what init acquired.
func (s *Server) close(ctx context.Context) error {
	var errs []error
	if s.promptFile != nil {
		errs = append(errs, s.promptFile.Close())
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.shutdownTracer != nil {
		errs = append(errs, s.shutdownTracer(ctx))
	}
	return errors.Join(errs...)
}
