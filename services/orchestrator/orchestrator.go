// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator assembles the chat service.
//
// The Service owns the conversation store, the completion relay, the search
// fetcher, the title summarizer, the answer pipeline, and the HTTP router.
//
// # Enterprise Integration
//
// The orchestrator supports dependency injection via extensions.ServiceOptions:
//   - AuthProvider: Custom authentication (JWT, API keys)
//   - AuthzProvider: Role-based access control
//   - AuditLogger: Compliance audit logging
//   - MessageFilter: PII detection and redaction
//
// # Usage
//
//	cfg, err := config.Load("")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	svc, err := orchestrator.New(cfg, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	log.Fatal(svc.Run(ctx))
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
	"github.com/AleutianAI/AleutianChat/services/llm"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/config"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/conversation"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/pipeline"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/prompts"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/routes"
	"github.com/AleutianAI/AleutianChat/services/orchestrator/storage"
	"github.com/AleutianAI/AleutianChat/services/search"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// ServiceName identifies the service in traces and logs.
const ServiceName = "aleutian-chat"

// =============================================================================
// Interface Definition
// =============================================================================

// Service defines the lifecycle of the chat service.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use. Run blocks and should
// only be called once per instance.
type Service interface {
	// Run serves HTTP until ctx is cancelled or the listener fails, then
	// shuts down gracefully and releases every resource.
	//
	// # Outputs
	//
	//   - error: Listener failure. Nil after a clean shutdown.
	Run(ctx context.Context) error

	// Router returns the configured Gin engine, primarily for tests.
	Router() *gin.Engine

	// Close releases the store, telemetry, and audit resources. Safe to
	// call more than once. Run calls it on return.
	Close() error
}

// =============================================================================
// Implementation
// =============================================================================

// service implements Service.
//
// # Thread Safety
//
// Thread-safe after construction. All fields are read-only after New returns.
type service struct {
	config            config.Config
	opts              extensions.ServiceOptions
	router            *gin.Engine
	registry          *prometheus.Registry
	metrics           *observability.ChatMetrics
	store             storage.ConversationStore
	pipeline          *pipeline.Pipeline
	telemetryShutdown func(context.Context) error
	closeOnce         sync.Once
	closeErr          error
}

// =============================================================================
// Constructor
// =============================================================================

// New creates the chat Service.
//
// # Description
//
// New initializes, in order:
//  1. OpenTelemetry tracing and the OTel-to-Prometheus metric bridge
//  2. Prometheus collectors on a service-owned registry
//  3. The badger conversation store
//  4. The prompt catalogue, completion relay, and title summarizer
//  5. The search fetcher (only when search.api_key is set)
//  6. The answer pipeline and HTTP routes
//
// If opts is nil, DefaultOptions() is used with a slog audit logger, and
// configured auth.tokens replace the no-op auth provider.
//
// # Inputs
//
//   - cfg: Validated configuration from config.Load.
//   - opts: Extension options. May be nil.
//
// # Outputs
//
//   - Service: Ready to Run.
//   - error: Non-nil if any required component fails to initialize.
//
// # Assumptions
//
//   - Only one Service per process sets the global OTel providers.
func New(cfg config.Config, opts *extensions.ServiceOptions) (Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Server.GinMode != "" {
		gin.SetMode(cfg.Server.GinMode)
	}

	s := &service{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	resolved, err := resolveOptions(cfg, opts)
	if err != nil {
		return nil, err
	}
	s.opts = resolved

	if err := s.initTelemetry(); err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s.metrics = observability.NewMetrics(s.registry)
	observability.DefaultMetrics = s.metrics

	if err := s.initStore(); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}

	if err := s.initPipeline(s.metrics); err != nil {
		s.cleanup()
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	s.initRouter()
	return s, nil
}

// =============================================================================
// Service Interface Methods
// =============================================================================

// Run implements Service.
func (s *service) Run(ctx context.Context) error {
	defer s.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Starting chat server", "port", s.config.Server.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	timeout := s.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	slog.Info("Shutting down chat server", "timeout", timeout.String())
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// Router implements Service.
func (s *service) Router() *gin.Engine {
	return s.router
}

// Close implements Service.
func (s *service) Close() error {
	s.closeOnce.Do(s.cleanup)
	return s.closeErr
}

// =============================================================================
// Private Initialization Methods
// =============================================================================

// resolveOptions picks the extension implementations.
func resolveOptions(cfg config.Config, opts *extensions.ServiceOptions) (extensions.ServiceOptions, error) {
	if opts != nil {
		return opts.Normalized(), nil
	}

	resolved := extensions.DefaultOptions().
		WithAudit(extensions.NewSlogAuditLogger(slog.Default()))

	if len(cfg.Auth.Tokens) > 0 {
		provider, err := extensions.NewStaticTokenAuthProvider(cfg.Auth.Tokens)
		if err != nil {
			return extensions.ServiceOptions{}, fmt.Errorf("auth tokens: %w", err)
		}
		resolved = resolved.WithAuth(provider)
		slog.Info("Bearer token authentication enabled", "users", len(cfg.Auth.Tokens))
	} else {
		slog.Warn("No auth tokens configured, every request is the local user")
	}
	return resolved, nil
}

// initTelemetry installs the tracer and meter providers.
func (s *service) initTelemetry() error {
	tcfg := observability.DefaultTelemetryConfig()
	tcfg.ServiceName = ServiceName
	tcfg.ServiceVersion = handlers.Version
	tcfg.Registerer = s.registry
	if s.config.OTel.Enabled {
		tcfg.TraceExporter = s.config.OTel.Exporter
		tcfg.OTLPEndpoint = s.config.OTel.Endpoint
	}
	if s.config.Metrics.Enabled {
		tcfg.MetricExporter = "prometheus"
	}

	shutdown, err := observability.InitTelemetry(context.Background(), tcfg)
	if err != nil {
		return err
	}
	s.telemetryShutdown = shutdown
	return nil
}

// initStore opens the badger conversation store.
func (s *service) initStore() error {
	scfg := storage.DefaultConfig()
	if s.config.Storage.InMemory {
		scfg = storage.InMemoryConfig()
	} else {
		scfg.Path = s.config.Storage.Path
	}
	scfg.Logger = slog.Default().With("component", "badger")

	store, err := storage.Open(scfg)
	if err != nil {
		return err
	}
	s.store = store
	slog.Info("Conversation store opened",
		"inMemory", s.config.Storage.InMemory,
		"path", scfg.Path,
	)
	return nil
}

// initPipeline builds the relay, fetcher, summarizer, and pipeline.
func (s *service) initPipeline(metrics *observability.ChatMetrics) error {
	catalogue, err := prompts.Load()
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	relay, err := llm.NewRelay(llm.RelayConfig{
		APIKey:    s.config.LLM.APIKey,
		BaseURL:   s.config.LLM.BaseURL,
		Model:     s.config.LLM.Model,
		MaxTokens: s.config.LLM.MaxTokens,
		Referer:   s.config.LLM.Referer,
		AppTitle:  s.config.LLM.AppTitle,
	})
	if err != nil {
		return fmt.Errorf("create relay: %w", err)
	}

	model, err := llm.NewOpenAICompatibleModel(llm.ModelConfig{
		APIKey:  s.config.LLM.APIKey,
		BaseURL: s.config.LLM.BaseURL,
		Model:   s.config.LLM.Model,
	})
	if err != nil {
		return fmt.Errorf("create title model: %w", err)
	}
	summarizer := llm.NewSummarizer(model, llm.SummarizerConfig{
		Prompt:    catalogue.Title.Prefix,
		MaxTokens: s.config.LLM.TitleMaxTokens,
		Timeout:   s.config.LLM.TitleTimeout,
	})

	pcfg := pipeline.Config{
		Store: s.store,
		History: conversation.NewWindower(s.store, conversation.WindowConfig{
			HistoryLimit:  s.config.Pipeline.HistoryLimit,
			MaxInputChars: s.config.Pipeline.MaxInputChars,
		}),
		Relay:        relay,
		Prompts:      catalogue,
		Summarizer:   summarizer,
		Filter:       s.opts.MessageFilter,
		Audit:        s.opts.AuditLogger,
		Metrics:      metrics,
		MaxTokens:    s.config.LLM.MaxTokens,
		TitleTimeout: s.config.LLM.TitleTimeout,
	}

	if s.config.SearchEnabled() {
		client, err := search.NewClient(search.ClientConfig{
			APIKey:     s.config.Search.APIKey,
			BaseURL:    s.config.Search.BaseURL,
			MaxResults: s.config.Search.MaxResults,
			Timeout:    s.config.Search.Timeout,
		})
		if err != nil {
			return fmt.Errorf("create search client: %w", err)
		}
		pcfg.Fetcher = search.NewFetcher(client, search.FetcherConfig{
			Workers: s.config.Search.Workers,
			Timeout: s.config.Search.Timeout,
		})
	} else {
		slog.Warn("search.api_key not set, agent answers will report no results")
	}

	s.pipeline = pipeline.New(pcfg)
	slog.Info("Answer pipeline ready",
		"model", relay.Model(),
		"searchEnabled", s.config.SearchEnabled(),
	)
	return nil
}

// initRouter creates the Gin engine and registers all routes.
func (s *service) initRouter() {
	s.router = gin.New()
	s.router.Use(gin.Recovery(), otelgin.Middleware(ServiceName))

	var limiter *middleware.UserRateLimiter
	if s.config.RateLimit.RPS > 0 {
		limiter = middleware.NewUserRateLimiter(middleware.RateLimitConfig{
			RequestsPerSecond: s.config.RateLimit.RPS,
			Burst:             s.config.RateLimit.Burst,
		})
	}

	var metricsHandler http.Handler
	if s.config.Metrics.Enabled {
		metricsHandler = promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry})
	}

	routes.SetupRoutes(s.router, routes.Dependencies{
		Streaming:   handlers.NewStreamingChatHandler(s.pipeline, s.store, s.opts),
		Chats:       handlers.NewChatHandler(s.store, s.opts),
		Options:     s.opts,
		RateLimiter: limiter,
		Metrics:     metricsHandler,
	})
}

// cleanup flushes audit, closes the store, and stops telemetry.
func (s *service) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	if s.opts.AuditLogger != nil {
		if err := s.opts.AuditLogger.Flush(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush audit: %w", err))
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if s.telemetryShutdown != nil {
		if err := s.telemetryShutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown telemetry: %w", err))
		}
	}
	if observability.DefaultMetrics == s.metrics {
		observability.DefaultMetrics = nil
	}

	s.closeErr = errors.Join(errs...)
	if s.closeErr != nil {
		slog.Warn("Chat service cleanup reported errors", "error", s.closeErr)
	}
}

// =============================================================================
// Compile-time Interface Compliance
// =============================================================================

var _ Service = (*service)(nil)
