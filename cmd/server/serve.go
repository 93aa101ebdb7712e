package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/ryanwaits/site/internal/agent"
	"github.com/ryanwaits/site/internal/api"
	"github.com/ryanwaits/site/internal/config"
	"github.com/ryanwaits/site/internal/identity"
	"github.com/ryanwaits/site/internal/middleware"
	"github.com/ryanwaits/site/internal/ratelimit"
	"github.com/ryanwaits/site/web"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			return serve(cmd.Context(), cfg, logger)
		},
	}
}

func serve(parent context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment(), "runtime", cfg.Agent.Runtime)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	conversationLogger, err := agent.NewConversationLogger(agent.ConversationLogConfig{
		Enabled:   cfg.ConversationLog.Enabled,
		Dir:       cfg.ConversationLog.Dir,
		QueueSize: cfg.ConversationLog.QueueSize,
	}, logger)
	if err != nil {
		return fmt.Errorf("initialize conversation logger: %w", err)
	}

	opts := []agent.HandlerOption{
		agent.WithAuditRecorder(a.store),
		agent.WithConversationLogger(conversationLogger),
		agent.WithHandlerLogger(logger),
	}
	if a.registry != nil {
		opts = append(opts, agent.WithSessionWarmer(a.registry))
	}
	agentHandler := agent.NewHandler(a.assembler, a.driver, a.profiles, agent.HandlerConfig{
		MaxRequestBodySize: cfg.SSE.MaxRequestBodySize,
		KeepaliveInterval:  cfg.SSE.KeepaliveInterval,
		SecureCookies:      !cfg.IsDevelopment(),
		OriginPatterns:     originPatterns(cfg.FrontendURL),
	}, opts...)
	defer agentHandler.Close()

	limiter := ratelimit.New(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration,
		ratelimit.WithSweepThreshold(cfg.RateLimit.SweepThreshold),
	)

	r := chi.NewRouter()

	// Global middleware.
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/ping"))
	r.Use(middleware.CORS(allowedOrigins(cfg)))
	r.Use(identity.Middleware)
	r.Use(middleware.RateLimit(middleware.RateLimitConfig{
		Limiter:    limiter,
		PathPrefix: cfg.RateLimit.PathPrefix,
		Observer:   a.metrics,
		Audit:      a.store,
		Logger:     logger,
	}))

	api.NewHealthHandler(a.checks, cfg.Timeout.HealthCheck).RegisterHealth(r)
	r.Handle("/metrics", a.metrics.Handler())
	api.NewPostsHandler(a.docs).RegisterRoutes(r)
	agentHandler.RegisterRoutes(r)

	// Static site catch-all.
	r.Handle("/*", web.Handler(web.Bundle(cfg.SiteDistDir)))

	// SSE responses stream for the whole agent run, so there is no write timeout.
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	a.startWorkers(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	slog.Info("Server stopped successfully")
	return nil
}

// allowedOrigins permits any origin in development and only the configured
// frontend otherwise.
func allowedOrigins(cfg *config.Config) []string {
	if cfg.IsDevelopment() || cfg.FrontendURL == "" {
		return []string{"*"}
	}
	return []string{cfg.FrontendURL}
}

// originPatterns converts the frontend URL into a WebSocket origin pattern.
func originPatterns(frontendURL string) []string {
	if frontendURL == "" {
		return nil
	}
	u, err := url.Parse(frontendURL)
	if err != nil || u.Host == "" {
		return nil
	}
	return []string{u.Host}
}
