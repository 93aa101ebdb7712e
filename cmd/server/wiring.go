package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryanwaits/site/internal/agent"
	"github.com/ryanwaits/site/internal/api"
	"github.com/ryanwaits/site/internal/config"
	"github.com/ryanwaits/site/internal/container"
	"github.com/ryanwaits/site/internal/content"
	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/observability"
	"github.com/ryanwaits/site/internal/policy"
	"github.com/ryanwaits/site/internal/prompt"
	"github.com/ryanwaits/site/internal/runtime/anthropic"
	"github.com/ryanwaits/site/internal/runtime/remote"
	"github.com/ryanwaits/site/internal/runtime/sandbox"
	"github.com/ryanwaits/site/internal/store"
)

const auditWriteTimeout = 2 * time.Second

// app holds the components shared by the serve and ask commands.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	store     *store.SQLiteStore
	metrics   *observability.Metrics
	guard     *policy.Guard
	docs      *content.Store
	assembler *prompt.Assembler
	profiles  *agent.Profiles
	driver    *agent.Driver
	registry  *container.Registry
	checks    map[string]api.Checker

	closers []func()
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// buildApp wires storage, policy, content and the configured agent runtime.
// Background workers are started by the caller.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, checks: map[string]api.Checker{}}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.store, err = store.NewSQLite(cfg.DBPath, store.WithRetry(cfg.Retry.DatabaseMaxRetries, cfg.Retry.DatabaseRetryBaseDelay))
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	a.onClose(func() {
		if closeErr := a.store.Close(); closeErr != nil {
			logger.Error("Failed to close audit store", "error", closeErr)
		}
	})
	if err = a.store.Ping(ctx); err != nil {
		return nil, fmt.Errorf("database health check: %w", err)
	}
	a.checks["database"] = api.CheckerFunc(a.store.Ping)
	logger.Info("Database connected", "path", cfg.DBPath)

	a.metrics = observability.NewMetrics()

	a.guard, err = policy.NewGuard(cfg.ProjectRoot,
		policy.WithLogger(logger),
		policy.WithDenyObserver(a.recordDenial),
	)
	if err != nil {
		return nil, fmt.Errorf("initialize access policy: %w", err)
	}

	a.docs = content.NewStore(cfg.ContentDir, logger)
	a.assembler = prompt.NewAssembler(a.docs, logger)

	chatPrompt, err := agent.LoadSystemPrompt(cfg.Agent.SystemPromptFile, agent.DefaultChatSystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("load system prompt: %w", err)
	}
	a.profiles = agent.NewProfiles(a.guard, agent.ProfileOptions{
		ChatModel:        cfg.Agent.ChatModel,
		ViewModel:        cfg.Agent.ViewModel,
		MaxTurns:         cfg.Agent.MaxTurns,
		ChatSystemPrompt: chatPrompt,
		ViewSystemPrompt: agent.DefaultViewSystemPrompt,
	})

	rt, err := a.buildRuntime(ctx)
	if err != nil {
		return nil, err
	}
	a.driver = agent.NewDriver(rt, a.guard,
		agent.WithMetrics(a.metrics),
		agent.WithDriverLogger(logger),
		agent.WithRunTimeout(cfg.Timeout.AgentRun),
	)

	slog.Info("Agent runtime ready", "runtime", cfg.Agent.Runtime, "project_root", cfg.ProjectRoot)
	return a, nil
}

func (a *app) buildRuntime(ctx context.Context) (agent.Runtime, error) {
	cfg := a.cfg
	switch cfg.Agent.Runtime {
	case config.RuntimeGRPC:
		rt, err := remote.Dial(ctx, remote.Config{Address: cfg.Agent.Addr}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect agent sidecar: %w", err)
		}
		a.onClose(rt.Close)
		a.checks["agent"] = rt
		return rt, nil

	case config.RuntimeSandbox:
		mgr, err := container.NewDockerManager(container.ManagerConfig{
			Image:      cfg.Sandbox.Image,
			SourceRepo: cfg.Sandbox.SourceRepo,
			EnvTimeout: cfg.Sandbox.EnvTimeout,
			Runtime:    cfg.Sandbox.Runtime,
			Env:        map[string]string{"ANTHROPIC_API_KEY": cfg.Agent.AnthropicAPIKey},
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("initialize container manager: %w", err)
		}
		a.onClose(func() {
			if closeErr := mgr.Close(); closeErr != nil {
				a.logger.Error("Failed to close docker client", "error", closeErr)
			}
		})
		if err := mgr.Ping(ctx); err != nil {
			return nil, fmt.Errorf("docker health check: %w", err)
		}
		a.checks["docker"] = api.CheckerFunc(mgr.Ping)

		a.registry = container.NewRegistry(mgr, cfg.Sandbox.IdleTimeout,
			container.WithRegistryMetrics(a.metrics),
			container.WithRegistryLogger(a.logger),
			container.WithProvisionTimeout(cfg.Timeout.Provision),
		)
		return sandbox.New(a.registry, mgr, a.logger), nil

	default:
		rt, err := anthropic.New(anthropic.Config{
			APIKey:    cfg.Agent.AnthropicAPIKey,
			BaseURL:   cfg.Agent.AnthropicBaseURL,
			MaxTokens: int64(cfg.Agent.MaxTokens),
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("initialize anthropic runtime: %w", err)
		}
		return rt, nil
	}
}

// recordDenial feeds guard denials into metrics and the audit store.
func (a *app) recordDenial(d policy.Denial) {
	a.metrics.PolicyDenied(d.Reason)

	ctx, cancel := context.WithTimeout(context.Background(), auditWriteTimeout)
	defer cancel()
	err := a.store.RecordAudit(ctx, &domain.AuditEvent{
		Kind:   domain.AuditPolicyDenial,
		Detail: fmt.Sprintf("%s %s: %s", d.Tool, d.Requested, d.Reason),
	})
	if err != nil {
		a.logger.Warn("Failed to record policy denial", "error", err)
	}
}

// startWorkers launches the background loops that stop with ctx.
func (a *app) startWorkers(ctx context.Context) {
	store.StartRetentionWorker(ctx, a.store, a.cfg.AuditRetention, 0, a.logger)

	if a.registry != nil {
		a.registry.StartSweeper(ctx, a.cfg.Sandbox.SweepInterval)
	}

	go func() {
		if err := a.docs.Watch(ctx); err != nil {
			a.logger.Warn("Content watcher stopped", "dir", a.cfg.ContentDir, "error", err)
		}
	}()
}
