package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/identity"
	"github.com/ryanwaits/site/internal/observability"
	"github.com/ryanwaits/site/internal/policy"
)

// Driver runs agent sessions and turns their output into stream events.
type Driver struct {
	runtime Runtime
	guard   *policy.Guard
	metrics *observability.Metrics
	logger  *slog.Logger
	timeout time.Duration
}

// DriverOption configures a Driver.
type DriverOption func(*Driver)

// WithMetrics records stream outcomes and tool calls.
func WithMetrics(m *observability.Metrics) DriverOption {
	return func(d *Driver) { d.metrics = m }
}

// WithDriverLogger sets the logger for runtime failures.
func WithDriverLogger(logger *slog.Logger) DriverOption {
	return func(d *Driver) { d.logger = logger }
}

// WithRunTimeout bounds each runtime session. A session that overruns ends
// the stream with an error event.
func WithRunTimeout(d time.Duration) DriverOption {
	return func(dr *Driver) { dr.timeout = d }
}

// NewDriver creates a driver over runtime. guard is used to render read paths
// relative to the project root.
func NewDriver(runtime Runtime, guard *policy.Guard, opts ...DriverOption) *Driver {
	d := &Driver{runtime: runtime, guard: guard, logger: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Events starts a session and returns its event stream. The channel is closed
// after exactly one terminal event, or early when ctx is cancelled. The
// runtime's context is cancelled as soon as the stream ends, so a consumer
// that stops reading must cancel ctx.
func (d *Driver) Events(ctx context.Context, prompt string, cfg RequestConfig) <-chan domain.StreamEvent {
	out := make(chan domain.StreamEvent)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer cancel()

		start := time.Now()
		enc := newEncoder(cfg.Profile(), d.guard)
		outcome := "cancelled"
		defer func() {
			d.metrics.StreamFinished(string(cfg.Profile()), outcome, time.Since(start))
		}()

		emit := func(events []domain.StreamEvent) bool {
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
				if ev.Terminal() {
					outcome = string(ev.Type)
				}
			}
			return true
		}

		defer func() {
			if r := recover(); r != nil {
				d.logFailure(ctx, cfg, fmt.Errorf("agent runtime panic: %v", r))
				if !enc.closed {
					emit([]domain.StreamEvent{enc.fail(genericErrorMessage)})
				}
			}
		}()

		runCtx := ctx
		if d.timeout > 0 {
			var cancelRun context.CancelFunc
			runCtx, cancelRun = context.WithTimeout(ctx, d.timeout)
			defer cancelRun()
		}

		for msg, err := range d.runtime.Run(runCtx, prompt, cfg) {
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				d.logFailure(ctx, cfg, err)
				emit([]domain.StreamEvent{enc.fail(genericErrorMessage)})
				return
			}
			if msg.Kind == MessageToolUse {
				d.metrics.ToolCalled(msg.Tool)
			}
			if !emit(enc.handle(msg)) {
				return
			}
			if enc.closed {
				if enc.failure != "" {
					d.logFailure(ctx, cfg, fmt.Errorf("agent session failed: %s", enc.failure))
				}
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if err := runCtx.Err(); err != nil {
			d.logFailure(ctx, cfg, fmt.Errorf("agent session timed out: %w", err))
			emit([]domain.StreamEvent{enc.fail(genericErrorMessage)})
			return
		}
		events := enc.finish()
		if enc.failure != "" {
			d.logFailure(ctx, cfg, fmt.Errorf("agent session failed: %s", enc.failure))
		}
		emit(events)
	}()

	return out
}

func (d *Driver) logFailure(ctx context.Context, cfg RequestConfig, err error) {
	d.logger.Error("Agent session failed",
		"profile", cfg.Profile(),
		"model", cfg.Model(),
		"session_id", identity.SessionIDFromContext(ctx),
		"error", err,
	)
}
