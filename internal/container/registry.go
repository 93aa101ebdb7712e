package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/observability"
)

var errNoSession = errors.New("container: session id is required")

// Handle identifies the environment serving a session.
type Handle struct {
	SessionID     string
	EnvironmentID string
}

// Registry maps session ids to live environments. It is an in-memory cache
// of Docker's state: an entry whose environment is no longer running is
// dropped and replaced on the next lookup.
type Registry struct {
	envs             Environments
	idleTimeout      time.Duration
	provisionTimeout time.Duration
	now              func() time.Time
	metrics          *observability.Metrics
	logger           *slog.Logger

	mu       sync.Mutex
	sessions map[string]*domain.SandboxSession
	locks    map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock overrides the registry's time source.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) { r.now = now }
}

// WithRegistryMetrics reports session counts and provisioning results.
func WithRegistryMetrics(m *observability.Metrics) RegistryOption {
	return func(r *Registry) { r.metrics = m }
}

// WithRegistryLogger sets the registry's logger.
func WithRegistryLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) { r.logger = logger }
}

// WithProvisionTimeout bounds a single provisioning attempt.
func WithProvisionTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.provisionTimeout = d }
}

// NewRegistry creates a registry over envs. Entries idle longer than
// idleTimeout are evicted by Sweep.
func NewRegistry(envs Environments, idleTimeout time.Duration, opts ...RegistryOption) *Registry {
	r := &Registry{
		envs:             envs,
		idleTimeout:      idleTimeout,
		provisionTimeout: 3 * time.Minute,
		now:              time.Now,
		logger:           slog.Default(),
		sessions:         make(map[string]*domain.SandboxSession),
		locks:            make(map[string]*sessionLock),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// lock serialises create-or-attach for one session id.
func (r *Registry) lock(sessionID string) func() {
	r.mu.Lock()
	l, ok := r.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		r.locks[sessionID] = l
	}
	l.refs++
	r.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		r.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(r.locks, sessionID)
		}
		r.mu.Unlock()
	}
}

// GetOrCreate returns the running environment for sessionID, provisioning
// one when there is none or the recorded one is no longer running.
func (r *Registry) GetOrCreate(ctx context.Context, sessionID string) (Handle, error) {
	if sessionID == "" {
		return Handle{}, errNoSession
	}
	unlock := r.lock(sessionID)
	defer unlock()

	if h, ok := r.attach(ctx, sessionID); ok {
		return h, nil
	}

	// Provisioning outlives a disconnecting caller so the next request can
	// reuse the environment.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.provisionTimeout)
	defer cancel()

	start := r.now()
	envID, err := r.envs.Provision(pctx, sessionID)
	r.metrics.SandboxProvisioned(err)
	if err != nil {
		r.logger.Error("Failed to provision session environment", "session_id", sessionID, "error", err)
		return Handle{}, fmt.Errorf("provision environment: %w", err)
	}

	now := r.now()
	r.mu.Lock()
	r.sessions[sessionID] = &domain.SandboxSession{
		SessionID:     sessionID,
		EnvironmentID: envID,
		CreatedAt:     now,
		LastUsedAt:    now,
	}
	count := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SetSandboxSessions(count)

	r.logger.Info("Session environment provisioned",
		"session_id", sessionID,
		"container_id", envID,
		"duration_ms", now.Sub(start).Milliseconds(),
	)
	return Handle{SessionID: sessionID, EnvironmentID: envID}, nil
}

// attach reuses the recorded environment if it is still running. A stale
// entry is removed.
func (r *Registry) attach(ctx context.Context, sessionID string) (Handle, bool) {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	var envID string
	if ok {
		envID = s.EnvironmentID
	}
	r.mu.Unlock()
	if !ok {
		return Handle{}, false
	}

	status, err := r.envs.Status(ctx, envID)
	if err == nil && status == StatusRunning {
		r.mu.Lock()
		if s, ok := r.sessions[sessionID]; ok {
			s.LastUsedAt = r.now()
		}
		r.mu.Unlock()
		return Handle{SessionID: sessionID, EnvironmentID: envID}, true
	}

	r.logger.Info("Dropping stale session environment",
		"session_id", sessionID,
		"container_id", envID,
		"status", status,
		"error", err,
	)
	if err == nil && status != StatusMissing {
		if stopErr := r.envs.Stop(ctx, envID); stopErr != nil {
			r.logger.Warn("Failed to stop stale environment", "container_id", envID, "error", stopErr)
		}
	}
	r.remove(sessionID)
	return Handle{}, false
}

func (r *Registry) remove(sessionID string) {
	r.mu.Lock()
	delete(r.sessions, sessionID)
	count := len(r.sessions)
	r.mu.Unlock()
	r.metrics.SetSandboxSessions(count)
}

// Warm provisions or re-attaches the session's environment ahead of use.
func (r *Registry) Warm(ctx context.Context, sessionID string) error {
	_, err := r.GetOrCreate(ctx, sessionID)
	return err
}

// Lookup returns a copy of the session's entry.
func (r *Registry) Lookup(sessionID string) (domain.SandboxSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return domain.SandboxSession{}, false
	}
	return *s, true
}

// Len returns the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep removes entries idle longer than the idle timeout and returns how
// many were removed. Their environments have already exited on their own
// watchdog, which fires sooner.
func (r *Registry) Sweep() int {
	now := r.now()
	r.mu.Lock()
	removed := 0
	for id, s := range r.sessions {
		if s.IdleSince(now) > r.idleTimeout {
			delete(r.sessions, id)
			removed++
		}
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if removed > 0 {
		r.metrics.SetSandboxSessions(count)
	}
	return removed
}
