package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/ryanwaits/site/internal/api"
	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/identity"
	"github.com/ryanwaits/site/internal/ratelimit"
)

const rateLimitMessage = "Too many requests. Please wait a minute and try again."

// RateLimitObserver is told about every rejected request.
type RateLimitObserver interface {
	RateLimitRejected()
}

// AuditRecorder persists audit events.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, ev *domain.AuditEvent) error
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Limiter *ratelimit.Limiter
	// PathPrefix scopes limiting; other paths pass through uncounted.
	PathPrefix string
	Observer   RateLimitObserver
	Audit      AuditRecorder
	Logger     *slog.Logger
}

// RateLimit rejects clients that exceed the limiter's window with 429.
// Accepted responses carry X-RateLimit-Remaining.
func RateLimit(cfg RateLimitConfig) func(http.Handler) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryAfter := strconv.Itoa(int(cfg.Limiter.Window().Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if cfg.PathPrefix != "" && !strings.HasPrefix(r.URL.Path, cfg.PathPrefix) {
				next.ServeHTTP(w, r)
				return
			}
			if r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := identity.ClientKeyFromContext(r.Context())
			if key == "" {
				key = identity.ClientKey(r)
			}

			res := cfg.Limiter.Check(key)
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(res.Remaining))
			if res.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			logger.Warn("Rate limit exceeded", "client_key", key, "path", r.URL.Path)
			if cfg.Observer != nil {
				cfg.Observer.RateLimitRejected()
			}
			if cfg.Audit != nil {
				ev := &domain.AuditEvent{
					Kind:      domain.AuditRateLimited,
					SessionID: identity.SessionIDFromContext(r.Context()),
					ClientKey: key,
					Detail:    r.Method + " " + r.URL.Path,
				}
				if err := cfg.Audit.RecordAudit(r.Context(), ev); err != nil {
					logger.Warn("failed to record rate limit audit", "error", err)
				}
			}

			w.Header().Set("Retry-After", retryAfter)
			api.Error(w, http.StatusTooManyRequests, rateLimitMessage)
		})
	}
}
