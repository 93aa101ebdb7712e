// Package identity provides anonymous per-device session and client identity.
package identity

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	SessionCookieName = "site_session"
	sessionCookieTTL  = 24 * time.Hour
)

type contextKey int

const (
	sessionIDKey contextKey = iota
	clientKeyKey
)

// SessionIDFromContext extracts the session ID from the request context.
// It returns an empty string when the request carried no valid session.
func SessionIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(sessionIDKey).(string); ok {
		return v
	}
	return ""
}

// WithSessionID returns a copy of ctx carrying id.
func WithSessionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionIDKey, id)
}

// ClientKeyFromContext extracts the client key stored by Middleware.
func ClientKeyFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(clientKeyKey).(string); ok {
		return v
	}
	return ""
}

func isValidSessionID(id string) bool {
	if id == "" {
		return false
	}
	_, err := uuid.Parse(id)
	return err == nil
}

func sessionFromCookie(r *http.Request) string {
	c, err := r.Cookie(SessionCookieName)
	if err != nil || !isValidSessionID(c.Value) {
		return ""
	}
	return c.Value
}

// EnsureSession returns the request's session ID, generating one if the
// request has none, and (re)issues the session cookie.
func EnsureSession(w http.ResponseWriter, r *http.Request, secure bool) (string, bool) {
	id := sessionFromCookie(r)
	created := false
	if id == "" {
		id = uuid.NewString()
		created = true
	}

	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionCookieTTL.Seconds()),
		Expires:  time.Now().Add(sessionCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   secure,
	})
	return id, created
}

// ClientKey derives the rate-limit key for r. Forwarding headers are trusted;
// the server is expected to sit behind a proxy that overwrites them.
func ClientKey(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware injects the session ID from the session cookie, when present, and
// the client key into the request context. It never issues cookies.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if id := sessionFromCookie(r); id != "" {
			ctx = WithSessionID(ctx, id)
		}
		ctx = context.WithValue(ctx, clientKeyKey, ClientKey(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
