package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/identity"
	"github.com/ryanwaits/site/internal/ratelimit"
)

type countingObserver struct {
	mu sync.Mutex
	n  int
}

func (c *countingObserver) RateLimitRejected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n++
}

type recordingAudit struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (r *recordingAudit) RecordAudit(_ context.Context, ev *domain.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func TestRateLimit(t *testing.T) {
	t.Parallel()

	obs := &countingObserver{}
	audit := &recordingAudit{}
	h := identity.Middleware(RateLimit(RateLimitConfig{
		Limiter:    ratelimit.New(2, time.Minute),
		PathPrefix: "/api/chat",
		Observer:   obs,
		Audit:      audit,
	})(okHandler))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "198.51.100.4:5555"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	for i, want := range []string{"1", "0"} {
		w := do("/api/chat")
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
		if got := w.Header().Get("X-RateLimit-Remaining"); got != want {
			t.Fatalf("request %d: remaining = %q, want %q", i, got, want)
		}
	}

	w := do("/api/chat")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "60" {
		t.Fatalf("Retry-After = %q, want 60", got)
	}
	if got := w.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Fatalf("X-RateLimit-Remaining = %q, want 0", got)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil || body["error"] == "" {
		t.Fatalf("expected JSON error body, got %q", w.Body.String())
	}

	if obs.n != 1 {
		t.Fatalf("observer saw %d rejections, want 1", obs.n)
	}
	if len(audit.events) != 1 || audit.events[0].Kind != domain.AuditRateLimited || audit.events[0].ClientKey != "198.51.100.4" {
		t.Fatalf("unexpected audit events %+v", audit.events)
	}

	// Other paths are neither limited nor counted.
	w = do("/api/posts")
	if w.Code != http.StatusOK || w.Header().Get("X-RateLimit-Remaining") != "" {
		t.Fatalf("unscoped path was limited: %d %v", w.Code, w.Header())
	}
}

func TestRateLimitKeysByClient(t *testing.T) {
	t.Parallel()

	h := RateLimit(RateLimitConfig{Limiter: ratelimit.New(1, time.Minute)})(okHandler)

	for _, addr := range []string{"192.0.2.1:1", "192.0.2.2:1"} {
		req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", addr, w.Code)
		}
	}
}

func TestCORS(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"https://ryanwaits.com"})(okHandler)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Origin", "https://ryanwaits.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "https://ryanwaits.com" || w.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("allowed origin missing CORS headers: %v", w.Header())
	}

	req = httptest.NewRequest(http.MethodPost, "/api/chat", nil)
	req.Header.Set("Origin", "https://evil.example")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatal("foreign origin must not be allowed")
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	req.Header.Set("Origin", "https://ryanwaits.com")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", w.Code)
	}
}

func TestCORSWildcardWithoutCredentials(t *testing.T) {
	t.Parallel()

	h := CORS([]string{"*"})(okHandler)
	req := httptest.NewRequest(http.MethodGet, "/api/posts", nil)
	req.Header.Set("Origin", "https://anywhere.example")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Header().Get("Access-Control-Allow-Origin") != "https://anywhere.example" {
		t.Fatal("wildcard should echo the origin")
	}
	if w.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatal("wildcard must not allow credentials")
	}
}
