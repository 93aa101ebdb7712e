package identity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
)

func TestEnsureSessionIssuesCookie(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/warmup", nil)
	rec := httptest.NewRecorder()

	id, created := EnsureSession(rec, req, true)
	if !created {
		t.Fatal("expected a new session to be created")
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("session id is not a uuid: %q", id)
	}

	cookies := rec.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("expected one cookie, got %d", len(cookies))
	}
	c := cookies[0]
	if c.Name != SessionCookieName || c.Value != id {
		t.Fatalf("unexpected cookie %s=%s", c.Name, c.Value)
	}
	if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
		t.Fatalf("cookie attributes not hardened: %+v", c)
	}
	if c.MaxAge != 24*60*60 {
		t.Fatalf("unexpected max age %d", c.MaxAge)
	}
}

func TestEnsureSessionReusesValidCookie(t *testing.T) {
	t.Parallel()

	existing := uuid.NewString()
	req := httptest.NewRequest(http.MethodPost, "/api/warmup", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: existing})
	rec := httptest.NewRecorder()

	id, created := EnsureSession(rec, req, false)
	if created || id != existing {
		t.Fatalf("expected existing session %q, got %q (created=%v)", existing, id, created)
	}
}

func TestEnsureSessionReplacesForgedCookie(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, "/api/warmup", nil)
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: "../../etc"})
	rec := httptest.NewRecorder()

	id, created := EnsureSession(rec, req, false)
	if !created || id == "../../etc" {
		t.Fatalf("forged cookie must be replaced, got %q", id)
	}
}

func TestClientKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		headers map[string]string
		remote  string
		want    string
	}{
		{"forwarded first hop", map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, "10.0.0.2:1234", "203.0.113.5"},
		{"real ip", map[string]string{"X-Real-IP": "198.51.100.7"}, "10.0.0.2:1234", "198.51.100.7"},
		{"remote addr", nil, "192.0.2.9:5555", "192.0.2.9"},
		{"remote addr without port", nil, "192.0.2.9", "192.0.2.9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			if got := ClientKey(req); got != tt.want {
				t.Fatalf("ClientKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestMiddlewareInjectsSession(t *testing.T) {
	t.Parallel()

	id := uuid.NewString()
	var gotSession, gotClient string
	h := Middleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotSession = SessionIDFromContext(r.Context())
		gotClient = ClientKeyFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat", nil)
	req.RemoteAddr = "192.0.2.1:80"
	req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: id})
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if gotSession != id {
		t.Fatalf("session = %q, want %q", gotSession, id)
	}
	if gotClient != "192.0.2.1" {
		t.Fatalf("client key = %q", gotClient)
	}
	if len(rec.Result().Cookies()) != 0 {
		t.Fatal("middleware must not issue cookies")
	}
}
