package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetricsIsolatedRegistries(t *testing.T) {
	// Each call owns its registry, so constructing twice must not panic on
	// duplicate registration.
	a := NewMetrics()
	b := NewMetrics()

	a.RateLimitRejected()
	if got := testutil.ToFloat64(a.RateLimited); got != 1 {
		t.Fatalf("a.RateLimited = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.RateLimited); got != 0 {
		t.Fatalf("b.RateLimited = %v, want 0", got)
	}
}

func TestStreamFinished(t *testing.T) {
	m := NewMetrics()
	m.StreamFinished("conversational", "done", 2*time.Second)
	m.StreamFinished("conversational", "done", time.Second)
	m.StreamFinished("structured_view", "error", time.Second)

	expected := `
		# HELP site_console_streams_total Total number of console streams by profile and outcome
		# TYPE site_console_streams_total counter
		site_console_streams_total{outcome="done",profile="conversational"} 2
		site_console_streams_total{outcome="error",profile="structured_view"} 1
	`
	if err := testutil.CollectAndCompare(m.StreamCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
	if count := testutil.CollectAndCount(m.StreamDuration); count != 2 {
		t.Errorf("expected 2 duration series, got %d", count)
	}
}

func TestSandboxProvisioned(t *testing.T) {
	m := NewMetrics()
	m.SandboxProvisioned(nil)
	m.SandboxProvisioned(errors.New("boom"))
	m.SetSandboxSessions(3)

	if got := testutil.ToFloat64(m.SandboxProvisions.WithLabelValues("error")); got != 1 {
		t.Fatalf("error provisions = %v", got)
	}
	if got := testutil.ToFloat64(m.SandboxSessions); got != 3 {
		t.Fatalf("sessions gauge = %v", got)
	}
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ToolCalled("Read")
	m.PolicyDenied("outside_root")
	m.RateLimitRejected()
	m.StreamFinished("conversational", "done", time.Second)
	m.SetSandboxSessions(1)
	m.SandboxProvisioned(nil)
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := NewMetrics()
	m.ToolCalled("Read")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `site_agent_tool_calls_total{tool="Read"} 1`) {
		t.Fatalf("tool counter missing from exposition:\n%s", rec.Body.String())
	}
}
