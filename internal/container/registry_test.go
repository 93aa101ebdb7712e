package container

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ryanwaits/site/internal/observability"
)

type fakeEnvironments struct {
	mu          sync.Mutex
	provisioned atomic.Int32
	statuses    map[string]Status
	stopped     []string
	provisionFn func(ctx context.Context, sessionID string) error
	statusErr   error
}

func newFakeEnvironments() *fakeEnvironments {
	return &fakeEnvironments{statuses: make(map[string]Status)}
}

func (f *fakeEnvironments) Provision(ctx context.Context, sessionID string) (string, error) {
	if f.provisionFn != nil {
		if err := f.provisionFn(ctx, sessionID); err != nil {
			return "", err
		}
	}
	n := f.provisioned.Add(1)
	id := fmt.Sprintf("env-%s-%d", sessionID, n)
	f.mu.Lock()
	f.statuses[id] = StatusRunning
	f.mu.Unlock()
	return id, nil
}

func (f *fakeEnvironments) Status(_ context.Context, id string) (Status, error) {
	if f.statusErr != nil {
		return "", f.statusErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.statuses[id]
	if !ok {
		return StatusMissing, nil
	}
	return s, nil
}

func (f *fakeEnvironments) Stop(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, id)
	delete(f.statuses, id)
	return nil
}

func (f *fakeEnvironments) set(id string, s Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[id] = s
}

func TestGetOrCreateReusesRunningEnvironment(t *testing.T) {
	t.Parallel()

	envs := newFakeEnvironments()
	r := NewRegistry(envs, time.Hour)

	first, err := r.GetOrCreate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	second, err := r.GetOrCreate(context.Background(), "s1")
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	if first.EnvironmentID != second.EnvironmentID {
		t.Fatalf("expected reuse, got %q then %q", first.EnvironmentID, second.EnvironmentID)
	}
	if got := envs.provisioned.Load(); got != 1 {
		t.Fatalf("expected 1 provision, got %d", got)
	}
}

func TestGetOrCreateRefreshesLastUsed(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	r := NewRegistry(newFakeEnvironments(), time.Hour, WithClock(clock))

	if _, err := r.GetOrCreate(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	mu.Lock()
	now = now.Add(10 * time.Minute)
	mu.Unlock()
	if _, err := r.GetOrCreate(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	s, ok := r.Lookup("s1")
	if !ok {
		t.Fatal("expected session entry")
	}
	if !s.LastUsedAt.Equal(clock()) {
		t.Fatalf("lastUsed = %v, want %v", s.LastUsedAt, clock())
	}
	if s.LastUsedAt.Equal(s.CreatedAt) {
		t.Fatal("lastUsed was not refreshed")
	}
}

func TestGetOrCreateReplacesStaleEnvironment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		status   Status
		wantStop bool
	}{
		{"exited", Status("exited"), true},
		{"missing", StatusMissing, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := newFakeEnvironments()
			r := NewRegistry(envs, time.Hour)

			first, err := r.GetOrCreate(context.Background(), "s1")
			if err != nil {
				t.Fatal(err)
			}
			if tt.status == StatusMissing {
				envs.mu.Lock()
				delete(envs.statuses, first.EnvironmentID)
				envs.mu.Unlock()
			} else {
				envs.set(first.EnvironmentID, tt.status)
			}

			second, err := r.GetOrCreate(context.Background(), "s1")
			if err != nil {
				t.Fatal(err)
			}
			if second.EnvironmentID == first.EnvironmentID {
				t.Fatal("stale environment was reused")
			}
			if got := len(envs.stopped) == 1; got != tt.wantStop {
				t.Fatalf("stopped = %v, want stop %v", envs.stopped, tt.wantStop)
			}
			if r.Len() != 1 {
				t.Fatalf("expected one entry, got %d", r.Len())
			}
		})
	}
}

func TestGetOrCreateStatusErrorReprovisions(t *testing.T) {
	t.Parallel()

	envs := newFakeEnvironments()
	r := NewRegistry(envs, time.Hour)
	if _, err := r.GetOrCreate(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	envs.statusErr = errors.New("daemon unavailable")

	if _, err := r.GetOrCreate(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if got := envs.provisioned.Load(); got != 2 {
		t.Fatalf("expected re-provision after failed inspect, got %d provisions", got)
	}
}

func TestGetOrCreateSerialisesPerSession(t *testing.T) {
	t.Parallel()

	envs := newFakeEnvironments()
	envs.provisionFn = func(context.Context, string) error {
		time.Sleep(20 * time.Millisecond)
		return nil
	}
	r := NewRegistry(envs, time.Hour)

	const callers = 10
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := r.GetOrCreate(context.Background(), "shared")
			if err != nil {
				t.Errorf("GetOrCreate failed: %v", err)
				return
			}
			ids[i] = h.EnvironmentID
		}(i)
	}
	wg.Wait()

	if got := envs.provisioned.Load(); got != 1 {
		t.Fatalf("expected exactly one provision for concurrent callers, got %d", got)
	}
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("callers saw different environments: %v", ids)
		}
	}
	r.mu.Lock()
	locks := len(r.locks)
	r.mu.Unlock()
	if locks != 0 {
		t.Fatalf("expected per-session locks to be released, %d remain", locks)
	}
}

func TestGetOrCreateDistinctSessionsDoNotBlock(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	envs := newFakeEnvironments()
	envs.provisionFn = func(_ context.Context, sessionID string) error {
		if sessionID == "slow" {
			<-release
		}
		return nil
	}
	r := NewRegistry(envs, time.Hour)

	go func() { _, _ = r.GetOrCreate(context.Background(), "slow") }()
	time.Sleep(10 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := r.GetOrCreate(context.Background(), "fast"); err != nil {
			t.Errorf("GetOrCreate failed: %v", err)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("provisioning one session blocked another")
	}
	close(release)
}

func TestGetOrCreateProvisionFailure(t *testing.T) {
	t.Parallel()

	envs := newFakeEnvironments()
	envs.provisionFn = func(context.Context, string) error { return errors.New("image not found") }
	m := observability.NewMetrics()
	r := NewRegistry(envs, time.Hour, WithRegistryMetrics(m))

	if _, err := r.GetOrCreate(context.Background(), "s1"); err == nil {
		t.Fatal("expected provisioning error")
	}
	if r.Len() != 0 {
		t.Fatal("failed provisioning must not leave an entry")
	}
	if got := testutil.ToFloat64(m.SandboxProvisions.WithLabelValues("error")); got != 1 {
		t.Fatalf("expected one failed provision metric, got %v", got)
	}
}

func TestGetOrCreateProvisionSurvivesCallerCancel(t *testing.T) {
	t.Parallel()

	envs := newFakeEnvironments()
	envs.provisionFn = func(ctx context.Context, _ string) error {
		time.Sleep(20 * time.Millisecond)
		return ctx.Err()
	}
	r := NewRegistry(envs, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.GetOrCreate(ctx, "s1"); err != nil {
		t.Fatalf("provisioning should not inherit caller cancellation: %v", err)
	}
}

func TestGetOrCreateRequiresSessionID(t *testing.T) {
	t.Parallel()

	r := NewRegistry(newFakeEnvironments(), time.Hour)
	if _, err := r.GetOrCreate(context.Background(), ""); !errors.Is(err, errNoSession) {
		t.Fatalf("expected errNoSession, got %v", err)
	}
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	m := observability.NewMetrics()
	r := NewRegistry(newFakeEnvironments(), 12*time.Minute, WithClock(clock), WithRegistryMetrics(m))

	if _, err := r.GetOrCreate(context.Background(), "old"); err != nil {
		t.Fatal(err)
	}
	advance(10 * time.Minute)
	if _, err := r.GetOrCreate(context.Background(), "new"); err != nil {
		t.Fatal(err)
	}
	advance(5 * time.Minute)

	if removed := r.Sweep(); removed != 1 {
		t.Fatalf("expected 1 eviction, got %d", removed)
	}
	if _, ok := r.Lookup("old"); ok {
		t.Fatal("idle session survived the sweep")
	}
	if _, ok := r.Lookup("new"); !ok {
		t.Fatal("active session was evicted")
	}
	if got := testutil.ToFloat64(m.SandboxSessions); got != 1 {
		t.Fatalf("sessions gauge = %v, want 1", got)
	}
}

func TestStartSweeperStopsOnCancel(t *testing.T) {
	t.Parallel()

	now := time.Now()
	r := NewRegistry(newFakeEnvironments(), time.Millisecond, WithClock(func() time.Time { return now }))
	if _, err := r.GetOrCreate(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	now = now.Add(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r.StartSweeper(ctx, 5*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for r.Len() != 0 {
		select {
		case <-deadline:
			t.Fatal("sweeper did not evict the idle session")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestWatchdogScript(t *testing.T) {
	t.Parallel()

	script := watchdogScript(90 * time.Second)
	for _, want := range []string{heartbeatFile, "-ge 90", "date +%s", "stat -c %Y"} {
		if !contains(script, want) {
			t.Fatalf("watchdog script missing %q:\n%s", want, script)
		}
	}
}

func TestBootstrapArchive(t *testing.T) {
	t.Parallel()

	r, err := bootstrapArchive()
	if err != nil {
		t.Fatalf("bootstrapArchive failed: %v", err)
	}
	names := tarNames(t, r)
	if len(names) != 2 || names[0] != "bootstrap.mjs" || names[1] != "package.json" {
		t.Fatalf("unexpected archive entries %v", names)
	}
}

func TestBootstrapGuardsReadsWithPreToolUseHook(t *testing.T) {
	t.Parallel()

	data, err := bootstrapFS.ReadFile("bootstrap/bootstrap.mjs")
	if err != nil {
		t.Fatalf("read bootstrap: %v", err)
	}
	script := string(data)

	// Read is on the allow list, so only a hook sees every call.
	for _, want := range []string{
		`PreToolUse: [{ matcher: "Read"`,
		`permissionDecision: "deny"`,
		"fs.realpathSync",
		"environment files are not readable",
		"path is outside the project root",
	} {
		if !contains(script, want) {
			t.Fatalf("bootstrap missing %q", want)
		}
	}
	if contains(script, "canUseTool") {
		t.Fatal("bootstrap must not rely on canUseTool for the read guard")
	}
}
