package agent

import (
	"context"
	"iter"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/policy"
)

// fakeRuntime replays a scripted message sequence.
type fakeRuntime struct {
	messages []Message
	err      error
	panicMsg string
	delay    time.Duration
	block    bool

	mu        sync.Mutex
	calls     int
	prompt    string
	cfg       RequestConfig
	cancelled chan struct{}
}

func newFakeRuntime(messages ...Message) *fakeRuntime {
	return &fakeRuntime{messages: messages, cancelled: make(chan struct{})}
}

func (f *fakeRuntime) Run(ctx context.Context, prompt string, cfg RequestConfig) iter.Seq2[Message, error] {
	return func(yield func(Message, error) bool) {
		f.mu.Lock()
		f.calls++
		f.prompt = prompt
		f.cfg = cfg
		f.mu.Unlock()

		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		for _, m := range f.messages {
			if !yield(m, nil) {
				return
			}
		}
		if f.panicMsg != "" {
			panic(f.panicMsg)
		}
		if f.err != nil {
			yield(Message{}, f.err)
			return
		}
		if f.block {
			<-ctx.Done()
			close(f.cancelled)
		}
	}
}

func (f *fakeRuntime) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestGuard(t *testing.T) *policy.Guard {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	g, err := policy.NewGuard(root)
	if err != nil {
		t.Fatalf("NewGuard failed: %v", err)
	}
	return g
}

func collect(ch <-chan domain.StreamEvent) []domain.StreamEvent {
	var out []domain.StreamEvent
	for ev := range ch {
		out = append(out, ev)
	}
	return out
}

func eventTypes(events []domain.StreamEvent) []domain.EventType {
	out := make([]domain.EventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}
