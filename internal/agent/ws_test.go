package agent

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/identity"
)

func dialChatWS(t *testing.T, h *Handler) (*websocket.Conn, *http.Response) {
	t.Helper()
	srv := httptest.NewServer(identity.Middleware(http.HandlerFunc(h.HandleChatWS)))
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	conn, resp, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.CloseNow() })
	return conn, resp
}

func readAll(t *testing.T, conn *websocket.Conn) ([]domain.StreamEvent, websocket.StatusCode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var events []domain.StreamEvent
	for {
		var ev domain.StreamEvent
		if err := wsjson.Read(ctx, conn, &ev); err != nil {
			var ce websocket.CloseError
			if errors.As(err, &ce) {
				return events, ce.Code
			}
			t.Fatalf("read failed: %v", err)
		}
		events = append(events, ev)
	}
}

func TestHandleChatWSStreamsEvents(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(
		Message{Kind: MessageInit},
		Message{Kind: MessageText, Text: "hi there"},
		Message{Kind: MessageResult},
	)
	audit := &fakeAudit{}
	h := newTestHandler(t, rt, HandlerConfig{}, WithAuditRecorder(audit))

	conn, resp := dialChatWS(t, h)
	if !strings.Contains(resp.Header.Get("Set-Cookie"), identity.SessionCookieName) {
		t.Fatalf("upgrade response should issue the session cookie, got %q", resp.Header.Get("Set-Cookie"))
	}
	if err := wsjson.Write(context.Background(), conn, map[string]string{"message": "hello"}); err != nil {
		t.Fatal(err)
	}

	events, code := readAll(t, conn)
	if code != websocket.StatusNormalClosure {
		t.Fatalf("close code = %v", code)
	}
	got := eventTypes(events)
	want := []domain.EventType{domain.EventThinking, domain.EventStreaming, domain.EventText, domain.EventDone}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}

	audit.mu.Lock()
	defer audit.mu.Unlock()
	if len(audit.events) != 1 || audit.events[0].Kind != domain.AuditChatRequest || audit.events[0].SessionID == "" {
		t.Fatalf("unexpected audit events %+v", audit.events)
	}
}

func TestHandleChatWSRejectsInvalidRequest(t *testing.T) {
	t.Parallel()

	rt := newFakeRuntime(Message{Kind: MessageResult})
	h := newTestHandler(t, rt, HandlerConfig{})

	conn, _ := dialChatWS(t, h)
	if err := wsjson.Write(context.Background(), conn, map[string]string{"message": ""}); err != nil {
		t.Fatal(err)
	}

	events, code := readAll(t, conn)
	if code != websocket.StatusPolicyViolation {
		t.Fatalf("close code = %v", code)
	}
	if len(events) != 1 || events[0].Type != domain.EventError || events[0].Message == "" {
		t.Fatalf("expected a single error event, got %+v", events)
	}
	if rt.callCount() != 0 {
		t.Fatal("runtime must not run for an invalid request")
	}
}
