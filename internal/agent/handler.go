package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ryanwaits/site/internal/api"
	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/identity"
	"github.com/ryanwaits/site/internal/prompt"
)

const (
	defaultMaxRequestBodySize = 256 << 10
	defaultKeepaliveInterval  = 15 * time.Second
)

// SessionWarmer prepares per-session resources ahead of the first request.
type SessionWarmer interface {
	Warm(ctx context.Context, sessionID string) error
}

// AuditRecorder persists security-relevant request records.
type AuditRecorder interface {
	RecordAudit(ctx context.Context, event *domain.AuditEvent) error
}

// HandlerConfig holds transport settings for the console endpoints.
type HandlerConfig struct {
	MaxRequestBodySize int64
	KeepaliveInterval  time.Duration
	SecureCookies      bool
	// OriginPatterns restricts WebSocket origins. Empty means same host only.
	OriginPatterns []string
}

// Handler serves the console endpoints.
type Handler struct {
	assembler *prompt.Assembler
	driver    *Driver
	profiles  *Profiles
	warmer    SessionWarmer
	audit     AuditRecorder
	log       ConversationLogger
	cfg       HandlerConfig
	logger    *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithSessionWarmer enables environment pre-provisioning on warmup.
func WithSessionWarmer(w SessionWarmer) HandlerOption {
	return func(h *Handler) { h.warmer = w }
}

// WithAuditRecorder records accepted requests.
func WithAuditRecorder(a AuditRecorder) HandlerOption {
	return func(h *Handler) { h.audit = a }
}

// WithConversationLogger records request and response transcripts.
func WithConversationLogger(l ConversationLogger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithHandlerLogger sets the request logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates the console handler.
func NewHandler(assembler *prompt.Assembler, driver *Driver, profiles *Profiles, cfg HandlerConfig, opts ...HandlerOption) *Handler {
	if cfg.MaxRequestBodySize <= 0 {
		cfg.MaxRequestBodySize = defaultMaxRequestBodySize
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = defaultKeepaliveInterval
	}
	h := &Handler{
		assembler: assembler,
		driver:    driver,
		profiles:  profiles,
		log:       noopConversationLogger{},
		cfg:       cfg,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers the console routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/chat", h.HandleChat)
		r.Get("/chat/ws", h.HandleChatWS)
		r.Post("/view", h.HandleView)
		r.Post("/warmup", h.HandleWarmup)
	})
}

// Close releases handler resources.
func (h *Handler) Close() {
	if err := h.log.Close(); err != nil {
		h.logger.Warn("failed to close conversation logger", "error", err)
	}
}

type chatRequest struct {
	Message  string                    `json:"message"`
	History  []domain.ConversationTurn `json:"history,omitempty"`
	Mentions []string                  `json:"mentions,omitempty"`
}

func (c chatRequest) input() prompt.Input {
	return prompt.Input{Message: c.Message, History: c.History, Mentions: c.Mentions}
}

type viewRequest struct {
	Prompt  string                    `json:"prompt"`
	History []domain.ConversationTurn `json:"history,omitempty"`
}

// HandleChat handles POST /api/chat.
func (h *Handler) HandleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !h.decode(w, r, &req) {
		return
	}
	h.serveStream(w, r, "chat_sse", domain.AuditChatRequest, req.input(), h.profiles.Conversational())
}

// HandleView handles POST /api/view.
func (h *Handler) HandleView(w http.ResponseWriter, r *http.Request) {
	var req viewRequest
	if !h.decode(w, r, &req) {
		return
	}
	in := prompt.Input{Message: req.Prompt, History: req.History}
	h.serveStream(w, r, "view_sse", domain.AuditViewRequest, in, h.profiles.StructuredView())
}

// HandleWarmup handles POST /api/warmup. It issues the session cookie and,
// when a warmer is configured, provisions the session's environment.
func (h *Handler) HandleWarmup(w http.ResponseWriter, r *http.Request) {
	sessionID, created := identity.EnsureSession(w, r, h.cfg.SecureCookies)
	h.logger.Info("Console warmup", "session_id", sessionID, "new_session", created)

	if h.warmer != nil {
		ctx := identity.WithSessionID(r.Context(), sessionID)
		if err := h.warmer.Warm(ctx, sessionID); err != nil {
			h.logger.Error("Failed to warm session", "session_id", sessionID, "error", err)
			api.Error(w, http.StatusServiceUnavailable, "console is unavailable, try again shortly")
			return
		}
	}
	api.JSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// assemble builds the prompt, writing the client error when it fails.
func (h *Handler) assemble(ctx context.Context, w http.ResponseWriter, in prompt.Input) (string, bool) {
	text, err := h.assembler.Assemble(ctx, in)
	if err == nil {
		return text, true
	}
	var verr *prompt.ValidationError
	if errors.As(err, &verr) {
		api.Error(w, http.StatusBadRequest, verr.Message)
		return "", false
	}
	h.logger.Error("Failed to assemble prompt", "error", err)
	api.Error(w, http.StatusInternalServerError, "failed to prepare request")
	return "", false
}

func (h *Handler) serveStream(w http.ResponseWriter, r *http.Request, channel string, kind domain.AuditKind, in prompt.Input, cfg RequestConfig) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	text, ok := h.assemble(r.Context(), w, in)
	if !ok {
		return
	}

	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		// Clients that skipped warmup get their cookie with the stream.
		sessionID, _ = identity.EnsureSession(w, r, h.cfg.SecureCookies)
	}
	ctx, cancel := context.WithCancel(identity.WithSessionID(r.Context(), sessionID))
	defer cancel()

	reqID := chiMiddleware.GetReqID(ctx)
	h.logger.Info("Console request",
		"profile", cfg.Profile(),
		"session_id", sessionID,
		"client_key", identity.ClientKeyFromContext(ctx),
		"message_length", len(in.Message),
		"history_turns", len(in.History),
		"mentions", len(in.Mentions),
	)
	h.recordAudit(ctx, kind, fmt.Sprintf("history=%d mentions=%d", len(in.History), len(in.Mentions)))
	h.logUserMessage(channel, sessionID, reqID, in.Message)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	events := h.driver.Events(ctx, text, cfg)
	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	var sum streamSummary
	defer func() { h.logAssistantMessage(channel, sessionID, reqID, &sum) }()

	for {
		select {
		case <-ctx.Done():
			sum.disconnected = true
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			sum.add(ev)
			if err := writeEvent(w, ev); err != nil {
				h.logger.Warn("failed to write SSE event", "error", err, "session_id", sessionID)
				sum.disconnected = true
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if err := writeKeepalive(w); err != nil {
				sum.disconnected = true
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handler) recordAudit(ctx context.Context, kind domain.AuditKind, detail string) {
	if h.audit == nil {
		return
	}
	err := h.audit.RecordAudit(ctx, &domain.AuditEvent{
		Kind:      kind,
		SessionID: identity.SessionIDFromContext(ctx),
		ClientKey: identity.ClientKeyFromContext(ctx),
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		h.logger.Warn("failed to record audit event", "kind", kind, "error", err)
	}
}

// streamSummary accumulates what a stream delivered for the transcript log.
type streamSummary struct {
	text         strings.Builder
	activities   []string
	chunks       int
	terminal     domain.EventType
	viewTitle    string
	disconnected bool
}

func (s *streamSummary) add(ev domain.StreamEvent) {
	switch ev.Type {
	case domain.EventText:
		s.chunks++
		s.text.WriteString(ev.Content)
	case domain.EventActivity:
		s.activities = append(s.activities, ev.Tool)
	case domain.EventView:
		s.viewTitle = ev.Title
		s.text.WriteString(ev.MDX)
	}
	if ev.Terminal() {
		s.terminal = ev.Type
	}
}

func (h *Handler) logUserMessage(channel, sessionID, requestID, message string) {
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "inbound",
		EventType:  "user_message",
		ContentRaw: message,
		Content:    cleanForReadability(message),
		Meta:       map[string]any{"request_id": requestID},
	})
}

func (h *Handler) logAssistantMessage(channel, sessionID, requestID string, sum *streamSummary) {
	content := sum.text.String()
	h.log.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:  sessionID,
		Channel:    channel,
		Direction:  "outbound",
		EventType:  "assistant_message",
		ContentRaw: content,
		Content:    cleanForReadability(content),
		Meta: map[string]any{
			"stream_chunks": sum.chunks,
			"tools_used":    sum.activities,
			"terminal":      string(sum.terminal),
			"view_title":    sum.viewTitle,
			"disconnected":  sum.disconnected,
			"request_id":    requestID,
		},
	})
}
