package agent

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ryanwaits/site/internal/domain"
	"github.com/ryanwaits/site/internal/identity"
	"github.com/ryanwaits/site/internal/prompt"
)

// HandleChatWS handles GET /api/chat/ws. The first client frame is a chat
// request; every stream event is sent as one text frame and the socket is
// closed after the terminal event.
func (h *Handler) HandleChatWS(w http.ResponseWriter, r *http.Request) {
	sessionID := identity.SessionIDFromContext(r.Context())
	if sessionID == "" {
		// The cookie rides on the upgrade response.
		sessionID, _ = identity.EnsureSession(w, r, h.cfg.SecureCookies)
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.cfg.OriginPatterns,
	})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "session_id", sessionID)
		return
	}
	defer func() { _ = ws.CloseNow() }()
	ws.SetReadLimit(h.cfg.MaxRequestBodySize)

	ctx, cancel := context.WithCancel(identity.WithSessionID(r.Context(), sessionID))
	defer cancel()

	var req chatRequest
	if err := wsjson.Read(ctx, ws, &req); err != nil {
		h.logger.Debug("Invalid WebSocket chat request", "error", err, "session_id", sessionID)
		_ = ws.Close(websocket.StatusUnsupportedData, "invalid request")
		return
	}

	text, err := h.assembler.Assemble(ctx, req.input())
	if err != nil {
		message := "failed to prepare request"
		var verr *prompt.ValidationError
		if errors.As(err, &verr) {
			message = verr.Message
		} else {
			h.logger.Error("Failed to assemble prompt", "error", err)
		}
		_ = wsjson.Write(ctx, ws, domain.ErrorEvent(message))
		_ = ws.Close(websocket.StatusPolicyViolation, "invalid request")
		return
	}

	// Further client frames are not expected; CloseRead cancels ctx when the
	// peer goes away so the agent session is abandoned with it.
	ctx = ws.CloseRead(ctx)

	cfg := h.profiles.Conversational()
	reqID := chiMiddleware.GetReqID(ctx)
	h.recordAudit(ctx, domain.AuditChatRequest, "transport=websocket")
	h.logUserMessage("chat_ws", sessionID, reqID, req.Message)

	var sum streamSummary
	defer func() { h.logAssistantMessage("chat_ws", sessionID, reqID, &sum) }()

	for ev := range h.driver.Events(ctx, text, cfg) {
		sum.add(ev)
		if err := wsjson.Write(ctx, ws, ev); err != nil {
			h.logger.Debug("WebSocket write failed", "error", err, "session_id", sessionID)
			sum.disconnected = true
			return
		}
	}
	if ctx.Err() != nil {
		sum.disconnected = true
		return
	}
	_ = ws.Close(websocket.StatusNormalClosure, "stream complete")
}
