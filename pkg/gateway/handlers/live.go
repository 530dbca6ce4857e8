package handlers

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxnote-ai/voxnote/pkg/gateway/config"
	"github.com/voxnote-ai/voxnote/pkg/gateway/lifecycle"
	"github.com/voxnote-ai/voxnote/pkg/gateway/live/protocol"
	"github.com/voxnote-ai/voxnote/pkg/gateway/live/session"
	"github.com/voxnote-ai/voxnote/pkg/gateway/live/sessions"
	"github.com/voxnote-ai/voxnote/pkg/gateway/mw"
	"github.com/voxnote-ai/voxnote/pkg/gateway/upstream"
)

// LiveHandler handles /v1/live websocket sessions. Authentication happens in
// the middleware chain before the request reaches this handler.
type LiveHandler struct {
	Config       config.Config
	Dialer       upstream.Dialer
	Store        session.TurnStore
	Logger       *slog.Logger
	Lifecycle    *lifecycle.Lifecycle
	LiveSessions *sessions.Tracker
}

func (h LiveHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	if r.Method != http.MethodGet {
		writeErrorJSON(w, http.StatusMethodNotAllowed, "invalid_request_error", "method not allowed", reqID)
		return
	}
	if h.Lifecycle != nil && h.Lifecycle.IsDraining() {
		writeErrorJSON(w, http.StatusServiceUnavailable, "overloaded_error", "gateway is draining", reqID)
		return
	}
	if !h.originAllowed(r) {
		writeErrorJSON(w, http.StatusForbidden, "permission_error", "origin is not allowed", reqID)
		return
	}
	if h.Dialer == nil {
		writeErrorJSON(w, http.StatusInternalServerError, "api_error", "upstream dialer is not configured", reqID)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	sessionID := "s_" + randHex(8)

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Dialer:    h.Dialer,
		Store:     h.Store,
		Logger:    h.Logger,
		SessionID: sessionID,
		RequestID: reqID,
		Config: session.Config{
			MaxAudioFrameBytes:  h.Config.LiveMaxAudioFrameBytes,
			MaxJSONMessageBytes: h.Config.LiveMaxJSONMessageBytes,
			PingInterval:        h.Config.LiveWSPingInterval,
			WriteTimeout:        h.Config.LiveWSWriteTimeout,
			ReadTimeout:         h.Config.LiveWSReadTimeout,
			MaxSessionDuration:  h.Config.LiveMaxSessionDuration,
			DialTimeout:         h.Config.UpstreamDialTimeout,
			DedupWindow:         h.Config.DedupWindow,
			MaxPending:          h.Config.MaxPendingAge,
			ActionWindow:        h.Config.ActionWindow,
			LoopThreshold:       h.Config.LoopThreshold,
			AudioCooldown:       h.Config.AudioCooldown,
			OverlapThreshold:    h.Config.OverlapThreshold,
			OutboundQueueSize:   h.Config.LiveOutboundQueueSize,
		},
	})
	if err != nil {
		h.writeWSError(conn, "failed to initialize live session")
		return
	}

	unregister := func() {}
	if h.LiveSessions != nil {
		unregister = h.LiveSessions.Register(sessionID, sessions.Handle{
			Cancel: s.Cancel,
			Notify: s.Notify,
		})
	}
	defer unregister()

	if err := s.Run(); err != nil {
		if h.Logger != nil {
			h.Logger.Warn("live session ended with error", "session_id", sessionID, "request_id", reqID, "error", err)
		}
	}
}

func (h LiveHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h LiveHandler) writeWSError(conn *websocket.Conn, message string) {
	_ = conn.WriteJSON(protocol.ServerError{Type: "error", Error: message})
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, message), time.Now().Add(2*time.Second))
}

func randHex(nbytes int) string {
	b := make([]byte, nbytes)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
