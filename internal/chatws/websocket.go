package chatws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/smalltalk-labs/internal/agent"
	"github.com/ashureev/smalltalk-labs/internal/domain"
	"github.com/ashureev/smalltalk-labs/internal/identity"
	"github.com/ashureev/smalltalk-labs/internal/store"
)

// maxMessageBytes bounds one client frame.
const maxMessageBytes = 16 << 10

// ChatService is the part of the turn orchestrator the socket drives.
type ChatService interface {
	Session(ctx context.Context, sessionID, token string) (*domain.Session, error)
	ProcessTurn(ctx context.Context, sessionID, token, message string) (*agent.TurnResult, error)
	EndSession(ctx context.Context, sessionID, token string) error
	ResolveCrisis(ctx context.Context, sessionID, token, choice string) (*agent.CrisisResolution, error)
}

// Handler serves /ws/chat?session_id=...&token=...
type Handler struct {
	service       ChatService
	repo          store.Repository
	conns         *ConnectionManager
	limiter       *agent.RateLimiter
	allowedOrigin string
	isDev         bool
}

// NewHandler creates the chat socket handler. repo and limiter may be nil.
// The limiter is shared with the HTTP turn endpoint so both transports draw
// from the same per-user budget.
func NewHandler(service ChatService, repo store.Repository, conns *ConnectionManager, limiter *agent.RateLimiter, allowedOrigin string, isDev bool) *Handler {
	return &Handler{
		service:       service,
		repo:          repo,
		conns:         conns,
		limiter:       limiter,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// clientMessage is one frame from the browser.
type clientMessage struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
	Choice  string `json:"choice,omitempty"`
}

// serverMessage is one frame to the browser.
type serverMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// ServeHTTP validates the session and upgrades the connection. Turns on one
// connection are processed strictly in order.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := r.URL.Query().Get("session_id")
	token := identity.TokenFromRequest(r)
	slog.Info("Chat socket request", "user_id", userID, "session_id", sessionID, "ip", identity.IPFromRequest(r))

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}
	if sessionID == "" {
		http.Error(w, `{"error": "session_id is required"}`, http.StatusBadRequest)
		return
	}
	if _, err := h.service.Session(r.Context(), sessionID, token); err != nil {
		switch {
		case errors.Is(err, agent.ErrSessionNotFound):
			http.Error(w, `{"error": "session not found"}`, http.StatusNotFound)
		case errors.Is(err, agent.ErrInvalidToken):
			http.Error(w, `{"error": "invalid session token"}`, http.StatusForbidden)
		default:
			http.Error(w, `{"error": "internal error"}`, http.StatusInternalServerError)
		}
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	ws.SetReadLimit(maxMessageBytes)
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "session_id", sessionID)
		}
	}()

	rateKey := userID
	if rateKey == "" {
		rateKey = identity.IPFromRequest(r)
	}
	h.readLoop(r.Context(), ws, userID, rateKey, sessionID, token)
	slog.Info("Chat socket closed", "user_id", userID, "open_sockets", h.conns.Len())
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, rateKey, sessionID, token string) {
	h.conns.Register(sessionID, ws)
	defer func() { h.conns.Unregister(sessionID, ws) }()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "session_id", sessionID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "session_id", sessionID)
			}
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.send(ctx, ws, serverMessage{Type: "error", Error: "invalid message", Code: "invalid_message"})
			continue
		}

		switch msg.Type {
		case "ping":
			h.send(ctx, ws, serverMessage{Type: "pong"})
		case "turn":
			if h.limiter != nil && !h.limiter.Allow(rateKey) {
				h.send(ctx, ws, serverMessage{Type: "error", Error: "rate limit exceeded", Code: "rate_limited"})
				continue
			}
			res, err := h.service.ProcessTurn(ctx, sessionID, token, msg.Message)
			if err != nil {
				h.sendError(ctx, ws, err)
				continue
			}
			h.send(ctx, ws, serverMessage{Type: "turn_result", Payload: res})
		case "end":
			if err := h.service.EndSession(ctx, sessionID, token); err != nil {
				h.sendError(ctx, ws, err)
				continue
			}
			h.send(ctx, ws, serverMessage{Type: "ended"})
			return
		case "crisis_choice":
			res, err := h.service.ResolveCrisis(ctx, sessionID, token, msg.Choice)
			if err != nil {
				h.sendError(ctx, ws, err)
				continue
			}
			h.send(ctx, ws, serverMessage{Type: "crisis_resolution", Payload: res})
			if res.NewSession != nil {
				// The socket follows the fresh identity.
				h.conns.Unregister(sessionID, ws)
				sessionID, token = res.NewSession.SessionID, res.NewSession.Token
				h.conns.Register(sessionID, ws)
			}
		default:
			h.send(ctx, ws, serverMessage{Type: "error", Error: "unknown message type", Code: "invalid_message"})
			continue
		}

		h.touch(userID)
	}
}

// touch updates the user's last-seen time in the background.
func (h *Handler) touch(userID string) {
	if h.repo == nil || userID == "" {
		return
	}
	go func() {
		updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.repo.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()
}

func (h *Handler) sendError(ctx context.Context, ws *websocket.Conn, err error) {
	code := errorCode(err)
	msg := err.Error()
	if code == "internal" {
		slog.Error("Chat socket operation failed", "error", err)
		msg = "internal error"
	}
	h.send(ctx, ws, serverMessage{Type: "error", Error: msg, Code: code})
}

func (h *Handler) send(ctx context.Context, ws *websocket.Conn, m serverMessage) {
	data, err := json.Marshal(m)
	if err != nil {
		slog.Warn("Failed to marshal chat frame", "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := ws.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, agent.ErrSessionNotFound):
		return "session_not_found"
	case errors.Is(err, agent.ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, agent.ErrTurnInFlight):
		return "turn_in_flight"
	case errors.Is(err, agent.ErrSessionClosed), errors.Is(err, domain.ErrInvalidTransition):
		return "session_closed"
	case errors.Is(err, agent.ErrStaleTurn):
		return "stale_turn"
	case errors.Is(err, agent.ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, agent.ErrInvalidChoice):
		return "invalid_choice"
	default:
		return "internal"
	}
}
