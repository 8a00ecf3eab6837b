package ws

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/realtime"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundMessage is the envelope clients send upstream. Only the fields the
// dispatcher needs are decoded; the rest of the frame is ignored.
type inboundMessage struct {
	Type     string `json:"type"`
	Sequence int64  `json:"sequence"`
}

// Handler upgrades HTTP requests to WebSocket connections and runs the read
// loop for each. Handshake authentication is a collaborator's concern: the
// caller is expected to have validated the user before this handler runs,
// and the user ID arrives as a query parameter.
type Handler struct {
	registry *realtime.Registry
	acks     *realtime.AckTracker
	logger   *zap.Logger
}

// NewHandler creates the WebSocket endpoint handler.
func NewHandler(registry *realtime.Registry, acks *realtime.AckTracker, logger *zap.Logger) *Handler {
	return &Handler{registry: registry, acks: acks, logger: logger}
}

// ServeHTTP handles the WebSocket upgrade, registers the connection and
// blocks in the read loop until the peer goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageSize)

	t := newTransport(conn)
	clientID, err := h.registry.Connect(r.Context(), t, userID)
	if err != nil {
		h.logger.Error("connect failed",
			zap.String("userID", userID),
			zap.Error(err),
		)
		_ = conn.Close()
		return
	}

	h.readLoop(conn, t, userID, clientID)

	// The request context is about to die with this handler; use a fresh
	// one for teardown.
	h.registry.Disconnect(context.Background(), userID, clientID)
}

func (h *Handler) readLoop(conn *websocket.Conn, t *transport, userID, clientID string) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				h.logger.Debug("websocket read error",
					zap.String("userID", userID),
					zap.String("clientID", clientID),
					zap.Error(err),
				)
			}
			return
		}
		h.dispatch(t, userID, clientID, raw)
	}
}

// dispatch routes one upstream frame. Malformed frames are logged and
// dropped; unknown types get an error reply so clients notice, but neither
// ends the connection.
func (h *Handler) dispatch(t *transport, userID, clientID string, raw []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		h.logger.Debug("dropping malformed client frame",
			zap.String("userID", userID),
			zap.String("clientID", clientID),
			zap.Error(err),
		)
		return
	}

	switch msg.Type {
	case "acknowledgement":
		if msg.Sequence <= 0 {
			h.logger.Warn("ack frame without valid sequence",
				zap.String("userID", userID),
				zap.String("clientID", clientID),
			)
			return
		}
		if err := h.acks.HandleAck(context.Background(), userID, clientID, msg.Sequence); err != nil {
			h.logger.Error("ack handling failed",
				zap.String("userID", userID),
				zap.String("clientID", clientID),
				zap.Int64("sequence", msg.Sequence),
				zap.Error(err),
			)
		}

	case "pong":
		// Reply to the liveness probe, nothing to record.

	default:
		reply := map[string]string{
			"type":    "no_user_message_handler_found",
			"status":  "error",
			"message": "We could not process your message",
		}
		if err := t.Send(reply); err != nil {
			h.logger.Debug("failed to send error reply",
				zap.String("userID", userID),
				zap.String("clientID", clientID),
				zap.Error(err),
			)
		}
		h.logger.Debug("unhandled client message type",
			zap.String("userID", userID),
			zap.String("clientID", clientID),
			zap.String("type", msg.Type),
		)
	}
}
