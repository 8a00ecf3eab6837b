package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 64 * 1024 // 64KB
)

// probeFrame is the lightweight application-level liveness probe. Clients
// do not need to answer it; a failed write is what marks the socket dead.
var probeFrame = map[string]string{"type": "ping"}

// transport adapts one gorilla connection to realtime.Transport. Writes are
// serialized with a mutex because the reconciliation probe and the fan-out
// listener may both write concurrently.
type transport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func newTransport(conn *websocket.Conn) *transport {
	return &transport{conn: conn}
}

func (t *transport) Send(v any) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(v)
}

func (t *transport) Ping() error {
	return t.Send(probeFrame)
}

func (t *transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = t.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return t.conn.Close()
}
