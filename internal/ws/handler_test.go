package ws

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/realtime"
	"github.com/lcohq/realtime/internal/store"
)

type wsFixture struct {
	store    *store.MemoryStore
	registry *realtime.Registry
	pipeline *realtime.Pipeline
	server   *httptest.Server
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	st := store.NewMemoryStore()
	logger := zap.NewNop()
	buffer := realtime.NewReplayBuffer(st, 0, 0, logger)
	registry := realtime.NewRegistry(st, buffer, "w1", 50*time.Millisecond, logger)
	pipeline := realtime.NewPipeline(st, realtime.NewSequencer(st), buffer, logger)
	acks := realtime.NewAckTracker(st, buffer, registry, 0, 0, logger)

	srv := httptest.NewServer(NewHandler(registry, acks, logger))
	t.Cleanup(func() {
		srv.Close()
		registry.Shutdown(t.Context())
	})

	return &wsFixture{store: st, registry: registry, pipeline: pipeline, server: srv}
}

func (f *wsFixture) dial(t *testing.T, userID string) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "?user_id=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing %s: %v", url, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]any
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("reading frame: %v", err)
	}
	return frame
}

func waitForKey(t *testing.T, st *store.MemoryStore, key, want string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := st.Get(t.Context(), key); err == nil && got == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("key %s never reached %q", key, want)
}

func TestServeHTTPRequiresUserID(t *testing.T) {
	f := newWSFixture(t)

	url := "ws" + strings.TrimPrefix(f.server.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial without user_id to fail")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Errorf("expected status 400, got %+v", resp)
	}
}

func TestConnectionReceivesPublishedMessages(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "u1")

	seq, err := f.pipeline.SendMessage(t.Context(), "u1", realtime.Message{"text": "hello"})
	if err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected sequence 1, got %d", seq)
	}

	frame := readFrame(t, conn)
	if frame["text"] != "hello" {
		t.Errorf("frame text = %v", frame["text"])
	}
	if got, ok := frame["sequence"].(float64); !ok || int64(got) != 1 {
		t.Errorf("frame sequence = %v", frame["sequence"])
	}
}

func TestAcknowledgementFrameAdvancesDurableState(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "u1")

	if _, err := f.pipeline.SendMessage(t.Context(), "u1", realtime.Message{"text": "hi"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	readFrame(t, conn)

	ack := map[string]any{"type": "acknowledgement", "sequence": 1}
	if err := conn.WriteJSON(ack); err != nil {
		t.Fatalf("writing ack: %v", err)
	}

	waitForKey(t, f.store, "last_ack:u1", "1")
	waitForKey(t, f.store, "min_sequence:u1", "1")
}

func TestUnknownFrameTypeGetsErrorReply(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "u1")

	if err := conn.WriteJSON(map[string]any{"type": "mystery"}); err != nil {
		t.Fatalf("writing frame: %v", err)
	}

	frame := readFrame(t, conn)
	if frame["type"] != "no_user_message_handler_found" {
		t.Errorf("frame type = %v", frame["type"])
	}
	if frame["status"] != "error" {
		t.Errorf("frame status = %v", frame["status"])
	}
}

func TestCloseRemovesConnectionRecord(t *testing.T) {
	f := newWSFixture(t)
	conn := f.dial(t, "u1")

	deadlineUp := time.Now().Add(2 * time.Second)
	for {
		if _, err := f.store.Get(t.Context(), "user_connections:u1"); err == nil {
			break
		}
		if time.Now().After(deadlineUp) {
			t.Fatal("connection record never appeared after dial")
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.store.Get(t.Context(), "user_connections:u1"); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connection record never cleaned up after close")
}

func TestReconnectReplaysUnackedMessages(t *testing.T) {
	f := newWSFixture(t)

	conn := f.dial(t, "u1")
	if _, err := f.pipeline.SendMessage(t.Context(), "u1", realtime.Message{"text": "first"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	readFrame(t, conn)
	conn.Close()

	// A message published while offline must be waiting on reconnect.
	if _, err := f.pipeline.SendMessage(t.Context(), "u1", realtime.Message{"text": "second"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	conn2 := f.dial(t, "u1")
	first := readFrame(t, conn2)
	second := readFrame(t, conn2)
	if s, _ := first["sequence"].(float64); int64(s) != 1 {
		t.Errorf("first replayed sequence = %v", first["sequence"])
	}
	if s, _ := second["sequence"].(float64); int64(s) != 2 {
		t.Errorf("second replayed sequence = %v", second["sequence"])
	}
}
