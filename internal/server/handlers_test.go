package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/config"
	"github.com/lcohq/realtime/internal/realtime"
	"github.com/lcohq/realtime/internal/store"
)

type serverFixture struct {
	store  *store.MemoryStore
	server *httptest.Server
}

func newServerFixture(t *testing.T, rateCfg config.RateConfig) *serverFixture {
	t.Helper()

	st := store.NewMemoryStore()
	logger := zap.NewNop()
	buffer := realtime.NewReplayBuffer(st, 0, 0, logger)
	registry := realtime.NewRegistry(st, buffer, "w1", 50*time.Millisecond, logger)
	pipeline := realtime.NewPipeline(st, realtime.NewSequencer(st), buffer, logger)
	worker := realtime.NewWorker(st, registry, "w1", realtime.WorkerOptions{}, logger)

	cfg := &config.Config{Rate: rateCfg}
	s := NewServer(pipeline, worker, st, cfg, logger)
	router := NewRouter(s, http.NotFoundHandler(), logger)

	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		srv.Close()
		registry.Shutdown(t.Context())
	})

	return &serverFixture{store: st, server: srv}
}

func postJSON(t *testing.T, url string, body string) (*http.Response, map[string]any) {
	t.Helper()

	resp, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()

	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	return resp, decoded
}

func TestHealthz(t *testing.T) {
	f := newServerFixture(t, config.RateConfig{})

	resp, err := http.Get(f.server.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}

func TestSendMessageAssignsSequence(t *testing.T) {
	f := newServerFixture(t, config.RateConfig{})

	resp, body := postJSON(t, f.server.URL+"/v1/users/u1/messages", `{"text":"hello"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if seq, _ := body["sequence"].(float64); int64(seq) != 1 {
		t.Errorf("sequence = %v, want 1", body["sequence"])
	}

	resp, body = postJSON(t, f.server.URL+"/v1/users/u1/messages", `{"text":"again"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if seq, _ := body["sequence"].(float64); int64(seq) != 2 {
		t.Errorf("sequence = %v, want 2", body["sequence"])
	}

	entries, err := f.store.LRange(t.Context(), "user_message_buffer:u1", 0, -1)
	if err != nil {
		t.Fatalf("reading buffer: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("buffered entries = %d, want 2", len(entries))
	}
}

func TestSendMessageRejectsInvalidJSON(t *testing.T) {
	f := newServerFixture(t, config.RateConfig{})

	resp, body := postJSON(t, f.server.URL+"/v1/users/u1/messages", `{broken`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400, body = %v", resp.StatusCode, body)
	}
}

func TestSendMessageRateLimited(t *testing.T) {
	f := newServerFixture(t, config.RateConfig{MessagesPerSecond: 0.001, Burst: 1})

	resp, _ := postJSON(t, f.server.URL+"/v1/users/u1/messages", `{"text":"a"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request status = %d, want 200", resp.StatusCode)
	}

	resp, body := postJSON(t, f.server.URL+"/v1/users/u1/messages", `{"text":"b"}`)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429, body = %v", resp.StatusCode, body)
	}

	// The limit is per user, so another user is unaffected.
	resp, _ = postJSON(t, f.server.URL+"/v1/users/u2/messages", `{"text":"c"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("other user status = %d, want 200", resp.StatusCode)
	}
}

func TestForceDisconnectNoConnections(t *testing.T) {
	f := newServerFixture(t, config.RateConfig{})

	resp, body := postJSON(t, f.server.URL+"/v1/users/ghost/disconnect", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if n, _ := body["workers_notified"].(float64); int(n) != 0 {
		t.Errorf("workers_notified = %v, want 0", body["workers_notified"])
	}
}

func TestForceDisconnectNotifiesRecordedWorkers(t *testing.T) {
	f := newServerFixture(t, config.RateConfig{})

	records := []realtime.ConnectionRecord{
		{WorkerID: "wA", ClientID: "c1"},
		{WorkerID: "wB", ClientID: "c2"},
	}
	raw, _ := json.Marshal(records)
	if err := f.store.Set(t.Context(), "user_connections:u1", string(raw), 0); err != nil {
		t.Fatalf("seeding records: %v", err)
	}

	resp, body := postJSON(t, f.server.URL+"/v1/users/u1/disconnect", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	if n, _ := body["workers_notified"].(float64); int(n) != 2 {
		t.Errorf("workers_notified = %v, want 2", body["workers_notified"])
	}

	resp, body = postJSON(t, f.server.URL+"/v1/users/u1/disconnect", `{"client_id":"c2"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if n, _ := body["workers_notified"].(float64); int(n) != 1 {
		t.Errorf("workers_notified = %v, want 1", body["workers_notified"])
	}
}
