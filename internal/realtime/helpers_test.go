package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/store"
)

var errTransportDown = errors.New("transport down")

// fakeTransport records sent messages and can be told to fail.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []Message
	failSend bool
	failPing bool
	closed   bool
}

func (f *fakeTransport) Send(v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSend {
		return errTransportDown
	}
	if msg, ok := v.(Message); ok {
		f.sent = append(f.sent, msg)
	}
	return nil
}

func (f *fakeTransport) Ping() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failPing {
		return errTransportDown
	}
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) sequences() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	seqs := make([]int64, 0, len(f.sent))
	for _, msg := range f.sent {
		seqs = append(seqs, msg.Sequence())
	}
	return seqs
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// testStack is the full delivery subsystem over a memory store.
type testStack struct {
	store    *store.MemoryStore
	buffer   *ReplayBuffer
	registry *Registry
	pipeline *Pipeline
	acks     *AckTracker
}

func newTestStack(t *testing.T, workerID string) *testStack {
	t.Helper()

	st := store.NewMemoryStore()
	logger := zap.NewNop()
	buffer := NewReplayBuffer(st, 0, 0, logger)
	registry := NewRegistry(st, buffer, workerID, 50*time.Millisecond, logger)
	pipeline := NewPipeline(st, NewSequencer(st), buffer, logger)
	acks := NewAckTracker(st, buffer, registry, 0, 0, logger)

	t.Cleanup(func() {
		registry.Shutdown(t.Context())
	})

	return &testStack{
		store:    st,
		buffer:   buffer,
		registry: registry,
		pipeline: pipeline,
		acks:     acks,
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
