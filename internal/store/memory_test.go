package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreIncr(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.Incr(ctx, "counter")
		if err != nil {
			t.Fatalf("Incr failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}
}

func TestMemoryStoreGetSetTTL(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); err != ErrNotFound {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	val, err := s.Get(ctx, "k")
	if err != nil || val != "v" {
		t.Errorf("expected v, got %q err %v", val, err)
	}

	if err := s.Set(ctx, "short", "v", 10*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if _, err := s.Get(ctx, "short"); err != ErrNotFound {
		t.Errorf("expected expired key to be gone, got %v", err)
	}
}

func TestMemoryStoreSetNX(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	ok, err := s.SetNX(ctx, "lock", "1", 0)
	if err != nil || !ok {
		t.Fatalf("expected first SetNX to succeed, got ok=%v err=%v", ok, err)
	}
	ok, err = s.SetNX(ctx, "lock", "2", 0)
	if err != nil || ok {
		t.Fatalf("expected second SetNX to fail, got ok=%v err=%v", ok, err)
	}

	if err := s.Del(ctx, "lock"); err != nil {
		t.Fatalf("Del failed: %v", err)
	}
	ok, _ = s.SetNX(ctx, "lock", "3", 0)
	if !ok {
		t.Error("expected SetNX to succeed after Del")
	}
}

func TestMemoryStoreListOps(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, v := range []string{"a", "b", "c"} {
		if err := s.LPush(ctx, "list", v); err != nil {
			t.Fatalf("LPush failed: %v", err)
		}
	}

	// Newest pushed entry sits at the head.
	items, err := s.LRange(ctx, "list", 0, -1)
	if err != nil {
		t.Fatalf("LRange failed: %v", err)
	}
	if len(items) != 3 || items[0] != "c" || items[2] != "a" {
		t.Errorf("unexpected list contents: %v", items)
	}

	if err := s.LTrim(ctx, "list", 0, 1); err != nil {
		t.Fatalf("LTrim failed: %v", err)
	}
	items, _ = s.LRange(ctx, "list", 0, -1)
	if len(items) != 2 || items[0] != "c" || items[1] != "b" {
		t.Errorf("unexpected trimmed list: %v", items)
	}

	if err := s.LRem(ctx, "list", 1, "c"); err != nil {
		t.Fatalf("LRem failed: %v", err)
	}
	items, _ = s.LRange(ctx, "list", 0, -1)
	if len(items) != 1 || items[0] != "b" {
		t.Errorf("unexpected list after LRem: %v", items)
	}
}

func TestMemoryStoreKeysPattern(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Set(ctx, "user_connections:alice", "[]", 0)
	_ = s.Set(ctx, "user_connections:bob", "[]", 0)
	_ = s.Set(ctx, "worker_active:w1", "1", 0)

	keys, err := s.Keys(ctx, "user_connections:*")
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("expected 2 matching keys, got %v", keys)
	}
}

func TestMemoryStorePubSub(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	sub, err := s.Subscribe(ctx, "chan")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := s.Publish(ctx, "chan", "hello"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case msg := <-sub.Messages():
		if msg != "hello" {
			t.Errorf("expected hello, got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}

	if err := sub.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-sub.Messages(); ok {
		t.Error("expected message channel to be closed")
	}

	// Publishing after close must not panic.
	if err := s.Publish(ctx, "chan", "late"); err != nil {
		t.Fatalf("Publish after close failed: %v", err)
	}
}
