package store

import (
	"context"
	"path"
	"strconv"
	"sync"
	"time"
)

const memorySubscriptionBuffer = 256

// MemoryStore is a single-process Store implementation. It backs the
// "memory" store mode for local development and is the fake the package
// tests above the store layer are written against. Semantics follow Redis:
// lazy key expiry, glob patterns for Keys, fire-and-forget pub/sub.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]*memoryEntry
	lists  map[string]*memoryList
	subs   map[string][]*memorySubscription
	closed bool
}

type memoryEntry struct {
	value   string
	expires time.Time // zero means no expiry
}

type memoryList struct {
	items   []string // index 0 is the head
	expires time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]*memoryEntry),
		lists:  make(map[string]*memoryList),
		subs:   make(map[string][]*memorySubscription),
	}
}

func (e *memoryEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && now.After(e.expires)
}

func (l *memoryList) expired(now time.Time) bool {
	return !l.expires.IsZero() && now.After(l.expires)
}

// entry returns the live entry at key, reaping it if expired.
// Callers must hold mu.
func (s *MemoryStore) entry(key string) *memoryEntry {
	e, ok := s.values[key]
	if !ok {
		return nil
	}
	if e.expired(time.Now()) {
		delete(s.values, key)
		return nil
	}
	return e
}

func (s *MemoryStore) list(key string) *memoryList {
	l, ok := s.lists[key]
	if !ok {
		return nil
	}
	if l.expired(time.Now()) {
		delete(s.lists, key)
		return nil
	}
	return l
}

func (s *MemoryStore) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	if e := s.entry(key); e != nil {
		parsed, err := strconv.ParseInt(e.value, 10, 64)
		if err != nil {
			return 0, err
		}
		n = parsed
	}
	n++
	s.values[key] = &memoryEntry{value: strconv.FormatInt(n, 10)}
	return n, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entry(key)
	if e == nil {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.values[key] = e
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entry(key) != nil {
		return false, nil
	}
	e := &memoryEntry{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	s.values[key] = e
	return true, nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.values, key)
		delete(s.lists, key)
	}
	return nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.entry(key) != nil || s.list(key) != nil, nil
}

func (s *MemoryStore) Keys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var keys []string
	for key := range s.values {
		if s.entry(key) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	for key := range s.lists {
		if s.list(key) == nil {
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (s *MemoryStore) LPush(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(key)
	if l == nil {
		l = &memoryList{}
		s.lists[key] = l
	}
	l.items = append([]string{value}, l.items...)
	return nil
}

func (s *MemoryStore) LRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(key)
	if l == nil {
		return nil, nil
	}
	from, to, ok := listBounds(int64(len(l.items)), start, stop)
	if !ok {
		return nil, nil
	}
	out := make([]string, to-from+1)
	copy(out, l.items[from:to+1])
	return out, nil
}

func (s *MemoryStore) LTrim(_ context.Context, key string, start, stop int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(key)
	if l == nil {
		return nil
	}
	from, to, ok := listBounds(int64(len(l.items)), start, stop)
	if !ok {
		delete(s.lists, key)
		return nil
	}
	l.items = append([]string(nil), l.items[from:to+1]...)
	return nil
}

func (s *MemoryStore) LRem(_ context.Context, key string, count int64, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	l := s.list(key)
	if l == nil {
		return nil
	}

	// Only head-to-tail removal is needed here; Redis' negative-count and
	// zero-count variants are intentionally unsupported.
	removed := int64(0)
	kept := l.items[:0]
	for _, item := range l.items {
		if item == value && (count == 0 || removed < count) {
			removed++
			continue
		}
		kept = append(kept, item)
	}
	l.items = kept
	if len(l.items) == 0 {
		delete(s.lists, key)
	}
	return nil
}

func (s *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	expires := time.Now().Add(ttl)
	if e := s.entry(key); e != nil {
		e.expires = expires
	}
	if l := s.list(key); l != nil {
		l.expires = expires
	}
	return nil
}

func (s *MemoryStore) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	subs := append([]*memorySubscription(nil), s.subs[channel]...)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.deliver(payload)
	}
	return nil
}

func (s *MemoryStore) Subscribe(_ context.Context, channel string) (Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{
		store:   s,
		channel: channel,
		out:     make(chan string, memorySubscriptionBuffer),
	}
	s.subs[channel] = append(s.subs[channel], sub)
	return sub, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, subs := range s.subs {
		for _, sub := range subs {
			sub.closeLocked()
		}
	}
	s.subs = make(map[string][]*memorySubscription)
	return nil
}

type memorySubscription struct {
	store    *MemoryStore
	channel  string
	out      chan string
	closedMu sync.Mutex
	closed   bool
}

func (s *memorySubscription) deliver(payload string) {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.out <- payload:
	default:
		// Slow subscriber, drop. Same contract as Redis pub/sub.
	}
}

func (s *memorySubscription) Messages() <-chan string {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.store.mu.Lock()
	subs := s.store.subs[s.channel]
	for i, sub := range subs {
		if sub == s {
			s.store.subs[s.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	s.store.mu.Unlock()

	s.closeLocked()
	return nil
}

func (s *memorySubscription) closeLocked() {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// listBounds resolves Redis-style start/stop indexes against a list of the
// given length. ok is false when the range is empty.
func listBounds(length, start, stop int64) (from, to int64, ok bool) {
	if length == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += length
	}
	if stop < 0 {
		stop += length
	}
	if start < 0 {
		start = 0
	}
	if stop >= length {
		stop = length - 1
	}
	if start > stop || start >= length {
		return 0, 0, false
	}
	return start, stop, true
}
