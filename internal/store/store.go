package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// ErrClosed is returned by operations on a closed store or subscription.
var ErrClosed = errors.New("store: closed")

// Store is the shared coordination primitive the delivery subsystem runs on.
// All cross-worker state (sequences, buffers, liveness, connection records)
// lives behind this interface; nothing else is shared between processes.
type Store interface {
	// Incr atomically increments the integer at key and returns the new value.
	Incr(ctx context.Context, key string) (int64, error)

	// Get returns the string value at key, or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Set writes value at key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX writes value at key only if the key does not exist.
	// Returns true if the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Del removes the given keys. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error

	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Keys returns all keys matching a glob-style pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// LPush inserts value at the head of the list at key.
	LPush(ctx context.Context, key, value string) error

	// LRange returns list entries between start and stop inclusive.
	// Negative indexes count from the tail, -1 being the last entry.
	LRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// LTrim trims the list at key to the entries between start and stop.
	LTrim(ctx context.Context, key string, start, stop int64) error

	// LRem removes up to count entries equal to value from the list at key.
	LRem(ctx context.Context, key string, count int64, value string) error

	// Expire sets a ttl on an existing key.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// Publish delivers payload to every current subscriber of channel.
	Publish(ctx context.Context, channel, payload string) error

	// Subscribe opens a subscription on channel. The returned Subscription
	// must be closed by the caller.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// Close releases the store's resources.
	Close() error
}

// Subscription is a live pub/sub channel subscription.
type Subscription interface {
	// Messages returns the stream of published payloads. The channel is
	// closed when the subscription ends.
	Messages() <-chan string

	// Close tears down the subscription and closes the message channel.
	Close() error
}
