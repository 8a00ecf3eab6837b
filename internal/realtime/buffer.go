package realtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/store"
)

// Default replay buffer limits.
const (
	DefaultMaxBufferSize = 100
	DefaultBufferTTL     = time.Hour
)

// ReplayBuffer is the bounded per-user log of recent messages held in the
// shared store. New connections replay it to catch up; acknowledgements trim
// it.
type ReplayBuffer struct {
	store   store.Store
	maxSize int64
	ttl     time.Duration
	logger  *zap.Logger
}

// NewReplayBuffer creates a buffer capped at maxSize entries per user. Zero
// values fall back to the defaults.
func NewReplayBuffer(st store.Store, maxSize int64, ttl time.Duration, logger *zap.Logger) *ReplayBuffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxBufferSize
	}
	if ttl <= 0 {
		ttl = DefaultBufferTTL
	}
	return &ReplayBuffer{store: st, maxSize: maxSize, ttl: ttl, logger: logger}
}

// Push inserts a serialized message at the head of the user's buffer, trims
// the tail past the size cap and refreshes the buffer TTL.
func (b *ReplayBuffer) Push(ctx context.Context, userID string, raw []byte) error {
	key := bufferKey(userID)

	if err := b.store.LPush(ctx, key, string(raw)); err != nil {
		return fmt.Errorf("buffering message for user %s: %w", userID, err)
	}
	if err := b.store.LTrim(ctx, key, 0, b.maxSize-1); err != nil {
		return fmt.Errorf("trimming buffer for user %s: %w", userID, err)
	}
	if err := b.store.Expire(ctx, key, b.ttl); err != nil {
		return fmt.Errorf("refreshing buffer ttl for user %s: %w", userID, err)
	}
	return nil
}

// Range returns every buffered entry for the user. Order is whatever the
// store hands back; callers must re-sort by sequence before use.
func (b *ReplayBuffer) Range(ctx context.Context, userID string) ([]string, error) {
	entries, err := b.store.LRange(ctx, bufferKey(userID), 0, -1)
	if err != nil {
		return nil, fmt.Errorf("reading buffer for user %s: %w", userID, err)
	}
	return entries, nil
}

// Remove deletes the single entry whose stamped sequence equals sequence.
// Removal is exact-match only: entries below the acked sequence are left to
// age out via the TTL.
func (b *ReplayBuffer) Remove(ctx context.Context, userID string, sequence int64) error {
	key := bufferKey(userID)

	entries, err := b.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return fmt.Errorf("reading buffer for user %s: %w", userID, err)
	}

	for _, entry := range entries {
		msg, err := DecodeMessage([]byte(entry))
		if err != nil {
			b.logger.Warn("skipping malformed buffer entry",
				zap.String("userID", userID),
				zap.Error(err),
			)
			continue
		}
		if msg.Sequence() == sequence {
			if err := b.store.LRem(ctx, key, 1, entry); err != nil {
				return fmt.Errorf("removing buffered message %d for user %s: %w", sequence, userID, err)
			}
			return nil
		}
	}
	return nil
}
