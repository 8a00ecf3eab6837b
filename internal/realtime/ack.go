package realtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/store"
)

// Default acknowledgement tracker TTLs.
const (
	DefaultAckMarkerTTL = 60 * time.Second
	DefaultAckLockTTL   = 5 * time.Second
)

// AckTracker records per-connection acknowledgement progress and trims the
// replay buffer once every locally known connection of a user has moved past
// a sequence.
//
// The low-water mark is computed only from connections local to the acking
// worker. A user whose sockets are split across workers can therefore
// complete a sequence before remote sockets have seen it; that approximation
// is deliberate and kept as-is.
type AckTracker struct {
	store     store.Store
	buffer    *ReplayBuffer
	registry  *Registry
	markerTTL time.Duration
	lockTTL   time.Duration
	logger    *zap.Logger
}

// NewAckTracker wires an acknowledgement tracker. Zero TTLs fall back to the
// defaults.
func NewAckTracker(st store.Store, buffer *ReplayBuffer, registry *Registry, markerTTL, lockTTL time.Duration, logger *zap.Logger) *AckTracker {
	if markerTTL <= 0 {
		markerTTL = DefaultAckMarkerTTL
	}
	if lockTTL <= 0 {
		lockTTL = DefaultAckLockTTL
	}
	return &AckTracker{
		store:     st,
		buffer:    buffer,
		registry:  registry,
		markerTTL: markerTTL,
		lockTTL:   lockTTL,
		logger:    logger,
	}
}

// HandleAck processes one acknowledgement from a client. Duplicate and late
// acknowledgements are absorbed as no-ops; so is losing the completion lock
// to a concurrent acker. Only store failures surface as errors.
func (t *AckTracker) HandleAck(ctx context.Context, userID, clientID string, sequence int64) error {
	if !t.registry.hasConnection(userID, clientID) {
		return nil
	}

	markerKey := clientAckKey(userID, clientID, sequence)
	seen, err := t.store.Exists(ctx, markerKey)
	if err != nil {
		return fmt.Errorf("checking ack marker: %w", err)
	}
	if seen {
		t.logger.Debug("duplicate ack",
			zap.String("userID", userID),
			zap.String("clientID", clientID),
			zap.Int64("sequence", sequence),
		)
		return nil
	}
	if err := t.store.Set(ctx, markerKey, "1", t.markerTTL); err != nil {
		return fmt.Errorf("setting ack marker: %w", err)
	}

	localMin, ok := t.registry.recordAck(userID, clientID, sequence)
	if !ok {
		// Disconnected between the marker write and now.
		return nil
	}

	t.logger.Info("ack received",
		zap.String("userID", userID),
		zap.String("clientID", clientID),
		zap.Int64("sequence", sequence),
		zap.Int64("localMin", localMin),
	)

	covered, err := t.durableCovers(ctx, userID, sequence)
	if err != nil {
		return err
	}
	if covered || localMin < sequence {
		return nil
	}

	return t.complete(ctx, userID, sequence, localMin)
}

// durableCovers reports whether the durable low-water mark already includes
// the sequence.
func (t *AckTracker) durableCovers(ctx context.Context, userID string, sequence int64) (bool, error) {
	val, err := t.store.Get(ctx, minSequenceKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reading low-water mark for user %s: %w", userID, err)
	}
	durableMin, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		t.logger.Warn("malformed low-water mark, ignoring",
			zap.String("userID", userID),
			zap.String("value", val),
		)
		return false, nil
	}
	return durableMin >= sequence, nil
}

// complete advances the durable marks and trims the buffer, under the
// completion lock. Losing the lock means another acker is already finishing
// this sequence.
func (t *AckTracker) complete(ctx context.Context, userID string, sequence, localMin int64) error {
	lockKey := completionLockKey(userID, sequence)

	acquired, err := t.store.SetNX(ctx, lockKey, "1", t.lockTTL)
	if err != nil {
		return fmt.Errorf("acquiring completion lock: %w", err)
	}
	if !acquired {
		t.logger.Debug("completion already in progress",
			zap.String("userID", userID),
			zap.Int64("sequence", sequence),
		)
		return nil
	}
	defer func() {
		if err := t.store.Del(ctx, lockKey); err != nil {
			t.logger.Warn("failed to release completion lock, relying on ttl",
				zap.String("userID", userID),
				zap.Int64("sequence", sequence),
				zap.Error(err),
			)
		}
	}()

	if err := t.store.Set(ctx, minSequenceKey(userID), strconv.FormatInt(localMin, 10), 0); err != nil {
		return fmt.Errorf("advancing low-water mark for user %s: %w", userID, err)
	}
	if err := t.store.Set(ctx, lastAckKey(userID), strconv.FormatInt(sequence, 10), 0); err != nil {
		return fmt.Errorf("advancing last ack for user %s: %w", userID, err)
	}
	if err := t.buffer.Remove(ctx, userID, sequence); err != nil {
		return err
	}

	t.logger.Info("message fully acknowledged",
		zap.String("userID", userID),
		zap.Int64("sequence", sequence),
	)
	return nil
}
