package realtime

import (
	"context"
	"fmt"

	"github.com/lcohq/realtime/internal/store"
)

// Sequencer assigns per-user sequence numbers. The counter lives in the
// shared store and is advanced with an atomic increment, never computed
// locally, so numbers are unique and strictly increasing no matter how many
// workers produce messages for the same user.
type Sequencer struct {
	store store.Store
}

// NewSequencer creates a Sequencer backed by the given store.
func NewSequencer(st store.Store) *Sequencer {
	return &Sequencer{store: st}
}

// Next returns the next sequence number for the user.
func (s *Sequencer) Next(ctx context.Context, userID string) (int64, error) {
	n, err := s.store.Incr(ctx, sequenceKey(userID))
	if err != nil {
		return 0, fmt.Errorf("next sequence for user %s: %w", userID, err)
	}
	return n, nil
}
