package realtime

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/store"
)

// Pipeline is the single write path for new messages: sequence assignment,
// replay buffering, then publish on the user's broadcast channel. It never
// touches sockets; delivery is the fan-out listeners' job, on whichever
// workers hold connections for the user.
type Pipeline struct {
	store     store.Store
	sequencer *Sequencer
	buffer    *ReplayBuffer
	logger    *zap.Logger
}

// NewPipeline wires a delivery pipeline.
func NewPipeline(st store.Store, sequencer *Sequencer, buffer *ReplayBuffer, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		store:     st,
		sequencer: sequencer,
		buffer:    buffer,
		logger:    logger,
	}
}

// SendMessage stamps payload with the user's next sequence number, buffers
// it and publishes it. The assigned sequence is returned.
func (p *Pipeline) SendMessage(ctx context.Context, userID string, payload Message) (int64, error) {
	var sequence int64
	err := withStoreRetry(ctx, func() error {
		var err error
		sequence, err = p.sequencer.Next(ctx, userID)
		return err
	})
	if err != nil {
		return 0, err
	}

	msg := stamp(payload, sequence)
	raw, err := msg.Encode()
	if err != nil {
		return 0, fmt.Errorf("encoding message %d for user %s: %w", sequence, userID, err)
	}

	if err := withStoreRetry(ctx, func() error {
		return p.buffer.Push(ctx, userID, raw)
	}); err != nil {
		return 0, err
	}

	if err := withStoreRetry(ctx, func() error {
		return p.store.Publish(ctx, userChannel(userID), string(raw))
	}); err != nil {
		return 0, fmt.Errorf("publishing message %d for user %s: %w", sequence, userID, err)
	}

	p.logger.Debug("message published",
		zap.String("userID", userID),
		zap.Int64("sequence", sequence),
	)
	return sequence, nil
}
