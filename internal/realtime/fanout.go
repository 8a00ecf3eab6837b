package realtime

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// listenUser is the per-user fan-out loop: one goroutine per locally-present
// user, subscribed to that user's broadcast channel. It runs until the
// user's last local connection goes away or the registry shuts down, and it
// resubscribes with backoff instead of dying on subscription errors.
func (r *Registry) listenUser(ctx context.Context, userID string, ready chan struct{}) {
	defer r.wg.Done()

	var readyOnce sync.Once
	channel := userChannel(userID)

	for ctx.Err() == nil {
		sub, err := r.store.Subscribe(ctx, channel)
		if err != nil {
			r.logger.Error("fan-out subscription failed, retrying",
				zap.String("userID", userID),
				zap.Error(err),
			)
			if !sleepCtx(ctx, r.backoff) {
				return
			}
			continue
		}
		readyOnce.Do(func() { close(ready) })

		r.consume(ctx, userID, sub.Messages())

		// Cancellation must finish before the subscription handle is
		// released.
		if err := sub.Close(); err != nil {
			r.logger.Debug("closing fan-out subscription",
				zap.String("userID", userID),
				zap.Error(err),
			)
		}

		if ctx.Err() == nil {
			r.logger.Warn("fan-out listener stopped unexpectedly, restarting",
				zap.String("userID", userID),
			)
			if !sleepCtx(ctx, r.backoff) {
				return
			}
		}
	}
}

// consume drains published payloads until the context ends or the
// subscription channel closes.
func (r *Registry) consume(ctx context.Context, userID string, messages <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-messages:
			if !ok {
				return
			}
			r.deliverLocal(ctx, userID, payload)
		}
	}
}

// deliverLocal pushes one published message to every local connection that
// has not yet acknowledged past it. Decode errors are logged and skipped;
// they never terminate the loop.
func (r *Registry) deliverLocal(ctx context.Context, userID, payload string) {
	msg, err := DecodeMessage([]byte(payload))
	if err != nil {
		r.logger.Error("dropping malformed published message",
			zap.String("userID", userID),
			zap.Error(err),
		)
		return
	}

	sequence := msg.Sequence()
	if sequence <= 0 {
		r.logger.Error("dropping published message without sequence",
			zap.String("userID", userID),
		)
		return
	}

	// Snapshot first: sends suspend, and the connection set may change
	// underneath us while they do.
	pending := r.pendingConnections(userID, sequence)
	for _, conn := range pending {
		if err := conn.transport.Send(msg); err != nil {
			r.logger.Warn("send failed, tearing down connection",
				zap.String("userID", userID),
				zap.String("clientID", conn.clientID),
				zap.Int64("sequence", sequence),
				zap.Error(err),
			)
			r.Disconnect(ctx, userID, conn.clientID)
			continue
		}
		r.logger.Debug("delivered message",
			zap.String("userID", userID),
			zap.String("clientID", conn.clientID),
			zap.Int64("sequence", sequence),
		)
	}
}
