package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/store"
)

// Default liveness timings.
const (
	DefaultHeartbeatInterval = 5 * time.Second
	DefaultHeartbeatTTL      = 10 * time.Second
	DefaultReconcileInterval = 30 * time.Second
)

// forceDisconnectCommand is the admin channel wire format.
const forceDisconnectType = "force_disconnect"

type adminCommand struct {
	Type     string `json:"type"`
	UserID   string `json:"user_id"`
	ClientID string `json:"client_id,omitempty"`
}

// Worker runs this process's liveness and control tasks: the heartbeat that
// marks the worker alive, the periodic reconciliation of local sockets and
// stale cross-worker records, and the admin channel listener that executes
// force-disconnect commands against local connections.
type Worker struct {
	store    store.Store
	registry *Registry
	workerID string
	logger   *zap.Logger

	heartbeatInterval time.Duration
	heartbeatTTL      time.Duration
	reconcileInterval time.Duration
	retryBackoff      time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

// WorkerOptions tunes the liveness tasks. Zero values fall back to the
// defaults.
type WorkerOptions struct {
	HeartbeatInterval time.Duration
	HeartbeatTTL      time.Duration
	ReconcileInterval time.Duration
	RetryBackoff      time.Duration
}

// NewWorker creates the liveness controller for this process.
func NewWorker(st store.Store, registry *Registry, workerID string, opts WorkerOptions, logger *zap.Logger) *Worker {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.HeartbeatTTL <= 0 {
		opts.HeartbeatTTL = DefaultHeartbeatTTL
	}
	if opts.ReconcileInterval <= 0 {
		opts.ReconcileInterval = DefaultReconcileInterval
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 5 * time.Second
	}
	return &Worker{
		store:             st,
		registry:          registry,
		workerID:          workerID,
		logger:            logger,
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTTL:      opts.HeartbeatTTL,
		reconcileInterval: opts.ReconcileInterval,
		retryBackoff:      opts.RetryBackoff,
	}
}

// Start launches the heartbeat, reconciliation and admin listener tasks.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	heartbeatDone := make(chan struct{})
	reconcileDone := make(chan struct{})
	adminDone := make(chan struct{})

	go func() { defer close(heartbeatDone); w.heartbeatLoop(ctx) }()
	go func() { defer close(reconcileDone); w.reconcileLoop(ctx) }()
	go func() { defer close(adminDone); w.adminLoop(ctx) }()

	go func() {
		<-heartbeatDone
		<-reconcileDone
		<-adminDone
		close(w.done)
	}()

	w.logger.Info("worker liveness tasks started",
		zap.String("workerID", w.workerID),
		zap.Duration("heartbeatInterval", w.heartbeatInterval),
		zap.Duration("reconcileInterval", w.reconcileInterval),
	)
}

// Stop cancels the liveness tasks and waits for them to exit.
func (w *Worker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	w.logger.Info("worker liveness tasks stopped", zap.String("workerID", w.workerID))
}

// heartbeatLoop refreshes the worker's liveness key. A failed write is
// logged and retried next tick; it never disconnects sockets, it only makes
// this worker eventually look stale to the rest of the fleet.
func (w *Worker) heartbeatLoop(ctx context.Context) {
	w.beat(ctx)

	ticker := time.NewTicker(w.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.beat(ctx)
		}
	}
}

func (w *Worker) beat(ctx context.Context) {
	if err := w.store.Set(ctx, workerActiveKey(w.workerID), "1", w.heartbeatTTL); err != nil {
		w.logger.Warn("heartbeat write failed",
			zap.String("workerID", w.workerID),
			zap.Error(err),
		)
	}
}

// reconcileLoop periodically probes local sockets and prunes cross-worker
// records that point at dead workers.
func (w *Worker) reconcileLoop(ctx context.Context) {
	ticker := time.NewTicker(w.reconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Reconcile(ctx)
		}
	}
}

// Reconcile runs one reconciliation cycle: ping every local connection and
// tear down non-responders, then scan the fleet's connection records and
// drop any referencing a worker with an expired heartbeat.
func (w *Worker) Reconcile(ctx context.Context) {
	w.probeLocal(ctx)
	w.pruneStaleRecords(ctx)
}

func (w *Worker) probeLocal(ctx context.Context) {
	for _, conn := range w.registry.allConnections() {
		if err := conn.transport.Ping(); err != nil {
			w.logger.Info("connection failed liveness probe",
				zap.String("userID", conn.userID),
				zap.String("clientID", conn.clientID),
				zap.Error(err),
			)
			w.registry.Disconnect(ctx, conn.userID, conn.clientID)
		}
	}
}

func (w *Worker) pruneStaleRecords(ctx context.Context) {
	keys, err := w.store.Keys(ctx, connectionsKeyPattern)
	if err != nil {
		w.logger.Warn("connection record scan failed", zap.Error(err))
		return
	}

	for _, key := range keys {
		userID := strings.TrimPrefix(key, connectionsKeyPrefix)
		if err := w.pruneUserRecords(ctx, key, userID); err != nil {
			w.logger.Warn("failed to reconcile connection records",
				zap.String("userID", userID),
				zap.Error(err),
			)
		}
	}
}

func (w *Worker) pruneUserRecords(ctx context.Context, key, userID string) error {
	val, err := w.store.Get(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	var records []ConnectionRecord
	if err := json.Unmarshal([]byte(val), &records); err != nil {
		w.logger.Warn("malformed connection record list, deleting",
			zap.String("userID", userID),
			zap.Error(err),
		)
		return w.store.Del(ctx, key)
	}

	alive := records[:0]
	for _, rec := range records {
		ok, err := w.store.Exists(ctx, workerActiveKey(rec.WorkerID))
		if err != nil {
			return err
		}
		if ok {
			alive = append(alive, rec)
		} else {
			w.logger.Info("dropping stale connection record",
				zap.String("userID", userID),
				zap.String("workerID", rec.WorkerID),
				zap.String("clientID", rec.ClientID),
			)
		}
	}

	if len(alive) == len(records) {
		return nil
	}
	if len(alive) == 0 {
		return w.store.Del(ctx, key)
	}
	raw, err := json.Marshal(alive)
	if err != nil {
		return fmt.Errorf("encoding connection records: %w", err)
	}
	return w.store.Set(ctx, key, string(raw), 0)
}

// adminLoop subscribes to this worker's admin channel and executes
// force-disconnect commands against local connections. Like the fan-out
// listeners it resubscribes with backoff rather than dying.
func (w *Worker) adminLoop(ctx context.Context) {
	channel := workerChannel(w.workerID)

	for ctx.Err() == nil {
		sub, err := w.store.Subscribe(ctx, channel)
		if err != nil {
			w.logger.Error("admin channel subscription failed, retrying",
				zap.String("workerID", w.workerID),
				zap.Error(err),
			)
			if !sleepCtx(ctx, w.retryBackoff) {
				return
			}
			continue
		}

		w.consumeAdmin(ctx, sub.Messages())
		_ = sub.Close()

		if ctx.Err() == nil {
			w.logger.Warn("admin channel listener stopped unexpectedly, restarting",
				zap.String("workerID", w.workerID),
			)
			if !sleepCtx(ctx, w.retryBackoff) {
				return
			}
		}
	}
}

func (w *Worker) consumeAdmin(ctx context.Context, messages <-chan string) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload, ok := <-messages:
			if !ok {
				return
			}
			w.handleAdminCommand(ctx, payload)
		}
	}
}

func (w *Worker) handleAdminCommand(ctx context.Context, payload string) {
	var cmd adminCommand
	if err := json.Unmarshal([]byte(payload), &cmd); err != nil {
		w.logger.Error("dropping malformed admin command", zap.Error(err))
		return
	}

	switch cmd.Type {
	case forceDisconnectType:
		w.logger.Info("force disconnect command received",
			zap.String("userID", cmd.UserID),
			zap.String("clientID", cmd.ClientID),
		)
		w.ForceDisconnect(ctx, cmd.UserID, cmd.ClientID)
	default:
		w.logger.Warn("unknown admin command", zap.String("type", cmd.Type))
	}
}

// ForceDisconnect closes local connections for the user, or just the one
// client when clientID is non-empty. It only acts on sockets this worker
// holds.
func (w *Worker) ForceDisconnect(ctx context.Context, userID, clientID string) {
	w.registry.Disconnect(ctx, userID, clientID)
}

// RouteForceDisconnect is the caller-side routing for an administrative
// disconnect: it reads the user's cross-worker connection records and
// publishes the command to every worker that holds a matching socket.
// Returns the number of workers notified.
func (w *Worker) RouteForceDisconnect(ctx context.Context, userID, clientID string) (int, error) {
	records, err := w.registry.readConnectionRecords(ctx, userID)
	if err != nil {
		return 0, err
	}

	cmd := adminCommand{Type: forceDisconnectType, UserID: userID, ClientID: clientID}
	raw, err := json.Marshal(cmd)
	if err != nil {
		return 0, fmt.Errorf("encoding admin command: %w", err)
	}

	notified := make(map[string]bool)
	for _, rec := range records {
		if clientID != "" && rec.ClientID != clientID {
			continue
		}
		if notified[rec.WorkerID] {
			continue
		}
		if err := w.store.Publish(ctx, workerChannel(rec.WorkerID), string(raw)); err != nil {
			return len(notified), fmt.Errorf("publishing admin command to worker %s: %w", rec.WorkerID, err)
		}
		notified[rec.WorkerID] = true
	}
	return len(notified), nil
}
