package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lcohq/realtime/internal/store"
)

// subscribeReadyTimeout bounds how long Connect waits for the user's fan-out
// listener to establish its subscription. On timeout the connection proceeds
// anyway; the replay buffer covers the gap on reconnect.
const subscribeReadyTimeout = 2 * time.Second

// ConnectionRecord is the fleet-visible description of where one of a user's
// sockets lives. Records are kept as a JSON list under user_connections:{user}
// so any worker can discover them without holding the socket.
type ConnectionRecord struct {
	WorkerID    string `json:"worker_id"`
	ClientID    string `json:"client_id"`
	ConnectedAt int64  `json:"connected_at"`
}

// connection is one locally held socket. lastSequence is guarded by the
// registry mutex.
type connection struct {
	clientID     string
	userID       string
	transport    Transport
	lastSequence int64
}

// userState is the per-user local state: the connections this worker holds
// and the fan-out listener that feeds them.
type userState struct {
	conns  map[string]*connection
	cancel context.CancelFunc
	ready  chan struct{} // closed once the listener's subscription is up
}

// Registry owns every socket this worker holds. It is the only component
// with live Transports: producers publish through the pipeline, and the
// registry's fan-out listeners push to local sockets.
type Registry struct {
	store    store.Store
	buffer   *ReplayBuffer
	workerID string
	backoff  time.Duration
	logger   *zap.Logger

	mu    sync.Mutex
	users map[string]*userState

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRegistry creates a registry for this worker. retryBackoff is the pause
// before a failed fan-out subscription is retried.
func NewRegistry(st store.Store, buffer *ReplayBuffer, workerID string, retryBackoff time.Duration, logger *zap.Logger) *Registry {
	if retryBackoff <= 0 {
		retryBackoff = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		store:    st,
		buffer:   buffer,
		workerID: workerID,
		backoff:  retryBackoff,
		logger:   logger,
		users:    make(map[string]*userState),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Connect registers a transport for the user and returns its fleet-unique
// client ID. The first local connection for a user starts that user's
// fan-out listener. Before returning, the durable last-acknowledged sequence
// seeds the connection and any newer buffered messages are replayed in
// ascending order.
func (r *Registry) Connect(ctx context.Context, transport Transport, userID string) (string, error) {
	clientID := uuid.NewString()

	lastAck, err := r.durableLastAck(ctx, userID)
	if err != nil {
		return "", err
	}

	conn := &connection{
		clientID:     clientID,
		userID:       userID,
		transport:    transport,
		lastSequence: lastAck,
	}

	r.mu.Lock()
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return "", fmt.Errorf("connect user %s: registry is shut down", userID)
	}
	us, ok := r.users[userID]
	if !ok {
		listenCtx, cancel := context.WithCancel(r.ctx)
		us = &userState{
			conns:  make(map[string]*connection),
			cancel: cancel,
			ready:  make(chan struct{}),
		}
		r.users[userID] = us
		r.wg.Add(1)
		go r.listenUser(listenCtx, userID, us.ready)
	}
	us.conns[clientID] = conn
	ready := us.ready
	r.mu.Unlock()

	// Don't hand the caller a connection that could miss a publish raced
	// against the subscription coming up.
	select {
	case <-ready:
	case <-time.After(subscribeReadyTimeout):
		r.logger.Warn("fan-out subscription not ready in time, proceeding",
			zap.String("userID", userID),
			zap.String("clientID", clientID),
		)
	case <-ctx.Done():
		r.Disconnect(context.Background(), userID, clientID)
		return "", ctx.Err()
	}

	if err := r.appendConnectionRecord(ctx, userID, clientID); err != nil {
		r.logger.Warn("failed to publish connection record",
			zap.String("userID", userID),
			zap.String("clientID", clientID),
			zap.Error(err),
		)
	}

	if err := r.replayMissed(ctx, userID, conn); err != nil {
		r.Disconnect(ctx, userID, clientID)
		return "", fmt.Errorf("replaying buffered messages for user %s: %w", userID, err)
	}

	r.logger.Info("client connected",
		zap.String("userID", userID),
		zap.String("clientID", clientID),
	)
	return clientID, nil
}

// Disconnect tears down one connection, or every local connection for the
// user when clientID is empty. Removal of the last local connection cancels
// the fan-out listener and drops the user's local state.
func (r *Registry) Disconnect(ctx context.Context, userID, clientID string) {
	r.mu.Lock()
	us, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}

	var closing []*connection
	if clientID == "" {
		for _, conn := range us.conns {
			closing = append(closing, conn)
		}
		us.conns = make(map[string]*connection)
	} else if conn, ok := us.conns[clientID]; ok {
		closing = append(closing, conn)
		delete(us.conns, clientID)
	}

	lastRemoved := len(us.conns) == 0
	if lastRemoved {
		us.cancel()
		delete(r.users, userID)
	}
	r.mu.Unlock()

	if len(closing) == 0 {
		return
	}

	for _, conn := range closing {
		_ = conn.transport.Close()
		r.logger.Info("client disconnected",
			zap.String("userID", userID),
			zap.String("clientID", conn.clientID),
		)
	}

	if err := r.removeConnectionRecords(ctx, userID, clientID); err != nil {
		r.logger.Warn("failed to update connection records",
			zap.String("userID", userID),
			zap.Error(err),
		)
	}
}

// Shutdown closes every local connection and stops all listeners. Blocks
// until the listeners have released their subscriptions.
func (r *Registry) Shutdown(ctx context.Context) {
	r.cancel()

	r.mu.Lock()
	users := make([]string, 0, len(r.users))
	var closing []*connection
	for userID, us := range r.users {
		users = append(users, userID)
		for _, conn := range us.conns {
			closing = append(closing, conn)
		}
		us.cancel()
	}
	r.users = make(map[string]*userState)
	r.mu.Unlock()

	for _, conn := range closing {
		_ = conn.transport.Close()
	}
	for _, userID := range users {
		if err := r.removeConnectionRecords(ctx, userID, ""); err != nil {
			r.logger.Warn("failed to clear connection records on shutdown",
				zap.String("userID", userID),
				zap.Error(err),
			)
		}
	}

	r.wg.Wait()
	r.logger.Info("registry shut down", zap.Int("closedConnections", len(closing)))
}

// LocalClients returns the client IDs this worker currently holds for the
// user.
func (r *Registry) LocalClients(userID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, ok := r.users[userID]
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(us.conns))
	for clientID := range us.conns {
		ids = append(ids, clientID)
	}
	sort.Strings(ids)
	return ids
}

// hasConnection reports whether the client is locally known.
func (r *Registry) hasConnection(userID, clientID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, ok := r.users[userID]
	if !ok {
		return false
	}
	_, ok = us.conns[clientID]
	return ok
}

// recordAck sets the client's last acknowledged sequence and returns the new
// local low-water mark: the minimum last sequence across the user's locally
// known connections.
func (r *Registry) recordAck(userID, clientID string, sequence int64) (localMin int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, found := r.users[userID]
	if !found {
		return 0, false
	}
	conn, found := us.conns[clientID]
	if !found {
		return 0, false
	}
	conn.lastSequence = sequence

	first := true
	for _, c := range us.conns {
		if first || c.lastSequence < localMin {
			localMin = c.lastSequence
			first = false
		}
	}
	return localMin, true
}

// pendingConnections returns the connections that still need a message with
// the given sequence.
func (r *Registry) pendingConnections(userID string, sequence int64) []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	us, ok := r.users[userID]
	if !ok {
		return nil
	}
	var pending []*connection
	for _, conn := range us.conns {
		if conn.lastSequence < sequence {
			pending = append(pending, conn)
		}
	}
	return pending
}

// allConnections snapshots every locally held connection.
func (r *Registry) allConnections() []*connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	var conns []*connection
	for _, us := range r.users {
		for _, conn := range us.conns {
			conns = append(conns, conn)
		}
	}
	return conns
}

// durableLastAck reads the user's durable last-acknowledged sequence, 0 when
// none has been recorded yet.
func (r *Registry) durableLastAck(ctx context.Context, userID string) (int64, error) {
	val, err := r.store.Get(ctx, lastAckKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading last ack for user %s: %w", userID, err)
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		r.logger.Warn("malformed last ack value, treating as 0",
			zap.String("userID", userID),
			zap.String("value", val),
		)
		return 0, nil
	}
	return n, nil
}

// replayMissed sends every buffered message newer than the connection's seed
// sequence, in ascending order.
func (r *Registry) replayMissed(ctx context.Context, userID string, conn *connection) error {
	entries, err := r.buffer.Range(ctx, userID)
	if err != nil {
		return err
	}

	var missed []Message
	for _, entry := range entries {
		msg, err := DecodeMessage([]byte(entry))
		if err != nil {
			r.logger.Warn("skipping malformed buffered message",
				zap.String("userID", userID),
				zap.Error(err),
			)
			continue
		}
		if msg.Sequence() > conn.lastSequence {
			missed = append(missed, msg)
		}
	}

	// Buffer order is implementation-defined; the sequence is the truth.
	sort.Slice(missed, func(i, j int) bool {
		return missed[i].Sequence() < missed[j].Sequence()
	})

	for _, msg := range missed {
		if err := conn.transport.Send(msg); err != nil {
			return fmt.Errorf("sending buffered message %d: %w", msg.Sequence(), err)
		}
	}

	if len(missed) > 0 {
		r.logger.Debug("replayed buffered messages",
			zap.String("userID", userID),
			zap.String("clientID", conn.clientID),
			zap.Int("count", len(missed)),
		)
	}
	return nil
}

// appendConnectionRecord adds this connection to the user's cross-worker
// record list.
func (r *Registry) appendConnectionRecord(ctx context.Context, userID, clientID string) error {
	key := connectionsKey(userID)

	records, err := r.readConnectionRecords(ctx, userID)
	if err != nil {
		return err
	}
	records = append(records, ConnectionRecord{
		WorkerID:    r.workerID,
		ClientID:    clientID,
		ConnectedAt: time.Now().UnixMilli(),
	})

	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding connection records: %w", err)
	}
	return r.store.Set(ctx, key, string(raw), 0)
}

// removeConnectionRecords drops this worker's record for clientID, or every
// record owned by this worker when clientID is empty. The key is deleted
// once no records remain.
func (r *Registry) removeConnectionRecords(ctx context.Context, userID, clientID string) error {
	key := connectionsKey(userID)

	records, err := r.readConnectionRecords(ctx, userID)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return nil
	}

	kept := records[:0]
	for _, rec := range records {
		if rec.WorkerID == r.workerID && (clientID == "" || rec.ClientID == clientID) {
			continue
		}
		kept = append(kept, rec)
	}

	if len(kept) == 0 {
		return r.store.Del(ctx, key)
	}
	raw, err := json.Marshal(kept)
	if err != nil {
		return fmt.Errorf("encoding connection records: %w", err)
	}
	return r.store.Set(ctx, key, string(raw), 0)
}

// readConnectionRecords loads and parses the user's record list. A malformed
// list is treated as empty rather than poisoning connects forever.
func (r *Registry) readConnectionRecords(ctx context.Context, userID string) ([]ConnectionRecord, error) {
	val, err := r.store.Get(ctx, connectionsKey(userID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading connection records for user %s: %w", userID, err)
	}

	var records []ConnectionRecord
	if err := json.Unmarshal([]byte(val), &records); err != nil {
		r.logger.Warn("malformed connection record list, resetting",
			zap.String("userID", userID),
			zap.Error(err),
		)
		return nil, nil
	}
	return records, nil
}
