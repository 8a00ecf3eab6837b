package realtime

import "strconv"

// Key layout in the shared store. Every worker in the fleet must agree on
// these, so they live in one place.
//
//	message_sequence:{user}            per-user sequence counter
//	user_message_buffer:{user}         replay buffer list, newest at head
//	last_ack:{user}                    durable last fully-acknowledged sequence
//	min_sequence:{user}                durable low-water mark
//	user_channel:{user}                broadcast channel for the user
//	client_ack:{user}:{client}:{seq}   short-lived ack idempotency marker
//	completion_lock:{user}:{seq}       short-lived ack completion lock
//	worker_active:{worker}             worker heartbeat key
//	worker_channel:{worker}            per-worker admin command channel
//	user_connections:{user}            cross-worker connection record list

func sequenceKey(userID string) string {
	return "message_sequence:" + userID
}

func bufferKey(userID string) string {
	return "user_message_buffer:" + userID
}

func lastAckKey(userID string) string {
	return "last_ack:" + userID
}

func minSequenceKey(userID string) string {
	return "min_sequence:" + userID
}

func userChannel(userID string) string {
	return "user_channel:" + userID
}

func clientAckKey(userID, clientID string, sequence int64) string {
	return "client_ack:" + userID + ":" + clientID + ":" + strconv.FormatInt(sequence, 10)
}

func completionLockKey(userID string, sequence int64) string {
	return "completion_lock:" + userID + ":" + strconv.FormatInt(sequence, 10)
}

func workerActiveKey(workerID string) string {
	return "worker_active:" + workerID
}

func workerChannel(workerID string) string {
	return "worker_channel:" + workerID
}

func connectionsKey(userID string) string {
	return "user_connections:" + userID
}

const (
	connectionsKeyPrefix  = "user_connections:"
	connectionsKeyPattern = "user_connections:*"
)
