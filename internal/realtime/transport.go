package realtime

// Transport is one physical duplex connection to a client. The registry is
// the only component that holds Transports; everything else reaches sockets
// through it.
//
// A failed Send or Ping means the connection is dead: callers tear it down
// rather than retry.
type Transport interface {
	// Send writes one structured message to the peer.
	Send(v any) error

	// Ping sends a lightweight probe frame. An error means the peer is
	// unreachable.
	Ping() error

	// Close shuts the underlying connection. Safe to call more than once.
	Close() error
}
