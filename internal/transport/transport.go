// Package transport defines the peer-mesh boundary the sync engine sits
// on. The mesh hands out ephemeral transport ids: a peer's id changes
// across reconnects while its cryptographic identity stays stable, so
// nothing above this boundary may persist a transport id.
package transport

// Handler receives mesh events. The mesh invokes callbacks sequentially
// per remote peer; implementations must not block for long.
type Handler interface {
	PeerConnected(transportID string)
	PeerDisconnected(transportID string)
	Message(transportID string, payload []byte)
}

// Transport is the external mesh consumed by the engine.
type Transport interface {
	// SendToPeer delivers payload to a live transport id. A returned
	// error means the send did not happen; callers degrade to queuing.
	SendToPeer(transportID string, payload []byte) error

	// ConnectedPeerIDs lists the transport ids of live sessions.
	ConnectedPeerIDs() []string

	// IsPeerConnected reports whether a transport id is still live.
	IsPeerConnected(transportID string) bool

	// IsConnected reports whether the mesh itself is usable.
	IsConnected() bool

	// Handle registers the single inbound callback. Must be called
	// before the mesh starts delivering events.
	Handle(h Handler)

	Close() error
}
