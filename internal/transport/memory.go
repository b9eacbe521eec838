package transport

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPeerGone is returned when sending to a transport id with no live
// session.
var ErrPeerGone = errors.New("transport: peer not connected")

// Mesh is an in-process mesh connecting MemPeer endpoints. Used by tests
// and by multi-node demos inside one process. Each Join hands out a new
// transport id, so leaving and rejoining models the id churn real meshes
// exhibit across reconnects.
type Mesh struct {
	mu     sync.Mutex
	nodes  map[string]*MemPeer
	nextID int
}

// NewMesh creates an empty mesh.
func NewMesh() *Mesh {
	return &Mesh{nodes: make(map[string]*MemPeer)}
}

// Join attaches a new endpoint, notifying it and all existing endpoints
// of each other.
func (m *Mesh) Join() *MemPeer {
	m.mu.Lock()
	m.nextID++
	id := fmt.Sprintf("mem-%d", m.nextID)
	p := &MemPeer{mesh: m, id: id}
	existing := make([]*MemPeer, 0, len(m.nodes))
	for _, n := range m.nodes {
		existing = append(existing, n)
	}
	m.nodes[id] = p
	m.mu.Unlock()

	for _, n := range existing {
		n.notifyConnected(id)
		p.notifyConnected(n.id)
	}
	return p
}

func (m *Mesh) leave(p *MemPeer) {
	m.mu.Lock()
	delete(m.nodes, p.id)
	remaining := make([]*MemPeer, 0, len(m.nodes))
	for _, n := range m.nodes {
		remaining = append(remaining, n)
	}
	m.mu.Unlock()

	for _, n := range remaining {
		n.notifyDisconnected(p.id)
	}
}

func (m *Mesh) lookup(id string) *MemPeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nodes[id]
}

// MemPeer is one endpoint on an in-process Mesh. It implements Transport.
type MemPeer struct {
	mesh *Mesh
	id   string

	mu      sync.Mutex
	handler Handler
	closed  bool

	// SendErr, when set, intercepts outbound sends; returning a non-nil
	// error simulates a transmission failure without disconnecting.
	SendErr func(toTransportID string, payload []byte) error
}

// ID returns this endpoint's transport id.
func (p *MemPeer) ID() string { return p.id }

// SetSendErr installs or clears the failure-injection hook.
func (p *MemPeer) SetSendErr(fn func(toTransportID string, payload []byte) error) {
	p.mu.Lock()
	p.SendErr = fn
	p.mu.Unlock()
}

func (p *MemPeer) Handle(h Handler) {
	p.mu.Lock()
	p.handler = h
	p.mu.Unlock()
}

func (p *MemPeer) SendToPeer(transportID string, payload []byte) error {
	p.mu.Lock()
	closed := p.closed
	sendErr := p.SendErr
	p.mu.Unlock()
	if closed {
		return ErrPeerGone
	}
	if sendErr != nil {
		if err := sendErr(transportID, payload); err != nil {
			return err
		}
	}

	target := p.mesh.lookup(transportID)
	if target == nil {
		return ErrPeerGone
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	target.deliver(p.id, buf)
	return nil
}

func (p *MemPeer) ConnectedPeerIDs() []string {
	p.mesh.mu.Lock()
	defer p.mesh.mu.Unlock()
	ids := make([]string, 0, len(p.mesh.nodes))
	for id := range p.mesh.nodes {
		if id != p.id {
			ids = append(ids, id)
		}
	}
	return ids
}

func (p *MemPeer) IsPeerConnected(transportID string) bool {
	return transportID != p.id && p.mesh.lookup(transportID) != nil
}

func (p *MemPeer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.closed
}

// Close detaches the endpoint from the mesh, emitting disconnect events
// to the remaining peers.
func (p *MemPeer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.mesh.leave(p)
	return nil
}

func (p *MemPeer) currentHandler() Handler {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	return p.handler
}

func (p *MemPeer) notifyConnected(id string) {
	if h := p.currentHandler(); h != nil {
		h.PeerConnected(id)
	}
}

func (p *MemPeer) notifyDisconnected(id string) {
	if h := p.currentHandler(); h != nil {
		h.PeerDisconnected(id)
	}
}

func (p *MemPeer) deliver(from string, payload []byte) {
	if h := p.currentHandler(); h != nil {
		h.Message(from, payload)
	}
}
