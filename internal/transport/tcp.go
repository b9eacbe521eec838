package transport

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	maxFrameSize = 1 << 20 // 1MB per line frame
	writeTimeout = 10 * time.Second
)

// TCPMesh is a minimal TCP adapter for the Transport boundary: newline
// delimited frames over persistent connections, transport id = remote
// address. It does no NAT traversal or signaling; it exists so the
// engine can run against real sockets on a LAN or between test hosts.
type TCPMesh struct {
	listener net.Listener
	log      zerolog.Logger

	mu      sync.Mutex
	handler Handler
	conns   map[string]net.Conn
	closed  bool
}

// NewTCPMesh starts listening on addr and accepting peers.
func NewTCPMesh(addr string, logger zerolog.Logger) (*TCPMesh, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	t := &TCPMesh{
		listener: ln,
		log:      logger.With().Str("component", "tcp-mesh").Logger(),
		conns:    make(map[string]net.Conn),
	}
	go t.acceptLoop()
	return t, nil
}

// Addr returns the bound listen address.
func (t *TCPMesh) Addr() string {
	return t.listener.Addr().String()
}

func (t *TCPMesh) Handle(h Handler) {
	t.mu.Lock()
	t.handler = h
	t.mu.Unlock()
}

// Dial connects out to a peer's listen address and returns the new
// transport id.
func (t *TCPMesh) Dial(addr string) (string, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return "", err
	}
	return t.track(conn), nil
}

func (t *TCPMesh) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if closed {
				return
			}
			t.log.Warn().Err(err).Msg("accept failed")
			continue
		}
		t.track(conn)
	}
}

// track registers a connection, fires the connect event, and starts its
// read loop.
func (t *TCPMesh) track(conn net.Conn) string {
	id := conn.RemoteAddr().String()

	t.mu.Lock()
	t.conns[id] = conn
	h := t.handler
	t.mu.Unlock()

	t.log.Debug().Str("peer", id).Msg("peer session established")
	if h != nil {
		h.PeerConnected(id)
	}
	go t.readLoop(id, conn)
	return id
}

func (t *TCPMesh) readLoop(id string, conn net.Conn) {
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxFrameSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		payload := make([]byte, len(line))
		copy(payload, line)

		t.mu.Lock()
		h := t.handler
		t.mu.Unlock()
		if h != nil {
			h.Message(id, payload)
		}
	}

	t.drop(id, conn)
}

func (t *TCPMesh) drop(id string, conn net.Conn) {
	conn.Close()

	t.mu.Lock()
	// Only announce if this conn is still the registered session.
	current, ok := t.conns[id]
	if ok && current == conn {
		delete(t.conns, id)
	} else {
		ok = false
	}
	h := t.handler
	t.mu.Unlock()

	if ok {
		t.log.Debug().Str("peer", id).Msg("peer session closed")
		if h != nil {
			h.PeerDisconnected(id)
		}
	}
}

func (t *TCPMesh) SendToPeer(transportID string, payload []byte) error {
	t.mu.Lock()
	conn, ok := t.conns[transportID]
	t.mu.Unlock()
	if !ok {
		return ErrPeerGone
	}

	frame := make([]byte, 0, len(payload)+1)
	frame = append(frame, payload...)
	frame = append(frame, '\n')

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(frame); err != nil {
		t.drop(transportID, conn)
		return err
	}
	return nil
}

func (t *TCPMesh) ConnectedPeerIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.conns))
	for id := range t.conns {
		ids = append(ids, id)
	}
	return ids
}

func (t *TCPMesh) IsPeerConnected(transportID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.conns[transportID]
	return ok
}

func (t *TCPMesh) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}

func (t *TCPMesh) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	conns := make([]net.Conn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.conns = make(map[string]net.Conn)
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return t.listener.Close()
}
