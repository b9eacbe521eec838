package peersync

import (
	"context"
	"sync"
	"time"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/metrics"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
)

// monitor probes a single online friend with periodic pings and declares
// a timeout when a ping goes unanswered past the grace period. Every
// friend's live session has exactly one monitor; a remap to a new
// transport halts the old one before starting a replacement.
type monitor struct {
	svc         *Service
	identity    string
	transportID string

	stop     chan struct{}
	stopOnce sync.Once

	mu           sync.Mutex
	lastPingSent time.Time
	lastPongSeen time.Time
}

// startMonitorLocked creates and launches a monitor for the identity's
// current transport. Caller holds s.mu; an existing monitor for the
// identity is halted and replaced.
func (s *Service) startMonitorLocked(identity, transportID string) {
	if old := s.monitors[identity]; old != nil {
		old.halt()
	}
	m := &monitor{
		svc:         s,
		identity:    identity,
		transportID: transportID,
		stop:        make(chan struct{}),
	}
	s.monitors[identity] = m
	go m.run()
}

func (m *monitor) run() {
	ticker := time.NewTicker(m.svc.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.pingOnce()
		}
	}
}

// pingOnce sends a single liveness probe, rate-limited so overlapping
// triggers cannot produce ping bursts, and arms the pong deadline.
func (m *monitor) pingOnce() {
	now := m.svc.now()

	m.mu.Lock()
	if now.Sub(m.lastPingSent) < m.svc.opts.PingMinSpacing {
		m.mu.Unlock()
		return
	}
	m.lastPingSent = now
	m.mu.Unlock()

	if !m.svc.opts.Transport.IsPeerConnected(m.transportID) {
		m.peerTimedOut()
		return
	}

	env := &protocol.Envelope{
		Type:      protocol.TypePing,
		Timestamp: now.UnixMilli(),
	}
	if err := m.svc.send(m.transportID, env); err != nil {
		m.peerTimedOut()
		return
	}
	metrics.PingsSent.Inc()

	// A stray deadline firing after halt is harmless: checkPong verifies
	// both the stop channel and the current session mapping.
	sentAt := now
	time.AfterFunc(m.svc.opts.PongGrace, func() {
		m.checkPong(sentAt)
	})
}

// checkPong fires at the grace deadline and declares a timeout when no
// pong arrived after the probe that armed it.
func (m *monitor) checkPong(sentAt time.Time) {
	select {
	case <-m.stop:
		return
	default:
	}
	m.mu.Lock()
	answered := m.lastPongSeen.After(sentAt) || m.lastPongSeen.Equal(sentAt)
	m.mu.Unlock()
	if !answered {
		m.peerTimedOut()
	}
}

func (m *monitor) pongReceived() {
	m.mu.Lock()
	m.lastPongSeen = m.svc.now()
	m.mu.Unlock()
}

// peerTimedOut tears the session down as if the transport had reported a
// disconnect. The friend record survives; only the live pairing ends.
func (m *monitor) peerTimedOut() {
	s := m.svc

	s.mu.Lock()
	// The mapping may have moved on to a fresh transport while the
	// deadline was pending; only the monitor for the current session may
	// end it.
	if s.links[m.identity] != m.transportID || s.monitors[m.identity] != m {
		s.mu.Unlock()
		m.halt()
		return
	}
	s.mu.Unlock()

	metrics.PeerTimeouts.Inc()
	s.log.Info().
		Str("identity", shortID(m.identity)).
		Str("transport", m.transportID).
		Msg("friend stopped answering pings, marking offline")
	s.PeerDisconnected(m.transportID)
}

// halt stops the monitor. Safe to call from any goroutine, any number of
// times.
func (m *monitor) halt() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// isHalted reports whether halt has run. Used by the sweep to find
// orphans and by tests.
func (m *monitor) isHalted() bool {
	select {
	case <-m.stop:
		return true
	default:
		return false
	}
}

// markOnline restores a friend's online status when liveness traffic
// proves the session is still alive after a missed announce.
func (s *Service) markOnline(identity string) {
	ctx := context.Background()

	var friend models.Friend
	found, err := s.getJSON(ctx, friendKey(identity), &friend)
	if err != nil || !found {
		return
	}
	if friend.Status == models.StatusOnline {
		return
	}
	friend.Status = models.StatusOnline
	friend.LastSeen = s.now()
	if err := s.saveFriend(ctx, &friend); err != nil {
		s.log.Warn().Err(err).Msg("restoring online status failed")
		return
	}
	s.bus.publish(PeerOnline{Identity: identity})
	s.bus.publish(FriendListUpdated{})
}
