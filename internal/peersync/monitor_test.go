package peersync

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/crypto"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/transport"
)

func monitorFor(t *testing.T, n *testNode, identity string) *monitor {
	t.Helper()
	n.svc.mu.Lock()
	defer n.svc.mu.Unlock()
	m := n.svc.monitors[identity]
	if m == nil {
		t.Fatalf("no monitor for %s", shortID(identity))
	}
	return m
}

// countSends installs a counting pass-through hook for payloads matching
// the given wire type.
func countSends(p *transport.MemPeer, wireType string) func() int {
	var mu sync.Mutex
	count := 0
	needle := []byte(`"type":"` + wireType + `"`)
	p.SetSendErr(func(_ string, payload []byte) error {
		if bytes.Contains(payload, needle) {
			mu.Lock()
			count++
			mu.Unlock()
		}
		return nil
	})
	return func() int {
		mu.Lock()
		defer mu.Unlock()
		return count
	}
}

func TestPingRateLimit(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	m := monitorFor(t, a, b.id())
	pings := countSends(a.peer, "ping")

	// Rapid triggers within the spacing window collapse to one probe.
	m.pingOnce()
	m.pingOnce()
	m.pingOnce()
	if got := pings(); got != 1 {
		t.Fatalf("expected 1 ping, got %d", got)
	}

	// After the spacing window a new probe goes out.
	a.clock.Advance(a.svc.opts.PingMinSpacing + time.Second)
	m.pingOnce()
	if got := pings(); got != 2 {
		t.Fatalf("expected 2 pings, got %d", got)
	}
}

func TestPongAnswersPing(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	m := monitorFor(t, a, b.id())
	sentAt := a.clock.Now()
	m.pingOnce()

	// The in-process mesh delivers synchronously: the pong is already
	// recorded by the time pingOnce returns.
	waitFor(t, "pong", func() bool {
		m.mu.Lock()
		defer m.mu.Unlock()
		return !m.lastPongSeen.Before(sentAt)
	})

	m.checkPong(sentAt)
	if !a.isOnlineFriend(t, b.id()) {
		t.Fatal("answered ping must not mark the friend offline")
	}
}

func TestUnansweredPingMarksOffline(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	// Bob's replies vanish into the void.
	b.peer.SetSendErr(func(string, []byte) error { return errors.New("mute") })

	m := monitorFor(t, a, b.id())
	sentAt := a.clock.Now()
	m.pingOnce()
	m.checkPong(sentAt)

	waitFor(t, "timeout demotion", func() bool { return !a.isOnlineFriend(t, b.id()) })
	if _, ok := a.linkFor(b.id()); ok {
		t.Fatal("timed-out session should drop the link")
	}
	if !m.isHalted() {
		t.Fatal("timed-out monitor should halt")
	}
}

func TestStaleTimeoutIgnoredAfterRemap(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	oldMonitor := monitorFor(t, a, b.id())
	oldTid, _ := a.linkFor(b.id())

	// Bob shows up on a second transport without the first reporting a
	// disconnect; the announce remaps and must end the old monitor.
	c := mesh.Join() // stand-in endpoint carrying bob's re-announce
	ts := a.svc.nowMilli()
	a.svc.handleAnnounce(c.ID(), &protocol.Envelope{
		Type:      protocol.TypeIdentityAnnounce,
		Timestamp: ts,
		Identity:  b.id(),
		EncKey:    b.id(),
		Signature: b.kr.Sign(crypto.AnnouncePayload(b.id(), ts)),
	})

	newTid, ok := a.linkFor(b.id())
	if !ok || newTid != c.ID() {
		t.Fatalf("expected remap to %s, got %s", c.ID(), newTid)
	}
	if newTid == oldTid {
		t.Fatal("remap should change the transport id")
	}
	if !oldMonitor.isHalted() {
		t.Fatal("old monitor should be halted after remap")
	}

	// A late timeout from the superseded session must not end the new
	// one.
	oldMonitor.peerTimedOut()
	if !a.isOnlineFriend(t, b.id()) {
		t.Fatal("stale timeout demoted a live session")
	}
	if got, _ := a.linkFor(b.id()); got != c.ID() {
		t.Fatal("stale timeout replaced the live link")
	}
}

func TestHaltIdempotent(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	m := monitorFor(t, a, b.id())
	m.halt()
	m.halt() // must not panic
	if !m.isHalted() {
		t.Fatal("monitor should report halted")
	}
}

func TestPongReplyRateLimit(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	pongs := countSends(a.peer, "pong")
	tid, _ := a.linkFor(b.id())

	ping := &protocol.Envelope{Type: protocol.TypePing, Timestamp: a.svc.nowMilli()}
	a.svc.handlePing(tid, ping)
	a.svc.handlePing(tid, ping)
	a.svc.handlePing(tid, ping)
	if got := pongs(); got != 1 {
		t.Fatalf("ping flood should get 1 pong, got %d", got)
	}

	a.clock.Advance(a.svc.opts.PongMinSpacing + time.Second)
	a.svc.handlePing(tid, ping)
	if got := pongs(); got != 2 {
		t.Fatalf("expected 2 pongs after spacing window, got %d", got)
	}
}

func TestPongRestoresWronglyOfflineFriend(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	// Persisted status drifts to offline while the link stays live.
	ctx := context.Background()
	var f models.Friend
	if found, err := a.svc.getJSON(ctx, friendKey(b.id()), &f); err != nil || !found {
		t.Fatal("friend record missing")
	}
	f.Status = models.StatusOffline
	if err := a.svc.saveFriend(ctx, &f); err != nil {
		t.Fatal(err)
	}

	tid, _ := a.linkFor(b.id())
	a.svc.handlePong(tid, &protocol.Envelope{Type: protocol.TypePong, Timestamp: a.svc.nowMilli()})

	if !a.isOnlineFriend(t, b.id()) {
		t.Fatal("pong should restore online status")
	}
}
