package peersync

import (
	"context"
	"testing"
	"time"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/transport"
)

func historyBodies(t *testing.T, n *testNode, peer string) []string {
	t.Helper()
	entries, err := n.svc.History(context.Background(), peer)
	if err != nil {
		t.Fatal(err)
	}
	bodies := make([]string, len(entries))
	for i, e := range entries {
		bodies[i] = e.Plaintext
	}
	return bodies
}

func TestSendMessageDelivered(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	outcome, err := a.svc.SendMessage(ctx, b.id(), "hello bob")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != SendDelivered {
		t.Fatalf("expected delivered, got %s", outcome)
	}

	waitFor(t, "message arrival", func() bool {
		return len(historyBodies(t, b, a.id())) == 1
	})
	if got := historyBodies(t, b, a.id())[0]; got != "hello bob" {
		t.Fatalf("recipient sees %q", got)
	}

	// The wire carried ciphertext, but the recipient's stored record
	// still decrypts; verify it is not stored as plaintext.
	entries, _ := b.svc.History(ctx, a.id())
	if !entries[0].Message.Encrypted {
		t.Fatal("message should be encrypted on the wire and at rest")
	}
	if entries[0].Message.Body == "hello bob" {
		t.Fatal("stored body must not be plaintext")
	}
}

func TestSenderHistoryReadable(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	if _, err := a.svc.SendMessage(ctx, b.id(), "my own words"); err != nil {
		t.Fatal(err)
	}

	// The sender's copy is sealed under the sender's own key, so sent
	// history is readable without the recipient's private key.
	bodies := historyBodies(t, a, b.id())
	if len(bodies) != 1 || bodies[0] != "my own words" {
		t.Fatalf("sender history wrong: %v", bodies)
	}
	entries, _ := a.svc.History(ctx, b.id())
	if !entries[0].Message.Encrypted {
		t.Fatal("sender copy should be sealed, not plaintext")
	}
}

func TestSendToNonFriend(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")

	if _, err := a.svc.SendMessage(context.Background(), "stranger", "hi"); err != ErrNotFriend {
		t.Fatalf("expected ErrNotFriend, got %v", err)
	}
}

func TestSendToOfflineFriendQueues(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	b.peer.Close()
	waitFor(t, "offline status", func() bool { return !a.isOnlineFriend(t, b.id()) })

	outcome, err := a.svc.SendMessage(ctx, b.id(), "catch you later")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != SendQueued {
		t.Fatalf("expected queued, got %s", outcome)
	}

	depth, err := a.svc.OutboxDepth(ctx, b.id())
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("expected outbox depth 1, got %d", depth)
	}

	// Queued messages are not in conversation history until flushed.
	if got := len(historyBodies(t, a, b.id())); got != 0 {
		t.Fatalf("queued message leaked into history: %d entries", got)
	}
}

func TestTransmitFailureDegradesToQueued(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	a.peer.SetSendErr(func(string, []byte) error { return transport.ErrPeerGone })

	outcome, err := a.svc.SendMessage(ctx, b.id(), "flaky network")
	if err != nil {
		t.Fatal(err)
	}
	if outcome != SendQueued {
		t.Fatalf("expected queued on transmit failure, got %s", outcome)
	}
	depth, _ := a.svc.OutboxDepth(ctx, b.id())
	if depth != 1 {
		t.Fatalf("expected outbox depth 1, got %d", depth)
	}
}

func TestDuplicateDeliveryIgnored(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	tid, _ := b.linkFor(a.id())
	env := &protocol.Envelope{
		Type:      protocol.TypeChatMessage,
		ID:        "01DUPLICATE",
		Content:   "once only",
		Timestamp: b.svc.nowMilli(),
	}
	b.svc.handleChatMessage(tid, env)
	b.svc.handleChatMessage(tid, env)

	if got := len(historyBodies(t, b, a.id())); got != 1 {
		t.Fatalf("expected 1 entry after redelivery, got %d", got)
	}
}

func TestDecryptFailurePlaceholder(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	// Ciphertext b cannot open: sealed for a third party.
	c := newTestNode(t, mesh, "mallory")
	garbled, err := a.kr.Seal("not for bob", c.id())
	if err != nil {
		t.Fatal(err)
	}

	tid, _ := b.linkFor(a.id())
	b.svc.handleChatMessage(tid, &protocol.Envelope{
		Type:      protocol.TypeChatMessage,
		ID:        "01GARBLED",
		Content:   garbled,
		Encrypted: true,
		Timestamp: b.svc.nowMilli(),
	})

	entries, _ := b.svc.History(context.Background(), a.id())
	if len(entries) != 1 {
		t.Fatalf("undecryptable message must still be stored, got %d", len(entries))
	}
	if !entries[0].DecryptFailed {
		t.Fatal("entry should be flagged as decrypt-failed")
	}
	if entries[0].Plaintext != "[unable to decrypt]" {
		t.Fatalf("expected placeholder, got %q", entries[0].Plaintext)
	}
}

func TestChatFromUnmappedTransportDropped(t *testing.T) {
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	b.svc.handleChatMessage("unknown-transport", &protocol.Envelope{
		Type:    protocol.TypeChatMessage,
		ID:      "01ORPHAN",
		Content: "who am i",
	})

	if got := len(historyBodies(t, b, a.id())); got != 0 {
		t.Fatalf("unattributable message must be dropped, got %d entries", got)
	}
}

func TestHistorySortedByTimestamp(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	for _, body := range []string{"first", "second", "third"} {
		a.clock.Advance(time.Second)
		if _, err := a.svc.SendMessage(ctx, b.id(), body); err != nil {
			t.Fatal(err)
		}
	}

	bodies := historyBodies(t, a, b.id())
	if len(bodies) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(bodies))
	}
	for i, want := range []string{"first", "second", "third"} {
		if bodies[i] != want {
			t.Fatalf("position %d: expected %q, got %q", i, want, bodies[i])
		}
	}
}
