package peersync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/transport"
)

func TestWatermarkMonotonic(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")

	if got := a.svc.watermark(ctx, "peer-x"); got != 0 {
		t.Fatalf("fresh watermark should be 0, got %d", got)
	}

	a.svc.advanceWatermark(ctx, "peer-x")
	first := a.svc.watermark(ctx, "peer-x")
	if first == 0 {
		t.Fatal("watermark should advance")
	}

	a.clock.Advance(time.Minute)
	a.svc.advanceWatermark(ctx, "peer-x")
	second := a.svc.watermark(ctx, "peer-x")
	if second <= first {
		t.Fatalf("watermark should move forward: %d -> %d", first, second)
	}

	// A clock step backwards must not rewind the marker.
	a.clock.Advance(-30 * time.Minute)
	a.svc.advanceWatermark(ctx, "peer-x")
	if got := a.svc.watermark(ctx, "peer-x"); got != second {
		t.Fatalf("watermark went backwards: %d -> %d", second, got)
	}
}

func TestMissedMessagesPull(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	if _, err := a.svc.SendMessage(ctx, b.id(), "lost in transit"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool { return len(historyBodies(t, b, a.id())) == 1 })

	// Simulate loss on the recipient side.
	entries, _ := b.store.List(ctx, pairPrefix(a.id(), b.id()))
	for _, e := range entries {
		if err := b.store.Delete(ctx, e.Key); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(historyBodies(t, b, a.id())); got != 0 {
		t.Fatalf("history should be empty after loss, got %d", got)
	}

	// A pull from the beginning of time recovers it, re-sealed for the
	// requester's key.
	tid, _ := b.linkFor(a.id())
	b.svc.requestMissedContent(a.id(), tid, 0)

	waitFor(t, "recovery", func() bool { return len(historyBodies(t, b, a.id())) == 1 })
	got, _ := b.svc.History(ctx, a.id())
	if got[0].Plaintext != "lost in transit" {
		t.Fatalf("recovered %q", got[0].Plaintext)
	}
	if !got[0].Message.Encrypted {
		t.Fatal("recovered message should be sealed for the requester")
	}

	// A second pull converges without duplicating.
	b.svc.requestMissedContent(a.id(), tid, 0)
	time.Sleep(50 * time.Millisecond)
	if got := len(historyBodies(t, b, a.id())); got != 1 {
		t.Fatalf("repeat pull duplicated: %d entries", got)
	}
}

func TestMissedPostsPull(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	post, err := a.svc.SharePostWithFriends(ctx, "breaking news")
	if err != nil {
		t.Fatal(err)
	}
	waitFor(t, "fanout", func() bool {
		posts, _ := b.svc.Posts(ctx, a.id())
		return len(posts) == 1
	})

	// Lose the copy, pull it back.
	if err := b.store.Delete(ctx, postKey(post.ID)); err != nil {
		t.Fatal(err)
	}
	tid, _ := b.linkFor(a.id())
	b.svc.requestMissedContent(a.id(), tid, 0)

	waitFor(t, "post recovery", func() bool {
		posts, _ := b.svc.Posts(ctx, a.id())
		return len(posts) == 1
	})

	// Repeat pulls converge.
	b.svc.requestMissedContent(a.id(), tid, 0)
	time.Sleep(50 * time.Millisecond)
	posts, _ := b.svc.Posts(ctx, a.id())
	if len(posts) != 1 {
		t.Fatalf("repeat pull duplicated posts: %d", len(posts))
	}
	if posts[0].Body != "breaking news" {
		t.Fatalf("recovered %q", posts[0].Body)
	}
}

func TestReconcileRespondsOnlyWithOwnMessages(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	// Both directions have traffic.
	if _, err := a.svc.SendMessage(ctx, b.id(), "from alice"); err != nil {
		t.Fatal(err)
	}
	if _, err := b.svc.SendMessage(ctx, a.id(), "from bob"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "both delivered", func() bool {
		return len(historyBodies(t, a, b.id())) == 2 && len(historyBodies(t, b, a.id())) == 2
	})

	// Wipe b's whole conversation and pull from a: only alice's half
	// comes back, since a answers solely for content it authored.
	entries, _ := b.store.List(ctx, pairPrefix(a.id(), b.id()))
	for _, e := range entries {
		_ = b.store.Delete(ctx, e.Key)
	}

	tid, _ := b.linkFor(a.id())
	b.svc.requestMissedContent(a.id(), tid, 0)

	waitFor(t, "partial recovery", func() bool { return len(historyBodies(t, b, a.id())) == 1 })
	got, _ := b.svc.History(ctx, a.id())
	if got[0].Plaintext != "from alice" {
		t.Fatalf("expected alice's message only, got %q", got[0].Plaintext)
	}
}

func TestReconcileWindowBoundsPull(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	if _, err := a.svc.SendMessage(ctx, b.id(), "ancient history"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool { return len(historyBodies(t, b, a.id())) == 1 })

	entries, _ := b.store.List(ctx, pairPrefix(a.id(), b.id()))
	for _, e := range entries {
		_ = b.store.Delete(ctx, e.Key)
	}

	// Push a's clock far past the reconcile window; the old message now
	// sits outside what a is willing to replay.
	a.clock.Advance(a.svc.opts.ReconcileWindow + time.Hour)

	tid, _ := b.linkFor(a.id())
	b.svc.requestMissedContent(a.id(), tid, 0)
	time.Sleep(50 * time.Millisecond)

	if got := len(historyBodies(t, b, a.id())); got != 0 {
		t.Fatalf("message outside the window should not replay, got %d", got)
	}
}

func TestMissedMessagesLegacyFallbackForKeylessPeer(t *testing.T) {
	ctx := context.Background()
	mesh := transport.NewMesh()
	a := newTestNode(t, mesh, "alice")
	b := newTestNode(t, mesh, "bob")
	befriend(t, a, b)

	if _, err := a.svc.SendMessage(ctx, b.id(), "plain catch-up"); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "delivery", func() bool {
		return len(historyBodies(t, b, a.id())) == 1
	})

	// Drop the recipient copy and forget bob's key on alice's side, as
	// if he had only ever announced without one.
	entries, _ := b.store.List(ctx, pairPrefix(a.id(), b.id()))
	for _, e := range entries {
		_ = b.store.Delete(ctx, e.Key)
	}
	var friend models.Friend
	if found, _ := a.svc.getJSON(ctx, friendKey(b.id()), &friend); !found {
		t.Fatal("friend record missing")
	}
	friend.EncKey = ""
	if err := a.svc.saveFriend(ctx, &friend); err != nil {
		t.Fatal(err)
	}

	tid, ok := b.linkFor(a.id())
	if !ok {
		t.Fatal("no link to alice")
	}
	b.svc.requestMissedContent(a.id(), tid, 0)

	waitFor(t, "legacy recovery", func() bool {
		bodies := historyBodies(t, b, a.id())
		return len(bodies) == 1 && bodies[0] == "plain catch-up"
	})

	entries, _ = b.store.List(ctx, pairPrefix(a.id(), b.id()))
	if len(entries) != 1 {
		t.Fatalf("expected one recovered record, got %d", len(entries))
	}
	var msg models.ChatMessage
	if err := json.Unmarshal(entries[0].Value, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Encrypted {
		t.Fatal("key-less recovery should carry the legacy plaintext flag")
	}
}
