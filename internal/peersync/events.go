package peersync

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
)

// Event is the tagged union delivered to subscribers. Each variant
// carries its own payload type; consumers switch on the concrete type.
type Event interface {
	isEvent()
}

// FriendListUpdated signals that friend records changed and lists should
// be re-read.
type FriendListUpdated struct{}

// FriendRequestReceived carries a newly arrived pending request.
type FriendRequestReceived struct {
	Request models.FriendRequest
}

// FriendRequestAccepted fires on both sides of a completed handshake
// with the resulting friend record.
type FriendRequestAccepted struct {
	Friend models.Friend
}

// FriendRequestRejected fires on the requester side when the other peer
// declines.
type FriendRequestRejected struct {
	Identity string
}

// PeerOnline fires when a friend's identity handshake completes.
type PeerOnline struct {
	Identity string
}

// PeerOffline fires when a friend's transport session ends or times out.
type PeerOffline struct {
	Identity string
}

// PeerDiscovered fires for identity announcements from non-friends; the
// pairing is transient and creates no persistent state.
type PeerDiscovered struct {
	Identity string
	Profile  models.Profile
}

// MessageReceived carries a stored inbound message plus its
// decrypted-for-display projection.
type MessageReceived struct {
	Message       models.ChatMessage
	Plaintext     string
	DecryptFailed bool
}

// PostReceived carries a post shared by a friend.
type PostReceived struct {
	Post models.Post
}

// PostShared confirms a locally authored post was stored and fanned out.
type PostShared struct {
	Post models.Post
}

// ContentPullRequested fires when a missed-content pull is sent to a
// friend.
type ContentPullRequested struct {
	Identity string
}

// MissedContentReceived signals that reconciliation ingested new items
// and the UI should refresh.
type MissedContentReceived struct {
	From     string
	Messages int
	Posts    int
}

// MeshStateChanged reports mesh-level connectivity flips.
type MeshStateChanged struct {
	Connected bool
}

func (FriendListUpdated) isEvent()     {}
func (FriendRequestReceived) isEvent() {}
func (FriendRequestAccepted) isEvent() {}
func (FriendRequestRejected) isEvent() {}
func (PeerOnline) isEvent()            {}
func (PeerOffline) isEvent()           {}
func (PeerDiscovered) isEvent()        {}
func (MessageReceived) isEvent()       {}
func (PostReceived) isEvent()          {}
func (PostShared) isEvent()            {}
func (ContentPullRequested) isEvent()  {}
func (MissedContentReceived) isEvent() {}
func (MeshStateChanged) isEvent()      {}

const eventBuffer = 128

// Bus fans events out to subscribers. Publishing never blocks: a
// subscriber that stops draining loses events rather than stalling the
// engine's event path.
type Bus struct {
	mu     sync.Mutex
	subs   []chan Event
	closed bool
	log    zerolog.Logger
}

func newBus(log zerolog.Logger) *Bus {
	return &Bus{log: log}
}

// Subscribe registers a new consumer. The channel is closed when the
// service stops.
func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, eventBuffer)
	if b.closed {
		close(ch)
		return ch
	}
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn().Type("event", ev).Msg("event subscriber full, dropping")
		}
	}
}

func (b *Bus) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}
