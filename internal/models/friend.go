package models

import "time"

// ConnectionStatus reflects whether a live transport session exists for a
// friend right now. It is derived state: persisted copies are reset to
// offline on startup and only a completed identity handshake moves a
// friend back to online.
type ConnectionStatus string

const (
	StatusOnline     ConnectionStatus = "online"
	StatusOffline    ConnectionStatus = "offline"
	StatusConnecting ConnectionStatus = "connecting"
)

// Profile is the display information a peer shares about itself.
type Profile struct {
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Friend is an accepted relationship, keyed by the peer's stable identity
// (base64 Ed25519 public key). Transport ids are never stored here.
type Friend struct {
	Identity string           `json:"identity"`
	Profile  Profile          `json:"profile"`
	EncKey   string           `json:"enc_key,omitempty"` // current encryption-capable key, may rotate per session
	Status   ConnectionStatus `json:"status"`
	AddedAt  time.Time        `json:"added_at"`
	LastSeen time.Time        `json:"last_seen"`
}

// FriendRequest is a pending incoming request. It exists only while
// undecided: accept and reject both remove the record.
type FriendRequest struct {
	ID        string    `json:"id"`
	From      string    `json:"from"` // requester identity
	Profile   Profile   `json:"profile"`
	EncKey    string    `json:"enc_key,omitempty"` // requester's encryption key at request time
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Follow is a one-way content subscription. Accepting a friend request
// creates one implicitly so the new friend's posts show up without a
// separate step.
type Follow struct {
	Identity   string    `json:"identity"`
	Profile    Profile   `json:"profile"`
	FollowedAt time.Time `json:"followed_at"`
}
