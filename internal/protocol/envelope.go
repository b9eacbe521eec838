// Package protocol defines the wire envelope exchanged between peers.
// Every message is a single JSON object with a declared type; request and
// response messages correlate through a requester-generated request_id.
package protocol

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
)

// Wire message types.
const (
	TypeIdentityAnnounce  = "identity-announce"
	TypeFriendRequest     = "friend-request"
	TypeFriendResponse    = "friend-response"
	TypeChatMessage       = "chat-message"
	TypeSharedPost        = "shared-post"
	TypeMissedMessagesReq = "request-missed-messages"
	TypeMissedMessages    = "missed-messages"
	TypeMissedPostsReq    = "request-missed-posts"
	TypeMissedPosts       = "missed-posts"
	TypeRecentPostsReq    = "request-recent-posts"
	TypeRecentPosts       = "recent-posts"
	TypePing              = "ping"
	TypePong              = "pong"
)

// Envelope is the wire message. Only the fields relevant to a given type
// are populated; the rest marshal away under omitempty.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"ts"` // Unix ms, sender clock
	RequestID string `json:"request_id,omitempty"`

	// identity-announce
	Identity  string          `json:"identity,omitempty"`
	EncKey    string          `json:"enc_key,omitempty"`
	Profile   *models.Profile `json:"profile,omitempty"`
	Signature string          `json:"sig,omitempty"`

	// friend-request / friend-response
	Message  string `json:"message,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`

	// chat-message
	ID        string `json:"id,omitempty"`
	Content   string `json:"content,omitempty"`
	Encrypted bool   `json:"encrypted,omitempty"`

	// shared-post and reconciliation
	Post     *models.Post         `json:"post,omitempty"`
	Since    int64                `json:"since,omitempty"`
	Messages []models.ChatMessage `json:"messages,omitempty"`
	Posts    []models.Post        `json:"posts,omitempty"`
}

// Encode marshals the envelope for transmission.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// IsLiveness reports whether the envelope is ping/pong traffic, which is
// high frequency and excluded from per-message logging.
func (e *Envelope) IsLiveness() bool {
	return e.Type == TypePing || e.Type == TypePong
}

// Decode parses a raw transport payload. Peers on older versions send
// bare text instead of a typed envelope, so anything that is not a JSON
// object but is valid text is folded into a plaintext chat message.
// Returns nil for payloads that are neither: the mesh delivers noise and
// dropping it is expected behavior, not an error.
func Decode(raw []byte) *Envelope {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		if env.Type != "" {
			return &env
		}
		// Untyped object carrying content: infer chat.
		if env.Content != "" {
			env.Type = TypeChatMessage
			return &env
		}
		return nil
	}

	if len(raw) == 0 || !utf8.Valid(raw) {
		return nil
	}
	return &Envelope{
		Type:    TypeChatMessage,
		Content: string(raw),
	}
}
