package models

// ChatMessage is one stored direct message. Append-only: records are
// never mutated after creation; decryption for display happens as a
// projection over the stored ciphertext.
type ChatMessage struct {
	ID        string `json:"id"` // ULID
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`      // sealed-box ciphertext (base64), or plaintext when !Encrypted
	Encrypted bool   `json:"encrypted"` // false only for legacy sends to peers with no known key
	Timestamp int64  `json:"ts"`        // Unix ms
}

// Post is share-fanout content pushed to friends and replayed during
// reconciliation.
type Post struct {
	ID        string `json:"id"` // ULID
	Author    string `json:"author"`
	Body      string `json:"body"`
	Timestamp int64  `json:"ts"` // Unix ms
}

// Queued item kinds.
const (
	QueuedMessage = "message"
	QueuedPost    = "post"
)

// QueuedItem is one undelivered entry in a recipient's outbox. Messages
// are queued as plaintext and encrypted at flush time, since the
// recipient's encryption key may rotate while they are offline.
type QueuedItem struct {
	ID       string       `json:"id"` // ULID; lexical order is queue order
	Kind     string       `json:"kind"`
	Message  *ChatMessage `json:"message,omitempty"`
	Post     *Post        `json:"post,omitempty"`
	QueuedAt int64        `json:"queued_at"` // Unix ms
}
