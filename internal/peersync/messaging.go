package peersync

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/oklog/ulid/v2"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/metrics"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
)

// SendOutcome is the result of a send attempt. Queued is a success:
// eventual delivery is the contract, not immediate delivery.
type SendOutcome string

const (
	SendDelivered SendOutcome = "delivered"
	SendQueued    SendOutcome = "queued"
)

// ChatEntry is the decrypted-for-display projection over a stored
// message. The stored record itself is never rewritten.
type ChatEntry struct {
	Message       models.ChatMessage
	Plaintext     string
	DecryptFailed bool
}

// newULID generates a monotonic, time-ordered id; lexical order of ids
// matches generation order, which the outbox relies on.
func (s *Service) newULID() string {
	return ulid.Make().String()
}

// SendMessage delivers plaintext to a friend, queueing when they are
// offline or unreachable. Transport failures degrade to queued; the only
// error cases are storage faults and unknown recipients.
func (s *Service) SendMessage(ctx context.Context, recipient, plaintext string) (SendOutcome, error) {
	var friend models.Friend
	found, err := s.getJSON(ctx, friendKey(recipient), &friend)
	if err != nil {
		return "", err
	}
	if !found {
		return "", ErrNotFriend
	}

	msg := models.ChatMessage{
		ID:        s.newULID(),
		From:      s.id,
		To:        recipient,
		Body:      plaintext, // queued form; encrypted at transmit time
		Timestamp: s.nowMilli(),
	}

	if friend.Status == models.StatusOffline {
		if err := s.enqueueMessage(ctx, recipient, &msg); err != nil {
			return "", err
		}
		return SendQueued, nil
	}

	tid, ok := s.resolve(recipient)
	if !ok {
		// Status said online but no mapping exists. Self-heal: demote
		// and queue rather than drop.
		friend.Status = models.StatusOffline
		if err := s.saveFriend(ctx, &friend); err != nil {
			s.log.Warn().Err(err).Msg("demoting friend to offline failed")
		}
		if err := s.enqueueMessage(ctx, recipient, &msg); err != nil {
			return "", err
		}
		return SendQueued, nil
	}

	if err := s.transmitMessage(ctx, &friend, tid, &msg, plaintext); err != nil {
		if err := s.enqueueMessage(ctx, recipient, &msg); err != nil {
			return "", err
		}
		return SendQueued, nil
	}

	metrics.MessagesSent.WithLabelValues(string(SendDelivered)).Inc()
	return SendDelivered, nil
}

// transmitMessage encrypts for the recipient's current key, sends, and
// on success persists a copy sealed under our own key so sent history
// stays readable with only our private key.
func (s *Service) transmitMessage(ctx context.Context, friend *models.Friend, transportID string, msg *models.ChatMessage, plaintext string) error {
	body, encrypted := s.encryptFor(friend, plaintext)
	env := &protocol.Envelope{
		Type:      protocol.TypeChatMessage,
		Timestamp: msg.Timestamp,
		ID:        msg.ID,
		Content:   body,
		Encrypted: encrypted,
	}
	if err := s.send(transportID, env); err != nil {
		return err
	}

	record := *msg
	if ownBody, err := s.opts.Cipher.Seal(plaintext, s.id); err == nil {
		record.Body = ownBody
		record.Encrypted = true
	} else {
		// Never lose the record over a local crypto fault.
		s.log.Warn().Err(err).Msg("sealing own copy failed, storing plaintext")
		record.Body = plaintext
		record.Encrypted = false
	}
	return s.storeMessage(ctx, &record)
}

// encryptFor seals plaintext for a friend's current key. Peers with no
// known key get legacy plaintext behind an explicit encrypted=false flag
// rather than a failed send.
func (s *Service) encryptFor(friend *models.Friend, plaintext string) (string, bool) {
	if friend.EncKey == "" {
		return plaintext, false
	}
	body, err := s.opts.Cipher.Seal(plaintext, friend.EncKey)
	if err != nil {
		s.log.Warn().Err(err).Str("identity", shortID(friend.Identity)).Msg("encryption failed, sending legacy plaintext")
		return plaintext, false
	}
	return body, true
}

// storeMessage persists a message if its id is not already present.
// Returns whether the record was new.
func (s *Service) storeMessageIfAbsent(ctx context.Context, msg *models.ChatMessage) (bool, error) {
	key := messageKey(msg.From, msg.To, msg.ID)
	_, found, err := s.opts.Store.Get(ctx, key)
	if err != nil || found {
		return false, err
	}
	return true, s.putJSON(ctx, key, msg)
}

func (s *Service) storeMessage(ctx context.Context, msg *models.ChatMessage) error {
	return s.putJSON(ctx, messageKey(msg.From, msg.To, msg.ID), msg)
}

// handleChatMessage stores and surfaces an inbound direct message.
// Undecryptable content is kept with a placeholder, never dropped.
func (s *Service) handleChatMessage(transportID string, env *protocol.Envelope) {
	s.mu.Lock()
	sender := s.rlinks[transportID]
	s.mu.Unlock()
	if sender == "" {
		// No completed handshake for this transport; unattributable.
		s.log.Debug().Str("transport", transportID).Msg("chat from unmapped transport dropped")
		return
	}

	msg := models.ChatMessage{
		ID:        env.ID,
		From:      sender,
		To:        s.id,
		Body:      env.Content,
		Encrypted: env.Encrypted,
		Timestamp: env.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = s.newULID()
	}
	if msg.Timestamp == 0 {
		msg.Timestamp = s.nowMilli()
	}

	ctx := context.Background()
	fresh, err := s.storeMessageIfAbsent(ctx, &msg)
	if err != nil {
		s.log.Warn().Err(err).Msg("persisting inbound message failed")
		return
	}
	if !fresh {
		return // duplicate redelivery
	}

	s.advanceWatermark(ctx, sender)
	metrics.MessagesReceived.Inc()

	entry := s.project(&msg)
	s.bus.publish(MessageReceived{Message: msg, Plaintext: entry.Plaintext, DecryptFailed: entry.DecryptFailed})
}

// project produces the display form of a stored message.
func (s *Service) project(msg *models.ChatMessage) ChatEntry {
	entry := ChatEntry{Message: *msg}
	if !msg.Encrypted {
		entry.Plaintext = msg.Body
		return entry
	}
	plaintext, err := s.opts.Cipher.Open(msg.Body)
	if err != nil {
		metrics.DecryptFailures.Inc()
		entry.DecryptFailed = true
		entry.Plaintext = "[unable to decrypt]"
		return entry
	}
	entry.Plaintext = plaintext
	return entry
}

// History returns the merged conversation with a peer: both directions,
// sorted by timestamp, each record carrying its decrypted projection.
func (s *Service) History(ctx context.Context, peer string) ([]ChatEntry, error) {
	entries, err := s.opts.Store.List(ctx, pairPrefix(s.id, peer))
	if err != nil {
		return nil, err
	}

	out := make([]ChatEntry, 0, len(entries))
	for _, e := range entries {
		var msg models.ChatMessage
		if err := json.Unmarshal(e.Value, &msg); err != nil {
			s.log.Warn().Str("key", e.Key).Msg("skipping unreadable message record")
			continue
		}
		out = append(out, s.project(&msg))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Message.Timestamp < out[j].Message.Timestamp
	})
	return out, nil
}
