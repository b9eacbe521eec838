package peersync

import (
	"context"
	"encoding/json"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/metrics"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
)

// The outbox is a durable per-recipient FIFO. Items are removed one at a
// time after each confirmed transmission; the first failed send aborts
// the rest of the flush so ordering is never violated by skipping past a
// failure.

func (s *Service) enqueueMessage(ctx context.Context, recipient string, msg *models.ChatMessage) error {
	item := models.QueuedItem{
		ID:       s.newULID(),
		Kind:     models.QueuedMessage,
		Message:  msg,
		QueuedAt: s.nowMilli(),
	}
	return s.enqueue(ctx, recipient, &item)
}

func (s *Service) enqueuePost(ctx context.Context, recipient string, post *models.Post) error {
	item := models.QueuedItem{
		ID:       s.newULID(),
		Kind:     models.QueuedPost,
		Post:     post,
		QueuedAt: s.nowMilli(),
	}
	return s.enqueue(ctx, recipient, &item)
}

func (s *Service) enqueue(ctx context.Context, recipient string, item *models.QueuedItem) error {
	if err := s.putJSON(ctx, outboxKey(recipient, item.ID), item); err != nil {
		return err
	}
	metrics.OutboxQueued.Inc()
	if item.Kind == models.QueuedMessage {
		metrics.MessagesSent.WithLabelValues(string(SendQueued)).Inc()
	}
	s.log.Debug().Str("identity", shortID(recipient)).Str("kind", item.Kind).Msg("queued for offline delivery")
	return nil
}

// OutboxDepth reports the number of undelivered items for a recipient.
func (s *Service) OutboxDepth(ctx context.Context, recipient string) (int, error) {
	entries, err := s.opts.Store.List(ctx, outboxPrefix(recipient))
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// flushOutbox drains the queue for an identity that just came online.
// Earliest first; stops at the first failure, leaving the remainder for
// the next opportunity.
func (s *Service) flushOutbox(ctx context.Context, identity, transportID string) {
	entries, err := s.opts.Store.List(ctx, outboxPrefix(identity))
	if err != nil {
		s.log.Warn().Err(err).Msg("listing outbox failed")
		return
	}
	if len(entries) == 0 {
		return
	}

	var friend models.Friend
	found, err := s.getJSON(ctx, friendKey(identity), &friend)
	if err != nil || !found {
		return
	}

	sent := 0
	for _, e := range entries {
		var item models.QueuedItem
		if err := json.Unmarshal(e.Value, &item); err != nil {
			// Unreadable entries would wedge the queue forever; drop them.
			s.log.Warn().Str("key", e.Key).Msg("dropping unreadable outbox item")
			_ = s.opts.Store.Delete(ctx, e.Key)
			continue
		}

		if err := s.sendQueuedItem(ctx, &friend, transportID, &item); err != nil {
			metrics.OutboxFlushAborts.Inc()
			s.log.Info().Err(err).
				Str("identity", shortID(identity)).
				Int("delivered", sent).
				Int("remaining", len(entries)-sent).
				Msg("outbox flush aborted, will retry on next reconnect")
			return
		}
		// Confirmed sent; only now does the item leave the queue.
		if err := s.opts.Store.Delete(ctx, e.Key); err != nil {
			s.log.Warn().Err(err).Msg("clearing sent outbox item failed")
			return
		}
		sent++
		metrics.OutboxFlushed.Inc()
	}

	if sent > 0 {
		s.log.Info().Str("identity", shortID(identity)).Int("items", sent).Msg("outbox flushed")
	}
}

func (s *Service) sendQueuedItem(ctx context.Context, friend *models.Friend, transportID string, item *models.QueuedItem) error {
	switch item.Kind {
	case models.QueuedMessage:
		if item.Message == nil {
			return nil
		}
		// Queued messages hold plaintext; encryption happens now, under
		// the key the recipient announced this session.
		msg := *item.Message
		return s.transmitMessage(ctx, friend, transportID, &msg, item.Message.Body)
	case models.QueuedPost:
		if item.Post == nil {
			return nil
		}
		env := &protocol.Envelope{
			Type:      protocol.TypeSharedPost,
			Timestamp: item.Post.Timestamp,
			Post:      item.Post,
		}
		return s.send(transportID, env)
	default:
		return nil
	}
}
