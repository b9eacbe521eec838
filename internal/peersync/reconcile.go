package peersync

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/metrics"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
)

// Reconciliation is pull-based: after each live contact with a friend we
// remember the moment as a watermark, and on the next reconnect we ask
// that friend for everything they produced for us since then. Each side
// only ever answers for content it authored itself, so a malicious or
// buggy peer cannot forge history on behalf of a third party.

func (s *Service) watermark(ctx context.Context, identity string) int64 {
	raw, found, err := s.opts.Store.Get(ctx, watermarkKey(identity))
	if err != nil || !found {
		return 0
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0
	}
	return ms
}

// advanceWatermark moves the last-contact marker forward. It never goes
// backwards, so a delayed or replayed envelope cannot widen the next
// reconcile window.
func (s *Service) advanceWatermark(ctx context.Context, identity string) {
	now := s.nowMilli()
	if prev := s.watermark(ctx, identity); prev >= now {
		return
	}
	key := watermarkKey(identity)
	if err := s.opts.Store.Put(ctx, key, []byte(strconv.FormatInt(now, 10))); err != nil {
		s.log.Warn().Err(err).Str("identity", shortID(identity)).Msg("advancing watermark failed")
	}
}

// flushAndReconcile runs the reconnect sequence for a friend: deliver our
// queued backlog first, then pull whatever they produced while we were
// apart. since is the watermark captured before this contact advanced it.
func (s *Service) flushAndReconcile(identity, transportID string, since int64) {
	ctx := context.Background()
	s.flushOutbox(ctx, identity, transportID)
	s.requestMissedContent(identity, transportID, since)
}

func (s *Service) requestMissedContent(identity, transportID string, since int64) {
	now := s.nowMilli()
	for _, typ := range []string{protocol.TypeMissedMessagesReq, protocol.TypeMissedPostsReq} {
		env := &protocol.Envelope{
			Type:      typ,
			RequestID: uuid.New().String(),
			Since:     since,
			Timestamp: now,
		}
		if err := s.send(transportID, env); err != nil {
			s.log.Debug().Err(err).Str("identity", shortID(identity)).Msg("reconcile request failed")
			return
		}
	}
	s.bus.publish(ContentPullRequested{Identity: identity})
}

// reconcileFloor bounds how far back a peer can ask us to look.
func (s *Service) reconcileFloor(since int64) int64 {
	floor := s.nowMilli() - s.opts.ReconcileWindow.Milliseconds()
	if since > floor {
		return since
	}
	return floor
}

// handleMissedMessagesReq answers a friend's pull with the messages we
// sent them after their watermark. Our stored copies are sealed under
// our own key, so each one is opened and re-sealed for the requester's
// current key before it goes on the wire.
func (s *Service) handleMissedMessagesReq(transportID string, env *protocol.Envelope) {
	requester, ok := s.senderFor(transportID)
	if !ok {
		return
	}
	ctx := context.Background()

	var friend models.Friend
	found, err := s.getJSON(ctx, friendKey(requester), &friend)
	if err != nil || !found {
		return
	}

	entries, err := s.opts.Store.List(ctx, pairPrefix(s.id, requester))
	if err != nil {
		s.log.Warn().Err(err).Msg("listing conversation for reconcile failed")
		return
	}

	floor := s.reconcileFloor(env.Since)
	var missed []models.ChatMessage
	for _, e := range entries {
		var msg models.ChatMessage
		if err := json.Unmarshal(e.Value, &msg); err != nil {
			continue
		}
		// Only our own outbound half; the requester re-pulls their own
		// sends from nobody.
		if msg.From != s.id || msg.To != requester || msg.Timestamp <= floor {
			continue
		}
		out := msg
		if msg.Encrypted {
			plaintext, err := s.opts.Cipher.Open(msg.Body)
			if err != nil {
				s.log.Debug().Err(err).Str("id", msg.ID).Msg("cannot reopen own copy for reconcile")
				continue
			}
			if friend.EncKey == "" {
				// Same legacy fallback as a live send to a key-less
				// peer: plaintext behind an explicit encrypted=false.
				out.Body = plaintext
				out.Encrypted = false
			} else {
				resealed, err := s.opts.Cipher.Seal(plaintext, friend.EncKey)
				if err != nil {
					continue
				}
				out.Body = resealed
			}
		}
		missed = append(missed, out)
		if len(missed) >= s.opts.ReconcileLimit {
			break
		}
	}

	reply := &protocol.Envelope{
		Type:      protocol.TypeMissedMessages,
		RequestID: env.RequestID,
		Messages:  missed,
		Timestamp: s.nowMilli(),
	}
	if err := s.send(transportID, reply); err != nil {
		s.log.Debug().Err(err).Str("identity", shortID(requester)).Msg("sending missed messages failed")
	}
}

// handleMissedMessages ingests a reconcile reply. Everything is applied
// idempotently keyed by message id, so overlapping windows and repeated
// pulls converge instead of duplicating.
func (s *Service) handleMissedMessages(transportID string, env *protocol.Envelope) {
	sender, ok := s.senderFor(transportID)
	if !ok || len(env.Messages) == 0 {
		return
	}
	ctx := context.Background()

	var ingested []ChatEntry
	for i := range env.Messages {
		msg := &env.Messages[i]
		if msg.ID == "" {
			continue
		}
		// A reconcile reply may only carry the sender's own messages.
		if msg.From != sender || msg.To != s.id {
			continue
		}
		fresh, err := s.storeMessageIfAbsent(ctx, msg)
		if err != nil {
			s.log.Warn().Err(err).Msg("storing reconciled message failed")
			continue
		}
		if !fresh {
			continue
		}
		metrics.ReconcileItems.WithLabelValues("message").Inc()
		ingested = append(ingested, s.project(msg))
	}

	s.advanceWatermark(ctx, sender)
	if len(ingested) > 0 {
		s.log.Info().Str("identity", shortID(sender)).Int("messages", len(ingested)).Msg("reconciled missed messages")
		s.bus.publish(MissedContentReceived{From: sender, Messages: len(ingested)})
		for _, entry := range ingested {
			s.bus.publish(MessageReceived{Message: entry.Message, Plaintext: entry.Plaintext, DecryptFailed: entry.DecryptFailed})
		}
	}
}

// handleMissedPostsReq answers with posts we authored after the floor.
func (s *Service) handleMissedPostsReq(transportID string, env *protocol.Envelope) {
	requester, ok := s.senderFor(transportID)
	if !ok {
		return
	}
	ctx := context.Background()

	entries, err := s.opts.Store.List(ctx, "post/")
	if err != nil {
		s.log.Warn().Err(err).Msg("listing posts for reconcile failed")
		return
	}

	floor := s.reconcileFloor(env.Since)
	var missed []models.Post
	for _, e := range entries {
		var post models.Post
		if err := json.Unmarshal(e.Value, &post); err != nil {
			continue
		}
		if post.Author != s.id || post.Timestamp <= floor {
			continue
		}
		missed = append(missed, post)
		if len(missed) >= s.opts.ReconcileLimit {
			break
		}
	}

	reply := &protocol.Envelope{
		Type:      protocol.TypeMissedPosts,
		RequestID: env.RequestID,
		Posts:     missed,
		Timestamp: s.nowMilli(),
	}
	if err := s.send(transportID, reply); err != nil {
		s.log.Debug().Err(err).Str("identity", shortID(requester)).Msg("sending missed posts failed")
	}
}

func (s *Service) handleMissedPosts(transportID string, env *protocol.Envelope) {
	sender, ok := s.senderFor(transportID)
	if !ok || len(env.Posts) == 0 {
		return
	}
	ctx := context.Background()

	ingested := s.ingestPosts(ctx, sender, env.Posts)
	s.advanceWatermark(ctx, sender)
	if ingested > 0 {
		s.log.Info().Str("identity", shortID(sender)).Int("posts", ingested).Msg("reconciled missed posts")
		s.bus.publish(MissedContentReceived{From: sender, Posts: ingested})
	}
}

// ingestPosts stores the sender-authored posts not seen before and
// returns how many were fresh.
func (s *Service) ingestPosts(ctx context.Context, sender string, posts []models.Post) int {
	ingested := 0
	for i := range posts {
		post := posts[i]
		if post.ID == "" || post.Author != sender {
			continue
		}
		_, found, err := s.opts.Store.Get(ctx, postKey(post.ID))
		if err != nil || found {
			continue
		}
		if err := s.putJSON(ctx, postKey(post.ID), &post); err != nil {
			s.log.Warn().Err(err).Msg("storing reconciled post failed")
			continue
		}
		metrics.ReconcileItems.WithLabelValues("post").Inc()
		ingested++
		s.bus.publish(PostReceived{Post: post})
	}
	return ingested
}

// requestRecentPosts asks a brand-new friend for their latest posts.
// Unlike the watermark pull this is not tied to a previous contact; a
// fresh friendship starts with whatever the friend published lately.
func (s *Service) requestRecentPosts(identity, transportID string) {
	env := &protocol.Envelope{
		Type:      protocol.TypeRecentPostsReq,
		RequestID: uuid.New().String(),
		Timestamp: s.nowMilli(),
	}
	if err := s.send(transportID, env); err != nil {
		s.log.Debug().Err(err).Str("identity", shortID(identity)).Msg("recent posts request failed")
	}
}

// handleRecentPostsReq replies with the newest posts we authored,
// capped at the reconcile limit.
func (s *Service) handleRecentPostsReq(transportID string, env *protocol.Envelope) {
	if _, ok := s.senderFor(transportID); !ok {
		return
	}
	ctx := context.Background()

	entries, err := s.opts.Store.List(ctx, "post/")
	if err != nil {
		s.log.Warn().Err(err).Msg("listing posts for recent-posts reply failed")
		return
	}

	var own []models.Post
	for _, e := range entries {
		var post models.Post
		if err := json.Unmarshal(e.Value, &post); err != nil {
			continue
		}
		if post.Author != s.id {
			continue
		}
		own = append(own, post)
	}
	// Post keys are ULIDs, so entries arrive oldest first; keep the tail.
	if len(own) > s.opts.ReconcileLimit {
		own = own[len(own)-s.opts.ReconcileLimit:]
	}

	reply := &protocol.Envelope{
		Type:      protocol.TypeRecentPosts,
		RequestID: env.RequestID,
		Posts:     own,
		Timestamp: s.nowMilli(),
	}
	if err := s.send(transportID, reply); err != nil {
		s.log.Debug().Err(err).Msg("sending recent posts failed")
	}
}

func (s *Service) handleRecentPosts(transportID string, env *protocol.Envelope) {
	sender, ok := s.senderFor(transportID)
	if !ok || len(env.Posts) == 0 {
		return
	}
	ctx := context.Background()

	if n := s.ingestPosts(ctx, sender, env.Posts); n > 0 {
		s.log.Info().Str("identity", shortID(sender)).Int("posts", n).Msg("received recent posts from new friend")
		s.bus.publish(MissedContentReceived{From: sender, Posts: n})
	}
}
