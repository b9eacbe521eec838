package peersync

import (
	"context"
	"encoding/json"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
)

// SharePostWithFriends stores a post and fans it out: online friends get
// it immediately, offline friends get a queued copy delivered on their
// next reconnect.
func (s *Service) SharePostWithFriends(ctx context.Context, body string) (models.Post, error) {
	post := models.Post{
		ID:        s.newULID(),
		Author:    s.id,
		Body:      body,
		Timestamp: s.nowMilli(),
	}
	if err := s.putJSON(ctx, postKey(post.ID), &post); err != nil {
		return models.Post{}, err
	}

	friends, err := s.listFriends(ctx)
	if err != nil {
		return models.Post{}, err
	}
	env := &protocol.Envelope{
		Type:      protocol.TypeSharedPost,
		Timestamp: post.Timestamp,
		Post:      &post,
	}
	for i := range friends {
		f := &friends[i]
		tid, ok := s.resolve(f.Identity)
		if f.Status == models.StatusOffline || !ok {
			if err := s.enqueuePost(ctx, f.Identity, &post); err != nil {
				s.log.Warn().Err(err).Str("identity", shortID(f.Identity)).Msg("queueing post failed")
			}
			continue
		}
		if err := s.send(tid, env); err != nil {
			if err := s.enqueuePost(ctx, f.Identity, &post); err != nil {
				s.log.Warn().Err(err).Str("identity", shortID(f.Identity)).Msg("queueing post failed")
			}
		}
	}

	s.bus.publish(PostShared{Post: post})
	return post, nil
}

// handleSharedPost ingests a post pushed by a friend.
func (s *Service) handleSharedPost(transportID string, env *protocol.Envelope) {
	if env.Post == nil || env.Post.ID == "" {
		return
	}
	s.mu.Lock()
	sender := s.rlinks[transportID]
	s.mu.Unlock()
	if sender == "" {
		s.log.Debug().Str("transport", transportID).Msg("post from unmapped transport dropped")
		return
	}

	post := *env.Post
	if post.Author == "" {
		post.Author = sender
	}

	ctx := context.Background()
	key := postKey(post.ID)
	if _, found, err := s.opts.Store.Get(ctx, key); err != nil || found {
		return
	}
	if err := s.putJSON(ctx, key, &post); err != nil {
		s.log.Warn().Err(err).Msg("persisting post failed")
		return
	}

	s.advanceWatermark(ctx, sender)
	s.bus.publish(PostReceived{Post: post})
}

// Posts returns stored posts, newest last. When author is non-empty the
// result is filtered to that identity.
func (s *Service) Posts(ctx context.Context, author string) ([]models.Post, error) {
	entries, err := s.opts.Store.List(ctx, "post/")
	if err != nil {
		return nil, err
	}
	posts := make([]models.Post, 0, len(entries))
	for _, e := range entries {
		var p models.Post
		if err := json.Unmarshal(e.Value, &p); err != nil {
			continue
		}
		if author != "" && p.Author != author {
			continue
		}
		posts = append(posts, p)
	}
	return posts, nil
}
