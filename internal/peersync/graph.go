package peersync

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/metrics"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
)

// Friend graph and request workflow. Relationship states move
// none → pending → friend; a reject simply discards the pending record.

func (s *Service) saveFriend(ctx context.Context, f *models.Friend) error {
	return s.putJSON(ctx, friendKey(f.Identity), f)
}

func (s *Service) listFriends(ctx context.Context) ([]models.Friend, error) {
	entries, err := s.opts.Store.List(ctx, "friend/")
	if err != nil {
		return nil, err
	}
	friends := make([]models.Friend, 0, len(entries))
	for _, e := range entries {
		var f models.Friend
		if err := json.Unmarshal(e.Value, &f); err != nil {
			s.log.Warn().Str("key", e.Key).Msg("skipping unreadable friend record")
			continue
		}
		friends = append(friends, f)
	}
	return friends, nil
}

// Friends returns all friend records sorted by display name, then
// identity.
func (s *Service) Friends(ctx context.Context) ([]models.Friend, error) {
	friends, err := s.listFriends(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(friends, func(i, j int) bool {
		if friends[i].Profile.Name != friends[j].Profile.Name {
			return friends[i].Profile.Name < friends[j].Profile.Name
		}
		return friends[i].Identity < friends[j].Identity
	})
	return friends, nil
}

// Follows returns all one-way subscriptions.
func (s *Service) Follows(ctx context.Context) ([]models.Follow, error) {
	entries, err := s.opts.Store.List(ctx, "follow/")
	if err != nil {
		return nil, err
	}
	follows := make([]models.Follow, 0, len(entries))
	for _, e := range entries {
		var f models.Follow
		if err := json.Unmarshal(e.Value, &f); err != nil {
			continue
		}
		follows = append(follows, f)
	}
	sort.Slice(follows, func(i, j int) bool { return follows[i].Identity < follows[j].Identity })
	return follows, nil
}

// PendingRequests returns undecided incoming requests, dropping expired
// ones lazily.
func (s *Service) PendingRequests(ctx context.Context) ([]models.FriendRequest, error) {
	entries, err := s.opts.Store.List(ctx, "friendreq/")
	if err != nil {
		return nil, err
	}
	cutoff := s.now().Add(-s.opts.RequestTTL)
	requests := make([]models.FriendRequest, 0, len(entries))
	for _, e := range entries {
		var r models.FriendRequest
		if err := json.Unmarshal(e.Value, &r); err != nil {
			continue
		}
		if r.CreatedAt.Before(cutoff) {
			if err := s.opts.Store.Delete(ctx, e.Key); err == nil {
				metrics.FriendRequests.WithLabelValues("expired").Inc()
			}
			continue
		}
		requests = append(requests, r)
	}
	sort.Slice(requests, func(i, j int) bool { return requests[i].CreatedAt.Before(requests[j].CreatedAt) })
	return requests, nil
}

// expireRequests is the sweep-side counterpart of the lazy filtering in
// PendingRequests.
func (s *Service) expireRequests(ctx context.Context) {
	if _, err := s.PendingRequests(ctx); err != nil {
		s.log.Warn().Err(err).Msg("sweep: expiring requests failed")
	}
}

// SendFriendRequest asks identity to become a friend. It needs a live
// route: either an established link or a transient discovery entry.
func (s *Service) SendFriendRequest(ctx context.Context, identity, message string) error {
	if identity == "" || identity == s.id {
		return ErrPeerUnreachable
	}
	var existing models.Friend
	if found, err := s.getJSON(ctx, friendKey(identity), &existing); err != nil {
		return err
	} else if found {
		return ErrAlreadyFriends
	}

	tid, ok := s.resolve(identity)
	if !ok {
		return ErrPeerUnreachable
	}

	reqID := uuid.NewString()
	env := &protocol.Envelope{
		Type:      protocol.TypeFriendRequest,
		Timestamp: s.nowMilli(),
		RequestID: reqID,
		Identity:  s.id,
		EncKey:    s.id,
		Profile:   &s.opts.Profile,
		Message:   message,
	}
	if err := s.send(tid, env); err != nil {
		return ErrPeerUnreachable
	}

	s.mu.Lock()
	s.pendingOut[identity] = reqID
	s.mu.Unlock()

	metrics.FriendRequests.WithLabelValues("sent").Inc()
	s.log.Info().Str("identity", shortID(identity)).Msg("friend request sent")
	return nil
}

// handleFriendRequest records an incoming request. Accepting is always a
// separate, explicit user action.
func (s *Service) handleFriendRequest(transportID string, env *protocol.Envelope) {
	requester := env.Identity
	if requester == "" {
		s.mu.Lock()
		requester = s.rlinks[transportID]
		s.mu.Unlock()
	}
	if requester == "" || requester == s.id {
		return
	}

	ctx := context.Background()
	var existing models.Friend
	if found, _ := s.getJSON(ctx, friendKey(requester), &existing); found {
		// Already friends; a duplicate request is redelivery noise.
		return
	}

	req := models.FriendRequest{
		ID:        env.RequestID,
		From:      requester,
		EncKey:    env.EncKey,
		Message:   env.Message,
		CreatedAt: s.now(),
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if env.Profile != nil {
		req.Profile = *env.Profile
	}

	if err := s.putJSON(ctx, requestKey(req.ID), &req); err != nil {
		s.log.Warn().Err(err).Msg("persisting friend request failed")
		return
	}

	metrics.FriendRequests.WithLabelValues("received").Inc()
	s.log.Info().Str("identity", shortID(requester)).Msg("friend request received")
	s.bus.publish(FriendRequestReceived{Request: req})
}

// AcceptFriendRequest turns a pending request into a Friend plus an
// implicit Follow, answers the requester, and pulls their recent
// content.
func (s *Service) AcceptFriendRequest(ctx context.Context, requestID string) error {
	var req models.FriendRequest
	found, err := s.getJSON(ctx, requestKey(requestID), &req)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownRequest
	}

	tid, reachable := s.resolve(req.From)
	if reachable {
		env := &protocol.Envelope{
			Type:      protocol.TypeFriendResponse,
			Timestamp: s.nowMilli(),
			RequestID: req.ID,
			Identity:  s.id,
			EncKey:    s.id,
			Profile:   &s.opts.Profile,
			Accepted:  true,
		}
		if err := s.send(tid, env); err != nil {
			s.log.Warn().Err(err).Msg("acceptance response failed to send")
			reachable = false
		}
	}

	now := s.now()
	status := models.StatusOffline
	if reachable {
		status = models.StatusOnline
	}
	friend := models.Friend{
		Identity: req.From,
		Profile:  req.Profile,
		EncKey:   req.EncKey,
		Status:   status,
		AddedAt:  now,
		LastSeen: now,
	}
	if err := s.saveFriend(ctx, &friend); err != nil {
		return err
	}
	follow := models.Follow{Identity: req.From, Profile: req.Profile, FollowedAt: now}
	if err := s.putJSON(ctx, followKey(req.From), &follow); err != nil {
		return err
	}
	if err := s.opts.Store.Delete(ctx, requestKey(req.ID)); err != nil {
		return err
	}

	if reachable {
		s.mu.Lock()
		s.links[req.From] = tid
		s.rlinks[tid] = req.From
		delete(s.discovered, req.From)
		s.startMonitorLocked(req.From, tid)
		s.mu.Unlock()
	}

	metrics.FriendRequests.WithLabelValues("accepted").Inc()
	s.log.Info().Str("identity", shortID(req.From)).Msg("friend request accepted")
	s.bus.publish(FriendRequestAccepted{Friend: friend})
	s.bus.publish(FriendListUpdated{})

	if reachable {
		since := s.watermark(ctx, req.From)
		s.advanceWatermark(ctx, req.From)
		go func() {
			s.requestMissedContent(req.From, tid, since)
			s.requestRecentPosts(req.From, tid)
		}()
	}
	return nil
}

// RejectFriendRequest declines a pending request. No relationship state
// is created.
func (s *Service) RejectFriendRequest(ctx context.Context, requestID string) error {
	var req models.FriendRequest
	found, err := s.getJSON(ctx, requestKey(requestID), &req)
	if err != nil {
		return err
	}
	if !found {
		return ErrUnknownRequest
	}

	if tid, ok := s.resolve(req.From); ok {
		env := &protocol.Envelope{
			Type:      protocol.TypeFriendResponse,
			Timestamp: s.nowMilli(),
			RequestID: req.ID,
			Identity:  s.id,
			Accepted:  false,
		}
		if err := s.send(tid, env); err != nil {
			s.log.Debug().Err(err).Msg("rejection response failed to send")
		}
	}

	if err := s.opts.Store.Delete(ctx, requestKey(req.ID)); err != nil {
		return err
	}
	metrics.FriendRequests.WithLabelValues("rejected").Inc()
	s.log.Info().Str("identity", shortID(req.From)).Msg("friend request rejected")
	return nil
}

// handleFriendResponse settles an outgoing request on the requester
// side.
func (s *Service) handleFriendResponse(transportID string, env *protocol.Envelope) {
	identity := env.Identity
	if identity == "" {
		s.mu.Lock()
		identity = s.rlinks[transportID]
		s.mu.Unlock()
	}
	if identity == "" {
		return
	}

	s.mu.Lock()
	_, wasPending := s.pendingOut[identity]
	delete(s.pendingOut, identity)
	s.mu.Unlock()
	if !wasPending {
		s.log.Debug().Str("identity", shortID(identity)).Msg("response without pending request, ignoring")
		return
	}

	if !env.Accepted {
		metrics.FriendRequests.WithLabelValues("rejected").Inc()
		s.bus.publish(FriendRequestRejected{Identity: identity})
		return
	}

	ctx := context.Background()
	now := s.now()
	friend := models.Friend{
		Identity: identity,
		EncKey:   env.EncKey,
		Status:   models.StatusOnline, // they just answered us
		AddedAt:  now,
		LastSeen: now,
	}
	if env.Profile != nil {
		friend.Profile = *env.Profile
	}
	if err := s.saveFriend(ctx, &friend); err != nil {
		s.log.Warn().Err(err).Msg("persisting accepted friend failed")
		return
	}
	follow := models.Follow{Identity: identity, Profile: friend.Profile, FollowedAt: now}
	if err := s.putJSON(ctx, followKey(identity), &follow); err != nil {
		s.log.Warn().Err(err).Msg("persisting follow failed")
	}

	s.mu.Lock()
	s.links[identity] = transportID
	s.rlinks[transportID] = identity
	delete(s.discovered, identity)
	s.startMonitorLocked(identity, transportID)
	s.mu.Unlock()

	metrics.FriendRequests.WithLabelValues("accepted").Inc()
	s.log.Info().Str("identity", shortID(identity)).Msg("friend request was accepted")
	s.bus.publish(FriendRequestAccepted{Friend: friend})
	s.bus.publish(FriendListUpdated{})

	since := s.watermark(ctx, identity)
	s.advanceWatermark(ctx, identity)
	go func() {
		s.requestMissedContent(identity, transportID, since)
		s.requestRecentPosts(identity, transportID)
	}()
}

// RemoveFriend deletes the relationship. Removal is an explicit user
// action; nothing in the engine deletes friends on its own.
func (s *Service) RemoveFriend(ctx context.Context, identity string) error {
	var friend models.Friend
	found, err := s.getJSON(ctx, friendKey(identity), &friend)
	if err != nil {
		return err
	}
	if !found {
		return ErrNotFriend
	}
	if err := s.opts.Store.Delete(ctx, friendKey(identity)); err != nil {
		return err
	}

	s.mu.Lock()
	if tid, ok := s.links[identity]; ok {
		delete(s.links, identity)
		delete(s.rlinks, tid)
	}
	if m := s.monitors[identity]; m != nil {
		m.halt()
		delete(s.monitors, identity)
	}
	s.mu.Unlock()

	s.bus.publish(FriendListUpdated{})
	return nil
}

// FollowUser subscribes to a user's content without friendship.
func (s *Service) FollowUser(ctx context.Context, identity string, profile models.Profile) error {
	if identity == "" || identity == s.id {
		return ErrPeerUnreachable
	}
	follow := models.Follow{Identity: identity, Profile: profile, FollowedAt: s.now()}
	return s.putJSON(ctx, followKey(identity), &follow)
}

// UnfollowUser drops a subscription.
func (s *Service) UnfollowUser(ctx context.Context, identity string) error {
	return s.opts.Store.Delete(ctx, followKey(identity))
}
