package peersync

import (
	"context"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/metrics"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
)

// Message implements transport.Handler: every inbound payload lands here
// and is dispatched by envelope type. The mesh carries traffic from
// unrelated applications too, so anything unrecognized is dropped in
// silence rather than logged at noise-making levels.
func (s *Service) Message(transportID string, payload []byte) {
	env := protocol.Decode(payload)
	if env == nil {
		return
	}
	if !env.IsLiveness() {
		s.log.Debug().Str("type", env.Type).Str("transport", transportID).Msg("envelope received")
	}

	switch env.Type {
	case protocol.TypeIdentityAnnounce:
		s.handleAnnounce(transportID, env)
	case protocol.TypeFriendRequest:
		s.handleFriendRequest(transportID, env)
	case protocol.TypeFriendResponse:
		s.handleFriendResponse(transportID, env)
	case protocol.TypeChatMessage:
		s.handleChatMessage(transportID, env)
	case protocol.TypeSharedPost:
		s.handleSharedPost(transportID, env)
	case protocol.TypeMissedMessagesReq:
		s.handleMissedMessagesReq(transportID, env)
	case protocol.TypeMissedMessages:
		s.handleMissedMessages(transportID, env)
	case protocol.TypeMissedPostsReq:
		s.handleMissedPostsReq(transportID, env)
	case protocol.TypeMissedPosts:
		s.handleMissedPosts(transportID, env)
	case protocol.TypeRecentPostsReq:
		s.handleRecentPostsReq(transportID, env)
	case protocol.TypeRecentPosts:
		s.handleRecentPosts(transportID, env)
	case protocol.TypePing:
		s.handlePing(transportID, env)
	case protocol.TypePong:
		s.handlePong(transportID, env)
	default:
		// Decode already coerced recognizable chat shapes; whatever is
		// left is foreign traffic.
	}
}

// handlePing answers liveness probes. Replies per transport are spaced
// out so a misbehaving peer pinging in a tight loop cannot make us flood
// it back.
func (s *Service) handlePing(transportID string, env *protocol.Envelope) {
	now := s.now()

	s.mu.Lock()
	if last, ok := s.pongReplies[transportID]; ok && now.Sub(last) < s.opts.PongMinSpacing {
		s.mu.Unlock()
		return
	}
	s.pongReplies[transportID] = now
	s.mu.Unlock()

	reply := &protocol.Envelope{
		Type:      protocol.TypePong,
		Timestamp: now.UnixMilli(),
	}
	if err := s.send(transportID, reply); err != nil {
		s.log.Debug().Err(err).Str("transport", transportID).Msg("pong reply failed")
	}
}

// handlePong records the answer on the peer's monitor. Liveness traffic
// also counts as contact: the watermark advances, and a friend wrongly
// marked offline gets restored.
func (s *Service) handlePong(transportID string, env *protocol.Envelope) {
	s.mu.Lock()
	identity, ok := s.rlinks[transportID]
	var m *monitor
	if ok {
		m = s.monitors[identity]
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	metrics.PongsReceived.Inc()
	if m != nil {
		m.pongReceived()
	}
	s.advanceWatermark(context.Background(), identity)
	s.markOnline(identity)
}
