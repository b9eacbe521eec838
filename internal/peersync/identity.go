package peersync

import (
	"context"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/crypto"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/protocol"
)

// The identity map correlates stable identities with ephemeral transport
// ids. The identity-announcement handshake is the sole source of truth:
// a connect event alone proves nothing about who is on the other end.

// PeerConnected implements transport.Handler. A fresh session gets our
// announcement; correlation waits for the counterpart's.
func (s *Service) PeerConnected(transportID string) {
	s.log.Debug().Str("transport", transportID).Msg("peer session up, announcing")
	go s.announceTo(transportID)
}

// PeerDisconnected implements transport.Handler. The mapping is deleted,
// not marked: the peer may return under a different transport id.
func (s *Service) PeerDisconnected(transportID string) {
	s.mu.Lock()
	identity, ok := s.rlinks[transportID]
	if ok {
		delete(s.rlinks, transportID)
		delete(s.links, identity)
		if m := s.monitors[identity]; m != nil {
			m.halt()
			delete(s.monitors, identity)
		}
	}
	delete(s.pongReplies, transportID)
	for id, d := range s.discovered {
		if d.transportID == transportID {
			delete(s.discovered, id)
		}
	}
	s.mu.Unlock()

	if !ok {
		// A non-friend or a session that never finished its handshake.
		return
	}

	ctx := context.Background()
	var friend models.Friend
	found, err := s.getJSON(ctx, friendKey(identity), &friend)
	if err != nil {
		s.log.Warn().Err(err).Msg("disconnect: loading friend failed")
	}
	if found {
		friend.Status = models.StatusOffline
		friend.LastSeen = s.now()
		if err := s.saveFriend(ctx, &friend); err != nil {
			s.log.Warn().Err(err).Msg("disconnect: persisting friend failed")
		}
	}

	s.log.Info().Str("identity", shortID(identity)).Msg("peer offline")
	s.bus.publish(PeerOffline{Identity: identity})
	s.bus.publish(FriendListUpdated{})
}

// announceTo sends our signed identity announcement to a transport id.
func (s *Service) announceTo(transportID string) {
	ts := s.nowMilli()
	env := &protocol.Envelope{
		Type:      protocol.TypeIdentityAnnounce,
		Timestamp: ts,
		Identity:  s.id,
		EncKey:    s.id,
		Profile:   &s.opts.Profile,
		Signature: s.opts.Cipher.Sign(crypto.AnnouncePayload(s.id, ts)),
	}
	if err := s.send(transportID, env); err != nil {
		s.log.Debug().Err(err).Str("transport", transportID).Msg("announce failed")
	}
}

// handleAnnounce processes a counterpart's identity announcement,
// remapping the identity to its current transport id and, for friends,
// kicking off the outbox flush and missed-content pull.
func (s *Service) handleAnnounce(transportID string, env *protocol.Envelope) {
	identity := env.Identity
	if identity == "" || identity == s.id {
		return
	}
	// The claimed identity is the verification key, so only its holder
	// can produce a valid signature. Unsigned announces are dropped
	// outright; accepting one would let anyone remap a friend's link
	// and rotate their stored encryption key.
	if err := crypto.VerifySignature(identity, crypto.AnnouncePayload(identity, env.Timestamp), env.Signature); err != nil {
		s.log.Warn().Str("transport", transportID).Msg("announce with missing or bad signature dropped")
		return
	}

	profile := models.Profile{}
	if env.Profile != nil {
		profile = *env.Profile
	}

	ctx := context.Background()
	var friend models.Friend
	isFriend, err := s.getJSON(ctx, friendKey(identity), &friend)
	if err != nil {
		s.log.Warn().Err(err).Msg("announce: loading friend failed")
		return
	}

	s.mu.Lock()
	if !isFriend {
		// Transient discovery only; no persistent state for strangers.
		s.discovered[identity] = discoveredPeer{
			transportID: transportID,
			profile:     profile,
			encKey:      env.EncKey,
			seenAt:      s.now(),
		}
		s.mu.Unlock()
		s.bus.publish(PeerDiscovered{Identity: identity, Profile: profile})
		return
	}

	// At most one live link per identity: a remap tears down the old
	// transport's monitor before the new one starts.
	if prior, had := s.links[identity]; had && prior != transportID {
		delete(s.rlinks, prior)
		if m := s.monitors[identity]; m != nil {
			m.halt()
		}
	}
	s.links[identity] = transportID
	s.rlinks[transportID] = identity
	delete(s.discovered, identity)
	s.startMonitorLocked(identity, transportID)
	s.mu.Unlock()

	friend.Status = models.StatusOnline
	friend.LastSeen = s.now()
	if env.EncKey != "" {
		friend.EncKey = env.EncKey
	}
	if profile != (models.Profile{}) {
		friend.Profile = profile
	}
	if err := s.saveFriend(ctx, &friend); err != nil {
		s.log.Warn().Err(err).Msg("announce: persisting friend failed")
	}

	// Capture the catch-up window before the contact bumps it.
	since := s.watermark(ctx, identity)
	s.advanceWatermark(ctx, identity)

	s.log.Info().Str("identity", shortID(identity)).Str("transport", transportID).Msg("friend online")
	s.bus.publish(PeerOnline{Identity: identity})
	s.bus.publish(FriendListUpdated{})

	go s.flushAndReconcile(identity, transportID, since)
}

// resolve returns the live transport id for an identity, falling back to
// the transient discovery set.
func (s *Service) resolve(identity string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolveLocked(identity)
}

func (s *Service) resolveLocked(identity string) (string, bool) {
	if tid, ok := s.links[identity]; ok {
		return tid, true
	}
	if d, ok := s.discovered[identity]; ok {
		return d.transportID, true
	}
	return "", false
}

// senderFor maps a transport id back to the identity that announced on
// it. Envelopes arriving on unmapped transports are unattributable.
func (s *Service) senderFor(transportID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	identity, ok := s.rlinks[transportID]
	return identity, ok
}

// DiscoveredPeers lists non-friend identities currently announcing on
// the mesh, for UI discovery.
func (s *Service) DiscoveredPeers() []PeerDiscovered {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PeerDiscovered, 0, len(s.discovered))
	for identity, d := range s.discovered {
		out = append(out, PeerDiscovered{Identity: identity, Profile: d.profile})
	}
	return out
}

// send encodes and transmits an envelope to a transport id.
func (s *Service) send(transportID string, env *protocol.Envelope) error {
	raw, err := env.Encode()
	if err != nil {
		return err
	}
	return s.opts.Transport.SendToPeer(transportID, raw)
}
