// Package peersync turns an unreliable peer mesh into a friend graph
// with durable, ordered, encrypted direct messaging and best-effort post
// replication. It owns the identity↔transport mapping, the friend
// request workflow, offline outboxes, watermark-based catch-up, and
// per-peer liveness monitoring; the mesh, the cipher, and the key-value
// store are consumed through narrow interfaces.
package peersync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/crypto"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/store"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/transport"
)

var (
	ErrNotInitialized = errors.New("peersync: service not initialized")
	ErrUnknownRequest = errors.New("peersync: unknown friend request id")
	ErrNotFriend      = errors.New("peersync: recipient is not a friend")
	ErrAlreadyFriends = errors.New("peersync: already friends")
	ErrPeerUnreachable = errors.New("peersync: no transport route to peer")
)

// Options configures a Service. Cipher, Transport, and Store are
// required; zero durations fall back to defaults.
type Options struct {
	Cipher    crypto.Cipher
	Transport transport.Transport
	Store     store.KV
	Profile   models.Profile
	Logger    zerolog.Logger

	// Clock is a test hook; defaults to time.Now.
	Clock func() time.Time

	PingInterval   time.Duration
	PongGrace      time.Duration
	SweepInterval  time.Duration
	PingMinSpacing time.Duration
	PongMinSpacing time.Duration

	RequestTTL      time.Duration
	ReconcileWindow time.Duration

	// ReconcileLimit caps items returned per missed-content response.
	ReconcileLimit int
}

type discoveredPeer struct {
	transportID string
	profile     models.Profile
	encKey      string
	seenAt      time.Time
}

// Service is the friendship and messaging synchronization engine. One
// instance is constructed at process start and passed to consumers;
// there is no package-level state.
type Service struct {
	opts Options
	id   string // own stable identity (base64 public key)
	log  zerolog.Logger
	bus  *Bus

	mu         sync.Mutex
	links      map[string]string // identity -> transport id
	rlinks     map[string]string // transport id -> identity
	discovered map[string]discoveredPeer
	pendingOut map[string]string // identity -> outgoing request id
	monitors   map[string]*monitor
	pongReplies map[string]time.Time // transport id -> last pong sent

	meshUp    bool
	started   bool
	stopSweep chan struct{}
	stopOnce  sync.Once
}

// New validates dependencies and builds a Service. It does not touch the
// transport until Start.
func New(opts Options) (*Service, error) {
	if opts.Cipher == nil {
		return nil, errors.New("peersync: cipher is required")
	}
	if opts.Transport == nil {
		return nil, errors.New("peersync: transport is required")
	}
	if opts.Store == nil {
		return nil, errors.New("peersync: store is required")
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	if opts.PongGrace <= 0 {
		opts.PongGrace = 10 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 60 * time.Second
	}
	if opts.PingMinSpacing <= 0 {
		opts.PingMinSpacing = 10 * time.Second
	}
	if opts.PongMinSpacing <= 0 {
		opts.PongMinSpacing = 5 * time.Second
	}
	if opts.RequestTTL <= 0 {
		opts.RequestTTL = 30 * 24 * time.Hour
	}
	if opts.ReconcileWindow <= 0 {
		opts.ReconcileWindow = 30 * 24 * time.Hour
	}
	if opts.ReconcileLimit <= 0 {
		opts.ReconcileLimit = 500
	}

	log := opts.Logger.With().Str("component", "peersync").Logger()
	s := &Service{
		opts:        opts,
		id:          opts.Cipher.Identity(),
		log:         log,
		bus:         newBus(log),
		links:       make(map[string]string),
		rlinks:      make(map[string]string),
		discovered:  make(map[string]discoveredPeer),
		pendingOut:  make(map[string]string),
		monitors:    make(map[string]*monitor),
		pongReplies: make(map[string]time.Time),
		stopSweep:   make(chan struct{}),
	}
	return s, nil
}

// Profile returns the locally configured display profile.
func (s *Service) Profile() models.Profile {
	return s.opts.Profile
}

// Identity returns the engine's own stable identity.
func (s *Service) Identity() string {
	return s.id
}

// Events returns a new subscription to the engine's event stream.
func (s *Service) Events() <-chan Event {
	return s.bus.Subscribe()
}

// Start resets persisted connectivity state, hooks into the transport,
// announces to already-connected peers, and begins the periodic sweep.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("peersync: already started")
	}
	s.started = true
	s.mu.Unlock()

	// Never trust previous-session connectivity: everyone starts
	// offline until a live handshake proves otherwise.
	friends, err := s.listFriends(ctx)
	if err != nil {
		return err
	}
	for i := range friends {
		if friends[i].Status != models.StatusOffline {
			friends[i].Status = models.StatusOffline
			if err := s.saveFriend(ctx, &friends[i]); err != nil {
				return err
			}
		}
	}

	s.opts.Transport.Handle(s)
	for _, tid := range s.opts.Transport.ConnectedPeerIDs() {
		go s.announceTo(tid)
	}

	s.meshUp = s.opts.Transport.IsConnected()
	go s.sweepLoop()

	s.log.Info().Str("identity", shortID(s.id)).Int("friends", len(friends)).Msg("sync engine started")
	return nil
}

// Stop halts monitors, the sweep loop, and the event bus. Safe to call
// more than once.
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopSweep)

		s.mu.Lock()
		for _, m := range s.monitors {
			m.halt()
		}
		s.monitors = make(map[string]*monitor)
		s.mu.Unlock()

		s.bus.close()
		s.log.Info().Msg("sync engine stopped")
	})
}

func (s *Service) now() time.Time {
	return s.opts.Clock()
}

func (s *Service) nowMilli() int64 {
	return s.now().UnixMilli()
}

// sweepLoop periodically re-derives friend status from mapping truth,
// tears down orphaned monitors, and expires stale friend requests.
func (s *Service) sweepLoop() {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSweep:
			return
		case <-ticker.C:
			s.sweep(context.Background())
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	up := s.opts.Transport.IsConnected()

	s.mu.Lock()
	if up != s.meshUp {
		s.meshUp = up
		defer s.bus.publish(MeshStateChanged{Connected: up})
	}

	mapped := make(map[string]bool, len(s.links))
	for identity := range s.links {
		mapped[identity] = true
	}

	// Monitors for identities no longer mapped are leftovers.
	for identity, m := range s.monitors {
		if !mapped[identity] {
			m.halt()
			delete(s.monitors, identity)
		}
	}

	// Pong rate-limit entries for dead transports.
	for tid := range s.pongReplies {
		if _, live := s.rlinks[tid]; !live {
			delete(s.pongReplies, tid)
		}
	}
	s.mu.Unlock()

	changed := false
	friends, err := s.listFriends(ctx)
	if err != nil {
		s.log.Warn().Err(err).Msg("sweep: listing friends failed")
		return
	}
	for i := range friends {
		want := models.StatusOffline
		if mapped[friends[i].Identity] {
			want = models.StatusOnline
		}
		if friends[i].Status != want {
			friends[i].Status = want
			if err := s.saveFriend(ctx, &friends[i]); err != nil {
				s.log.Warn().Err(err).Msg("sweep: persisting friend failed")
				continue
			}
			changed = true
		}
	}
	if changed {
		s.bus.publish(FriendListUpdated{})
	}

	s.expireRequests(ctx)
}

// --- persistence helpers ---

func (s *Service) putJSON(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.opts.Store.Put(ctx, key, raw)
}

func (s *Service) getJSON(ctx context.Context, key string, v any) (bool, error) {
	raw, found, err := s.opts.Store.Get(ctx, key)
	if err != nil || !found {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

// shortID truncates an identity for log lines.
func shortID(identity string) string {
	if len(identity) <= 12 {
		return identity
	}
	return identity[:12] + "…"
}
