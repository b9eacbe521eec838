package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/api/middleware"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/handlers"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/peersync"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/store"
)

// NewRouter creates and configures the local control API. It is meant to
// be bound to loopback: it is the UI's door into the engine, not a
// public surface.
func NewRouter(logger zerolog.Logger, svc *peersync.Service, kv store.KV) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - the local UI may be served from a dev origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(svc, kv)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	r.Get("/health", h.Health)
	r.Get("/me", h.Me)

	r.Get("/friends", h.ListFriends)
	r.Post("/friends/remove", h.RemoveFriend)

	r.Get("/requests", h.ListRequests)
	r.Post("/requests", h.SendFriendRequest)
	r.Post("/requests/{id}/accept", h.AcceptRequest)
	r.Post("/requests/{id}/reject", h.RejectRequest)

	r.Get("/follows", h.ListFollows)
	r.Post("/follows", h.Follow)
	r.Post("/follows/remove", h.Unfollow)

	r.Post("/dm", h.SendMessage)
	r.Get("/dm/history", h.History)

	r.Post("/posts", h.CreatePost)
	r.Get("/posts", h.ListPosts)

	r.Get("/peers", h.ListPeers)

	return r
}
