package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/PeerPigeon/PigeonSocial-sub000/internal/api"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/config"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/crypto"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/models"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/peersync"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/store"
	"github.com/PeerPigeon/PigeonSocial-sub000/internal/transport"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx := context.Background()

	// Load or create the identity keypair
	keyring, err := loadOrCreateKeyring(cfg.DataDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("identity key setup failed")
	}
	logger.Info().Str("identity", keyring.Identity()[:12]+"...").Msg("identity loaded")

	// Select the storage backend: redis and postgres for multi-node
	// deployments, sqlite as the local default.
	var kv store.KV
	switch {
	case cfg.RedisURL != "":
		kv, err = store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		logger.Info().Msg("using Redis store")
	case cfg.DatabaseURL != "":
		kv, err = store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		logger.Info().Msg("using PostgreSQL store")
	default:
		kv, err = store.NewSQLiteStore(ctx, filepath.Join(cfg.DataDir, "peersync.db"))
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		logger.Info().Str("dir", cfg.DataDir).Msg("using SQLite store")
	}
	defer kv.Close()

	// Bring up the mesh listener
	mesh, err := transport.NewTCPMesh(cfg.ListenAddr, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("mesh listener failed")
	}
	defer mesh.Close()

	// Build the sync engine
	svc, err := peersync.New(peersync.Options{
		Cipher:    keyring,
		Transport: mesh,
		Store:     kv,
		Profile:   models.Profile{Name: cfg.Name, Avatar: cfg.Avatar},
		Logger:    logger,

		PingInterval:   cfg.PingInterval,
		PongGrace:      cfg.PongGrace,
		SweepInterval:  cfg.SweepInterval,
		PingMinSpacing: cfg.PingMinSpacing,
		PongMinSpacing: cfg.PongMinSpacing,

		RequestTTL:      cfg.RequestTTL,
		ReconcileWindow: cfg.ReconcileWindow,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("engine setup failed")
	}
	if err := svc.Start(ctx); err != nil {
		logger.Fatal().Err(err).Msg("engine start failed")
	}
	defer svc.Stop()

	// Dial configured peers; failures are logged, not fatal, since the
	// mesh heals as peers come and go.
	for _, addr := range cfg.Peers {
		if _, err := mesh.Dial(addr); err != nil {
			logger.Warn().Err(err).Str("addr", addr).Msg("peer dial failed")
		}
	}

	// Create the control API server
	router := api.NewRouter(logger, svc, kv)
	srv := &http.Server{
		Addr:         cfg.APIAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("api", cfg.APIAddr).
			Str("mesh", cfg.ListenAddr).
			Str("env", cfg.Env).
			Msg("starting peerd")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("stopped")
}

// loadOrCreateKeyring reads the identity key from the data directory,
// generating and persisting a fresh one on first run. The identity is
// the public key, so losing this file means becoming someone new.
func loadOrCreateKeyring(dataDir string) (*crypto.Keyring, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, err
	}
	path := filepath.Join(dataDir, "identity.key")

	raw, err := os.ReadFile(path)
	if err == nil {
		return crypto.ParseKeyring(strings.TrimSpace(string(raw)))
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	keyring, err := crypto.GenerateKeyring()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(keyring.Export()+"\n"), 0o600); err != nil {
		return nil, err
	}
	return keyring, nil
}
