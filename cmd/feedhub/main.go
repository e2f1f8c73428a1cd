package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/perpstream/feedhub/config"
	"github.com/perpstream/feedhub/src/auth"
	"github.com/perpstream/feedhub/src/feed"
	"github.com/perpstream/feedhub/src/hub"
	"github.com/perpstream/feedhub/src/server"
	"github.com/perpstream/feedhub/src/service"
	"github.com/perpstream/feedhub/src/snapshot"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("config load failed")
	}

	logger := newLogger(cfg.Log.Level)
	instanceID := uuid.New().String()
	logger.Info().Str("instance_id", instanceID).Msg("feedhub starting")

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	gate := auth.New(cfg.Auth.Secret, cfg.Auth.Required, cfg.Auth.TokenTTL())
	snapshots := snapshot.NewRedisSource(rdb, cfg.Redis.Prefix)

	h := hub.New(cfg, gate, snapshots, logger)
	go h.Run()

	// The feed is non-fatal: without Redis the server runs standalone and
	// only serves connections, subscriptions and snapshots-less channels.
	var src feed.Source = feed.NewRedisSource(rdb, cfg.Redis.Prefix, h, logger)
	if err := src.Start(); err != nil {
		logger.Warn().Err(err).Msg("event feed unavailable, running standalone")
	}

	svc := service.New(h, instanceID, logger)
	srv := server.New(cfg, h, svc, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		if err != nil {
			logger.Error().Err(err).Msg("server error")
		}
	}

	if src.Available() {
		src.Stop()
	}
	srv.Shutdown()
	h.Shutdown()
	rdb.Close()
	logger.Info().Msg("feedhub stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.LoadAndValidate(path)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}
