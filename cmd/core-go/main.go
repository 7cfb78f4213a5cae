package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"command_relay/core-go/internal/codec"
	"command_relay/core-go/internal/config"
	"command_relay/core-go/internal/db"
	"command_relay/core-go/internal/httpapi"
	"command_relay/core-go/internal/metrics"
)

func main() {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		bootLogger := httpapi.NewLogger("info", "")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := httpapi.NewLogger(cfg.LogLevel, cfg.ServiceName)

	if cfg.RelaySecret == "" {
		logger.Fatal().Msg("RELAY_SECRET is required")
	}
	relayCodec, err := codec.New(cfg.RelaySecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialise payload encryption")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *db.Pool
	if cfg.DatabaseURL != "" {
		p, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer p.Close()
		pool = p
	}

	var queries httpapi.Queries
	if pool != nil {
		queries = pool.Queries()
	}

	m := metrics.New()

	h := httpapi.NewHandler(logger, pool, queries, relayCodec, m, httpapi.Options{
		PollTimeout:  time.Duration(cfg.PollTimeout),
		PollInterval: time.Duration(cfg.PollInterval),
		ClaimBatch:   cfg.ClaimBatch,
	})
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("core-go listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	logger.Info().Msg("shutdown complete")
}
