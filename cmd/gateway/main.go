package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"codegravity/internal/auth"
	"codegravity/internal/config"
	"codegravity/internal/crypto"
	"codegravity/internal/gateway"
	"codegravity/internal/history"
	"codegravity/internal/httpapi"
	"codegravity/internal/metrics"
	"codegravity/internal/providers/catalog"
	"codegravity/internal/providers/openai_compat"
	"codegravity/internal/ratelimit"
	"codegravity/internal/settings"
	"codegravity/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("version", cfg.Server.Version).
		Str("db_driver", cfg.DB.Driver).
		Bool("enforce_context_limit", cfg.Gateway.EnforceContextLimit).
		Msg("starting gateway")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	// The limiter fails open, so an unreachable Redis at boot is only logged.
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Warn().Err(err).Msg("redis unreachable, rate limiting degraded")
	}
	defer rdb.Close()

	keys, err := crypto.NewKeyring(cfg.Crypto.CurrentKeyID, cfg.Crypto.Keys)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize keyring")
	}

	cat, err := catalog.Load(cfg.Catalog.File)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load provider catalog")
	}
	log.Info().Strs("providers", cat.Names()).Msg("provider catalog loaded")

	verifier, err := auth.NewVerifier(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize auth")
	}

	metrics.Global()

	settingsSvc := settings.New(store, keys, cat, settings.Config{
		ProbeTimeout:            cfg.Relay.ProbeTimeout,
		DefaultMaxContextTokens: cfg.Gateway.DefaultMaxContextTokens,
		Logger:                  log.Logger.With().Str("component", "settings").Logger(),
	})
	limiter := ratelimit.New(rdb, ratelimit.Config{
		Rules: map[ratelimit.Category]ratelimit.Rule{
			ratelimit.CategoryAI:      {Limit: cfg.Rate.AI.Requests, Window: cfg.Rate.AI.Window},
			ratelimit.CategoryAuth:    {Limit: cfg.Rate.Auth.Requests, Window: cfg.Rate.Auth.Window},
			ratelimit.CategoryDefault: {Limit: cfg.Rate.Default.Requests, Window: cfg.Rate.Default.Window},
		},
		Logger: log.Logger.With().Str("component", "ratelimit").Logger(),
	})
	relay := openai_compat.New(openai_compat.Config{
		MaxRetries:    cfg.Relay.MaxRetries,
		BackoffBase:   cfg.Relay.BackoffBase,
		MaxDuration:   cfg.Relay.MaxDuration,
		IdleTimeout:   cfg.Relay.IdleTimeout,
		MaxFrameBytes: cfg.Relay.MaxFrameBytes,
	})
	recorder := history.New(store, history.Config{
		Timeout: cfg.Gateway.HistoryWriteTimeout,
		Logger:  log.Logger.With().Str("component", "history").Logger(),
	})
	gw := gateway.New(gateway.Config{
		Catalog:             cat,
		Credentials:         settingsSvc,
		Limiter:             limiter,
		Relay:               relay,
		Recorder:            recorder,
		EnforceContextLimit: cfg.Gateway.EnforceContextLimit,
		Logger:              log.Logger.With().Str("component", "gateway").Logger(),
	})

	router := httpapi.NewRouter(httpapi.Config{
		Gateway:  gw,
		Settings: settingsSvc,
		History:  store,
		Catalog:  cat,
		Limiter:  limiter,
		Verifier: verifier,
		Checks: map[string]httpapi.Pinger{
			"database": store,
			"redis": httpapi.PingFunc(func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}),
		},
		CORSOrigin:  cfg.Server.CORSOrigin,
		HealthPath:  cfg.Server.HealthPath,
		MetricsPath: cfg.Server.MetricsPath,
		Version:     cfg.Server.Version,
		Logger:      log.Logger,
	})

	// No WriteTimeout: relayed streams are bounded by RELAY_MAX_DURATION.
	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(parseLogLevel(level))
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
