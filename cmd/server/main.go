package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/api"
	"chatrelay/internal/auth"
	"chatrelay/internal/config"
	"chatrelay/internal/limiter"
	"chatrelay/internal/metrics"
	"chatrelay/internal/proxy"
	"chatrelay/internal/providers/openai_compat"
	"chatrelay/internal/storage"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Msg("failed to load .env file")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("listen_addr", cfg.HTTP.ListenAddr).
		Str("db_driver", cfg.DB.Driver).
		Str("default_model", cfg.Upstream.DefaultModel).
		Msg("starting chatrelay")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := storage.Open(ctx, cfg.DB.Driver, cfg.DB.DSN, cfg.DB.AutoMigrate, "migrations")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize storage")
	}
	defer store.Close()

	if err := store.MigrateLegacy(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate legacy data")
	}

	var rateLimiter *limiter.RateLimiter
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
		rateLimiter = limiter.New(rdb, cfg.Rate.PerHour)
		log.Info().Int64("per_hour", cfg.Rate.PerHour).Msg("rate limiter enabled")
	}

	m := metrics.Global()

	provider := openai_compat.New(openai_compat.Config{
		BaseURL:     cfg.Upstream.BaseURL,
		APIKey:      cfg.Upstream.APIKey,
		HTTPClient:  &http.Client{Timeout: cfg.Upstream.ClientTimeout},
		MaxRetries:  cfg.Upstream.MaxRetries,
		BackoffBase: cfg.Upstream.BackoffBase,
	})

	authService := auth.NewService(auth.Config{
		Store:    store,
		TokenTTL: cfg.Auth.TokenTTL,
	})

	proxyService := proxy.NewService(proxy.Config{
		Store:        store,
		Provider:     provider,
		DefaultModel: cfg.Upstream.DefaultModel,
		AutoTitle:    cfg.Upstream.AutoTitle,
		Logger:       log.Logger,
		Metrics:      m,
	})

	server := api.NewServer(api.Config{
		Store:   store,
		Auth:    authService,
		Proxy:   proxyService,
		Limiter: rateLimiter,
		Logger:  log.Logger,
	})

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.HTTP.HealthPath, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle(cfg.HTTP.MetricsPath, promhttp.Handler())
	mux.Handle("/", server.Router(cfg.HTTP.AllowedOrigins))

	httpServer := &http.Server{
		Addr:              cfg.HTTP.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if cfg.Auth.SweepInterval > 0 {
		go sweepSessions(ctx, store, cfg.Auth.SweepInterval)
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTP.ListenAddr).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}

	log.Info().Msg("stopped")
}

// sweepSessions clears expired session rows so the table does not grow
// unbounded; expiry itself is enforced at lookup time regardless.
func sweepSessions(ctx context.Context, store *storage.Store, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := store.DeleteExpiredSessions(ctx, time.Now())
			if err != nil {
				log.Error().Err(err).Msg("session sweep failed")
				continue
			}
			if n > 0 {
				log.Debug().Int64("deleted", n).Msg("expired sessions swept")
			}
		}
	}
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
