package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingUpstreamURL = errors.New("UPSTREAM_BASE_URL is required")
	ErrMissingDatabaseDSN = errors.New("DB_DSN is required")
)

type Config struct {
	HTTP     HTTPConfig
	Upstream UpstreamConfig
	Auth     AuthConfig
	DB       DBConfig
	Redis    RedisConfig
	Rate     RateConfig
	Log      LogConfig
}

type HTTPConfig struct {
	ListenAddr     string
	AllowedOrigins []string
	HealthPath     string
	MetricsPath    string
}

type UpstreamConfig struct {
	BaseURL       string
	APIKey        string
	DefaultModel  string
	ClientTimeout time.Duration
	MaxRetries    int
	BackoffBase   time.Duration
	AutoTitle     bool
}

type AuthConfig struct {
	TokenTTL      time.Duration
	SweepInterval time.Duration
}

type DBConfig struct {
	Driver      string
	DSN         string
	AutoMigrate bool
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type RateConfig struct {
	PerHour int64
}

type LogConfig struct {
	Level string
}

func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			ListenAddr:     mustEnv("LISTEN_ADDR", ":8080"),
			AllowedOrigins: splitList(mustEnv("CORS_ORIGINS", "http://localhost:3000")),
			HealthPath:     mustEnv("HEALTH_PATH", "/healthz"),
			MetricsPath:    mustEnv("METRICS_PATH", "/metrics"),
		},
		Upstream: UpstreamConfig{
			BaseURL:       mustEnv("UPSTREAM_BASE_URL", ""),
			APIKey:        mustEnv("UPSTREAM_API_KEY", ""),
			DefaultModel:  mustEnv("DEFAULT_MODEL", "gpt-3.5-turbo"),
			ClientTimeout: mustDuration("UPSTREAM_TIMEOUT", 5*time.Minute),
			MaxRetries:    mustInt("HTTP_MAX_RETRIES", 2),
			BackoffBase:   mustDuration("HTTP_BACKOFF_BASE", 400*time.Millisecond),
			AutoTitle:     mustBool("AUTO_TITLE", true),
		},
		Auth: AuthConfig{
			TokenTTL:      mustDuration("AUTH_TOKEN_TTL", 168*time.Hour),
			SweepInterval: mustDuration("SESSION_SWEEP_INTERVAL", time.Hour),
		},
		DB: DBConfig{
			Driver:      strings.ToLower(mustEnv("DB_DRIVER", "sqlite")),
			DSN:         mustEnv("DB_DSN", "chatrelay.db"),
			AutoMigrate: mustBool("AUTO_MIGRATE", true),
		},
		Redis: RedisConfig{
			Addr:     mustEnv("REDIS_ADDR", ""),
			Password: mustEnv("REDIS_PASSWORD", ""),
			DB:       mustInt("REDIS_DB", 0),
		},
		Rate: RateConfig{
			PerHour: int64(mustInt("RATE_LIMIT_PER_HOUR", 60)),
		},
		Log: LogConfig{
			Level: strings.ToLower(mustEnv("LOG_LEVEL", "info")),
		},
	}

	if cfg.Upstream.BaseURL == "" {
		return nil, ErrMissingUpstreamURL
	}
	if cfg.DB.DSN == "" {
		return nil, ErrMissingDatabaseDSN
	}

	return cfg, nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func mustEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func mustInt(key string, def int) int {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func mustBool(key string, def bool) bool {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func mustDuration(key string, def time.Duration) time.Duration {
	v := mustEnv(key, "")
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
