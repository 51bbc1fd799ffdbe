// Package config loads server configuration from environment variables.
//
// Required variables:
//   - DATABASE_URL: PostgreSQL connection string.
//
// Optional variables:
//   - HTTP_ADDR: listen address for the HTTP server (default ":8080").
//   - LOG_LEVEL: minimum log level (default "info").
//   - DEFAULT_EFFECT: verdict for subjects without a stored policy, "allow"
//     or "deny" (default "deny").
//   - DEFAULT_TIMEZONE: IANA zone for subjects without one (default "UTC").
//   - MAX_JSON_BODY_SIZE: max HTTP JSON request body size in bytes
//     (default "1048576", must be > 0 if set).
//   - CACHE_RESYNC_INTERVAL: safety-net cache refresh interval
//     (default "1m", must be > 0 if set).
//   - AUTH_RATE_LIMIT: max failed auth attempts per IP per minute
//     (default "10", must be > 0 if set).
//   - ADMIN_HOSTNAME: tailnet hostname for the admin listener; requires
//     TS_AUTH_KEY when set.
//   - TS_STATE_DIR: tsnet state directory (default "tsnet-state").
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr                  = ":8080"
	defaultEffect                    = "deny"
	defaultTimezone                  = "UTC"
	defaultTSStateDir                = "tsnet-state"
	defaultAuthRateLimit             = 10
	defaultMaxJSONBodySize     int64 = 1 << 20 // 1MB
	defaultCacheResyncInterval       = time.Minute
)

// Config holds the runtime configuration for the availability server.
type Config struct {
	DatabaseURL         string
	HTTPAddr            string
	LogLevel            string
	DefaultEffect       string
	DefaultTimezone     string
	MaxJSONBodySize     int64
	CacheResyncInterval time.Duration
	AuthRateLimit       int
	AdminHostname       string
	TSAuthKey           string
	TSStateDir          string
}

// Load reads configuration from environment variables, applying defaults
// where appropriate. It returns an error if required variables are missing or
// if optional values fail validation.
func Load() (Config, error) {
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return Config{}, errors.New("DATABASE_URL is required")
	}

	effect := strings.ToLower(envOrDefault("DEFAULT_EFFECT", defaultEffect))
	if effect != "allow" && effect != "deny" {
		return Config{}, fmt.Errorf("DEFAULT_EFFECT must be \"allow\" or \"deny\", got %q", effect)
	}

	timezone := envOrDefault("DEFAULT_TIMEZONE", defaultTimezone)
	if _, err := time.LoadLocation(timezone); err != nil {
		return Config{}, fmt.Errorf("parse DEFAULT_TIMEZONE: %w", err)
	}

	maxJSONBodySize := defaultMaxJSONBodySize
	if v := strings.TrimSpace(os.Getenv("MAX_JSON_BODY_SIZE")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 1 {
			return Config{}, errors.New("MAX_JSON_BODY_SIZE must be a positive integer (bytes)")
		}
		maxJSONBodySize = n
	}

	cacheResyncInterval := defaultCacheResyncInterval
	if v := strings.TrimSpace(os.Getenv("CACHE_RESYNC_INTERVAL")); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse CACHE_RESYNC_INTERVAL: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("CACHE_RESYNC_INTERVAL must be > 0")
		}
		cacheResyncInterval = parsed
	}

	authRateLimit := defaultAuthRateLimit
	if v := strings.TrimSpace(os.Getenv("AUTH_RATE_LIMIT")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("parse AUTH_RATE_LIMIT: %w", err)
		}
		if parsed <= 0 {
			return Config{}, errors.New("AUTH_RATE_LIMIT must be > 0")
		}
		authRateLimit = parsed
	}

	adminHostname := strings.TrimSpace(os.Getenv("ADMIN_HOSTNAME"))
	tsAuthKey := os.Getenv("TS_AUTH_KEY")
	if adminHostname != "" && strings.TrimSpace(tsAuthKey) == "" {
		return Config{}, errors.New("TS_AUTH_KEY is required when ADMIN_HOSTNAME is set")
	}

	return Config{
		DatabaseURL:         databaseURL,
		HTTPAddr:            envOrDefault("HTTP_ADDR", defaultHTTPAddr),
		LogLevel:            envOrDefault("LOG_LEVEL", "info"),
		DefaultEffect:       effect,
		DefaultTimezone:     timezone,
		MaxJSONBodySize:     maxJSONBodySize,
		CacheResyncInterval: cacheResyncInterval,
		AuthRateLimit:       authRateLimit,
		AdminHostname:       adminHostname,
		TSAuthKey:           tsAuthKey,
		TSStateDir:          envOrDefault("TS_STATE_DIR", defaultTSStateDir),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}
