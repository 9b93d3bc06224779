package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	LogLevel      string
	RunMigrations bool

	// PositionTTL is how long a Position Record survives without a
	// refresh before it's considered stale (spec §4.B).
	PositionTTL time.Duration
	// OfferTTL is how long a ride offer stays open before it expires
	// unaccepted (spec §4.E).
	OfferTTL time.Duration
	// SyncCadence is how often the Location Sync Worker runs (spec
	// §4.F); a plain interval rather than a cron expression, since the
	// worker is driven by a ticker, not a scheduler.
	SyncCadence time.Duration
	// MaxRings bounds the Nearby-Driver Query's ring expansion (spec §4.D).
	MaxRings int
	// RoutingTimeout bounds a single ETA/Routing Collaborator call.
	RoutingTimeout time.Duration
	// AssumedSpeedKmh is the ETA fallback estimator's speed constant.
	AssumedSpeedKmh float64

	AccessTokenSecret  string
	RefreshTokenSecret string

	// DurableStoreDSN is the Postgres connection string for the Durable
	// Driver Record store.
	DurableStoreDSN string
	// EphemeralStoreDSN is an alternate form of RedisAddr for
	// deployments that prefer a single connection string over
	// host:port + password for the ephemeral store.
	EphemeralStoreDSN string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		LogLevel:        "info",

		PositionTTL:     300 * time.Second,
		OfferTTL:        15 * time.Second,
		SyncCadence:     5 * time.Minute,
		MaxRings:        5,
		RoutingTimeout:  5 * time.Second,
		AssumedSpeedKmh: 30,
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	setDurationFromEnv(&cfg.PositionTTL, "POSITION_TTL", &errs)
	setDurationFromEnv(&cfg.OfferTTL, "OFFER_TTL", &errs)
	setDurationFromEnv(&cfg.SyncCadence, "SYNC_CADENCE", &errs)
	setIntFromEnv(&cfg.MaxRings, "MAX_RINGS", &errs)
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.AssumedSpeedKmh, "ASSUMED_SPEED_KMH", &errs)

	cfg.AccessTokenSecret = os.Getenv("ACCESS_TOKEN_SECRET")
	cfg.RefreshTokenSecret = os.Getenv("REFRESH_TOKEN_SECRET")
	cfg.DurableStoreDSN = os.Getenv("DURABLE_STORE_DSN")
	cfg.EphemeralStoreDSN = os.Getenv("EPHEMERAL_STORE_DSN")
	if cfg.EphemeralStoreDSN != "" {
		cfg.RedisAddr = cfg.EphemeralStoreDSN
	}

	if cfg.AccessTokenSecret == "" {
		errs = append(errs, fmt.Errorf("ACCESS_TOKEN_SECRET must be set"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

