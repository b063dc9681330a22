package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config carries runtime settings for the service. Values come from
// REDDOG_* environment variables, optionally seeded from a .env file.
type Config struct {
	Addr  string
	PGDSN string

	// Production forces fail-closed billing checks and forbids the
	// in-memory store fallback.
	Production bool

	// AllowMemoryStore permits running without Postgres. This is an
	// explicit switch: a missing DSN alone never silently degrades to
	// fabricated data.
	AllowMemoryStore bool

	// FailOpen controls the advisory funds check when storage is
	// unreachable or the account is unknown. Ignored (always false)
	// when Production is set.
	FailOpen bool

	BalanceCacheTTL time.Duration
	ApprovalTTL     time.Duration
	SweepInterval   time.Duration

	RateBurst  int
	RatePerSec int
}

// Load reads configuration from the environment. A .env file in the
// working directory is merged in first when present.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Addr:             envString("REDDOG_ADDR", ":8080"),
		PGDSN:            os.Getenv("REDDOG_PG_DSN"),
		Production:       envBool("REDDOG_PRODUCTION", false),
		AllowMemoryStore: envBool("REDDOG_ALLOW_MEMORY_STORE", false),
		FailOpen:         envBool("REDDOG_BILLING_FAIL_OPEN", true),
		BalanceCacheTTL:  envDuration("REDDOG_BALANCE_CACHE_TTL", 5*time.Minute),
		ApprovalTTL:      envDuration("REDDOG_APPROVAL_TTL", 24*time.Hour),
		SweepInterval:    envDuration("REDDOG_SWEEP_INTERVAL", time.Hour),
		RateBurst:        envInt("REDDOG_RATE_BURST", 20),
		RatePerSec:       envInt("REDDOG_RATE_PER_SEC", 10),
	}

	if cfg.Production {
		cfg.FailOpen = false
	}
	if cfg.PGDSN == "" && !cfg.AllowMemoryStore {
		return Config{}, fmt.Errorf("REDDOG_PG_DSN is not set; set it or opt in to REDDOG_ALLOW_MEMORY_STORE=true")
	}
	if cfg.Production && cfg.AllowMemoryStore {
		return Config{}, fmt.Errorf("REDDOG_ALLOW_MEMORY_STORE is not permitted in production")
	}
	if cfg.BalanceCacheTTL < 0 || cfg.ApprovalTTL <= 0 || cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("cache/approval/sweep durations must be positive")
	}
	return cfg, nil
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
