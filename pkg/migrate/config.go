package migrate

import (
	"os"
	"strconv"
	"time"
)

// Config controls how migrations are serialized.
type Config struct {
	LockEnabled   bool          // Default true.
	LockName      string        // Lock row id, and the advisory lock key seed.
	Holder        string        // Recorded on the lock row. Defaults to the hostname.
	MaxAttempts   int           // Default 30.
	RetryInterval time.Duration // Default 1s.
	StaleAfter    time.Duration // Default 5m.
}

// DefaultConfig returns the default migration configuration.
func DefaultConfig() *Config {
	holder, err := os.Hostname()
	if err != nil || holder == "" {
		holder = "unknown"
	}
	return &Config{
		LockEnabled:   true,
		LockName:      "publishing-api-migration",
		Holder:        holder,
		MaxAttempts:   30,
		RetryInterval: time.Second,
		StaleAfter:    5 * time.Minute,
	}
}

// ConfigFromEnv reads PUBLISHING_MIGRATION_LOCK_ENABLED,
// PUBLISHING_MIGRATION_LOCK_ATTEMPTS and POD_NAME over the defaults.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv("PUBLISHING_MIGRATION_LOCK_ENABLED"); v != "" {
		cfg.LockEnabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("PUBLISHING_MIGRATION_LOCK_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxAttempts = n
		}
	}
	if v := os.Getenv("POD_NAME"); v != "" {
		cfg.Holder = v
	}
	return cfg
}
