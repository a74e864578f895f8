package queue

import (
	"os"
	"strconv"
	"time"
)

// QueueConfig controls task queue and worker behavior.
type QueueConfig struct {
	Concurrency    int           // Max concurrent workers. Default 4.
	MaxRetries     int           // Max attempts per task. Default 5.
	PollInterval   time.Duration // How often workers poll for tasks. Default 1s.
	ClaimTimeout   time.Duration // Max time a task can be "running" before considered stuck. Default 10m.
	TaskTimeout    time.Duration // Deadline for a single attempt. Default 30s.
	RetryBaseDelay time.Duration // Delay before the first retry, doubled per attempt. Default 2s.
	RetryMaxDelay  time.Duration // Upper bound on the retry delay. Default 5m.
	RetentionDays  int           // How long to keep finished tasks. Default 7.
	Enabled        bool          // Whether workers run in this process. Default true.
}

// DefaultQueueConfig returns the default queue configuration.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		Concurrency:    4,
		MaxRetries:     5,
		PollInterval:   time.Second,
		ClaimTimeout:   10 * time.Minute,
		TaskTimeout:    30 * time.Second,
		RetryBaseDelay: 2 * time.Second,
		RetryMaxDelay:  5 * time.Minute,
		RetentionDays:  7,
		Enabled:        true,
	}
}

// RetryDelay returns the delay before retrying after the given attempt.
func (c *QueueConfig) RetryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.RetryBaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.RetryMaxDelay {
			return c.RetryMaxDelay
		}
	}
	if d > c.RetryMaxDelay {
		return c.RetryMaxDelay
	}
	return d
}

// QueueConfigFromEnv loads config from environment variables.
// PUBLISHING_QUEUE_CONCURRENCY, PUBLISHING_QUEUE_MAX_RETRIES,
// PUBLISHING_QUEUE_POLL_INTERVAL_MS, PUBLISHING_QUEUE_CLAIM_TIMEOUT_MINUTES,
// PUBLISHING_QUEUE_TASK_TIMEOUT_SECONDS, PUBLISHING_QUEUE_RETRY_BASE_SECONDS,
// PUBLISHING_QUEUE_RETENTION_DAYS, PUBLISHING_QUEUE_ENABLED
func QueueConfigFromEnv() *QueueConfig {
	return ApplyEnv(DefaultQueueConfig())
}

// ApplyEnv overrides fields of cfg from the environment and returns it.
func ApplyEnv(cfg *QueueConfig) *QueueConfig {
	if v := os.Getenv("PUBLISHING_QUEUE_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Concurrency = n
		}
	}

	if v := os.Getenv("PUBLISHING_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}

	if v := os.Getenv("PUBLISHING_QUEUE_POLL_INTERVAL_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.PollInterval = time.Duration(n) * time.Millisecond
		}
	}

	if v := os.Getenv("PUBLISHING_QUEUE_CLAIM_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClaimTimeout = time.Duration(n) * time.Minute
		}
	}

	if v := os.Getenv("PUBLISHING_QUEUE_TASK_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TaskTimeout = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("PUBLISHING_QUEUE_RETRY_BASE_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetryBaseDelay = time.Duration(n) * time.Second
		}
	}

	if v := os.Getenv("PUBLISHING_QUEUE_RETENTION_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.RetentionDays = n
		}
	}

	if v := os.Getenv("PUBLISHING_QUEUE_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}

	return cfg
}
