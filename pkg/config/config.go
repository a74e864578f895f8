// Package config loads the service configuration from a YAML file, .env
// files and the environment, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kubeflow/publishing-api/pkg/links"
	"github.com/kubeflow/publishing-api/pkg/messagebus"
	"github.com/kubeflow/publishing-api/pkg/queue"
	"github.com/kubeflow/publishing-api/pkg/remote"
)

// Config is the service configuration.
type Config struct {
	Listen        string              `yaml:"listen"`
	WebsiteRoot   string              `yaml:"websiteRoot"`
	Database      DatabaseConfig      `yaml:"database"`
	ContentStores ContentStoresConfig `yaml:"contentStores"`
	RouterURL     string              `yaml:"routerURL"`
	Remote        RemoteConfig        `yaml:"remote"`
	Redis         messagebus.Config   `yaml:"redis"`
	Queue         QueueConfig         `yaml:"queue"`
	// LinkFields overrides the fields projected for targets of a link type.
	LinkFields map[string][]string `yaml:"linkFields"`
}

// DatabaseConfig selects the database driver.
type DatabaseConfig struct {
	Type string `yaml:"type"` // postgres, mysql or sqlite
	DSN  string `yaml:"dsn"`
}

// ContentStoresConfig holds the base URLs of the two content stores. An
// empty URL selects an in-process store.
type ContentStoresConfig struct {
	Draft string `yaml:"draft"`
	Live  string `yaml:"live"`
}

// RemoteConfig controls outbound HTTP calls.
type RemoteConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	MaxAttempts       uint          `yaml:"maxAttempts"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond"`
	Burst             int           `yaml:"burst"`
}

// QueueConfig is the file form of queue.QueueConfig. Zero values keep the
// queue defaults.
type QueueConfig struct {
	Concurrency   int           `yaml:"concurrency"`
	MaxRetries    int           `yaml:"maxRetries"`
	PollInterval  time.Duration `yaml:"pollInterval"`
	TaskTimeout   time.Duration `yaml:"taskTimeout"`
	RetentionDays int           `yaml:"retentionDays"`
	Enabled       *bool         `yaml:"enabled"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	r := remote.DefaultConfig()
	return &Config{
		Listen:      ":8080",
		WebsiteRoot: "http://www.dev.gov.local",
		Database:    DatabaseConfig{Type: "postgres"},
		Remote: RemoteConfig{
			Timeout:           r.Timeout,
			MaxAttempts:       r.MaxAttempts,
			RequestsPerSecond: r.RequestsPerSecond,
			Burst:             r.Burst,
		},
		Redis: messagebus.Config{Channel: messagebus.DefaultChannel, PoolSize: 10},
	}
}

// LoadDotEnv loads .env files into the environment. Missing files are
// skipped; variables already set are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads path over the defaults and applies environment overrides. A
// missing or empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	setString("PUBLISHING_LISTEN", &cfg.Listen)
	setString("PUBLISHING_WEBSITE_ROOT", &cfg.WebsiteRoot)
	setString("DATABASE_TYPE", &cfg.Database.Type)
	setString("DATABASE_DSN", &cfg.Database.DSN)
	setString("PUBLISHING_DRAFT_CONTENT_STORE_URL", &cfg.ContentStores.Draft)
	setString("PUBLISHING_LIVE_CONTENT_STORE_URL", &cfg.ContentStores.Live)
	setString("PUBLISHING_ROUTER_URL", &cfg.RouterURL)
	setString("PUBLISHING_REDIS_ADDR", &cfg.Redis.Addr)
	setString("PUBLISHING_REDIS_PASSWORD", &cfg.Redis.Password)
	setString("PUBLISHING_REDIS_CHANNEL", &cfg.Redis.Channel)

	if v := os.Getenv("PUBLISHING_REMOTE_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.Remote.RequestsPerSecond = f
		}
	}
	if v := os.Getenv("PUBLISHING_REMOTE_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Remote.Timeout = time.Duration(n) * time.Second
		}
	}
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	switch c.Database.Type {
	case "postgres":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for %s", c.Database.Type)
		}
	case "mysql":
		if c.Database.DSN == "" {
			return fmt.Errorf("database dsn is required for %s", c.Database.Type)
		}
		// Timestamps only scan into time.Time with parseTime set.
		parsed, err := mysql.ParseDSN(c.Database.DSN)
		if err != nil {
			return fmt.Errorf("invalid mysql dsn: %w", err)
		}
		if !parsed.ParseTime {
			parsed.ParseTime = true
			c.Database.DSN = parsed.FormatDSN()
		}
	case "sqlite":
		if c.Database.DSN == "" {
			c.Database.DSN = "file:publishing.db?_pragma=busy_timeout(5000)"
		}
	default:
		return fmt.Errorf("unknown database type %q (expected postgres, mysql or sqlite)", c.Database.Type)
	}
	if c.Remote.RequestsPerSecond < 0 {
		return fmt.Errorf("remote.requestsPerSecond must not be negative")
	}
	return nil
}

// RemoteClientConfig returns the outbound client settings.
func (c *Config) RemoteClientConfig() remote.Config {
	r := remote.DefaultConfig()
	if c.Remote.Timeout > 0 {
		r.Timeout = c.Remote.Timeout
	}
	if c.Remote.MaxAttempts > 0 {
		r.MaxAttempts = c.Remote.MaxAttempts
	}
	r.RequestsPerSecond = c.Remote.RequestsPerSecond
	if c.Remote.Burst > 0 {
		r.Burst = c.Remote.Burst
	}
	return r
}

// QueueSettings merges the file settings into the queue defaults, then
// applies the PUBLISHING_QUEUE_* environment.
func (c *Config) QueueSettings() *queue.QueueConfig {
	q := queue.DefaultQueueConfig()
	if c.Queue.Concurrency > 0 {
		q.Concurrency = c.Queue.Concurrency
	}
	if c.Queue.MaxRetries > 0 {
		q.MaxRetries = c.Queue.MaxRetries
	}
	if c.Queue.PollInterval > 0 {
		q.PollInterval = c.Queue.PollInterval
	}
	if c.Queue.TaskTimeout > 0 {
		q.TaskTimeout = c.Queue.TaskTimeout
	}
	if c.Queue.RetentionDays > 0 {
		q.RetentionDays = c.Queue.RetentionDays
	}
	if c.Queue.Enabled != nil {
		q.Enabled = *c.Queue.Enabled
	}
	return queue.ApplyEnv(q)
}

// Rules returns the link expansion rules with any field overrides applied.
func (c *Config) Rules() *links.Rules {
	rules := links.DefaultRules()
	for linkType, fields := range c.LinkFields {
		rules.WithFields(linkType, fields...)
	}
	return rules
}
