// Package messagebus broadcasts published content to downstream consumers.
package messagebus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel used when none is configured.
const DefaultChannel = "publishing-api.published_documents"

// Event is one message on the bus.
type Event struct {
	RoutingKey string         `json:"routing_key"`
	Payload    map[string]any `json:"payload"`
}

// NewEvent builds an event for payload, taking the routing key from the
// payload's routing_key field.
func NewEvent(payload map[string]any) Event {
	key, _ := payload["routing_key"].(string)
	return Event{RoutingKey: key, Payload: payload}
}

// Publisher sends events to the bus. Send failures are reported to the
// caller; callers on the write path only log them.
type Publisher interface {
	Send(ctx context.Context, event Event) error
}

// Config holds the redis connection settings for RedisPublisher.
type Config struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
	PoolSize int    `yaml:"poolSize"`
}

// ConfigFromEnv reads PUBLISHING_REDIS_* variables. An empty Addr means the
// bus is disabled.
func ConfigFromEnv() Config {
	cfg := Config{
		Addr:     os.Getenv("PUBLISHING_REDIS_ADDR"),
		Password: os.Getenv("PUBLISHING_REDIS_PASSWORD"),
		Channel:  os.Getenv("PUBLISHING_REDIS_CHANNEL"),
		PoolSize: 10,
	}
	if cfg.Channel == "" {
		cfg.Channel = DefaultChannel
	}
	return cfg
}

// RedisPublisher publishes events on a redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// Dial connects to redis and verifies the connection with a PING.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return NewRedisPublisher(client, cfg.Channel, logger), nil
}

// NewRedisPublisher wraps an existing client.
func NewRedisPublisher(client *redis.Client, channel string, logger *slog.Logger) *RedisPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel, logger: logger}
}

// Send implements Publisher.
func (p *RedisPublisher) Send(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", event.RoutingKey, err)
	}
	receivers, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", event.RoutingKey, err)
	}
	p.logger.Debug("published event", "routingKey", event.RoutingKey, "channel", p.channel, "receivers", receivers)
	return nil
}

// Close releases the redis connection pool.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// NoopPublisher drops every event.
type NoopPublisher struct{}

// Send implements Publisher.
func (NoopPublisher) Send(context.Context, Event) error { return nil }

// MemoryPublisher records events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
	err    error
}

// NewMemoryPublisher creates an empty MemoryPublisher.
func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

// FailWith makes every later Send return err. A nil err restores success.
func (m *MemoryPublisher) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Send implements Publisher.
func (m *MemoryPublisher) Send(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, event)
	return nil
}

// Events returns the recorded events.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event(nil), m.events...)
}
