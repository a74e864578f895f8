package messagebus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {
	ev := NewEvent(map[string]any{"routing_key": "guide.major", "title": "VAT"})
	assert.Equal(t, "guide.major", ev.RoutingKey)

	data, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"routing_key":"guide.major","payload":{"routing_key":"guide.major","title":"VAT"}}`, string(data))

	assert.Empty(t, NewEvent(map[string]any{}).RoutingKey)
}

func TestMemoryPublisher(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryPublisher()

	require.NoError(t, m.Send(ctx, NewEvent(map[string]any{"routing_key": "a.major"})))

	boom := errors.New("bus down")
	m.FailWith(boom)
	assert.ErrorIs(t, m.Send(ctx, NewEvent(map[string]any{"routing_key": "b.minor"})), boom)

	m.FailWith(nil)
	require.NoError(t, m.Send(ctx, NewEvent(map[string]any{"routing_key": "c.links"})))

	events := m.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "a.major", events[0].RoutingKey)
	assert.Equal(t, "c.links", events[1].RoutingKey)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.Send(context.Background(), Event{RoutingKey: "x"}))
}

func TestRedisPublisher_UnreachableServer(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	p := NewRedisPublisher(client, "", nil)
	defer p.Close()
	assert.Equal(t, DefaultChannel, p.channel)

	err := p.Send(context.Background(), Event{RoutingKey: "guide.major"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "publish guide.major")
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := Dial(ctx, Config{Addr: "127.0.0.1:1"}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to redis")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PUBLISHING_REDIS_ADDR", "redis:6379")
	t.Setenv("PUBLISHING_REDIS_CHANNEL", "")
	cfg := ConfigFromEnv()
	assert.Equal(t, "redis:6379", cfg.Addr)
	assert.Equal(t, DefaultChannel, cfg.Channel)
}
