package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *QueueConfig {
	cfg := DefaultQueueConfig()
	cfg.Concurrency = 2
	cfg.MaxRetries = 3
	cfg.PollInterval = 20 * time.Millisecond
	cfg.RetryBaseDelay = 0
	cfg.TaskTimeout = time.Second
	return cfg
}

func TestWorkerProcessesTask(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	handlers := Handlers{
		"downstream_live": HandlerFunc(func(ctx context.Context, task *Task) error {
			calls.Add(1)
			return nil
		}),
	}
	pool := NewWorkerPool(store, handlers.Lookup, testConfig(), nil)

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := store.Get(context.Background(), task.ID)
		return err == nil && got != nil && got.State == TaskStateSucceeded
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())

	cancel()
	<-done
}

func TestWorkerRetriesThenFails(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	var calls atomic.Int32
	handlers := Handlers{
		"downstream_live": HandlerFunc(func(ctx context.Context, task *Task) error {
			calls.Add(1)
			return errors.New("content store returned 503")
		}),
	}
	pool := NewWorkerPool(store, handlers.Lookup, testConfig(), nil)

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)

	assert.Equal(t, 3, pool.Drain(ctx))
	assert.Equal(t, int32(3), calls.Load())

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateFailed, got.State)
	assert.Equal(t, "content store returned 503", got.LastError)
}

func TestWorkerPermanentErrorSkipsRetries(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	handlers := Handlers{
		"downstream_live": HandlerFunc(func(ctx context.Context, task *Task) error {
			return Permanent(errors.New("refusing to push a draft to the live store"))
		}),
	}
	pool := NewWorkerPool(store, handlers.Lookup, testConfig(), nil)

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Drain(ctx))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateFailed, got.State)
}

func TestWorkerUnknownKindFails(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	pool := NewWorkerPool(store, Handlers{}.Lookup, testConfig(), nil)

	task, err := store.Enqueue(ctx, newTestTask(t, "mystery", LaneHigh, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Drain(ctx))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateFailed, got.State)
	assert.Contains(t, got.LastError, "no handler registered")
}

func TestWorkerRecoversPanics(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	handlers := Handlers{
		"downstream_live": HandlerFunc(func(ctx context.Context, task *Task) error {
			panic("boom")
		}),
	}
	pool := NewWorkerPool(store, handlers.Lookup, testConfig(), nil)

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Drain(ctx))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateFailed, got.State)
	assert.Contains(t, got.LastError, "panic")
}

func TestWorkerAppliesTaskTimeout(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	cfg := testConfig()
	cfg.TaskTimeout = 20 * time.Millisecond
	cfg.MaxRetries = 1

	handlers := Handlers{
		"downstream_live": HandlerFunc(func(ctx context.Context, task *Task) error {
			<-ctx.Done()
			return ctx.Err()
		}),
	}
	pool := NewWorkerPool(store, handlers.Lookup, cfg, nil)

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	assert.Equal(t, 1, pool.Drain(ctx))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateFailed, got.State)
	assert.Contains(t, got.LastError, "deadline exceeded")
}

func TestWorkerPoolDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false
	pool := NewWorkerPool(NewStore(setupTestDB(t)), Handlers{}.Lookup, cfg, nil)
	// Returns immediately.
	pool.Run(context.Background())
}
