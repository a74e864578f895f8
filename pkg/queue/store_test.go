package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	// Unique DSN per test so cleanup goroutines from other tests never share
	// the database.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, NewStore(db).AutoMigrate())
	return db
}

func newTestTask(t *testing.T, kind string, lane Lane, key string) *Task {
	t.Helper()
	task, err := NewTask(kind, lane, map[string]string{"content_id": "abc"}, key)
	require.NoError(t, err)
	return task
}

func TestEnqueueCreatesTask(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	created, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, TaskStateQueued, created.State)
	assert.False(t, created.RunAfter.IsZero())

	var payload map[string]string
	require.NoError(t, created.Decode(&payload))
	assert.Equal(t, "abc", payload["content_id"])
}

func TestEnqueueIdempotencyReturnsQueuedDuplicate(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	first, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, "live:abc:en"))
	require.NoError(t, err)
	second, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, "live:abc:en"))
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	// Tasks without a key are never collapsed.
	a, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	b, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestEnqueueIdempotencyAllowsWhileRunning(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	first, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, "live:abc:en"))
	require.NoError(t, err)
	claimed, err := store.Claim(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, first.ID, claimed.ID)

	second, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, "live:abc:en"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID, "a running task may have read stale state")

	running, err := store.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, running.IdempotencyKey)
}

func TestClaimPrefersHighLane(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	low, err := store.Enqueue(ctx, newTestTask(t, "dependency_resolution", LaneLow, ""))
	require.NoError(t, err)
	high, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, high.ID, claimed.ID)
	assert.Equal(t, TaskStateRunning, claimed.State)
	assert.Equal(t, 1, claimed.AttemptCount)

	claimed, err = store.Claim(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, low.ID, claimed.ID)

	claimed, err = store.Claim(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestClaimRespectsRunAfter(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	task := newTestTask(t, "downstream_live", LaneHigh, "")
	task.RunAfter = time.Now().UTC().Add(time.Hour)
	_, err := store.Enqueue(ctx, task)
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 3)
	require.NoError(t, err)
	assert.Nil(t, claimed)
}

func TestFailRequeuesWithDelayThenFails(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, 2)
	require.NoError(t, err)
	require.NoError(t, store.Fail(ctx, claimed.ID, "store unavailable", 2, time.Hour))

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateQueued, got.State)
	assert.Equal(t, "store unavailable", got.LastError)
	assert.True(t, got.RunAfter.After(time.Now().UTC()))

	// Not claimable until the delay elapses.
	claimed, err = store.Claim(ctx, 2)
	require.NoError(t, err)
	assert.Nil(t, claimed)

	require.NoError(t, store.Fail(ctx, task.ID, "still unavailable", 1, 0))
	got, err = store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateFailed, got.State)
	assert.Contains(t, got.Message, "Max retries exceeded")
}

func TestCancelAndRetry(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, task.ID))
	assert.Error(t, store.Cancel(ctx, task.ID))
	assert.Error(t, store.Cancel(ctx, "missing"))

	require.NoError(t, store.Retry(ctx, task.ID))
	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateQueued, got.State)
	assert.Equal(t, 0, got.AttemptCount)
	assert.Error(t, store.Retry(ctx, task.ID))
}

func TestListFiltersAndPaginates(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 5; i++ {
		task := newTestTask(t, "downstream_draft", LaneHigh, "")
		task.EnqueuedAt = base.Add(time.Duration(i) * time.Second)
		_, err := store.Enqueue(ctx, task)
		require.NoError(t, err)
	}
	_, err := store.Enqueue(ctx, newTestTask(t, "dependency_resolution", LaneLow, ""))
	require.NoError(t, err)

	page, next, total, err := store.List(ctx, TaskListFilter{Kind: "downstream_draft"}, 3, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 3)
	require.NotEmpty(t, next)

	page, next, _, err = store.List(ctx, TaskListFilter{Kind: "downstream_draft"}, 3, next)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Empty(t, next)

	_, _, total, err = store.List(ctx, TaskListFilter{Lane: "low"}, 10, "")
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(6), counts[TaskStateQueued])
}

func TestCleanupStuckTasks(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	_, err = store.Claim(ctx, 3)
	require.NoError(t, err)
	require.NoError(t, db.Model(&Task{}).Where("id = ?", task.ID).
		Update("started_at", time.Now().UTC().Add(-time.Hour)).Error)

	n, err := store.CleanupStuckTasks(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, TaskStateQueued, got.State)
}

func TestDeleteOlderThan(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	task, err := store.Enqueue(ctx, newTestTask(t, "downstream_live", LaneHigh, ""))
	require.NoError(t, err)
	require.NoError(t, store.Complete(ctx, task.ID, "done"))

	n, err := store.DeleteOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.DeleteOlderThan(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
