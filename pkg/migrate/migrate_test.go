package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
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
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return db
}

func testConfig() *Config {
	cfg := DefaultConfig()
	cfg.Holder = "test"
	cfg.RetryInterval = 10 * time.Millisecond
	cfg.MaxAttempts = 200
	return cfg
}

func lockRows(t *testing.T, db *gorm.DB) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&lockRecord{}).Count(&n).Error)
	return n
}

func TestRun_CreatesEverySchema(t *testing.T) {
	db := setupTestDB(t)

	require.NoError(t, Run(context.Background(), db, testConfig(), nil))

	for _, table := range []string{"lock_versions", "content_items", "actions", "path_reservations", "link_sets", "propagation_tasks"} {
		assert.True(t, db.Migrator().HasTable(table), "missing table %s", table)
	}
	assert.Zero(t, lockRows(t, db))

	// Migrating an up-to-date schema is a no-op.
	require.NoError(t, Run(context.Background(), db, testConfig(), nil))
}

func TestLocker_Disabled(t *testing.T) {
	db := setupTestDB(t)
	cfg := testConfig()
	cfg.LockEnabled = false

	locker, err := NewLocker(db, cfg)
	require.NoError(t, err)
	called := false
	require.NoError(t, locker.WithLock(context.Background(), func() error {
		called = true
		return nil
	}))
	assert.True(t, called)
	assert.False(t, db.Migrator().HasTable(&lockRecord{}))
}

func TestLocker_NilDB(t *testing.T) {
	locker, err := NewLocker(nil, testConfig())
	require.NoError(t, err)
	assert.NoError(t, locker.WithLock(context.Background(), func() error { return nil }))
}

func TestRowLock_ReleasesOnError(t *testing.T) {
	db := setupTestDB(t)
	locker, err := NewLocker(db, testConfig())
	require.NoError(t, err)

	boom := errors.New("migration failed")
	err = locker.WithLock(context.Background(), func() error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, lockRows(t, db))
}

func TestRowLock_Serializes(t *testing.T) {
	db := setupTestDB(t)
	locker, err := NewLocker(db, testConfig())
	require.NoError(t, err)

	var running, peak atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, locker.WithLock(context.Background(), func() error {
				cur := running.Add(1)
				for {
					prev := peak.Load()
					if cur <= prev || peak.CompareAndSwap(prev, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			}))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), peak.Load())
}

func TestRowLock_GivesUpWhenCancelled(t *testing.T) {
	db := setupTestDB(t)
	locker, err := NewLocker(db, testConfig())
	require.NoError(t, err)

	require.NoError(t, locker.WithLock(context.Background(), func() error {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		inner := locker.WithLock(ctx, func() error {
			t.Error("lock acquired twice")
			return nil
		})
		assert.Error(t, inner)
		return nil
	}))
}

func TestRowLock_ClearsStaleHolder(t *testing.T) {
	db := setupTestDB(t)
	cfg := testConfig()
	cfg.MaxAttempts = 1
	locker, err := NewLocker(db, cfg)
	require.NoError(t, err)

	require.NoError(t, db.Create(&lockRecord{
		ID:       cfg.LockName,
		LockedBy: "crashed",
		LockedAt: time.Now().Add(-time.Hour),
	}).Error)

	assert.NoError(t, locker.WithLock(context.Background(), func() error { return nil }))
	assert.Zero(t, lockRows(t, db))
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("PUBLISHING_MIGRATION_LOCK_ENABLED", "false")
	t.Setenv("PUBLISHING_MIGRATION_LOCK_ATTEMPTS", "3")
	t.Setenv("POD_NAME", "publishing-api-0")

	cfg := ConfigFromEnv()
	assert.False(t, cfg.LockEnabled)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "publishing-api-0", cfg.Holder)
	assert.Equal(t, "publishing-api-migration", cfg.LockName)
}
