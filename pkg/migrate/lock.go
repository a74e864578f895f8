package migrate

import (
	"context"
	"fmt"
	"hash/crc32"
	"time"

	"gorm.io/gorm"
)

// Locker serializes schema migrations across replicas.
type Locker interface {
	// WithLock runs fn while holding the lock and releases it afterwards.
	WithLock(ctx context.Context, fn func() error) error
}

// NewLocker returns an advisory lock on PostgreSQL and a lock row on every
// other dialect. A nil db gets a lock that always succeeds.
func NewLocker(db *gorm.DB, cfg *Config) (Locker, error) {
	if db == nil || !cfg.LockEnabled {
		return noopLock{}, nil
	}
	if db.Dialector.Name() == "postgres" {
		return &advisoryLock{db: db, key: int64(crc32.ChecksumIEEE([]byte(cfg.LockName)))}, nil
	}
	// The lock table has to exist before two replicas race for its row.
	if err := db.AutoMigrate(&lockRecord{}); err != nil {
		return nil, fmt.Errorf("create migration lock table: %w", err)
	}
	return &rowLock{db: db, cfg: cfg}, nil
}

type noopLock struct{}

func (noopLock) WithLock(_ context.Context, fn func() error) error { return fn() }

type advisoryLock struct {
	db  *gorm.DB
	key int64
}

func (l *advisoryLock) WithLock(ctx context.Context, fn func() error) error {
	// pg_advisory_lock is session scoped, so lock and unlock must share a
	// connection.
	conn, err := l.db.DB()
	if err != nil {
		return err
	}
	c, err := conn.Conn(ctx)
	if err != nil {
		return fmt.Errorf("reserve connection for migration lock: %w", err)
	}
	defer c.Close()

	if _, err := c.ExecContext(ctx, "SELECT pg_advisory_lock($1)", l.key); err != nil {
		return fmt.Errorf("acquire migration advisory lock: %w", err)
	}
	defer func() {
		_, _ = c.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", l.key)
	}()
	return fn()
}

type lockRecord struct {
	ID       string    `gorm:"primaryKey;column:id"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "migration_lock" }

// rowLock holds the lock while its row exists. Rows older than StaleAfter
// belong to a crashed holder and are removed.
type rowLock struct {
	db  *gorm.DB
	cfg *Config
}

func (l *rowLock) WithLock(ctx context.Context, fn func() error) error {
	row := lockRecord{ID: l.cfg.LockName, LockedBy: l.cfg.Holder}

	var lastErr error
	for attempt := 1; ; attempt++ {
		l.db.WithContext(ctx).
			Where("id = ? AND locked_at < ?", row.ID, time.Now().Add(-l.cfg.StaleAfter)).
			Delete(&lockRecord{})

		row.LockedAt = time.Now()
		if lastErr = l.db.WithContext(ctx).Create(&row).Error; lastErr == nil {
			break
		}
		if attempt >= l.cfg.MaxAttempts {
			return fmt.Errorf("acquire migration lock after %d attempts: %w", attempt, lastErr)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}

	defer l.db.Where("id = ?", row.ID).Delete(&lockRecord{})
	return fn()
}
