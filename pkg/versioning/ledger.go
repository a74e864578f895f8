// Package versioning implements optimistic concurrency control for every
// versionable entity in the publishing store. Each entity owns exactly one
// lock version row; mutating commands increment it by one inside the same
// transaction as the mutation.
package versioning

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntityKind identifies the type of a versioned entity.
type EntityKind string

const (
	KindContentItem EntityKind = "ContentItem"
	KindLinkSet     EntityKind = "LinkSet"
)

// Ref is a tagged reference to a versioned entity.
type Ref struct {
	Kind EntityKind
	ID   string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s/%s", r.Kind, r.ID)
}

// Versionable is implemented by every entity that carries a lock version.
type Versionable interface {
	VersionRef() Ref
}

// LockVersionRecord is the GORM model for a lock version.
type LockVersionRecord struct {
	ID         string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	TargetKind string    `gorm:"column:target_kind;uniqueIndex:idx_lock_target,priority:1;not null"`
	TargetID   string    `gorm:"column:target_id;uniqueIndex:idx_lock_target,priority:2;type:varchar(36);not null"`
	Number     int       `gorm:"column:number;not null"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (LockVersionRecord) TableName() string { return "lock_versions" }

// ErrVersionConflict is matched by every ConflictError.
var ErrVersionConflict = errors.New("version conflict")

// ErrNotVersioned is returned when an entity has no lock version row.
var ErrNotVersioned = errors.New("entity has no lock version")

// ConflictError reports a stale or non-monotonic version.
type ConflictError struct {
	Ref      Ref
	Expected int
	Current  int
	Message  string
}

func (e *ConflictError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("a lock-version conflict occurred: %s expected version %d, current version is %d",
		e.Ref, e.Expected, e.Current)
}

// Is reports whether target is ErrVersionConflict.
func (e *ConflictError) Is(target error) bool {
	return target == ErrVersionConflict
}

// ConflictsWith reports whether an observed version is stale. A nil observed
// version never conflicts.
func ConflictsWith(current int, observed *int) bool {
	if observed == nil {
		return false
	}
	return current != *observed
}

// Ledger reads and writes lock versions.
type Ledger struct {
	db *gorm.DB
}

// NewLedger creates a new Ledger.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

// WithTx returns a Ledger bound to the given transaction.
func (l *Ledger) WithTx(tx *gorm.DB) *Ledger {
	return &Ledger{db: tx}
}

// AutoMigrate creates or updates the lock_versions table.
func (l *Ledger) AutoMigrate() error {
	if err := l.db.AutoMigrate(&LockVersionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate lock_versions: %w", err)
	}
	return nil
}

// Initialize creates the lock version for a new entity with number 1.
func (l *Ledger) Initialize(ctx context.Context, v Versionable) (int, error) {
	return l.InitializeAt(ctx, v, 1)
}

// InitializeAt creates the lock version for a new entity with the given number.
func (l *Ledger) InitializeAt(ctx context.Context, v Versionable, number int) (int, error) {
	if number < 1 {
		return 0, fmt.Errorf("initialize %s: version must be positive, got %d", v.VersionRef(), number)
	}
	ref := v.VersionRef()
	record := &LockVersionRecord{
		ID:         uuid.New().String(),
		TargetKind: string(ref.Kind),
		TargetID:   ref.ID,
		Number:     number,
	}
	if err := l.db.WithContext(ctx).Create(record).Error; err != nil {
		return 0, fmt.Errorf("initialize lock version for %s: %w", ref, err)
	}
	return number, nil
}

// Read returns the current version without taking a lock.
func (l *Ledger) Read(ctx context.Context, v Versionable) (int, error) {
	record, err := l.find(l.db.WithContext(ctx), v.VersionRef())
	if err != nil {
		return 0, err
	}
	return record.Number, nil
}

// Check compares an observed version against the stored one and returns a
// ConflictError when it is stale. It does not lock.
func (l *Ledger) Check(ctx context.Context, v Versionable, observed *int) error {
	if observed == nil {
		return nil
	}
	current, err := l.Read(ctx, v)
	if err != nil {
		return err
	}
	if ConflictsWith(current, observed) {
		return &ConflictError{Ref: v.VersionRef(), Expected: *observed, Current: current}
	}
	return nil
}

// CheckForUpdate locks the entity's lock version row and compares the
// observed version against it. It returns the current version. The lock is
// held until the surrounding transaction ends.
func (l *Ledger) CheckForUpdate(ctx context.Context, v Versionable, observed *int) (int, error) {
	ref := v.VersionRef()
	record, err := l.find(l.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), ref)
	if err != nil {
		return 0, err
	}
	if ConflictsWith(record.Number, observed) {
		return 0, &ConflictError{Ref: ref, Expected: *observed, Current: record.Number}
	}
	return record.Number, nil
}

// IncrementAndSave locks the entity's lock version row, verifies the expected
// previous version when supplied, and stores current+1.
// Must be called inside the transaction that performs the mutation.
func (l *Ledger) IncrementAndSave(ctx context.Context, v Versionable, expectedPrevious *int) (int, error) {
	ref := v.VersionRef()
	record, err := l.find(l.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), ref)
	if err != nil {
		return 0, err
	}
	if ConflictsWith(record.Number, expectedPrevious) {
		return 0, &ConflictError{Ref: ref, Expected: *expectedPrevious, Current: record.Number}
	}
	next := record.Number + 1
	if err := l.compareAndSet(ctx, record, next); err != nil {
		return 0, err
	}
	return next, nil
}

// Delete removes the lock version of an entity. Missing rows are ignored.
func (l *Ledger) Delete(ctx context.Context, v Versionable) error {
	ref := v.VersionRef()
	err := l.db.WithContext(ctx).
		Where("target_kind = ? AND target_id = ?", string(ref.Kind), ref.ID).
		Delete(&LockVersionRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete lock version for %s: %w", ref, err)
	}
	return nil
}

// compareAndSet writes number only if the row still holds the value that was
// read, so a concurrent writer that slipped past the row lock loses. Numbers
// not greater than the stored one are rejected.
func (l *Ledger) compareAndSet(ctx context.Context, record *LockVersionRecord, number int) error {
	if number <= record.Number {
		return &ConflictError{
			Ref:      Ref{Kind: EntityKind(record.TargetKind), ID: record.TargetID},
			Expected: number,
			Current:  record.Number,
			Message:  fmt.Sprintf("cannot save version %d for %s/%s: must be greater than %d", number, record.TargetKind, record.TargetID, record.Number),
		}
	}
	result := l.db.WithContext(ctx).Model(&LockVersionRecord{}).
		Where("id = ? AND number = ?", record.ID, record.Number).
		Updates(map[string]any{
			"number":     number,
			"updated_at": time.Now(),
		})
	if result.Error != nil {
		return fmt.Errorf("save lock version: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return &ConflictError{
			Ref:      Ref{Kind: EntityKind(record.TargetKind), ID: record.TargetID},
			Expected: record.Number,
			Current:  -1,
			Message:  fmt.Sprintf("lock version for %s/%s changed concurrently", record.TargetKind, record.TargetID),
		}
	}
	return nil
}

func (l *Ledger) find(q *gorm.DB, ref Ref) (*LockVersionRecord, error) {
	var record LockVersionRecord
	err := q.Where("target_kind = ? AND target_id = ?", string(ref.Kind), ref.ID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrNotVersioned, ref)
		}
		return nil, fmt.Errorf("read lock version for %s: %w", ref, err)
	}
	return &record, nil
}
