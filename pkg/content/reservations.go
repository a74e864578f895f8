package content

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PathConflictError is returned when a base path is owned by another
// publishing application.
type PathConflictError struct {
	BasePath      string
	Owner         string
	PublishingApp string
}

func (e *PathConflictError) Error() string {
	return fmt.Sprintf("%s is already reserved by %s", e.BasePath, e.Owner)
}

// ReservationStore enforces a single owning publishing application per base
// path.
type ReservationStore struct {
	db *gorm.DB
}

// NewReservationStore creates a new ReservationStore.
func NewReservationStore(db *gorm.DB) *ReservationStore {
	return &ReservationStore{db: db}
}

// WithTx returns a ReservationStore bound to the given transaction.
func (s *ReservationStore) WithTx(tx *gorm.DB) *ReservationStore {
	return &ReservationStore{db: tx}
}

// AutoMigrate creates or updates the path_reservations table.
func (s *ReservationStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&PathReservationRecord{}); err != nil {
		return fmt.Errorf("auto-migrate path_reservations: %w", err)
	}
	return nil
}

// Reserve claims basePath for publishingApp. Reserving a path the app already
// owns is a no-op; a path owned by another app yields *PathConflictError.
//
// The row is inserted first and a uniqueness violation is recovered by reading
// the existing owner. The insert runs in a nested transaction so that a failed
// insert only rolls back to its savepoint.
func (s *ReservationStore) Reserve(ctx context.Context, basePath, publishingApp string) error {
	if basePath == "" {
		return nil
	}
	record := &PathReservationRecord{
		ID:            uuid.New().String(),
		BasePath:      basePath,
		PublishingApp: publishingApp,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(record).Error
	})
	if err == nil {
		return nil
	}
	if !IsUniqueViolation(err) {
		return fmt.Errorf("reserve path %s: %w", basePath, err)
	}

	existing, lookupErr := s.Get(ctx, basePath)
	if lookupErr != nil {
		return lookupErr
	}
	if existing == nil {
		return fmt.Errorf("reserve path %s: %w", basePath, err)
	}
	if existing.PublishingApp != publishingApp {
		return &PathConflictError{BasePath: basePath, Owner: existing.PublishingApp, PublishingApp: publishingApp}
	}
	return nil
}

// Get returns the reservation for basePath, or nil, nil.
func (s *ReservationStore) Get(ctx context.Context, basePath string) (*PathReservationRecord, error) {
	var record PathReservationRecord
	if err := s.db.WithContext(ctx).First(&record, "base_path = ?", basePath).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get path reservation: %w", err)
	}
	return &record, nil
}

// IsUniqueViolation reports whether err is a unique-constraint failure from
// any supported driver.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "Duplicate entry")
}
