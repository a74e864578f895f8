package content

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SetAccessLimit replaces the access limit of an edition.
func (s *ItemStore) SetAccessLimit(ctx context.Context, itemID string, users []string) error {
	record := &AccessLimitRecord{
		ID:            uuid.New().String(),
		ContentItemID: itemID,
		Users:         JSONStringSlice(users),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"users"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("set access limit: %w", err)
	}
	return nil
}

// GetAccessLimit returns the access limit of an edition, or nil, nil.
func (s *ItemStore) GetAccessLimit(ctx context.Context, itemID string) (*AccessLimitRecord, error) {
	var record AccessLimitRecord
	if err := s.db.WithContext(ctx).First(&record, "content_item_id = ?", itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get access limit: %w", err)
	}
	return &record, nil
}

// RemoveAccessLimit deletes the access limit of an edition, if any.
func (s *ItemStore) RemoveAccessLimit(ctx context.Context, itemID string) error {
	if err := s.db.WithContext(ctx).Where("content_item_id = ?", itemID).Delete(&AccessLimitRecord{}).Error; err != nil {
		return fmt.Errorf("remove access limit: %w", err)
	}
	return nil
}

// AddChangeNote attaches a change note to an edition.
func (s *ItemStore) AddChangeNote(ctx context.Context, itemID, note string, at time.Time) error {
	record := &ChangeNoteRecord{
		ID:              uuid.New().String(),
		ContentItemID:   itemID,
		Note:            note,
		PublicTimestamp: at,
	}
	if err := s.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("add change note: %w", err)
	}
	return nil
}

// ChangeNotes returns the change notes of an edition, oldest first.
func (s *ItemStore) ChangeNotes(ctx context.Context, itemID string) ([]ChangeNoteRecord, error) {
	var notes []ChangeNoteRecord
	err := s.db.WithContext(ctx).
		Where("content_item_id = ?", itemID).
		Order("public_timestamp ASC").
		Find(&notes).Error
	if err != nil {
		return nil, fmt.Errorf("list change notes: %w", err)
	}
	return notes, nil
}

// ChangeHistory returns the change notes of every edition of a document up to
// and including the given user-facing version, oldest first.
func (s *ItemStore) ChangeHistory(ctx context.Context, contentID, locale string, upToVersion int) ([]ChangeNoteRecord, error) {
	var notes []ChangeNoteRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN content_items ON content_items.id = change_notes.content_item_id").
		Where("content_items.content_id = ? AND content_items.locale = ? AND content_items.user_facing_version <= ?",
			contentID, locale, upToVersion).
		Order("change_notes.public_timestamp ASC").
		Find(&notes).Error
	if err != nil {
		return nil, fmt.Errorf("list change history: %w", err)
	}
	return notes, nil
}

// DeleteChangeNotes removes every change note of an edition.
func (s *ItemStore) DeleteChangeNotes(ctx context.Context, itemID string) error {
	if err := s.db.WithContext(ctx).Where("content_item_id = ?", itemID).Delete(&ChangeNoteRecord{}).Error; err != nil {
		return fmt.Errorf("delete change notes: %w", err)
	}
	return nil
}

// SetUnpublishing records why an edition was unpublished, replacing any
// earlier record.
func (s *ItemStore) SetUnpublishing(ctx context.Context, record *UnpublishingRecord) error {
	if record.ID == "" {
		record.ID = uuid.New().String()
	}
	if record.UnpublishedAt.IsZero() {
		record.UnpublishedAt = time.Now().UTC()
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "content_item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"type", "explanation", "alternative_path", "unpublished_at"}),
	}).Create(record).Error
	if err != nil {
		return fmt.Errorf("set unpublishing: %w", err)
	}
	return nil
}

// GetUnpublishing returns the unpublishing of an edition, or nil, nil.
func (s *ItemStore) GetUnpublishing(ctx context.Context, itemID string) (*UnpublishingRecord, error) {
	var record UnpublishingRecord
	if err := s.db.WithContext(ctx).First(&record, "content_item_id = ?", itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get unpublishing: %w", err)
	}
	return &record, nil
}

// RecordAction appends an audit entry and returns its event ID.
func (s *ItemStore) RecordAction(ctx context.Context, action *ActionRecord) (uint64, error) {
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(action).Error; err != nil {
		return 0, fmt.Errorf("record action: %w", err)
	}
	return action.ID, nil
}

// Actions returns the audit entries of a document, newest first.
func (s *ItemStore) Actions(ctx context.Context, contentID string, limit int) ([]ActionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	var actions []ActionRecord
	err := s.db.WithContext(ctx).
		Where("content_id = ?", contentID).
		Order("id DESC").
		Limit(limit).
		Find(&actions).Error
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	return actions, nil
}

// LatestEventID returns the highest action ID recorded, or 0.
func (s *ItemStore) LatestEventID(ctx context.Context) (uint64, error) {
	var id sql.NullInt64
	row := s.db.WithContext(ctx).Model(&ActionRecord{}).Select("MAX(id)").Row()
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	if !id.Valid {
		return 0, nil
	}
	return uint64(id.Int64), nil
}
