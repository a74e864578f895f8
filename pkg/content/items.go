// Package content stores content item editions and their supporting rows
// (access limits, change notes, unpublishings, actions, path reservations).
package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrAmbiguousEdition is returned when more than one published or unpublished
// edition exists for a document.
var ErrAmbiguousEdition = errors.New("more than one previous edition")

// ItemStore provides database operations for content item editions.
type ItemStore struct {
	db *gorm.DB
}

// NewItemStore creates a new ItemStore.
func NewItemStore(db *gorm.DB) *ItemStore {
	return &ItemStore{db: db}
}

// WithTx returns an ItemStore bound to the given transaction.
func (s *ItemStore) WithTx(tx *gorm.DB) *ItemStore {
	return &ItemStore{db: tx}
}

// AutoMigrate creates or updates the content tables.
func (s *ItemStore) AutoMigrate() error {
	if err := s.db.AutoMigrate(&ContentItemRecord{}); err != nil {
		return fmt.Errorf("auto-migrate content_items: %w", err)
	}
	if err := s.db.AutoMigrate(&AccessLimitRecord{}); err != nil {
		return fmt.Errorf("auto-migrate access_limits: %w", err)
	}
	if err := s.db.AutoMigrate(&ChangeNoteRecord{}); err != nil {
		return fmt.Errorf("auto-migrate change_notes: %w", err)
	}
	if err := s.db.AutoMigrate(&UnpublishingRecord{}); err != nil {
		return fmt.Errorf("auto-migrate unpublishings: %w", err)
	}
	if err := s.db.AutoMigrate(&ActionRecord{}); err != nil {
		return fmt.Errorf("auto-migrate actions: %w", err)
	}
	return nil
}

// Create inserts a new edition. An empty ID is filled in.
func (s *ItemStore) Create(ctx context.Context, item *ContentItemRecord) error {
	if item.ID == "" {
		item.ID = uuid.New().String()
	}
	if item.Locale == "" {
		item.Locale = DefaultLocale
	}
	item.syncDraftKey()
	if err := s.db.WithContext(ctx).Create(item).Error; err != nil {
		return fmt.Errorf("create content item: %w", err)
	}
	return nil
}

// Save writes every column of an existing edition.
func (s *ItemStore) Save(ctx context.Context, item *ContentItemRecord) error {
	item.syncDraftKey()
	if err := s.db.WithContext(ctx).Save(item).Error; err != nil {
		return fmt.Errorf("save content item: %w", err)
	}
	return nil
}

// SetState moves an edition out of the draft state or between the other
// states. Drafts are only created through Create.
func (s *ItemStore) SetState(ctx context.Context, itemID string, state State) error {
	if state == StateDraft {
		return fmt.Errorf("set content item state: cannot move %s back to draft", itemID)
	}
	result := s.db.WithContext(ctx).Model(&ContentItemRecord{}).
		Where("id = ?", itemID).
		Updates(map[string]any{"state": state, "draft_key": nil})
	if result.Error != nil {
		return fmt.Errorf("set content item state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("content item not found: %s", itemID)
	}
	return nil
}

// Get retrieves an edition by ID. Returns nil, nil if none exists.
func (s *ItemStore) Get(ctx context.Context, itemID string) (*ContentItemRecord, error) {
	var item ContentItemRecord
	if err := s.db.WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get content item: %w", err)
	}
	return &item, nil
}

// FindByState returns the edition of a document in the given state.
// Returns nil, nil if none exists.
func (s *ItemStore) FindByState(ctx context.Context, contentID, locale string, state State) (*ContentItemRecord, error) {
	return s.first(s.db.WithContext(ctx), contentID, locale, state)
}

// FindDraftForUpdate returns the draft of a document with its row locked for
// the rest of the transaction. Returns nil, nil if there is no draft.
func (s *ItemStore) FindDraftForUpdate(ctx context.Context, contentID, locale string) (*ContentItemRecord, error) {
	return s.first(s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), contentID, locale, StateDraft)
}

// FindPublishedForUpdate returns the published edition with its row locked.
func (s *ItemStore) FindPublishedForUpdate(ctx context.Context, contentID, locale string) (*ContentItemRecord, error) {
	return s.first(s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), contentID, locale, StatePublished)
}

func (s *ItemStore) first(q *gorm.DB, contentID, locale string, state State) (*ContentItemRecord, error) {
	var item ContentItemRecord
	err := q.Where("content_id = ? AND locale = ? AND state = ?", contentID, locale, state).
		Order("user_facing_version DESC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find %s content item: %w", state, err)
	}
	return &item, nil
}

// FindPrevious returns the published or unpublished edition of a document.
// Returns nil, nil if there is none and ErrAmbiguousEdition if there are
// several.
func (s *ItemStore) FindPrevious(ctx context.Context, contentID, locale string) (*ContentItemRecord, error) {
	var items []ContentItemRecord
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND locale = ? AND state IN ?", contentID, locale,
			[]State{StatePublished, StateUnpublished}).
		Limit(2).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("find previous content item: %w", err)
	}
	switch len(items) {
	case 0:
		return nil, nil
	case 1:
		return &items[0], nil
	default:
		return nil, fmt.Errorf("%w: content %s locale %s", ErrAmbiguousEdition, contentID, locale)
	}
}

// FindLatest returns the edition with the highest user-facing version in any
// state. Returns nil, nil if the document has no editions.
func (s *ItemStore) FindLatest(ctx context.Context, contentID, locale string) (*ContentItemRecord, error) {
	var item ContentItemRecord
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND locale = ?", contentID, locale).
		Order("user_facing_version DESC").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find latest content item: %w", err)
	}
	return &item, nil
}

// FindPublishedAtPath returns published editions at a base path and locale that
// belong to other documents.
func (s *ItemStore) FindPublishedAtPath(ctx context.Context, basePath, locale, excludeContentID string) ([]ContentItemRecord, error) {
	var items []ContentItemRecord
	err := s.db.WithContext(ctx).
		Where("base_path = ? AND locale = ? AND state = ? AND content_id <> ?",
			basePath, locale, StatePublished, excludeContentID).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("find published content at path: %w", err)
	}
	return items, nil
}

// FindOtherAtPath returns the first edition of another document that sits at
// basePath in one of the given states. Returns nil, nil if the path is free.
func (s *ItemStore) FindOtherAtPath(ctx context.Context, basePath string, states []State, excludeContentID string) (*ContentItemRecord, error) {
	var item ContentItemRecord
	err := s.db.WithContext(ctx).
		Where("base_path = ? AND state IN ? AND content_id <> ?", basePath, states, excludeContentID).
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find content at path: %w", err)
	}
	return &item, nil
}

// FindDraftRedirectAt returns a draft redirect parked at a base path, if any.
func (s *ItemStore) FindDraftRedirectAt(ctx context.Context, basePath, locale string) (*ContentItemRecord, error) {
	var item ContentItemRecord
	err := s.db.WithContext(ctx).
		Where("base_path = ? AND locale = ? AND state = ? AND schema_name = ?",
			basePath, locale, StateDraft, "redirect").
		First(&item).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find draft redirect: %w", err)
	}
	return &item, nil
}

// Resolve picks the edition of contentID that best matches the fallback
// orders. Locales are tried outermost, then states. Returns nil, nil when no
// combination exists.
func (s *ItemStore) Resolve(ctx context.Context, contentID string, states []State, locales []string) (*ContentItemRecord, error) {
	var items []ContentItemRecord
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND locale IN ? AND state IN ?", contentID, locales, states).
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("resolve content item: %w", err)
	}
	for _, locale := range locales {
		for _, state := range states {
			for i := range items {
				if items[i].Locale == locale && items[i].State == state {
					return &items[i], nil
				}
			}
		}
	}
	return nil, nil
}

// AvailableTranslations returns one edition per locale of contentID, choosing
// the first state in states that exists for each locale. Results are ordered
// by locale.
func (s *ItemStore) AvailableTranslations(ctx context.Context, contentID string, states []State) ([]ContentItemRecord, error) {
	var items []ContentItemRecord
	err := s.db.WithContext(ctx).
		Where("content_id = ? AND state IN ?", contentID, states).
		Order("locale ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("list translations: %w", err)
	}
	rank := make(map[State]int, len(states))
	for i, st := range states {
		rank[st] = i
	}
	var out []ContentItemRecord
	best := map[string]int{}
	for _, item := range items {
		idx, seen := best[item.Locale]
		if !seen {
			best[item.Locale] = len(out)
			out = append(out, item)
			continue
		}
		if rank[item.State] < rank[out[idx].State] {
			out[idx] = item
		}
	}
	return out, nil
}

// LocalesFor returns the distinct locales that have editions of contentID.
func (s *ItemStore) LocalesFor(ctx context.Context, contentID string) ([]string, error) {
	var locales []string
	err := s.db.WithContext(ctx).Model(&ContentItemRecord{}).
		Where("content_id = ?", contentID).
		Distinct("locale").
		Order("locale ASC").
		Pluck("locale", &locales).Error
	if err != nil {
		return nil, fmt.Errorf("list locales: %w", err)
	}
	return locales, nil
}

// ContentIDs returns every distinct content ID, for full replays.
func (s *ItemStore) ContentIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.WithContext(ctx).Model(&ContentItemRecord{}).
		Distinct("content_id").
		Order("content_id ASC").
		Pluck("content_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("list content ids: %w", err)
	}
	return ids, nil
}

// Delete removes an edition together with its supporting rows.
func (s *ItemStore) Delete(ctx context.Context, itemID string) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("content_item_id = ?", itemID).Delete(&AccessLimitRecord{}).Error; err != nil {
		return fmt.Errorf("delete access limit: %w", err)
	}
	if err := db.Where("content_item_id = ?", itemID).Delete(&ChangeNoteRecord{}).Error; err != nil {
		return fmt.Errorf("delete change notes: %w", err)
	}
	if err := db.Where("content_item_id = ?", itemID).Delete(&UnpublishingRecord{}).Error; err != nil {
		return fmt.Errorf("delete unpublishing: %w", err)
	}
	if err := db.Where("id = ?", itemID).Delete(&ContentItemRecord{}).Error; err != nil {
		return fmt.Errorf("delete content item: %w", err)
	}
	return nil
}
