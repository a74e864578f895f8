// Package links stores the typed link graph between content IDs and expands
// it into the nested link trees embedded in downstream payloads.
package links

import (
	"context"
	"errors"
	"fmt"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/versioning"
)

// ErrLinkSetNotFound is returned by Get when a content ID has no link set.
var ErrLinkSetNotFound = errors.New("could not find link set")

// Store provides database operations for link sets and their links.
type Store struct {
	db     *gorm.DB
	ledger *versioning.Ledger
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db, ledger: versioning.NewLedger(db)}
}

// WithTx returns a Store bound to the given transaction.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, ledger: s.ledger.WithTx(tx)}
}

// AutoMigrate creates or updates the link_sets and links tables.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&LinkSetRecord{}); err != nil {
		return fmt.Errorf("auto-migrate link_sets: %w", err)
	}
	if err := s.db.AutoMigrate(&LinkRecord{}); err != nil {
		return fmt.Errorf("auto-migrate links: %w", err)
	}
	return nil
}

// FindLinkSet returns the link set record of a content ID, or nil, nil.
func (s *Store) FindLinkSet(ctx context.Context, contentID string) (*LinkSetRecord, error) {
	var record LinkSetRecord
	if err := s.db.WithContext(ctx).First(&record, "content_id = ?", contentID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("find link set: %w", err)
	}
	return &record, nil
}

// EnsureLinkSet returns the link set of a content ID, creating it with lock
// version 1 when missing. created reports whether this call created it.
func (s *Store) EnsureLinkSet(ctx context.Context, contentID string) (record *LinkSetRecord, created bool, err error) {
	record, err = s.FindLinkSet(ctx, contentID)
	if err != nil || record != nil {
		return record, false, err
	}

	record = &LinkSetRecord{ID: uuid.New().String(), ContentID: contentID}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		_, err := s.ledger.WithTx(tx).Initialize(ctx, record)
		return err
	})
	if err == nil {
		return record, true, nil
	}
	if !content.IsUniqueViolation(err) {
		return nil, false, fmt.Errorf("create link set: %w", err)
	}
	// Lost the race to a concurrent writer.
	record, err = s.FindLinkSet(ctx, contentID)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, fmt.Errorf("create link set for %s: lost race but no row found", contentID)
	}
	return record, false, nil
}

// Get returns the link set of a content ID with its current version.
func (s *Store) Get(ctx context.Context, contentID string) (*LinkSet, error) {
	record, err := s.FindLinkSet(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, fmt.Errorf("%w: %s", ErrLinkSetNotFound, contentID)
	}
	version, err := s.ledger.Read(ctx, record)
	if err != nil {
		return nil, err
	}
	links, err := s.links(ctx, record.ID)
	if err != nil {
		return nil, err
	}
	set := &LinkSet{ContentID: contentID, Version: version, Links: map[string][]Target{}}
	for _, l := range links {
		set.Links[l.LinkType] = append(set.Links[l.LinkType], targetOf(l))
	}
	return set, nil
}

// ReplaceLinks replaces every link of linkType in a link set with targets, in
// order. An empty targets slice removes the type.
func (s *Store) ReplaceLinks(ctx context.Context, linkSetID, linkType string, targets []Target) error {
	db := s.db.WithContext(ctx)
	if err := db.Where("link_set_id = ? AND link_type = ?", linkSetID, linkType).Delete(&LinkRecord{}).Error; err != nil {
		return fmt.Errorf("delete %s links: %w", linkType, err)
	}
	if len(targets) == 0 {
		return nil
	}
	records := make([]LinkRecord, 0, len(targets))
	for i, t := range targets {
		r := LinkRecord{
			ID:        uuid.New().String(),
			LinkSetID: linkSetID,
			LinkType:  linkType,
			Position:  i,
		}
		if t.IsPassthrough() {
			r.Passthrough = content.JSONAny(t.Passthrough)
		} else {
			id := t.ContentID
			r.TargetContentID = &id
		}
		records = append(records, r)
	}
	if err := db.Create(&records).Error; err != nil {
		return fmt.Errorf("create %s links: %w", linkType, err)
	}
	return nil
}

// Dependees returns the outbound links of a content ID in type and position
// order.
func (s *Store) Dependees(ctx context.Context, contentID string) ([]LinkRecord, error) {
	var links []LinkRecord
	err := s.db.WithContext(ctx).
		Joins("JOIN link_sets ON link_sets.id = links.link_set_id").
		Where("link_sets.content_id = ?", contentID).
		Order("links.link_type ASC, links.position ASC").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("list dependees: %w", err)
	}
	return links, nil
}

// Dependents returns the inbound links that target a content ID.
func (s *Store) Dependents(ctx context.Context, contentID string) ([]Dependent, error) {
	var rows []struct {
		LinkType  string
		ContentID string
	}
	err := s.db.WithContext(ctx).Model(&LinkRecord{}).
		Select("links.link_type AS link_type, link_sets.content_id AS content_id").
		Joins("JOIN link_sets ON link_sets.id = links.link_set_id").
		Where("links.target_content_id = ?", contentID).
		Order("links.link_type ASC, link_sets.content_id ASC").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list dependents: %w", err)
	}
	out := make([]Dependent, 0, len(rows))
	for _, r := range rows {
		out = append(out, Dependent{LinkType: r.LinkType, SourceContentID: r.ContentID})
	}
	return out, nil
}

// DependentContentIDs returns every content ID whose expanded links can embed
// contentID: direct inbound links of any type, inbound links followed
// transitively through recursing types, and outbound targets of types that
// are shown in reverse on the target. The result never contains contentID.
func (s *Store) DependentContentIDs(ctx context.Context, contentID string, rules *Rules) ([]string, error) {
	seen := mapset.NewThreadUnsafeSet[string](contentID)
	var ordered []string
	add := func(id string) bool {
		if seen.Contains(id) {
			return false
		}
		seen.Add(id)
		ordered = append(ordered, id)
		return true
	}

	frontier := []string{contentID}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		deps, err := s.Dependents(ctx, current)
		if err != nil {
			return nil, err
		}
		for _, d := range deps {
			// Beyond the first hop only recursing types carry the change further.
			if current != contentID && !rules.Recurse(d.LinkType) {
				continue
			}
			if add(d.SourceContentID) && rules.Recurse(d.LinkType) {
				frontier = append(frontier, d.SourceContentID)
			}
		}
	}

	outbound, err := s.Dependees(ctx, contentID)
	if err != nil {
		return nil, err
	}
	for _, l := range outbound {
		if l.TargetContentID == nil {
			continue
		}
		if _, ok := rules.ReverseName(l.LinkType); ok {
			add(*l.TargetContentID)
		}
	}
	return ordered, nil
}

func (s *Store) links(ctx context.Context, linkSetID string) ([]LinkRecord, error) {
	var links []LinkRecord
	err := s.db.WithContext(ctx).
		Where("link_set_id = ?", linkSetID).
		Order("link_type ASC, position ASC").
		Find(&links).Error
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	return links, nil
}

func targetOf(l LinkRecord) Target {
	if l.TargetContentID != nil {
		return Target{ContentID: *l.TargetContentID}
	}
	return Target{Passthrough: map[string]any(l.Passthrough)}
}
