package content

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubeflow/publishing-api/pkg/versioning"
)

// DefaultLocale is used when a command does not name a locale.
const DefaultLocale = "en"

// State is the lifecycle state of a content item edition.
type State string

const (
	StateDraft       State = "draft"
	StatePublished   State = "published"
	StateUnpublished State = "unpublished"
	StateSuperseded  State = "superseded"
)

// UpdateType classifies a change for downstream consumers.
type UpdateType string

const (
	UpdateMajor     UpdateType = "major"
	UpdateMinor     UpdateType = "minor"
	UpdateRepublish UpdateType = "republish"
	UpdateLinks     UpdateType = "links"

	// UpdateUnpublish is broadcast when an edition is taken down. Publish
	// does not accept it.
	UpdateUnpublish UpdateType = "unpublish"
)

// ValidUpdateTypes lists the update types a publish accepts.
var ValidUpdateTypes = []UpdateType{UpdateMajor, UpdateMinor, UpdateRepublish, UpdateLinks}

// IsValid reports whether u is one of ValidUpdateTypes.
func (u UpdateType) IsValid() bool {
	for _, v := range ValidUpdateTypes {
		if u == v {
			return true
		}
	}
	return false
}

// Store names a downstream content store replica.
type Store string

const (
	DraftStore Store = "draft"
	LiveStore  Store = "live"
)

// StatesFor returns the edition states a store may hold, in fallback order.
func StatesFor(store Store) []State {
	if store == LiveStore {
		return []State{StatePublished, StateUnpublished}
	}
	return []State{StateDraft, StatePublished, StateUnpublished}
}

// UnpublishingType describes how a published edition was taken down.
type UnpublishingType string

const (
	UnpublishWithdrawal UnpublishingType = "withdrawal"
	UnpublishRedirect   UnpublishingType = "redirect"
	UnpublishGone       UnpublishingType = "gone"
	UnpublishVanish     UnpublishingType = "vanish"
	UnpublishSubstitute UnpublishingType = "substitute"
)

// Route is a single route or redirect declared by a content item.
type Route struct {
	Path        string `json:"path"`
	Type        string `json:"type"`
	Destination string `json:"destination,omitempty"`
}

// JSONRoutes is a custom GORM type for []Route stored as JSON.
type JSONRoutes []Route

// Scan implements the sql.Scanner interface for JSONRoutes.
func (r *JSONRoutes) Scan(value any) error {
	if value == nil {
		*r = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return fmt.Errorf("unsupported type for JSONRoutes: %w", err)
	}
	return json.Unmarshal(bytes, r)
}

// Value implements the driver.Valuer interface for JSONRoutes.
func (r JSONRoutes) Value() (driver.Value, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONStringSlice is a custom GORM type for []string stored as JSON.
type JSONStringSlice []string

// Scan implements the sql.Scanner interface for JSONStringSlice.
func (s *JSONStringSlice) Scan(value any) error {
	if value == nil {
		*s = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return fmt.Errorf("unsupported type for JSONStringSlice: %w", err)
	}
	return json.Unmarshal(bytes, s)
}

// Value implements the driver.Valuer interface for JSONStringSlice.
func (s JSONStringSlice) Value() (driver.Value, error) {
	if s == nil {
		return nil, nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// JSONAny is a custom GORM type for map[string]any stored as JSON.
type JSONAny map[string]any

// Scan implements the sql.Scanner interface for JSONAny.
func (m *JSONAny) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	bytes, err := scanBytes(value)
	if err != nil {
		return fmt.Errorf("unsupported type for JSONAny: %w", err)
	}
	return json.Unmarshal(bytes, m)
}

// Value implements the driver.Valuer interface for JSONAny.
func (m JSONAny) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func scanBytes(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("%T", value)
	}
}

// ContentItemRecord is one edition of a document in one locale.
type ContentItemRecord struct {
	ID                  string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	ContentID           string     `gorm:"column:content_id;type:varchar(36);index:idx_item_doc,priority:1;not null"`
	Locale              string     `gorm:"column:locale;index:idx_item_doc,priority:2;index:idx_item_path,priority:2;default:en;not null"`
	State               State      `gorm:"column:state;index:idx_item_doc,priority:3;index:idx_item_path,priority:3;not null"`
	DraftKey            *string    `gorm:"column:draft_key;type:varchar(80);uniqueIndex:idx_item_one_draft"`
	UserFacingVersion   int        `gorm:"column:user_facing_version;not null"`
	BasePath            *string    `gorm:"column:base_path;index:idx_item_path,priority:1"`
	ContentStore        Store      `gorm:"column:content_store;not null;default:draft"`
	DocumentType        string     `gorm:"column:document_type;not null"`
	SchemaName          string     `gorm:"column:schema_name;not null"`
	Title               string     `gorm:"column:title"`
	Description         string     `gorm:"column:description"`
	PublishingApp       string     `gorm:"column:publishing_app;not null"`
	RenderingApp        string     `gorm:"column:rendering_app"`
	Phase               string     `gorm:"column:phase;default:live"`
	AnalyticsIdentifier string     `gorm:"column:analytics_identifier"`
	Details             JSONAny    `gorm:"column:details;type:text"`
	Routes              JSONRoutes `gorm:"column:routes;type:text"`
	Redirects           JSONRoutes `gorm:"column:redirects;type:text"`
	UpdateType          UpdateType `gorm:"column:update_type"`
	FirstPublishedAt    *time.Time `gorm:"column:first_published_at"`
	PublicUpdatedAt     *time.Time `gorm:"column:public_updated_at"`
	CreatedAt           time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (ContentItemRecord) TableName() string { return "content_items" }

// VersionRef implements versioning.Versionable.
func (c *ContentItemRecord) VersionRef() versioning.Ref {
	return versioning.Ref{Kind: versioning.KindContentItem, ID: c.ID}
}

// Pathless reports whether the item has no public base path.
func (c *ContentItemRecord) Pathless() bool {
	return c.BasePath == nil || *c.BasePath == ""
}

// syncDraftKey sets DraftKey for drafts and clears it otherwise. The unique
// index on it allows one draft per content ID and locale.
func (c *ContentItemRecord) syncDraftKey() {
	if c.State != StateDraft {
		c.DraftKey = nil
		return
	}
	key := c.ContentID + "/" + c.Locale
	c.DraftKey = &key
}

// Path returns the base path or "" for pathless items.
func (c *ContentItemRecord) Path() string {
	if c.BasePath == nil {
		return ""
	}
	return *c.BasePath
}

// AccessLimitRecord restricts a draft to a set of users.
type AccessLimitRecord struct {
	ID            string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	ContentItemID string          `gorm:"column:content_item_id;type:varchar(36);uniqueIndex;not null"`
	Users         JSONStringSlice `gorm:"column:users;type:text"`
	CreatedAt     time.Time       `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (AccessLimitRecord) TableName() string { return "access_limits" }

// ChangeNoteRecord is a public change note attached to an edition.
type ChangeNoteRecord struct {
	ID              string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ContentItemID   string    `gorm:"column:content_item_id;type:varchar(36);index;not null"`
	Note            string    `gorm:"column:note;not null"`
	PublicTimestamp time.Time `gorm:"column:public_timestamp"`
}

// TableName returns the GORM table name.
func (ChangeNoteRecord) TableName() string { return "change_notes" }

// UnpublishingRecord explains why an edition is no longer published.
type UnpublishingRecord struct {
	ID              string           `gorm:"primaryKey;column:id;type:varchar(36)"`
	ContentItemID   string           `gorm:"column:content_item_id;type:varchar(36);uniqueIndex;not null"`
	Type            UnpublishingType `gorm:"column:type;not null"`
	Explanation     string           `gorm:"column:explanation"`
	AlternativePath string           `gorm:"column:alternative_path"`
	UnpublishedAt   time.Time        `gorm:"column:unpublished_at"`
}

// TableName returns the GORM table name.
func (UnpublishingRecord) TableName() string { return "unpublishings" }

// ActionRecord is an append-only audit entry written by every command. Its
// auto-increment ID doubles as the payload version sent downstream.
type ActionRecord struct {
	ID            uint64    `gorm:"primaryKey;autoIncrement;column:id" json:"id"`
	ContentID     string    `gorm:"column:content_id;type:varchar(36);index:idx_action_content,priority:1;not null" json:"content_id"`
	Locale        string    `gorm:"column:locale" json:"locale,omitempty"`
	Action        string    `gorm:"column:action;not null" json:"action"`
	UserUID       string    `gorm:"column:user_uid" json:"user_uid,omitempty"`
	ContentItemID string    `gorm:"column:content_item_id;type:varchar(36)" json:"content_item_id,omitempty"`
	Details       JSONAny   `gorm:"column:details;type:text" json:"details,omitempty"`
	CreatedAt     time.Time `gorm:"column:created_at;index:idx_action_content,priority:2;autoCreateTime" json:"created_at"`
}

// TableName returns the GORM table name.
func (ActionRecord) TableName() string { return "actions" }

// PathReservationRecord records which publishing app owns a base path.
type PathReservationRecord struct {
	ID            string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	BasePath      string    `gorm:"column:base_path;uniqueIndex;not null"`
	PublishingApp string    `gorm:"column:publishing_app;not null"`
	CreatedAt     time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName returns the GORM table name.
func (PathReservationRecord) TableName() string { return "path_reservations" }
