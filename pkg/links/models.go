package links

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/versioning"
)

// LinkSetRecord is the GORM model for the link set of one content ID.
type LinkSetRecord struct {
	ID        string    `gorm:"primaryKey;column:id;type:varchar(36)"`
	ContentID string    `gorm:"column:content_id;type:varchar(36);uniqueIndex;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName returns the GORM table name.
func (LinkSetRecord) TableName() string { return "link_sets" }

// VersionRef implements versioning.Versionable.
func (l *LinkSetRecord) VersionRef() versioning.Ref {
	return versioning.Ref{Kind: versioning.KindLinkSet, ID: l.ID}
}

// LinkRecord is one typed, ordered edge of a link set. Exactly one of
// TargetContentID and Passthrough is set.
type LinkRecord struct {
	ID              string          `gorm:"primaryKey;column:id;type:varchar(36)"`
	LinkSetID       string          `gorm:"column:link_set_id;type:varchar(36);index:idx_link_set_type,priority:1;not null"`
	LinkType        string          `gorm:"column:link_type;index:idx_link_set_type,priority:2;not null"`
	TargetContentID *string         `gorm:"column:target_content_id;type:varchar(36);index"`
	Passthrough     content.JSONAny `gorm:"column:passthrough_hash;type:text"`
	Position        int             `gorm:"column:position;not null;default:0"`
}

// TableName returns the GORM table name.
func (LinkRecord) TableName() string { return "links" }

// Target is the destination of a link: a content ID or a passthrough hash.
// On the wire it is either a JSON string or a JSON object.
type Target struct {
	ContentID   string
	Passthrough map[string]any
}

// IsPassthrough reports whether the target is an externally defined bundle.
func (t Target) IsPassthrough() bool { return t.Passthrough != nil }

// MarshalJSON implements json.Marshaler.
func (t Target) MarshalJSON() ([]byte, error) {
	if t.IsPassthrough() {
		return json.Marshal(t.Passthrough)
	}
	return json.Marshal(t.ContentID)
}

// UnmarshalJSON implements json.Unmarshaler.
func (t *Target) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*t = Target{ContentID: id}
		return nil
	}
	var hash map[string]any
	if err := json.Unmarshal(data, &hash); err != nil {
		return fmt.Errorf("link target must be a content id or an object: %w", err)
	}
	*t = Target{Passthrough: hash}
	return nil
}

// LinkSet is the read model of a link set.
type LinkSet struct {
	ContentID string              `json:"content_id"`
	Version   int                 `json:"version"`
	Links     map[string][]Target `json:"links"`
}

// Dependent is an inbound link: SourceContentID links to the looked-up ID.
type Dependent struct {
	LinkType        string
	SourceContentID string
}
