package commands

import (
	"context"
	"errors"
	"time"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/links"
)

// ContentView is an edition as returned to API callers.
type ContentView struct {
	ContentID           string             `json:"content_id"`
	Locale              string             `json:"locale"`
	BasePath            *string            `json:"base_path"`
	Title               string             `json:"title"`
	Description         string             `json:"description,omitempty"`
	DocumentType        string             `json:"document_type"`
	SchemaName          string             `json:"schema_name"`
	PublishingApp       string             `json:"publishing_app"`
	RenderingApp        string             `json:"rendering_app,omitempty"`
	Phase               string             `json:"phase"`
	AnalyticsIdentifier string             `json:"analytics_identifier,omitempty"`
	Details             map[string]any     `json:"details"`
	Routes              []content.Route    `json:"routes"`
	Redirects           []content.Route    `json:"redirects"`
	UpdateType          content.UpdateType `json:"update_type,omitempty"`
	FirstPublishedAt    *time.Time         `json:"first_published_at"`
	PublicUpdatedAt     *time.Time         `json:"public_updated_at"`
	State               content.State      `json:"state"`
	PublicationState    string             `json:"publication_state"`
	UserFacingVersion   int                `json:"user_facing_version"`
	LockVersion         int                `json:"lock_version"`
}

// ExpandedLinksView is the expanded link tree of a content ID.
type ExpandedLinksView struct {
	ContentID     string                          `json:"content_id"`
	Version       int                             `json:"version"`
	ExpandedLinks map[string][]links.ExpandedLink `json:"expanded_links"`
}

// publicationState reports a draft of a document that has been published
// before as "redrafted".
func publicationState(item *content.ContentItemRecord) string {
	switch {
	case item.State == content.StateDraft && item.UserFacingVersion > 1:
		return "redrafted"
	case item.State == content.StatePublished:
		return "live"
	default:
		return string(item.State)
	}
}

func (c *Commands) view(item *content.ContentItemRecord, lockVersion int) *ContentView {
	v := &ContentView{
		ContentID:           item.ContentID,
		Locale:              item.Locale,
		BasePath:            item.BasePath,
		Title:               item.Title,
		Description:         item.Description,
		DocumentType:        item.DocumentType,
		SchemaName:          item.SchemaName,
		PublishingApp:       item.PublishingApp,
		RenderingApp:        item.RenderingApp,
		Phase:               item.Phase,
		AnalyticsIdentifier: item.AnalyticsIdentifier,
		Details:             item.Details,
		Routes:              item.Routes,
		Redirects:           item.Redirects,
		UpdateType:          item.UpdateType,
		FirstPublishedAt:    item.FirstPublishedAt,
		PublicUpdatedAt:     item.PublicUpdatedAt,
		State:               item.State,
		PublicationState:    publicationState(item),
		UserFacingVersion:   item.UserFacingVersion,
		LockVersion:         lockVersion,
	}
	if v.Details == nil {
		v.Details = map[string]any{}
	}
	if v.Routes == nil {
		v.Routes = []content.Route{}
	}
	if v.Redirects == nil {
		v.Redirects = []content.Route{}
	}
	return v
}

// GetContent returns the latest edition of a document in any state.
func (c *Commands) GetContent(ctx context.Context, contentID, locale string) (*ContentView, error) {
	item, err := c.items.FindLatest(ctx, contentID, localeOrDefault(locale))
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, notFound("Could not find content item with content_id: %s", contentID)
	}
	version, err := readVersion(ctx, c.ledger, item)
	if err != nil {
		return nil, err
	}
	return c.view(item, version), nil
}

// GetLinkSet returns the link set of a content ID.
func (c *Commands) GetLinkSet(ctx context.Context, contentID string) (*links.LinkSet, error) {
	set, err := c.links.Get(ctx, contentID)
	if errors.Is(err, links.ErrLinkSetNotFound) {
		return nil, notFound("Could not find link set with content_id: %s", contentID)
	}
	if err != nil {
		return nil, err
	}
	return set, nil
}

// ExpandedLinks returns the expanded link tree of a content ID as the live
// store would see it, or the draft store when withDrafts is set.
func (c *Commands) ExpandedLinks(ctx context.Context, contentID, locale string, withDrafts bool) (*ExpandedLinksView, error) {
	record, err := c.links.FindLinkSet(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, notFound("Could not find link set with content_id: %s", contentID)
	}
	version, err := readVersion(ctx, c.ledger, record)
	if err != nil {
		return nil, err
	}
	store := content.LiveStore
	if withDrafts {
		store = content.DraftStore
	}
	expanded, err := c.expander.Expand(ctx, contentID, links.OptionsFor(store, localeOrDefault(locale)))
	if err != nil {
		return nil, err
	}
	if expanded == nil {
		expanded = map[string][]links.ExpandedLink{}
	}
	return &ExpandedLinksView{ContentID: contentID, Version: version, ExpandedLinks: expanded}, nil
}

// Actions returns the audit trail of a content ID, newest first.
func (c *Commands) Actions(ctx context.Context, contentID string, limit int) ([]content.ActionRecord, error) {
	return c.items.Actions(ctx, contentID, limit)
}
