package downstream

import (
	"context"
	"fmt"
	"time"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/links"
)

// Presenter turns an edition into the payloads sent downstream.
type Presenter struct {
	expander *links.Expander
	items    *content.ItemStore
}

// NewPresenter creates a Presenter.
func NewPresenter(expander *links.Expander, items *content.ItemStore) *Presenter {
	return &Presenter{expander: expander, items: items}
}

// ContentStorePayload presents item for store. Unpublished editions are
// presented according to their unpublishing: a withdrawal keeps the content
// and adds a withdrawn_notice, a redirect or gone unpublishing replaces it.
func (p *Presenter) ContentStorePayload(ctx context.Context, item *content.ContentItemRecord, unpublishing *content.UnpublishingRecord, store content.Store, payloadVersion uint64) (map[string]any, error) {
	if unpublishing != nil {
		switch unpublishing.Type {
		case content.UnpublishRedirect:
			return p.redirectPayload(item, unpublishing, payloadVersion), nil
		case content.UnpublishGone:
			return p.gonePayload(item, unpublishing, payloadVersion), nil
		}
	}

	payload := map[string]any{
		"base_path":            nullableString(item.Path()),
		"content_id":           item.ContentID,
		"locale":               item.Locale,
		"title":                item.Title,
		"description":          nullableString(item.Description),
		"document_type":        item.DocumentType,
		"schema_name":          item.SchemaName,
		"publishing_app":       item.PublishingApp,
		"rendering_app":        nullableString(item.RenderingApp),
		"phase":                item.Phase,
		"analytics_identifier": nullableString(item.AnalyticsIdentifier),
		"routes":               routesOrEmpty(item.Routes),
		"redirects":            routesOrEmpty(item.Redirects),
		"update_type":          nullableString(string(item.UpdateType)),
		"first_published_at":   timestamp(item.FirstPublishedAt),
		"public_updated_at":    timestamp(item.PublicUpdatedAt),
		"payload_version":      payloadVersion,
	}

	details := map[string]any{}
	for k, v := range item.Details {
		details[k] = v
	}
	notes, err := p.items.ChangeHistory(ctx, item.ContentID, item.Locale, item.UserFacingVersion)
	if err != nil {
		return nil, err
	}
	if len(notes) > 0 {
		history := make([]map[string]any, 0, len(notes))
		for _, n := range notes {
			history = append(history, map[string]any{
				"note":             n.Note,
				"public_timestamp": n.PublicTimestamp.UTC().Format(time.RFC3339),
			})
		}
		details["change_history"] = history
	}
	payload["details"] = details

	expanded, err := p.expander.Expand(ctx, item.ContentID, links.OptionsFor(store, item.Locale))
	if err != nil {
		return nil, fmt.Errorf("expand links of %s: %w", item.ContentID, err)
	}
	payload["expanded_links"] = expanded

	if store == content.DraftStore && item.State == content.StateDraft {
		limit, err := p.items.GetAccessLimit(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		if limit != nil {
			payload["access_limited"] = map[string]any{"users": []string(limit.Users)}
		}
	}

	if unpublishing != nil && unpublishing.Type == content.UnpublishWithdrawal {
		payload["withdrawn_notice"] = map[string]any{
			"explanation":  unpublishing.Explanation,
			"withdrawn_at": unpublishing.UnpublishedAt.UTC().Format(time.RFC3339),
		}
	}
	return payload, nil
}

// MessageBusPayload is the live payload plus the update type and the
// routing key consumers subscribe on.
func (p *Presenter) MessageBusPayload(ctx context.Context, item *content.ContentItemRecord, unpublishing *content.UnpublishingRecord, updateType content.UpdateType, payloadVersion uint64) (map[string]any, error) {
	payload, err := p.ContentStorePayload(ctx, item, unpublishing, content.LiveStore, payloadVersion)
	if err != nil {
		return nil, err
	}
	if updateType == "" {
		updateType = item.UpdateType
	}
	payload["update_type"] = string(updateType)
	payload["routing_key"] = RoutingKey(fmt.Sprint(payload["schema_name"]), updateType)
	return payload, nil
}

// RoutingKey is "<schema_name>.<update_type>".
func RoutingKey(schemaName string, updateType content.UpdateType) string {
	return schemaName + "." + string(updateType)
}

func (p *Presenter) redirectPayload(item *content.ContentItemRecord, u *content.UnpublishingRecord, payloadVersion uint64) map[string]any {
	return map[string]any{
		"base_path":         item.Path(),
		"content_id":        item.ContentID,
		"locale":            item.Locale,
		"document_type":     "redirect",
		"schema_name":       "redirect",
		"publishing_app":    item.PublishingApp,
		"public_updated_at": u.UnpublishedAt.UTC().Format(time.RFC3339),
		"redirects": []content.Route{
			{Path: item.Path(), Type: "exact", Destination: u.AlternativePath},
		},
		"payload_version": payloadVersion,
	}
}

func (p *Presenter) gonePayload(item *content.ContentItemRecord, u *content.UnpublishingRecord, payloadVersion uint64) map[string]any {
	return map[string]any{
		"base_path":      item.Path(),
		"content_id":     item.ContentID,
		"locale":         item.Locale,
		"document_type":  "gone",
		"schema_name":    "gone",
		"publishing_app": item.PublishingApp,
		"routes": []content.Route{
			{Path: item.Path(), Type: "exact"},
		},
		"details": map[string]any{
			"explanation":      nullableString(u.Explanation),
			"alternative_path": nullableString(u.AlternativePath),
		},
		"payload_version": payloadVersion,
	}
}

func routesOrEmpty(r content.JSONRoutes) []content.Route {
	if r == nil {
		return []content.Route{}
	}
	return r
}

func timestamp(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
