package downstream

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/links"
)

func TestPresenter_ChangeHistoryAndNulls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, uuid.New().String(), "en", content.StatePublished, "/a")
	require.NoError(t, f.items.AddChangeNote(ctx, item.ID, "First", time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)))

	p := NewPresenter(f.expand, f.items)
	payload, err := p.ContentStorePayload(ctx, item, nil, content.LiveStore, 4)
	require.NoError(t, err)

	details := payload["details"].(map[string]any)
	assert.Equal(t, "hello", details["body"])
	history := details["change_history"].([]map[string]any)
	require.Len(t, history, 1)
	assert.Equal(t, "2024-01-02T00:00:00Z", history[0]["public_timestamp"])

	assert.Nil(t, payload["description"])
	assert.Nil(t, payload["first_published_at"])
	assert.Equal(t, uint64(4), payload["payload_version"])
	expanded := payload["expanded_links"].(map[string][]links.ExpandedLink)
	require.Len(t, expanded[links.TranslationsKey], 1)
	assert.Equal(t, item.ContentID, expanded[links.TranslationsKey][0].ContentID())
	assert.NotContains(t, item.Details, "change_history", "the stored details are not modified")
}

func TestPresenter_MessageBusPayload(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	item := f.item(t, uuid.New().String(), "en", content.StatePublished, "/a")
	p := NewPresenter(f.expand, f.items)

	payload, err := p.MessageBusPayload(ctx, item, nil, "", 1)
	require.NoError(t, err)
	assert.Equal(t, "guide.major", payload["routing_key"])

	payload, err = p.MessageBusPayload(ctx, item, nil, content.UpdateLinks, 1)
	require.NoError(t, err)
	assert.Equal(t, "links", payload["update_type"])
	assert.Equal(t, "guide.links", payload["routing_key"])

	gone, err := p.MessageBusPayload(ctx, item, &content.UnpublishingRecord{Type: content.UnpublishGone}, content.UpdateMajor, 1)
	require.NoError(t, err)
	assert.Equal(t, "gone.major", gone["routing_key"])
}
