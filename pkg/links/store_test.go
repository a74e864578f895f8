package links

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/versioning"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, versioning.NewLedger(db).AutoMigrate())
	require.NoError(t, content.NewItemStore(db).AutoMigrate())
	require.NoError(t, NewStore(db).AutoMigrate())
	return db
}

// link writes targets of one type into contentID's link set.
func link(t *testing.T, store *Store, contentID, linkType string, targets ...string) {
	t.Helper()
	ctx := context.Background()
	set, _, err := store.EnsureLinkSet(ctx, contentID)
	require.NoError(t, err)
	ts := make([]Target, 0, len(targets))
	for _, id := range targets {
		ts = append(ts, Target{ContentID: id})
	}
	require.NoError(t, store.ReplaceLinks(ctx, set.ID, linkType, ts))
}

func TestStore_EnsureLinkSet(t *testing.T) {
	db := setupTestDB(t)
	store := NewStore(db)
	ctx := context.Background()
	cid := uuid.New().String()

	first, created, err := store.EnsureLinkSet(ctx, cid)
	require.NoError(t, err)
	assert.True(t, created)

	again, created, err := store.EnsureLinkSet(ctx, cid)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, again.ID)

	version, err := versioning.NewLedger(db).Read(ctx, first)
	require.NoError(t, err)
	assert.Equal(t, 1, version)
}

func TestStore_GetMissing(t *testing.T) {
	store := NewStore(setupTestDB(t))
	_, err := store.Get(context.Background(), uuid.New().String())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrLinkSetNotFound))
	assert.Contains(t, err.Error(), "could not find link set")
}

func TestStore_ReplaceLinksKeepsOrder(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()
	cid := uuid.New().String()
	set, _, err := store.EnsureLinkSet(ctx, cid)
	require.NoError(t, err)

	require.NoError(t, store.ReplaceLinks(ctx, set.ID, "organisations", []Target{
		{ContentID: "c"}, {ContentID: "a"}, {ContentID: "b"},
	}))
	require.NoError(t, store.ReplaceLinks(ctx, set.ID, "facet_groups", []Target{
		{Passthrough: map[string]any{"title": "Facets"}},
	}))

	got, err := store.Get(ctx, cid)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
	assert.Equal(t, []Target{{ContentID: "c"}, {ContentID: "a"}, {ContentID: "b"}}, got.Links["organisations"])
	require.Len(t, got.Links["facet_groups"], 1)
	assert.True(t, got.Links["facet_groups"][0].IsPassthrough())

	require.NoError(t, store.ReplaceLinks(ctx, set.ID, "organisations", nil))
	got, err = store.Get(ctx, cid)
	require.NoError(t, err)
	_, ok := got.Links["organisations"]
	assert.False(t, ok)
}

func TestStore_DependeesAndDependents(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	link(t, store, "child", "parent", "root")
	link(t, store, "guide", "related", "root", "other")

	dependees, err := store.Dependees(ctx, "guide")
	require.NoError(t, err)
	require.Len(t, dependees, 2)
	assert.Equal(t, "root", *dependees[0].TargetContentID)

	dependents, err := store.Dependents(ctx, "root")
	require.NoError(t, err)
	assert.Equal(t, []Dependent{
		{LinkType: "parent", SourceContentID: "child"},
		{LinkType: "related", SourceContentID: "guide"},
	}, dependents)
}

func TestStore_DependentContentIDs(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	link(t, store, "b", "parent", "a")
	link(t, store, "c", "parent", "b")
	link(t, store, "d", "related", "a")
	link(t, store, "f", "related", "b")
	link(t, store, "a", "documents", "e")

	ids, err := store.DependentContentIDs(ctx, "a", DefaultRules())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c", "d", "e"}, ids)
}

func TestStore_DependentContentIDsCycle(t *testing.T) {
	store := NewStore(setupTestDB(t))
	ctx := context.Background()

	link(t, store, "a", "parent", "b")
	link(t, store, "b", "parent", "a")

	ids, err := store.DependentContentIDs(ctx, "a", DefaultRules())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)
}

func TestTargetJSON(t *testing.T) {
	var targets []Target
	require.NoError(t, json.Unmarshal([]byte(`["abc", {"title": "x"}]`), &targets))
	require.Len(t, targets, 2)
	assert.Equal(t, "abc", targets[0].ContentID)
	assert.Equal(t, "x", targets[1].Passthrough["title"])

	b, err := json.Marshal(targets)
	require.NoError(t, err)
	assert.JSONEq(t, `["abc", {"title": "x"}]`, string(b))
}

func TestRules(t *testing.T) {
	rules := DefaultRules()
	assert.True(t, rules.Recurse("parent"))
	assert.False(t, rules.Recurse("organisations"))

	name, ok := rules.ReverseName("working_groups")
	assert.True(t, ok)
	assert.Equal(t, "policies", name)
	_, ok = rules.ReverseName("related")
	assert.False(t, ok)

	assert.True(t, rules.AffectsExpansion([]string{"title"}))
	assert.False(t, rules.AffectsExpansion([]string{"details"}))
	assert.True(t, rules.AffectsExpansion(nil))

	rules.WithFields("topics", "title", "body")
	assert.Equal(t, []string{"title", "body"}, rules.Fields("topics"))
	assert.True(t, rules.AffectsExpansion([]string{"body"}))
}
