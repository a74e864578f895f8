package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/kubeflow/publishing-api/pkg/commands"
	"github.com/kubeflow/publishing-api/pkg/consistency"
	"github.com/kubeflow/publishing-api/pkg/content"
	"github.com/kubeflow/publishing-api/pkg/contentstore"
	"github.com/kubeflow/publishing-api/pkg/downstream"
	"github.com/kubeflow/publishing-api/pkg/links"
	"github.com/kubeflow/publishing-api/pkg/queue"
	"github.com/kubeflow/publishing-api/pkg/router"
	"github.com/kubeflow/publishing-api/pkg/versioning"
)

type fixture struct {
	handler http.Handler
	items   *content.ItemStore
	tasks   *queue.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.New().String())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, versioning.NewLedger(db).AutoMigrate())
	require.NoError(t, content.NewItemStore(db).AutoMigrate())
	require.NoError(t, content.NewReservationStore(db).AutoMigrate())
	require.NoError(t, links.NewStore(db).AutoMigrate())
	require.NoError(t, queue.NewStore(db).AutoMigrate())

	items := content.NewItemStore(db)
	linkStore := links.NewStore(db)
	tasks := queue.NewStore(db)
	stores := contentstore.Set{Draft: contentstore.NewMemoryClient(), Live: contentstore.NewMemoryClient()}
	expander := links.NewExpander(linkStore, items, links.DefaultRules(), "https://www.example.gov")

	srv := NewServer(Deps{
		DB:       db,
		Commands: commands.New(commands.Deps{DB: db, Queue: tasks}),
		Items:    items,
		Checker:  consistency.NewChecker(items, router.NewMemoryClient(), stores, nil),
		Propagator: downstream.NewPropagator(downstream.Deps{
			Items:     items,
			Links:     linkStore,
			Presenter: downstream.NewPresenter(expander, items),
			Stores:    stores,
			Queue:     tasks,
		}),
		Tasks: tasks,
	})
	return &fixture{handler: srv.Routes(), items: items, tasks: tasks}
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func draftBody(path string) map[string]any {
	return map[string]any{
		"base_path":      path,
		"title":          "VAT rates",
		"document_type":  "guide",
		"schema_name":    "guide",
		"publishing_app": "publisher",
		"rendering_app":  "frontend",
		"update_type":    "major",
		"details":        map[string]any{"body": "hello"},
		"routes":         []map[string]any{{"path": path, "type": "exact"}},
	}
}

func errorOf(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	body := decodeBody(t, rec)
	errBody, ok := body["error"].(map[string]any)
	require.True(t, ok, "expected an error body, got %s", rec.Body.String())
	return errBody
}

func TestContentLifecycle(t *testing.T) {
	f := newFixture(t)
	cid := uuid.New().String()

	rec := f.do(t, http.MethodPut, "/v2/content/"+cid, draftBody("/vat-rates"), UserHeader, "user-1")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	draft := decodeBody(t, rec)
	assert.Equal(t, cid, draft["content_id"])
	assert.Equal(t, "draft", draft["publication_state"])
	assert.EqualValues(t, 1, draft["lock_version"])

	rec = f.do(t, http.MethodPost, "/v2/content/"+cid+"/publish", map[string]any{"previous_version": 1})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	published := decodeBody(t, rec)
	assert.Equal(t, "live", published["publication_state"])
	assert.EqualValues(t, 2, published["lock_version"])

	rec = f.do(t, http.MethodGet, "/v2/content/"+cid+"?locale=en", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "published", decodeBody(t, rec)["state"])

	rec = f.do(t, http.MethodGet, "/v2/content/"+cid+"/actions", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	actions := decodeBody(t, rec)["actions"].([]any)
	require.Len(t, actions, 2)
	assert.Equal(t, "Publish", actions[0].(map[string]any)["action"])
	assert.Equal(t, "user-1", actions[1].(map[string]any)["user_uid"])

	rec = f.do(t, http.MethodPost, "/v2/content/"+cid+"/unpublish", map[string]any{
		"type":        "withdrawal",
		"explanation": "No longer current",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "unpublished", decodeBody(t, rec)["state"])
}

func TestPutContent_ValidationError(t *testing.T) {
	f := newFixture(t)
	body := draftBody("/vat-rates")
	delete(body, "document_type")

	rec := f.do(t, http.MethodPut, "/v2/content/"+uuid.New().String(), body)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	errBody := errorOf(t, rec)
	assert.EqualValues(t, 422, errBody["code"])
	fields := errBody["fields"].(map[string]any)
	assert.Contains(t, fields, "document_type")
}

func TestPutContent_InvalidContentID(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/v2/content/not-a-uuid", draftBody("/vat-rates"))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, errorOf(t, rec)["fields"], "content_id")
}

func TestPutContent_VersionConflict(t *testing.T) {
	f := newFixture(t)
	cid := uuid.New().String()
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/v2/content/"+cid, draftBody("/vat-rates")).Code)

	body := draftBody("/vat-rates")
	body["previous_version"] = 7
	rec := f.do(t, http.MethodPut, "/v2/content/"+cid, body)
	require.Equal(t, http.StatusConflict, rec.Code)
	errBody := errorOf(t, rec)
	assert.EqualValues(t, 409, errBody["code"])
	assert.Contains(t, errBody["fields"], "previous_version")
}

func TestPutContent_MalformedJSON(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPut, "/v2/content/"+uuid.New().String(), `{"title":`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, errorOf(t, rec)["message"], "not valid JSON")
}

func TestPublish_NotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v2/content/"+uuid.New().String()+"/publish", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDiscardDraft(t *testing.T) {
	f := newFixture(t)
	cid := uuid.New().String()
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/v2/content/"+cid, draftBody("/vat-rates")).Code)

	rec := f.do(t, http.MethodPost, "/v2/content/"+cid+"/discard-draft", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, cid, decodeBody(t, rec)["content_id"])

	rec = f.do(t, http.MethodGet, "/v2/content/"+cid, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinks(t *testing.T) {
	f := newFixture(t)
	cid := uuid.New().String()
	org := uuid.New().String()

	rec := f.do(t, http.MethodGet, "/v2/links/"+cid, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPatch, "/v2/links/"+cid, map[string]any{
		"links": map[string]any{"organisations": []string{org}},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	set := decodeBody(t, rec)
	assert.EqualValues(t, 1, set["version"])

	rec = f.do(t, http.MethodGet, "/v2/links/"+cid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	linkTypes := decodeBody(t, rec)["links"].(map[string]any)
	assert.Equal(t, []any{org}, linkTypes["organisations"])

	rec = f.do(t, http.MethodPatch, "/v2/links/"+cid, map[string]any{
		"links": map[string]any{"organisations": []string{"nope"}},
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, errorOf(t, rec)["fields"], "links.organisations")
}

func TestExpandedLinks(t *testing.T) {
	f := newFixture(t)
	cid := uuid.New().String()

	rec := f.do(t, http.MethodGet, "/v2/expanded-links/"+cid, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, f.do(t, http.MethodPatch, "/v2/links/"+cid, map[string]any{
		"links": map[string]any{"organisations": []string{uuid.New().String()}},
	}).Code)

	rec = f.do(t, http.MethodGet, "/v2/expanded-links/"+cid+"?with_drafts=true", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, cid, body["content_id"])
	assert.Contains(t, body, "expanded_links")

	rec = f.do(t, http.MethodGet, "/v2/expanded-links/"+cid+"?with_drafts=maybe", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestConsistency(t *testing.T) {
	f := newFixture(t)
	cid := uuid.New().String()
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/v2/content/"+cid, draftBody("/vat-rates")).Code)

	rec := f.do(t, http.MethodGet, "/v2/consistency/"+cid, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, cid, body["content_id"])
	// Propagation has not run, so the draft store is still empty.
	assert.Equal(t, []any{"content-store: Content is not in the draft content store."}, body["errors"])
}

func TestRepresentDownstream(t *testing.T) {
	f := newFixture(t)
	cid := uuid.New().String()
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/v2/content/"+cid, draftBody("/vat-rates")).Code)

	rec := f.do(t, http.MethodPost, "/v2/represent-downstream", map[string]any{"store": "draft"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	enqueued := decodeBody(t, rec)["enqueued"].(map[string]any)
	assert.EqualValues(t, 1, enqueued["draft"])
	assert.NotContains(t, enqueued, "live")

	rec = f.do(t, http.MethodPost, "/v2/represent-downstream", map[string]any{"store": "staging"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestTasksMounted(t *testing.T) {
	f := newFixture(t)
	cid := uuid.New().String()
	require.Equal(t, http.StatusOK, f.do(t, http.MethodPut, "/v2/content/"+cid, draftBody("/vat-rates")).Code)

	rec := f.do(t, http.MethodGet, "/v2/tasks?kind="+downstream.KindDraft, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decodeBody(t, rec)["tasks"].([]any)
	require.NotEmpty(t, tasks)
	assert.Equal(t, cid, tasks[0].(map[string]any)["payload"].(map[string]any)["content_id"])
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/healthcheck", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody(t, rec)["status"])

	rec = f.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}
