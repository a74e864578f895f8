package contentstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/publishing-api/pkg/remote"
)

type fakeStore struct {
	mu     sync.Mutex
	items  map[string][]byte
	status int
}

func (f *fakeStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}
	path := r.URL.Path[len("/content"):]
	switch r.Method {
	case http.MethodPut:
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.items[path], _ = json.Marshal(body)
		w.WriteHeader(http.StatusOK)
	case http.MethodDelete:
		if _, ok := f.items[path]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		delete(f.items, path)
		w.WriteHeader(http.StatusNoContent)
	case http.MethodGet:
		item, ok := f.items[path]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(item)
	}
}

func testConfig() remote.Config {
	cfg := remote.DefaultConfig()
	cfg.InitialInterval = time.Millisecond
	cfg.MaxInterval = 2 * time.Millisecond
	cfg.RequestsPerSecond = 0
	return cfg
}

func TestHTTPClient_PutGetDelete(t *testing.T) {
	fake := &fakeStore{items: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := NewHTTPClient(srv.URL+"/", testConfig(), nil)
	ctx := context.Background()

	require.NoError(t, client.PutContentItem(ctx, "/vat-rates", map[string]any{"title": "VAT rates"}))

	item, err := client.GetContentItem(ctx, "/vat-rates")
	require.NoError(t, err)
	assert.Equal(t, "VAT rates", item["title"])

	require.NoError(t, client.DeleteContentItem(ctx, "/vat-rates"))
	require.NoError(t, client.DeleteContentItem(ctx, "/vat-rates"), "deleting a missing item is success")

	_, err = client.GetContentItem(ctx, "/vat-rates")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHTTPClient_ErrorClassification(t *testing.T) {
	fake := &fakeStore{items: map[string][]byte{}, status: http.StatusConflict}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := NewHTTPClient(srv.URL, testConfig(), nil)
	ctx := context.Background()

	err := client.PutContentItem(ctx, "/a", map[string]any{})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusConflict, se.StatusCode)
	assert.False(t, se.ServerError())

	fake.mu.Lock()
	fake.status = http.StatusForbidden
	fake.mu.Unlock()
	_, err = client.GetContentItem(ctx, "/a")
	assert.Equal(t, http.StatusForbidden, remote.StatusCode(err))

	fake.mu.Lock()
	fake.status = http.StatusInternalServerError
	fake.mu.Unlock()
	err = client.DeleteContentItem(ctx, "/a")
	require.ErrorAs(t, err, &se)
	assert.True(t, se.ServerError())
}

func TestMemoryClient(t *testing.T) {
	m := NewMemoryClient()
	ctx := context.Background()

	require.NoError(t, m.PutContentItem(ctx, "/a", map[string]any{"n": 1}))
	item, ok := m.Item("/a")
	require.True(t, ok)
	assert.Equal(t, float64(1), item["n"])

	m.FailNext(&Error{StatusCode: 503})
	err := m.DeleteContentItem(ctx, "/a")
	assert.Equal(t, 503, remote.StatusCode(err))
	_, ok = m.Item("/a")
	assert.True(t, ok, "failed delete leaves the item")

	require.NoError(t, m.DeleteContentItem(ctx, "/a"))
	_, err = m.GetContentItem(ctx, "/a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, []Call{
		{Method: http.MethodPut, BasePath: "/a"},
		{Method: http.MethodDelete, BasePath: "/a"},
		{Method: http.MethodDelete, BasePath: "/a"},
		{Method: http.MethodGet, BasePath: "/a"},
	}, m.Calls())
}

func TestSetFor(t *testing.T) {
	draft, live := NewMemoryClient(), NewMemoryClient()
	set := Set{Draft: draft, Live: live}
	assert.Same(t, draft, set.For("draft"))
	assert.Same(t, live, set.For("live"))
	assert.Nil(t, set.For("other"))
}
