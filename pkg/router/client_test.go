package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubeflow/publishing-api/pkg/remote"
)

func TestHTTPClient_GetRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/routes", r.URL.Path)
		switch r.URL.Query().Get("incoming_path") {
		case "/vat-rates":
			_ = json.NewEncoder(w).Encode(Route{
				IncomingPath: "/vat-rates",
				RouteType:    "exact",
				Handler:      "backend",
				BackendID:    "frontend",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	cfg := remote.DefaultConfig()
	cfg.InitialInterval = time.Millisecond
	client := NewHTTPClient(srv.URL, cfg, nil)
	ctx := context.Background()

	route, err := client.GetRoute(ctx, "/vat-rates")
	require.NoError(t, err)
	assert.Equal(t, "backend", route.Handler)
	assert.Equal(t, "frontend", route.BackendID)
	assert.False(t, route.Disabled)

	_, err = client.GetRoute(ctx, "/missing")
	assert.True(t, errors.Is(err, ErrRouteNotFound))
}

func TestMemoryClient(t *testing.T) {
	m := NewMemoryClient(Route{IncomingPath: "/a", Handler: "gone", RouteType: "exact"})
	ctx := context.Background()

	r, err := m.GetRoute(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "gone", r.Handler)

	m.SetRoute(Route{IncomingPath: "/a", Handler: "redirect", RedirectTo: "/b"})
	r, err = m.GetRoute(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, "/b", r.RedirectTo)

	_, err = m.GetRoute(ctx, "/b")
	assert.ErrorIs(t, err, ErrRouteNotFound)
}
