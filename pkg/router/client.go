// Package router queries the routing service for the routes it serves.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/kubeflow/publishing-api/pkg/remote"
)

// ErrRouteNotFound is returned when the router has no route for a path.
var ErrRouteNotFound = errors.New("route not found")

// Route is the router's view of one incoming path.
type Route struct {
	IncomingPath string `json:"incoming_path"`
	RouteType    string `json:"route_type"`
	Handler      string `json:"handler"`
	BackendID    string `json:"backend_id,omitempty"`
	RedirectTo   string `json:"redirect_to,omitempty"`
	RedirectType string `json:"redirect_type,omitempty"`
	Disabled     bool   `json:"disabled"`
}

// Client looks up routes.
type Client interface {
	GetRoute(ctx context.Context, path string) (*Route, error)
}

// HTTPClient is a Client for the router API at {base}/routes.
type HTTPClient struct {
	baseURL string
	remote  *remote.Client
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(baseURL string, cfg remote.Config, httpClient *http.Client) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		remote:  remote.New(cfg, httpClient),
	}
}

// GetRoute implements Client.
func (c *HTTPClient) GetRoute(ctx context.Context, path string) (*Route, error) {
	target := c.baseURL + "/routes?" + url.Values{"incoming_path": {path}}.Encode()
	resp, err := c.remote.Do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
	}
	if resp.StatusCode >= 300 {
		return nil, &remote.StatusError{Method: http.MethodGet, URL: target, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	var route Route
	if err := json.Unmarshal(resp.Body, &route); err != nil {
		return nil, fmt.Errorf("decode route %s: %w", path, err)
	}
	return &route, nil
}

// MemoryClient is an in-process route table for development and tests.
type MemoryClient struct {
	mu     sync.RWMutex
	routes map[string]Route
}

// NewMemoryClient creates a MemoryClient holding the given routes.
func NewMemoryClient(routes ...Route) *MemoryClient {
	m := &MemoryClient{routes: map[string]Route{}}
	for _, r := range routes {
		m.routes[r.IncomingPath] = r
	}
	return m
}

// SetRoute adds or replaces a route.
func (m *MemoryClient) SetRoute(r Route) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[r.IncomingPath] = r
}

// GetRoute implements Client.
func (m *MemoryClient) GetRoute(_ context.Context, path string) (*Route, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.routes[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRouteNotFound, path)
	}
	return &r, nil
}
