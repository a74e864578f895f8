// Package contentstore talks to the draft and live content store replicas.
package contentstore

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

// ErrNotFound is returned by GetContentItem when the store has no item at
// the requested path.
var ErrNotFound = errors.New("content item not found in content store")

// Error is a non-2xx response from a content store.
type Error = remote.StatusError

// Client is the put/delete/get contract of a content store replica.
// Implementations must tolerate duplicate calls.
type Client interface {
	PutContentItem(ctx context.Context, basePath string, payload map[string]any) error
	DeleteContentItem(ctx context.Context, basePath string) error
	GetContentItem(ctx context.Context, basePath string) (map[string]any, error)
}

// HTTPClient is a Client for a content store reached over HTTP at
// {base}/content{path}.
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

func (c *HTTPClient) contentURL(basePath string) string {
	return c.baseURL + "/content" + (&url.URL{Path: basePath}).EscapedPath()
}

// PutContentItem upserts the payload at basePath.
func (c *HTTPClient) PutContentItem(ctx context.Context, basePath string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode content item %s: %w", basePath, err)
	}
	target := c.contentURL(basePath)
	resp, err := c.remote.Do(ctx, http.MethodPut, target, body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		return &Error{Method: http.MethodPut, URL: target, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return nil
}

// DeleteContentItem removes the item at basePath. A missing item is success.
func (c *HTTPClient) DeleteContentItem(ctx context.Context, basePath string) error {
	target := c.contentURL(basePath)
	resp, err := c.remote.Do(ctx, http.MethodDelete, target, nil)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode >= 300 {
		return &Error{Method: http.MethodDelete, URL: target, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return nil
}

// GetContentItem fetches the item at basePath.
func (c *HTTPClient) GetContentItem(ctx context.Context, basePath string) (map[string]any, error) {
	target := c.contentURL(basePath)
	resp, err := c.remote.Do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrNotFound
	}
	if resp.StatusCode >= 300 {
		return nil, &Error{Method: http.MethodGet, URL: target, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	var item map[string]any
	if err := json.Unmarshal(resp.Body, &item); err != nil {
		return nil, fmt.Errorf("decode content item %s: %w", basePath, err)
	}
	return item, nil
}

// Call is one recorded MemoryClient operation.
type Call struct {
	Method   string
	BasePath string
}

// MemoryClient is an in-process content store for development and tests.
type MemoryClient struct {
	mu    sync.Mutex
	items map[string]map[string]any
	calls []Call
	fail  []error
}

// NewMemoryClient creates an empty MemoryClient.
func NewMemoryClient() *MemoryClient {
	return &MemoryClient{items: map[string]map[string]any{}}
}

// FailNext makes the next calls return the given errors, in order.
func (m *MemoryClient) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = append(m.fail, errs...)
}

func (m *MemoryClient) record(method, basePath string) error {
	m.calls = append(m.calls, Call{Method: method, BasePath: basePath})
	if len(m.fail) > 0 {
		err := m.fail[0]
		m.fail = m.fail[1:]
		return err
	}
	return nil
}

// PutContentItem implements Client.
func (m *MemoryClient) PutContentItem(_ context.Context, basePath string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(http.MethodPut, basePath); err != nil {
		return err
	}
	// Round-trip through JSON so stored payloads look like what an HTTP
	// store would return.
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var stored map[string]any
	if err := json.Unmarshal(b, &stored); err != nil {
		return err
	}
	m.items[basePath] = stored
	return nil
}

// DeleteContentItem implements Client.
func (m *MemoryClient) DeleteContentItem(_ context.Context, basePath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(http.MethodDelete, basePath); err != nil {
		return err
	}
	delete(m.items, basePath)
	return nil
}

// GetContentItem implements Client.
func (m *MemoryClient) GetContentItem(_ context.Context, basePath string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(http.MethodGet, basePath); err != nil {
		return nil, err
	}
	item, ok := m.items[basePath]
	if !ok {
		return nil, ErrNotFound
	}
	return item, nil
}

// Item returns the stored payload at basePath without recording a call.
func (m *MemoryClient) Item(basePath string) (map[string]any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[basePath]
	return item, ok
}

// Paths returns every stored base path.
func (m *MemoryClient) Paths() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	paths := make([]string, 0, len(m.items))
	for p := range m.items {
		paths = append(paths, p)
	}
	return paths
}

// Calls returns the recorded operations.
func (m *MemoryClient) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

// Set is the pair of replicas the propagator writes to.
type Set struct {
	Draft Client
	Live  Client
}

// For returns the replica named "draft" or "live", or nil.
func (s Set) For(name string) Client {
	switch name {
	case "draft":
		return s.Draft
	case "live":
		return s.Live
	}
	return nil
}
