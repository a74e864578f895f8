package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

type publishingClient struct {
	baseURL string
	user    string
	http    *http.Client
}

func newClient(opts *options) *publishingClient {
	return &publishingClient{
		baseURL: strings.TrimRight(opts.serverURL, "/"),
		user:    opts.user,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError is an error response from the server.
type apiError struct {
	Status  int
	Message string
	Fields  map[string][]string
}

func (e *apiError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "server returned %d: %s", e.Status, e.Message)
	for field, msgs := range e.Fields {
		fmt.Fprintf(&b, "\n  %s: %s", field, strings.Join(msgs, ", "))
	}
	return b.String()
}

// do sends body as JSON and decodes a 2xx response into v.
func (c *publishingClient) do(method, path string, body, v any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal error: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("request creation failed: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.user != "" {
		req.Header.Set("X-Authenticated-User", c.user)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if v != nil {
		return json.NewDecoder(resp.Body).Decode(v)
	}
	return nil
}

// decodeError understands both error shapes the server sends: the content
// API's {"error":{"message":...}} and the task API's {"error":"..."}.
func decodeError(resp *http.Response) error {
	data, _ := io.ReadAll(resp.Body)
	var body struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err != nil || len(body.Error) == 0 {
		return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
	}

	var detail struct {
		Message string              `json:"message"`
		Fields  map[string][]string `json:"fields"`
	}
	if err := json.Unmarshal(body.Error, &detail); err == nil && detail.Message != "" {
		return &apiError{Status: resp.StatusCode, Message: detail.Message, Fields: detail.Fields}
	}
	var message string
	if err := json.Unmarshal(body.Error, &message); err == nil {
		return &apiError{Status: resp.StatusCode, Message: message}
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}

func (c *publishingClient) get(path string, v any) error {
	return c.do(http.MethodGet, path, nil, v)
}

func (c *publishingClient) post(path string, body, v any) error {
	if body == nil {
		body = map[string]any{}
	}
	return c.do(http.MethodPost, path, body, v)
}
