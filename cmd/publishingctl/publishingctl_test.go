package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

// run executes publishingctl against srv and returns its output.
func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--server", srv.URL}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestParseLinks(t *testing.T) {
	got, err := parseLinks([]string{"organisations=a, b", "taxons=", "parent=c"})
	if err != nil {
		t.Fatalf("parseLinks: %v", err)
	}
	if len(got["organisations"]) != 2 || got["organisations"][1] != "b" {
		t.Errorf("organisations = %v, want [a b]", got["organisations"])
	}
	if got["taxons"] == nil || len(got["taxons"]) != 0 {
		t.Errorf("taxons = %#v, want empty non-nil slice", got["taxons"])
	}

	for _, bad := range []string{"organisations", "=a"} {
		if _, err := parseLinks([]string{bad}); err == nil {
			t.Errorf("parseLinks(%q) should fail", bad)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		max  int
		want string
	}{
		{"short", 10, "short"},
		{"exactly ten", 11, "exactly ten"},
		{"a longer title here", 10, "a longe..."},
		{"abcdef", 3, "abc"},
	}
	for _, tt := range tests {
		if got := truncate(tt.in, tt.max); got != tt.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
		}
	}
}

func TestClientErrorHandling(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantMsg    string
		wantFields bool
	}{
		{
			name:       "content api error",
			status:     http.StatusUnprocessableEntity,
			body:       `{"error":{"code":422,"message":"Unprocessable entity","fields":{"title":["is required"]}}}`,
			wantMsg:    "Unprocessable entity",
			wantFields: true,
		},
		{
			name:    "task api error",
			status:  http.StatusBadRequest,
			body:    `{"error":"failed to retry task: not failed"}`,
			wantMsg: "failed to retry task: not failed",
		},
		{
			name:    "plain text",
			status:  http.StatusBadGateway,
			body:    "bad gateway",
			wantMsg: "bad gateway",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := &publishingClient{baseURL: srv.URL, http: srv.Client()}
			err := client.get("/v2/content/x", nil)
			var apiErr *apiError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *apiError, got %v", err)
			}
			if apiErr.Status != tt.status {
				t.Errorf("status = %d, want %d", apiErr.Status, tt.status)
			}
			if apiErr.Message != tt.wantMsg {
				t.Errorf("message = %q, want %q", apiErr.Message, tt.wantMsg)
			}
			if tt.wantFields && !strings.Contains(err.Error(), "title: is required") {
				t.Errorf("error should list fields, got: %v", err)
			}
		})
	}
}

func TestClientSendsUserHeader(t *testing.T) {
	var gotUser string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUser = r.Header.Get("X-Authenticated-User")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer srv.Close()

	if _, err := run(t, srv, "--user", "user-123", "health"); err != nil {
		t.Fatalf("health: %v", err)
	}
	if gotUser != "user-123" {
		t.Errorf("user header = %q, want %q", gotUser, "user-123")
	}
}

func TestPublishHTTP(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v2/content/cid-1/publish" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{
			"content_id":          "cid-1",
			"locale":              "en",
			"base_path":           "/vat-rates",
			"publication_state":   "published",
			"user_facing_version": 2,
			"lock_version":        3,
			"title":               "VAT rates",
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "publish", "cid-1", "--update-type", "minor", "--previous-version", "2")
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if body["update_type"] != "minor" {
		t.Errorf("update_type = %v, want minor", body["update_type"])
	}
	if body["previous_version"] != float64(2) {
		t.Errorf("previous_version = %v, want 2", body["previous_version"])
	}
	if _, ok := body["locale"]; ok {
		t.Errorf("locale should be omitted when not set")
	}
	for _, want := range []string{"CONTENT ID", "cid-1", "/vat-rates", "published"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestLinksPatchHTTP(t *testing.T) {
	var body struct {
		Links           map[string][]string `json:"links"`
		PreviousVersion *int                `json:"previous_version"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{
			"content_id": "cid-1",
			"version":    1,
			"links":      map[string]any{"organisations": []string{"org-1", "org-2"}},
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "links", "patch", "cid-1", "--link", "organisations=org-1,org-2")
	if err != nil {
		t.Fatalf("links patch: %v", err)
	}
	if len(body.Links["organisations"]) != 2 {
		t.Errorf("links sent = %v", body.Links)
	}
	if body.PreviousVersion != nil {
		t.Errorf("previous_version should be omitted, got %d", *body.PreviousVersion)
	}
	if !strings.Contains(out, "org-2") || !strings.Contains(out, "version 1") {
		t.Errorf("unexpected output:\n%s", out)
	}

	if _, err := run(t, srv, "links", "patch", "cid-1"); err == nil {
		t.Error("patch without --link should fail")
	}
}

func TestCheckHTTP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/v2/consistency/")
		report := map[string]any{"content_id": id, "locale": "en", "errors": []string{}}
		if id == "bad" {
			report["errors"] = []string{"content-store: Content is not in the live content store."}
		}
		json.NewEncoder(w).Encode(report)
	}))
	defer srv.Close()

	out, err := run(t, srv, "check", "good")
	if err != nil {
		t.Fatalf("check good: %v", err)
	}
	if !strings.Contains(out, "ok") {
		t.Errorf("expected ok row:\n%s", out)
	}

	out, err = run(t, srv, "check", "good", "bad")
	if err == nil || !strings.Contains(err.Error(), "1 of 2") {
		t.Errorf("expected inconsistency error, got %v", err)
	}
	if !strings.Contains(out, "not in the live content store") {
		t.Errorf("finding missing from output:\n%s", out)
	}
}

func TestStructuredOutput(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"tasks":     []map[string]any{{"id": "t1", "kind": "downstream_live", "state": "failed"}},
			"totalSize": 1,
		})
	}))
	defer srv.Close()

	out, err := run(t, srv, "-o", "json", "tasks", "list")
	if err != nil {
		t.Fatalf("tasks list json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}

	out, err = run(t, srv, "-o", "yaml", "tasks", "list")
	if err != nil {
		t.Fatalf("tasks list yaml: %v", err)
	}
	if !strings.Contains(out, "totalSize: 1") || !strings.Contains(out, "kind: downstream_live") {
		t.Errorf("unexpected yaml:\n%s", out)
	}

	out, err = run(t, srv, "tasks", "list")
	if err != nil {
		t.Fatalf("tasks list table: %v", err)
	}
	if !strings.Contains(out, "KIND") || !strings.Contains(out, "1 of 1 tasks") {
		t.Errorf("unexpected table:\n%s", out)
	}
}

func TestRepresentHTTP(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&body)
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"enqueued": map[string]int{"live": 4}, "payload_version": 9})
	}))
	defer srv.Close()

	out, err := run(t, srv, "represent-downstream", "--store", "live")
	if err != nil {
		t.Fatalf("represent-downstream: %v", err)
	}
	if body["store"] != "live" {
		t.Errorf("store = %v, want live", body["store"])
	}
	if !strings.Contains(out, "live: 4 tasks enqueued") {
		t.Errorf("unexpected output:\n%s", out)
	}
}
