package queue

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
)

// Router creates a chi.Router for the task status API.
func Router(store *Store) chi.Router {
	r := chi.NewRouter()
	r.Get("/", ListTasksHandler(store))
	r.Get("/{taskId}", GetTaskHandler(store))
	r.Post("/{taskId}/cancel", CancelTaskHandler(store))
	r.Post("/{taskId}/retry", RetryTaskHandler(store))
	return r
}

// GetTaskHandler handles GET /v2/tasks/{taskId}
func GetTaskHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		if taskID == "" {
			writeError(w, http.StatusBadRequest, "missing task ID")
			return
		}

		task, err := store.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to get task: %v", err))
			return
		}
		if task == nil {
			writeError(w, http.StatusNotFound, fmt.Sprintf("task %q not found", taskID))
			return
		}

		writeJSON(w, http.StatusOK, taskToResponse(task))
	}
}

// ListTasksHandler handles GET /v2/tasks
// Query params: lane, kind, state, pageSize, pageToken
func ListTasksHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := TaskListFilter{
			Lane:  q.Get("lane"),
			Kind:  q.Get("kind"),
			State: q.Get("state"),
		}

		pageSize := 20
		if ps := q.Get("pageSize"); ps != "" {
			if v, err := strconv.Atoi(ps); err == nil && v > 0 {
				pageSize = v
			}
		}

		records, nextToken, total, err := store.List(r.Context(), filter, pageSize, q.Get("pageToken"))
		if err != nil {
			writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to list tasks: %v", err))
			return
		}

		tasks := make([]taskResponse, len(records))
		for i := range records {
			tasks[i] = taskToResponse(&records[i])
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"tasks":         tasks,
			"nextPageToken": nextToken,
			"totalSize":     total,
		})
	}
}

// CancelTaskHandler handles POST /v2/tasks/{taskId}/cancel
func CancelTaskHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		if err := store.Cancel(r.Context(), taskID); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to cancel task: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "canceled", "taskId": taskID})
	}
}

// RetryTaskHandler handles POST /v2/tasks/{taskId}/retry
func RetryTaskHandler(store *Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")
		if err := store.Retry(r.Context(), taskID); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("failed to retry task: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "queued", "taskId": taskID})
	}
}

type taskResponse struct {
	ID           string          `json:"id"`
	Lane         string          `json:"lane"`
	Kind         string          `json:"kind"`
	State        string          `json:"state"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt   string          `json:"enqueuedAt"`
	RunAfter     string          `json:"runAfter"`
	StartedAt    string          `json:"startedAt,omitempty"`
	FinishedAt   string          `json:"finishedAt,omitempty"`
	AttemptCount int             `json:"attemptCount"`
	LastError    string          `json:"lastError,omitempty"`
	Message      string          `json:"message,omitempty"`
}

func taskToResponse(task *Task) taskResponse {
	resp := taskResponse{
		ID:           task.ID,
		Lane:         string(task.Lane),
		Kind:         task.Kind,
		State:        string(task.State),
		EnqueuedAt:   task.EnqueuedAt.Format(time.RFC3339),
		RunAfter:     task.RunAfter.Format(time.RFC3339),
		AttemptCount: task.AttemptCount,
		LastError:    task.LastError,
		Message:      task.Message,
	}
	if json.Valid([]byte(task.Payload)) {
		resp.Payload = json.RawMessage(task.Payload)
	}
	if task.StartedAt != nil {
		resp.StartedAt = task.StartedAt.Format(time.RFC3339)
	}
	if task.FinishedAt != nil {
		resp.FinishedAt = task.FinishedAt.Format(time.RFC3339)
	}
	return resp
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
