package queue

import (
	"encoding/json"
	"fmt"
	"time"
)

// Lane is a priority tier. Workers always drain the high lane first.
type Lane string

const (
	LaneHigh Lane = "high"
	LaneLow  Lane = "low"
)

// TaskState represents the lifecycle state of a task.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateSucceeded TaskState = "succeeded"
	TaskStateFailed    TaskState = "failed"
	TaskStateCanceled  TaskState = "canceled"
)

// Task is the GORM model for a queued unit of asynchronous work.
type Task struct {
	ID             string     `gorm:"primaryKey;column:id;type:varchar(36)"`
	Lane           Lane       `gorm:"column:lane;index:idx_task_claim,priority:2;not null;default:high"`
	Kind           string     `gorm:"column:kind;index;not null"`
	Payload        string     `gorm:"column:payload;type:text"`
	State          TaskState  `gorm:"column:state;index:idx_task_claim,priority:1;not null;default:queued"`
	EnqueuedAt     time.Time  `gorm:"column:enqueued_at;index:idx_task_claim,priority:3;not null"`
	RunAfter       time.Time  `gorm:"column:run_after;not null"`
	StartedAt      *time.Time `gorm:"column:started_at"`
	FinishedAt     *time.Time `gorm:"column:finished_at"`
	AttemptCount   int        `gorm:"column:attempt_count;default:0"`
	LastError      string     `gorm:"column:last_error"`
	Message        string     `gorm:"column:message"`
	IdempotencyKey *string    `gorm:"column:idempotency_key;uniqueIndex:idx_task_idemp_key"`
}

// TableName returns the GORM table name.
func (Task) TableName() string { return "propagation_tasks" }

// IsTerminal returns true if the task is in a terminal state.
func (t *Task) IsTerminal() bool {
	switch t.State {
	case TaskStateSucceeded, TaskStateFailed, TaskStateCanceled:
		return true
	}
	return false
}

// NewTask builds a queued task with a JSON-encoded payload. A non-empty key
// collapses duplicate enqueues while an earlier task is still waiting.
func NewTask(kind string, lane Lane, payload any, key string) (*Task, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	t := &Task{Kind: kind, Lane: lane, Payload: string(b)}
	if key != "" {
		t.IdempotencyKey = &key
	}
	return t, nil
}

// Decode unmarshals the task payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal([]byte(t.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Kind, err)
	}
	return nil
}
