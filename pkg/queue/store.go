// Package queue is a database-backed task queue with two priority lanes,
// retry with backoff and a polling worker pool.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Enqueuer schedules tasks. It is the only part of the queue the command
// layer depends on.
type Enqueuer interface {
	Enqueue(ctx context.Context, task *Task) (*Task, error)
}

// Store provides database operations for tasks.
type Store struct {
	db *gorm.DB
}

// NewStore creates a new Store.
func NewStore(db *gorm.DB) *Store {
	return &Store{db: db}
}

// AutoMigrate creates or updates the propagation_tasks table.
func (s *Store) AutoMigrate() error {
	if err := s.db.AutoMigrate(&Task{}); err != nil {
		return fmt.Errorf("auto-migrate propagation_tasks: %w", err)
	}
	return nil
}

// TaskListFilter defines filters for listing tasks.
type TaskListFilter struct {
	Lane  string
	Kind  string
	State string
}

// Enqueue creates a new queued task. If the task has an idempotency key and a
// queued task with the same key exists, the existing task is returned instead.
// Running tasks are not reused: they may already have read the state this
// enqueue is meant to publish.
func (s *Store) Enqueue(ctx context.Context, task *Task) (*Task, error) {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Lane == "" {
		task.Lane = LaneHigh
	}
	task.State = TaskStateQueued
	now := time.Now().UTC()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = now
	}
	if task.RunAfter.IsZero() {
		task.RunAfter = task.EnqueuedAt
	}

	if task.IdempotencyKey == nil {
		if err := s.db.WithContext(ctx).Create(task).Error; err != nil {
			return nil, fmt.Errorf("enqueue task: %w", err)
		}
		return task, nil
	}

	key := *task.IdempotencyKey
	var result *Task
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Task
		err := tx.Where("idempotency_key = ? AND state = ?", key, TaskStateQueued).First(&existing).Error
		if err == nil {
			result = &existing
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("check idempotency key: %w", err)
		}

		// Release the key held by running or terminal tasks so the unique
		// index admits the new one.
		if err := tx.Model(&Task{}).
			Where("idempotency_key = ? AND state <> ?", key, TaskStateQueued).
			Update("idempotency_key", nil).Error; err != nil {
			return fmt.Errorf("release idempotency key: %w", err)
		}

		if err := tx.Create(task).Error; err != nil {
			return err
		}
		result = task
		return nil
	})
	if err != nil {
		// Another writer created the task between our check and create.
		var raced Task
		lookupErr := s.db.WithContext(ctx).
			Where("idempotency_key = ? AND state = ?", key, TaskStateQueued).
			First(&raced).Error
		if lookupErr == nil {
			return &raced, nil
		}
		return nil, fmt.Errorf("enqueue task: %w", err)
	}
	return result, nil
}

// Claim atomically picks the next runnable task and transitions it to
// running. High-lane tasks are claimed before low-lane tasks. Uses FOR UPDATE
// SKIP LOCKED where the dialect supports it; elsewhere the conditional state
// update below is what prevents two workers claiming the same task.
// Returns nil if no task is available.
func (s *Store) Claim(ctx context.Context, maxRetries int) (*Task, error) {
	var task Task
	claimed := false

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// "high" sorts before "low".
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND attempt_count <= ? AND run_after <= ?", TaskStateQueued, maxRetries, time.Now().UTC()).
			Order("lane ASC").
			Order("enqueued_at ASC").
			First(&task).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		now := time.Now().UTC()
		result := tx.Model(&Task{}).Where("id = ? AND state = ?", task.ID, TaskStateQueued).
			Updates(map[string]any{
				"state":         TaskStateRunning,
				"started_at":    now,
				"attempt_count": gorm.Expr("attempt_count + 1"),
			})
		if result.Error != nil {
			return result.Error
		}
		claimed = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		return nil, nil
	}

	if err := s.db.WithContext(ctx).First(&task, "id = ?", task.ID).Error; err != nil {
		return nil, fmt.Errorf("reload claimed task: %w", err)
	}
	return &task, nil
}

// Complete marks a task as succeeded.
func (s *Store) Complete(ctx context.Context, taskID, message string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Updates(map[string]any{
		"state":       TaskStateSucceeded,
		"finished_at": now,
		"message":     message,
	})
	if result.Error != nil {
		return fmt.Errorf("complete task: %w", result.Error)
	}
	return nil
}

// Fail records a failed attempt. While the attempt count is below maxRetries
// the task is re-queued to run after retryDelay; otherwise it is marked
// failed.
func (s *Store) Fail(ctx context.Context, taskID, errMsg string, maxRetries int, retryDelay time.Duration) error {
	var task Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		return fmt.Errorf("load task for fail: %w", err)
	}

	now := time.Now().UTC()
	updates := map[string]any{
		"last_error":  errMsg,
		"finished_at": now,
	}
	if task.AttemptCount < maxRetries {
		updates["state"] = TaskStateQueued
		updates["started_at"] = nil
		updates["finished_at"] = nil
		updates["run_after"] = now.Add(retryDelay)
	} else {
		updates["state"] = TaskStateFailed
		updates["message"] = "Max retries exceeded: " + errMsg
	}

	if err := s.db.WithContext(ctx).Model(&Task{}).Where("id = ?", taskID).Updates(updates).Error; err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return nil
}

// Cancel marks a queued task as canceled.
func (s *Store) Cancel(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND state = ?", taskID, TaskStateQueued).
		Updates(map[string]any{
			"state":       TaskStateCanceled,
			"finished_at": now,
			"message":     "Canceled by operator",
		})
	if result.Error != nil {
		return fmt.Errorf("cancel task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		task, err := s.Get(ctx, taskID)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task not found: %s", taskID)
		}
		return fmt.Errorf("task %s is in state %s, only queued tasks can be canceled", taskID, task.State)
	}
	return nil
}

// Retry re-queues a failed or canceled task with a fresh attempt budget.
func (s *Store) Retry(ctx context.Context, taskID string) error {
	now := time.Now().UTC()
	result := s.db.WithContext(ctx).Model(&Task{}).
		Where("id = ? AND state IN ?", taskID, []TaskState{TaskStateFailed, TaskStateCanceled}).
		Updates(map[string]any{
			"state":         TaskStateQueued,
			"attempt_count": 0,
			"run_after":     now,
			"started_at":    nil,
			"finished_at":   nil,
			"message":       "Retried by operator",
		})
	if result.Error != nil {
		return fmt.Errorf("retry task: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("task %s is not failed or canceled", taskID)
	}
	return nil
}

// Get retrieves a task by ID. Returns nil, nil if none exists.
func (s *Store) Get(ctx context.Context, taskID string) (*Task, error) {
	var task Task
	if err := s.db.WithContext(ctx).First(&task, "id = ?", taskID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// List returns paginated tasks matching the given filter, newest first.
func (s *Store) List(ctx context.Context, filter TaskListFilter, pageSize int, pageToken string) ([]Task, string, int, error) {
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	buildQuery := func(base *gorm.DB) *gorm.DB {
		q := base.Model(&Task{})
		if filter.Lane != "" {
			q = q.Where("lane = ?", filter.Lane)
		}
		if filter.Kind != "" {
			q = q.Where("kind = ?", filter.Kind)
		}
		if filter.State != "" {
			q = q.Where("state = ?", filter.State)
		}
		return q
	}

	db := s.db.WithContext(ctx)
	var totalSize int64
	if err := buildQuery(db).Count(&totalSize).Error; err != nil {
		return nil, "", 0, fmt.Errorf("count tasks: %w", err)
	}

	query := buildQuery(db).Order("enqueued_at DESC").Limit(pageSize + 1)
	if pageToken != "" {
		t, err := time.Parse(time.RFC3339Nano, pageToken)
		if err != nil {
			return nil, "", 0, fmt.Errorf("invalid page token: %w", err)
		}
		query = query.Where("enqueued_at < ?", t)
	}

	var records []Task
	if err := query.Find(&records).Error; err != nil {
		return nil, "", 0, fmt.Errorf("list tasks: %w", err)
	}

	var nextToken string
	if len(records) > pageSize {
		nextToken = records[pageSize-1].EnqueuedAt.Format(time.RFC3339Nano)
		records = records[:pageSize]
	}
	return records, nextToken, int(totalSize), nil
}

// CountByState returns the number of tasks in each state.
func (s *Store) CountByState(ctx context.Context) (map[TaskState]int64, error) {
	var rows []struct {
		State TaskState
		Count int64
	}
	err := s.db.WithContext(ctx).Model(&Task{}).
		Select("state, COUNT(*) AS count").
		Group("state").
		Scan(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("count tasks by state: %w", err)
	}
	out := make(map[TaskState]int64, len(rows))
	for _, r := range rows {
		out[r.State] = r.Count
	}
	return out, nil
}

// CleanupStuckTasks transitions running tasks whose started_at is older than
// claimTimeout back to queued for retry.
func (s *Store) CleanupStuckTasks(ctx context.Context, claimTimeout time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-claimTimeout)
	result := s.db.WithContext(ctx).Model(&Task{}).
		Where("state = ? AND started_at < ?", TaskStateRunning, cutoff).
		Updates(map[string]any{
			"state":      TaskStateQueued,
			"started_at": nil,
			"last_error": "Timed out (stuck task recovery)",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("cleanup stuck tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// DeleteOlderThan removes terminal tasks that finished before cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("state IN ? AND finished_at < ?",
			[]TaskState{TaskStateSucceeded, TaskStateFailed, TaskStateCanceled}, cutoff).
		Delete(&Task{})
	if result.Error != nil {
		return 0, fmt.Errorf("delete old tasks: %w", result.Error)
	}
	return result.RowsAffected, nil
}
