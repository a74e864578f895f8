package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Handler executes one task. Returning an error schedules a retry unless the
// error is marked with Permanent.
type Handler interface {
	Handle(ctx context.Context, task *Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task *Task) error

// Handle calls f(ctx, task).
func (f HandlerFunc) Handle(ctx context.Context, task *Task) error { return f(ctx, task) }

// HandlerLookup resolves the handler for a task kind.
type HandlerLookup func(kind string) (Handler, bool)

// Handlers is a static kind → handler table.
type Handlers map[string]Handler

// Lookup implements HandlerLookup.
func (h Handlers) Lookup(kind string) (Handler, bool) {
	handler, ok := h[kind]
	return handler, ok
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so that the task fails without further retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// WorkerPool processes queued tasks using a pool of goroutines.
type WorkerPool struct {
	store  *Store
	lookup HandlerLookup
	cfg    *QueueConfig
	logger *slog.Logger
	wg     sync.WaitGroup
}

// NewWorkerPool creates a new worker pool.
func NewWorkerPool(store *Store, lookup HandlerLookup, cfg *QueueConfig, logger *slog.Logger) *WorkerPool {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultQueueConfig()
	}
	return &WorkerPool{
		store:  store,
		lookup: lookup,
		cfg:    cfg,
		logger: logger,
	}
}

// Run starts the worker pool. It spawns cfg.Concurrency goroutines, each
// polling for tasks. It blocks until the context is cancelled, then waits for
// all workers to finish.
func (wp *WorkerPool) Run(ctx context.Context) {
	if wp.store == nil || !wp.cfg.Enabled {
		wp.logger.Info("task worker pool disabled")
		return
	}

	wp.logger.Info("task worker pool starting",
		"concurrency", wp.cfg.Concurrency,
		"maxRetries", wp.cfg.MaxRetries,
		"pollInterval", wp.cfg.PollInterval.String())

	wp.wg.Add(1)
	go func() {
		defer wp.wg.Done()
		wp.cleanupLoop(ctx)
	}()

	for i := 0; i < wp.cfg.Concurrency; i++ {
		wp.wg.Add(1)
		go func(workerID int) {
			defer wp.wg.Done()
			wp.workerLoop(ctx, workerID)
		}(i)
	}

	<-ctx.Done()
	wp.logger.Info("task worker pool shutting down, waiting for workers to finish")
	wp.wg.Wait()
	wp.logger.Info("task worker pool stopped")
}

// Drain processes runnable tasks on the calling goroutine until none are
// left and returns how many were processed. Tasks scheduled for a later
// retry are not waited for.
func (wp *WorkerPool) Drain(ctx context.Context) int {
	n := 0
	for ctx.Err() == nil && wp.processOne(ctx, -1) {
		n++
	}
	return n
}

func (wp *WorkerPool) workerLoop(ctx context.Context, workerID int) {
	ticker := time.NewTicker(wp.cfg.PollInterval)
	defer ticker.Stop()

	wp.logger.Info("worker started", "workerID", workerID)

	for {
		select {
		case <-ctx.Done():
			wp.logger.Info("worker stopped", "workerID", workerID)
			return
		case <-ticker.C:
			// Keep going while there is work so a backlog drains faster than
			// one task per tick.
			for ctx.Err() == nil && wp.processOne(ctx, workerID) {
			}
		}
	}
}

// processOne claims and runs a single task. It reports whether a task was
// claimed.
func (wp *WorkerPool) processOne(ctx context.Context, workerID int) bool {
	task, err := wp.store.Claim(ctx, wp.cfg.MaxRetries)
	if err != nil {
		wp.logger.Error("failed to claim task", "workerID", workerID, "error", err)
		return false
	}
	if task == nil {
		return false
	}

	log := wp.logger.With("workerID", workerID, "taskID", task.ID, "kind", task.Kind, "lane", task.Lane)
	log.Debug("processing task", "attempt", task.AttemptCount)

	handler, ok := wp.lookup(task.Kind)
	if !ok {
		errMsg := "no handler registered for task kind: " + task.Kind
		log.Error(errMsg)
		wp.fail(ctx, log, task, Permanent(errors.New(errMsg)))
		return true
	}

	start := time.Now()
	err = wp.run(ctx, handler, task)
	if err != nil {
		log.Error("task failed", "attempt", task.AttemptCount, "error", err)
		wp.fail(ctx, log, task, err)
		return true
	}

	log.Debug("task completed", "duration", time.Since(start).String())
	if err := wp.store.Complete(ctx, task.ID, ""); err != nil {
		log.Error("failed to mark task as complete", "error", err)
	}
	return true
}

func (wp *WorkerPool) run(ctx context.Context, handler Handler, task *Task) (err error) {
	if wp.cfg.TaskTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wp.cfg.TaskTimeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = Permanent(fmt.Errorf("panic in %s handler: %v", task.Kind, r))
		}
	}()
	return handler.Handle(ctx, task)
}

func (wp *WorkerPool) fail(ctx context.Context, log *slog.Logger, task *Task, err error) {
	maxRetries := wp.cfg.MaxRetries
	if IsPermanent(err) {
		maxRetries = 0
	}
	delay := wp.cfg.RetryDelay(task.AttemptCount)
	if failErr := wp.store.Fail(ctx, task.ID, err.Error(), maxRetries, delay); failErr != nil {
		log.Error("failed to mark task as failed", "error", failErr)
	}
}

// cleanupLoop periodically recovers stuck tasks and deletes old finished ones.
func (wp *WorkerPool) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if wp.cfg.ClaimTimeout > 0 {
				recovered, err := wp.store.CleanupStuckTasks(ctx, wp.cfg.ClaimTimeout)
				if err != nil {
					wp.logger.Error("failed to cleanup stuck tasks", "error", err)
				} else if recovered > 0 {
					wp.logger.Info("recovered stuck tasks", "count", recovered)
				}
			}

			if wp.cfg.RetentionDays > 0 {
				cutoff := time.Now().UTC().AddDate(0, 0, -wp.cfg.RetentionDays)
				deleted, err := wp.store.DeleteOlderThan(ctx, cutoff)
				if err != nil {
					wp.logger.Error("failed to delete old tasks", "error", err)
				} else if deleted > 0 {
					wp.logger.Info("deleted old tasks", "count", deleted)
				}
			}
		}
	}
}
