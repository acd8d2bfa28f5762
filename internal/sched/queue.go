// Package sched runs hardware work on a single serial worker: a FIFO queue
// of named tasks with bounded retries, and the auto-pilot that picks the
// next target and submits its capture sequence. One worker means one mount
// command stream; nothing here runs hardware concurrently.
package sched

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/neo/neotrack/internal/domain"
	"github.com/neo/neotrack/internal/metrics"
)

// ErrQueueFull is returned by Submit when the queue buffer is exhausted.
var ErrQueueFull = errors.New("task queue full")

// Alerter surfaces task failures to the operator. *notify.Log satisfies it.
type Alerter interface {
	Add(ctx context.Context, level, message string, attrs map[string]string) domain.Notification
}

// Task is one named unit of work with a retry budget.
type Task struct {
	Name string
	Run  func(ctx context.Context) error
	// Retries is the total attempt budget; zero means 3.
	Retries int
	// Backoff is the base delay; attempt n sleeps Backoff*n. Zero means 500ms.
	Backoff time.Duration
}

// Queue is a serial retrying task queue.
type Queue struct {
	tasks  chan Task
	alerts Alerter
	logger *slog.Logger
}

// NewQueue creates a Queue with the given buffer size.
func NewQueue(buffer int, alerts Alerter, logger *slog.Logger) *Queue {
	if buffer <= 0 {
		buffer = 16
	}
	return &Queue{
		tasks:  make(chan Task, buffer),
		alerts: alerts,
		logger: logger,
	}
}

// Submit enqueues a task without blocking.
func (q *Queue) Submit(task Task) error {
	if task.Retries <= 0 {
		task.Retries = 3
	}
	if task.Backoff <= 0 {
		task.Backoff = 500 * time.Millisecond
	}
	select {
	case q.tasks <- task:
		metrics.SetQueueDepth(len(q.tasks))
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue until ctx is canceled. The worker never panics out;
// a task that exhausts its retries raises an alert and the worker moves on.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			metrics.SetQueueDepth(len(q.tasks))
			q.process(ctx, task)
		}
	}
}

func (q *Queue) process(ctx context.Context, task Task) {
	var lastErr error
	for attempt := 1; attempt <= task.Retries; attempt++ {
		lastErr = q.runOne(ctx, task)
		if lastErr == nil {
			if attempt > 1 {
				q.logger.Info("task succeeded after retry", "task", task.Name, "attempts", attempt)
			}
			metrics.RecordQueueTask("ok")
			return
		}
		q.logger.Warn("task attempt failed",
			"task", task.Name,
			"attempt", attempt,
			"retries", task.Retries,
			"error", lastErr)
		if attempt < task.Retries {
			if !sleepCtx(ctx, task.Backoff*time.Duration(attempt)) {
				break
			}
		}
	}

	metrics.RecordQueueTask("exhausted")
	if q.alerts != nil {
		q.alerts.Add(ctx, "error",
			fmt.Sprintf("task %s failed after %d attempts", task.Name, task.Retries),
			map[string]string{"task": task.Name, "error": lastErr.Error()})
	}
}

func (q *Queue) runOne(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.New("task panicked")
			q.logger.Error("task panicked", "task", task.Name, "panic", r)
		}
	}()
	return task.Run(ctx)
}

// sleepCtx sleeps for d and reports false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
