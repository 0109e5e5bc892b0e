package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// TaskObserver receives lifecycle events. Implementations must not block for long,
// they run on the caller's goroutine.
type TaskObserver interface {
	TaskEnqueued(ctx context.Context, task *Task)
	TaskCompleted(ctx context.Context, task *Task, result json.RawMessage)
	TaskFailed(ctx context.Context, task *Task, err error, requeued bool)
	TaskErrored(ctx context.Context, task *Task, err error)
	WorkerError(ctx context.Context, workerID, unitID string, err error)
}

type NopObserver struct{}

func (NopObserver) TaskEnqueued(context.Context, *Task) {}
func (NopObserver) TaskCompleted(context.Context, *Task, json.RawMessage) {}
func (NopObserver) TaskFailed(context.Context, *Task, error, bool) {}
func (NopObserver) TaskErrored(context.Context, *Task, error) {}
func (NopObserver) WorkerError(context.Context, string, string, error) {}

// Observers fans an event out to several observers
type Observers []TaskObserver

func (o Observers) TaskEnqueued(ctx context.Context, task *Task) {
	for _, obs := range o {
		Notify(ctx, "task_enqueued", func() { obs.TaskEnqueued(ctx, task) })
	}
}

func (o Observers) TaskCompleted(ctx context.Context, task *Task, result json.RawMessage) {
	for _, obs := range o {
		Notify(ctx, "task_completed", func() { obs.TaskCompleted(ctx, task, result) })
	}
}

func (o Observers) TaskFailed(ctx context.Context, task *Task, err error, requeued bool) {
	for _, obs := range o {
		Notify(ctx, "task_failed", func() { obs.TaskFailed(ctx, task, err, requeued) })
	}
}

func (o Observers) TaskErrored(ctx context.Context, task *Task, err error) {
	for _, obs := range o {
		Notify(ctx, "task_error", func() { obs.TaskErrored(ctx, task, err) })
	}
}

func (o Observers) WorkerError(ctx context.Context, workerID, unitID string, err error) {
	for _, obs := range o {
		Notify(ctx, "worker_error", func() { obs.WorkerError(ctx, workerID, unitID, err) })
	}
}

// Notify runs an observer callback and swallows its panic so the caller's state is untouched
func Notify(ctx context.Context, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "observer callback panicked", "event", event, "error", fmt.Sprint(r))
		}
	}()
	fn()
}
