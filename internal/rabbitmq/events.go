package rabbitmq

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

const publishTimeout = 5 * time.Second

const (
	EventTaskEnqueued  = "task.enqueued"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventTaskError     = "task.error"
	EventWorkerError   = "worker.error"
)

// TaskEvent is the message body published for every lifecycle event
type TaskEvent struct {
	Event      string           `json:"event"`
	TaskID     string           `json:"task_id,omitempty"`
	QueueName  string           `json:"queue_name,omitempty"`
	Model      string           `json:"model,omitempty"`
	Operation  domain.Operation `json:"operation,omitempty"`
	RetryCount int              `json:"retry_count"`
	Requeued   bool             `json:"requeued,omitempty"`
	Error      string           `json:"error,omitempty"`
	ErrorKind  errval.Kind      `json:"error_kind,omitempty"`
	WorkerID   string           `json:"worker_id,omitempty"`
	UnitID     string           `json:"unit_id,omitempty"`
	Result     json.RawMessage  `json:"result,omitempty"`
	OccurredAt int64            `json:"occurred_at"`
}

// EventPublisher forwards task lifecycle events to a broker queue. Publishing failures are logged and dropped.
type EventPublisher struct {
	publisher domain.MessagePublisher
	queueName string
	now       func() time.Time
}

func NewEventPublisher(publisher domain.MessagePublisher, queueName string) *EventPublisher {
	return &EventPublisher{publisher: publisher, queueName: queueName, now: time.Now}
}

func (p *EventPublisher) TaskEnqueued(ctx context.Context, task *domain.Task) {
	p.publish(ctx, p.taskEvent(EventTaskEnqueued, task))
}

func (p *EventPublisher) TaskCompleted(ctx context.Context, task *domain.Task, result json.RawMessage) {
	event := p.taskEvent(EventTaskCompleted, task)
	event.Result = result
	p.publish(ctx, event)
}

func (p *EventPublisher) TaskFailed(ctx context.Context, task *domain.Task, err error, requeued bool) {
	event := p.taskEvent(EventTaskFailed, task)
	event.Requeued = requeued
	event.Error = errval.Message(err)
	event.ErrorKind = errval.KindOf(err)
	p.publish(ctx, event)
}

func (p *EventPublisher) TaskErrored(ctx context.Context, task *domain.Task, err error) {
	event := p.taskEvent(EventTaskError, task)
	event.Error = errval.Message(err)
	event.ErrorKind = errval.KindOf(err)
	p.publish(ctx, event)
}

func (p *EventPublisher) WorkerError(ctx context.Context, workerID, unitID string, err error) {
	p.publish(ctx, TaskEvent{
		Event:      EventWorkerError,
		WorkerID:   workerID,
		UnitID:     unitID,
		Error:      err.Error(),
		ErrorKind:  errval.KindInternal,
		OccurredAt: p.now().UnixMilli(),
	})
}

func (p *EventPublisher) taskEvent(name string, task *domain.Task) TaskEvent {
	return TaskEvent{
		Event:      name,
		TaskID:     task.ID,
		QueueName:  task.QueueName,
		Model:      task.Model,
		Operation:  task.Operation,
		RetryCount: task.RetryCount,
		UnitID:     task.ThreadID,
		OccurredAt: p.now().UnixMilli(),
	}
}

func (p *EventPublisher) publish(ctx context.Context, event TaskEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		slog.ErrorContext(ctx, "failed to marshal task event", "event", event.Event, "task_id", event.TaskID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := p.publisher.PublishMessage(ctx, p.queueName, body); err != nil {
		slog.ErrorContext(ctx, "failed to publish task event", "event", event.Event, "task_id", event.TaskID, "queue_name", p.queueName, "error", err)
	}
}
