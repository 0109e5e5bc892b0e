package domain

import "context"

// TaskQueue is the contract of a durable, named queue
type TaskQueue interface {
	Name() string
	Enqueue(ctx context.Context, desc TaskDescriptor) (string, error)
	Dequeue(ctx context.Context, batchSize int) ([]*Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, update StatusUpdate) (bool, error)
	RequeueTask(ctx context.Context, taskID string, errMsg string) (bool, error)
	GetStats(ctx context.Context) (QueueStats, error)
	GetTask(ctx context.Context, taskID string) (*TaskView, error)
	GetTaskHistory(ctx context.Context, taskID string) ([]*TaskStatusChangeHistory, error)
	GetQueueTasks(ctx context.Context, filter TaskFilter) (*TaskPage, error)
	Destroy(ctx context.Context) error
}

// MessagePublisher is the outbound side of the events broker
type MessagePublisher interface {
	IsHealthy() bool
	PublishMessage(ctx context.Context, queueName string, body []byte) error
	Close() error
}
