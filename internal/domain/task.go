package domain

import (
	"encoding/json"
	"fmt"
)

type TaskStatus string

const (
	Pending    TaskStatus = "pending"
	Processing TaskStatus = "processing"
	Completed  TaskStatus = "completed"
	Failed     TaskStatus = "failed"
	Errored    TaskStatus = "error"
)

// IsTerminal reports whether no worker will pick the task up again
func (s TaskStatus) IsTerminal() bool {
	return s == Completed || s == Failed || s == Errored
}

func ParseTaskStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case Pending, Processing, Completed, Failed, Errored:
		return TaskStatus(s), nil
	default:
		return "", fmt.Errorf("unknown task status %q", s)
	}
}

type Operation string

const (
	OpCreate      Operation = "create"
	OpUpdate      Operation = "update"
	OpDelete      Operation = "delete"
	OpBulkCreate  Operation = "bulk-create"
	OpBulkUpdate  Operation = "bulk-update"
	OpBulkDelete  Operation = "bulk-delete"
	OpRequestSeat Operation = "request-seat"
)

var operations = []Operation{OpCreate, OpUpdate, OpDelete, OpBulkCreate, OpBulkUpdate, OpBulkDelete, OpRequestSeat}

func Operations() []Operation {
	return append([]Operation(nil), operations...)
}

func (o Operation) Valid() bool {
	for _, op := range operations {
		if o == op {
			return true
		}
	}
	return false
}

// TaskTypeDatabase is the category used for record store operations
const TaskTypeDatabase = "database"

// Task is the state record kept in a queue's task table.
// Timestamps are unix milliseconds. Payload and Options travel next to the record, never inside it.
type Task struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Model       string          `json:"model"`
	Operation   Operation       `json:"operation"`
	QueueName   string          `json:"queue_name"`
	Status      TaskStatus      `json:"status"`
	ThreadID    string          `json:"thread_id,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Payload     json.RawMessage `json:"-"`
	Options     map[string]any  `json:"-"`
}

// TaskDescriptor is what producers submit
type TaskDescriptor struct {
	Type      string          `json:"type" validate:"required"`
	Model     string          `json:"model" validate:"required"`
	Operation Operation       `json:"operation" validate:"required,task_operation"`
	Payload   json.RawMessage `json:"payload" validate:"task_payload"`
	Options   map[string]any  `json:"options,omitempty"`
}

// TaskView is the externally visible projection of a task
type TaskView struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`
	Model       string          `json:"model"`
	Operation   Operation       `json:"operation"`
	QueueName   string          `json:"queue_name"`
	Status      TaskStatus      `json:"status"`
	ThreadID    string          `json:"thread_id,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	StartedAt   int64           `json:"started_at,omitempty"`
	CompletedAt int64           `json:"completed_at,omitempty"`
	Error       string          `json:"error,omitempty"`
	ErrorKind   string          `json:"error_kind,omitempty"`
	RetryCount  int             `json:"retry_count"`
	Result      json.RawMessage `json:"result,omitempty"`
}

func (t *Task) View(result json.RawMessage) TaskView {
	return TaskView{
		ID:          t.ID,
		Type:        t.Type,
		Model:       t.Model,
		Operation:   t.Operation,
		QueueName:   t.QueueName,
		Status:      t.Status,
		ThreadID:    t.ThreadID,
		CreatedAt:   t.CreatedAt,
		StartedAt:   t.StartedAt,
		CompletedAt: t.CompletedAt,
		Error:       t.Error,
		ErrorKind:   t.ErrorKind,
		RetryCount:  t.RetryCount,
		Result:      result,
	}
}

// StatusUpdate carries the outcome written back by a worker
type StatusUpdate struct {
	Status    TaskStatus
	Result    json.RawMessage
	Error     string
	ErrorKind string
	ThreadID  string
}

type TaskFilter struct {
	Status TaskStatus
	Limit  int
	Offset int
}

type TaskPage struct {
	Tasks  []TaskView `json:"tasks"`
	Total  int64      `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

// QueueStats mirrors the counters hash of a queue
type QueueStats struct {
	Total      int64 `json:"total"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Error      int64 `json:"error"`
}

// Load is the figure the balancer compares; idle backlog counts the same as work in flight.
func (s QueueStats) Load() int64 {
	return s.Pending + s.Processing
}

func (s QueueStats) Consistent() bool {
	return s.Total == s.Pending+s.Processing+s.Completed+s.Failed+s.Error
}

type EnqueueResult struct {
	TaskID    string `json:"task_id"`
	QueueName string `json:"queue_name"`
}
