package domain

import "encoding/json"

type RouterRequestEnqueue struct {
	Type      string          `json:"type" binding:"required"`
	Model     string          `json:"model" binding:"required,validate_model"`
	Operation string          `json:"operation" binding:"required,validate_operation"`
	Payload   json.RawMessage `json:"payload" binding:"validate_payload"`
	Options   map[string]any  `json:"options"`
}

func (r RouterRequestEnqueue) ToDescriptor() TaskDescriptor {
	return TaskDescriptor{
		Type:      r.Type,
		Model:     r.Model,
		Operation: Operation(r.Operation),
		Payload:   r.Payload,
		Options:   r.Options,
	}
}

type RouterRequestCreateQueue struct {
	Name string `json:"name" binding:"required,validate_queue_name"`
}

type RouterRequestCreateWorker struct {
	QueueName   string        `json:"queue_name" binding:"required,validate_queue_name"`
	ThreadCount int           `json:"thread_count" binding:"omitempty,min=1,max=64"`
	Options     WorkerOptions `json:"options"`
}

type RouterRequestStopWorker struct {
	Graceful *bool `json:"graceful"`
}

type RouterRequestSeat struct {
	StudentID int64   `json:"student_id" binding:"required,gt=0"`
	SectionID int64   `json:"section_id" binding:"required,gt=0"`
	Term      string  `json:"term" binding:"required,max=32"`
	QueueName *string `json:"queue_name" binding:"omitempty,validate_queue_name"`
}

type RouterQueryTasks struct {
	Status string `form:"status" binding:"omitempty,validate_status"`
	Limit  int    `form:"limit" binding:"omitempty,min=1,max=500"`
	Offset int    `form:"offset" binding:"omitempty,min=0"`
}
