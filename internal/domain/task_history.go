package domain

type TaskStatusChangeHistory struct {
	TaskID    string `json:"task_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Error     string `json:"error,omitempty"`
	CreatedAt int64  `json:"created_at"`
}
