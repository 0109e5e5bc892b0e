package domain

type WorkerOptions struct {
	BatchSize      int   `json:"batch_size,omitempty"`
	AutoStart      *bool `json:"auto_start,omitempty"`
	IdlePollMillis int64 `json:"idle_poll_millis,omitempty"`
	BusyPollMillis int64 `json:"busy_poll_millis,omitempty"`
}

// AutoStartEnabled defaults to true when the flag was never set
func (o WorkerOptions) AutoStartEnabled() bool {
	return o.AutoStart == nil || *o.AutoStart
}

// WorkerConfig is the persisted shape of a worker pool, read back on restart
type WorkerConfig struct {
	ID          string        `json:"id"`
	QueueName   string        `json:"queue_name"`
	ThreadCount int           `json:"thread_count"`
	Options     WorkerOptions `json:"options"`
	IsRunning   bool          `json:"is_running"`
	IsPaused    bool          `json:"is_paused"`
	CreatedAt   int64         `json:"created_at"`
	UpdatedAt   int64         `json:"updated_at"`
}

type WorkerCounters struct {
	Processed int64 `json:"processed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Errors    int64 `json:"errors"`
}

// WorkerInfo is a runtime snapshot of a pool
type WorkerInfo struct {
	ID          string         `json:"id"`
	QueueName   string         `json:"queue_name"`
	ThreadCount int            `json:"thread_count"`
	BatchSize   int            `json:"batch_size"`
	IsRunning   bool           `json:"is_running"`
	IsPaused    bool           `json:"is_paused"`
	Occupied    []string       `json:"occupied_units"`
	Counters    WorkerCounters `json:"counters"`
}
