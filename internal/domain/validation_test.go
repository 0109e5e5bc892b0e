package domain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/stretchr/testify/assert"
)

func validDescriptor() TaskDescriptor {
	return TaskDescriptor{
		Type:      TaskTypeDatabase,
		Model:     ModelStudent,
		Operation: OpCreate,
		Payload:   json.RawMessage(`{"code":"S-1","name":"Ana"}`),
	}
}

func TestTaskDescriptor_Validate(t *testing.T) {
	assert.NoError(t, validDescriptor().Validate())

	tests := []struct {
		name   string
		mutate func(d *TaskDescriptor)
		want   string
	}{
		{"missing type", func(d *TaskDescriptor) { d.Type = "" }, "type is required"},
		{"missing model", func(d *TaskDescriptor) { d.Model = "" }, "model is required"},
		{"missing operation", func(d *TaskDescriptor) { d.Operation = "" }, "operation is required"},
		{"unknown operation", func(d *TaskDescriptor) { d.Operation = "upsert" }, `operation "upsert" is not supported`},
		{"missing payload", func(d *TaskDescriptor) { d.Payload = nil }, "payload must be a non-null JSON value"},
		{"null payload", func(d *TaskDescriptor) { d.Payload = json.RawMessage("null") }, "payload must be a non-null JSON value"},
		{"broken payload", func(d *TaskDescriptor) { d.Payload = json.RawMessage("{") }, "payload must be a non-null JSON value"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := validDescriptor()
			tt.mutate(&d)

			err := d.Validate()
			assert.ErrorIs(t, err, errval.ErrValidation)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("enrollments-2024_a"))
	assert.Error(t, ValidateQueueName(""))
	assert.Error(t, ValidateQueueName("has:colon"))
	assert.Error(t, ValidateQueueName("has space"))
}

func TestOperationValid(t *testing.T) {
	for _, op := range Operations() {
		assert.True(t, op.Valid(), op)
	}
	assert.False(t, Operation("CREATE").Valid())
}

func TestQueueStats(t *testing.T) {
	s := QueueStats{Total: 10, Pending: 3, Processing: 2, Completed: 4, Failed: 1}
	assert.True(t, s.Consistent())
	assert.Equal(t, int64(5), s.Load())

	s.Error = 1
	assert.False(t, s.Consistent())
}

func TestObserversRecoverFromPanics(t *testing.T) {
	var called bool
	obs := Observers{panicObserver{}, recordingObserver{called: &called}}

	assert.NotPanics(t, func() { obs.TaskEnqueued(context.Background(), &Task{ID: "t1"}) })
	assert.True(t, called)
}

type panicObserver struct{ NopObserver }

func (panicObserver) TaskEnqueued(_ context.Context, _ *Task) { panic("boom") }

type recordingObserver struct {
	NopObserver
	called *bool
}

func (r recordingObserver) TaskEnqueued(_ context.Context, _ *Task) { *r.called = true }
