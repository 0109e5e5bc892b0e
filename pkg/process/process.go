package process

import (
	"context"
	"encoding/json"

	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/sf7293/enrollment-taskqueue/pkg/enrollment"
	"github.com/sf7293/enrollment-taskqueue/pkg/query"
)

type Process interface {
	Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error)
}

// Registry maps model names to their handlers. Names are matched exactly.
type Registry struct {
	handlers map[string]Process
	seats    Process
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Process{}}
}

// NewProcess wires every known model to the record store, plus the seat reservation handler
func NewProcess(store domain.RecordStore) *Registry {
	r := NewRegistry()
	for _, model := range domain.Models() {
		r.Register(model, query.NewRecordTask(store, model))
	}
	r.RegisterSeats(enrollment.NewSeatTask(store))
	return r
}

func (r *Registry) Register(model string, p Process) {
	r.handlers[model] = p
}

func (r *Registry) RegisterSeats(p Process) {
	r.seats = p
}

func (r *Registry) Models() []string {
	models := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		models = append(models, m)
	}
	return models
}

// Execute resolves the handler of task and runs it
func (r *Registry) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	if task.Type != domain.TaskTypeDatabase {
		return nil, errval.Validation("unrecognized task type %q", task.Type)
	}

	if task.Operation == domain.OpRequestSeat {
		if task.Model != domain.ModelEnrollment || r.seats == nil {
			return nil, errval.Validation("request-seat is only supported on model %q", domain.ModelEnrollment)
		}
		return r.seats.Execute(ctx, task)
	}

	handler, ok := r.handlers[task.Model]
	if !ok {
		return nil, errval.Validation("no handler registered for model %q", task.Model)
	}
	return handler.Execute(ctx, task)
}
