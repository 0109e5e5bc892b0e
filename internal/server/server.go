package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sf7293/enrollment-taskqueue/internal/balancer"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/sf7293/enrollment-taskqueue/internal/manager"
)

type ServerLogic struct {
	manager  *manager.Manager
	balancer *balancer.Service
}

type QueueSummary struct {
	Name  string            `json:"name"`
	Stats domain.QueueStats `json:"stats"`
}

func NewServerLogic(m *manager.Manager, b *balancer.Service) *ServerLogic {
	return &ServerLogic{manager: m, balancer: b}
}

func (s *ServerLogic) Enqueue(ctx context.Context, queueName string, req domain.RouterRequestEnqueue) (domain.EnqueueResult, error) {
	store, err := s.manager.GetQueue(queueName)
	if err != nil {
		slog.InfoContext(ctx, "enqueue to unknown queue", "queue_name", queueName)
		return domain.EnqueueResult{}, err
	}

	taskID, err := store.Enqueue(ctx, req.ToDescriptor())
	if err != nil {
		logFailure(ctx, "error occurred while calling queue.Enqueue", err, "queue_name", queueName)
		return domain.EnqueueResult{}, err
	}

	return domain.EnqueueResult{TaskID: taskID, QueueName: queueName}, nil
}

func (s *ServerLogic) EnqueueAutoBalance(ctx context.Context, req domain.RouterRequestEnqueue) (domain.EnqueueResult, error) {
	res, err := s.balancer.EnqueueAutoBalance(ctx, req.ToDescriptor())
	if err != nil {
		logFailure(ctx, "error occurred while calling balancer.EnqueueAutoBalance", err)
		return domain.EnqueueResult{}, err
	}
	return res, nil
}

// RequestSeat turns an enrollment request into a request-seat task, balanced unless a queue is named
func (s *ServerLogic) RequestSeat(ctx context.Context, req domain.RouterRequestSeat) (domain.EnqueueResult, error) {
	payload, err := json.Marshal(domain.SeatRequest{StudentID: req.StudentID, SectionID: req.SectionID, Term: req.Term})
	if err != nil {
		slog.ErrorContext(ctx, "error while marshalling seat request", "error", err)
		return domain.EnqueueResult{}, errval.ErrInternal
	}

	task := domain.RouterRequestEnqueue{
		Type:      domain.TaskTypeDatabase,
		Model:     domain.ModelEnrollment,
		Operation: string(domain.OpRequestSeat),
		Payload:   payload,
	}
	if req.QueueName != nil {
		return s.Enqueue(ctx, *req.QueueName, task)
	}
	return s.EnqueueAutoBalance(ctx, task)
}

func (s *ServerLogic) GetTaskStatus(ctx context.Context, queueName, taskID string) (*domain.TaskView, error) {
	store, err := s.manager.GetQueue(queueName)
	if err != nil {
		return nil, err
	}

	view, err := store.GetTask(ctx, taskID)
	if err != nil {
		logFailure(ctx, "error occurred while calling queue.GetTask", err, "queue_name", queueName, "task_id", taskID)
		return nil, err
	}
	return view, nil
}

func (s *ServerLogic) GetTaskStatusHistory(ctx context.Context, queueName, taskID string) ([]*domain.TaskStatusChangeHistory, error) {
	store, err := s.manager.GetQueue(queueName)
	if err != nil {
		return nil, err
	}

	history, err := store.GetTaskHistory(ctx, taskID)
	if err != nil {
		logFailure(ctx, "error occurred while calling queue.GetTaskHistory", err, "queue_name", queueName, "task_id", taskID)
		return nil, err
	}
	return history, nil
}

func (s *ServerLogic) GetQueueStats(ctx context.Context, queueName string) (domain.QueueStats, error) {
	store, err := s.manager.GetQueue(queueName)
	if err != nil {
		return domain.QueueStats{}, err
	}
	return store.GetStats(ctx)
}

func (s *ServerLogic) GetQueueTasks(ctx context.Context, queueName string, query domain.RouterQueryTasks) (*domain.TaskPage, error) {
	store, err := s.manager.GetQueue(queueName)
	if err != nil {
		return nil, err
	}

	filter := domain.TaskFilter{Limit: query.Limit, Offset: query.Offset}
	if query.Status != "" {
		status, err := domain.ParseTaskStatus(query.Status)
		if err != nil {
			return nil, errval.Validation("%s", err.Error())
		}
		filter.Status = status
	}

	return store.GetQueueTasks(ctx, filter)
}

func (s *ServerLogic) ListQueues(ctx context.Context) ([]QueueSummary, error) {
	stores := s.manager.ListQueues()
	summaries := make([]QueueSummary, 0, len(stores))
	for _, store := range stores {
		stats, err := store.GetStats(ctx)
		if err != nil {
			logFailure(ctx, "error occurred while reading queue stats", err, "queue_name", store.Name())
			return nil, err
		}
		summaries = append(summaries, QueueSummary{Name: store.Name(), Stats: stats})
	}
	return summaries, nil
}

func (s *ServerLogic) CreateQueue(ctx context.Context, req domain.RouterRequestCreateQueue) (QueueSummary, error) {
	store, err := s.manager.CreateQueue(ctx, req.Name)
	if err != nil {
		logFailure(ctx, "error occurred while calling manager.CreateQueue", err, "queue_name", req.Name)
		return QueueSummary{}, err
	}

	stats, err := store.GetStats(ctx)
	if err != nil {
		return QueueSummary{}, err
	}
	return QueueSummary{Name: store.Name(), Stats: stats}, nil
}

func (s *ServerLogic) DeleteQueue(ctx context.Context, queueName string) error {
	if err := s.manager.DeleteQueue(ctx, queueName); err != nil {
		logFailure(ctx, "error occurred while calling manager.DeleteQueue", err, "queue_name", queueName)
		return err
	}
	return nil
}

func (s *ServerLogic) CreateWorker(ctx context.Context, req domain.RouterRequestCreateWorker) (domain.WorkerInfo, error) {
	info, err := s.manager.CreateWorker(ctx, req.QueueName, req.ThreadCount, req.Options)
	if err != nil {
		logFailure(ctx, "error occurred while calling manager.CreateWorker", err, "queue_name", req.QueueName)
		return domain.WorkerInfo{}, err
	}
	return info, nil
}

func (s *ServerLogic) GetWorker(workerID string) (domain.WorkerInfo, error) {
	return s.manager.GetWorker(workerID)
}

func (s *ServerLogic) ListWorkers() []domain.WorkerInfo {
	return s.manager.ListWorkers()
}

func (s *ServerLogic) ListPersistedWorkers(ctx context.Context) ([]domain.WorkerConfig, error) {
	return s.manager.ListPersistedWorkers(ctx)
}

// WorkerAction applies one of start, pause, resume or stop
func (s *ServerLogic) WorkerAction(ctx context.Context, workerID, action string, graceful bool) (domain.WorkerInfo, error) {
	var (
		info domain.WorkerInfo
		err  error
	)
	switch action {
	case "start":
		info, err = s.manager.StartWorker(ctx, workerID)
	case "pause":
		info, err = s.manager.PauseWorker(ctx, workerID)
	case "resume":
		info, err = s.manager.ResumeWorker(ctx, workerID)
	case "stop":
		info, err = s.manager.StopWorker(ctx, workerID, graceful)
	default:
		return domain.WorkerInfo{}, errval.Validation("unknown worker action %q", action)
	}
	if err != nil {
		logFailure(ctx, "worker action failed", err, "worker_id", workerID, "action", action)
		return domain.WorkerInfo{}, err
	}
	return info, nil
}

func (s *ServerLogic) DeleteWorker(ctx context.Context, workerID string) error {
	if err := s.manager.DeleteWorker(ctx, workerID); err != nil {
		logFailure(ctx, "error occurred while calling manager.DeleteWorker", err, "worker_id", workerID)
		return err
	}
	return nil
}

func (s *ServerLogic) Reset(ctx context.Context) (int, error) {
	deleted, err := s.manager.Reset(ctx)
	if err != nil {
		logFailure(ctx, "error occurred while calling manager.Reset", err)
		return deleted, err
	}
	return deleted, nil
}

// HTTPStatus maps an error kind onto the response code
func HTTPStatus(err error) int {
	switch errval.KindOf(err) {
	case errval.KindValidation:
		return http.StatusBadRequest
	case errval.KindNotFound:
		return http.StatusNotFound
	case errval.KindConflict:
		return http.StatusConflict
	case errval.KindUnprocessable:
		return http.StatusUnprocessableEntity
	case errval.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// PublicMessage hides internal details behind the generic message
func PublicMessage(err error) string {
	if errval.KindOf(err) == errval.KindInternal {
		return errval.ErrInternal.Error()
	}
	var e *errval.Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}

// logFailure keeps client mistakes at info and everything else at error
func logFailure(ctx context.Context, msg string, err error, args ...any) {
	args = append(args, "error", err)
	switch errval.KindOf(err) {
	case errval.KindValidation, errval.KindNotFound, errval.KindConflict, errval.KindUnprocessable:
		slog.InfoContext(ctx, msg, args...)
	default:
		slog.ErrorContext(ctx, msg, args...)
	}
}
