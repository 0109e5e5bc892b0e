package balancer

import (
	"context"
	"log/slog"

	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

// QueueSource lists the known queues in a stable order
type QueueSource interface {
	TaskQueues() []domain.TaskQueue
}

type Service struct {
	source QueueSource
}

func NewService(source QueueSource) *Service {
	return &Service{source: source}
}

// FindLeastLoadedQueue picks the queue with the smallest pending+processing load.
// Ties go to the queue listed first. Nothing is cached; every call reads the counters again.
func (s *Service) FindLeastLoadedQueue(ctx context.Context) (domain.TaskQueue, error) {
	queues := s.source.TaskQueues()
	if len(queues) == 0 {
		return nil, errval.ErrNoQueues
	}

	var (
		best     domain.TaskQueue
		bestLoad int64
	)
	for _, q := range queues {
		stats, err := q.GetStats(ctx)
		if err != nil {
			return nil, err
		}

		if load := stats.Load(); best == nil || load < bestLoad {
			best, bestLoad = q, load
		}
	}

	return best, nil
}

func (s *Service) EnqueueAutoBalance(ctx context.Context, desc domain.TaskDescriptor) (domain.EnqueueResult, error) {
	q, err := s.FindLeastLoadedQueue(ctx)
	if err != nil {
		return domain.EnqueueResult{}, err
	}

	taskID, err := q.Enqueue(ctx, desc)
	if err != nil {
		return domain.EnqueueResult{}, err
	}

	slog.DebugContext(ctx, "task routed to least loaded queue", "task_id", taskID, "queue_name", q.Name())
	return domain.EnqueueResult{TaskID: taskID, QueueName: q.Name()}, nil
}
