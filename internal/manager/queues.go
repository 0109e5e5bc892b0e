package manager

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/sf7293/enrollment-taskqueue/internal/redis"
)

var _ domain.TaskQueue = (*redis.QueueStore)(nil)

// CreateQueue returns the registered queue of that name, creating it in the backing store when needed
func (m *Manager) CreateQueue(ctx context.Context, name string) (*redis.QueueStore, error) {
	if err := domain.ValidateQueueName(name); err != nil {
		return nil, err
	}

	m.mu.RLock()
	existing, ok := m.queues[name]
	m.mu.RUnlock()
	if ok {
		return existing, nil
	}

	store := m.newQueueStore(name)
	created, err := store.Init(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.queues[name]; ok {
		return existing, nil
	}
	m.queues[name] = store
	m.queueOrder = append(m.queueOrder, name)

	slog.InfoContext(ctx, "queue registered", "queue_name", name, "created", created)
	return store, nil
}

func (m *Manager) GetQueue(name string) (*redis.QueueStore, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	store, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errval.ErrQueueNotFound, name)
	}
	return store, nil
}

// ListQueues returns the registered queues in registration order
func (m *Manager) ListQueues() []*redis.QueueStore {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stores := make([]*redis.QueueStore, 0, len(m.queueOrder))
	for _, name := range m.queueOrder {
		stores = append(stores, m.queues[name])
	}
	return stores
}

func (m *Manager) QueueNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.queueOrder...)
}

// TaskQueues exposes the registry to the balancer
func (m *Manager) TaskQueues() []domain.TaskQueue {
	stores := m.ListQueues()
	queues := make([]domain.TaskQueue, len(stores))
	for i, s := range stores {
		queues[i] = s
	}
	return queues
}

// DeleteQueue stops and erases every worker bound to the queue, destroys the queue, then
// scans for leftovers of both and repairs them.
func (m *Manager) DeleteQueue(ctx context.Context, name string) error {
	store, err := m.GetQueue(name)
	if err != nil {
		return err
	}

	return m.withAdminLock(ctx, "queue:"+name, func() error {
		for _, pool := range m.poolsOf(name) {
			if err := m.removeWorker(ctx, pool.ID(), true); err != nil && !isNotFound(err) {
				return fmt.Errorf("delete worker %s: %w", pool.ID(), err)
			}
		}

		// configs persisted by other processes are not in the local map
		if err := m.deleteConfigsOf(ctx, name); err != nil {
			return err
		}

		if err := store.Destroy(ctx); err != nil {
			return err
		}

		m.mu.Lock()
		delete(m.queues, name)
		m.queueOrder = removeString(m.queueOrder, name)
		m.mu.Unlock()

		return m.verifyQueueGone(ctx, store)
	})
}

func (m *Manager) deleteConfigsOf(ctx context.Context, queueName string) error {
	persisted, err := m.configs.List(ctx)
	if err != nil {
		return err
	}

	for _, cfg := range persisted {
		if cfg.QueueName != queueName {
			continue
		}
		if err := m.configs.Delete(ctx, cfg.ID); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) verifyQueueGone(ctx context.Context, store *redis.QueueStore) error {
	residual, err := redis.ScanKeys(ctx, m.client.RedisClient, store.Pattern())
	if err != nil {
		return err
	}
	if len(residual) > 0 {
		slog.WarnContext(ctx, "repairing residual queue keys", "queue_name", store.Name(), "residual_count", len(residual))
		if err := redis.DeleteKeys(ctx, m.client.RedisClient, residual); err != nil {
			return err
		}
	}

	if err := m.deleteConfigsOf(ctx, store.Name()); err != nil {
		return err
	}

	residual, err = redis.ScanKeys(ctx, m.client.RedisClient, store.Pattern())
	if err != nil {
		return err
	}
	if len(residual) > 0 {
		return fmt.Errorf("queue %s still has %d keys after delete", store.Name(), len(residual))
	}

	slog.InfoContext(ctx, "queue deleted", "queue_name", store.Name())
	return nil
}

func removeString(list []string, s string) []string {
	out := list[:0]
	for _, v := range list {
		if v != s {
			out = append(out, v)
		}
	}
	return out
}
