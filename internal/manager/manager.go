package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sf7293/enrollment-taskqueue/configs"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/sf7293/enrollment-taskqueue/internal/redis"
	"github.com/sf7293/enrollment-taskqueue/internal/worker"
)

const (
	adminLockTTL  = 30 * time.Second
	resetAttempts = 3
)

type Options struct {
	Queue    configs.QueueConfig
	Executor worker.Executor
	Observer domain.TaskObserver

	// RunWorkers makes this process run the pools. Without it every persisted worker is still
	// registered, but lifecycle changes only rewrite the persisted flags and the worker process
	// applies them on its next Sync.
	RunWorkers bool
}

// Manager owns every queue handle and worker pool of the process. The backing store is the
// source of truth; the in-memory maps are rebuilt from it by Init.
type Manager struct {
	client  *redis.Client
	keys    redis.Keys
	configs *redis.WorkerConfigStore
	lock    domain.DistributedLock
	opts    Options
	now     func() time.Time
	lockTTL time.Duration

	mu          sync.RWMutex
	queues      map[string]*redis.QueueStore
	queueOrder  []string
	workers     map[string]*worker.Pool
	workerOrder []string
	persisted   map[string]domain.WorkerConfig

	ready atomic.Bool
}

func New(client *redis.Client, opts Options) *Manager {
	if opts.Observer == nil {
		opts.Observer = domain.NopObserver{}
	}

	keys := redis.NewKeys(opts.Queue.KeyPrefix)
	return &Manager{
		client:    client,
		keys:      keys,
		configs:   redis.NewWorkerConfigStore(client, keys),
		lock:      client,
		opts:      opts,
		now:       time.Now,
		lockTTL:   adminLockTTL,
		queues:    map[string]*redis.QueueStore{},
		workers:   map[string]*worker.Pool{},
		persisted: map[string]domain.WorkerConfig{},
	}
}

// Init rebuilds the registry from the backing store. Any error means the manager is unusable.
func (m *Manager) Init(ctx context.Context) error {
	if err := m.client.Ping(ctx); err != nil {
		return fmt.Errorf("backing store unreachable: %w", err)
	}

	if err := m.restoreQueues(ctx); err != nil {
		return fmt.Errorf("restore queues: %w", err)
	}

	if _, err := m.RecoverStale(ctx, m.opts.Queue.StaleTaskAge()); err != nil {
		return fmt.Errorf("recover stale tasks: %w", err)
	}

	if err := m.restoreWorkers(ctx); err != nil {
		return fmt.Errorf("restore workers: %w", err)
	}

	for _, name := range m.opts.Queue.DefaultQueues {
		if name == "" {
			continue
		}
		if _, err := m.CreateQueue(ctx, name); err != nil {
			return fmt.Errorf("create default queue %s: %w", name, err)
		}
	}

	m.ready.Store(true)
	slog.InfoContext(ctx, "queue manager initialized", "queue_count", len(m.QueueNames()), "worker_count", len(m.ListWorkers()))
	return nil
}

func (m *Manager) Ready() bool {
	return m.ready.Load()
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx)
}

// Shutdown stops every pool gracefully. Persisted configs keep their running state so the next Init resumes them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.ready.Store(false)

	m.mu.RLock()
	pools := make([]*worker.Pool, 0, len(m.workers))
	for _, id := range m.workerOrder {
		pools = append(pools, m.workers[id])
	}
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, pool := range pools {
		wg.Add(1)
		go func(pool *worker.Pool) {
			defer wg.Done()
			pool.Stop(ctx, true)
		}(pool)
	}
	wg.Wait()

	slog.InfoContext(ctx, "queue manager shut down", "worker_count", len(pools))
}

func (m *Manager) restoreQueues(ctx context.Context) error {
	metaKeys, err := redis.ScanKeys(ctx, m.client.RedisClient, m.keys.QueueMetaPattern())
	if err != nil {
		return err
	}

	type restored struct {
		store     *redis.QueueStore
		createdAt int64
	}
	var found []restored

	for _, key := range metaKeys {
		name, ok := m.keys.QueueNameFromMeta(key)
		if !ok {
			continue
		}

		store := m.newQueueStore(name)
		exists, err := store.Exists(ctx)
		if err != nil {
			return err
		}
		if !exists {
			slog.WarnContext(ctx, "removing orphaned queue marker", "queue_name", name)
			if err := store.Destroy(ctx); err != nil {
				return fmt.Errorf("clean orphaned queue %s: %w", name, err)
			}
			continue
		}

		createdAt, err := store.CreatedAt(ctx)
		if err != nil {
			return err
		}
		found = append(found, restored{store: store, createdAt: createdAt})
	}

	sort.Slice(found, func(i, j int) bool {
		if found[i].createdAt != found[j].createdAt {
			return found[i].createdAt < found[j].createdAt
		}
		return found[i].store.Name() < found[j].store.Name()
	})

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range found {
		if _, ok := m.queues[r.store.Name()]; ok {
			continue
		}
		m.queues[r.store.Name()] = r.store
		m.queueOrder = append(m.queueOrder, r.store.Name())
		slog.InfoContext(ctx, "queue restored", "queue_name", r.store.Name())
	}

	return nil
}

func (m *Manager) restoreWorkers(ctx context.Context) error {
	persisted, err := m.configs.List(ctx)
	if err != nil {
		return err
	}

	for _, cfg := range persisted {
		if err := m.restoreWorker(ctx, cfg); err != nil {
			return err
		}
	}

	return nil
}

// restoreWorker rebuilds one pool from its persisted config, dropping configs whose queue is gone
func (m *Manager) restoreWorker(ctx context.Context, cfg domain.WorkerConfig) error {
	store, err := m.GetQueue(cfg.QueueName)
	if err != nil {
		slog.WarnContext(ctx, "dropping worker config of a missing queue", "worker_id", cfg.ID, "queue_name", cfg.QueueName)
		return m.configs.Delete(ctx, cfg.ID)
	}

	pool := m.newPool(cfg, store)
	m.mu.Lock()
	if _, dup := m.workers[cfg.ID]; dup {
		m.mu.Unlock()
		return nil
	}
	m.workers[cfg.ID] = pool
	m.workerOrder = append(m.workerOrder, cfg.ID)
	m.mu.Unlock()

	if err := m.apply(ctx, pool, cfg); err != nil {
		return err
	}
	slog.InfoContext(ctx, "worker restored", "worker_id", cfg.ID, "queue_name", cfg.QueueName, "is_running", cfg.IsRunning, "is_paused", cfg.IsPaused)
	return nil
}

// apply records the persisted flags and, when pools run here, brings the pool to them
func (m *Manager) apply(ctx context.Context, pool *worker.Pool, cfg domain.WorkerConfig) error {
	m.remember(cfg)
	if !m.opts.RunWorkers {
		return nil
	}
	return applyState(ctx, pool, cfg)
}

// applyState brings a pool to the persisted running/paused flags. Pause is applied after start
// because a stopped pool cannot be paused.
func applyState(ctx context.Context, pool *worker.Pool, cfg domain.WorkerConfig) error {
	if !cfg.IsRunning {
		pool.Stop(ctx, true)
		return nil
	}

	pool.Start(ctx)
	if cfg.IsPaused {
		return pool.Pause()
	}
	return pool.Resume()
}

// RecoverStale moves processing tasks that started longer than olderThan ago back to pending
func (m *Manager) RecoverStale(ctx context.Context, olderThan time.Duration) (map[string]int64, error) {
	if olderThan <= 0 {
		return map[string]int64{}, nil
	}

	cutoff := m.now().Add(-olderThan)
	moved := map[string]int64{}
	for _, store := range m.ListQueues() {
		n, err := store.RecoverStale(ctx, cutoff)
		if err != nil {
			return moved, err
		}
		if n > 0 {
			slog.WarnContext(ctx, "stale processing tasks returned to pending", "queue_name", store.Name(), "moved", n)
		}
		moved[store.Name()] = n
	}

	return moved, nil
}

func (m *Manager) newQueueStore(name string) *redis.QueueStore {
	return redis.NewQueueStore(m.client, m.keys, name, m.opts.Queue.MaxRetries, m.opts.Observer)
}

// withAdminLock serializes destructive operations across processes. The lock is extended for as long
// as fn runs; graceful pool stops inside fn can take longer than one TTL.
func (m *Manager) withAdminLock(ctx context.Context, name string, fn func() error) error {
	key := m.keys.Lock(name)
	token, ok, err := m.lock.Lock(ctx, key, m.lockTTL)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", errval.ErrLockNotAcquired, name)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go m.keepLock(ctx, key, token, stop, done)
	defer func() {
		close(stop)
		<-done
		if err := m.lock.Unlock(context.WithoutCancel(ctx), key, token); err != nil {
			slog.ErrorContext(ctx, "Error while unlocking locked key", "lock_key", key, "error", err)
		}
	}()

	return fn()
}

// keepLock extends the lock every third of its TTL until stop is closed
func (m *Manager) keepLock(ctx context.Context, key, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.lockTTL / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := m.lock.Extend(context.WithoutCancel(ctx), key, token, m.lockTTL)
			if err != nil {
				slog.ErrorContext(ctx, "Error while extending locked key", "lock_key", key, "error", err)
				continue
			}
			if !ok {
				slog.ErrorContext(ctx, "admin lock lost before the operation finished", "lock_key", key)
				return
			}
		}
	}
}

// Reset stops every pool and deletes every key of the namespace, then proves nothing is left
func (m *Manager) Reset(ctx context.Context) (int, error) {
	var deleted int
	err := m.withAdminLock(ctx, "reset", func() error {
		m.mu.Lock()
		pools := make([]*worker.Pool, 0, len(m.workers))
		for _, id := range m.workerOrder {
			pools = append(pools, m.workers[id])
		}
		m.workers = map[string]*worker.Pool{}
		m.workerOrder = nil
		m.persisted = map[string]domain.WorkerConfig{}
		m.queues = map[string]*redis.QueueStore{}
		m.queueOrder = nil
		m.mu.Unlock()

		for _, pool := range pools {
			pool.Stop(ctx, true)
		}

		for attempt := 1; attempt <= resetAttempts; attempt++ {
			keys, err := redis.ScanKeys(ctx, m.client.RedisClient, m.keys.Namespace())
			if err != nil {
				return err
			}
			if len(keys) == 0 {
				return nil
			}
			if err := redis.DeleteKeys(ctx, m.client.RedisClient, keys); err != nil {
				return err
			}
			deleted += len(keys)
		}

		residual, err := redis.ScanKeys(ctx, m.client.RedisClient, m.keys.Namespace())
		if err != nil {
			return err
		}
		if len(residual) > 0 {
			return fmt.Errorf("reset left %d keys behind", len(residual))
		}
		return nil
	})
	if err != nil {
		return deleted, err
	}

	slog.WarnContext(ctx, "all queues and workers deleted", "deleted_keys", deleted)
	return deleted, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, errval.ErrQueueNotFound) || errors.Is(err, errval.ErrWorkerNotFound)
}
