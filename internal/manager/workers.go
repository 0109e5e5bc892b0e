package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/sf7293/enrollment-taskqueue/internal/redis"
	"github.com/sf7293/enrollment-taskqueue/internal/worker"
)

// CreateWorker binds a new pool to an existing queue. The configuration is persisted before the
// pool starts, so a crash in between leaves a config that the next Init picks up. Without RunWorkers
// the pool is only registered and the worker process starts it.
func (m *Manager) CreateWorker(ctx context.Context, queueName string, threadCount int, opts domain.WorkerOptions) (domain.WorkerInfo, error) {
	store, err := m.GetQueue(queueName)
	if err != nil {
		return domain.WorkerInfo{}, err
	}

	if threadCount <= 0 {
		threadCount = m.opts.Queue.DefaultThreadCount
	}
	now := m.now().UnixMilli()
	cfg := domain.WorkerConfig{
		ID:          fmt.Sprintf("%s-worker-%d-%s", queueName, now, uuid.NewString()[:8]),
		QueueName:   queueName,
		ThreadCount: threadCount,
		Options:     opts,
		IsRunning:   opts.AutoStartEnabled(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	var pool *worker.Pool
	err = m.withAdminLock(ctx, "worker:"+cfg.ID, func() error {
		if err := m.configs.Save(ctx, cfg); err != nil {
			return err
		}

		pool = m.newPool(cfg, store)
		m.mu.Lock()
		m.workers[cfg.ID] = pool
		m.workerOrder = append(m.workerOrder, cfg.ID)
		m.persisted[cfg.ID] = cfg
		m.mu.Unlock()

		if cfg.IsRunning && m.opts.RunWorkers {
			pool.Start(ctx)
		}
		return nil
	})
	if err != nil {
		return domain.WorkerInfo{}, err
	}

	slog.InfoContext(ctx, "worker created", "worker_id", cfg.ID, "queue_name", queueName, "thread_count", threadCount, "auto_start", cfg.IsRunning)
	return m.info(pool), nil
}

func (m *Manager) GetWorker(id string) (domain.WorkerInfo, error) {
	pool, err := m.pool(id)
	if err != nil {
		return domain.WorkerInfo{}, err
	}
	return m.info(pool), nil
}

// ListWorkers returns every registered worker. Without RunWorkers the flags are the persisted ones.
func (m *Manager) ListWorkers() []domain.WorkerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	infos := make([]domain.WorkerInfo, 0, len(m.workerOrder))
	for _, id := range m.workerOrder {
		infos = append(infos, m.infoLocked(m.workers[id]))
	}
	return infos
}

// ListPersistedWorkers reads every worker configuration from the backing store
func (m *Manager) ListPersistedWorkers(ctx context.Context) ([]domain.WorkerConfig, error) {
	return m.configs.List(ctx)
}

func (m *Manager) StartWorker(ctx context.Context, id string) (domain.WorkerInfo, error) {
	return m.changeWorker(ctx, id, actionStart, false)
}

func (m *Manager) PauseWorker(ctx context.Context, id string) (domain.WorkerInfo, error) {
	return m.changeWorker(ctx, id, actionPause, false)
}

func (m *Manager) ResumeWorker(ctx context.Context, id string) (domain.WorkerInfo, error) {
	return m.changeWorker(ctx, id, actionResume, false)
}

func (m *Manager) StopWorker(ctx context.Context, id string, graceful bool) (domain.WorkerInfo, error) {
	return m.changeWorker(ctx, id, actionStop, graceful)
}

// DeleteWorker stops the pool gracefully and erases its configuration
func (m *Manager) DeleteWorker(ctx context.Context, id string) error {
	if _, err := m.pool(id); err != nil {
		return err
	}

	return m.withAdminLock(ctx, "worker:"+id, func() error {
		return m.removeWorker(ctx, id, true)
	})
}

func (m *Manager) removeWorker(ctx context.Context, id string, graceful bool) error {
	pool, err := m.pool(id)
	if err != nil {
		return err
	}

	pool.Stop(ctx, graceful)
	if err := m.configs.Delete(ctx, id); err != nil {
		return err
	}

	m.forgetWorker(id)
	slog.InfoContext(ctx, "worker deleted", "worker_id", id, "queue_name", pool.QueueName())
	return nil
}

type workerAction int

const (
	actionStart workerAction = iota
	actionPause
	actionResume
	actionStop
)

// changeWorker applies a lifecycle change. A pool running here is changed directly and its flags are
// mirrored into the persisted config; otherwise only the config is rewritten.
func (m *Manager) changeWorker(ctx context.Context, id string, action workerAction, graceful bool) (domain.WorkerInfo, error) {
	pool, err := m.pool(id)
	if err != nil {
		return domain.WorkerInfo{}, err
	}

	err = m.withAdminLock(ctx, "worker:"+id, func() error {
		cfg, err := m.loadConfig(ctx, pool)
		if err != nil {
			return err
		}

		if m.opts.RunWorkers {
			if err := runAction(ctx, pool, action, graceful); err != nil {
				return err
			}
			cfg.IsRunning = pool.IsRunning()
			cfg.IsPaused = pool.IsPaused()
		} else if err := setFlags(cfg, action); err != nil {
			return err
		}

		cfg.UpdatedAt = m.now().UnixMilli()
		if err := m.configs.Save(ctx, *cfg); err != nil {
			return err
		}
		m.remember(*cfg)
		return nil
	})
	if err != nil {
		return domain.WorkerInfo{}, err
	}

	return m.info(pool), nil
}

func runAction(ctx context.Context, pool *worker.Pool, action workerAction, graceful bool) error {
	switch action {
	case actionStart:
		pool.Start(ctx)
	case actionPause:
		return pool.Pause()
	case actionResume:
		return pool.Resume()
	case actionStop:
		pool.Stop(ctx, graceful)
	}
	return nil
}

// setFlags does to persisted flags what runAction does to a pool
func setFlags(cfg *domain.WorkerConfig, action workerAction) error {
	switch action {
	case actionStart:
		if !cfg.IsRunning {
			cfg.IsRunning = true
			cfg.IsPaused = false
		}
	case actionPause, actionResume:
		if !cfg.IsRunning {
			return fmt.Errorf("%w: %s", errval.ErrPoolNotRunning, cfg.ID)
		}
		cfg.IsPaused = action == actionPause
	case actionStop:
		cfg.IsRunning = false
		cfg.IsPaused = false
	}
	return nil
}

// loadConfig reads the persisted config of a pool, writing a fresh one when it went missing
func (m *Manager) loadConfig(ctx context.Context, pool *worker.Pool) (*domain.WorkerConfig, error) {
	cfg, err := m.configs.Get(ctx, pool.ID())
	if errors.Is(err, errval.ErrWorkerNotFound) {
		slog.WarnContext(ctx, "worker config was missing, writing it again", "worker_id", pool.ID())
		return &domain.WorkerConfig{
			ID:          pool.ID(),
			QueueName:   pool.QueueName(),
			ThreadCount: pool.ThreadCount(),
			IsRunning:   pool.IsRunning(),
			IsPaused:    pool.IsPaused(),
			CreatedAt:   m.now().UnixMilli(),
		}, nil
	}
	return cfg, err
}

func (m *Manager) remember(cfg domain.WorkerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.persisted[cfg.ID] = cfg
}

func (m *Manager) info(pool *worker.Pool) domain.WorkerInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.infoLocked(pool)
}

// infoLocked reports the pool's own state when pools run here and the persisted flags otherwise
func (m *Manager) infoLocked(pool *worker.Pool) domain.WorkerInfo {
	info := pool.Info()
	if m.opts.RunWorkers {
		return info
	}
	if cfg, ok := m.persisted[pool.ID()]; ok {
		info.IsRunning = cfg.IsRunning
		info.IsPaused = cfg.IsPaused
	}
	return info
}

func (m *Manager) pool(id string) (*worker.Pool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pool, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errval.ErrWorkerNotFound, id)
	}
	return pool, nil
}

func (m *Manager) poolsOf(queueName string) []*worker.Pool {
	return m.poolsWhere(func(p *worker.Pool) bool { return p.QueueName() == queueName })
}

func (m *Manager) newPool(cfg domain.WorkerConfig, store *redis.QueueStore) *worker.Pool {
	q := m.opts.Queue

	batch := cfg.Options.BatchSize
	if batch <= 0 {
		batch = q.DefaultBatchSize
	}
	idle := q.IdlePollInterval()
	if cfg.Options.IdlePollMillis > 0 {
		idle = time.Duration(cfg.Options.IdlePollMillis) * time.Millisecond
	}
	busy := q.BusyPollInterval()
	if cfg.Options.BusyPollMillis > 0 {
		busy = time.Duration(cfg.Options.BusyPollMillis) * time.Millisecond
	}

	return worker.NewPool(worker.Config{
		ID:          cfg.ID,
		QueueName:   cfg.QueueName,
		ThreadCount: cfg.ThreadCount,
		BatchSize:   batch,
		IdlePoll:    idle,
		BusyPoll:    busy,
		StopTimeout: q.StopTimeout(),
		Observer:    m.opts.Observer,
	}, store, m.opts.Executor)
}
