package manager

import (
	"context"
	"log/slog"
	"time"

	"github.com/sf7293/enrollment-taskqueue/internal/worker"
)

// Sync reconciles the registry with the backing store: queues and worker configs created by other
// processes are picked up, state changes are applied and pools whose config disappeared are stopped.
// Without RunWorkers only the registered flags are refreshed.
func (m *Manager) Sync(ctx context.Context) error {
	if err := m.restoreQueues(ctx); err != nil {
		return err
	}
	if err := m.dropVanishedQueues(ctx); err != nil {
		return err
	}

	persisted, err := m.configs.List(ctx)
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(persisted))
	for _, cfg := range persisted {
		seen[cfg.ID] = true

		pool, err := m.pool(cfg.ID)
		if err != nil {
			if err := m.restoreWorker(ctx, cfg); err != nil {
				return err
			}
			continue
		}

		if got := m.info(pool); got.IsRunning != cfg.IsRunning || got.IsPaused != cfg.IsPaused {
			slog.InfoContext(ctx, "applying persisted worker state", "worker_id", cfg.ID, "is_running", cfg.IsRunning, "is_paused", cfg.IsPaused)
			if err := m.apply(ctx, pool, cfg); err != nil {
				return err
			}
		}
	}

	for _, pool := range m.poolsWhere(func(p *worker.Pool) bool { return !seen[p.ID()] }) {
		slog.InfoContext(ctx, "worker config removed elsewhere, stopping pool", "worker_id", pool.ID())
		pool.Stop(ctx, true)
		m.forgetWorker(pool.ID())
	}

	return nil
}

// RunSync calls Sync every interval until ctx is done
func (m *Manager) RunSync(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil {
				slog.ErrorContext(ctx, "registry sync failed", "error", err)
			}
		}
	}
}

func (m *Manager) dropVanishedQueues(ctx context.Context) error {
	for _, store := range m.ListQueues() {
		exists, err := store.Exists(ctx)
		if err != nil {
			return err
		}
		if exists {
			continue
		}

		slog.InfoContext(ctx, "queue deleted elsewhere, dropping it", "queue_name", store.Name())
		for _, pool := range m.poolsOf(store.Name()) {
			pool.Stop(ctx, true)
			m.forgetWorker(pool.ID())
		}

		m.mu.Lock()
		delete(m.queues, store.Name())
		m.queueOrder = removeString(m.queueOrder, store.Name())
		m.mu.Unlock()
	}
	return nil
}

func (m *Manager) poolsWhere(match func(*worker.Pool) bool) []*worker.Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var pools []*worker.Pool
	for _, id := range m.workerOrder {
		if p := m.workers[id]; match(p) {
			pools = append(pools, p)
		}
	}
	return pools
}

func (m *Manager) forgetWorker(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
	delete(m.persisted, id)
	m.workerOrder = removeString(m.workerOrder, id)
}
