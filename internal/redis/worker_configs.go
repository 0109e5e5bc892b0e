package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	redis "github.com/redis/go-redis/v9"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

// WorkerConfigStore keeps one JSON document per worker in a single hash
type WorkerConfigStore struct {
	rdb *redis.Client
	key string
}

func NewWorkerConfigStore(client *Client, keys Keys) *WorkerConfigStore {
	return &WorkerConfigStore{rdb: client.RedisClient, key: keys.Workers()}
}

func (s *WorkerConfigStore) Save(ctx context.Context, cfg domain.WorkerConfig) error {
	body, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal worker config: %w", err)
	}

	if err := s.rdb.HSet(ctx, s.key, cfg.ID, body).Err(); err != nil {
		return wrapErr("save worker "+cfg.ID, err)
	}
	return nil
}

func (s *WorkerConfigStore) Get(ctx context.Context, workerID string) (*domain.WorkerConfig, error) {
	body, err := s.rdb.HGet(ctx, s.key, workerID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", errval.ErrWorkerNotFound, workerID)
	}
	if err != nil {
		return nil, wrapErr("get worker "+workerID, err)
	}

	cfg := new(domain.WorkerConfig)
	if err := json.Unmarshal([]byte(body), cfg); err != nil {
		return nil, fmt.Errorf("decode worker config %s: %w", workerID, err)
	}
	return cfg, nil
}

func (s *WorkerConfigStore) Delete(ctx context.Context, workerID string) error {
	if err := s.rdb.HDel(ctx, s.key, workerID).Err(); err != nil {
		return wrapErr("delete worker "+workerID, err)
	}
	return nil
}

// List returns every readable config ordered by creation time
func (s *WorkerConfigStore) List(ctx context.Context) ([]domain.WorkerConfig, error) {
	entries, err := s.rdb.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, wrapErr("list workers", err)
	}

	configs := make([]domain.WorkerConfig, 0, len(entries))
	for id, body := range entries {
		var cfg domain.WorkerConfig
		if err := json.Unmarshal([]byte(body), &cfg); err != nil {
			slog.WarnContext(ctx, "skipping unreadable worker config", "worker_id", id, "error", err)
			continue
		}
		configs = append(configs, cfg)
	}

	sort.Slice(configs, func(i, j int) bool {
		if configs[i].CreatedAt != configs[j].CreatedAt {
			return configs[i].CreatedAt < configs[j].CreatedAt
		}
		return configs[i].ID < configs[j].ID
	})

	return configs, nil
}
