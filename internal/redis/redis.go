package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

type Client struct {
	RedisClient *redis.Client
}

var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

var extendScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`)

// NewClient connects and pings, retrying a few times so the process can start alongside redis
func NewClient(ctx context.Context, dsn string) (*Client, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}

	redisClient := redis.NewClient(opts)
	err = backoff.Retry(func() error {
		if err := redisClient.Ping(ctx).Err(); err != nil {
			slog.ErrorContext(ctx, "failed to ping redis.. retrying...", "error", err)
			return err
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(2*time.Second), 5), ctx))
	if err != nil {
		_ = redisClient.Close()
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	return &Client{RedisClient: redisClient}, nil
}

// NewFromRedis wraps an existing go-redis client
func NewFromRedis(redisClient *redis.Client) *Client {
	return &Client{RedisClient: redisClient}
}

func (c *Client) Lock(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (token string, ok bool, err error) {
	token = uuid.NewString()
	ok, err = c.RedisClient.SetNX(ctx, lockKey, token, lockTimeDuration).Result()
	if err != nil {
		return "", false, wrapErr("lock "+lockKey, err)
	}

	return token, ok, nil
}

func (c *Client) Unlock(ctx context.Context, lockKey, token string) (err error) {
	err = unlockScript.Run(ctx, c.RedisClient, []string{lockKey}, token).Err()
	return wrapErr("unlock "+lockKey, err)
}

func (c *Client) Extend(ctx context.Context, lockKey, token string, lockTimeDuration time.Duration) (ok bool, err error) {
	n, err := extendScript.Run(ctx, c.RedisClient, []string{lockKey}, token, lockTimeDuration.Milliseconds()).Int64()
	if err != nil {
		return false, wrapErr("extend "+lockKey, err)
	}
	return n == 1, nil
}

func (c *Client) Close() (err error) {
	err = c.RedisClient.Close()
	return err
}

func (c *Client) Ping(ctx context.Context) (err error) {
	err = c.RedisClient.Ping(ctx).Err()
	return wrapErr("ping", err)
}

// wrapErr marks connectivity problems as transient; replies from the server stay internal
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}

	var replyErr redis.Error
	if errors.As(err, &replyErr) {
		return fmt.Errorf("redis %s: %w", op, err)
	}

	return errval.Transient("redis "+op+" failed", err)
}
