package domain

import (
	"context"
	"time"
)

type DistributedLock interface {
	Ping(ctx context.Context) (err error)
	// Lock returns a token that must be handed back to Unlock; ok is false when someone else holds the key
	Lock(ctx context.Context, lockKey string, lockTimeDuration time.Duration) (token string, ok bool, err error)
	Unlock(ctx context.Context, lockKey, token string) (err error)
	// Extend resets the expiry of a lock still held with token; ok is false when it was lost
	Extend(ctx context.Context, lockKey, token string, lockTimeDuration time.Duration) (ok bool, err error)
	Close() error
}
