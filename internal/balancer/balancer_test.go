package balancer

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/sf7293/enrollment-taskqueue/internal/redis"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource []domain.TaskQueue

func (s staticSource) TaskQueues() []domain.TaskQueue {
	return s
}

var task = domain.TaskDescriptor{
	Type:      domain.TaskTypeDatabase,
	Model:     domain.ModelEnrollment,
	Operation: domain.OpRequestSeat,
	Payload:   json.RawMessage(`{"student_id":1,"section_id":2,"term":"2026-1"}`),
}

func newQueues(t *testing.T, names ...string) []*redis.QueueStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.NewFromRedis(rdb)

	stores := make([]*redis.QueueStore, len(names))
	for i, name := range names {
		stores[i] = redis.NewQueueStore(client, redis.NewKeys("test"), name, 3, nil)
		_, err := stores[i].Init(context.Background())
		require.NoError(t, err)
	}
	return stores
}

func fill(t *testing.T, q *redis.QueueStore, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := q.Enqueue(context.Background(), task)
		require.NoError(t, err)
	}
}

func TestService_FindLeastLoadedQueue(t *testing.T) {
	ctx := context.Background()
	stores := newQueues(t, "a", "b", "c")
	fill(t, stores[0], 5)
	fill(t, stores[1], 2)
	fill(t, stores[2], 8)

	svc := NewService(staticSource{stores[0], stores[1], stores[2]})

	q, err := svc.FindLeastLoadedQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", q.Name())

	for i := 0; i < 3; i++ {
		res, err := svc.EnqueueAutoBalance(ctx, task)
		require.NoError(t, err)
		assert.Equal(t, "b", res.QueueName)
		assert.NotEmpty(t, res.TaskID)
	}

	// b now holds 5, tied with a which is listed first
	q, err = svc.FindLeastLoadedQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "a", q.Name())
}

func TestService_ProcessingCountsAsLoad(t *testing.T) {
	ctx := context.Background()
	stores := newQueues(t, "a", "b")
	fill(t, stores[0], 2)
	fill(t, stores[1], 1)

	_, err := stores[0].Dequeue(ctx, 2)
	require.NoError(t, err)

	q, err := NewService(staticSource{stores[0], stores[1]}).FindLeastLoadedQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", q.Name())
}

func TestService_NoQueues(t *testing.T) {
	svc := NewService(staticSource{})

	_, err := svc.FindLeastLoadedQueue(context.Background())
	assert.ErrorIs(t, err, errval.ErrNoQueues)

	_, err = svc.EnqueueAutoBalance(context.Background(), task)
	assert.True(t, errors.Is(err, errval.ErrNoQueues))
}

func TestService_RejectsInvalidDescriptor(t *testing.T) {
	stores := newQueues(t, "a")
	bad := task
	bad.Operation = "upsert"

	_, err := NewService(staticSource{stores[0]}).EnqueueAutoBalance(context.Background(), bad)
	assert.ErrorIs(t, err, errval.ErrValidation)
}
