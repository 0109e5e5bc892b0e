package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memorySource is an in-memory queue with the same transitions the redis store applies
type memorySource struct {
	mu         sync.Mutex
	pending    []*domain.Task
	statuses   map[string]domain.StatusUpdate
	requeues   map[string]int
	maxRetries int
}

func newMemorySource(n int) *memorySource {
	s := &memorySource{statuses: map[string]domain.StatusUpdate{}, requeues: map[string]int{}, maxRetries: 1}
	s.push(n)
	return s
}

func (s *memorySource) push(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := len(s.statuses)
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("task-%d", base+i)
		s.pending = append(s.pending, &domain.Task{ID: id, Status: domain.Pending, Operation: domain.OpCreate})
		s.statuses[id] = domain.StatusUpdate{Status: domain.Pending}
	}
}

func (s *memorySource) Dequeue(_ context.Context, batchSize int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if batchSize > len(s.pending) {
		batchSize = len(s.pending)
	}
	out := s.pending[:batchSize]
	s.pending = s.pending[batchSize:]
	for _, t := range out {
		t.Status = domain.Processing
		s.statuses[t.ID] = domain.StatusUpdate{Status: domain.Processing}
	}
	return out, nil
}

func (s *memorySource) UpdateTaskStatus(_ context.Context, taskID string, update domain.StatusUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.statuses[taskID]; !ok {
		return false, nil
	}
	s.statuses[taskID] = update
	if update.Status == domain.Pending {
		s.pending = append(s.pending, &domain.Task{ID: taskID, Status: domain.Pending})
	}
	return true, nil
}

func (s *memorySource) RequeueTask(_ context.Context, taskID string, errMsg string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requeues[taskID] >= s.maxRetries {
		s.statuses[taskID] = domain.StatusUpdate{Status: domain.Failed, Error: errMsg}
		return false, nil
	}
	s.requeues[taskID]++
	s.statuses[taskID] = domain.StatusUpdate{Status: domain.Pending, Error: errMsg}
	s.pending = append(s.pending, &domain.Task{ID: taskID, Status: domain.Pending, RetryCount: s.requeues[taskID]})
	return true, nil
}

func (s *memorySource) status(taskID string) domain.StatusUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[taskID]
}

func (s *memorySource) retries(taskID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requeues[taskID]
}

func (s *memorySource) countStatus(status domain.TaskStatus) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, u := range s.statuses {
		if u.Status == status {
			n++
		}
	}
	return n
}

type eventObserver struct {
	domain.NopObserver
	completed    atomic.Int64
	failed       atomic.Int64
	errored      atomic.Int64
	workerErrors atomic.Int64
}

func (o *eventObserver) TaskCompleted(context.Context, *domain.Task, json.RawMessage) {
	o.completed.Add(1)
}

func (o *eventObserver) TaskFailed(context.Context, *domain.Task, error, bool) {
	o.failed.Add(1)
}

func (o *eventObserver) TaskErrored(context.Context, *domain.Task, error) {
	o.errored.Add(1)
}

func (o *eventObserver) WorkerError(context.Context, string, string, error) {
	o.workerErrors.Add(1)
}

func testConfig(threads int, observer domain.TaskObserver) Config {
	return Config{
		ID:          "w-test",
		QueueName:   "q",
		ThreadCount: threads,
		BatchSize:   threads,
		IdlePoll:    5 * time.Millisecond,
		BusyPoll:    time.Millisecond,
		StopTimeout: 2 * time.Second,
		Observer:    observer,
	}
}

func TestPool_CompletesAllTasks(t *testing.T) {
	source := newMemorySource(20)
	observer := &eventObserver{}

	var running, peak atomic.Int64
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		n := running.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return json.RawMessage(`{"ok":true}`), nil
	})

	pool := NewPool(testConfig(3, observer), source, exec)
	pool.Start(context.Background())
	defer pool.Stop(context.Background(), true)

	require.Eventually(t, func() bool {
		return source.countStatus(domain.Completed) == 20
	}, 5*time.Second, 5*time.Millisecond)

	assert.LessOrEqual(t, peak.Load(), int64(3))
	assert.Eventually(t, func() bool { return observer.completed.Load() == 20 }, time.Second, 5*time.Millisecond)
	counters := pool.Counters()
	assert.Equal(t, int64(20), counters.Processed)
	assert.Equal(t, int64(20), counters.Completed)

	update := source.status("task-0")
	assert.JSONEq(t, `{"ok":true}`, string(update.Result))
	assert.Contains(t, update.ThreadID, "w-test/unit-")
}

func TestPool_FailureRouting(t *testing.T) {
	source := newMemorySource(3)
	observer := &eventObserver{}

	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		switch task.ID {
		case "task-0":
			return nil, errval.Transient("database timeout", errors.New("i/o timeout"))
		case "task-1":
			return nil, errval.Unprocessable("no seats available in section %d", 7)
		default:
			panic("handler bug")
		}
	})

	pool := NewPool(testConfig(2, observer), source, exec)
	pool.Start(context.Background())
	defer pool.Stop(context.Background(), true)

	require.Eventually(t, func() bool {
		return source.status("task-0").Status == domain.Failed &&
			source.status("task-1").Status == domain.Errored &&
			source.status("task-2").Status == domain.Errored
	}, 5*time.Second, 5*time.Millisecond)

	// one retry was granted before the transient failure became terminal
	assert.Equal(t, 1, source.retries("task-0"))
	assert.Equal(t, "database timeout", source.status("task-0").Error)

	rejected := source.status("task-1")
	assert.Equal(t, "no seats available in section 7", rejected.Error)
	assert.Equal(t, string(errval.KindUnprocessable), rejected.ErrorKind)

	crashed := source.status("task-2")
	assert.Equal(t, string(errval.KindInternal), crashed.ErrorKind)
	assert.Contains(t, crashed.Error, "handler bug")

	assert.Eventually(t, func() bool {
		return observer.failed.Load() == 2 && observer.errored.Load() == 1 && observer.workerErrors.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.True(t, pool.IsRunning())
}

func TestPool_PanickingObserverDoesNotBreakThePool(t *testing.T) {
	source := newMemorySource(5)
	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		return nil, nil
	})

	pool := NewPool(testConfig(1, panickingObserver{}), source, exec)
	pool.Start(context.Background())
	defer pool.Stop(context.Background(), true)

	assert.Eventually(t, func() bool {
		return source.countStatus(domain.Completed) == 5
	}, 5*time.Second, 5*time.Millisecond)
}

type panickingObserver struct {
	domain.NopObserver
}

func (panickingObserver) TaskCompleted(context.Context, *domain.Task, json.RawMessage) {
	panic("observer bug")
}

func TestPool_PauseLetsInFlightTaskFinish(t *testing.T) {
	source := newMemorySource(1)
	started := make(chan struct{})
	release := make(chan struct{})
	var calls atomic.Int64

	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		if calls.Add(1) == 1 {
			close(started)
			<-release
		}
		return nil, nil
	})

	pool := NewPool(testConfig(2, nil), source, exec)
	pool.Start(context.Background())
	defer pool.Stop(context.Background(), false)

	<-started
	require.NoError(t, pool.Pause())
	assert.True(t, pool.IsPaused())
	source.push(2)

	close(release)
	require.Eventually(t, func() bool {
		return source.status("task-0").Status == domain.Completed
	}, 5*time.Second, 5*time.Millisecond)

	// nothing new is pulled while paused
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, domain.Pending, source.status("task-1").Status)
	assert.Equal(t, domain.Pending, source.status("task-2").Status)
	assert.Equal(t, int64(1), calls.Load())

	require.NoError(t, pool.Resume())
	assert.Eventually(t, func() bool {
		return source.countStatus(domain.Completed) == 3
	}, 5*time.Second, 5*time.Millisecond)
}

func TestPool_PauseRequiresRunningPool(t *testing.T) {
	pool := NewPool(testConfig(1, nil), newMemorySource(0), ExecutorFunc(func(context.Context, *domain.Task) (json.RawMessage, error) {
		return nil, nil
	}))

	assert.ErrorIs(t, pool.Pause(), errval.ErrPoolNotRunning)
	assert.ErrorIs(t, pool.Resume(), errval.ErrPoolNotRunning)

	pool.Start(context.Background())
	require.NoError(t, pool.Pause())
	pool.Stop(context.Background(), true)

	assert.False(t, pool.IsRunning())
	assert.False(t, pool.IsPaused())
	assert.ErrorIs(t, pool.Pause(), errval.ErrPoolNotRunning)
}

// gatedSource holds the first Dequeue until released
type gatedSource struct {
	*memorySource
	entered chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int64
}

func (s *gatedSource) Dequeue(ctx context.Context, batchSize int) ([]*domain.Task, error) {
	s.calls.Add(1)
	first := false
	s.once.Do(func() { first = true })
	if first {
		close(s.entered)
		<-s.release
	}
	return s.memorySource.Dequeue(ctx, batchSize)
}

func TestPool_PauseWaitsForDequeueInProgress(t *testing.T) {
	source := &gatedSource{memorySource: newMemorySource(0), entered: make(chan struct{}), release: make(chan struct{})}
	pool := NewPool(testConfig(1, nil), source, ExecutorFunc(func(context.Context, *domain.Task) (json.RawMessage, error) {
		return nil, nil
	}))
	pool.Start(context.Background())
	defer pool.Stop(context.Background(), false)

	<-source.entered
	paused := make(chan error, 1)
	go func() { paused <- pool.Pause() }()

	select {
	case <-paused:
		t.Fatal("pause returned while a dequeue was in progress")
	case <-time.After(30 * time.Millisecond):
	}

	close(source.release)
	require.NoError(t, <-paused)

	calls := source.calls.Load()
	source.push(2)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, calls, source.calls.Load())
	assert.Equal(t, domain.Pending, source.status("task-0").Status)
	assert.Equal(t, domain.Pending, source.status("task-1").Status)
}

func TestPool_GracefulStopWaitsForInFlight(t *testing.T) {
	source := newMemorySource(2)
	started := make(chan struct{}, 2)

	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		started <- struct{}{}
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})

	pool := NewPool(testConfig(2, nil), source, exec)
	pool.Start(context.Background())
	<-started
	<-started

	pool.Stop(context.Background(), true)

	assert.Equal(t, 2, source.countStatus(domain.Completed))
	assert.Empty(t, pool.Occupied())
}

func TestPool_ForcedStopCancelsInFlight(t *testing.T) {
	source := newMemorySource(1)
	started := make(chan struct{})

	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	pool := NewPool(testConfig(1, nil), source, exec)
	pool.Start(context.Background())
	<-started

	pool.Stop(context.Background(), false)

	// a cancelled handler counts as transient and goes back to pending
	update := source.status("task-0")
	assert.Equal(t, domain.Pending, update.Status)
	assert.Equal(t, 1, source.retries("task-0"))
}

func TestPool_DispatchWithoutIdleUnitReturnsTaskToPending(t *testing.T) {
	source := newMemorySource(2)
	started := make(chan struct{})
	release := make(chan struct{})

	exec := ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		close(started)
		<-release
		return nil, nil
	})

	cfg := testConfig(1, nil)
	cfg.BatchSize = 1
	pool := NewPool(cfg, source, exec)
	pool.Start(context.Background())
	<-started
	require.NoError(t, pool.Pause())

	tasks, err := source.Dequeue(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, domain.Processing, source.status("task-1").Status)

	pool.mu.Lock()
	r := pool.current
	pool.mu.Unlock()
	pool.dispatch(r, tasks[0])

	assert.Equal(t, domain.Pending, source.status("task-1").Status)

	close(release)
	pool.Stop(context.Background(), true)
	assert.Equal(t, domain.Completed, source.status("task-0").Status)
}

func TestPool_Info(t *testing.T) {
	pool := NewPool(Config{ID: "w-1", QueueName: "q", ThreadCount: 4}, newMemorySource(0), ExecutorFunc(func(context.Context, *domain.Task) (json.RawMessage, error) {
		return nil, nil
	}))

	info := pool.Info()
	assert.Equal(t, "w-1", info.ID)
	assert.Equal(t, 4, info.ThreadCount)
	assert.Equal(t, 4, info.BatchSize)
	assert.False(t, info.IsRunning)
	assert.Empty(t, info.Occupied)
}
