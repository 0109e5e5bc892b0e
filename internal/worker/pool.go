package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

const (
	defaultIdlePoll    = time.Second
	defaultBusyPoll    = 100 * time.Millisecond
	defaultStopTimeout = 30 * time.Second
	statusWriteRetries = 3
)

// Executor runs one task and returns its result document
type Executor interface {
	Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error)
}

type ExecutorFunc func(ctx context.Context, task *domain.Task) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
	return f(ctx, task)
}

// Source is the part of a queue the pool drives
type Source interface {
	Dequeue(ctx context.Context, batchSize int) ([]*domain.Task, error)
	UpdateTaskStatus(ctx context.Context, taskID string, update domain.StatusUpdate) (bool, error)
	RequeueTask(ctx context.Context, taskID string, errMsg string) (bool, error)
}

type Config struct {
	ID          string
	QueueName   string
	ThreadCount int
	BatchSize   int
	IdlePoll    time.Duration
	BusyPoll    time.Duration
	StopTimeout time.Duration
	Observer    domain.TaskObserver
}

// Pool drives ThreadCount execution units against one queue. The dispatch loop is a single goroutine;
// every unit is its own goroutine and runs one task at a time.
type Pool struct {
	cfg      Config
	source   Source
	executor Executor

	mu      sync.Mutex
	running bool
	paused  bool
	current *run

	// dispatchMu spans the paused check and the dequeue of one tick; Pause takes it too
	dispatchMu sync.Mutex

	processed atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	errored   atomic.Int64
}

// run holds the state of one Start..Stop cycle
type run struct {
	ctx        context.Context
	execCtx    context.Context
	cancelExec context.CancelFunc
	stop       chan struct{}
	loopDone   chan struct{}
	units      []*unit
	inflight   sync.WaitGroup
	unitsDone  sync.WaitGroup
}

type unit struct {
	id     string
	inbox  chan *domain.Task
	taskID string
}

// unitCrash is what a unit reports when the handler panicked instead of returning
type unitCrash struct {
	value any
}

func (c *unitCrash) Error() string {
	return fmt.Sprintf("execution unit crashed: %v", c.value)
}

func NewPool(cfg Config, source Source, executor Executor) *Pool {
	if cfg.ThreadCount <= 0 {
		cfg.ThreadCount = 1
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = cfg.ThreadCount
	}
	if cfg.IdlePoll <= 0 {
		cfg.IdlePoll = defaultIdlePoll
	}
	if cfg.BusyPoll <= 0 {
		cfg.BusyPoll = defaultBusyPoll
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = domain.NopObserver{}
	}

	return &Pool{cfg: cfg, source: source, executor: executor}
}

func (p *Pool) ID() string {
	return p.cfg.ID
}

func (p *Pool) QueueName() string {
	return p.cfg.QueueName
}

func (p *Pool) ThreadCount() int {
	return p.cfg.ThreadCount
}

func (p *Pool) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pool) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Start spawns the units and the dispatch loop. Starting a running pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	base := context.WithoutCancel(ctx)
	execCtx, cancelExec := context.WithCancel(base)
	r := &run{
		ctx:        base,
		execCtx:    execCtx,
		cancelExec: cancelExec,
		stop:       make(chan struct{}),
		loopDone:   make(chan struct{}),
		units:      make([]*unit, p.cfg.ThreadCount),
	}

	for i := range r.units {
		u := &unit{
			id:    fmt.Sprintf("%s/unit-%d", p.cfg.ID, i),
			inbox: make(chan *domain.Task, 1),
		}
		r.units[i] = u
		r.unitsDone.Add(1)
		go p.runUnit(r, u)
	}

	p.current = r
	p.running = true
	p.paused = false
	go p.loop(r)

	slog.InfoContext(ctx, "worker pool started", "worker_id", p.cfg.ID, "queue_name", p.cfg.QueueName, "thread_count", p.cfg.ThreadCount)
}

// Pause waits for a dequeue already in progress; once it returns, no new batch is pulled until Resume.
func (p *Pool) Pause() error {
	p.dispatchMu.Lock()
	defer p.dispatchMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("%w: %s", errval.ErrPoolNotRunning, p.cfg.ID)
	}

	p.paused = true
	return nil
}

func (p *Pool) Resume() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return fmt.Errorf("%w: %s", errval.ErrPoolNotRunning, p.cfg.ID)
	}

	p.paused = false
	return nil
}

// Stop ends dequeuing. A graceful stop waits, bounded by the stop timeout, for in-flight tasks
// to finish; afterwards the execution context is cancelled and the units are shut down.
func (p *Pool) Stop(ctx context.Context, graceful bool) {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	r := p.current
	p.running = false
	p.paused = false
	close(r.stop)
	p.mu.Unlock()

	<-r.loopDone

	if graceful {
		if !waitTimeout(ctx, &r.inflight, p.cfg.StopTimeout) {
			slog.WarnContext(ctx, "graceful stop timed out, cancelling in-flight tasks", "worker_id", p.cfg.ID, "occupied", len(p.Occupied()))
		}
	}

	r.cancelExec()
	for _, u := range r.units {
		close(u.inbox)
	}
	if !waitTimeout(ctx, &r.unitsDone, p.cfg.StopTimeout) {
		slog.ErrorContext(ctx, "execution units did not exit in time", "worker_id", p.cfg.ID)
	}

	slog.InfoContext(ctx, "worker pool stopped", "worker_id", p.cfg.ID, "queue_name", p.cfg.QueueName, "graceful", graceful)
}

func waitTimeout(ctx context.Context, wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// Occupied lists the units currently holding a task
func (p *Pool) Occupied() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return nil
	}

	var busy []string
	for _, u := range p.current.units {
		if u.taskID != "" {
			busy = append(busy, u.id)
		}
	}
	return busy
}

func (p *Pool) Counters() domain.WorkerCounters {
	return domain.WorkerCounters{
		Processed: p.processed.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Errors:    p.errored.Load(),
	}
}

func (p *Pool) Info() domain.WorkerInfo {
	occupied := p.Occupied()
	if occupied == nil {
		occupied = []string{}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.WorkerInfo{
		ID:          p.cfg.ID,
		QueueName:   p.cfg.QueueName,
		ThreadCount: p.cfg.ThreadCount,
		BatchSize:   p.cfg.BatchSize,
		IsRunning:   p.running,
		IsPaused:    p.paused,
		Occupied:    occupied,
		Counters:    p.Counters(),
	}
}

func (p *Pool) loop(r *run) {
	defer close(r.loopDone)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-timer.C:
		}

		timer.Reset(p.tick(r))
	}
}

// tick runs one dispatch round and returns how long to sleep before the next
func (p *Pool) tick(r *run) time.Duration {
	p.dispatchMu.Lock()
	tasks, wait, ok := p.pull(r)
	p.dispatchMu.Unlock()
	if !ok {
		return wait
	}

	for _, task := range tasks {
		p.dispatch(r, task)
	}

	return p.cfg.BusyPoll
}

// pull dequeues up to the free capacity. ok is false when there is nothing to dispatch.
func (p *Pool) pull(r *run) (tasks []*domain.Task, wait time.Duration, ok bool) {
	p.mu.Lock()
	paused := p.paused
	capacity := 0
	for _, u := range r.units {
		if u.taskID == "" {
			capacity++
		}
	}
	p.mu.Unlock()

	if paused {
		return nil, p.cfg.IdlePoll, false
	}
	if capacity == 0 {
		return nil, p.cfg.BusyPoll, false
	}

	tasks, err := p.source.Dequeue(r.ctx, min(capacity, p.cfg.BatchSize))
	if err != nil {
		slog.ErrorContext(r.ctx, "dequeue failed", "worker_id", p.cfg.ID, "queue_name", p.cfg.QueueName, "error", err)
		return nil, p.cfg.IdlePoll, false
	}
	if len(tasks) == 0 {
		return nil, p.cfg.IdlePoll, false
	}
	return tasks, 0, true
}

func (p *Pool) dispatch(r *run, task *domain.Task) {
	u := p.acquire(r, task.ID)
	if u == nil {
		slog.WarnContext(r.ctx, "no idle execution unit, returning task to pending", "worker_id", p.cfg.ID, "task_id", task.ID)
		err := p.writeStatus(r.ctx, func() error {
			_, err := p.source.UpdateTaskStatus(r.ctx, task.ID, domain.StatusUpdate{Status: domain.Pending})
			return err
		})
		if err != nil {
			slog.ErrorContext(r.ctx, "failed to return task to pending", "worker_id", p.cfg.ID, "task_id", task.ID, "error", err)
		}
		return
	}

	u.inbox <- task
}

func (p *Pool) acquire(r *run, taskID string) *unit {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, u := range r.units {
		if u.taskID == "" {
			u.taskID = taskID
			r.inflight.Add(1)
			return u
		}
	}
	return nil
}

func (p *Pool) release(r *run, u *unit) {
	p.mu.Lock()
	u.taskID = ""
	p.mu.Unlock()
	r.inflight.Done()
}

func (p *Pool) runUnit(r *run, u *unit) {
	defer r.unitsDone.Done()

	for task := range u.inbox {
		task.ThreadID = u.id
		result, err := p.execute(r.execCtx, task)
		p.finish(r.ctx, u, task, result, err)
		p.release(r, u)
	}
}

func (p *Pool) execute(ctx context.Context, task *domain.Task) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result, err = nil, &unitCrash{value: rec}
		}
	}()

	return p.executor.Execute(ctx, task)
}

func (p *Pool) finish(ctx context.Context, u *unit, task *domain.Task, result json.RawMessage, err error) {
	p.processed.Add(1)
	log := slog.With("worker_id", p.cfg.ID, "queue_name", p.cfg.QueueName, "task_id", task.ID, "unit_id", u.id)

	record := func(update domain.StatusUpdate) {
		update.ThreadID = u.id
		werr := p.writeStatus(ctx, func() error {
			_, uerr := p.source.UpdateTaskStatus(ctx, task.ID, update)
			return uerr
		})
		if werr != nil {
			log.ErrorContext(ctx, "failed to record task status", "status", update.Status, "error", werr)
		}
	}

	var crash *unitCrash
	switch {
	case err == nil:
		p.completed.Add(1)
		record(domain.StatusUpdate{Status: domain.Completed, Result: result})
		domain.Notify(ctx, "task_completed", func() { p.cfg.Observer.TaskCompleted(ctx, task, result) })

	case errors.As(err, &crash):
		p.errored.Add(1)
		log.ErrorContext(ctx, "execution unit crashed", "error", err)
		record(domain.StatusUpdate{Status: domain.Errored, Error: err.Error(), ErrorKind: string(errval.KindInternal)})
		domain.Notify(ctx, "worker_error", func() { p.cfg.Observer.WorkerError(ctx, p.cfg.ID, u.id, err) })

	case errval.IsTransient(err):
		p.failed.Add(1)
		var requeued bool
		werr := p.writeStatus(ctx, func() error {
			var rerr error
			requeued, rerr = p.source.RequeueTask(ctx, task.ID, errval.Message(err))
			return rerr
		})
		if werr != nil {
			log.ErrorContext(ctx, "failed to requeue task", "error", werr)
		}
		log.WarnContext(ctx, "task failed", "error", err, "requeued", requeued, "retry_count", task.RetryCount)
		domain.Notify(ctx, "task_failed", func() { p.cfg.Observer.TaskFailed(ctx, task, err, requeued) })

	default:
		p.errored.Add(1)
		kind := errval.KindOf(err)
		record(domain.StatusUpdate{Status: domain.Errored, Error: errval.Message(err), ErrorKind: string(kind)})
		log.InfoContext(ctx, "task rejected", "error", err, "error_kind", kind)
		domain.Notify(ctx, "task_error", func() { p.cfg.Observer.TaskErrored(ctx, task, err) })
	}
}

// writeStatus retries a status write while the backing store reports a transient failure
func (p *Pool) writeStatus(ctx context.Context, op func() error) error {
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errval.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), statusWriteRetries), ctx))
}
