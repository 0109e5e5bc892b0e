package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
)

const (
	defaultPageLimit = 50
	maxPageLimit     = 500
	scanCount        = 200
	destroyAttempts  = 3
)

// QueueStore is one durable named queue
type QueueStore struct {
	rdb        *redis.Client
	name       string
	keys       QueueKeys
	maxRetries int
	observer   domain.TaskObserver
	now        func() time.Time
}

type payloadEnvelope struct {
	Payload json.RawMessage `json:"payload"`
	Options map[string]any  `json:"options,omitempty"`
}

func NewQueueStore(client *Client, keys Keys, name string, maxRetries int, observer domain.TaskObserver) *QueueStore {
	if observer == nil {
		observer = domain.NopObserver{}
	}
	if maxRetries < 0 {
		maxRetries = 0
	}

	return &QueueStore{
		rdb:        client.RedisClient,
		name:       name,
		keys:       keys.Queue(name),
		maxRetries: maxRetries,
		observer:   observer,
		now:        time.Now,
	}
}

func (q *QueueStore) Name() string {
	return q.name
}

func (q *QueueStore) MaxRetries() int {
	return q.maxRetries
}

// Init writes the queue marker and zeroed counters; created is false when they already existed
func (q *QueueStore) Init(ctx context.Context) (created bool, err error) {
	res, err := createQueueScript.Run(ctx, q.rdb,
		[]string{q.keys.Meta, q.keys.Stats},
		q.name, q.now().UnixMilli(), q.maxRetries,
	).Int64()
	if err != nil {
		return false, wrapErr("create queue "+q.name, err)
	}

	return res == 1, nil
}

// Exists is true only when both the marker and the counters are present
func (q *QueueStore) Exists(ctx context.Context) (bool, error) {
	n, err := q.rdb.Exists(ctx, q.keys.Meta, q.keys.Stats).Result()
	if err != nil {
		return false, wrapErr("exists "+q.name, err)
	}

	return n == 2, nil
}

// CreatedAt reads the creation time from the queue marker, zero when it is absent
func (q *QueueStore) CreatedAt(ctx context.Context) (int64, error) {
	v, err := q.rdb.HGet(ctx, q.keys.Meta, "created_at").Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, wrapErr("read meta "+q.name, err)
	}
	return v, nil
}

// Pattern matches every key of this queue
func (q *QueueStore) Pattern() string {
	return q.keys.Pattern()
}

func (q *QueueStore) newTaskID() string {
	return fmt.Sprintf("%s-%d-%s", q.name, q.now().UnixMilli(), uuid.NewString()[:8])
}

func (q *QueueStore) Enqueue(ctx context.Context, desc domain.TaskDescriptor) (string, error) {
	if err := desc.Validate(); err != nil {
		return "", err
	}

	now := q.now().UnixMilli()
	task := &domain.Task{
		ID:        q.newTaskID(),
		Type:      desc.Type,
		Model:     desc.Model,
		Operation: desc.Operation,
		QueueName: q.name,
		Status:    domain.Pending,
		CreatedAt: now,
		Payload:   desc.Payload,
		Options:   desc.Options,
	}

	state, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("marshal task state: %w", err)
	}

	envelope, err := json.Marshal(payloadEnvelope{Payload: desc.Payload, Options: desc.Options})
	if err != nil {
		return "", errval.Wrap(errval.KindValidation, "options are not serializable", err)
	}

	res, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.keys.Pending, q.keys.Tasks, q.keys.Payloads, q.keys.Stats, q.keys.Meta, q.keys.History(task.ID)},
		task.ID, state, envelope, now,
	).Int64()
	if err != nil {
		return "", wrapErr("enqueue "+q.name, err)
	}
	if res == 0 {
		return "", fmt.Errorf("%w: %s", errval.ErrQueueNotFound, q.name)
	}

	slog.DebugContext(ctx, "task enqueued", "queue_name", q.name, "task_id", task.ID, "operation", task.Operation)
	domain.Notify(ctx, "task_enqueued", func() { q.observer.TaskEnqueued(ctx, task) })

	return task.ID, nil
}

// Dequeue moves up to batchSize tasks from pending to processing. An empty result means nothing is pending.
func (q *QueueStore) Dequeue(ctx context.Context, batchSize int) ([]*domain.Task, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	raw, err := dequeueScript.Run(ctx, q.rdb,
		[]string{q.keys.Pending, q.keys.Processing, q.keys.Tasks, q.keys.Payloads, q.keys.Stats},
		batchSize, q.now().UnixMilli(), q.keys.HistoryPrefix,
	).StringSlice()
	if err != nil {
		return nil, wrapErr("dequeue "+q.name, err)
	}

	tasks := make([]*domain.Task, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		task, err := decodeTask(raw[i], raw[i+1])
		if err != nil {
			// the task is already in processing; it stays there for the stale sweep rather than being lost
			slog.ErrorContext(ctx, "dequeued task record is unreadable", "queue_name", q.name, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

// UpdateTaskStatus returns false without error when the task id is unknown
func (q *QueueStore) UpdateTaskStatus(ctx context.Context, taskID string, update domain.StatusUpdate) (bool, error) {
	if _, err := domain.ParseTaskStatus(string(update.Status)); err != nil {
		return false, errval.Validation("%v", err)
	}

	res, err := updateStatusScript.Run(ctx, q.rdb,
		q.lifecycleKeys(taskID),
		taskID, string(update.Status), q.now().UnixMilli(), update.Error, update.ErrorKind, string(update.Result), update.ThreadID,
	).Int64()
	if err != nil {
		return false, wrapErr("update status "+q.name, err)
	}

	if res == 0 {
		slog.WarnContext(ctx, "status update for unknown task", "queue_name", q.name, "task_id", taskID, "status", update.Status)
		return false, nil
	}

	return true, nil
}

// RequeueTask puts a processing task back at the tail of pending while retries remain,
// otherwise it finalizes the task as failed. The boolean reports whether a retry was scheduled.
func (q *QueueStore) RequeueTask(ctx context.Context, taskID string, errMsg string) (bool, error) {
	return q.requeue(ctx, taskID, errMsg, string(errval.KindTransient))
}

func (q *QueueStore) requeue(ctx context.Context, taskID, errMsg, errKind string) (bool, error) {
	res, err := requeueScript.Run(ctx, q.rdb,
		q.lifecycleKeys(taskID),
		taskID, errMsg, q.maxRetries, q.now().UnixMilli(), errKind,
	).Int64()
	if err != nil {
		return false, wrapErr("requeue "+q.name, err)
	}

	switch res {
	case 1:
		return true, nil
	case 0:
		slog.InfoContext(ctx, "retries exhausted, task failed", "queue_name", q.name, "task_id", taskID, "max_retries", q.maxRetries)
		return false, nil
	default:
		slog.WarnContext(ctx, "requeue for a task that is not processing", "queue_name", q.name, "task_id", taskID)
		return false, nil
	}
}

func (q *QueueStore) lifecycleKeys(taskID string) []string {
	return []string{
		q.keys.Pending, q.keys.Processing, q.keys.Completed, q.keys.Failed,
		q.keys.Tasks, q.keys.Results, q.keys.Stats, q.keys.History(taskID),
	}
}

// RecoverStale returns processing tasks started before cutoff to pending
func (q *QueueStore) RecoverStale(ctx context.Context, cutoff time.Time) (int64, error) {
	moved, err := recoverStaleScript.Run(ctx, q.rdb,
		[]string{q.keys.Pending, q.keys.Processing, q.keys.Tasks, q.keys.Stats},
		cutoff.UnixMilli(), q.now().UnixMilli(), q.keys.HistoryPrefix, "requeued after its worker went away",
	).Int64()
	if err != nil {
		return 0, wrapErr("recover stale "+q.name, err)
	}

	return moved, nil
}

// GetStats reads the counters as they are, no list scans
func (q *QueueStore) GetStats(ctx context.Context) (domain.QueueStats, error) {
	values, err := q.rdb.HGetAll(ctx, q.keys.Stats).Result()
	if err != nil {
		return domain.QueueStats{}, wrapErr("stats "+q.name, err)
	}
	if len(values) == 0 {
		return domain.QueueStats{}, fmt.Errorf("%w: %s", errval.ErrQueueNotFound, q.name)
	}

	counter := func(field string) int64 {
		n, _ := strconv.ParseInt(values[field], 10, 64)
		return n
	}

	return domain.QueueStats{
		Total:      counter("total"),
		Pending:    counter("pending"),
		Processing: counter("processing"),
		Completed:  counter("completed"),
		Failed:     counter("failed"),
		Error:      counter("error"),
	}, nil
}

func (q *QueueStore) GetTask(ctx context.Context, taskID string) (*domain.TaskView, error) {
	state, err := q.rdb.HGet(ctx, q.keys.Tasks, taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errval.NotFound("task %s not found in queue %s", taskID, q.name)
	}
	if err != nil {
		return nil, wrapErr("get task "+q.name, err)
	}

	task, err := decodeTask(state, "")
	if err != nil {
		return nil, err
	}

	result, err := q.rdb.HGet(ctx, q.keys.Results, taskID).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, wrapErr("get task result "+q.name, err)
	}

	view := task.View(rawOrNil(result))
	return &view, nil
}

func (q *QueueStore) GetTaskHistory(ctx context.Context, taskID string) ([]*domain.TaskStatusChangeHistory, error) {
	entries, err := q.rdb.LRange(ctx, q.keys.History(taskID), 0, -1).Result()
	if err != nil {
		return nil, wrapErr("get task history "+q.name, err)
	}
	if len(entries) == 0 {
		return nil, errval.NotFound("no history for task %s in queue %s", taskID, q.name)
	}

	history := make([]*domain.TaskStatusChangeHistory, 0, len(entries))
	for _, entry := range entries {
		item := new(domain.TaskStatusChangeHistory)
		if err := json.Unmarshal([]byte(entry), item); err != nil {
			slog.WarnContext(ctx, "skipping unreadable history entry", "queue_name", q.name, "task_id", taskID, "error", err)
			continue
		}
		history = append(history, item)
	}

	return history, nil
}

// GetQueueTasks pages through one status list, or through the whole task table when no status is given.
// failed and error share a list, so those two are filtered before paging.
func (q *QueueStore) GetQueueTasks(ctx context.Context, filter domain.TaskFilter) (*domain.TaskPage, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}
	offset := filter.Offset
	if offset < 0 {
		offset = 0
	}

	page := &domain.TaskPage{Tasks: []domain.TaskView{}, Limit: limit, Offset: offset}

	switch filter.Status {
	case "":
		tasks, err := q.allTasks(ctx)
		if err != nil {
			return nil, err
		}
		page.Total = int64(len(tasks))
		return q.fillPage(ctx, page, paginate(tasks, offset, limit))

	case domain.Failed, domain.Errored:
		ids, err := q.rdb.LRange(ctx, q.keys.Failed, 0, -1).Result()
		if err != nil {
			return nil, wrapErr("list failed "+q.name, err)
		}
		tasks, err := q.loadTasks(ctx, ids)
		if err != nil {
			return nil, err
		}
		matching := make([]*domain.Task, 0, len(tasks))
		for _, t := range tasks {
			if t.Status == filter.Status {
				matching = append(matching, t)
			}
		}
		page.Total = int64(len(matching))
		return q.fillPage(ctx, page, paginate(matching, offset, limit))

	default:
		listKey, err := q.listKey(filter.Status)
		if err != nil {
			return nil, err
		}
		total, err := q.rdb.LLen(ctx, listKey).Result()
		if err != nil {
			return nil, wrapErr("count "+q.name, err)
		}
		ids, err := q.rdb.LRange(ctx, listKey, int64(offset), int64(offset+limit-1)).Result()
		if err != nil {
			return nil, wrapErr("list "+q.name, err)
		}
		tasks, err := q.loadTasks(ctx, ids)
		if err != nil {
			return nil, err
		}
		page.Total = total
		return q.fillPage(ctx, page, tasks)
	}
}

func (q *QueueStore) listKey(status domain.TaskStatus) (string, error) {
	switch status {
	case domain.Pending:
		return q.keys.Pending, nil
	case domain.Processing:
		return q.keys.Processing, nil
	case domain.Completed:
		return q.keys.Completed, nil
	case domain.Failed, domain.Errored:
		return q.keys.Failed, nil
	default:
		return "", errval.Validation("unknown task status %q", status)
	}
}

func (q *QueueStore) allTasks(ctx context.Context) ([]*domain.Task, error) {
	states, err := q.rdb.HGetAll(ctx, q.keys.Tasks).Result()
	if err != nil {
		return nil, wrapErr("list tasks "+q.name, err)
	}

	tasks := make([]*domain.Task, 0, len(states))
	for id, state := range states {
		task, err := decodeTask(state, "")
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable task record", "queue_name", q.name, "task_id", id, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].CreatedAt != tasks[j].CreatedAt {
			return tasks[i].CreatedAt < tasks[j].CreatedAt
		}
		return tasks[i].ID < tasks[j].ID
	})

	return tasks, nil
}

func (q *QueueStore) loadTasks(ctx context.Context, ids []string) ([]*domain.Task, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	states, err := q.rdb.HMGet(ctx, q.keys.Tasks, ids...).Result()
	if err != nil {
		return nil, wrapErr("load tasks "+q.name, err)
	}

	tasks := make([]*domain.Task, 0, len(ids))
	for i, state := range states {
		s, ok := state.(string)
		if !ok {
			continue
		}
		task, err := decodeTask(s, "")
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable task record", "queue_name", q.name, "task_id", ids[i], "error", err)
			continue
		}
		tasks = append(tasks, task)
	}

	return tasks, nil
}

func (q *QueueStore) fillPage(ctx context.Context, page *domain.TaskPage, tasks []*domain.Task) (*domain.TaskPage, error) {
	if len(tasks) == 0 {
		return page, nil
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}

	results, err := q.rdb.HMGet(ctx, q.keys.Results, ids...).Result()
	if err != nil {
		return nil, wrapErr("load results "+q.name, err)
	}

	for i, t := range tasks {
		var result json.RawMessage
		if s, ok := results[i].(string); ok {
			result = rawOrNil(s)
		}
		page.Tasks = append(page.Tasks, t.View(result))
	}

	return page, nil
}

// Destroy removes every key of the queue, then sweeps and re-checks until nothing is left.
// The marker goes first so a concurrent enqueue is refused instead of recreating the queue.
func (q *QueueStore) Destroy(ctx context.Context) error {
	if err := q.rdb.Del(ctx, q.keys.Meta).Err(); err != nil {
		return wrapErr("destroy "+q.name, err)
	}
	if err := q.rdb.Del(ctx, q.keys.Fixed()...).Err(); err != nil {
		return wrapErr("destroy "+q.name, err)
	}

	for attempt := 1; attempt <= destroyAttempts; attempt++ {
		residual, err := ScanKeys(ctx, q.rdb, q.keys.Pattern())
		if err != nil {
			return err
		}
		if len(residual) == 0 {
			return nil
		}

		slog.WarnContext(ctx, "sweeping residual queue keys", "queue_name", q.name, "residual_count", len(residual), "attempt", attempt)
		if err := DeleteKeys(ctx, q.rdb, residual); err != nil {
			return err
		}
	}

	residual, err := ScanKeys(ctx, q.rdb, q.keys.Pattern())
	if err != nil {
		return err
	}
	if len(residual) > 0 {
		return fmt.Errorf("queue %s still has %d keys after destroy", q.name, len(residual))
	}

	return nil
}

// ScanKeys walks the keyspace with SCAN so large namespaces never block the server
func ScanKeys(ctx context.Context, rdb *redis.Client, pattern string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := rdb.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return nil, wrapErr("scan "+pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}

	return keys, nil
}

func DeleteKeys(ctx context.Context, rdb *redis.Client, keys []string) error {
	for start := 0; start < len(keys); start += scanCount {
		end := start + scanCount
		if end > len(keys) {
			end = len(keys)
		}
		if err := rdb.Del(ctx, keys[start:end]...).Err(); err != nil {
			return wrapErr("delete keys", err)
		}
	}
	return nil
}

func decodeTask(state, envelope string) (*domain.Task, error) {
	task := new(domain.Task)
	if err := json.Unmarshal([]byte(state), task); err != nil {
		return nil, fmt.Errorf("decode task state: %w", err)
	}

	if envelope != "" {
		var env payloadEnvelope
		if err := json.Unmarshal([]byte(envelope), &env); err != nil {
			return nil, fmt.Errorf("decode task payload %s: %w", task.ID, err)
		}
		task.Payload = env.Payload
		task.Options = env.Options
	}

	return task, nil
}

func paginate(tasks []*domain.Task, offset, limit int) []*domain.Task {
	if offset >= len(tasks) {
		return nil
	}
	end := offset + limit
	if end > len(tasks) {
		end = len(tasks)
	}
	return tasks[offset:end]
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
