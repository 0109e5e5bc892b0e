package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sf7293/enrollment-taskqueue/configs"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/errval"
	"github.com/sf7293/enrollment-taskqueue/internal/manager"
	"github.com/sf7293/enrollment-taskqueue/internal/redis"
	"github.com/sf7293/enrollment-taskqueue/internal/server"
	"github.com/sf7293/enrollment-taskqueue/internal/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seatExecutor stands in for the record store: the first request per section wins, the rest find no seats
func seatExecutor() worker.Executor {
	taken := map[int64]bool{}
	return worker.ExecutorFunc(func(ctx context.Context, task *domain.Task) (json.RawMessage, error) {
		if task.Operation != domain.OpRequestSeat {
			return json.RawMessage(`{"ok":true}`), nil
		}
		var req domain.SeatRequest
		if err := json.Unmarshal(task.Payload, &req); err != nil {
			return nil, errval.Validation("bad payload")
		}
		if taken[req.SectionID] {
			return nil, errval.Unprocessable("no seats available")
		}
		taken[req.SectionID] = true
		return json.RawMessage(`{"enrollment_id":1,"seats_remaining":0}`), nil
	})
}

func runTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	client := redis.NewFromRedis(rdb)

	queueManager := manager.New(client, manager.Options{
		Queue: configs.QueueConfig{
			KeyPrefix:            "test",
			MaxRetries:           3,
			DefaultThreadCount:   1,
			DefaultBatchSize:     1,
			IdlePollMillis:       10,
			BusyPollMillis:       5,
			StopTimeoutInSeconds: 2,
			DefaultQueues:        []string{"enrollments"},
		},
		Executor:   seatExecutor(),
		RunWorkers: true,
	})
	require.NoError(t, queueManager.Init(context.Background()))
	t.Cleanup(func() { queueManager.Shutdown(context.Background()) })

	ts := httptest.NewServer(setupHTTPServer(queueManager, server.Health{Queues: client, Ready: queueManager.Ready}))
	t.Cleanup(ts.Close)
	return ts
}

func call(t *testing.T, method, url string, body any, out any) int {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func Test_health_apis(t *testing.T) {
	ts := runTestServer(t)

	t.Run("liveness returns 200 when redis answers", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/liveness", nil, nil))
	})

	t.Run("readiness returns 200 once the manager is initialized", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/readiness", nil, nil))
	})
}

func Test_enqueue_api(t *testing.T) {
	ts := runTestServer(t)
	task := map[string]any{
		"type":      "database",
		"model":     "student",
		"operation": "create",
		"payload":   map[string]any{"code": "S-1", "name": "Ada"},
	}

	t.Run("it enqueues into the named queue", func(t *testing.T) {
		var res domain.EnqueueResult
		status := call(t, http.MethodPost, ts.URL+"/queues/enrollments/tasks", task, &res)
		assert.Equal(t, http.StatusAccepted, status)
		assert.Equal(t, "enrollments", res.QueueName)

		var view domain.TaskView
		status = call(t, http.MethodGet, fmt.Sprintf("%s/queues/enrollments/tasks/%s", ts.URL, res.TaskID), nil, &view)
		assert.Equal(t, http.StatusOK, status)
		assert.Equal(t, domain.Pending, view.Status)
	})

	t.Run("it rejects unknown models and operations", func(t *testing.T) {
		bad := map[string]any{"type": "database", "model": "professor", "operation": "create", "payload": map[string]any{}}
		assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/tasks", bad, nil))

		bad = map[string]any{"type": "database", "model": "student", "operation": "upsert", "payload": map[string]any{}}
		assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/tasks", bad, nil))

		bad = map[string]any{"type": "database", "model": "student", "operation": "create"}
		assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/tasks", bad, nil))
	})

	t.Run("it returns 404 for an unknown queue", func(t *testing.T) {
		assert.Equal(t, http.StatusNotFound, call(t, http.MethodPost, ts.URL+"/queues/nope/tasks", task, nil))
	})

	t.Run("it balances when no queue is named", func(t *testing.T) {
		var res domain.EnqueueResult
		assert.Equal(t, http.StatusAccepted, call(t, http.MethodPost, ts.URL+"/tasks", task, &res))
		assert.Equal(t, "enrollments", res.QueueName)
	})
}

func Test_enrollment_flow(t *testing.T) {
	ts := runTestServer(t)

	var info domain.WorkerInfo
	status := call(t, http.MethodPost, ts.URL+"/workers", map[string]any{"queue_name": "enrollments", "thread_count": 1}, &info)
	require.Equal(t, http.StatusCreated, status)
	assert.True(t, info.IsRunning)

	seat := map[string]any{"student_id": 1, "section_id": 7, "term": "2026-1"}
	var first, second domain.EnqueueResult
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, ts.URL+"/enrollments", seat, &first))
	seat["student_id"] = 2
	require.Equal(t, http.StatusAccepted, call(t, http.MethodPost, ts.URL+"/enrollments", seat, &second))

	terminal := func(id string) domain.TaskView {
		var view domain.TaskView
		require.Eventually(t, func() bool {
			view = domain.TaskView{}
			call(t, http.MethodGet, fmt.Sprintf("%s/queues/enrollments/tasks/%s", ts.URL, id), nil, &view)
			return view.Status.IsTerminal()
		}, 5*time.Second, 20*time.Millisecond)
		return view
	}

	won := terminal(first.TaskID)
	assert.Equal(t, domain.Completed, won.Status)
	assert.JSONEq(t, `{"enrollment_id":1,"seats_remaining":0}`, string(won.Result))

	lost := terminal(second.TaskID)
	assert.Equal(t, domain.Errored, lost.Status)
	assert.Equal(t, "no seats available", lost.Error)
	assert.Equal(t, string(errval.KindUnprocessable), lost.ErrorKind)

	var stats domain.QueueStats
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/queues/enrollments/stats", nil, &stats))
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, int64(1), stats.Error)

	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/enrollments", map[string]any{"student_id": 0, "section_id": 7, "term": "x"}, nil))
}

func Test_worker_admin_apis(t *testing.T) {
	ts := runTestServer(t)

	var info domain.WorkerInfo
	require.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/workers",
		map[string]any{"queue_name": "enrollments", "options": map[string]any{"auto_start": false}}, &info))
	assert.False(t, info.IsRunning)

	assert.Equal(t, http.StatusUnprocessableEntity, call(t, http.MethodPost, ts.URL+"/workers/"+info.ID+"/pause", nil, nil))
	assert.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/workers/"+info.ID+"/start", nil, &info))
	assert.True(t, info.IsRunning)
	assert.Equal(t, http.StatusOK, call(t, http.MethodPost, ts.URL+"/workers/"+info.ID+"/stop", map[string]any{"graceful": false}, &info))
	assert.False(t, info.IsRunning)
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/workers/"+info.ID+"/explode", nil, nil))

	var persisted struct {
		Workers []domain.WorkerConfig `json:"workers"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/workers/persisted", nil, &persisted))
	assert.Len(t, persisted.Workers, 1)

	assert.Equal(t, http.StatusNotFound, call(t, http.MethodPost, ts.URL+"/workers", map[string]any{"queue_name": "nope"}, nil))
	assert.Equal(t, http.StatusOK, call(t, http.MethodDelete, ts.URL+"/queues/enrollments", nil, nil))
	assert.Equal(t, http.StatusNotFound, call(t, http.MethodGet, ts.URL+"/workers/"+info.ID, nil, nil))

	assert.Equal(t, http.StatusCreated, call(t, http.MethodPost, ts.URL+"/queues", map[string]any{"name": "q2"}, nil))
	assert.Equal(t, http.StatusBadRequest, call(t, http.MethodPost, ts.URL+"/queues", map[string]any{"name": "bad:name"}, nil))
	assert.Equal(t, http.StatusOK, call(t, http.MethodDelete, ts.URL+"/admin/reset", nil, nil))

	var queues struct {
		Queues []server.QueueSummary `json:"queues"`
	}
	require.Equal(t, http.StatusOK, call(t, http.MethodGet, ts.URL+"/queues", nil, &queues))
	assert.Empty(t, queues.Queues)
}
