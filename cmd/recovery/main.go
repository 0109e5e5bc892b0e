package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/sf7293/enrollment-taskqueue/configs"
	"github.com/sf7293/enrollment-taskqueue/internal/manager"
	"github.com/sf7293/enrollment-taskqueue/internal/redis"
)

// recovery returns processing tasks older than the given age back to pending, for every queue.
//
//	recovery [past_seconds]
//
// past_seconds defaults to QUEUE_STALE_TASK_AGE_SECONDS.
func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(h))

	age := cfg.Queue.StaleTaskAge()
	if len(os.Args) > 1 {
		pastSeconds, err := strconv.ParseInt(os.Args[1], 10, 64)
		if err != nil || pastSeconds <= 0 {
			log.Fatalf("Invalid input is given for the past_seconds arg, it must be a positive integer: %q", os.Args[1])
		}
		age = time.Duration(pastSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()

	redisClient, err := redis.NewClient(ctx, cfg.RedisConfig.ToRedisConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = redisClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing Redis connection", "error", err.Error())
		}
	}()

	// no executor and no restored pools, the manager is only used to discover the queues
	queueManager := manager.New(redisClient, manager.Options{Queue: recoveryQueueConfig(cfg.Queue)})
	if err := queueManager.Init(ctx); err != nil {
		log.Fatal(err)
	}

	slog.Info("Recovering stale processing tasks", "past_seconds_threshold", int64(age.Seconds()), "queue_count", len(queueManager.QueueNames()))
	moved, err := queueManager.RecoverStale(ctx, age)
	if err != nil {
		slog.Error("Error occurred while recovering stale tasks", "error", err.Error())
		os.Exit(1)
	}

	var total int64
	for queueName, n := range moved {
		slog.Info("Queue recovered", "queue_name", queueName, "requeued_count", n)
		total += n
	}
	slog.Info("Stale tasks have been re-queued", "requeued_count", total)
}

// recoveryQueueConfig keeps Init from sweeping with the default age or creating queues
func recoveryQueueConfig(q configs.QueueConfig) configs.QueueConfig {
	q.StaleTaskAgeSeconds = 0
	q.DefaultQueues = nil
	return q
}
