package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sf7293/enrollment-taskqueue/configs"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/manager"
	"github.com/sf7293/enrollment-taskqueue/internal/postgres"
	"github.com/sf7293/enrollment-taskqueue/internal/rabbitmq"
	"github.com/sf7293/enrollment-taskqueue/internal/redis"
	"github.com/sf7293/enrollment-taskqueue/internal/server"
	"github.com/sf7293/enrollment-taskqueue/pkg/process"
)

// The worker process runs every persisted worker pool without serving the API. Pools created,
// paused or deleted through the API are picked up on the next registry sync.
func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(h))

	bootCtx, cancelBoot := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancelBoot()

	storage, err := postgres.NewStorage(bootCtx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()
	slog.Info("Postgres connection has been initialized successfully")

	redisClient, err := redis.NewClient(bootCtx, cfg.RedisConfig.ToRedisConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer func() {
		err = redisClient.Close()
		if err != nil {
			slog.Error("An error occurred while closing Redis connection", "error", err.Error())
		}
	}()
	slog.Info("Redis connection has been initialized successfully")

	health := server.Health{Queues: redisClient, RecordStore: storage}
	var observer domain.TaskObserver = domain.NopObserver{}
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := rabbitmq.NewRabbitMQClient(bootCtx, cfg.RabbitMQ.ToRabbitConnectionUri(), []string{cfg.RabbitMQ.EventsQueueName})
		if err != nil {
			log.Fatal(err)
		}
		defer func() {
			err = rabbitClient.Close()
			if err != nil {
				slog.Error("An error occurred while closing RabbitMQ connection", "error", err.Error())
			}
		}()
		observer = rabbitmq.NewEventPublisher(rabbitClient, cfg.RabbitMQ.EventsQueueName)
		health.Publisher = rabbitClient
		slog.Info("RabbitMQ connection has been initialized successfully")
	}

	queueManager := manager.New(redisClient, manager.Options{
		Queue:      cfg.Queue,
		Executor:   process.NewProcess(storage),
		Observer:   observer,
		RunWorkers: true,
	})
	if err := queueManager.Init(bootCtx); err != nil {
		log.Fatal(err)
	}
	health.Ready = queueManager.Ready

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go queueManager.RunSync(ctx, cfg.Queue.SyncInterval())

	// Running HTTP Server in order to have liveness and readiness HTTP APIs
	srv := setUpHealthCheckerAPIs(cfg, health)

	slog.Info("Worker is running. To exit press CTRL+C", "worker_count", len(queueManager.ListWorkers()))
	<-ctx.Done()
	slog.Info("Worker is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Queue.StopTimeout()+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Health check server forced to shutdown", "error", err)
	}
	queueManager.Shutdown(shutdownCtx)
}

func setUpHealthCheckerAPIs(cfg *configs.Config, health server.Health) *http.Server {
	r := gin.Default()
	health.Register(r)

	srv := &http.Server{
		Addr:    ":" + cfg.HealthCheckPort,
		Handler: r,
	}

	go func() {
		log.Printf("Starting health check server on port %s\n", cfg.HealthCheckPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	return srv
}
