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
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/sf7293/enrollment-taskqueue/configs"
	db2 "github.com/sf7293/enrollment-taskqueue/db"
	"github.com/sf7293/enrollment-taskqueue/internal/balancer"
	"github.com/sf7293/enrollment-taskqueue/internal/domain"
	"github.com/sf7293/enrollment-taskqueue/internal/manager"
	"github.com/sf7293/enrollment-taskqueue/internal/postgres"
	"github.com/sf7293/enrollment-taskqueue/internal/rabbitmq"
	"github.com/sf7293/enrollment-taskqueue/internal/redis"
	"github.com/sf7293/enrollment-taskqueue/internal/server"
	"github.com/sf7293/enrollment-taskqueue/pkg/process"

	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5"
)

func main() {
	cfg := configs.InitConfig()

	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()})
	slog.SetDefault(slog.New(h))

	d, err := iofs.New(db2.Migrations, "migrations")
	if err != nil {
		log.Fatal(err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, cfg.Database.ToMigrationUri())
	if err != nil {
		log.Fatal(err)
	}

	if err := m.Up(); err != nil {
		if !errors.Is(err, migrate.ErrNoChange) {
			log.Fatal(err)
		}
	}
	slog.Info("Migrations ran successfully")

	// Boot is bounded by cfg.ServerTimeOutInSeconds; the pools detach from this context once started
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancel()

	storage, err := postgres.NewStorage(ctx, cfg.Database.ToDbConnectionUri())
	if err != nil {
		log.Fatal(err)
	}
	defer storage.Close()
	slog.Info("Postgres connection has been initialized successfully")

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
	slog.Info("Redis connection has been initialized successfully")

	health := server.Health{Queues: redisClient, RecordStore: storage}
	var observer domain.TaskObserver = domain.NopObserver{}
	if cfg.RabbitMQ.Enabled {
		rabbitClient, err := rabbitmq.NewRabbitMQClient(ctx, cfg.RabbitMQ.ToRabbitConnectionUri(), []string{cfg.RabbitMQ.EventsQueueName})
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
		slog.Info("RabbitMQ has been initialized successfully")
	}

	queueManager := manager.New(redisClient, manager.Options{
		Queue:      cfg.Queue,
		Executor:   process.NewProcess(storage),
		Observer:   observer,
		RunWorkers: cfg.Queue.ServerRunsWorkers,
	})
	if err := queueManager.Init(ctx); err != nil {
		log.Fatal(err)
	}
	health.Ready = queueManager.Ready

	syncCtx, stopSync := context.WithCancel(context.Background())
	defer stopSync()
	if !cfg.Queue.ServerRunsWorkers {
		// pools run in cmd/worker, only the registry is kept in step here
		go queueManager.RunSync(syncCtx, cfg.Queue.SyncInterval())
	}

	router := setupHTTPServer(queueManager, health)
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: router,
	}

	// Initializing the server in a goroutine so that
	// it won't block the graceful shutdown handling below
	go func() {
		log.Printf("Starting server on port %s\n", cfg.ServerPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Queue.StopTimeout()+time.Duration(cfg.ServerTimeOutInSeconds)*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	queueManager.Shutdown(shutdownCtx)

	log.Println("Server exiting")
}

func registerValidators() {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return
	}

	rules := map[string]validator.Func{
		"validate_model":      domain.ValidateModel,
		"validate_operation":  domain.ValidateOperation,
		"validate_payload":    domain.ValidatePayload,
		"validate_queue_name": domain.ValidateQueueNameField,
		"validate_status":     domain.ValidateStatus,
	}
	for tag, fn := range rules {
		if err := v.RegisterValidation(tag, fn); err != nil {
			log.Fatal("failed to bind validation rule of " + tag)
		}
	}
}

func setupHTTPServer(queueManager *manager.Manager, health server.Health) *gin.Engine {
	r := gin.Default()
	registerValidators()

	serverLogic := server.NewServerLogic(queueManager, balancer.NewService(queueManager))

	// auto-balanced enqueue
	r.POST("/tasks", func(c *gin.Context) {
		req := domain.RouterRequestEnqueue{}
		if !bind(c, &req) {
			return
		}

		res, err := serverLogic.EnqueueAutoBalance(c, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	})

	r.POST("/enrollments", func(c *gin.Context) {
		req := domain.RouterRequestSeat{}
		if !bind(c, &req) {
			return
		}

		res, err := serverLogic.RequestSeat(c, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	})

	queues := r.Group("/queues")
	queues.GET("", func(c *gin.Context) {
		summaries, err := serverLogic.ListQueues(c)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"queues": summaries})
	})

	queues.POST("", func(c *gin.Context) {
		req := domain.RouterRequestCreateQueue{}
		if !bind(c, &req) {
			return
		}

		summary, err := serverLogic.CreateQueue(c, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, summary)
	})

	queues.DELETE("/:name", func(c *gin.Context) {
		if err := serverLogic.DeleteQueue(c, c.Param("name")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": c.Param("name")})
	})

	queues.GET("/:name/stats", func(c *gin.Context) {
		stats, err := serverLogic.GetQueueStats(c, c.Param("name"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, stats)
	})

	queues.GET("/:name/tasks", func(c *gin.Context) {
		query := domain.RouterQueryTasks{}
		if err := c.ShouldBindQuery(&query); err != nil {
			slog.Info("error occurred while binding query", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		page, err := serverLogic.GetQueueTasks(c, c.Param("name"), query)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, page)
	})

	queues.POST("/:name/tasks", func(c *gin.Context) {
		req := domain.RouterRequestEnqueue{}
		if !bind(c, &req) {
			return
		}

		res, err := serverLogic.Enqueue(c, c.Param("name"), req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, res)
	})

	queues.GET("/:name/tasks/:id", func(c *gin.Context) {
		view, err := serverLogic.GetTaskStatus(c, c.Param("name"), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, view)
	})

	queues.GET("/:name/tasks/:id/history", func(c *gin.Context) {
		history, err := serverLogic.GetTaskStatusHistory(c, c.Param("name"), c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"history": history})
	})

	workers := r.Group("/workers")
	workers.GET("", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"workers": serverLogic.ListWorkers()})
	})

	workers.GET("/persisted", func(c *gin.Context) {
		persisted, err := serverLogic.ListPersistedWorkers(c)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"workers": persisted})
	})

	workers.POST("", func(c *gin.Context) {
		req := domain.RouterRequestCreateWorker{}
		if !bind(c, &req) {
			return
		}

		info, err := serverLogic.CreateWorker(c, req)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, info)
	})

	workers.GET("/:id", func(c *gin.Context) {
		info, err := serverLogic.GetWorker(c.Param("id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	})

	workers.POST("/:id/:action", func(c *gin.Context) {
		graceful := true
		if c.Param("action") == "stop" && c.Request.ContentLength > 0 {
			req := domain.RouterRequestStopWorker{}
			if !bind(c, &req) {
				return
			}
			if req.Graceful != nil {
				graceful = *req.Graceful
			}
		}

		info, err := serverLogic.WorkerAction(c, c.Param("id"), c.Param("action"), graceful)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, info)
	})

	workers.DELETE("/:id", func(c *gin.Context) {
		if err := serverLogic.DeleteWorker(c, c.Param("id")); err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
	})

	r.DELETE("/admin/reset", func(c *gin.Context) {
		deleted, err := serverLogic.Reset(c)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deleted_keys": deleted})
	})

	health.Register(r)

	return r
}

// bind decodes and validates the JSON body, answering 400 itself when that fails
func bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindBodyWith(req, binding.JSON); err != nil {
		slog.Info("error occurred while binding request", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func respondError(c *gin.Context, err error) {
	c.JSON(server.HTTPStatus(err), gin.H{"error": server.PublicMessage(err)})
}
