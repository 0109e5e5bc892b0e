package configs

import (
	"fmt"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"
)

type Config struct {
	ServerPort             string `envconfig:"SERVER_PORT" default:"8080"`
	ServerTimeOutInSeconds int64  `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	HealthCheckPort        string `envconfig:"HEALTH_CHECK_PORT" default:"8081"`
	LogLevel               string `envconfig:"LOG_LEVEL" default:"info"`
	Database               DatabaseConfig
	RabbitMQ               RabbitMQConfig
	RedisConfig            RedisConfig
	Queue                  QueueConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	DatabaseTest string `envconfig:"DB_DATABASE_TEST"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"10"`
}

type RabbitMQConfig struct {
	Enabled         bool   `envconfig:"RABBIT_ENABLED" default:"false"`
	Username        string `envconfig:"RABBIT_USERNAME"`
	Password        string `envconfig:"RABBIT_PASSWORD"`
	Host            string `envconfig:"RABBIT_HOST"`
	Port            string `envconfig:"RABBIT_PORT"`
	EventsQueueName string `envconfig:"TASK_EVENTS_QUEUE_NAME" default:"task-events"`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST" default:"localhost"`
	Port     string `envconfig:"REDIS_PORT" default:"6379"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

// QueueConfig holds the knobs of the queue/worker engine
type QueueConfig struct {
	KeyPrefix            string   `envconfig:"QUEUE_KEY_PREFIX" default:"taskqueue"`
	MaxRetries           int      `envconfig:"QUEUE_MAX_RETRIES" default:"3"`
	DefaultThreadCount   int      `envconfig:"QUEUE_DEFAULT_THREAD_COUNT" default:"4"`
	DefaultBatchSize     int      `envconfig:"QUEUE_DEFAULT_BATCH_SIZE" default:"5"`
	IdlePollMillis       int64    `envconfig:"QUEUE_IDLE_POLL_MILLIS" default:"1000"`
	BusyPollMillis       int64    `envconfig:"QUEUE_BUSY_POLL_MILLIS" default:"100"`
	StopTimeoutInSeconds int64    `envconfig:"QUEUE_STOP_TIME_OUT_IN_SECONDS" default:"30"`
	StaleTaskAgeSeconds  int64    `envconfig:"QUEUE_STALE_TASK_AGE_SECONDS" default:"900"`
	DefaultQueues        []string `envconfig:"QUEUE_DEFAULT_QUEUES" default:"enrollments"`
	// ServerRunsWorkers must be false whenever cmd/worker is deployed, otherwise every pool runs in both processes
	ServerRunsWorkers    bool     `envconfig:"QUEUE_SERVER_RUNS_WORKERS" default:"true"`
	SyncIntervalSeconds  int64    `envconfig:"QUEUE_SYNC_INTERVAL_SECONDS" default:"5"`
}

// ToMigrationUri returns the URI golang-migrate's pgx/v5 driver expects
func (d DatabaseConfig) ToMigrationUri() string {
	return d.uri("pgx5", d.Database, "")
}

func (d DatabaseConfig) ToTestMigrationUri() string {
	return d.uri("pgx5", d.DatabaseTest, "")
}

// ToDbConnectionUri returns a pgxpool URI, pool size included
func (d DatabaseConfig) ToDbConnectionUri() string {
	return d.uri("postgres", d.Database, fmt.Sprintf("&pool_max_conns=%d", d.PoolMaxConns))
}

// ToTestDBConnectionUri points at the database the integration tests migrate up and down
func (d DatabaseConfig) ToTestDBConnectionUri() string {
	return d.uri("postgres", d.DatabaseTest, fmt.Sprintf("&pool_max_conns=%d", d.PoolMaxConns))
}

func (d DatabaseConfig) uri(scheme, database, extra string) string {
	return fmt.Sprintf("%s://%s:%s@%s:%s/%s?sslmode=%s%s", scheme, d.Username, d.Password, d.Host, d.Port, database, d.SSLMode, extra)
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func (q QueueConfig) IdlePollInterval() time.Duration {
	return time.Duration(q.IdlePollMillis) * time.Millisecond
}

func (q QueueConfig) BusyPollInterval() time.Duration {
	return time.Duration(q.BusyPollMillis) * time.Millisecond
}

func (q QueueConfig) StopTimeout() time.Duration {
	return time.Duration(q.StopTimeoutInSeconds) * time.Second
}

func (q QueueConfig) StaleTaskAge() time.Duration {
	return time.Duration(q.StaleTaskAgeSeconds) * time.Second
}

func (q QueueConfig) SyncInterval() time.Duration {
	return time.Duration(q.SyncIntervalSeconds) * time.Second
}

// SlogLevel maps LOG_LEVEL onto a slog level, falling back to info
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func InitConfig() *Config {
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		log.Fatalf("Cannot load env: %v", err)
	}

	return &cfg
}
