// Package config holds the immutable server configuration. Defaults are
// merged with an optional YAML file and then environment overrides at
// startup; nothing mutates the config afterwards.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// PostgresConfig holds relational store settings.
type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	PoolMin  int    `yaml:"pool_min"`
	PoolMax  int    `yaml:"pool_max"`
}

// RedisConfig holds cache/lock client settings.
type RedisConfig struct {
	URL         string `yaml:"url"`
	PoolMinSize int    `yaml:"pool_min_size"`
	PoolMaxSize int    `yaml:"pool_max_size"`
}

// KafkaConfig holds broker settings. TLS material arrives base64-encoded so
// it can be injected through the environment.
type KafkaConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Hosts          []string `yaml:"hosts"`
	ConsumerGroup  string `yaml:"consumer_group"`
	ClientCertB64  string `yaml:"client_cert_b64"`
	ClientKeyB64   string `yaml:"client_key_b64"`
	TrustedCertB64 string `yaml:"trusted_cert_b64"`
}

// TopicsConfig names the broker topics the server consumes and produces.
type TopicsConfig struct {
	EventsIngestion   string `yaml:"events_ingestion"`
	ClickhouseEvents  string `yaml:"clickhouse_events"`
	SessionRecordings string `yaml:"session_recordings"`
	Person            string `yaml:"person"`
	PersonUniqueID    string `yaml:"person_unique_id"`
}

// WorkerConfig bounds the worker pool.
type WorkerConfig struct {
	Concurrency    int           `yaml:"concurrency"`
	TasksPerWorker int           `yaml:"tasks_per_worker"`
	TaskTimeout    time.Duration `yaml:"task_timeout"`
}

// CeleryConfig names the legacy redis list queues.
type CeleryConfig struct {
	PluginsQueue string `yaml:"plugins_queue"`
	DefaultQueue string `yaml:"default_queue"`
}

// JobQueueConfig points at the graphile job queue, when enabled.
type JobQueueConfig struct {
	GraphileSchema string `yaml:"graphile_schema"`
	GraphileURL    string `yaml:"graphile_url"`
}

// Config is the central configuration struct for the plugin server.
type Config struct {
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisConfig    `yaml:"redis"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Topics   TopicsConfig   `yaml:"topics"`
	Worker   WorkerConfig   `yaml:"worker"`
	Celery   CeleryConfig   `yaml:"celery"`
	JobQueue JobQueueConfig `yaml:"job_queue"`

	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	HTTPAddr    string `yaml:"http_addr"`
	DisableMMDB bool   `yaml:"disable_mmdb"`

	// Ingestion gates whether this replica consumes the events topic.
	// Replicas with ingestion disabled still run scheduled plugin tasks.
	Ingestion bool `yaml:"ingestion"`
}

// DefaultConfig returns a Config with built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Postgres: PostgresConfig{
			DSN:     "postgres://localhost:5432/analytics",
			PoolMin: 1,
			PoolMax: 10,
		},
		Redis: RedisConfig{
			URL:         "redis://localhost:6379",
			PoolMinSize: 1,
			PoolMaxSize: 3,
		},
		Kafka: KafkaConfig{
			Enabled:       true,
			Hosts:         []string{"localhost:9092"},
			ConsumerGroup: "plugin-server",
		},
		Topics: TopicsConfig{
			EventsIngestion:   "events_ingestion_handoff",
			ClickhouseEvents:  "clickhouse_events_json",
			SessionRecordings: "clickhouse_session_recording_events",
			Person:            "person",
			PersonUniqueID:    "person_unique_id",
		},
		Worker: WorkerConfig{
			Concurrency:    8,
			TasksPerWorker: 10,
			TaskTimeout:    30 * time.Second,
		},
		Celery: CeleryConfig{
			PluginsQueue: "posthog-plugins",
			DefaultQueue: "celery",
		},
		LogLevel:  "info",
		LogFormat: "text",
		Ingestion: true,
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v, ok := envInt("REDIS_POOL_MIN_SIZE"); ok {
		cfg.Redis.PoolMinSize = v
	}
	if v, ok := envInt("REDIS_POOL_MAX_SIZE"); ok {
		cfg.Redis.PoolMaxSize = v
	}
	if v, ok := envBool("KAFKA_ENABLED"); ok {
		cfg.Kafka.Enabled = v
	}
	if v := os.Getenv("KAFKA_HOSTS"); v != "" {
		cfg.Kafka.Hosts = strings.Split(v, ",")
	}
	if v := os.Getenv("KAFKA_CLIENT_CERT_B64"); v != "" {
		cfg.Kafka.ClientCertB64 = v
	}
	if v := os.Getenv("KAFKA_CLIENT_CERT_KEY_B64"); v != "" {
		cfg.Kafka.ClientKeyB64 = v
	}
	if v := os.Getenv("KAFKA_TRUSTED_CERT_B64"); v != "" {
		cfg.Kafka.TrustedCertB64 = v
	}
	if v := os.Getenv("CLICKHOUSE_EVENTS_TOPIC"); v != "" {
		cfg.Topics.ClickhouseEvents = v
	}
	if v := os.Getenv("CLICKHOUSE_SESSION_RECORDING_TOPIC"); v != "" {
		cfg.Topics.SessionRecordings = v
	}
	if v, ok := envInt("WORKER_CONCURRENCY"); ok {
		cfg.Worker.Concurrency = v
	}
	if v, ok := envInt("TASKS_PER_WORKER"); ok {
		cfg.Worker.TasksPerWorker = v
	}
	if v, ok := envInt("TASK_TIMEOUT"); ok {
		cfg.Worker.TaskTimeout = time.Duration(v) * time.Second
	}
	if v := os.Getenv("PLUGINS_CELERY_QUEUE"); v != "" {
		cfg.Celery.PluginsQueue = v
	}
	if v := os.Getenv("CELERY_DEFAULT_QUEUE"); v != "" {
		cfg.Celery.DefaultQueue = v
	}
	if v := os.Getenv("JOB_QUEUE_GRAPHILE_SCHEMA"); v != "" {
		cfg.JobQueue.GraphileSchema = v
	}
	if v := os.Getenv("JOB_QUEUE_GRAPHILE_URL"); v != "" {
		cfg.JobQueue.GraphileURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v, ok := envBool("DISABLE_MMDB"); ok {
		cfg.DisableMMDB = v
	}
	if v, ok := envBool("PLUGIN_SERVER_INGESTION"); ok {
		cfg.Ingestion = v
	}
}

// MaxPipelineTasks is the consumer's saturation bound C.
func (c *Config) MaxPipelineTasks() int {
	return c.Worker.Concurrency * c.Worker.TasksPerWorker
}

func envInt(name string) (int, bool) {
	v := os.Getenv(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	}
	return false, false
}
