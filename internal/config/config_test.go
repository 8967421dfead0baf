package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFromEnvOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://db.internal:5432/analytics")
	t.Setenv("KAFKA_HOSTS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("WORKER_CONCURRENCY", "16")
	t.Setenv("TASKS_PER_WORKER", "5")
	t.Setenv("TASK_TIMEOUT", "45")
	t.Setenv("PLUGIN_SERVER_INGESTION", "false")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	if cfg.Postgres.DSN != "postgres://db.internal:5432/analytics" {
		t.Fatalf("dsn = %q", cfg.Postgres.DSN)
	}
	if len(cfg.Kafka.Hosts) != 2 || cfg.Kafka.Hosts[1] != "kafka-2:9092" {
		t.Fatalf("hosts = %v", cfg.Kafka.Hosts)
	}
	if cfg.Worker.Concurrency != 16 || cfg.Worker.TasksPerWorker != 5 {
		t.Fatalf("worker = %+v", cfg.Worker)
	}
	if cfg.Worker.TaskTimeout != 45*time.Second {
		t.Fatalf("task timeout = %v", cfg.Worker.TaskTimeout)
	}
	if cfg.Ingestion {
		t.Fatal("ingestion still enabled")
	}
	if got := cfg.MaxPipelineTasks(); got != 80 {
		t.Fatalf("MaxPipelineTasks = %d, want 80", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	contents := []byte(`
postgres:
  dsn: postgres://filehost:5432/analytics
worker:
  concurrency: 4
topics:
  clickhouse_events: events_custom
`)
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Postgres.DSN != "postgres://filehost:5432/analytics" {
		t.Fatalf("dsn = %q", cfg.Postgres.DSN)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Fatalf("concurrency = %d", cfg.Worker.Concurrency)
	}
	if cfg.Topics.ClickhouseEvents != "events_custom" {
		t.Fatalf("topic = %q", cfg.Topics.ClickhouseEvents)
	}
	// Unset keys keep their defaults.
	if cfg.Worker.TasksPerWorker != 10 {
		t.Fatalf("tasks per worker = %d, want default 10", cfg.Worker.TasksPerWorker)
	}
}
