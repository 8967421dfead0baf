package service

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/quasarhq/quasar/internal/actions"
	"github.com/quasarhq/quasar/internal/broker"
	"github.com/quasarhq/quasar/internal/config"
	"github.com/quasarhq/quasar/internal/ingestion"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/metrics"
	"github.com/quasarhq/quasar/internal/plugins"
	"github.com/quasarhq/quasar/internal/scheduler"
	"github.com/quasarhq/quasar/internal/store"
	"github.com/quasarhq/quasar/internal/worker"
)

// Server assembles and runs the plugin server: stores, broker, worker pool,
// queue consumer, control puller, and scheduler.
type Server struct {
	cfg      *config.Config
	compiler plugins.Compiler

	pg       *store.PostgresStore
	redis    *store.RedisStore
	batcher  *store.PluginLogBatcher
	producer broker.Producer
	pool     *worker.Pool
	consumer *ingestion.Consumer
	puller   *ingestion.ControlPuller
	sched    *scheduler.Scheduler
	http     *http.Server

	instanceID string
	fatal      chan error
}

// NewServer prepares a server around the given compiler. Nothing connects
// until Start.
func NewServer(cfg *config.Config, compiler plugins.Compiler) *Server {
	hostname, _ := os.Hostname()
	return &Server{
		cfg:        cfg,
		compiler:   compiler,
		instanceID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		fatal:      make(chan error, 1),
	}
}

// InstanceID identifies this replica in plugin log entries.
func (s *Server) InstanceID() string { return s.instanceID }

// Fatal delivers the first unrecoverable error from any subsystem.
func (s *Server) Fatal() <-chan error { return s.fatal }

// redisStorageProvider hands out the per-config plugin storage surface.
type redisStorageProvider struct {
	redis *store.RedisStore
}

type configStorage struct {
	redis              *store.RedisStore
	pluginID, configID int64
}

func (p redisStorageProvider) Storage(pluginID, configID int64) plugins.StorageAPI {
	return configStorage{redis: p.redis, pluginID: pluginID, configID: configID}
}

func (c configStorage) Get(ctx context.Context, key string) ([]byte, error) {
	return c.redis.StorageGet(ctx, c.pluginID, c.configID, key)
}

func (c configStorage) Set(ctx context.Context, key string, value []byte) error {
	return c.redis.StorageSet(ctx, c.pluginID, c.configID, key, value)
}

func (c configStorage) Del(ctx context.Context, key string) error {
	return c.redis.StorageDel(ctx, c.pluginID, c.configID, key)
}

// Start connects the stores and broker, builds the pool, loads plugins on
// every worker, and begins consuming.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.pg, err = store.NewPostgresStore(ctx, s.cfg.Postgres.DSN, s.cfg.Postgres.PoolMin, s.cfg.Postgres.PoolMax)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	s.redis, err = store.NewRedisStore(s.cfg.Redis.URL, s.cfg.Redis.PoolMinSize, s.cfg.Redis.PoolMaxSize)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	s.batcher = store.NewPluginLogBatcher(s.pg)

	tlsCfg, err := broker.BuildTLS(broker.TLSConfig{
		ClientCertB64:  s.cfg.Kafka.ClientCertB64,
		ClientKeyB64:   s.cfg.Kafka.ClientKeyB64,
		TrustedCertB64: s.cfg.Kafka.TrustedCertB64,
	})
	if err != nil {
		return fmt.Errorf("build kafka tls: %w", err)
	}
	if s.cfg.Kafka.Enabled {
		s.producer, err = broker.NewKafkaProducer(s.cfg.Kafka.Hosts, tlsCfg)
		if err != nil {
			return fmt.Errorf("connect kafka producer: %w", err)
		}
	} else {
		s.producer = broker.LogProducer{}
	}

	processor := ingestion.NewProcessor(s.pg, s.producer, s.cfg.Topics)
	storage := redisStorageProvider{redis: s.redis}

	factory := func(n int) worker.Host {
		pm := plugins.NewManager(s.pg, s.compiler, s.redis, storage, s.batcher, s.instanceID)
		am := actions.NewManager(s.pg)
		return NewHost(pm, am, processor, s.producer, s.batcher)
	}
	s.pool = worker.NewPool(s.cfg.Worker.Concurrency, s.cfg.Worker.TasksPerWorker, s.cfg.Worker.TaskTimeout, factory)

	// Every worker loads its own plugin and action state before traffic.
	if err := s.pool.Broadcast(ctx, worker.Task{Kind: worker.ReloadPlugins}); err != nil {
		logging.Op().Error("initial plugin load failed on at least one worker", "error", err)
	}
	if err := s.pool.Broadcast(ctx, worker.Task{Kind: worker.ReloadAllActions}); err != nil {
		logging.Op().Error("initial action load failed on at least one worker", "error", err)
	}

	if s.cfg.Ingestion && s.cfg.Kafka.Enabled {
		kc, err := broker.NewKafkaConsumer(s.cfg.Kafka.Hosts, s.cfg.Kafka.ConsumerGroup, s.cfg.Topics.EventsIngestion, tlsCfg)
		if err != nil {
			return fmt.Errorf("connect kafka consumer: %w", err)
		}
		s.consumer = ingestion.NewConsumer(kc, s.pool, s.cfg.MaxPipelineTasks())
		if err := s.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start queue consumer: %w", err)
		}
		go func() {
			if err := <-s.consumer.Fatal(); err != nil {
				select {
				case s.fatal <- err:
				default:
				}
			}
		}()
	} else {
		logging.Op().Info("event ingestion disabled on this replica")
	}

	s.puller = ingestion.NewControlPuller(s.redis, s.pool, s.cfg.Celery.PluginsQueue)
	s.puller.Start(ctx)

	s.sched = scheduler.New(scheduler.RedisLocker{Client: store.NewLockClient(s.redis.Client())}, s.pool)
	if err := s.sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	if s.cfg.HTTPAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/_ready", s.readyHandler())
		mux.HandleFunc("/_health", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(`{"status":"ok"}`))
		})
		s.http = &http.Server{Addr: s.cfg.HTTPAddr, Handler: mux}
		go func() {
			logging.Op().Info("http endpoint started", "addr", s.cfg.HTTPAddr)
			if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logging.Op().Error("http server error", "error", err)
			}
		}()
	}

	logging.Op().Info("plugin server started",
		"instance", s.instanceID,
		"ingestion", s.cfg.Ingestion && s.cfg.Kafka.Enabled,
		"workers", s.cfg.Worker.Concurrency)
	return nil
}

func (s *Server) readyHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pg.Ping(ctx); err != nil {
			http.Error(w, "postgres unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := s.redis.Ping(ctx); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
}

// Stop shuts the server down in dependency order: stop intake, drain the
// pool, flush buffered writes, run plugin teardown, then close connections.
func (s *Server) Stop() {
	logging.Op().Info("plugin server stopping")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if s.consumer != nil {
		s.consumer.Stop()
	}
	if s.puller != nil {
		s.puller.Stop()
	}
	if s.sched != nil {
		s.sched.Stop()
	}
	if s.pool != nil {
		if err := s.pool.Broadcast(shutdownCtx, worker.Task{Kind: worker.FlushQueuedWrites}); err != nil {
			logging.Op().Warn("flush on shutdown failed", "error", err)
		}
		if err := s.pool.Broadcast(shutdownCtx, worker.Task{Kind: worker.TeardownPlugins}); err != nil {
			logging.Op().Warn("plugin teardown failed", "error", err)
		}
		s.pool.Stop()
	}
	if s.producer != nil {
		if err := s.producer.Flush(shutdownCtx); err != nil {
			logging.Op().Warn("producer flush on shutdown failed", "error", err)
		}
		s.producer.Close()
	}
	if s.batcher != nil {
		s.batcher.Shutdown(5 * time.Second)
	}
	if s.http != nil {
		s.http.Shutdown(shutdownCtx)
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
	logging.Op().Info("plugin server stopped")
}
