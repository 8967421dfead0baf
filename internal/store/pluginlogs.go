package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/logging"
)

const (
	defaultPluginLogBatchSize     = 100
	defaultPluginLogBufferSize    = 1000
	defaultPluginLogFlushInterval = 500 * time.Millisecond
	defaultPluginLogWriteTimeout  = 5 * time.Second
)

// InsertPluginLogEntries writes a batch of plugin log entries.
func (s *PostgresStore) InsertPluginLogEntries(ctx context.Context, entries []*domain.PluginLogEntry) error {
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO plugin_log_entries (id, team_id, plugin_id, plugin_config_id, timestamp, source, type, message, instance_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			e.ID, e.TeamID, e.PluginID, e.PluginConfigID, e.Timestamp, e.Source, e.Type, e.Message, e.InstanceID); err != nil {
			return err
		}
	}
	return nil
}

// PluginLogWriter persists plugin log entries in batches.
type PluginLogWriter interface {
	InsertPluginLogEntries(ctx context.Context, entries []*domain.PluginLogEntry) error
}

// PluginLogBatcher buffers plugin log entries and flushes them on size or
// interval. Full buffers drop entries rather than block the pipeline.
type PluginLogBatcher struct {
	writer        PluginLogWriter
	logger        *slog.Logger
	entries       chan *domain.PluginLogEntry
	flushInterval time.Duration
	batchSize     int
	done          chan struct{}
	flushReq      chan chan struct{}
}

// NewPluginLogBatcher starts the flush loop.
func NewPluginLogBatcher(w PluginLogWriter) *PluginLogBatcher {
	b := &PluginLogBatcher{
		writer:        w,
		logger:        logging.Op(),
		entries:       make(chan *domain.PluginLogEntry, defaultPluginLogBufferSize),
		flushInterval: defaultPluginLogFlushInterval,
		batchSize:     defaultPluginLogBatchSize,
		done:          make(chan struct{}),
		flushReq:      make(chan chan struct{}),
	}
	go b.run()
	return b
}

// Enqueue buffers one entry, dropping it if the buffer is full.
func (b *PluginLogBatcher) Enqueue(e *domain.PluginLogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	select {
	case b.entries <- e:
	default:
		b.logger.Warn("dropping plugin log entry due to full buffer", "plugin_config_id", e.PluginConfigID)
	}
}

// Flush forces a write of everything buffered and waits for it.
func (b *PluginLogBatcher) Flush() {
	ack := make(chan struct{})
	select {
	case b.flushReq <- ack:
		<-ack
	case <-b.done:
	}
}

// Shutdown flushes and stops the batcher.
func (b *PluginLogBatcher) Shutdown(timeout time.Duration) {
	close(b.entries)
	select {
	case <-b.done:
	case <-time.After(timeout):
		b.logger.Warn("timeout waiting for plugin log batcher shutdown", "timeout", timeout)
	}
}

func (b *PluginLogBatcher) run() {
	defer close(b.done)

	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	batch := make([]*domain.PluginLogEntry, 0, b.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), defaultPluginLogWriteTimeout)
		defer cancel()
		if err := b.writer.InsertPluginLogEntries(ctx, batch); err != nil {
			b.logger.Warn("failed to persist plugin log entries", "error", err, "count", len(batch))
		}
		batch = batch[:0]
	}

	for {
		select {
		case e, ok := <-b.entries:
			if !ok {
				flush()
				return
			}
			batch = append(batch, e)
			if len(batch) >= b.batchSize {
				flush()
			}
		case ack := <-b.flushReq:
			// Drain anything already queued before flushing.
			for drained := false; !drained; {
				select {
				case e, ok := <-b.entries:
					if !ok {
						drained = true
						break
					}
					batch = append(batch, e)
				default:
					drained = true
				}
			}
			flush()
			close(ack)
		case <-ticker.C:
			flush()
		}
	}
}
