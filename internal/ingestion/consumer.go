package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/quasarhq/quasar/internal/broker"
	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/metrics"
	"github.com/quasarhq/quasar/internal/worker"
)

// TaskRunner is the slice of the worker pool the consumer needs.
type TaskRunner interface {
	RunTask(ctx context.Context, t worker.Task) <-chan worker.Result
}

// Consumer drains the ingestion topic and drives each event through the
// two-stage pipeline: the plugin pass (processEvent) and the ingester
// (ingestEvent). Offsets commit only after both stages succeed, so a crash
// redelivers rather than loses.
//
// Backpressure is capacity-based: admission blocks once in-flight events
// reach the pool capacity, so the count never exceeds it even mid-batch.
// The broker is paused at capacity and resumed when in-flight drains to half.
type Consumer struct {
	consumer broker.Consumer
	pool     TaskRunner

	pauseAt  int64
	resumeAt int64

	// slots bounds admission: one entry per in-flight event.
	slots    chan struct{}
	inFlight atomic.Int64

	// pauseMu serializes the paused flag with the broker pause/resume call,
	// so a drain racing the loop cannot leave the broker paused with the
	// flag clear.
	pauseMu sync.Mutex
	paused  bool

	pollCancel context.CancelFunc
	pipeCancel context.CancelFunc
	ready      chan error
	readyOnce  sync.Once
	done       chan struct{}
	pending    sync.WaitGroup
	fatal      chan error
}

// NewConsumer wires the queue consumer. capacity is the worker pool's task
// bound (concurrency × tasks per worker).
func NewConsumer(consumer broker.Consumer, pool TaskRunner, capacity int) *Consumer {
	if capacity < 2 {
		capacity = 2
	}
	return &Consumer{
		consumer: consumer,
		pool:     pool,
		pauseAt:  int64(capacity),
		resumeAt: int64(capacity / 2),
		slots:    make(chan struct{}, capacity),
		ready:    make(chan error, 1),
		done:     make(chan struct{}),
		fatal:    make(chan error, 1),
	}
}

// Start begins the poll loop and blocks until the broker's first poll
// resolves, surfacing a failure to join as an error. Fatal delivers later
// unrecoverable errors.
func (c *Consumer) Start(ctx context.Context) error {
	pollCtx, pollCancel := context.WithCancel(ctx)
	pipeCtx, pipeCancel := context.WithCancel(ctx)
	c.pollCancel = pollCancel
	c.pipeCancel = pipeCancel
	go c.loop(pollCtx, pipeCtx)

	select {
	case err := <-c.ready:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Fatal delivers the first unrecoverable consumer error, if any.
func (c *Consumer) Fatal() <-chan error {
	return c.fatal
}

// InFlight is the number of events currently inside the pipeline.
func (c *Consumer) InFlight() int {
	return int(c.inFlight.Load())
}

// Paused reports whether backpressure currently holds polling.
func (c *Consumer) Paused() bool {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	return c.paused
}

// Stop halts polling, drains in-flight events to completion so their offsets
// commit, then closes the broker consumer.
func (c *Consumer) Stop() {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	<-c.done
	c.pending.Wait()
	if c.pipeCancel != nil {
		c.pipeCancel()
	}
	c.consumer.Close()
	logging.Op().Info("queue consumer stopped")
}

func (c *Consumer) signalReady(err error) {
	c.readyOnce.Do(func() { c.ready <- err })
}

// loop polls under pollCtx; admitted pipelines run under pipeCtx, which Stop
// cancels only after they drain.
func (c *Consumer) loop(pollCtx, pipeCtx context.Context) {
	defer close(c.done)
	logging.Op().Info("queue consumer started", "pause_at", c.pauseAt, "resume_at", c.resumeAt)
	for {
		msgs, err := c.consumer.Poll(pollCtx)
		if err != nil {
			if errors.Is(err, context.Canceled) || pollCtx.Err() != nil {
				c.signalReady(pollCtx.Err())
				return
			}
			err = fmt.Errorf("poll ingestion topic: %w", err)
			c.signalReady(err)
			select {
			case c.fatal <- err:
			default:
			}
			return
		}
		c.signalReady(nil)
		for _, msg := range msgs {
			metrics.EventConsumed()
			event, err := decodeRawEvent(msg)
			if err != nil {
				// A malformed record can never succeed; commit it so the
				// partition does not wedge.
				metrics.EventDropped("malformed_record")
				logging.Op().Warn("dropping malformed record", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
				c.commit(pipeCtx, msg)
				continue
			}

			// Admission blocks at capacity; the rest of the batch waits for
			// a slot rather than overshooting the bound.
			select {
			case c.slots <- struct{}{}:
			case <-pollCtx.Done():
				return
			}
			c.pending.Add(1)
			metrics.SetInFlight(int(c.inFlight.Add(1)))
			c.maybePause()
			go c.runPipeline(pipeCtx, msg, event)
		}
	}
}

// runPipeline runs one event through the plugin pass and, unless a plugin
// dropped it, the ingester. Commits the record on success or drop; failures
// leave the offset uncommitted for redelivery.
func (c *Consumer) runPipeline(ctx context.Context, msg broker.Message, event *domain.PluginEvent) {
	defer c.finish()

	res := <-c.pool.RunTask(ctx, worker.Task{Kind: worker.ProcessEvent, Event: event})
	if res.Err != nil {
		metrics.EventFailed("processEvent")
		logging.Op().Error("plugin pass failed", "team_id", event.TeamID, "uuid", event.UUID, "error", res.Err)
		return
	}
	if res.Event == nil {
		metrics.EventDropped("plugin")
		c.commit(ctx, msg)
		return
	}

	res = <-c.pool.RunTask(ctx, worker.Task{Kind: worker.IngestEvent, Event: res.Event})
	if res.Err != nil {
		if errors.Is(res.Err, ErrEventDropped) {
			c.commit(ctx, msg)
			return
		}
		metrics.EventFailed("ingestEvent")
		logging.Op().Error("ingestion failed", "team_id", event.TeamID, "uuid", event.UUID, "error", res.Err)
		return
	}
	c.commit(ctx, msg)
}

func (c *Consumer) finish() {
	metrics.SetInFlight(int(c.inFlight.Add(-1)))
	<-c.slots
	c.maybeResume()
	c.pending.Done()
}

// maybePause and maybeResume re-read the live in-flight count under the
// mutex, so the decision and the broker call are one atomic step.
func (c *Consumer) maybePause() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if n := c.inFlight.Load(); !c.paused && n >= c.pauseAt {
		c.paused = true
		c.consumer.Pause()
		metrics.SetConsumerPaused(true)
		logging.Op().Debug("consumer paused for backpressure", "in_flight", n)
	}
}

func (c *Consumer) maybeResume() {
	c.pauseMu.Lock()
	defer c.pauseMu.Unlock()
	if n := c.inFlight.Load(); c.paused && n <= c.resumeAt {
		c.paused = false
		c.consumer.Resume()
		metrics.SetConsumerPaused(false)
		logging.Op().Debug("consumer resumed", "in_flight", n)
	}
}

func (c *Consumer) commit(ctx context.Context, msg broker.Message) {
	if err := c.consumer.Commit(ctx, []broker.Message{msg}); err != nil && ctx.Err() == nil {
		logging.Op().Warn("offset commit failed", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)
	}
}

// decodeRawEvent unpacks the handoff envelope and its nested client payload
// into the normalized pipeline event.
func decodeRawEvent(msg broker.Message) (*domain.PluginEvent, error) {
	var raw domain.RawEvent
	if err := json.Unmarshal(msg.Value, &raw); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	var data struct {
		Event      string         `json:"event"`
		Properties map[string]any `json:"properties"`
		Timestamp  string         `json:"timestamp"`
		Offset     int64          `json:"offset"`
	}
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return nil, fmt.Errorf("decode event payload: %w", err)
		}
	}
	return &domain.PluginEvent{
		DistinctID: raw.DistinctID,
		TeamID:     raw.TeamID,
		Event:      data.Event,
		Properties: data.Properties,
		IP:         raw.IP,
		SiteURL:    raw.SiteURL,
		Timestamp:  data.Timestamp,
		Offset:     data.Offset,
		Now:        raw.Now,
		SentAt:     raw.SentAt,
		UUID:       raw.UUID,
	}, nil
}
