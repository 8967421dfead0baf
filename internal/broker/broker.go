// Package broker abstracts the ingress/egress message broker. The Kafka
// implementation lives in kafka.go; tests use in-memory fakes behind the
// same interfaces.
package broker

import (
	"context"
	"time"
)

// Message is one consumed record with enough bookkeeping to commit it.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
}

// Producer publishes keyed messages. Implementations must be safe for
// concurrent use; one producer is shared process-wide.
type Producer interface {
	// Produce publishes value under key on topic. Delivery is asynchronous;
	// the returned error covers enqueueing only.
	Produce(ctx context.Context, topic string, key, value []byte) error
	// Flush waits for all buffered messages to be delivered.
	Flush(ctx context.Context) error
	Close()
}

// Consumer drains the ingestion topic as part of a consumer group.
type Consumer interface {
	// Poll returns the next batch of messages. Blocks until messages arrive,
	// the poll interval lapses (empty batch), or ctx is done.
	Poll(ctx context.Context) ([]Message, error)
	// Pause stops fetching without leaving the group. Idempotent.
	Pause()
	// Resume restarts fetching. Idempotent.
	Resume()
	// Commit marks messages as processed. Only call after the pipeline task
	// for each message resolved successfully.
	Commit(ctx context.Context, msgs []Message) error
	Close()
}
