package broker

import (
	"context"

	"github.com/quasarhq/quasar/internal/logging"
)

// LogProducer stands in for Kafka when the broker is disabled: every publish
// is logged and discarded. Useful for local development against a database
// only.
type LogProducer struct{}

func (LogProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	logging.Op().Debug("broker disabled, discarding message", "topic", topic, "key", string(key), "bytes", len(value))
	return nil
}

func (LogProducer) Flush(ctx context.Context) error { return nil }

func (LogProducer) Close() {}
