package broker

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/quasarhq/quasar/internal/logging"
)

// TLSConfig carries base64-encoded PEM material from the environment.
type TLSConfig struct {
	ClientCertB64  string
	ClientKeyB64   string
	TrustedCertB64 string
}

// BuildTLS decodes the base64 PEM material into a tls.Config, or returns nil
// when no material is configured.
func BuildTLS(cfg TLSConfig) (*tls.Config, error) {
	if cfg.ClientCertB64 == "" && cfg.TrustedCertB64 == "" {
		return nil, nil
	}

	out := &tls.Config{MinVersion: tls.VersionTLS12}

	if cfg.ClientCertB64 != "" {
		cert, err := base64.StdEncoding.DecodeString(cfg.ClientCertB64)
		if err != nil {
			return nil, fmt.Errorf("decode client cert: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(cfg.ClientKeyB64)
		if err != nil {
			return nil, fmt.Errorf("decode client key: %w", err)
		}
		pair, err := tls.X509KeyPair(cert, key)
		if err != nil {
			return nil, fmt.Errorf("load client key pair: %w", err)
		}
		out.Certificates = []tls.Certificate{pair}
	}

	if cfg.TrustedCertB64 != "" {
		ca, err := base64.StdEncoding.DecodeString(cfg.TrustedCertB64)
		if err != nil {
			return nil, fmt.Errorf("decode trusted cert: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(ca) {
			return nil, fmt.Errorf("trusted cert contains no PEM certificates")
		}
		out.RootCAs = pool
	}

	return out, nil
}

// KafkaProducer wraps a franz-go client for publishing.
type KafkaProducer struct {
	client *kgo.Client
}

// NewKafkaProducer connects a shared producer.
func NewKafkaProducer(hosts []string, tlsCfg *tls.Config) (*KafkaProducer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(hosts...),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaProducer{client: client}, nil
}

func (p *KafkaProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	p.client.Produce(ctx, rec, func(r *kgo.Record, err error) {
		if err != nil {
			logging.Op().Error("kafka produce failed", "topic", r.Topic, "error", err)
		}
	})
	return nil
}

func (p *KafkaProducer) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

func (p *KafkaProducer) Close() {
	p.client.Close()
}

// KafkaConsumer wraps a franz-go consumer-group client.
type KafkaConsumer struct {
	client *kgo.Client
	topic  string

	mu     sync.Mutex
	paused bool
}

// NewKafkaConsumer joins the consumer group on the given topic. Auto-commit
// is disabled; offsets are committed explicitly through Commit.
func NewKafkaConsumer(hosts []string, group, topic string, tlsCfg *tls.Config) (*KafkaConsumer, error) {
	opts := []kgo.Opt{
		kgo.SeedBrokers(hosts...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
	}
	if tlsCfg != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsCfg))
	}
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &KafkaConsumer{client: client, topic: topic}, nil
}

// pollWait bounds a single fetch so an idle topic yields empty batches and
// the caller's loop stays responsive to start and stop.
const pollWait = 5 * time.Second

func (c *KafkaConsumer) Poll(ctx context.Context) ([]Message, error) {
	pollCtx, cancel := context.WithTimeout(ctx, pollWait)
	defer cancel()
	fetches := c.client.PollFetches(pollCtx)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.DeadlineExceeded) || errors.Is(fe.Err, context.Canceled) {
			continue // the wait window elapsed with nothing fetched
		}
		// Per-partition errors are retried by the client; the first one is
		// representative for the caller's fatal/transient decision.
		return nil, fmt.Errorf("kafka fetch: topic %s partition %d: %w",
			fe.Topic, fe.Partition, fe.Err)
	}

	var msgs []Message
	fetches.EachRecord(func(r *kgo.Record) {
		msgs = append(msgs, Message{
			Topic:     r.Topic,
			Partition: r.Partition,
			Offset:    r.Offset,
			Key:       r.Key,
			Value:     r.Value,
			Timestamp: r.Timestamp,
		})
	})
	return msgs, nil
}

func (c *KafkaConsumer) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.client.PauseFetchTopics(c.topic)
	c.paused = true
}

func (c *KafkaConsumer) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	c.client.ResumeFetchTopics(c.topic)
	c.paused = false
}

func (c *KafkaConsumer) Commit(ctx context.Context, msgs []Message) error {
	if len(msgs) == 0 {
		return nil
	}
	recs := make([]*kgo.Record, len(msgs))
	for i, m := range msgs {
		recs[i] = &kgo.Record{Topic: m.Topic, Partition: m.Partition, Offset: m.Offset}
	}
	return c.client.CommitRecords(ctx, recs...)
}

func (c *KafkaConsumer) Close() {
	c.client.Close()
}
