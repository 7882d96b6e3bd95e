package notify

import (
	"context"
	"fmt"
	"time"

	match "github.com/0x5487/exchange-matcher"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds producer settings.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	MaxAttempts  int
}

// Kafka publishes events to a topic keyed by symbol, so every partition
// sees a symbol's events in sequence order.
type Kafka struct {
	writer *kafka.Writer
}

// NewKafka creates a synchronous producer. The pipeline already retries,
// so the writer only makes a single attempt per call unless configured.
func NewKafka(cfg KafkaConfig) *Kafka {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchSize:    max(cfg.BatchSize, 1),
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  max(cfg.MaxAttempts, 1),
	}
	return &Kafka{writer: writer}
}

// Name implements match.Notifier.
func (k *Kafka) Name() string {
	return "kafka"
}

// Notify implements match.Notifier.
func (k *Kafka) Notify(ctx context.Context, log *match.BookLog) error {
	msg, err := message(log)
	if err != nil {
		return err
	}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", k.writer.Topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (k *Kafka) Close() error {
	return k.writer.Close()
}

func message(log *match.BookLog) (kafka.Message, error) {
	data, err := Encode(log)
	if err != nil {
		return kafka.Message{}, err
	}

	hdrs := headers(log)
	msg := kafka.Message{
		Key:     []byte(log.Symbol),
		Value:   data,
		Time:    log.CreatedAt,
		Headers: make([]kafka.Header, 0, len(hdrs)),
	}
	for _, key := range []string{"symbol", "seq", "type"} {
		msg.Headers = append(msg.Headers, kafka.Header{Key: key, Value: []byte(hdrs[key])})
	}
	return msg, nil
}
