package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/KanopusDev/Kale/internal/events/domain"
	"github.com/KanopusDev/Kale/internal/metrics"
)

// KafkaConfig configures the Kafka publisher.
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	BatchSize    int
	BatchTimeout time.Duration
	WriteTimeout time.Duration
	// Async hands messages to the writer's background batching; write errors are only logged.
	Async bool
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes events as JSON messages keyed by tenant id.
type Kafka struct {
	w   messageWriter
	log zerolog.Logger
}

func NewKafka(cfg KafkaConfig, log zerolog.Logger) (*Kafka, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one Kafka broker is required")
	}
	if cfg.Topic == "" {
		return nil, errors.New("kafka topic is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		BatchSize:              cfg.BatchSize,
		BatchTimeout:           cfg.BatchTimeout,
		WriteTimeout:           cfg.WriteTimeout,
		RequiredAcks:           kafka.RequireOne,
		Async:                  cfg.Async,
		Compression:            kafka.Snappy,
		AllowAutoTopicCreation: false,
	}
	if cfg.Async {
		w.Completion = func(msgs []kafka.Message, err error) {
			if err != nil {
				metrics.IncEventPublished("kafka", "error")
				log.Warn().Err(err).Int("messages", len(msgs)).Msg("events.kafka:async_write_failed")
			}
		}
	}
	return &Kafka{w: w, log: log}, nil
}

func (k *Kafka) Publish(ctx context.Context, e domain.Event) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(e.TenantID.String()),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(e.Type)},
			{Key: "timestamp", Value: []byte(e.Time.UTC().Format(time.RFC3339))},
		},
		Time: e.Time,
	}
	if e.RequestID != "" {
		msg.Headers = append(msg.Headers, kafka.Header{Key: "request-id", Value: []byte(e.RequestID)})
	}
	if err := k.w.WriteMessages(ctx, msg); err != nil {
		metrics.IncEventPublished("kafka", "error")
		return fmt.Errorf("write event: %w", err)
	}
	metrics.IncEventPublished("kafka", "ok")
	return nil
}

// Close flushes pending messages.
func (k *Kafka) Close() error { return k.w.Close() }
