package events

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/KanopusDev/Kale/internal/config"
	domain "github.com/KanopusDev/Kale/internal/events/domain"
	svc "github.com/KanopusDev/Kale/internal/events/service"
)

// New returns the event publisher for cfg: Kafka plus the log sink when brokers are configured,
// the log sink alone otherwise. The returned close func flushes pending messages.
func New(cfg config.Config, log zerolog.Logger) (domain.Publisher, func() error, error) {
	logSink := svc.NewLogger(log)
	if len(cfg.KafkaBrokers) == 0 {
		return logSink, func() error { return nil }, nil
	}
	k, err := svc.NewKafka(svc.KafkaConfig{
		Brokers:      cfg.KafkaBrokers,
		Topic:        cfg.KafkaTopic,
		BatchSize:    100,
		BatchTimeout: 500 * time.Millisecond,
		WriteTimeout: 5 * time.Second,
		Async:        true,
	}, log)
	if err != nil {
		return nil, nil, err
	}
	return svc.Multi{logSink, k}, k.Close, nil
}
