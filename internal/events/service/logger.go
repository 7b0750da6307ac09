package service

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/KanopusDev/Kale/internal/events/domain"
	"github.com/KanopusDev/Kale/internal/metrics"
)

// Logger publishes events as log lines.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Str("component", "events").Logger()}
}

func (l *Logger) Publish(_ context.Context, e domain.Event) error {
	meta := zerolog.Dict()
	for k, v := range e.Meta {
		meta.Str(k, v)
	}
	l.log.WithLevel(levelFor(e.Type)).
		Str("type", e.Type).
		Stringer("tenant_id", e.TenantID).
		Str("request_id", e.RequestID).
		Dict("meta", meta).
		Time("event_time", e.Time).
		Msg("event")
	metrics.IncEventPublished("log", "ok")
	return nil
}

// levelFor keeps usage chatter below info and surfaces failed deliveries.
func levelFor(eventType string) zerolog.Level {
	switch eventType {
	case domain.TypeDeliveryFailed:
		return zerolog.WarnLevel
	case domain.TypeAPIUsage:
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}
