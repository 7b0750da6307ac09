package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	TypeDeliverySent   = "email.delivery.sent"
	TypeDeliveryFailed = "email.delivery.failed"
	TypeAPIUsage       = "api.usage"
)

// Event represents a delivery or API usage event.
// Meta may contain recipient, template_id, error_class, ip, user_agent, etc.
type Event struct {
	Type      string            `json:"type"`
	TenantID  uuid.UUID         `json:"tenant_id"`
	RequestID string            `json:"request_id,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	Time      time.Time         `json:"time"`
}

// Publisher publishes events to an external system (log, queue, etc.).
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}
