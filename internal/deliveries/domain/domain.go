package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Status is the terminal outcome of one attempt.
type Status string

const (
	StatusSent   Status = "sent"
	StatusFailed Status = "failed"
)

// Attempt is one recipient's delivery outcome within a request. Immutable once written.
type Attempt struct {
	ID         uuid.UUID
	RequestID  string
	TenantID   uuid.UUID
	TemplateID string
	Recipient  string
	Subject    string
	Status     Status
	// ErrorClass is empty for sent attempts.
	ErrorClass   string
	ErrorMessage string
	RelayHost    string
	CreatedAt    time.Time
}

// Repository abstracts the delivery log.
type Repository interface {
	Insert(ctx context.Context, a Attempt) error
	// CountSent returns sent attempts for tenantID with created_at in [from, to).
	CountSent(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int64, error)
}

// Service records attempts and answers daily counts.
type Service interface {
	// Record persists a; failures are logged and swallowed.
	Record(ctx context.Context, a Attempt)
	// DailyCount returns sent attempts for tenantID on the UTC day containing date.
	DailyCount(ctx context.Context, tenantID uuid.UUID, date time.Time) (int64, error)
}
