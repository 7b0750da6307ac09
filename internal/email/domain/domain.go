package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is a send request's position in the pipeline. Failures jump to StateCompleted.
type State string

const (
	StateReceived         State = "received"
	StateAuthValidated    State = "auth_validated"
	StateQuotaAdmitted    State = "quota_admitted"
	StateTemplateResolved State = "template_resolved"
	StateRelayResolved    State = "relay_resolved"
	StateDispatching      State = "dispatching"
	StateCompleted        State = "completed"
)

// SendRequest is a normalized inbound send call.
type SendRequest struct {
	// Username from the route; must match the API key's tenant.
	Username   string
	TemplateID string
	APIKey     string
	Recipients []string
	Variables  map[string]string
	ClientIP   string
	UserAgent  string
	// IdempotencyKey deduplicates retries when enabled.
	IdempotencyKey string
}

// RecipientStatus is the outcome for one recipient.
type RecipientStatus string

const (
	RecipientSent    RecipientStatus = "sent"
	RecipientFailed  RecipientStatus = "failed"
	RecipientSkipped RecipientStatus = "skipped"
)

// Per-recipient failure classes.
const (
	ClassSuppressed        = "suppressed"
	ClassInvalidRecipient  = "invalid_recipient"
	ClassRenderFailed      = "render_failed"
	ClassTimeout           = "timeout"
	ClassRelayUnreachable  = "relay_unreachable"
	ClassRelayAuthRejected = "relay_auth_rejected"
	ClassRelayProtocol     = "relay_protocol_error"
	ClassQuotaExhausted    = "quota_exhausted"
)

type RecipientResult struct {
	Recipient  string          `json:"recipient"`
	Status     RecipientStatus `json:"status"`
	ErrorClass string          `json:"error_class,omitempty"`
	Error      string          `json:"error,omitempty"`
	// Retryable is set on relay failures that may succeed if the caller sends again.
	Retryable bool `json:"retryable,omitempty"`
}

// Result aggregates a dispatched request. Results follow input order.
type Result struct {
	RequestID  string            `json:"request_id"`
	TemplateID string            `json:"template_id"`
	Successful int               `json:"successful"`
	Failed     int               `json:"failed"`
	Skipped    int               `json:"skipped"`
	Results    []RecipientResult `json:"results"`
	// RemainingDailyLimit is -1 when the tenant's daily quota is unlimited.
	RemainingDailyLimit int64 `json:"remaining_daily_limit"`
	// Replayed is set when the result was served from the idempotency store.
	Replayed bool `json:"replayed,omitempty"`
}

// ErrorKind classifies request-level failures.
type ErrorKind string

const (
	KindUnauthorized     ErrorKind = "unauthorized"
	KindForbidden        ErrorKind = "forbidden"
	KindQuotaExceeded    ErrorKind = "quota_exceeded"
	KindValidation       ErrorKind = "validation_error"
	KindNotFound         ErrorKind = "not_found"
	KindBadConfiguration ErrorKind = "bad_configuration"
	KindConflict         ErrorKind = "conflict"
)

// Error is a request-level failure; nothing was dispatched.
type Error struct {
	Kind    ErrorKind
	Message string
	Fields  map[string][]string

	// Quota details, set for KindQuotaExceeded.
	Resource   string
	Window     string
	Limit      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Kind == KindQuotaExceeded {
		return fmt.Sprintf("%s: %s (%s window, limit %d)", e.Kind, e.Message, e.Window, e.Limit)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// WindowQuota is one window in a quota snapshot.
type WindowQuota struct {
	Window    string    `json:"window"`
	Limit     int64     `json:"limit"`
	Used      int64     `json:"used"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}

// QuotaSnapshot is a read-only view of a tenant's quota windows.
type QuotaSnapshot struct {
	TenantID uuid.UUID     `json:"tenant_id"`
	Tier     string        `json:"tier"`
	Email    []WindowQuota `json:"email"`
	API      []WindowQuota `json:"api"`
}

// Service is the delivery pipeline.
type Service interface {
	Send(ctx context.Context, req SendRequest) (Result, error)
	QuotaStatus(ctx context.Context, tenantID uuid.UUID, tier string) (QuotaSnapshot, error)
}
