package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Service provides typed access to application/tenant settings with override.
type Service interface {
	GetString(ctx context.Context, key string, tenantID *uuid.UUID, def string) (string, error)
	GetDuration(ctx context.Context, key string, tenantID *uuid.UUID, def time.Duration) (time.Duration, error)
	GetInt(ctx context.Context, key string, tenantID *uuid.UUID, def int) (int, error)
	GetInt64(ctx context.Context, key string, tenantID *uuid.UUID, def int64) (int64, error)
	Set(ctx context.Context, key string, tenantID *uuid.UUID, value string) error
}

// Repository abstracts storage of app settings.
type Repository interface {
	// Get returns (value, found, err) for an exact key and optional tenant, falling back to the global value.
	Get(ctx context.Context, key string, tenantID *uuid.UUID) (string, bool, error)
	// Upsert stores a key for an optional tenant.
	Upsert(ctx context.Context, key string, tenantID *uuid.UUID, value string, secret bool) error
}

// Quota override keys. Limits are integers; -1 means unlimited.
const (
	KeyEmailBurstLimit = "quota.email.burst_limit"
	KeyEmailDailyLimit = "quota.email.daily_limit"
	KeyAPIPerMinute    = "quota.api.per_minute"
	KeyAPIPerHour      = "quota.api.per_hour"
	KeyAPIPerDay       = "quota.api.per_day"
)

// Delivery keys.
const (
	// KeyMaxRecipients caps recipients per send request for a tenant.
	KeyMaxRecipients = "email.max_recipients"
	// KeyRecipientTimeout bounds one recipient's delivery (Go duration string, e.g. "30s").
	KeyRecipientTimeout = "email.recipient_timeout"
)
