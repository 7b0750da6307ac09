package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Tier decides the default daily email allowance.
type Tier string

const (
	TierUnverified Tier = "unverified"
	TierVerified   Tier = "verified"
	TierEnterprise Tier = "enterprise"
)

func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierUnverified, TierVerified, TierEnterprise:
		return Tier(s), nil
	case "":
		return TierUnverified, nil
	default:
		return "", errors.New("unknown tier " + s)
	}
}

// Tenant is an account that sends mail through the service.
type Tenant struct {
	ID              uuid.UUID
	Username        string
	Email           string
	Tier            Tier
	Active          bool
	Suspended       bool
	TotalEmailsSent int64
	EmailsSentToday int
	CountersDate    time.Time
	LastAPICall     *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

var (
	ErrNotFound          = errors.New("tenant not found")
	ErrInvalidCredential = errors.New("invalid api key")
	ErrExists            = errors.New("tenant username already exists")
)

// Repository abstracts persistence for tenants.
type Repository interface {
	Create(ctx context.Context, t Tenant, apiKeyHash string) error
	GetByID(ctx context.Context, id uuid.UUID) (Tenant, error)
	GetByUsername(ctx context.Context, username string) (Tenant, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (Tenant, error)
	RotateAPIKey(ctx context.Context, id uuid.UUID, hash string) error
	IncrementSendCounters(ctx context.Context, id uuid.UUID, n int, at time.Time) error
	TouchAPICall(ctx context.Context, id uuid.UUID, at time.Time) error
	SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error
}

// Service encapsulates business logic for tenants.
type Service interface {
	Create(ctx context.Context, username, email string, tier Tier) (Tenant, string, error)
	ResolveByCredential(ctx context.Context, apiKey string) (Tenant, error)
	GetByUsername(ctx context.Context, username string) (Tenant, error)
	RotateAPIKey(ctx context.Context, id uuid.UUID) (string, error)
	IncrementSendCounters(ctx context.Context, id uuid.UUID, n int) error
	TouchAPICall(ctx context.Context, id uuid.UUID) error
	SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error
}
