package domain

import (
	"context"
	"time"
)

// Type is the bounce severity reported by the receiving side.
type Type string

const (
	TypeHard Type = "hard"
	TypeSoft Type = "soft"
)

// SuppressionWindow is how far back hard bounces suppress delivery.
const SuppressionWindow = 30 * 24 * time.Hour

type Bounce struct {
	Email     string
	Type      Type
	Reason    string
	CreatedAt time.Time
}

// Repository abstracts bounce storage.
type Repository interface {
	// HardSince returns the lowercased addresses with a hard bounce at or after since.
	HardSince(ctx context.Context, since time.Time) ([]string, error)
	Insert(ctx context.Context, b Bounce) error
}

// Service answers whether an address is suppressed.
type Service interface {
	Suppressed(ctx context.Context, addr string) (bool, error)
	Add(ctx context.Context, addr string, t Type, reason string) error
}
