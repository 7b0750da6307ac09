package domain

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Template is a stored message layout with {{variable}} placeholders.
type Template struct {
	ID string
	// TenantID is nil for system templates.
	TenantID         *uuid.UUID
	Name             string
	Subject          string
	HTMLBody         string
	TextBody         string
	DefaultVariables map[string]string
	Public           bool
	System           bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// VisibleTo reports whether tenantID may send with t: owned, public or system.
func (t Template) VisibleTo(tenantID uuid.UUID) bool {
	if t.System || t.Public {
		return true
	}
	return t.TenantID != nil && *t.TenantID == tenantID
}

var (
	ErrNotFound     = errors.New("template not found")
	ErrInvalidInput = errors.New("invalid template")
)

// Repository abstracts template storage.
type Repository interface {
	// FindVisible returns the template when it exists and is owned by tenantID, public or system.
	FindVisible(ctx context.Context, tenantID uuid.UUID, id string) (Template, error)
	Upsert(ctx context.Context, t Template) error
	ListVisible(ctx context.Context, tenantID uuid.UUID) ([]Template, error)
}

// Service resolves templates for sending.
type Service interface {
	Resolve(ctx context.Context, tenantID uuid.UUID, templateID string) (Template, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]Template, error)
	Save(ctx context.Context, t Template) error
	// SeedSystem installs or refreshes the built-in templates and returns their ids.
	SeedSystem(ctx context.Context) ([]string, error)
}
