package service

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/KanopusDev/Kale/internal/templates/domain"
)

type memRepo struct {
	items map[string]domain.Template
}

func newMemRepo() *memRepo { return &memRepo{items: map[string]domain.Template{}} }

func (m *memRepo) FindVisible(ctx context.Context, tenantID uuid.UUID, id string) (domain.Template, error) {
	t, ok := m.items[id]
	if !ok || !t.VisibleTo(tenantID) {
		return domain.Template{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *memRepo) Upsert(ctx context.Context, t domain.Template) error {
	m.items[t.ID] = t
	return nil
}

func (m *memRepo) ListVisible(ctx context.Context, tenantID uuid.UUID) ([]domain.Template, error) {
	var out []domain.Template
	for _, t := range m.items {
		if t.VisibleTo(tenantID) {
			out = append(out, t)
		}
	}
	return out, nil
}

func TestResolve_Visibility(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, zerolog.Nop())
	ctx := context.Background()
	owner := uuid.New()
	stranger := uuid.New()

	require.NoError(t, s.Save(ctx, domain.Template{ID: "Order Shipped", TenantID: &owner, Subject: "Shipped", HTMLBody: "<p>hi</p>"}))
	require.NoError(t, s.Save(ctx, domain.Template{ID: "shared", TenantID: &owner, Subject: "S", TextBody: "t", Public: true}))

	got, err := s.Resolve(ctx, owner, "order_shipped")
	require.NoError(t, err)
	assert.Equal(t, "Shipped", got.Subject)
	assert.NotNil(t, got.DefaultVariables)

	_, err = s.Resolve(ctx, stranger, "order_shipped")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = s.Resolve(ctx, stranger, "shared")
	assert.NoError(t, err)

	_, err = s.Resolve(ctx, owner, "  ")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSave_RequiresSubjectAndBody(t *testing.T) {
	s := New(newMemRepo(), zerolog.Nop())
	err := s.Save(context.Background(), domain.Template{ID: "x", HTMLBody: "<p/>"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	err = s.Save(context.Background(), domain.Template{ID: "x", Subject: "s"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestSeedSystem_InstallsVisibleTemplates(t *testing.T) {
	repo := newMemRepo()
	s := New(repo, zerolog.Nop())
	ctx := context.Background()

	ids, err := s.SeedSystem(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"welcome_user", "password_reset", "invoice_notification", "newsletter_template"}, ids)

	tpl, err := s.Resolve(ctx, uuid.New(), "password_reset")
	require.NoError(t, err)
	assert.True(t, tpl.System)
	assert.Equal(t, "24", tpl.DefaultVariables["expiry_hours"])
	assert.True(t, strings.Contains(tpl.HTMLBody, "{{reset_url}}"))
	assert.NotEmpty(t, tpl.TextBody)

	inv, err := s.Resolve(ctx, uuid.New(), "invoice_notification")
	require.NoError(t, err)
	assert.Empty(t, inv.TextBody)
}
