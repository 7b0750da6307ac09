package service

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	domain "github.com/KanopusDev/Kale/internal/templates/domain"
)

type service struct {
	repo domain.Repository
	log  zerolog.Logger
}

func New(repo domain.Repository, log zerolog.Logger) domain.Service {
	return &service{repo: repo, log: log}
}

func (s *service) Resolve(ctx context.Context, tenantID uuid.UUID, templateID string) (domain.Template, error) {
	templateID = strings.TrimSpace(templateID)
	if templateID == "" {
		return domain.Template{}, domain.ErrNotFound
	}
	t, err := s.repo.FindVisible(ctx, tenantID, templateID)
	if err != nil {
		return domain.Template{}, err
	}
	if !t.VisibleTo(tenantID) {
		return domain.Template{}, domain.ErrNotFound
	}
	if t.DefaultVariables == nil {
		t.DefaultVariables = map[string]string{}
	}
	return t, nil
}

func (s *service) List(ctx context.Context, tenantID uuid.UUID) ([]domain.Template, error) {
	return s.repo.ListVisible(ctx, tenantID)
}

func (s *service) Save(ctx context.Context, t domain.Template) error {
	t.ID = normalizeID(t.ID)
	if t.ID == "" || strings.TrimSpace(t.Subject) == "" {
		return errors.Join(domain.ErrInvalidInput, errors.New("id and subject are required"))
	}
	if strings.TrimSpace(t.HTMLBody) == "" && strings.TrimSpace(t.TextBody) == "" {
		return errors.Join(domain.ErrInvalidInput, errors.New("a html or text body is required"))
	}
	if t.Name == "" {
		t.Name = t.ID
	}
	return s.repo.Upsert(ctx, t)
}

func (s *service) SeedSystem(ctx context.Context) ([]string, error) {
	list, err := SystemTemplates()
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(list))
	for _, t := range list {
		if err := s.repo.Upsert(ctx, t); err != nil {
			return ids, err
		}
		s.log.Debug().Str("template_id", t.ID).Msg("templates.seed:upserted")
		ids = append(ids, t.ID)
	}
	return ids, nil
}

// normalizeID lowercases and replaces spaces with underscores.
func normalizeID(id string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(id)), " ", "_")
}
