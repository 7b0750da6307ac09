package service

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	sdomain "github.com/KanopusDev/Kale/internal/settings/domain"
)

type Service struct{ repo sdomain.Repository }

func New(repo sdomain.Repository) *Service { return &Service{repo: repo} }

var _ sdomain.Service = (*Service)(nil)

func (s *Service) lookup(ctx context.Context, key string, tenantID *uuid.UUID) (string, bool, error) {
	v, ok, err := s.repo.Get(ctx, key, tenantID)
	if err != nil || !ok {
		return "", false, err
	}
	v = strings.TrimSpace(v)
	if v == "" {
		return "", false, nil
	}
	return v, true, nil
}

func (s *Service) GetString(ctx context.Context, key string, tenantID *uuid.UUID, def string) (string, error) {
	v, ok, err := s.lookup(ctx, key, tenantID)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

func (s *Service) GetDuration(ctx context.Context, key string, tenantID *uuid.UUID, def time.Duration) (time.Duration, error) {
	v, ok, err := s.lookup(ctx, key, tenantID)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, nil
	}
	return d, nil
}

func (s *Service) GetInt(ctx context.Context, key string, tenantID *uuid.UUID, def int) (int, error) {
	n, err := s.GetInt64(ctx, key, tenantID, int64(def))
	return int(n), err
}

func (s *Service) GetInt64(ctx context.Context, key string, tenantID *uuid.UUID, def int64) (int64, error) {
	v, ok, err := s.lookup(ctx, key, tenantID)
	if err != nil {
		return def, err
	}
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def, nil
	}
	return n, nil
}

func (s *Service) Set(ctx context.Context, key string, tenantID *uuid.UUID, value string) error {
	return s.repo.Upsert(ctx, key, tenantID, strings.TrimSpace(value), false)
}
