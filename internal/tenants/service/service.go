package service

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	domain "github.com/KanopusDev/Kale/internal/tenants/domain"
)

// APIKeyPrefix marks keys issued by this service.
const APIKeyPrefix = "kale_"

type service struct {
	repo domain.Repository
	now  func() time.Time
}

func New(repo domain.Repository) domain.Service {
	return &service{repo: repo, now: time.Now}
}

// HashAPIKey is the lookup digest stored instead of the key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func newAPIKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return APIKeyPrefix + hex.EncodeToString(b), nil
}

func (s *service) Create(ctx context.Context, username, email string, tier domain.Tier) (domain.Tenant, string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return domain.Tenant{}, "", errors.New("tenant username is required")
	}
	if _, err := s.repo.GetByUsername(ctx, username); err == nil {
		return domain.Tenant{}, "", domain.ErrExists
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Tenant{}, "", err
	}
	if tier == "" {
		tier = domain.TierUnverified
	}
	key, err := newAPIKey()
	if err != nil {
		return domain.Tenant{}, "", err
	}
	t := domain.Tenant{ID: uuid.New(), Username: username, Email: strings.TrimSpace(email), Tier: tier, Active: true}
	if err := s.repo.Create(ctx, t, HashAPIKey(key)); err != nil {
		return domain.Tenant{}, "", err
	}
	created, err := s.repo.GetByID(ctx, t.ID)
	if err != nil {
		return domain.Tenant{}, "", err
	}
	return created, key, nil
}

// ResolveByCredential maps an API key to an active tenant. Unknown keys and inactive tenants
// both return ErrInvalidCredential.
func (s *service) ResolveByCredential(ctx context.Context, apiKey string) (domain.Tenant, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return domain.Tenant{}, domain.ErrInvalidCredential
	}
	t, err := s.repo.GetByAPIKeyHash(ctx, HashAPIKey(apiKey))
	if errors.Is(err, domain.ErrNotFound) {
		return domain.Tenant{}, domain.ErrInvalidCredential
	}
	if err != nil {
		return domain.Tenant{}, err
	}
	if !t.Active {
		return domain.Tenant{}, domain.ErrInvalidCredential
	}
	return t, nil
}

func (s *service) GetByUsername(ctx context.Context, username string) (domain.Tenant, error) {
	return s.repo.GetByUsername(ctx, username)
}

func (s *service) RotateAPIKey(ctx context.Context, id uuid.UUID) (string, error) {
	key, err := newAPIKey()
	if err != nil {
		return "", err
	}
	if err := s.repo.RotateAPIKey(ctx, id, HashAPIKey(key)); err != nil {
		return "", err
	}
	return key, nil
}

func (s *service) IncrementSendCounters(ctx context.Context, id uuid.UUID, n int) error {
	if n <= 0 {
		return nil
	}
	return s.repo.IncrementSendCounters(ctx, id, n, s.now())
}

func (s *service) TouchAPICall(ctx context.Context, id uuid.UUID) error {
	return s.repo.TouchAPICall(ctx, id, s.now())
}

func (s *service) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	return s.repo.SetSuspended(ctx, id, suspended)
}
