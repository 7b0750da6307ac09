package service

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KanopusDev/Kale/internal/tenants/domain"
)

type mockRepo struct {
	mu      sync.Mutex
	byID    map[uuid.UUID]domain.Tenant
	hashes  map[string]uuid.UUID
	touched int
}

func newMockRepo() *mockRepo {
	return &mockRepo{byID: map[uuid.UUID]domain.Tenant{}, hashes: map[string]uuid.UUID{}}
}

func (m *mockRepo) Create(ctx context.Context, t domain.Tenant, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[t.ID] = t
	m.hashes[hash] = t.ID
	return nil
}

func (m *mockRepo) GetByID(ctx context.Context, id uuid.UUID) (domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return domain.Tenant{}, domain.ErrNotFound
	}
	return t, nil
}

func (m *mockRepo) GetByUsername(ctx context.Context, username string) (domain.Tenant, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.byID {
		if t.Username == username {
			return t, nil
		}
	}
	return domain.Tenant{}, domain.ErrNotFound
}

func (m *mockRepo) GetByAPIKeyHash(ctx context.Context, hash string) (domain.Tenant, error) {
	m.mu.Lock()
	id, ok := m.hashes[hash]
	m.mu.Unlock()
	if !ok {
		return domain.Tenant{}, domain.ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *mockRepo) RotateAPIKey(ctx context.Context, id uuid.UUID, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, tid := range m.hashes {
		if tid == id {
			delete(m.hashes, h)
		}
	}
	m.hashes[hash] = id
	return nil
}

func (m *mockRepo) IncrementSendCounters(ctx context.Context, id uuid.UUID, n int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.byID[id]
	t.TotalEmailsSent += int64(n)
	t.EmailsSentToday += n
	m.byID[id] = t
	return nil
}

func (m *mockRepo) TouchAPICall(ctx context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	m.touched++
	m.mu.Unlock()
	return nil
}

func (m *mockRepo) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.byID[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.Suspended = suspended
	m.byID[id] = t
	return nil
}

func TestCreate_IssuesKeyAndResolves(t *testing.T) {
	repo := newMockRepo()
	s := New(repo)
	ctx := context.Background()

	ten, key, err := s.Create(ctx, "acme", "ops@acme.test", "")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(key, APIKeyPrefix))
	assert.Equal(t, domain.TierUnverified, ten.Tier)

	got, err := s.ResolveByCredential(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, ten.ID, got.ID)

	_, _, err = s.Create(ctx, "acme", "other@acme.test", domain.TierVerified)
	assert.ErrorIs(t, err, domain.ErrExists)
}

func TestResolveByCredential_Rejects(t *testing.T) {
	repo := newMockRepo()
	s := New(repo)
	ctx := context.Background()

	_, err := s.ResolveByCredential(ctx, "")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	_, err = s.ResolveByCredential(ctx, "kale_unknown")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)

	inactive := domain.Tenant{ID: uuid.New(), Username: "gone", Active: false}
	require.NoError(t, repo.Create(ctx, inactive, HashAPIKey("kale_gone")))
	_, err = s.ResolveByCredential(ctx, "kale_gone")
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestRotateAPIKey_InvalidatesOldKey(t *testing.T) {
	repo := newMockRepo()
	s := New(repo)
	ctx := context.Background()

	ten, oldKey, err := s.Create(ctx, "acme", "", domain.TierVerified)
	require.NoError(t, err)
	newKey, err := s.RotateAPIKey(ctx, ten.ID)
	require.NoError(t, err)
	assert.NotEqual(t, oldKey, newKey)

	_, err = s.ResolveByCredential(ctx, oldKey)
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	_, err = s.ResolveByCredential(ctx, newKey)
	assert.NoError(t, err)
}

func TestIncrementSendCounters_SkipsZero(t *testing.T) {
	repo := newMockRepo()
	s := New(repo)
	ctx := context.Background()
	ten, _, err := s.Create(ctx, "acme", "", "")
	require.NoError(t, err)

	require.NoError(t, s.IncrementSendCounters(ctx, ten.ID, 0))
	require.NoError(t, s.IncrementSendCounters(ctx, ten.ID, 3))
	got, err := repo.GetByID(ctx, ten.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.TotalEmailsSent)
	assert.Equal(t, 3, got.EmailsSentToday)
}
