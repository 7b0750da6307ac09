package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KanopusDev/Kale/internal/tenants/domain"
)

func TestRepository_Counters_Integration(t *testing.T) {
	if os.Getenv("DATABASE_URL") == "" {
		t.Skip("skipping integration test: DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, os.Getenv("DATABASE_URL"))
	if err != nil {
		t.Fatalf("failed to connect to db: %v", err)
	}
	defer pool.Close()

	repo := New(pool)

	suffix := uuid.New().String()
	ten := domain.Tenant{ID: uuid.New(), Username: "itest-" + suffix, Email: "itest@example.com", Tier: domain.TierUnverified}
	hash := "itest-hash-" + suffix
	if err := repo.Create(ctx, ten, hash); err != nil {
		t.Fatalf("Create tenant failed: %v", err)
	}
	if err := repo.Create(ctx, domain.Tenant{ID: uuid.New(), Username: ten.Username, Tier: domain.TierUnverified}, hash+"x"); err != domain.ErrExists {
		t.Fatalf("expected ErrExists, got %v", err)
	}

	got, err := repo.GetByAPIKeyHash(ctx, hash)
	if err != nil {
		t.Fatalf("GetByAPIKeyHash failed: %v", err)
	}
	if got.Username != ten.Username || !got.Active {
		t.Fatalf("unexpected tenant %+v", got)
	}

	day1 := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.IncrementSendCounters(ctx, ten.ID, 2, day1); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := repo.IncrementSendCounters(ctx, ten.ID, 3, day1.Add(time.Hour)); err != nil {
		t.Fatalf("increment: %v", err)
	}
	if err := repo.IncrementSendCounters(ctx, ten.ID, 1, day1.Add(24*time.Hour)); err != nil {
		t.Fatalf("increment: %v", err)
	}
	got, err = repo.GetByID(ctx, ten.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if got.TotalEmailsSent != 6 || got.EmailsSentToday != 1 {
		t.Fatalf("expected total=6 today=1, got total=%d today=%d", got.TotalEmailsSent, got.EmailsSentToday)
	}

	if _, err := repo.GetByUsername(ctx, "missing-"+suffix); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
