package repository

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/KanopusDev/Kale/internal/templates/domain"
)

func TestRepository_SystemTemplateVisible_Integration(t *testing.T) {
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

	id := "itest_" + uuid.NewString()
	tpl := domain.Template{
		ID: id, Name: id, Subject: "Hello {{name}}", HTMLBody: "<p>{{name}}</p>",
		DefaultVariables: map[string]string{"name": "friend"}, System: true,
	}
	if err := repo.Upsert(ctx, tpl); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	got, err := repo.FindVisible(ctx, uuid.New(), id)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if got.DefaultVariables["name"] != "friend" || got.TenantID != nil {
		t.Fatalf("unexpected template %+v", got)
	}
	if _, err := repo.FindVisible(ctx, uuid.New(), "missing-"+id); err != domain.ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
