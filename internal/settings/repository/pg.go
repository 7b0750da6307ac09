package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	sdomain "github.com/KanopusDev/Kale/internal/settings/domain"
)

type PGRepository struct{ pg *pgxpool.Pool }

func New(pg *pgxpool.Pool) *PGRepository { return &PGRepository{pg: pg} }

var _ sdomain.Repository = (*PGRepository)(nil)

func (r *PGRepository) Get(ctx context.Context, key string, tenantID *uuid.UUID) (string, bool, error) {
	var value string
	if tenantID != nil {
		err := r.pg.QueryRow(ctx, `SELECT value FROM app_settings WHERE tenant_id = $1 AND key = $2`, *tenantID, key).Scan(&value)
		if err == nil {
			return value, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return "", false, err
		}
	}
	err := r.pg.QueryRow(ctx, `SELECT value FROM app_settings WHERE tenant_id IS NULL AND key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

func (r *PGRepository) Upsert(ctx context.Context, key string, tenantID *uuid.UUID, value string, secret bool) error {
	if tenantID == nil {
		_, err := r.pg.Exec(ctx, `
			INSERT INTO app_settings (id, tenant_id, key, value, is_secret)
			VALUES ($1, NULL, $2, $3, $4)
			ON CONFLICT (key) WHERE tenant_id IS NULL
			DO UPDATE SET value = EXCLUDED.value, is_secret = EXCLUDED.is_secret, updated_at = now()`,
			uuid.New(), key, value, secret)
		return err
	}
	_, err := r.pg.Exec(ctx, `
		INSERT INTO app_settings (id, tenant_id, key, value, is_secret)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, key) WHERE tenant_id IS NOT NULL
		DO UPDATE SET value = EXCLUDED.value, is_secret = EXCLUDED.is_secret, updated_at = now()`,
		uuid.New(), *tenantID, key, value, secret)
	return err
}
