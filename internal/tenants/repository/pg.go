package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/KanopusDev/Kale/internal/tenants/domain"
)

type PGRepository struct {
	pg *pgxpool.Pool
}

func New(pg *pgxpool.Pool) *PGRepository {
	return &PGRepository{pg: pg}
}

var _ domain.Repository = (*PGRepository)(nil)

const tenantColumns = `id, username, email, tier, is_active, is_suspended, total_emails_sent, emails_sent_today, counters_date, last_api_call, created_at, updated_at`

func scanTenant(row pgx.Row) (domain.Tenant, error) {
	var (
		t    domain.Tenant
		tier string
	)
	err := row.Scan(&t.ID, &t.Username, &t.Email, &tier, &t.Active, &t.Suspended, &t.TotalEmailsSent, &t.EmailsSentToday, &t.CountersDate, &t.LastAPICall, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Tenant{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Tenant{}, err
	}
	t.Tier = domain.Tier(tier)
	return t, nil
}

func (r *PGRepository) Create(ctx context.Context, t domain.Tenant, apiKeyHash string) error {
	_, err := r.pg.Exec(ctx, `
		INSERT INTO tenants (id, username, email, api_key_hash, tier, is_active)
		VALUES ($1, $2, $3, $4, $5, TRUE)`,
		t.ID, t.Username, t.Email, apiKeyHash, string(t.Tier))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return domain.ErrExists
	}
	return err
}

func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (domain.Tenant, error) {
	return scanTenant(r.pg.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
}

func (r *PGRepository) GetByUsername(ctx context.Context, username string) (domain.Tenant, error) {
	return scanTenant(r.pg.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE username = $1`, username))
}

func (r *PGRepository) GetByAPIKeyHash(ctx context.Context, hash string) (domain.Tenant, error) {
	return scanTenant(r.pg.QueryRow(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE api_key_hash = $1`, hash))
}

func (r *PGRepository) RotateAPIKey(ctx context.Context, id uuid.UUID, hash string) error {
	tag, err := r.pg.Exec(ctx, `UPDATE tenants SET api_key_hash = $2, updated_at = now() WHERE id = $1`, id, hash)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// IncrementSendCounters adds n to the running totals, restarting the daily counter when the UTC date changed.
func (r *PGRepository) IncrementSendCounters(ctx context.Context, id uuid.UUID, n int, at time.Time) error {
	_, err := r.pg.Exec(ctx, `
		UPDATE tenants SET
			total_emails_sent = total_emails_sent + $2,
			emails_sent_today = CASE WHEN counters_date = $3::date THEN emails_sent_today + $2 ELSE $2 END,
			counters_date = $3::date,
			updated_at = now()
		WHERE id = $1`, id, n, at.UTC().Format("2006-01-02"))
	return err
}

func (r *PGRepository) TouchAPICall(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.pg.Exec(ctx, `UPDATE tenants SET last_api_call = $2 WHERE id = $1`, id, at)
	return err
}

func (r *PGRepository) SetSuspended(ctx context.Context, id uuid.UUID, suspended bool) error {
	tag, err := r.pg.Exec(ctx, `UPDATE tenants SET is_suspended = $2, updated_at = now() WHERE id = $1`, id, suspended)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}
