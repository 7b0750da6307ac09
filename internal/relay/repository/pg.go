package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	rdomain "github.com/KanopusDev/Kale/internal/relay/domain"
)

type PGRepository struct {
	pg *pgxpool.Pool
}

func New(pg *pgxpool.Pool) *PGRepository { return &PGRepository{pg: pg} }

var _ rdomain.Repository = (*PGRepository)(nil)

const credentialColumns = `id, tenant_id, host, port, mode, username, secret, from_address, from_name, is_active, created_at`

func scanCredential(row pgx.Row) (rdomain.Credential, error) {
	var (
		c    rdomain.Credential
		mode string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &c.Host, &c.Port, &mode, &c.Username, &c.Password, &c.FromAddress, &c.FromName, &c.Active, &c.CreatedAt); err != nil {
		return rdomain.Credential{}, err
	}
	c.Mode = rdomain.Mode(mode)
	return c, nil
}

// Create deactivates the tenant's existing credentials and inserts c as active, in one transaction.
func (r *PGRepository) Create(ctx context.Context, c rdomain.Credential) error {
	tx, err := r.pg.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `UPDATE relay_credentials SET is_active = FALSE WHERE tenant_id = $1 AND is_active`, c.TenantID); err != nil {
		return fmt.Errorf("deactivate relay credentials: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO relay_credentials (id, tenant_id, host, port, mode, username, secret, from_address, from_name, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)`,
		c.ID, c.TenantID, c.Host, c.Port, string(c.Mode), c.Username, c.Password, c.FromAddress, c.FromName,
	); err != nil {
		return fmt.Errorf("insert relay credential: %w", err)
	}
	return tx.Commit(ctx)
}

func (r *PGRepository) GetActive(ctx context.Context, tenantID uuid.UUID) (rdomain.Credential, error) {
	row := r.pg.QueryRow(ctx, `SELECT `+credentialColumns+` FROM relay_credentials WHERE tenant_id = $1 AND is_active LIMIT 1`, tenantID)
	c, err := scanCredential(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return rdomain.Credential{}, rdomain.ErrNoActive
	}
	return c, err
}

func (r *PGRepository) List(ctx context.Context, tenantID uuid.UUID) ([]rdomain.Credential, error) {
	rows, err := r.pg.Query(ctx, `SELECT `+credentialColumns+` FROM relay_credentials WHERE tenant_id = $1 ORDER BY created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []rdomain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PGRepository) Deactivate(ctx context.Context, tenantID, id uuid.UUID) error {
	tag, err := r.pg.Exec(ctx, `UPDATE relay_credentials SET is_active = FALSE WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return rdomain.ErrNotFound
	}
	return nil
}
