package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/KanopusDev/Kale/internal/templates/domain"
)

type PGRepository struct{ pg *pgxpool.Pool }

func New(pg *pgxpool.Pool) *PGRepository { return &PGRepository{pg: pg} }

var _ domain.Repository = (*PGRepository)(nil)

const templateColumns = `id, tenant_id, name, subject, html_body, text_body, default_variables, is_public, is_system, created_at, updated_at`

func scanTemplate(row pgx.Row) (domain.Template, error) {
	var (
		t    domain.Template
		defs map[string]any
	)
	err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Subject, &t.HTMLBody, &t.TextBody, &defs, &t.Public, &t.System, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Template{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Template{}, err
	}
	t.DefaultVariables = stringify(defs)
	return t, nil
}

// stringify flattens JSON default values; numbers and booleans keep their JSON text.
func stringify(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch x := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = x
		default:
			out[k] = fmt.Sprint(x)
		}
	}
	return out
}

func (r *PGRepository) FindVisible(ctx context.Context, tenantID uuid.UUID, id string) (domain.Template, error) {
	return scanTemplate(r.pg.QueryRow(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE id = $1 AND (tenant_id = $2 OR is_public OR is_system)`, id, tenantID))
}

func (r *PGRepository) ListVisible(ctx context.Context, tenantID uuid.UUID) ([]domain.Template, error) {
	rows, err := r.pg.Query(ctx, `
		SELECT `+templateColumns+` FROM templates
		WHERE tenant_id = $1 OR is_public OR is_system
		ORDER BY is_system DESC, created_at DESC`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PGRepository) Upsert(ctx context.Context, t domain.Template) error {
	defs := t.DefaultVariables
	if defs == nil {
		defs = map[string]string{}
	}
	_, err := r.pg.Exec(ctx, `
		INSERT INTO templates (id, tenant_id, name, subject, html_body, text_body, default_variables, is_public, is_system)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			subject = EXCLUDED.subject,
			html_body = EXCLUDED.html_body,
			text_body = EXCLUDED.text_body,
			default_variables = EXCLUDED.default_variables,
			is_public = EXCLUDED.is_public,
			is_system = EXCLUDED.is_system,
			updated_at = now()`,
		t.ID, t.TenantID, t.Name, t.Subject, t.HTMLBody, t.TextBody, defs, t.Public, t.System)
	return err
}
