package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/KanopusDev/Kale/internal/deliveries/domain"
)

type PGRepository struct{ pg *pgxpool.Pool }

func New(pg *pgxpool.Pool) *PGRepository { return &PGRepository{pg: pg} }

var _ domain.Repository = (*PGRepository)(nil)

func (r *PGRepository) Insert(ctx context.Context, a domain.Attempt) error {
	_, err := r.pg.Exec(ctx, `
		INSERT INTO email_logs (id, request_id, tenant_id, template_id, recipient, subject, status, error_class, error_message, relay_host, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		a.ID, a.RequestID, a.TenantID, a.TemplateID, a.Recipient, a.Subject, string(a.Status), a.ErrorClass, a.ErrorMessage, a.RelayHost, a.CreatedAt)
	return err
}

func (r *PGRepository) CountSent(ctx context.Context, tenantID uuid.UUID, from, to time.Time) (int64, error) {
	var n int64
	err := r.pg.QueryRow(ctx, `
		SELECT count(*) FROM email_logs
		WHERE tenant_id = $1 AND status = 'sent' AND created_at >= $2 AND created_at < $3`,
		tenantID, from, to).Scan(&n)
	return n, err
}
