package repository

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	domain "github.com/KanopusDev/Kale/internal/bounces/domain"
)

type PGRepository struct{ pg *pgxpool.Pool }

func New(pg *pgxpool.Pool) *PGRepository { return &PGRepository{pg: pg} }

var _ domain.Repository = (*PGRepository)(nil)

func (r *PGRepository) HardSince(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.pg.Query(ctx, `
		SELECT DISTINCT lower(email) FROM email_bounces
		WHERE bounce_type = 'hard' AND created_at >= $1`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var e string
		if err := rows.Scan(&e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *PGRepository) Insert(ctx context.Context, b domain.Bounce) error {
	_, err := r.pg.Exec(ctx, `
		INSERT INTO email_bounces (id, email, bounce_type, reason)
		VALUES ($1, $2, $3, $4)`,
		uuid.New(), strings.ToLower(strings.TrimSpace(b.Email)), string(b.Type), b.Reason)
	return err
}
