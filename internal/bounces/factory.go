package bounces

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	repo "github.com/KanopusDev/Kale/internal/bounces/repository"
	svc "github.com/KanopusDev/Kale/internal/bounces/service"
)

// New wires the bounce list with its refresh interval.
func New(pg *pgxpool.Pool, refresh time.Duration, log zerolog.Logger) *svc.Service {
	return svc.New(repo.New(pg), refresh, svc.WithLogger(log))
}
