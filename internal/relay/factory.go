package relay

import (
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/KanopusDev/Kale/internal/platform/secrets"
	"github.com/KanopusDev/Kale/internal/relay/pool"
	repo "github.com/KanopusDev/Kale/internal/relay/repository"
	svc "github.com/KanopusDev/Kale/internal/relay/service"
)

// New wires relay credential storage; dialer is used for connection tests.
func New(pg *pgxpool.Pool, box *secrets.Box, dialer pool.Dialer) *svc.Service {
	return svc.New(repo.New(pg), box, dialer)
}
