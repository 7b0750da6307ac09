package settings

import (
	"github.com/jackc/pgx/v5/pgxpool"

	sdomain "github.com/KanopusDev/Kale/internal/settings/domain"
	repo "github.com/KanopusDev/Kale/internal/settings/repository"
	svc "github.com/KanopusDev/Kale/internal/settings/service"
)

// New wires the settings module. Settings have no HTTP surface; operators change them with
// cmd/seed.
func New(pg *pgxpool.Pool) sdomain.Service {
	return svc.New(repo.New(pg))
}
