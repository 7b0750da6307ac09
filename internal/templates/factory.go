package templates

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	domain "github.com/KanopusDev/Kale/internal/templates/domain"
	repo "github.com/KanopusDev/Kale/internal/templates/repository"
	svc "github.com/KanopusDev/Kale/internal/templates/service"
)

// New wires the templates module.
func New(pg *pgxpool.Pool, log zerolog.Logger) domain.Service {
	return svc.New(repo.New(pg), log)
}
