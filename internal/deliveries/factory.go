package deliveries

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	domain "github.com/KanopusDev/Kale/internal/deliveries/domain"
	repo "github.com/KanopusDev/Kale/internal/deliveries/repository"
	svc "github.com/KanopusDev/Kale/internal/deliveries/service"
	evdomain "github.com/KanopusDev/Kale/internal/events/domain"
)

// New wires the delivery log.
func New(pg *pgxpool.Pool, pub evdomain.Publisher, log zerolog.Logger) domain.Service {
	return svc.New(repo.New(pg), pub, log)
}
