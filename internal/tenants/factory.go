package tenants

import (
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	ctrl "github.com/KanopusDev/Kale/internal/tenants/controller"
	domain "github.com/KanopusDev/Kale/internal/tenants/domain"
	repo "github.com/KanopusDev/Kale/internal/tenants/repository"
	svc "github.com/KanopusDev/Kale/internal/tenants/service"
)

// Register wires the tenants module, registers HTTP routes and returns the service for
// other modules. readMW runs before authentication on the account route.
func Register(e *echo.Echo, pg *pgxpool.Pool, log zerolog.Logger, readMW ...echo.MiddlewareFunc) domain.Service {
	s := svc.New(repo.New(pg))
	ctrl.New(s, log).Use(readMW...).Register(e)
	return s
}
