package email

import (
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	ctrl "github.com/KanopusDev/Kale/internal/email/controller"
	domain "github.com/KanopusDev/Kale/internal/email/domain"
	svc "github.com/KanopusDev/Kale/internal/email/service"
)

// Register builds the send pipeline from deps, registers its HTTP routes and returns it.
// readMW guards the quota status route.
func Register(e *echo.Echo, deps svc.Deps, opts svc.Options, log zerolog.Logger, readMW ...echo.MiddlewareFunc) domain.Service {
	s := svc.New(deps, opts)
	ctrl.New(s, deps.Tenants, log).Use(readMW...).Register(e)
	return s
}

