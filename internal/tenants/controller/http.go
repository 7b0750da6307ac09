package controller

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	domain "github.com/KanopusDev/Kale/internal/tenants/domain"
)

const tenantContextKey = "kale.tenant"

type Controller struct {
	svc    domain.Service
	log    zerolog.Logger
	readMW []echo.MiddlewareFunc
}

func New(svc domain.Service, log zerolog.Logger) *Controller {
	return &Controller{svc: svc, log: log}
}

// Use adds middleware that runs ahead of authentication on every read route.
func (h *Controller) Use(mw ...echo.MiddlewareFunc) *Controller {
	h.readMW = append(h.readMW, mw...)
	return h
}

func (h *Controller) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	h.RegisterV1(g)
}

func (h *Controller) RegisterV1(g *echo.Group) {
	mw := append(append([]echo.MiddlewareFunc{}, h.readMW...), Authenticate(h.svc))
	g.GET("/account", h.getAccount, mw...)
}

// APIKey extracts the caller's key from the X-API-Key header or the api_key query parameter.
func APIKey(c echo.Context) string {
	if k := strings.TrimSpace(c.Request().Header.Get("X-API-Key")); k != "" {
		return k
	}
	return strings.TrimSpace(c.QueryParam("api_key"))
}

// Authenticate resolves the API key to a tenant and stores it on the echo context.
func Authenticate(svc domain.Service) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := APIKey(c)
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "api key required"})
			}
			t, err := svc.ResolveByCredential(c.Request().Context(), key)
			if errors.Is(err, domain.ErrInvalidCredential) {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "authentication unavailable"})
			}
			c.Set(tenantContextKey, t)
			return next(c)
		}
	}
}

// TenantFrom returns the tenant stored by Authenticate.
func TenantFrom(c echo.Context) (domain.Tenant, bool) {
	t, ok := c.Get(tenantContextKey).(domain.Tenant)
	return t, ok
}

type accountResp struct {
	ID              string `json:"id"`
	Username        string `json:"username"`
	Email           string `json:"email"`
	Tier            string `json:"tier"`
	IsSuspended     bool   `json:"is_suspended"`
	TotalEmailsSent int64  `json:"total_emails_sent"`
	EmailsSentToday int    `json:"emails_sent_today"`
	LastAPICall     string `json:"last_api_call,omitempty"`
	CreatedAt       string `json:"created_at,omitempty"`
}

func (h *Controller) getAccount(c echo.Context) error {
	t, ok := TenantFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	sentToday := t.EmailsSentToday
	if !sameDay(t.CountersDate, time.Now()) {
		sentToday = 0
	}
	resp := accountResp{
		ID:              t.ID.String(),
		Username:        t.Username,
		Email:           t.Email,
		Tier:            string(t.Tier),
		IsSuspended:     t.Suspended,
		TotalEmailsSent: t.TotalEmailsSent,
		EmailsSentToday: sentToday,
	}
	if t.LastAPICall != nil {
		resp.LastAPICall = t.LastAPICall.UTC().Format(time.RFC3339)
	}
	if !t.CreatedAt.IsZero() {
		resp.CreatedAt = t.CreatedAt.UTC().Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
