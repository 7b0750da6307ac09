package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/KanopusDev/Kale/internal/metrics"
	"github.com/KanopusDev/Kale/internal/quota"
)

// Policy limits one endpoint group over one or more calendar windows.
type Policy struct {
	// Name is a short identifier for the limited endpoint, used for logging/metrics (e.g. "quota:status").
	Name     string
	Resource quota.Resource
	Limits   []quota.Limit
	// Key builds the subject for this request; nil shares one "global" counter.
	Key func(echo.Context) string
}

// Middleware enforces p through the shared quota controller.
// Store errors follow the controller's fail-open policy.
func Middleware(p Policy, ctl *quota.Controller) echo.MiddlewareFunc {
	if p.Resource == "" {
		p.Resource = quota.ResourceIP
	}
	if len(p.Limits) == 0 {
		p.Limits = []quota.Limit{{Window: quota.Minute, Max: 60}}
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := "global"
			if p.Key != nil {
				key = p.Key(c)
			}
			d, err := ctl.CheckAndReserve(c.Request().Context(), p.Resource, key, p.Limits, 1)
			if err != nil {
				return next(c)
			}
			WriteHeaders(c, d)
			if d.Allowed {
				return next(c)
			}
			src := "ip"
			if strings.HasPrefix(key, "ten:") {
				src = "tenant"
			}
			metrics.IncRateLimitExceeded(p.Name, src)
			c.Logger().Warnf("rate limit exceeded: endpoint=%s key=%s limit=%d window=%s retry_after=%s", p.Name, key, d.Limit, d.Window, d.RetryAfter)
			return c.JSON(http.StatusTooManyRequests, map[string]any{
				"error":       "rate limit exceeded",
				"window":      d.Window,
				"retry_after": int(d.RetryAfter.Seconds()),
			})
		}
	}
}

// WriteHeaders sets X-RateLimit-* headers, plus Retry-After on denial.
func WriteHeaders(c echo.Context, d quota.Decision) {
	h := c.Response().Header()
	if d.Limit == quota.Unlimited || d.Window == "" {
		return
	}
	h.Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	h.Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.ResetAt.IsZero() {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if !d.Allowed && d.RetryAfter > 0 {
		h.Set("Retry-After", strconv.Itoa(int(d.RetryAfter.Seconds())))
	}
}

// KeyIP keys on the caller's address.
func KeyIP(c echo.Context) string {
	return "ip:" + c.RealIP()
}

// KeyAPIKeyOrIP keys on a digest of the X-API-Key header when present, otherwise the caller's IP.
// The raw key never reaches the counter store.
func KeyAPIKeyOrIP(c echo.Context) string {
	k := c.Request().Header.Get("X-API-Key")
	if k == "" {
		k = c.QueryParam("api_key")
	}
	if k == "" {
		return KeyIP(c)
	}
	sum := sha256.Sum256([]byte(k))
	return "ten:" + hex.EncodeToString(sum[:8])
}
