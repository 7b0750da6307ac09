package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	edomain "github.com/KanopusDev/Kale/internal/email/domain"
	"github.com/KanopusDev/Kale/internal/platform/ratelimit"
	"github.com/KanopusDev/Kale/internal/platform/validation"
	"github.com/KanopusDev/Kale/internal/quota"
	tctrl "github.com/KanopusDev/Kale/internal/tenants/controller"
	tdomain "github.com/KanopusDev/Kale/internal/tenants/domain"
)

// maxBodyBytes bounds a send request body.
const maxBodyBytes = 2 << 20

type Controller struct {
	svc     edomain.Service
	tenants tdomain.Service
	log     zerolog.Logger
	readMW  []echo.MiddlewareFunc
}

func New(svc edomain.Service, tenants tdomain.Service, log zerolog.Logger) *Controller {
	return &Controller{svc: svc, tenants: tenants, log: log}
}

// Use adds middleware for the read-only quota route. The send route enforces its own
// admission inside the pipeline.
func (h *Controller) Use(mw ...echo.MiddlewareFunc) *Controller {
	h.readMW = append(h.readMW, mw...)
	return h
}

func (h *Controller) Register(e *echo.Echo) {
	g := e.Group("/api/v1")
	h.RegisterV1(g)
}

func (h *Controller) RegisterV1(g *echo.Group) {
	g.POST("/email/:username/:template_id", h.send)
	mw := append(append([]echo.MiddlewareFunc{}, h.readMW...), tctrl.Authenticate(h.tenants))
	g.GET("/quota", h.quotaStatus, mw...)
}

// sendBody accepts every payload shape clients have used: recipients as a string or a list
// under several names, and variables under "variables" or "data".
type sendBody struct {
	Recipients json.RawMessage `json:"recipients"`
	To         json.RawMessage `json:"to"`
	Recipient  json.RawMessage `json:"recipient"`
	Emails     json.RawMessage `json:"emails"`
	Variables  map[string]any  `json:"variables"`
	Data       map[string]any  `json:"data"`
}

func (b sendBody) recipients() ([]string, error) {
	for _, raw := range []json.RawMessage{b.Recipients, b.To, b.Recipient, b.Emails} {
		if len(raw) == 0 || string(raw) == "null" {
			continue
		}
		var list []string
		if err := json.Unmarshal(raw, &list); err == nil {
			return list, nil
		}
		var one string
		if err := json.Unmarshal(raw, &one); err != nil {
			return nil, errors.New("recipients must be a string or a list of strings")
		}
		return strings.Split(one, ","), nil
	}
	return nil, nil
}

func (b sendBody) variables() map[string]string {
	src := b.Variables
	if len(src) == 0 {
		src = b.Data
	}
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		switch tv := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = tv
		case float64:
			out[k] = strconv.FormatFloat(tv, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(tv)
		default:
			enc, err := json.Marshal(tv)
			if err != nil {
				out[k] = fmt.Sprint(tv)
				continue
			}
			out[k] = string(enc)
		}
	}
	return out
}

type sendResp struct {
	Message string `json:"message"`
	edomain.Result
}

func (h *Controller) send(c echo.Context) error {
	var body sendBody
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxBodyBytes+1))
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unreadable body"})
	}
	if len(raw) > maxBodyBytes {
		return c.JSON(http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
	}
	if len(strings.TrimSpace(string(raw))) > 0 {
		if err := json.Unmarshal(raw, &body); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid json body"})
		}
	}
	recipients, err := body.recipients()
	if err != nil {
		return c.JSON(http.StatusBadRequest, validation.FieldErrors(validation.Fields{}.Add("recipients", err.Error())))
	}

	req := edomain.SendRequest{
		Username:       c.Param("username"),
		TemplateID:     c.Param("template_id"),
		APIKey:         tctrl.APIKey(c),
		Recipients:     recipients,
		Variables:      body.variables(),
		ClientIP:       c.RealIP(),
		UserAgent:      c.Request().UserAgent(),
		IdempotencyKey: c.Request().Header.Get("Idempotency-Key"),
	}
	if req.APIKey == "" {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "api key required"})
	}

	res, err := h.svc.Send(c.Request().Context(), req)
	if err != nil {
		return h.writeError(c, err)
	}
	if res.Replayed {
		c.Response().Header().Set("Idempotent-Replayed", "true")
	}
	return c.JSON(http.StatusOK, sendResp{Message: summary(res), Result: res})
}

func summary(r edomain.Result) string {
	switch {
	case r.Failed == 0 && r.Skipped == 0:
		return "all emails sent"
	case r.Successful == 0:
		return "no emails sent"
	default:
		return "emails partially sent"
	}
}

func (h *Controller) writeError(c echo.Context, err error) error {
	var de *edomain.Error
	if !errors.As(err, &de) {
		h.log.Error().Err(err).Str("path", c.Path()).Msg("email.http:internal_error")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
	switch de.Kind {
	case edomain.KindUnauthorized:
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": de.Message})
	case edomain.KindForbidden:
		return c.JSON(http.StatusForbidden, map[string]string{"error": de.Message})
	case edomain.KindValidation:
		return c.JSON(http.StatusBadRequest, validation.FieldErrors(de.Fields))
	case edomain.KindNotFound:
		return c.JSON(http.StatusNotFound, map[string]string{"error": de.Message})
	case edomain.KindBadConfiguration:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": de.Message})
	case edomain.KindConflict:
		return c.JSON(http.StatusConflict, map[string]string{"error": de.Message})
	case edomain.KindQuotaExceeded:
		ratelimit.WriteHeaders(c, quota.Decision{
			Window:     quota.Window(de.Window),
			Limit:      de.Limit,
			ResetAt:    de.ResetAt,
			RetryAfter: de.RetryAfter,
		})
		return c.JSON(http.StatusTooManyRequests, map[string]any{
			"error":       de.Message,
			"resource":    de.Resource,
			"window":      de.Window,
			"limit":       de.Limit,
			"retry_after": int(de.RetryAfter.Seconds()),
		})
	}
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "internal error"})
}

func (h *Controller) quotaStatus(c echo.Context) error {
	t, ok := tctrl.TenantFrom(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
	}
	snap, err := h.svc.QuotaStatus(c.Request().Context(), t.ID, string(t.Tier))
	if err != nil {
		h.log.Error().Err(err).Str("tenant_id", t.ID.String()).Msg("email.http:quota_status_failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "quota status unavailable"})
	}
	return c.JSON(http.StatusOK, snap)
}
