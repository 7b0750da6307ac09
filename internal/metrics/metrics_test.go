package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestIncQuotaDecision_DefaultsLabels(t *testing.T) {
	before := testutil.ToFloat64(quotaDecisionsTotal.WithLabelValues("unknown", "none", "allowed"))
	IncQuotaDecision("", "", "allowed")
	after := testutil.ToFloat64(quotaDecisionsTotal.WithLabelValues("unknown", "none", "allowed"))
	if after-before != 1 {
		t.Fatalf("expected counter to grow by 1, got %v", after-before)
	}
}

func TestSetPoolConnections(t *testing.T) {
	SetPoolConnections(3, 2)
	if v := testutil.ToFloat64(poolConnections.WithLabelValues("idle")); v != 3 {
		t.Fatalf("expected idle=3 got %v", v)
	}
	if v := testutil.ToFloat64(poolConnections.WithLabelValues("leased")); v != 2 {
		t.Fatalf("expected leased=2 got %v", v)
	}
}

func TestIncDelivery(t *testing.T) {
	before := testutil.ToFloat64(deliveriesTotal.WithLabelValues("failed", "suppressed"))
	IncDelivery("failed", "suppressed")
	if got := testutil.ToFloat64(deliveriesTotal.WithLabelValues("failed", "suppressed")); got-before != 1 {
		t.Fatalf("expected +1, got %v", got-before)
	}
}

func TestHTTPMiddleware_RecordsHandlerErrorStatus(t *testing.T) {
	e := echo.New()
	e.Use(HTTPMiddleware())
	e.GET("/api/v1/quota", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "down")
	})

	counter := httpRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/quota", "503")
	before := testutil.ToFloat64(counter)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/quota", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if got := testutil.ToFloat64(counter); got-before != 1 {
		t.Fatalf("expected the 503 to be counted once, got delta %v", got-before)
	}
	if v := testutil.ToFloat64(httpInFlight); v != 0 {
		t.Fatalf("in-flight gauge should return to 0, got %v", v)
	}
}

func TestSetDBUp(t *testing.T) {
	SetDBUp(false)
	if v := testutil.ToFloat64(dependencyUp.WithLabelValues(depPostgres)); v != 0 {
		t.Fatalf("expected 0, got %v", v)
	}
	SetDBUp(true)
	if v := testutil.ToFloat64(dependencyUp.WithLabelValues(depPostgres)); v != 1 {
		t.Fatalf("expected 1, got %v", v)
	}
}
