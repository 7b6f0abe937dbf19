package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/labvial/api/internal/domain"
)

type stubHealthRepository struct {
	report domain.SystemHealthReport
	err    error
}

func (s *stubHealthRepository) Collect(context.Context) (domain.SystemHealthReport, error) {
	return s.report, s.err
}

func TestNewRouter_HealthEndpoints(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := started
	health := NewHealthHandlers(
		WithHealthClock(func() time.Time { return now }),
		WithHealthVersion("1.2.3"),
		WithHealthRepository(&stubHealthRepository{report: domain.SystemHealthReport{
			Status: domain.HealthStatusDegraded,
			Checks: map[string]domain.SystemHealthCheck{
				"postgres":  {Status: domain.HealthStatusOK, Latency: 3 * time.Millisecond},
				"firestore": {Status: domain.HealthStatusDegraded, Error: "slow"},
			},
			GeneratedAt: started,
		}}),
	)
	now = started.Add(90 * time.Second)
	router := NewRouter(WithHealthHandlers(health))

	t.Run("healthz", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body["uptime"] != "1m30s" || body["version"] != "1.2.3" {
			t.Fatalf("unexpected body %v", body)
		}
	})

	t.Run("readyz degraded still ready", func(t *testing.T) {
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rr.Code)
		}
		var body struct {
			Status string                  `json:"status"`
			Checks map[string]checkPayload `json:"checks"`
		}
		if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != domain.HealthStatusDegraded || body.Checks["postgres"].LatencyMS != 3 || body.Checks["firestore"].Error != "slow" {
			t.Fatalf("unexpected body %+v", body)
		}
	})
}

func TestNewRouter_ReadyzFailsOnError(t *testing.T) {
	health := NewHealthHandlers(WithHealthRepository(&stubHealthRepository{report: domain.SystemHealthReport{
		Status: domain.HealthStatusError,
		Checks: map[string]domain.SystemHealthCheck{"postgres": {Status: domain.HealthStatusError, Detail: "timeout"}},
	}}))
	router := NewRouter(WithHealthHandlers(health))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
}

func TestNewRouter_UnconfiguredGroupsAndUnknownRoutes(t *testing.T) {
	router := NewRouter()

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/checkout/orders", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501 for unconfigured checkout, got %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if decodeError(t, rr).Error != errorNotFoundCode {
		t.Fatalf("unexpected body %s", rr.Body.String())
	}
	if rr.Header().Get("Content-Type") != "application/json" {
		t.Fatalf("expected json error envelope")
	}
}

func TestNewRouter_MountsRegistrars(t *testing.T) {
	mounted := false
	router := NewRouter(WithCartRoutes(func(r chi.Router) {
		r.Post("/validate", func(w http.ResponseWriter, _ *http.Request) {
			mounted = true
			w.WriteHeader(http.StatusNoContent)
		})
	}))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/api/v1/cart/validate", nil))
	if rr.Code != http.StatusNoContent || !mounted {
		t.Fatalf("expected cart registrar mounted, got %d", rr.Code)
	}
}
