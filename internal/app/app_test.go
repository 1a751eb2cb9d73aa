package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/salesprofit/internal/observability"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.AppAddr)
	assert.Equal(t, 5*time.Minute, cfg.Profit.OrderCacheTTL)
	assert.Equal(t, 15*time.Minute, cfg.Profit.ReportCacheTTL)
	assert.Equal(t, 30*time.Minute, cfg.Profit.DefaultsCacheTTL)
	assert.Equal(t, 1000, cfg.Profit.CacheMaxEntries)
	assert.Equal(t, 0.60, cfg.Profit.FallbackProductRatio)
	assert.Equal(t, 30, cfg.Profit.ReportRateLimit)
	assert.Empty(t, cfg.Profit.NightlyTenants)
	assert.Equal(t, 10*time.Second, cfg.Profit.CalcTimeout)
	assert.EqualValues(t, 10, cfg.PoolOptions().MaxConns)
	assert.Equal(t, 5*time.Second, cfg.PoolOptions().ConnectTimeout)
	assert.False(t, cfg.IsProduction())
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("PROFIT_ORDER_CACHE_TTL", "90s")
	t.Setenv("PROFIT_NIGHTLY_TENANTS", "t1,t2")
	t.Setenv("PROFIT_FALLBACK_LEAD_COST", "12.5")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, 90*time.Second, cfg.Profit.OrderCacheTTL)
	assert.Equal(t, []string{"t1", "t2"}, cfg.Profit.NightlyTenants)

	policy := cfg.Profit.FallbackPolicy()
	assert.Equal(t, 12.5, policy.LeadCost)
	assert.Equal(t, 0.05, policy.LeadRatio)
}

func TestLoadConfigRejectsInvalidHeuristics(t *testing.T) {
	t.Setenv("PROFIT_FALLBACK_PRODUCT_RATIO", "1.5")
	_, err := LoadConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "product ratio")

	t.Setenv("PROFIT_FALLBACK_PRODUCT_RATIO", "0.5")
	t.Setenv("PROFIT_FALLBACK_PRINTING", "-1")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "fallback printing")

	t.Setenv("PROFIT_FALLBACK_PRINTING", "2")
	t.Setenv("PROFIT_CALCULATION_TIMEOUT", "0s")
	_, err = LoadConfig()
	assert.ErrorContains(t, err, "calculation timeout")
}

func TestNewProfitServicesSharesCache(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)

	svc := NewProfitServices(cfg.Profit, nil, nil, prometheus.NewRegistry(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	assert.Same(t, svc.Cache, svc.Engine.Cache())
	assert.Equal(t, cfg.Profit.FallbackPolicy().LeadCost, svc.Engine.Policy().LeadCost)
}

func TestRouterHealthAndReadiness(t *testing.T) {
	metrics := observability.NewMetrics()
	healthy := true
	router := NewRouter(RouterParams{
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config:  &Config{AppEnv: "test"},
		Metrics: metrics,
		Checks: map[string]HealthCheck{
			"postgres": func(context.Context) error {
				if healthy {
					return nil
				}
				return errors.New("down")
			},
		},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"postgres":"ok"}`, rr.Body.String())

	healthy = false
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	assert.JSONEq(t, `{"postgres":"unavailable"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rr.Code)
	assert.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `salesprofit_http_requests_total{code="200",method="GET",route="/healthz"}`)
}

func TestInTestMode(t *testing.T) {
	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	assert.True(t, InTestMode())
	t.Setenv(testModeEnv, "")
	RefreshTestMode()
	assert.False(t, InTestMode())
}
