// Package profithttp exposes the profit engine over a tenant scoped JSON API.
package profithttp

import (
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/salesprofit/internal/profit"
)

// Params groups the handler dependencies.
type Params struct {
	Logger     *slog.Logger
	Engine     *profit.Engine
	Aggregator *profit.Aggregator
	Tracker    *profit.CostTracker
	Dispatcher *profit.Dispatcher
	Monitor    *profit.Monitor
	// ReportLimit caps period reports per tenant per minute. Zero uses 30.
	ReportLimit int
}

// Handler serves the profit endpoints.
type Handler struct {
	logger     *slog.Logger
	engine     *profit.Engine
	aggregator *profit.Aggregator
	tracker    *profit.CostTracker
	dispatcher *profit.Dispatcher
	monitor    *profit.Monitor
	validate   *validator.Validate
	rateLimit  func(http.Handler) http.Handler
}

// NewHandler builds the handler.
func NewHandler(p Params) *Handler {
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.ReportLimit <= 0 {
		p.ReportLimit = 30
	}
	limiter := httprate.Limit(p.ReportLimit, time.Minute,
		httprate.WithKeyFuncs(rateLimitKey),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			writeProblem(w, http.StatusTooManyRequests, "RATE_LIMITED", "too many report requests, retry later")
		}),
	)
	validate := validator.New()
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{
		logger:     p.Logger,
		engine:     p.Engine,
		aggregator: p.Aggregator,
		tracker:    p.Tracker,
		dispatcher: p.Dispatcher,
		monitor:    p.Monitor,
		validate:   validate,
		rateLimit:  limiter,
	}
}

// MountRoutes registers the profit endpoints onto the router.
func (h *Handler) MountRoutes(r chi.Router) {
	if h == nil {
		return
	}
	r.Get("/profit/stats", h.handleStats)
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Get("/orders/{orderID}/profit", h.handleOrderProfit)
		r.Post("/orders/profit/batch", h.handleBatchProfit)
		r.Post("/orders/{orderID}/status", h.handleStatusChange)
		r.Put("/orders/{orderID}/costs", h.handleUpdateCosts)
		r.Post("/orders/{orderID}/costs/defaults", h.handleApplyDefaults)

		r.Group(func(gr chi.Router) {
			gr.Use(h.rateLimit)
			gr.Get("/reports/profit", h.handlePeriodReport)
		})

		r.Post("/lead-batches", h.handleCreateLeadBatch)
		r.Patch("/lead-batches/{batchID}", h.handleUpdateLeadBatch)
		r.Delete("/lead-batches/{batchID}", h.handleDeleteLeadBatch)

		r.Get("/cost-config", h.handleGetCostConfig)
		r.Put("/cost-config", h.handleUpdateCostConfig)

		r.Post("/events", h.handleEvent)
	})
}

func rateLimitKey(r *http.Request) (string, error) {
	if tenant := strings.TrimSpace(chi.URLParam(r, "tenantID")); tenant != "" {
		return "tenant:" + tenant, nil
	}
	key, err := httprate.KeyByIP(r)
	if err != nil {
		return "", err
	}
	return "ip:" + key, nil
}
