package profithttp

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/salesprofit/internal/platform/httpx"
	"github.com/odyssey-erp/salesprofit/internal/profit"
)

const dateLayout = "2006-01-02"

func tenantID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "tenantID"))
}

func orderID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "orderID"))
}

type batchRequest struct {
	OrderIDs []string `json:"order_ids" validate:"required,min=1,max=500,dive,required"`
}

type batchResponse struct {
	Results   []profit.ProfitBreakdown `json:"results"`
	Requested int                      `json:"requested"`
	Omitted   int                      `json:"omitted"`
}

type statusRequest struct {
	Status     string   `json:"status" validate:"required"`
	ReturnCost *float64 `json:"return_cost,omitempty"`
}

type costsRequest struct {
	PackagingCost any `json:"packaging_cost,omitempty"`
	PrintingCost  any `json:"printing_cost,omitempty"`
	ReturnCost    any `json:"return_cost,omitempty"`
}

type leadBatchRequest struct {
	TotalCost any    `json:"total_cost"`
	LeadCount any    `json:"lead_count"`
	UserID    string `json:"user_id,omitempty" validate:"omitempty,max=64"`
}

type leadBatchUpdateRequest struct {
	TotalCost any `json:"total_cost"`
}

type reportParams struct {
	From      string `json:"from" validate:"required,datetime=2006-01-02"`
	To        string `json:"to" validate:"required,datetime=2006-01-02"`
	Period    string `json:"period" validate:"omitempty,oneof=daily weekly monthly"`
	ProductID string `json:"product_id"`
	UserID    string `json:"user_id"`
	Status    string `json:"status"`
}

type statsResponse struct {
	Operations map[string]profit.OperationStats `json:"operations"`
	Cache      profit.CacheStats                `json:"cache"`
}

func (h *Handler) handleOrderProfit(w http.ResponseWriter, r *http.Request) {
	b, err := h.engine.CalculateOrderProfit(r.Context(), orderID(r), tenantID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleBatchProfit(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, err)
		return
	}
	results, err := h.engine.CalculateMultipleOrderProfits(r.Context(), req.OrderIDs, tenantID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, batchResponse{
		Results:   results,
		Requested: len(req.OrderIDs),
		Omitted:   len(req.OrderIDs) - len(results),
	})
}

func (h *Handler) handleStatusChange(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.engine.RecalculateOnStatusChange(r.Context(), orderID(r), profit.OrderStatus(req.Status), tenantID(r), req.ReturnCost)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleUpdateCosts(w http.ResponseWriter, r *http.Request) {
	var req costsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	b, err := h.tracker.UpdateOrderCosts(r.Context(), tenantID(r), orderID(r), profit.CostInput{
		PackagingCost: req.PackagingCost,
		PrintingCost:  req.PrintingCost,
		ReturnCost:    req.ReturnCost,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handleApplyDefaults(w http.ResponseWriter, r *http.Request) {
	b, err := h.tracker.ApplyDefaultCostsToOrder(r.Context(), tenantID(r), orderID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, b)
}

func (h *Handler) handlePeriodReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := reportParams{
		From:      q.Get("from"),
		To:        q.Get("to"),
		Period:    strings.ToLower(q.Get("period")),
		ProductID: q.Get("product_id"),
		UserID:    q.Get("user_id"),
		Status:    q.Get("status"),
	}
	if err := h.validate.Struct(params); err != nil {
		h.writeError(w, r, err)
		return
	}
	from, _ := time.Parse(dateLayout, params.From)
	to, _ := time.Parse(dateLayout, params.To)
	report, err := h.aggregator.CalculatePeriodProfit(r.Context(), profit.ReportQuery{
		TenantID: tenantID(r),
		// the end date is inclusive
		Range:  profit.DateRange{From: from, To: to.AddDate(0, 0, 1)},
		Period: profit.Period(params.Period),
		Filters: profit.OrderFilters{
			ProductID: params.ProductID,
			UserID:    params.UserID,
			Status:    profit.OrderStatus(params.Status),
		},
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) handleCreateLeadBatch(w http.ResponseWriter, r *http.Request) {
	var req leadBatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.tracker.CreateLeadBatch(r.Context(), tenantID(r), req.UserID, req.TotalCost, req.LeadCount)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) handleUpdateLeadBatch(w http.ResponseWriter, r *http.Request) {
	var req leadBatchUpdateRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.tracker.UpdateLeadBatchCost(r.Context(), tenantID(r), chi.URLParam(r, "batchID"), req.TotalCost)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) handleDeleteLeadBatch(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.DeleteLeadBatch(r.Context(), tenantID(r), chi.URLParam(r, "batchID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleGetCostConfig(w http.ResponseWriter, r *http.Request) {
	defaults, err := h.tracker.GetDefaultCosts(r.Context(), tenantID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, defaults)
}

func (h *Handler) handleUpdateCostConfig(w http.ResponseWriter, r *http.Request) {
	var req profit.TenantCostUpdate
	if err := httpx.DecodeJSON(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	cfg, err := h.tracker.UpdateTenantCostConfig(r.Context(), tenantID(r), req)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleEvent(w http.ResponseWriter, r *http.Request) {
	var ev profit.Event
	if err := httpx.DecodeJSON(r, &ev); err != nil {
		h.writeError(w, r, err)
		return
	}
	ev.TenantID = tenantID(r)
	res, err := h.dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, res)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, statsResponse{
		Operations: h.monitor.Stats(),
		Cache:      h.engine.Cache().Stats(),
	})
}
