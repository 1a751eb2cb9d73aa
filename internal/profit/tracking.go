package profit

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CostTracker manages the inputs of the calculation: lead batches, tenant defaults and
// per-order operational costs.
type CostTracker struct {
	repo       Repository
	engine     *Engine
	dispatcher *Dispatcher
	logger     *slog.Logger
	now        func() time.Time
	newID      func() string
}

// NewCostTracker wires the tracker to the engine it feeds.
func NewCostTracker(repo Repository, engine *Engine, dispatcher *Dispatcher, logger *slog.Logger) *CostTracker {
	if logger == nil {
		logger = slog.Default()
	}
	if dispatcher == nil {
		dispatcher = engine.dispatcher
	}
	return &CostTracker{
		repo:       repo,
		engine:     engine,
		dispatcher: dispatcher,
		logger:     logger,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// LeadBatchResult is a stored batch plus the validation warnings it produced.
type LeadBatchResult struct {
	Batch    LeadBatch `json:"batch"`
	Warnings []string  `json:"warnings,omitempty"`
}

func requireTenant(tenantID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fieldError(KindValidation, CodeInvalidIdentifier, "tenant_id", tenantID, "tenant id is required")
	}
	return nil
}

// CreateLeadBatch validates and stores a new batch.
func (t *CostTracker) CreateLeadBatch(ctx context.Context, tenantID, userID string, totalCost, leadCount any) (LeadBatchResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return LeadBatchResult{}, err
	}
	v := ValidateLeadBatch(totalCost, leadCount)
	if !v.IsValid() {
		return LeadBatchResult{}, v.Err()
	}
	now := t.now().UTC()
	batch, err := t.repo.CreateLeadBatch(ctx, tenantID, LeadBatch{
		ID:          t.newID(),
		TenantID:    tenantID,
		UserID:      userID,
		TotalCost:   v.TotalCost.Value,
		LeadCount:   int(v.LeadCount.Value),
		CostPerLead: v.CostPerLead,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		return LeadBatchResult{}, wrapStorage(err, "create lead batch")
	}
	t.dispatch(ctx, Event{Type: EventLeadBatchChanged, TenantID: tenantID, LeadBatchID: batch.ID})
	return LeadBatchResult{Batch: batch, Warnings: v.Warnings}, nil
}

// UpdateLeadBatchCost changes the total cost of a batch and re-derives its cost per lead.
func (t *CostTracker) UpdateLeadBatchCost(ctx context.Context, tenantID, batchID string, totalCost any) (LeadBatchResult, error) {
	if err := requireTenant(tenantID); err != nil {
		return LeadBatchResult{}, err
	}
	current, err := t.repo.GetLeadBatch(ctx, tenantID, batchID)
	if err != nil {
		return LeadBatchResult{}, t.batchError(err, batchID, "load lead batch")
	}
	v := ValidateLeadBatch(totalCost, current.LeadCount)
	if !v.IsValid() {
		return LeadBatchResult{}, v.Err()
	}
	batch, err := t.repo.UpdateLeadBatchCost(ctx, tenantID, batchID, v.TotalCost.Value, v.CostPerLead)
	if err != nil {
		return LeadBatchResult{}, t.batchError(err, batchID, "update lead batch")
	}
	t.dispatch(ctx, Event{
		Type:          EventLeadBatchChanged,
		TenantID:      tenantID,
		LeadBatchID:   batchID,
		ChangedFields: []string{"total_cost"},
	})
	return LeadBatchResult{Batch: batch, Warnings: v.Warnings}, nil
}

// DeleteLeadBatch removes a batch no lead references anymore.
func (t *CostTracker) DeleteLeadBatch(ctx context.Context, tenantID, batchID string) error {
	if err := requireTenant(tenantID); err != nil {
		return err
	}
	if err := t.repo.DeleteLeadBatch(ctx, tenantID, batchID); err != nil {
		return t.batchError(err, batchID, "delete lead batch")
	}
	t.dispatch(ctx, Event{Type: EventLeadBatchChanged, TenantID: tenantID, LeadBatchID: batchID})
	return nil
}

func (t *CostTracker) batchError(err error, batchID, op string) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return fieldError(KindDataIntegrity, CodeLeadBatchNotFound, "lead_batch_id", batchID, "lead batch not found")
	case errors.Is(err, ErrLeadBatchInUse):
		return fieldError(KindDataIntegrity, CodeLeadBatchInUse, "lead_batch_id", batchID,
			"lead batch is still referenced by leads and cannot be deleted")
	default:
		return wrapStorage(err, op)
	}
}

// DefaultCosts is the effective operational defaults of a tenant.
type DefaultCosts struct {
	TenantCostConfig
	// Source is "tenant" or "system".
	Source   string   `json:"source"`
	Warnings []string `json:"warnings,omitempty"`
}

// GetDefaultCosts returns the tenant defaults, or the system defaults when none are configured.
func (t *CostTracker) GetDefaultCosts(ctx context.Context, tenantID string) (DefaultCosts, error) {
	if err := requireTenant(tenantID); err != nil {
		return DefaultCosts{}, err
	}
	res, err := t.engine.TenantDefaults(ctx, tenantID)
	if err != nil {
		return DefaultCosts{}, err
	}
	source := "tenant"
	if res.Reason == ReasonSystemDefaults && res.Value.UpdatedAt.IsZero() {
		source = "system"
	}
	return DefaultCosts{TenantCostConfig: res.Value, Source: source, Warnings: res.Warnings}, nil
}

// UpdateTenantCostConfig validates and stores a partial defaults change.
func (t *CostTracker) UpdateTenantCostConfig(ctx context.Context, tenantID string, update TenantCostUpdate) (TenantCostConfig, error) {
	if err := requireTenant(tenantID); err != nil {
		return TenantCostConfig{}, err
	}
	if update.DefaultPackaging == nil && update.DefaultPrinting == nil && update.DefaultReturn == nil {
		return TenantCostConfig{}, newError(KindValidation, CodeRequiredField, "at least one default cost must be supplied")
	}
	for _, f := range []struct {
		rule  FieldRule
		value *float64
	}{
		{PackagingRule, update.DefaultPackaging},
		{PrintingRule, update.DefaultPrinting},
		{ReturnRule, update.DefaultReturn},
	} {
		if f.value == nil {
			continue
		}
		if res := ValidateField(f.rule, *f.value); !res.Valid() {
			return TenantCostConfig{}, res.Errors[0]
		}
	}
	if _, err := t.repo.GetTenantCostConfig(ctx, tenantID); errors.Is(err, ErrNotFound) {
		sys := t.engine.policy.SystemDefaults(tenantID).Value
		if update.DefaultPackaging == nil {
			update.DefaultPackaging = &sys.DefaultPackaging
		}
		if update.DefaultPrinting == nil {
			update.DefaultPrinting = &sys.DefaultPrinting
		}
		if update.DefaultReturn == nil {
			update.DefaultReturn = &sys.DefaultReturn
		}
	}
	cfg, err := t.repo.UpsertTenantCostConfig(ctx, tenantID, update)
	if err != nil {
		return TenantCostConfig{}, wrapStorage(err, "store tenant cost config")
	}
	t.dispatch(ctx, Event{Type: EventTenantConfigChanged, TenantID: tenantID})
	return cfg, nil
}

// ApplyDefaultCostsToOrder discards manual operational costs of an order and recalculates it
// with the tenant defaults.
func (t *CostTracker) ApplyDefaultCostsToOrder(ctx context.Context, tenantID, orderID string) (ProfitBreakdown, error) {
	if err := requireIDs(tenantID, orderID); err != nil {
		return ProfitBreakdown{}, err
	}
	order, err := t.engine.loadOrder(ctx, tenantID, orderID)
	if err != nil {
		return ProfitBreakdown{}, err
	}
	row, hasRow, err := t.engine.loadCosts(ctx, tenantID, orderID)
	if err != nil {
		return ProfitBreakdown{}, scopeErr(err, tenantID, orderID)
	}
	if hasRow && !order.Status.IsReturn() {
		row.ReturnCost = 0
	}
	seeded, err := t.engine.seedFromDefaults(ctx, order, row, hasRow)
	if err != nil {
		return ProfitBreakdown{}, err
	}
	seeded.Manual = false
	refreshTotals(&seeded, order.Total)

	t.engine.cache.InvalidateOrder(tenantID, orderID)
	if err := t.repo.UpsertOrderCosts(ctx, tenantID, seeded); err != nil {
		return ProfitBreakdown{}, wrapStorage(err, "store order costs").scoped(tenantID, orderID)
	}
	t.dispatch(ctx, Event{Type: EventOrderCostsEdited, TenantID: tenantID, OrderID: orderID})
	return t.engine.calculateFresh(ctx, tenantID, orderID, "")
}

// UpdateOrderCosts stores manual operational costs for an order.
func (t *CostTracker) UpdateOrderCosts(ctx context.Context, tenantID, orderID string, input CostInput) (ProfitBreakdown, error) {
	return t.engine.UpdateOrderCostsManually(ctx, orderID, tenantID, input)
}

// ProcessReturnCosts marks the order returned and records its return cost. A nil returnCost
// uses the tenant default.
func (t *CostTracker) ProcessReturnCosts(ctx context.Context, tenantID, orderID string, returnCost *float64) (ProfitBreakdown, error) {
	return t.engine.RecalculateOnStatusChange(ctx, orderID, StatusReturned, tenantID, returnCost)
}

func (t *CostTracker) dispatch(ctx context.Context, ev Event) {
	if _, err := t.dispatcher.Dispatch(ctx, ev); err != nil {
		t.logger.Warn("dispatch profit invalidation", slog.String("event", string(ev.Type)),
			slog.String("tenant_id", ev.TenantID), slog.Any("error", err))
	}
}
