package profit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultBatchConcurrency = 8
	defaultCalcTimeout      = 10 * time.Second
)

// EngineConfig tunes an Engine.
type EngineConfig struct {
	Policy           FallbackPolicy
	BatchConcurrency int
	// CalcTimeout bounds a shared calculation when the caller sets no earlier deadline.
	CalcTimeout time.Duration
	Logger      *slog.Logger
	Now         func() time.Time
}

// Engine derives profit breakdowns for orders.
type Engine struct {
	repo        Repository
	cache       *Cache
	monitor     *Monitor
	dispatcher  *Dispatcher
	policy      FallbackPolicy
	concurrency int
	calcTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time
	group       singleflight.Group
}

// NewEngine wires the engine. A nil dispatcher invalidates the local cache only.
func NewEngine(repo Repository, cache *Cache, monitor *Monitor, dispatcher *Dispatcher, cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = defaultBatchConcurrency
	}
	if cfg.CalcTimeout <= 0 {
		cfg.CalcTimeout = defaultCalcTimeout
	}
	if cfg.Policy == (FallbackPolicy{}) {
		cfg.Policy = DefaultFallbackPolicy()
	}
	if cache == nil {
		cache = NewCache(DefaultCacheConfig())
	}
	if dispatcher == nil {
		dispatcher = NewDispatcher(cache, nil, cfg.Logger)
	}
	return &Engine{
		repo:        repo,
		cache:       cache,
		monitor:     monitor,
		dispatcher:  dispatcher,
		policy:      cfg.Policy.normalized(),
		concurrency: cfg.BatchConcurrency,
		calcTimeout: cfg.CalcTimeout,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// Cache exposes the engine cache.
func (e *Engine) Cache() *Cache { return e.cache }

// Policy returns the fallback heuristics in use.
func (e *Engine) Policy() FallbackPolicy { return e.policy }

func requireIDs(tenantID, orderID string) error {
	if strings.TrimSpace(tenantID) == "" {
		return fieldError(KindValidation, CodeInvalidIdentifier, "tenant_id", tenantID, "tenant id is required")
	}
	if strings.TrimSpace(orderID) == "" {
		return fieldError(KindValidation, CodeInvalidIdentifier, "order_id", orderID, "order id is required").
			scoped(tenantID, orderID)
	}
	return nil
}

// CalculateOrderProfit returns the breakdown of one order, from cache when possible.
func (e *Engine) CalculateOrderProfit(ctx context.Context, orderID, tenantID string) (ProfitBreakdown, error) {
	if err := requireIDs(tenantID, orderID); err != nil {
		return ProfitBreakdown{}, err
	}
	if err := ctx.Err(); err != nil {
		return ProfitBreakdown{}, err
	}
	tracker := e.monitor.Track(OpOrderProfit, slog.String("tenant_id", tenantID), slog.String("order_id", orderID))
	key := OrderKey{TenantID: tenantID, OrderID: orderID}
	if cached, ok := e.cache.order(key); ok {
		tracker.CacheHit()
		return cloneBreakdown(cached), tracker.End(nil)
	}

	flightKey := fmt.Sprintf("%d:%s:%s", len(tenantID), tenantID, orderID)
	ch := e.group.DoChan(flightKey, func() (interface{}, error) {
		flightCtx, cancel := e.flightContext(ctx)
		defer cancel()
		return e.compute(flightCtx, key, "")
	})
	select {
	case <-ctx.Done():
		// later callers start their own flight instead of joining this one
		e.group.Forget(flightKey)
		err := ctx.Err()
		if errors.Is(err, context.DeadlineExceeded) {
			return ProfitBreakdown{}, tracker.End(wrapStorage(err, "calculate order profit").scoped(tenantID, orderID))
		}
		return ProfitBreakdown{}, tracker.End(err)
	case res := <-ch:
		if res.Err != nil {
			return ProfitBreakdown{}, tracker.End(res.Err)
		}
		b := cloneBreakdown(res.Val.(ProfitBreakdown))
		if b.Estimated {
			tracker.Fallback()
		}
		return b, tracker.End(nil)
	}
}

// flightContext detaches a shared calculation from the caller's cancellation while keeping a
// deadline: the caller's when it is earlier than the configured calculation timeout.
func (e *Engine) flightContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline := time.Now().Add(e.calcTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return context.WithDeadline(context.WithoutCancel(ctx), deadline)
}

// calculateFresh bypasses cache lookup and request collapsing. status overrides the stored
// order status when the transition is not visible in storage yet.
func (e *Engine) calculateFresh(ctx context.Context, tenantID, orderID string, status OrderStatus) (ProfitBreakdown, error) {
	tracker := e.monitor.Track(OpOrderProfit, slog.String("tenant_id", tenantID), slog.String("order_id", orderID))
	b, err := e.compute(ctx, OrderKey{TenantID: tenantID, OrderID: orderID}, status)
	if err == nil && b.Estimated {
		tracker.Fallback()
	}
	return cloneBreakdown(b), tracker.End(err)
}

func (e *Engine) compute(ctx context.Context, key OrderKey, status OrderStatus) (ProfitBreakdown, error) {
	tok := e.cache.orderToken(key)
	order, err := e.loadOrder(ctx, key.TenantID, key.OrderID)
	if err != nil {
		e.logger.Error("load order for profit calculation", slog.String("tenant_id", key.TenantID),
			slog.String("order_id", key.OrderID), slog.Any("error", err))
		return ProfitBreakdown{}, err
	}
	if status != "" {
		order.Status = status
	}

	b, manual, err := e.derive(ctx, order)
	if err != nil {
		if ClassifyRecovery(err) == RecoveryFallback {
			fb := e.policy.EstimateBreakdown(order, err, e.now())
			e.logger.Warn("profit calculation fell back to estimate",
				slog.String("tenant_id", key.TenantID), slog.String("order_id", key.OrderID), slog.Any("error", err))
			return fb.Value, nil
		}
		err = scopeErr(err, key.TenantID, key.OrderID)
		e.logger.Error("profit calculation failed", slog.String("tenant_id", key.TenantID),
			slog.String("order_id", key.OrderID), slog.Any("error", err))
		return ProfitBreakdown{}, err
	}

	if err := e.repo.UpsertOrderCosts(ctx, key.TenantID, b.OrderCosts(manual)); err != nil {
		e.logger.Warn("persist order costs", slog.String("tenant_id", key.TenantID),
			slog.String("order_id", key.OrderID), slog.Any("error", err))
		b.Warnings = append(b.Warnings, "calculated costs could not be saved")
	}
	e.cache.storeOrder(key, b, tok)
	return b, nil
}

func (e *Engine) loadOrder(ctx context.Context, tenantID, orderID string) (Order, error) {
	order, err := e.repo.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Order{}, newError(KindDataIntegrity, CodeOrderNotFound, "order not found").scoped(tenantID, orderID)
		}
		return Order{}, wrapStorage(err, "load order").scoped(tenantID, orderID)
	}
	if order.TenantID == "" {
		order.TenantID = tenantID
	}
	return order, nil
}

// derive computes the breakdown for a loaded order. The returned flag reports whether the
// stored cost row was entered manually.
func (e *Engine) derive(ctx context.Context, order Order) (ProfitBreakdown, bool, error) {
	revenue := order.Total
	if !finite(revenue) || revenue <= 0 {
		return ProfitBreakdown{}, false, fieldError(KindValidation, CodeInvalidCostRange, "revenue", revenue,
			"order revenue must be greater than zero").scoped(order.TenantID, order.ID)
	}
	revenue = round2(revenue)
	var warnings []string

	quantity := order.Quantity
	if quantity <= 0 {
		warnings = append(warnings, fmt.Sprintf("order quantity %d is invalid; using 1", order.Quantity))
		quantity = 1
	}

	var reason string
	productCost, productReason, w, err := e.productCost(ctx, order, revenue, quantity)
	if err != nil {
		return ProfitBreakdown{}, false, err
	}
	warnings = append(warnings, w...)
	reason = productReason

	leadCost, leadReason, w, err := e.leadCost(ctx, order)
	if err != nil {
		return ProfitBreakdown{}, false, err
	}
	warnings = append(warnings, w...)
	if reason == "" {
		reason = leadReason
	}

	row, hasRow, err := e.loadCosts(ctx, order.TenantID, order.ID)
	if err != nil {
		return ProfitBreakdown{}, false, err
	}
	ops, opsReason, w, err := e.operationalCosts(ctx, order, revenue, row, hasRow)
	if err != nil {
		return ProfitBreakdown{}, false, err
	}
	warnings = append(warnings, w...)
	if reason == "" {
		reason = opsReason
	}

	costs := CostVector{
		Product:   productCost,
		Lead:      leadCost,
		Packaging: ops.Packaging,
		Printing:  ops.Printing,
		Return:    ops.Return,
	}
	costs.Total = costs.Sum()
	if err := ValidateRevenueAndCosts(revenue, costs.Total); err != nil {
		return ProfitBreakdown{}, false, err
	}

	gross := subMoney(revenue, costs.Product)
	net := subMoney(revenue, costs.Total)
	if !finite(gross, net) {
		return ProfitBreakdown{}, false, newError(KindCalculation, CodeNonFiniteResult, "profit is not a finite number")
	}
	if net < 0 {
		warnings = append(warnings, fmt.Sprintf("order is unprofitable: net loss of %.2f", -net))
	}

	return ProfitBreakdown{
		OrderID:        order.ID,
		TenantID:       order.TenantID,
		Revenue:        revenue,
		Costs:          costs,
		GrossProfit:    gross,
		NetProfit:      net,
		ProfitMargin:   margin(net, revenue),
		IsReturn:       order.Status.IsReturn(),
		Warnings:       warnings,
		CalculatedAt:   e.now().UTC(),
		FallbackReason: reason,
	}, hasRow && row.Manual, nil
}

func (e *Engine) productCost(ctx context.Context, order Order, revenue float64, quantity int) (float64, string, []string, error) {
	estimate := func(why string) (float64, string, []string, error) {
		fb := e.policy.EstimateProductCost(revenue, quantity)
		e.logger.Warn("product cost estimated", slog.String("tenant_id", order.TenantID),
			slog.String("order_id", order.ID), slog.String("reason", why))
		return fb.Value, fb.Reason, append([]string{why}, fb.Warnings...), nil
	}
	if order.ProductID == "" {
		return estimate("order has no product")
	}
	product, err := e.repo.GetProduct(ctx, order.TenantID, order.ProductID)
	if errors.Is(err, ErrNotFound) {
		return estimate(fmt.Sprintf("product %s not found", order.ProductID))
	}
	if err != nil {
		return 0, "", nil, wrapStorage(err, "load product")
	}
	check := ValidateField(ProductCostRule, product.CostPrice)
	if !check.Valid() {
		return estimate(fmt.Sprintf("product %s has invalid cost price: %s", product.ID, check.Errors[0].Message))
	}
	if product.CostPrice == 0 {
		return 0, ReasonProductZeroCost,
			[]string{fmt.Sprintf("product %s has a cost price of 0; check its configuration", product.ID)}, nil
	}
	return mulMoney(product.CostPrice, float64(quantity)), "", nil, nil
}

func (e *Engine) leadCost(ctx context.Context, order Order) (float64, string, []string, error) {
	if order.LeadID == "" {
		return 0, "", nil, nil
	}
	batch, err := e.repo.GetLeadBatchForLead(ctx, order.TenantID, order.LeadID)
	if errors.Is(err, ErrNotFound) {
		return 0, "", nil, nil
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return 0, "", nil, err
		}
		fb := e.policy.FallbackLeadCost(err)
		e.logger.Warn("lead cost fallback", slog.String("tenant_id", order.TenantID),
			slog.String("order_id", order.ID), slog.Any("error", err))
		return fb.Value, fb.Reason, fb.Warnings, nil
	}
	perLead := batch.CostPerLead
	if !finite(perLead) || perLead <= 0 {
		perLead = costPerLead(batch.TotalCost, batch.LeadCount)
	}
	if !finite(perLead) || perLead < 0 {
		return 0, "", []string{fmt.Sprintf("lead batch %s has an invalid cost per lead", batch.ID)}, nil
	}
	return round2(perLead), "", nil, nil
}

func (e *Engine) loadCosts(ctx context.Context, tenantID, orderID string) (OrderCosts, bool, error) {
	row, err := e.repo.GetOrderCosts(ctx, tenantID, orderID)
	if errors.Is(err, ErrNotFound) {
		return OrderCosts{}, false, nil
	}
	if err != nil {
		return OrderCosts{}, false, wrapStorage(err, "load order costs")
	}
	return row, true, nil
}

type operational struct {
	Packaging float64
	Printing  float64
	Return    float64
}

func (e *Engine) operationalCosts(ctx context.Context, order Order, revenue float64, row OrderCosts, hasRow bool) (operational, string, []string, error) {
	if hasRow && row.Manual {
		ops, w, err := e.manualCosts(ctx, order, revenue, row)
		return ops, "", w, err
	}
	defaults, err := e.TenantDefaults(ctx, order.TenantID)
	if err != nil {
		return operational{}, "", nil, err
	}
	ops := operational{Packaging: defaults.Value.DefaultPackaging, Printing: defaults.Value.DefaultPrinting}
	if order.Status.IsReturn() {
		ops.Return = defaults.Value.DefaultReturn
		if hasRow && row.ReturnCost > 0 && finite(row.ReturnCost) {
			ops.Return = row.ReturnCost
		}
	}
	return ops, defaults.Reason, defaults.Warnings, nil
}

// manualCosts validates a manually entered row; rejected fields fall back to tenant defaults.
func (e *Engine) manualCosts(ctx context.Context, order Order, revenue float64, row OrderCosts) (operational, []string, error) {
	v := ValidateOrderCosts(CostInput{
		PackagingCost: row.PackagingCost,
		PrintingCost:  row.PrintingCost,
		ReturnCost:    row.ReturnCost,
	}, OrderContext{Status: order.Status, Revenue: revenue})
	warnings := append([]string(nil), v.Warnings...)
	ops := operational{Packaging: v.Packaging.Value, Printing: v.Printing.Value, Return: v.Return.Value}
	if v.IsValid() {
		return ops, warnings, nil
	}

	var defaults *TenantCostConfig
	fallback := func() (TenantCostConfig, error) {
		if defaults != nil {
			return *defaults, nil
		}
		res, err := e.TenantDefaults(ctx, order.TenantID)
		if err != nil {
			return TenantCostConfig{}, err
		}
		warnings = append(warnings, res.Warnings...)
		defaults = &res.Value
		return res.Value, nil
	}
	for _, fe := range v.Errors {
		switch {
		case fe.Kind == KindBusinessRule:
			ops.Return = 0
			warnings = append(warnings, "stored return cost ignored: order is not returned")
		case fe.Field == PackagingRule.Name:
			cfg, err := fallback()
			if err != nil {
				return operational{}, nil, err
			}
			ops.Packaging = cfg.DefaultPackaging
			warnings = append(warnings, "stored packaging cost invalid: "+fe.Message)
		case fe.Field == PrintingRule.Name:
			cfg, err := fallback()
			if err != nil {
				return operational{}, nil, err
			}
			ops.Printing = cfg.DefaultPrinting
			warnings = append(warnings, "stored printing cost invalid: "+fe.Message)
		case fe.Field == ReturnRule.Name:
			ops.Return = 0
			if order.Status.IsReturn() {
				cfg, err := fallback()
				if err != nil {
					return operational{}, nil, err
				}
				ops.Return = cfg.DefaultReturn
			}
			warnings = append(warnings, "stored return cost invalid: "+fe.Message)
		}
	}
	return ops, warnings, nil
}

// TenantDefaults returns the tenant's operational defaults, or the system defaults when the
// tenant has none or they cannot be loaded.
func (e *Engine) TenantDefaults(ctx context.Context, tenantID string) (FallbackResult[TenantCostConfig], error) {
	if cfg, ok := e.cache.tenantDefaults(tenantID); ok {
		return FallbackResult[TenantCostConfig]{Value: cfg}, nil
	}
	tok := e.cache.defaultsToken(tenantID)
	cfg, err := e.repo.GetTenantCostConfig(ctx, tenantID)
	switch {
	case errors.Is(err, ErrNotFound):
		return e.policy.SystemDefaults(tenantID), nil
	case errors.Is(err, context.Canceled):
		return FallbackResult[TenantCostConfig]{}, err
	case err != nil:
		fb := e.policy.SystemDefaults(tenantID)
		fb.Warnings = append(fb.Warnings, fmt.Sprintf("tenant cost configuration unavailable: %v", err))
		e.logger.Warn("tenant defaults fallback", slog.String("tenant_id", tenantID), slog.Any("error", err))
		return fb, nil
	}

	res := FallbackResult[TenantCostConfig]{Value: cfg}
	sys := e.policy.SystemDefaults(tenantID).Value
	fix := func(rule FieldRule, v *float64, def float64) {
		if check := ValidateField(rule, *v); !check.Valid() {
			*v = def
			res.Reason = ReasonSystemDefaults
			res.Warnings = append(res.Warnings, fmt.Sprintf("tenant default %s invalid; using system default %.2f", rule.Name, def))
		}
	}
	fix(PackagingRule, &res.Value.DefaultPackaging, sys.DefaultPackaging)
	fix(PrintingRule, &res.Value.DefaultPrinting, sys.DefaultPrinting)
	fix(ReturnRule, &res.Value.DefaultReturn, sys.DefaultReturn)
	res.Value.TenantID = tenantID
	if !res.Applied() {
		e.cache.storeDefaults(tenantID, res.Value, tok)
	}
	return res, nil
}

// RecalculateOnStatusChange applies the return cost transition for newStatus and returns a
// freshly computed breakdown. returnCost is only accepted when entering RETURNED.
func (e *Engine) RecalculateOnStatusChange(ctx context.Context, orderID string, newStatus OrderStatus, tenantID string, returnCost *float64) (ProfitBreakdown, error) {
	if err := requireIDs(tenantID, orderID); err != nil {
		return ProfitBreakdown{}, err
	}
	status, ok := ParseStatus(string(newStatus))
	if !ok {
		return ProfitBreakdown{}, fieldError(KindValidation, CodeInvalidIdentifier, "status", string(newStatus),
			"unknown order status").scoped(tenantID, orderID)
	}
	var explicit float64
	if returnCost != nil {
		check := ValidateField(ReturnRule, *returnCost)
		if !check.Valid() {
			return ProfitBreakdown{}, check.Errors[0].scoped(tenantID, orderID)
		}
		explicit = check.Value
		if explicit > 0 && !status.IsReturn() {
			return ProfitBreakdown{}, fieldError(KindBusinessRule, CodeReturnCostNotAllowed, ReturnRule.Name, explicit,
				"return cost can only be set when the order is returned").
				with("status", string(status)).scoped(tenantID, orderID)
		}
	}

	order, err := e.loadOrder(ctx, tenantID, orderID)
	if err != nil {
		return ProfitBreakdown{}, err
	}
	e.cache.InvalidateOrder(tenantID, orderID)

	row, hasRow, err := e.loadCosts(ctx, tenantID, orderID)
	if err != nil {
		return ProfitBreakdown{}, scopeErr(err, tenantID, orderID)
	}
	if !hasRow {
		row = OrderCosts{OrderID: orderID, TenantID: tenantID}
	}
	if status.IsReturn() {
		switch {
		case explicit > 0:
			row.ReturnCost = explicit
		default:
			defaults, err := e.TenantDefaults(ctx, tenantID)
			if err != nil {
				return ProfitBreakdown{}, err
			}
			row.ReturnCost = defaults.Value.DefaultReturn
		}
	} else {
		row.ReturnCost = 0
	}
	refreshTotals(&row, order.Total)
	if err := e.repo.UpsertOrderCosts(ctx, tenantID, row); err != nil {
		return ProfitBreakdown{}, wrapStorage(err, "store return cost").scoped(tenantID, orderID)
	}
	if _, err := e.dispatcher.Dispatch(ctx, Event{
		Type:          EventOrderStatusChanged,
		TenantID:      tenantID,
		OrderID:       orderID,
		ChangedFields: []string{"status"},
	}); err != nil {
		return ProfitBreakdown{}, err
	}
	return e.calculateFresh(ctx, tenantID, orderID, status)
}

// UpdateOrderCostsManually stores the supplied operational costs and returns a fresh breakdown.
func (e *Engine) UpdateOrderCostsManually(ctx context.Context, orderID, tenantID string, input CostInput) (ProfitBreakdown, error) {
	if err := requireIDs(tenantID, orderID); err != nil {
		return ProfitBreakdown{}, err
	}
	order, err := e.loadOrder(ctx, tenantID, orderID)
	if err != nil {
		return ProfitBreakdown{}, err
	}
	v := ValidateOrderCosts(input, OrderContext{Status: order.Status, Revenue: order.Total})
	if !v.IsValid() {
		return ProfitBreakdown{}, scopeErr(v.Err(), tenantID, orderID)
	}
	if !v.Packaging.Present && !v.Printing.Present && !v.Return.Present {
		return ProfitBreakdown{}, newError(KindValidation, CodeRequiredField, "at least one cost must be supplied").
			scoped(tenantID, orderID)
	}

	row, hasRow, err := e.loadCosts(ctx, tenantID, orderID)
	if err != nil {
		return ProfitBreakdown{}, scopeErr(err, tenantID, orderID)
	}
	if !hasRow || !row.Manual {
		seeded, err := e.seedFromDefaults(ctx, order, row, hasRow)
		if err != nil {
			return ProfitBreakdown{}, err
		}
		row = seeded
	}
	if v.Packaging.Present {
		row.PackagingCost = v.Packaging.Value
	}
	if v.Printing.Present {
		row.PrintingCost = v.Printing.Value
	}
	if v.Return.Present {
		row.ReturnCost = v.Return.Value
	}
	row.Manual = true
	refreshTotals(&row, order.Total)

	e.cache.InvalidateOrder(tenantID, orderID)
	if err := e.repo.UpsertOrderCosts(ctx, tenantID, row); err != nil {
		return ProfitBreakdown{}, wrapStorage(err, "store order costs").scoped(tenantID, orderID)
	}
	if _, err := e.dispatcher.Dispatch(ctx, Event{Type: EventOrderCostsEdited, TenantID: tenantID, OrderID: orderID}); err != nil {
		return ProfitBreakdown{}, err
	}
	b, err := e.calculateFresh(ctx, tenantID, orderID, "")
	if err != nil {
		return ProfitBreakdown{}, err
	}
	b.Warnings = append(b.Warnings, v.Warnings...)
	return b, nil
}

// seedFromDefaults fills the operational costs of a row from the tenant defaults.
func (e *Engine) seedFromDefaults(ctx context.Context, order Order, row OrderCosts, hasRow bool) (OrderCosts, error) {
	if !hasRow {
		row = OrderCosts{OrderID: order.ID, TenantID: order.TenantID}
	}
	defaults, err := e.TenantDefaults(ctx, order.TenantID)
	if err != nil {
		return OrderCosts{}, err
	}
	row.PackagingCost = defaults.Value.DefaultPackaging
	row.PrintingCost = defaults.Value.DefaultPrinting
	switch {
	case !order.Status.IsReturn():
		row.ReturnCost = 0
	case row.ReturnCost <= 0:
		row.ReturnCost = defaults.Value.DefaultReturn
	}
	return row, nil
}

// refreshTotals keeps the derived figures of a row consistent with its components.
func refreshTotals(row *OrderCosts, revenue float64) {
	row.TotalCosts = sumMoney(row.ProductCost, row.LeadCost, row.PackagingCost, row.PrintingCost, row.ReturnCost)
	row.GrossProfit = subMoney(revenue, row.ProductCost)
	row.NetProfit = subMoney(revenue, row.TotalCosts)
	row.ProfitMargin = margin(row.NetProfit, revenue)
}

// CalculateMultipleOrderProfits computes breakdowns concurrently. Orders that fail are logged
// and left out; the result keeps the order of orderIDs.
func (e *Engine) CalculateMultipleOrderProfits(ctx context.Context, orderIDs []string, tenantID string) ([]ProfitBreakdown, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fieldError(KindValidation, CodeInvalidIdentifier, "tenant_id", tenantID, "tenant id is required")
	}
	ids := dedupe(orderIDs)
	results := make([]*ProfitBreakdown, len(ids))

	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			b, err := e.CalculateOrderProfit(ctx, id, tenantID)
			if err != nil {
				e.logger.Warn("batch profit calculation skipped order", slog.String("tenant_id", tenantID),
					slog.String("order_id", id), slog.Any("error", err))
				return nil
			}
			results[i] = &b
			return nil
		})
	}
	_ = g.Wait()

	out := make([]ProfitBreakdown, 0, len(ids))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

// RecalculationResult summarises a forced recalculation.
type RecalculationResult struct {
	Requested int      `json:"requested"`
	Updated   int      `json:"updated"`
	Estimated int      `json:"estimated"`
	Failed    []string `json:"failed,omitempty"`
}

// RecalculateOrders recomputes and persists the breakdowns of orderIDs regardless of what is
// cached, then drops the tenant's cached aggregates on every instance.
func (e *Engine) RecalculateOrders(ctx context.Context, tenantID string, orderIDs []string) (RecalculationResult, error) {
	if strings.TrimSpace(tenantID) == "" {
		return RecalculationResult{}, fieldError(KindValidation, CodeInvalidIdentifier, "tenant_id", tenantID, "tenant id is required")
	}
	ids := dedupe(orderIDs)
	res := RecalculationResult{Requested: len(ids)}
	if len(ids) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(e.concurrency)
	for _, id := range ids {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			e.cache.InvalidateOrder(tenantID, id)
			b, err := e.calculateFresh(ctx, tenantID, id, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				res.Failed = append(res.Failed, id)
			case b.Estimated:
				res.Estimated++
			default:
				res.Updated++
			}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return res, err
	}
	sort.Strings(res.Failed)

	if _, err := e.dispatcher.Dispatch(ctx, Event{Type: EventTenantBulk, TenantID: tenantID}); err != nil {
		return res, err
	}
	return res, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
