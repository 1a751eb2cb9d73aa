package profit

import (
	"fmt"
	"math"
	"time"
)

// Fallback reasons.
const (
	ReasonProductEstimated  = "product_cost_estimated"
	ReasonProductZeroCost   = "product_cost_unconfigured"
	ReasonLeadFallback      = "lead_cost_fallback"
	ReasonSystemDefaults    = "tenant_defaults_fallback"
	ReasonRatioEstimate     = "ratio_estimate"
	ReasonCostsRepaired     = "order_costs_repaired"
	ReasonNoFallbackApplied = ""
)

// FallbackPolicy holds the heuristics used when inputs are missing. They are estimates,
// not ground truth.
type FallbackPolicy struct {
	ProductRatio   float64
	LeadRatio      float64
	PackagingRatio float64
	PrintingRatio  float64
	ReturnRatio    float64

	LeadCost  float64
	Packaging float64
	Printing  float64
	Return    float64
}

// DefaultFallbackPolicy returns the industry ratios and flat system defaults.
func DefaultFallbackPolicy() FallbackPolicy {
	return FallbackPolicy{
		ProductRatio:   0.60,
		LeadRatio:      0.05,
		PackagingRatio: 0.02,
		PrintingRatio:  0.01,
		ReturnRatio:    0.03,
		LeadCost:       25,
		Packaging:      5,
		Printing:       2.5,
		Return:         15,
	}
}

func (p FallbackPolicy) normalized() FallbackPolicy {
	def := DefaultFallbackPolicy()
	if p.ProductRatio <= 0 || p.ProductRatio > 1 {
		p.ProductRatio = def.ProductRatio
	}
	if p.LeadRatio < 0 {
		p.LeadRatio = def.LeadRatio
	}
	if p.PackagingRatio < 0 {
		p.PackagingRatio = def.PackagingRatio
	}
	if p.PrintingRatio < 0 {
		p.PrintingRatio = def.PrintingRatio
	}
	if p.ReturnRatio < 0 {
		p.ReturnRatio = def.ReturnRatio
	}
	if p.LeadCost < 0 {
		p.LeadCost = def.LeadCost
	}
	if p.Packaging < 0 {
		p.Packaging = def.Packaging
	}
	if p.Printing < 0 {
		p.Printing = def.Printing
	}
	if p.Return < 0 {
		p.Return = def.Return
	}
	return p
}

// FallbackResult carries a substituted value and why it was substituted.
type FallbackResult[T any] struct {
	Value    T
	Reason   string
	Warnings []string
}

// Applied reports whether a substitution happened.
func (r FallbackResult[T]) Applied() bool { return r.Reason != ReasonNoFallbackApplied }

// EstimateProductCost estimates the total product cost of an order from its revenue.
// The estimate is spread evenly across quantity; the returned value is the order total.
func (p FallbackPolicy) EstimateProductCost(revenue float64, quantity int) FallbackResult[float64] {
	if quantity <= 0 {
		quantity = 1
	}
	if revenue <= 0 || !finite(revenue) {
		return FallbackResult[float64]{
			Value:    0,
			Reason:   ReasonProductEstimated,
			Warnings: []string{"product cost unknown and revenue unavailable; using 0"},
		}
	}
	total := mulMoney(revenue, p.ProductRatio)
	unit := round2(total / float64(quantity))
	return FallbackResult[float64]{
		Value:  total,
		Reason: ReasonProductEstimated,
		Warnings: []string{fmt.Sprintf("product cost estimated at %.0f%% of revenue (%.2f per unit)",
			p.ProductRatio*100, unit)},
	}
}

// FallbackLeadCost returns the flat lead cost used when the batch cannot be resolved.
func (p FallbackPolicy) FallbackLeadCost(cause error) FallbackResult[float64] {
	msg := fmt.Sprintf("lead batch unavailable; using estimated lead cost %.2f", p.LeadCost)
	if cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, cause)
	}
	return FallbackResult[float64]{Value: p.LeadCost, Reason: ReasonLeadFallback, Warnings: []string{msg}}
}

// SystemDefaults returns the system wide operational defaults for a tenant without configuration.
func (p FallbackPolicy) SystemDefaults(tenantID string) FallbackResult[TenantCostConfig] {
	return FallbackResult[TenantCostConfig]{
		Value: TenantCostConfig{
			TenantID:         tenantID,
			DefaultPackaging: p.Packaging,
			DefaultPrinting:  p.Printing,
			DefaultReturn:    p.Return,
		},
		Reason:   ReasonSystemDefaults,
		Warnings: []string{"tenant cost configuration missing; using system defaults"},
	}
}

// EstimateBreakdown synthesizes a breakdown from revenue ratios alone. It never fails.
func (p FallbackPolicy) EstimateBreakdown(order Order, cause error, now time.Time) FallbackResult[ProfitBreakdown] {
	revenue := order.Total
	if !finite(revenue) || revenue < 0 {
		revenue = 0
	}
	isReturn := order.Status.IsReturn()
	costs := CostVector{
		Product:   mulMoney(revenue, p.ProductRatio),
		Lead:      mulMoney(revenue, p.LeadRatio),
		Packaging: mulMoney(revenue, p.PackagingRatio),
		Printing:  mulMoney(revenue, p.PrintingRatio),
	}
	if isReturn {
		costs.Return = mulMoney(revenue, p.ReturnRatio)
	}
	costs.Total = costs.Sum()
	net := subMoney(revenue, costs.Total)
	warnings := []string{"profit estimated from industry cost ratios"}
	if cause != nil {
		warnings = append(warnings, fmt.Sprintf("calculation failed: %v", cause))
	}
	return FallbackResult[ProfitBreakdown]{
		Value: ProfitBreakdown{
			OrderID:        order.ID,
			TenantID:       order.TenantID,
			Revenue:        round2(revenue),
			Costs:          costs,
			GrossProfit:    subMoney(revenue, costs.Product),
			NetProfit:      net,
			ProfitMargin:   margin(net, revenue),
			IsReturn:       isReturn,
			Estimated:      true,
			FallbackReason: ReasonRatioEstimate,
			Warnings:       warnings,
			CalculatedAt:   now,
		},
		Reason:   ReasonRatioEstimate,
		Warnings: warnings,
	}
}

// RepairOrderCosts fixes a persisted row whose total disagrees with its parts.
func (p FallbackPolicy) RepairOrderCosts(costs OrderCosts, revenue float64) FallbackResult[OrderCosts] {
	res := FallbackResult[OrderCosts]{Value: costs}
	parts := []float64{costs.ProductCost, costs.LeadCost, costs.PackagingCost, costs.PrintingCost, costs.ReturnCost}
	consistent := finite(costs.TotalCosts)
	for _, v := range parts {
		consistent = consistent && finite(v) && v >= 0
	}
	if consistent && approxEqual(costs.TotalCosts, sumMoney(parts...)) {
		return res
	}

	clamp := func(v float64) float64 {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return 0
		}
		return v
	}
	fixed := costs
	fixed.ProductCost = clamp(costs.ProductCost)
	fixed.LeadCost = clamp(costs.LeadCost)
	fixed.PackagingCost = clamp(costs.PackagingCost)
	fixed.PrintingCost = clamp(costs.PrintingCost)
	fixed.ReturnCost = clamp(costs.ReturnCost)

	var warnings []string
	if fixed.ProductCost == 0 && revenue > 0 {
		fixed.ProductCost = mulMoney(revenue, p.ProductRatio)
		warnings = append(warnings, fmt.Sprintf("stored product cost was zero; re-estimated at %.0f%% of revenue",
			p.ProductRatio*100))
	}
	sum := sumMoney(fixed.ProductCost, fixed.LeadCost, fixed.PackagingCost, fixed.PrintingCost, fixed.ReturnCost)
	warnings = append(warnings, fmt.Sprintf("stored total %.2f did not match components %.2f; recomputed",
		costs.TotalCosts, sum))
	fixed.TotalCosts = sum
	fixed.GrossProfit = subMoney(revenue, fixed.ProductCost)
	fixed.NetProfit = subMoney(revenue, sum)
	fixed.ProfitMargin = margin(fixed.NetProfit, revenue)
	res.Value = fixed
	res.Reason = ReasonCostsRepaired
	res.Warnings = warnings
	return res
}
