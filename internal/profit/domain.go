// Package profit derives per-order profit breakdowns and period reports, keeping them consistent
// through an in-process cache with explicit invalidation.
package profit

import (
	"context"
	"strings"
	"time"
)

// OrderStatus enumerates the order lifecycle states.
type OrderStatus string

const (
	StatusPending           OrderStatus = "PENDING"
	StatusConfirmed         OrderStatus = "CONFIRMED"
	StatusShipped           OrderStatus = "SHIPPED"
	StatusDelivered         OrderStatus = "DELIVERED"
	StatusReturned          OrderStatus = "RETURNED"
	StatusPartiallyReturned OrderStatus = "PARTIALLY_RETURNED"
	StatusRejected          OrderStatus = "REJECTED"
)

// ParseStatus normalises s and reports whether it is a known status.
func ParseStatus(s string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(s)))
	switch status {
	case StatusPending, StatusConfirmed, StatusShipped, StatusDelivered,
		StatusReturned, StatusPartiallyReturned, StatusRejected:
		return status, true
	}
	return "", false
}

// IsReturn reports whether the status carries a return cost.
func (s OrderStatus) IsReturn() bool { return s == StatusReturned }

// Order is the order record as stored by the sales system.
type Order struct {
	ID        string      `json:"id"`
	TenantID  string      `json:"tenant_id"`
	Total     float64     `json:"total"`
	Quantity  int         `json:"quantity"`
	Status    OrderStatus `json:"status"`
	ProductID string      `json:"product_id,omitempty"`
	LeadID    string      `json:"lead_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// Product carries the pricing fields relevant for cost derivation.
type Product struct {
	ID           string  `json:"id"`
	CostPrice    float64 `json:"cost_price"`
	SellingPrice float64 `json:"selling_price"`
}

// LeadBatch groups imported leads that share one acquisition cost.
type LeadBatch struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id,omitempty"`
	TotalCost   float64   `json:"total_cost"`
	LeadCount   int       `json:"lead_count"`
	CostPerLead float64   `json:"cost_per_lead"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TenantCostConfig holds the operational defaults of a tenant.
type TenantCostConfig struct {
	TenantID         string    `json:"tenant_id"`
	DefaultPackaging float64   `json:"default_packaging"`
	DefaultPrinting  float64   `json:"default_printing"`
	DefaultReturn    float64   `json:"default_return"`
	UpdatedAt        time.Time `json:"updated_at,omitempty"`
}

// TenantCostUpdate is a partial tenant configuration change; nil fields stay untouched.
type TenantCostUpdate struct {
	DefaultPackaging *float64 `json:"default_packaging,omitempty"`
	DefaultPrinting  *float64 `json:"default_printing,omitempty"`
	DefaultReturn    *float64 `json:"default_return,omitempty"`
}

// OrderCosts is the denormalized result of the last calculation or manual edit for an order.
type OrderCosts struct {
	OrderID       string    `json:"order_id"`
	TenantID      string    `json:"tenant_id"`
	ProductCost   float64   `json:"product_cost"`
	LeadCost      float64   `json:"lead_cost"`
	PackagingCost float64   `json:"packaging_cost"`
	PrintingCost  float64   `json:"printing_cost"`
	ReturnCost    float64   `json:"return_cost"`
	TotalCosts    float64   `json:"total_costs"`
	GrossProfit   float64   `json:"gross_profit"`
	NetProfit     float64   `json:"net_profit"`
	ProfitMargin  float64   `json:"profit_margin"`
	Manual        bool      `json:"manual"`
	CalculatedAt  time.Time `json:"calculated_at"`
}

// Complete reports whether the row holds a previous calculation result.
func (c OrderCosts) Complete() bool {
	return !c.CalculatedAt.IsZero() && c.TotalCosts > 0
}

// CostVector itemizes the costs of one order.
type CostVector struct {
	Product   float64 `json:"product"`
	Lead      float64 `json:"lead"`
	Packaging float64 `json:"packaging"`
	Printing  float64 `json:"printing"`
	Return    float64 `json:"return"`
	Total     float64 `json:"total"`
}

// Sum returns the sum of the five components.
func (v CostVector) Sum() float64 {
	return sumMoney(v.Product, v.Lead, v.Packaging, v.Printing, v.Return)
}

// ProfitBreakdown is the derived financial view of one order.
type ProfitBreakdown struct {
	OrderID      string     `json:"order_id"`
	TenantID     string     `json:"tenant_id"`
	Revenue      float64    `json:"revenue"`
	Costs        CostVector `json:"costs"`
	GrossProfit  float64    `json:"gross_profit"`
	NetProfit    float64    `json:"net_profit"`
	ProfitMargin float64    `json:"profit_margin"`
	IsReturn     bool       `json:"is_return"`
	Warnings     []string   `json:"warnings,omitempty"`
	CalculatedAt time.Time  `json:"calculated_at"`

	// Estimated is set when the breakdown was synthesized from revenue ratios.
	Estimated bool `json:"estimated,omitempty"`
	// FallbackReason names the first substitution applied, if any.
	FallbackReason string `json:"fallback_reason,omitempty"`
}

// OrderCosts converts the breakdown into its persisted row.
func (b ProfitBreakdown) OrderCosts(manual bool) OrderCosts {
	return OrderCosts{
		OrderID:       b.OrderID,
		TenantID:      b.TenantID,
		ProductCost:   b.Costs.Product,
		LeadCost:      b.Costs.Lead,
		PackagingCost: b.Costs.Packaging,
		PrintingCost:  b.Costs.Printing,
		ReturnCost:    b.Costs.Return,
		TotalCosts:    b.Costs.Total,
		GrossProfit:   b.GrossProfit,
		NetProfit:     b.NetProfit,
		ProfitMargin:  b.ProfitMargin,
		Manual:        manual,
		CalculatedAt:  b.CalculatedAt,
	}
}

// OrderRecord pairs an order with its denormalized cost row, when one exists.
type OrderRecord struct {
	Order Order
	Costs *OrderCosts
}

// OrderFilters narrows an order query.
type OrderFilters struct {
	ProductID string      `json:"product_id,omitempty"`
	UserID    string      `json:"user_id,omitempty"`
	Status    OrderStatus `json:"status,omitempty"`
}

// DateRange is inclusive of From and exclusive of To.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Repository is the tenant-scoped storage consumed by the engine. Implementations return
// ErrNotFound for missing records.
type Repository interface {
	GetOrder(ctx context.Context, tenantID, orderID string) (Order, error)
	GetProduct(ctx context.Context, tenantID, productID string) (Product, error)
	// GetLeadBatchForLead resolves the batch a lead was imported with.
	GetLeadBatchForLead(ctx context.Context, tenantID, leadID string) (LeadBatch, error)
	GetOrderCosts(ctx context.Context, tenantID, orderID string) (OrderCosts, error)
	UpsertOrderCosts(ctx context.Context, tenantID string, costs OrderCosts) error
	GetTenantCostConfig(ctx context.Context, tenantID string) (TenantCostConfig, error)
	UpsertTenantCostConfig(ctx context.Context, tenantID string, update TenantCostUpdate) (TenantCostConfig, error)
	CreateLeadBatch(ctx context.Context, tenantID string, batch LeadBatch) (LeadBatch, error)
	GetLeadBatch(ctx context.Context, tenantID, batchID string) (LeadBatch, error)
	UpdateLeadBatchCost(ctx context.Context, tenantID, batchID string, totalCost, costPerLead float64) (LeadBatch, error)
	DeleteLeadBatch(ctx context.Context, tenantID, batchID string) error
	QueryOrders(ctx context.Context, tenantID string, rng DateRange, filters OrderFilters) ([]OrderRecord, error)
	ListOrderIDsByProduct(ctx context.Context, tenantID, productID string) ([]string, error)
}
