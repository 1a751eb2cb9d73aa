package jobs

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueProfit carries recalculation work triggered by cost changes.
	QueueProfit = "profit"

	// TaskProfitRecalculate recomputes stored breakdowns for a tenant.
	TaskProfitRecalculate = "profit:recalculate"
	// TaskProductCostChanged refreshes the orders of a product whose cost price changed.
	TaskProductCostChanged = "profit:product_cost_changed"

	defaultLookbackDays = 30
	maxLookbackDays     = 366
)

var errTenantRequired = errors.New("jobs: tenant id is required")

// RecalculatePayload selects the orders to recompute. Without OrderIDs the orders created in
// the last LookbackDays are used.
type RecalculatePayload struct {
	TenantID     string   `json:"tenant_id"`
	OrderIDs     []string `json:"order_ids,omitempty"`
	LookbackDays int      `json:"lookback_days,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

func (p *RecalculatePayload) normalize() error {
	p.TenantID = strings.TrimSpace(p.TenantID)
	if p.TenantID == "" {
		return errTenantRequired
	}
	if p.LookbackDays <= 0 {
		p.LookbackDays = defaultLookbackDays
	}
	if p.LookbackDays > maxLookbackDays {
		p.LookbackDays = maxLookbackDays
	}
	return nil
}

// ProductCostChangedPayload identifies the product whose cost price changed.
type ProductCostChangedPayload struct {
	TenantID  string `json:"tenant_id"`
	ProductID string `json:"product_id"`
}

// NewRecalculateTask constructs a profit recalculation task.
func NewRecalculateTask(payload RecalculatePayload) (*asynq.Task, error) {
	if err := payload.normalize(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProfitRecalculate, data), nil
}

// NewProductCostChangedTask constructs the follow-up task for a product cost change.
func NewProductCostChangedTask(tenantID, productID string) (*asynq.Task, error) {
	payload := ProductCostChangedPayload{TenantID: strings.TrimSpace(tenantID), ProductID: strings.TrimSpace(productID)}
	if payload.TenantID == "" {
		return nil, errTenantRequired
	}
	if payload.ProductID == "" {
		return nil, errors.New("jobs: product id is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskProductCostChanged, data), nil
}
