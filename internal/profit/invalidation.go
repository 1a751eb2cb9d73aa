package profit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EventType names a domain event that affects cached profit data.
type EventType string

const (
	EventOrderCreated        EventType = "order.created"
	EventOrderUpdated        EventType = "order.updated"
	EventOrderStatusChanged  EventType = "order.status_changed"
	EventOrderCostsEdited    EventType = "order.costs_edited"
	EventOrderDeleted        EventType = "order.deleted"
	EventProductCostChanged  EventType = "product.cost_changed"
	EventTenantConfigChanged EventType = "tenant.config_changed"
	EventLeadBatchChanged    EventType = "lead_batch.changed"
	EventTenantBulk          EventType = "tenant.bulk"
)

// Order fields whose change alters aggregates.
var aggregateFields = map[string]struct{}{
	"status":     {},
	"total":      {},
	"quantity":   {},
	"product_id": {},
}

// Event describes a change to one of the inputs of a profit calculation.
type Event struct {
	Type          EventType `json:"type"`
	TenantID      string    `json:"tenant_id"`
	OrderID       string    `json:"order_id,omitempty"`
	ProductID     string    `json:"product_id,omitempty"`
	LeadBatchID   string    `json:"lead_batch_id,omitempty"`
	ChangedFields []string  `json:"changed_fields,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// Validate checks the identifiers each event type needs.
func (e Event) Validate() error {
	if strings.TrimSpace(e.TenantID) == "" {
		return fieldError(KindValidation, CodeInvalidIdentifier, "tenant_id", e.TenantID, "tenant id is required")
	}
	switch e.Type {
	case EventOrderUpdated, EventOrderStatusChanged, EventOrderCostsEdited, EventOrderDeleted:
		if strings.TrimSpace(e.OrderID) == "" {
			return fieldError(KindValidation, CodeInvalidIdentifier, "order_id", e.OrderID,
				fmt.Sprintf("order id is required for %s", e.Type))
		}
	case EventProductCostChanged:
		if strings.TrimSpace(e.ProductID) == "" {
			return fieldError(KindValidation, CodeInvalidIdentifier, "product_id", e.ProductID,
				"product id is required for product.cost_changed")
		}
	case EventOrderCreated, EventTenantConfigChanged, EventLeadBatchChanged, EventTenantBulk:
	default:
		return fieldError(KindValidation, CodeInvalidIdentifier, "type", string(e.Type), "unknown event type")
	}
	return nil
}

func (e Event) touchesAggregates() bool {
	if len(e.ChangedFields) == 0 {
		return true
	}
	for _, f := range e.ChangedFields {
		if _, ok := aggregateFields[strings.ToLower(f)]; ok {
			return true
		}
	}
	return false
}

func (e Event) changed(field string) bool {
	for _, f := range e.ChangedFields {
		if strings.EqualFold(f, field) {
			return true
		}
	}
	return false
}

// InvalidationResult counts what an event removed.
type InvalidationResult struct {
	Orders   int  `json:"orders"`
	Reports  int  `json:"reports"`
	Defaults bool `json:"defaults"`
}

// Publisher forwards applied events to other instances.
type Publisher interface {
	Publish(ctx context.Context, payload any) error
}

// Subscriber delivers events published by other instances.
type Subscriber interface {
	Listen(ctx context.Context, handle func(context.Context, json.RawMessage)) error
}

// ProductCostNotifier is told about product cost changes so dependent orders can be refreshed.
type ProductCostNotifier interface {
	ProductCostChanged(ctx context.Context, tenantID, productID string) error
}

// Dispatcher maps domain events onto cache invalidations.
type Dispatcher struct {
	cache     *Cache
	publisher Publisher
	notifier  ProductCostNotifier
	logger    *slog.Logger
}

// NewDispatcher builds a dispatcher. publisher may be nil for single instance deployments.
func NewDispatcher(cache *Cache, publisher Publisher, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{cache: cache, publisher: publisher, logger: logger}
}

// SetProductCostNotifier registers the follow-up for product cost changes.
func (d *Dispatcher) SetProductCostNotifier(n ProductCostNotifier) {
	d.notifier = n
}

// Apply invalidates the local cache for ev.
func (d *Dispatcher) Apply(ev Event) (InvalidationResult, error) {
	if err := ev.Validate(); err != nil {
		return InvalidationResult{}, err
	}
	var res InvalidationResult
	c := d.cache
	dropOrder := func() {
		if c.InvalidateOrder(ev.TenantID, ev.OrderID) {
			res.Orders++
		}
	}
	switch ev.Type {
	case EventOrderCreated, EventProductCostChanged:
		res.Reports = c.InvalidateTenantReports(ev.TenantID)
	case EventLeadBatchChanged:
		// cached breakdowns embed the old cost per lead
		if ev.changed("total_cost") {
			res.Orders = c.InvalidateTenantOrders(ev.TenantID)
		}
		res.Reports = c.InvalidateTenantReports(ev.TenantID)
	case EventOrderUpdated:
		dropOrder()
		if ev.touchesAggregates() {
			res.Reports = c.InvalidateTenantReports(ev.TenantID)
		}
	case EventOrderStatusChanged, EventOrderCostsEdited, EventOrderDeleted:
		dropOrder()
		res.Reports = c.InvalidateTenantReports(ev.TenantID)
	case EventTenantConfigChanged, EventTenantBulk:
		res.Defaults = true
		res.Orders = c.InvalidateTenantDefaults(ev.TenantID)
		res.Reports = c.InvalidateTenantReports(ev.TenantID)
	}
	return res, nil
}

// Dispatch applies ev locally, broadcasts it and runs follow-ups. Broadcast and follow-up
// failures are logged; the local invalidation already happened.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (InvalidationResult, error) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	res, err := d.Apply(ev)
	if err != nil {
		return res, err
	}
	d.logger.Debug("profit cache invalidated",
		slog.String("event", string(ev.Type)),
		slog.String("tenant_id", ev.TenantID),
		slog.String("order_id", ev.OrderID),
		slog.Int("orders", res.Orders),
		slog.Int("reports", res.Reports),
	)
	if d.publisher != nil {
		if err := d.publisher.Publish(ctx, ev); err != nil {
			d.logger.Warn("broadcast profit invalidation", slog.String("event", string(ev.Type)),
				slog.String("tenant_id", ev.TenantID), slog.Any("error", err))
		}
	}
	if ev.Type == EventProductCostChanged && d.notifier != nil {
		if err := d.notifier.ProductCostChanged(ctx, ev.TenantID, ev.ProductID); err != nil {
			d.logger.Warn("schedule product cost recalculation", slog.String("tenant_id", ev.TenantID),
				slog.String("product_id", ev.ProductID), slog.Any("error", err))
		}
	}
	return res, nil
}

// HandleRemote applies an event received from another instance.
func (d *Dispatcher) HandleRemote(_ context.Context, raw json.RawMessage) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		d.logger.Warn("decode remote invalidation", slog.Any("error", err))
		return
	}
	if _, err := d.Apply(ev); err != nil {
		d.logger.Warn("apply remote invalidation", slog.String("event", string(ev.Type)), slog.Any("error", err))
	}
}

// Listen subscribes to remote events until ctx ends.
func (d *Dispatcher) Listen(ctx context.Context, sub Subscriber) error {
	if sub == nil {
		return errors.New("profit: invalidation subscriber required")
	}
	return sub.Listen(ctx, d.HandleRemote)
}
