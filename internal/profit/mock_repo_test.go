package profit

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

type memRepo struct {
	mu       sync.Mutex
	orders   map[string]Order
	products map[string]Product
	leads    map[string]string
	batches  map[string]LeadBatch
	costs    map[string]OrderCosts
	configs  map[string]TenantCostConfig
	calls    map[string]int
	errs     map[string]error
	hooks    map[string]func()
	blocking map[string]func(context.Context) error
}

func newMemRepo() *memRepo {
	return &memRepo{
		orders:   make(map[string]Order),
		products: make(map[string]Product),
		leads:    make(map[string]string),
		batches:  make(map[string]LeadBatch),
		costs:    make(map[string]OrderCosts),
		configs:  make(map[string]TenantCostConfig),
		calls:    make(map[string]int),
		errs:     make(map[string]error),
		hooks:    make(map[string]func()),
		blocking: make(map[string]func(context.Context) error),
	}
}

func scopedKey(tenantID, id string) string { return tenantID + "\x00" + id }

func (m *memRepo) enter(method string) error {
	m.mu.Lock()
	m.calls[method]++
	err := m.errs[method]
	hook := m.hooks[method]
	m.mu.Unlock()
	if hook != nil {
		hook()
	}
	return err
}

// block runs fn inside method before any data is read; a non-nil result is returned as the
// storage error.
func (m *memRepo) block(method string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if fn == nil {
		delete(m.blocking, method)
		return
	}
	m.blocking[method] = fn
}

func (m *memRepo) wait(ctx context.Context, method string) error {
	m.mu.Lock()
	fn := m.blocking[method]
	m.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (m *memRepo) callCount(method string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[method]
}

func (m *memRepo) failWith(method string, err error) {
	m.mu.Lock()
	m.errs[method] = err
	m.mu.Unlock()
}

func (m *memRepo) addOrder(o Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	}
	m.orders[scopedKey(o.TenantID, o.ID)] = o
}

func (m *memRepo) addProduct(tenantID string, p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[scopedKey(tenantID, p.ID)] = p
}

func (m *memRepo) addLead(tenantID, leadID string, batch LeadBatch) {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch.TenantID = tenantID
	m.batches[scopedKey(tenantID, batch.ID)] = batch
	m.leads[scopedKey(tenantID, leadID)] = batch.ID
}

func (m *memRepo) setConfig(cfg TenantCostConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.TenantID] = cfg
}

func (m *memRepo) storedCosts(tenantID, orderID string) (OrderCosts, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.costs[scopedKey(tenantID, orderID)]
	return c, ok
}

func (m *memRepo) GetOrder(ctx context.Context, tenantID, orderID string) (Order, error) {
	if err := m.enter("GetOrder"); err != nil {
		return Order{}, err
	}
	if err := m.wait(ctx, "GetOrder"); err != nil {
		return Order{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[scopedKey(tenantID, orderID)]
	if !ok {
		return Order{}, ErrNotFound
	}
	return o, nil
}

func (m *memRepo) GetProduct(ctx context.Context, tenantID, productID string) (Product, error) {
	if err := m.enter("GetProduct"); err != nil {
		return Product{}, err
	}
	if err := m.wait(ctx, "GetProduct"); err != nil {
		return Product{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[scopedKey(tenantID, productID)]
	if !ok {
		return Product{}, ErrNotFound
	}
	return p, nil
}

func (m *memRepo) GetLeadBatchForLead(_ context.Context, tenantID, leadID string) (LeadBatch, error) {
	if err := m.enter("GetLeadBatchForLead"); err != nil {
		return LeadBatch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	batchID, ok := m.leads[scopedKey(tenantID, leadID)]
	if !ok {
		return LeadBatch{}, ErrNotFound
	}
	b, ok := m.batches[scopedKey(tenantID, batchID)]
	if !ok {
		return LeadBatch{}, ErrNotFound
	}
	return b, nil
}

func (m *memRepo) GetOrderCosts(_ context.Context, tenantID, orderID string) (OrderCosts, error) {
	if err := m.enter("GetOrderCosts"); err != nil {
		return OrderCosts{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.costs[scopedKey(tenantID, orderID)]
	if !ok {
		return OrderCosts{}, ErrNotFound
	}
	return c, nil
}

func (m *memRepo) UpsertOrderCosts(_ context.Context, tenantID string, c OrderCosts) error {
	if err := m.enter("UpsertOrderCosts"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c.TenantID = tenantID
	m.costs[scopedKey(tenantID, c.OrderID)] = c
	return nil
}

func (m *memRepo) GetTenantCostConfig(_ context.Context, tenantID string) (TenantCostConfig, error) {
	if err := m.enter("GetTenantCostConfig"); err != nil {
		return TenantCostConfig{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[tenantID]
	if !ok {
		return TenantCostConfig{}, ErrNotFound
	}
	return c, nil
}

func (m *memRepo) UpsertTenantCostConfig(_ context.Context, tenantID string, u TenantCostUpdate) (TenantCostConfig, error) {
	if err := m.enter("UpsertTenantCostConfig"); err != nil {
		return TenantCostConfig{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.configs[tenantID]
	c.TenantID = tenantID
	if u.DefaultPackaging != nil {
		c.DefaultPackaging = *u.DefaultPackaging
	}
	if u.DefaultPrinting != nil {
		c.DefaultPrinting = *u.DefaultPrinting
	}
	if u.DefaultReturn != nil {
		c.DefaultReturn = *u.DefaultReturn
	}
	c.UpdatedAt = time.Now()
	m.configs[tenantID] = c
	return c, nil
}

func (m *memRepo) CreateLeadBatch(_ context.Context, tenantID string, b LeadBatch) (LeadBatch, error) {
	if err := m.enter("CreateLeadBatch"); err != nil {
		return LeadBatch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b.TenantID = tenantID
	m.batches[scopedKey(tenantID, b.ID)] = b
	return b, nil
}

func (m *memRepo) GetLeadBatch(_ context.Context, tenantID, batchID string) (LeadBatch, error) {
	if err := m.enter("GetLeadBatch"); err != nil {
		return LeadBatch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[scopedKey(tenantID, batchID)]
	if !ok {
		return LeadBatch{}, ErrNotFound
	}
	return b, nil
}

func (m *memRepo) UpdateLeadBatchCost(_ context.Context, tenantID, batchID string, totalCost, perLead float64) (LeadBatch, error) {
	if err := m.enter("UpdateLeadBatchCost"); err != nil {
		return LeadBatch{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[scopedKey(tenantID, batchID)]
	if !ok {
		return LeadBatch{}, ErrNotFound
	}
	b.TotalCost = totalCost
	b.CostPerLead = perLead
	m.batches[scopedKey(tenantID, batchID)] = b
	return b, nil
}

func (m *memRepo) DeleteLeadBatch(_ context.Context, tenantID, batchID string) error {
	if err := m.enter("DeleteLeadBatch"); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scopedKey(tenantID, batchID)
	if _, ok := m.batches[key]; !ok {
		return ErrNotFound
	}
	for lead, id := range m.leads {
		if id == batchID && strings.HasPrefix(lead, tenantID+"\x00") {
			return ErrLeadBatchInUse
		}
	}
	delete(m.batches, key)
	return nil
}

func (m *memRepo) QueryOrders(_ context.Context, tenantID string, rng DateRange, f OrderFilters) ([]OrderRecord, error) {
	if err := m.enter("QueryOrders"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []OrderRecord
	for _, o := range m.orders {
		if o.TenantID != tenantID || o.CreatedAt.Before(rng.From) || !o.CreatedAt.Before(rng.To) {
			continue
		}
		if f.ProductID != "" && o.ProductID != f.ProductID {
			continue
		}
		if f.UserID != "" && o.UserID != f.UserID {
			continue
		}
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		rec := OrderRecord{Order: o}
		if c, ok := m.costs[scopedKey(tenantID, o.ID)]; ok {
			c := c
			rec.Costs = &c
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Order.ID < out[j].Order.ID })
	return out, nil
}

func (m *memRepo) ListOrderIDsByProduct(_ context.Context, tenantID, productID string) ([]string, error) {
	if err := m.enter("ListOrderIDsByProduct"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for _, o := range m.orders {
		if o.TenantID == tenantID && o.ProductID == productID {
			ids = append(ids, o.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

var _ Repository = (*memRepo)(nil)
