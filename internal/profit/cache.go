package profit

import (
	"context"
	"time"

	"github.com/odyssey-erp/salesprofit/internal/platform/cache"
)

// OrderKey identifies a cached order breakdown.
type OrderKey struct {
	TenantID string
	OrderID  string
}

// ReportKey identifies a cached period report by its exact query signature.
type ReportKey struct {
	TenantID string
	From     int64
	To       int64
	Period   Period
	Filters  OrderFilters
}

func reportKeyFor(q ReportQuery) ReportKey {
	return ReportKey{
		TenantID: q.TenantID,
		From:     q.Range.From.UTC().UnixNano(),
		To:       q.Range.To.UTC().UnixNano(),
		Period:   q.Period,
		Filters:  q.Filters,
	}
}

// CacheConfig sizes the three stores.
type CacheConfig struct {
	OrderTTL    time.Duration
	ReportTTL   time.Duration
	DefaultsTTL time.Duration
	MaxEntries  int
	Now         func() time.Time
}

// DefaultCacheConfig returns the standard TTLs: 5m orders, 15m reports, 30m tenant defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		OrderTTL:    5 * time.Minute,
		ReportTTL:   15 * time.Minute,
		DefaultsTTL: 30 * time.Minute,
		MaxEntries:  1000,
	}
}

// Cache holds order breakdowns, period reports and tenant defaults.
type Cache struct {
	orders   *cache.Store[OrderKey, ProfitBreakdown]
	reports  *cache.Store[ReportKey, PeriodProfitReport]
	defaults *cache.Store[string, TenantCostConfig]
}

// NewCache builds the cache. Zero fields of cfg take the defaults.
func NewCache(cfg CacheConfig) *Cache {
	def := DefaultCacheConfig()
	if cfg.OrderTTL <= 0 {
		cfg.OrderTTL = def.OrderTTL
	}
	if cfg.ReportTTL <= 0 {
		cfg.ReportTTL = def.ReportTTL
	}
	if cfg.DefaultsTTL <= 0 {
		cfg.DefaultsTTL = def.DefaultsTTL
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = def.MaxEntries
	}
	return &Cache{
		orders:   cache.NewStore[OrderKey, ProfitBreakdown](cache.Options{TTL: cfg.OrderTTL, MaxEntries: cfg.MaxEntries, Now: cfg.Now}),
		reports:  cache.NewStore[ReportKey, PeriodProfitReport](cache.Options{TTL: cfg.ReportTTL, MaxEntries: cfg.MaxEntries, Now: cfg.Now}),
		defaults: cache.NewStore[string, TenantCostConfig](cache.Options{TTL: cfg.DefaultsTTL, MaxEntries: cfg.MaxEntries, Now: cfg.Now}),
	}
}

func (c *Cache) order(key OrderKey) (ProfitBreakdown, bool) { return c.orders.Get(key) }

func (c *Cache) orderToken(key OrderKey) cache.Token { return c.orders.Token(key) }

func (c *Cache) storeOrder(key OrderKey, b ProfitBreakdown, tok cache.Token) bool {
	return c.orders.SetIfCurrent(key, cloneBreakdown(b), tok)
}

func (c *Cache) report(key ReportKey) (PeriodProfitReport, bool) { return c.reports.Get(key) }

func (c *Cache) reportToken(key ReportKey) cache.Token { return c.reports.Token(key) }

func (c *Cache) storeReport(key ReportKey, r PeriodProfitReport, tok cache.Token) bool {
	return c.reports.SetIfCurrent(key, r, tok)
}

func (c *Cache) tenantDefaults(tenantID string) (TenantCostConfig, bool) {
	return c.defaults.Get(tenantID)
}

func (c *Cache) defaultsToken(tenantID string) cache.Token { return c.defaults.Token(tenantID) }

func (c *Cache) storeDefaults(tenantID string, cfg TenantCostConfig, tok cache.Token) bool {
	return c.defaults.SetIfCurrent(tenantID, cfg, tok)
}

// InvalidateOrder drops one order breakdown.
func (c *Cache) InvalidateOrder(tenantID, orderID string) bool {
	return c.orders.Delete(OrderKey{TenantID: tenantID, OrderID: orderID})
}

// InvalidateTenantReports drops every report of the tenant.
func (c *Cache) InvalidateTenantReports(tenantID string) int {
	return c.reports.DeleteFunc(func(k ReportKey) bool { return k.TenantID == tenantID })
}

// InvalidateTenantDefaults drops the tenant defaults and the order breakdowns that embed them.
func (c *Cache) InvalidateTenantDefaults(tenantID string) int {
	c.defaults.Delete(tenantID)
	return c.InvalidateTenantOrders(tenantID)
}

// InvalidateTenantOrders drops every order breakdown of the tenant.
func (c *Cache) InvalidateTenantOrders(tenantID string) int {
	return c.orders.DeleteFunc(func(k OrderKey) bool { return k.TenantID == tenantID })
}

// InvalidateTenant drops everything cached for the tenant.
func (c *Cache) InvalidateTenant(tenantID string) int {
	n := c.InvalidateTenantDefaults(tenantID)
	return n + c.InvalidateTenantReports(tenantID)
}

// Clear empties every store.
func (c *Cache) Clear() {
	c.orders.Clear()
	c.reports.Clear()
	c.defaults.Clear()
}

// Sweep removes expired entries from every store.
func (c *Cache) Sweep() int {
	return c.orders.Sweep() + c.reports.Sweep() + c.defaults.Sweep()
}

// RunSweeper sweeps every interval until ctx ends.
func (c *Cache) RunSweeper(ctx context.Context, interval time.Duration) {
	cache.RunSweeper(ctx, interval, func() { c.Sweep() })
}

// CacheStats reports the counters of the three stores.
type CacheStats struct {
	Orders   cache.Stats `json:"orders"`
	Reports  cache.Stats `json:"reports"`
	Defaults cache.Stats `json:"defaults"`
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	return CacheStats{Orders: c.orders.Stats(), Reports: c.reports.Stats(), Defaults: c.defaults.Stats()}
}

func cloneBreakdown(b ProfitBreakdown) ProfitBreakdown {
	if b.Warnings != nil {
		b.Warnings = append([]string(nil), b.Warnings...)
	}
	return b
}
