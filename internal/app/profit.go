package app

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/salesprofit/internal/profit"
)

// ProfitServices bundles the wired profit components shared by the server, worker and CLI.
type ProfitServices struct {
	Cache      *profit.Cache
	Monitor    *profit.Monitor
	Dispatcher *profit.Dispatcher
	Engine     *profit.Engine
	Aggregator *profit.Aggregator
	Tracker    *profit.CostTracker
}

// NewProfitServices wires the profit components. publisher and registerer may be nil.
func NewProfitServices(cfg ProfitConfig, repo profit.Repository, publisher profit.Publisher, registerer prometheus.Registerer, logger *slog.Logger) *ProfitServices {
	if logger == nil {
		logger = slog.Default()
	}
	c := profit.NewCache(cfg.CacheConfig())
	monitor := profit.NewMonitor(profit.MonitorConfig{
		SlowOrder:  cfg.SlowOrderThreshold,
		SlowReport: cfg.SlowReportThreshold,
		Registerer: registerer,
		Logger:     logger,
	})
	dispatcher := profit.NewDispatcher(c, publisher, logger)
	engine := profit.NewEngine(repo, c, monitor, dispatcher, profit.EngineConfig{
		Policy:           cfg.FallbackPolicy(),
		BatchConcurrency: cfg.BatchConcurrency,
		CalcTimeout:      cfg.CalcTimeout,
		Logger:           logger,
	})
	return &ProfitServices{
		Cache:      c,
		Monitor:    monitor,
		Dispatcher: dispatcher,
		Engine:     engine,
		Aggregator: profit.NewAggregator(repo, engine, monitor, profit.AggregatorConfig{
			Concurrency: cfg.BatchConcurrency,
			Logger:      logger,
		}),
		Tracker: profit.NewCostTracker(repo, engine, dispatcher, logger),
	}
}

// CacheConfig maps the cache settings.
func (p ProfitConfig) CacheConfig() profit.CacheConfig {
	return profit.CacheConfig{
		OrderTTL:    p.OrderCacheTTL,
		ReportTTL:   p.ReportCacheTTL,
		DefaultsTTL: p.DefaultsCacheTTL,
		MaxEntries:  p.CacheMaxEntries,
	}
}

// FallbackPolicy overlays the configured heuristics on the default ratios.
func (p ProfitConfig) FallbackPolicy() profit.FallbackPolicy {
	policy := profit.DefaultFallbackPolicy()
	policy.ProductRatio = p.FallbackProductRatio
	policy.LeadCost = p.FallbackLeadCost
	policy.Packaging = p.FallbackPackaging
	policy.Printing = p.FallbackPrinting
	policy.Return = p.FallbackReturn
	return policy
}
