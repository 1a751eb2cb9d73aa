package profit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// Period is the trend granularity of a report.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// ParsePeriod normalises s. An empty value selects monthly.
func ParsePeriod(s string) (Period, bool) {
	switch Period(strings.ToLower(strings.TrimSpace(s))) {
	case "", PeriodMonthly:
		return PeriodMonthly, true
	case PeriodDaily:
		return PeriodDaily, true
	case PeriodWeekly:
		return PeriodWeekly, true
	}
	return "", false
}

// Bucket maps t to its trend key. Weeks start on Monday (ISO 8601); keys sort chronologically.
func (p Period) Bucket(t time.Time) string {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodDaily:
		return day.Format("2006-01-02")
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset).Format("2006-01-02")
	default:
		return day.Format("2006-01")
	}
}

// ReportQuery selects the orders of a period report.
type ReportQuery struct {
	TenantID string
	Range    DateRange
	Period   Period
	Filters  OrderFilters
}

// Validate checks the query before it reaches storage.
func (q ReportQuery) Validate() error {
	if strings.TrimSpace(q.TenantID) == "" {
		return fieldError(KindValidation, CodeInvalidIdentifier, "tenant_id", q.TenantID, "tenant id is required")
	}
	if q.Range.From.IsZero() || q.Range.To.IsZero() {
		return fieldError(KindValidation, CodeRequiredField, "range", nil, "date range is required")
	}
	if !q.Range.From.Before(q.Range.To) {
		return fieldError(KindValidation, CodeInvalidCostRange, "range", fmt.Sprintf("%s..%s",
			q.Range.From.Format(time.RFC3339), q.Range.To.Format(time.RFC3339)), "range start must be before its end")
	}
	if _, ok := ParsePeriod(string(q.Period)); !ok {
		return fieldError(KindValidation, CodeInvalidIdentifier, "period", string(q.Period), "period must be daily, weekly or monthly")
	}
	if q.Filters.Status != "" {
		if _, ok := ParseStatus(string(q.Filters.Status)); !ok {
			return fieldError(KindValidation, CodeInvalidIdentifier, "status", string(q.Filters.Status), "unknown order status")
		}
	}
	return nil
}

func (q ReportQuery) normalized() ReportQuery {
	q.Period, _ = ParsePeriod(string(q.Period))
	if q.Filters.Status != "" {
		q.Filters.Status, _ = ParseStatus(string(q.Filters.Status))
	}
	q.Range.From = q.Range.From.UTC()
	q.Range.To = q.Range.To.UTC()
	return q
}

// ReportSummary totals a report.
type ReportSummary struct {
	TotalRevenue   float64 `json:"total_revenue"`
	TotalCosts     float64 `json:"total_costs"`
	GrossProfit    float64 `json:"gross_profit"`
	NetProfit      float64 `json:"net_profit"`
	ProfitMargin   float64 `json:"profit_margin"`
	OrderCount     int     `json:"order_count"`
	ReturnCount    int     `json:"return_count"`
	EstimatedCount int     `json:"estimated_count"`
	SkippedCount   int     `json:"skipped_count"`
}

// CostTotals sums each cost category.
type CostTotals struct {
	Product   float64 `json:"product"`
	Lead      float64 `json:"lead"`
	Packaging float64 `json:"packaging"`
	Printing  float64 `json:"printing"`
	Return    float64 `json:"return"`
}

// TrendPoint is one bucket of the trend.
type TrendPoint struct {
	Bucket     string  `json:"bucket"`
	Revenue    float64 `json:"revenue"`
	Costs      float64 `json:"costs"`
	Profit     float64 `json:"profit"`
	OrderCount int     `json:"order_count"`
}

// PeriodProfitReport aggregates order breakdowns over a date range.
type PeriodProfitReport struct {
	TenantID    string        `json:"tenant_id"`
	Range       DateRange     `json:"range"`
	Period      Period        `json:"period"`
	Filters     OrderFilters  `json:"filters"`
	Summary     ReportSummary `json:"summary"`
	Breakdown   CostTotals    `json:"breakdown"`
	Trend       []TrendPoint  `json:"trend"`
	Warnings    []string      `json:"warnings,omitempty"`
	GeneratedAt time.Time     `json:"generated_at"`
}

func cloneReport(r PeriodProfitReport) PeriodProfitReport {
	r.Trend = append([]TrendPoint(nil), r.Trend...)
	if r.Warnings != nil {
		r.Warnings = append([]string(nil), r.Warnings...)
	}
	return r
}

// AggregatorConfig tunes an Aggregator.
type AggregatorConfig struct {
	Concurrency int
	Logger      *slog.Logger
	Now         func() time.Time
}

// Aggregator builds period reports.
type Aggregator struct {
	repo        Repository
	engine      *Engine
	cache       *Cache
	monitor     *Monitor
	concurrency int
	logger      *slog.Logger
	now         func() time.Time
}

// NewAggregator wires an aggregator sharing the engine cache.
func NewAggregator(repo Repository, engine *Engine, monitor *Monitor, cfg AggregatorConfig) *Aggregator {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultBatchConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Aggregator{
		repo:        repo,
		engine:      engine,
		cache:       engine.Cache(),
		monitor:     monitor,
		concurrency: cfg.Concurrency,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

// CalculatePeriodProfit returns the report for q, from cache when the same query was answered
// recently.
func (a *Aggregator) CalculatePeriodProfit(ctx context.Context, q ReportQuery) (PeriodProfitReport, error) {
	if err := q.Validate(); err != nil {
		return PeriodProfitReport{}, err
	}
	q = q.normalized()
	tracker := a.monitor.Track(OpPeriodReport, slog.String("tenant_id", q.TenantID), slog.String("period", string(q.Period)))
	key := reportKeyFor(q)
	if cached, ok := a.cache.report(key); ok {
		tracker.CacheHit()
		return cloneReport(cached), tracker.End(nil)
	}
	tok := a.cache.reportToken(key)

	records, err := a.repo.QueryOrders(ctx, q.TenantID, q.Range, q.Filters)
	if err != nil {
		return PeriodProfitReport{}, tracker.End(wrapStorage(err, "query orders"))
	}
	breakdowns, warnings := a.collect(ctx, q.TenantID, records)
	if err := ctx.Err(); err != nil {
		return PeriodProfitReport{}, tracker.End(err)
	}

	report := Aggregate(q, records, breakdowns)
	report.Warnings = append(report.Warnings, warnings...)
	report.GeneratedAt = a.now().UTC()
	if report.Summary.EstimatedCount > 0 {
		tracker.Fallback()
	}
	a.cache.storeReport(key, cloneReport(report), tok)
	return report, tracker.End(nil)
}

// collect resolves a breakdown for every record. Entries stay nil for orders that failed.
func (a *Aggregator) collect(ctx context.Context, tenantID string, records []OrderRecord) ([]*ProfitBreakdown, []string) {
	out := make([]*ProfitBreakdown, len(records))
	policy := a.engine.Policy()
	var pending []int
	var warnings []string
	for i, rec := range records {
		if rec.Costs == nil || !rec.Costs.Complete() {
			pending = append(pending, i)
			continue
		}
		fixed := policy.RepairOrderCosts(*rec.Costs, rec.Order.Total)
		if fixed.Applied() {
			warnings = append(warnings, fmt.Sprintf("order %s: %s", rec.Order.ID, strings.Join(fixed.Warnings, "; ")))
		}
		b := breakdownFromCosts(rec.Order, fixed.Value)
		out[i] = &b
	}

	var g errgroup.Group
	g.SetLimit(a.concurrency)
	for _, i := range pending {
		order := records[i].Order
		g.Go(func() error {
			b, err := a.engine.CalculateOrderProfit(ctx, order.ID, tenantID)
			if err != nil {
				a.logger.Warn("period report skipped order", slog.String("tenant_id", tenantID),
					slog.String("order_id", order.ID), slog.Any("error", err))
				return nil
			}
			out[i] = &b
			return nil
		})
	}
	_ = g.Wait()
	return out, warnings
}

func breakdownFromCosts(order Order, c OrderCosts) ProfitBreakdown {
	revenue := round2(order.Total)
	costs := CostVector{
		Product:   c.ProductCost,
		Lead:      c.LeadCost,
		Packaging: c.PackagingCost,
		Printing:  c.PrintingCost,
		Return:    c.ReturnCost,
		Total:     c.TotalCosts,
	}
	net := subMoney(revenue, costs.Total)
	return ProfitBreakdown{
		OrderID:      order.ID,
		TenantID:     order.TenantID,
		Revenue:      revenue,
		Costs:        costs,
		GrossProfit:  subMoney(revenue, costs.Product),
		NetProfit:    net,
		ProfitMargin: margin(net, revenue),
		IsReturn:     order.Status.IsReturn(),
		CalculatedAt: c.CalculatedAt,
	}
}

type bucketSums struct {
	revenue decimal.Decimal
	costs   decimal.Decimal
	profit  decimal.Decimal
	count   int
}

// Aggregate folds breakdowns into a report. breakdowns is parallel to records; nil entries
// are counted as skipped.
func Aggregate(q ReportQuery, records []OrderRecord, breakdowns []*ProfitBreakdown) PeriodProfitReport {
	var revenue, costs, gross, net decimal.Decimal
	var product, lead, packaging, printing, returnTotal decimal.Decimal
	summary := ReportSummary{}
	buckets := make(map[string]*bucketSums)
	for i, b := range breakdowns {
		if b == nil {
			summary.SkippedCount++
			continue
		}
		summary.OrderCount++
		if b.IsReturn {
			summary.ReturnCount++
		}
		if b.Estimated {
			summary.EstimatedCount++
		}
		bRevenue := decimal.NewFromFloat(b.Revenue)
		bCosts := decimal.NewFromFloat(b.Costs.Total)
		bNet := decimal.NewFromFloat(b.NetProfit)
		revenue = revenue.Add(bRevenue)
		costs = costs.Add(bCosts)
		net = net.Add(bNet)
		gross = gross.Add(decimal.NewFromFloat(b.GrossProfit))
		product = product.Add(decimal.NewFromFloat(b.Costs.Product))
		lead = lead.Add(decimal.NewFromFloat(b.Costs.Lead))
		packaging = packaging.Add(decimal.NewFromFloat(b.Costs.Packaging))
		printing = printing.Add(decimal.NewFromFloat(b.Costs.Printing))
		returnTotal = returnTotal.Add(decimal.NewFromFloat(b.Costs.Return))

		key := q.Period.Bucket(records[i].Order.CreatedAt)
		sums, ok := buckets[key]
		if !ok {
			sums = &bucketSums{}
			buckets[key] = sums
		}
		sums.revenue = sums.revenue.Add(bRevenue)
		sums.costs = sums.costs.Add(bCosts)
		sums.profit = sums.profit.Add(bNet)
		sums.count++
	}

	summary.TotalRevenue = toMoney(revenue)
	summary.TotalCosts = toMoney(costs)
	summary.GrossProfit = toMoney(gross)
	summary.NetProfit = toMoney(net)
	summary.ProfitMargin = margin(summary.NetProfit, summary.TotalRevenue)

	trend := make([]TrendPoint, 0, len(buckets))
	for key, sums := range buckets {
		trend = append(trend, TrendPoint{
			Bucket:     key,
			Revenue:    toMoney(sums.revenue),
			Costs:      toMoney(sums.costs),
			Profit:     toMoney(sums.profit),
			OrderCount: sums.count,
		})
	}
	sort.Slice(trend, func(i, j int) bool { return trend[i].Bucket < trend[j].Bucket })

	return PeriodProfitReport{
		TenantID: q.TenantID,
		Range:    q.Range,
		Period:   q.Period,
		Filters:  q.Filters,
		Summary:  summary,
		Breakdown: CostTotals{
			Product:   toMoney(product),
			Lead:      toMoney(lead),
			Packaging: toMoney(packaging),
			Printing:  toMoney(printing),
			Return:    toMoney(returnTotal),
		},
		Trend: trend,
	}
}

func toMoney(d decimal.Decimal) float64 {
	f, _ := d.Round(2).Float64()
	return f
}
