package profit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeriodBucket(t *testing.T) {
	// 2024-03-06 is a Wednesday
	ts := time.Date(2024, 3, 6, 23, 30, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-06", PeriodDaily.Bucket(ts))
	assert.Equal(t, "2024-03-04", PeriodWeekly.Bucket(ts))
	assert.Equal(t, "2024-03", PeriodMonthly.Bucket(ts))

	sunday := time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-04", PeriodWeekly.Bucket(sunday))
	monday := time.Date(2024, 3, 11, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "2024-03-11", PeriodWeekly.Bucket(monday))

	// buckets are computed in UTC
	jakarta := time.FixedZone("WIB", 7*3600)
	assert.Equal(t, "2024-02", PeriodMonthly.Bucket(time.Date(2024, 3, 1, 5, 0, 0, 0, jakarta)))
}

func TestParsePeriod(t *testing.T) {
	p, ok := ParsePeriod("")
	require.True(t, ok)
	assert.Equal(t, PeriodMonthly, p)
	p, ok = ParsePeriod(" Weekly ")
	require.True(t, ok)
	assert.Equal(t, PeriodWeekly, p)
	_, ok = ParsePeriod("yearly")
	assert.False(t, ok)
}

func TestReportQueryValidate(t *testing.T) {
	q := testReportQuery("t1")
	require.NoError(t, q.Validate())

	bad := q
	bad.TenantID = ""
	assert.Equal(t, CodeInvalidIdentifier, CodeOf(bad.Validate()))

	bad = q
	bad.Range.To = bad.Range.From
	assert.Equal(t, CodeInvalidCostRange, CodeOf(bad.Validate()))

	bad = q
	bad.Range = DateRange{}
	assert.Equal(t, CodeRequiredField, CodeOf(bad.Validate()))

	bad = q
	bad.Period = "hourly"
	assert.Error(t, bad.Validate())

	bad = q
	bad.Filters.Status = "LOST"
	assert.Error(t, bad.Validate())
}

func newTestAggregator(t *testing.T, repo *memRepo) (*Aggregator, *Engine) {
	t.Helper()
	engine := newTestEngine(t, repo)
	return NewAggregator(repo, engine, engine.monitor, AggregatorConfig{
		Logger: discardLogger(),
		Now:    func() time.Time { return testNow },
	}), engine
}

func TestCalculatePeriodProfitSumsStoredCosts(t *testing.T) {
	repo := newMemRepo()
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("o%02d", i)
		repo.addOrder(Order{
			ID: id, TenantID: "t1", Total: 100, Quantity: 1, Status: StatusDelivered,
			CreatedAt: time.Date(2024, 3, 1+i, 9, 0, 0, 0, time.UTC),
		})
		require.NoError(t, repo.UpsertOrderCosts(context.Background(), "t1", OrderCosts{
			OrderID: id, ProductCost: 40, LeadCost: 10, PackagingCost: 5, PrintingCost: 3,
			TotalCosts: 58, CalculatedAt: testNow,
		}))
	}
	agg, _ := newTestAggregator(t, repo)

	report, err := agg.CalculatePeriodProfit(context.Background(), testReportQuery("t1"))
	require.NoError(t, err)
	assert.Equal(t, 1000.0, report.Summary.TotalRevenue)
	assert.Equal(t, 580.0, report.Summary.TotalCosts)
	assert.Equal(t, 420.0, report.Summary.NetProfit)
	assert.Equal(t, 600.0, report.Summary.GrossProfit)
	assert.Equal(t, 42.0, report.Summary.ProfitMargin)
	assert.Equal(t, 10, report.Summary.OrderCount)
	assert.Equal(t, CostTotals{Product: 400, Lead: 100, Packaging: 50, Printing: 30}, report.Breakdown)
	require.Len(t, report.Trend, 1)
	assert.Equal(t, "2024-03", report.Trend[0].Bucket)
	assert.Equal(t, 10, report.Trend[0].OrderCount)
	assert.Equal(t, testNow, report.GeneratedAt)

	// complete rows never reach the engine
	assert.Equal(t, 0, repo.callCount("GetOrder"))
}

func TestCalculatePeriodProfitComputesMissingRows(t *testing.T) {
	repo := newMemRepo()
	seedStandardOrder(repo, StatusConfirmed)
	repo.addOrder(Order{ID: "o9", TenantID: "t1", Total: 0, Quantity: 1, Status: StatusConfirmed})
	agg, _ := newTestAggregator(t, repo)

	report, err := agg.CalculatePeriodProfit(context.Background(), testReportQuery("t1"))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.OrderCount)
	assert.Equal(t, 1, report.Summary.SkippedCount)
	assert.Equal(t, 36.99, report.Summary.NetProfit)
	assert.Equal(t, 41.1, report.Summary.ProfitMargin)
}

func TestCalculatePeriodProfitRepairsDriftedRows(t *testing.T) {
	repo := newMemRepo()
	repo.addOrder(Order{ID: "o1", TenantID: "t1", Total: 100, Quantity: 1, Status: StatusDelivered})
	require.NoError(t, repo.UpsertOrderCosts(context.Background(), "t1", OrderCosts{
		OrderID: "o1", ProductCost: 40, LeadCost: 10, TotalCosts: 99, CalculatedAt: testNow,
	}))
	agg, _ := newTestAggregator(t, repo)

	report, err := agg.CalculatePeriodProfit(context.Background(), testReportQuery("t1"))
	require.NoError(t, err)
	assert.Equal(t, 50.0, report.Summary.TotalCosts)
	require.Len(t, report.Warnings, 1)
	assert.Contains(t, report.Warnings[0], "order o1: stored total 99.00 did not match components 50.00")
}

func TestCalculatePeriodProfitKeepsZeroCostProductRows(t *testing.T) {
	repo := newMemRepo()
	repo.addOrder(Order{ID: "o1", TenantID: "t1", Total: 100, Quantity: 1, Status: StatusDelivered, ProductID: "free"})
	repo.addProduct("t1", Product{ID: "free", CostPrice: 0, SellingPrice: 100})
	repo.setConfig(TenantCostConfig{TenantID: "t1", DefaultPackaging: 5, DefaultPrinting: 3, DefaultReturn: 15})
	agg, engine := newTestAggregator(t, repo)
	ctx := context.Background()

	b, err := engine.CalculateOrderProfit(ctx, "o1", "t1")
	require.NoError(t, err)
	require.Equal(t, 0.0, b.Costs.Product)
	require.Equal(t, 8.0, b.Costs.Total)
	require.Equal(t, ReasonProductZeroCost, b.FallbackReason)

	report, err := agg.CalculatePeriodProfit(ctx, testReportQuery("t1"))
	require.NoError(t, err)
	assert.Equal(t, b.Costs.Total, report.Summary.TotalCosts)
	assert.Equal(t, b.NetProfit, report.Summary.NetProfit)
	assert.Empty(t, report.Warnings)
	assert.Equal(t, 1, repo.callCount("GetOrder"))
}

func TestCalculatePeriodProfitCachesAndInvalidates(t *testing.T) {
	repo := newMemRepo()
	seedStandardOrder(repo, StatusConfirmed)
	agg, engine := newTestAggregator(t, repo)
	ctx := context.Background()
	q := testReportQuery("t1")

	first, err := agg.CalculatePeriodProfit(ctx, q)
	require.NoError(t, err)
	second, err := agg.CalculatePeriodProfit(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, repo.callCount("QueryOrders"))

	repo.addOrder(Order{ID: "o2", TenantID: "t1", Total: 100, Quantity: 1, Status: StatusConfirmed, ProductID: "p1"})
	_, err = engine.dispatcher.Dispatch(ctx, Event{Type: EventOrderCreated, TenantID: "t1", OrderID: "o2"})
	require.NoError(t, err)

	third, err := agg.CalculatePeriodProfit(ctx, q)
	require.NoError(t, err)
	assert.Equal(t, 2, repo.callCount("QueryOrders"))
	assert.Equal(t, 2, third.Summary.OrderCount)
}

func TestCalculatePeriodProfitFilters(t *testing.T) {
	repo := newMemRepo()
	seedStandardOrder(repo, StatusConfirmed)
	repo.addOrder(Order{ID: "o2", TenantID: "t1", Total: 100, Quantity: 1, Status: StatusReturned, ProductID: "p1"})
	repo.addOrder(Order{ID: "o3", TenantID: "t1", Total: 100, Quantity: 1, Status: StatusConfirmed, ProductID: "p2"})
	agg, _ := newTestAggregator(t, repo)

	q := testReportQuery("t1")
	q.Filters = OrderFilters{ProductID: "p1", Status: "returned"}
	report, err := agg.CalculatePeriodProfit(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Summary.OrderCount)
	assert.Equal(t, 1, report.Summary.ReturnCount)
	assert.Equal(t, StatusReturned, report.Filters.Status)
}

func TestCalculatePeriodProfitStorageFailure(t *testing.T) {
	repo := newMemRepo()
	repo.failWith("QueryOrders", errors.New("too many connections"))
	agg, _ := newTestAggregator(t, repo)

	_, err := agg.CalculatePeriodProfit(context.Background(), testReportQuery("t1"))
	require.Error(t, err)
	assert.Equal(t, CodeStorage, CodeOf(err))
}

func TestAggregateTrendOrdering(t *testing.T) {
	q := testReportQuery("t1")
	q.Period = PeriodDaily
	records := []OrderRecord{
		{Order: Order{ID: "a", CreatedAt: time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)}},
		{Order: Order{ID: "b", CreatedAt: time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)}},
		{Order: Order{ID: "c", CreatedAt: time.Date(2024, 3, 5, 18, 0, 0, 0, time.UTC)}},
	}
	breakdowns := []*ProfitBreakdown{
		{Revenue: 10.1, Costs: CostVector{Total: 5}, NetProfit: 5.1, IsReturn: true},
		{Revenue: 20.2, Costs: CostVector{Total: 10}, NetProfit: 10.2, Estimated: true},
		nil,
	}

	report := Aggregate(q, records, breakdowns)
	require.Len(t, report.Trend, 2)
	assert.Equal(t, "2024-03-02", report.Trend[0].Bucket)
	assert.Equal(t, "2024-03-05", report.Trend[1].Bucket)
	assert.Equal(t, 30.3, report.Summary.TotalRevenue)
	assert.Equal(t, 1, report.Summary.ReturnCount)
	assert.Equal(t, 1, report.Summary.EstimatedCount)
	assert.Equal(t, 1, report.Summary.SkippedCount)

	empty := Aggregate(q, nil, nil)
	assert.Zero(t, empty.Summary.ProfitMargin)
	assert.Empty(t, empty.Trend)
}
