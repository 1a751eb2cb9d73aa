package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/salesprofit/internal/jobs"
	"github.com/odyssey-erp/salesprofit/internal/profit"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// Recalculator recomputes stored order breakdowns.
type Recalculator interface {
	RecalculateOrders(ctx context.Context, tenantID string, orderIDs []string) (profit.RecalculationResult, error)
}

// OrderSource lists the orders a recalculation covers.
type OrderSource interface {
	QueryOrders(ctx context.Context, tenantID string, rng profit.DateRange, filters profit.OrderFilters) ([]profit.OrderRecord, error)
	ListOrderIDsByProduct(ctx context.Context, tenantID, productID string) ([]string, error)
}

// ProfitRecalculationJob handles the profit:* tasks.
type ProfitRecalculationJob struct {
	Engine  Recalculator
	Orders  OrderSource
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewProfitRecalculationJob wires dependencies for the recalculation handlers.
func NewProfitRecalculationJob(engine Recalculator, orders OrderSource, logger *slog.Logger, metrics *jobmetrics.Metrics) *ProfitRecalculationJob {
	return &ProfitRecalculationJob{
		Engine:  engine,
		Orders:  orders,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// HandleRecalculate processes TaskProfitRecalculate tasks.
func (j *ProfitRecalculationJob) HandleRecalculate(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil || j.Orders == nil {
		return errors.New("profit recalculate: handler not configured")
	}
	var payload RecalculatePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if err := payload.normalize(); err != nil {
		return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
	}

	tracker := j.metrics().Track(TaskProfitRecalculate)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskProfitRecalculate).With(slog.String("tenant_id", payload.TenantID))
	ids := payload.OrderIDs
	if len(ids) == 0 {
		now := j.now()
		records, err := j.Orders.QueryOrders(ctx, payload.TenantID, profit.DateRange{
			From: now.AddDate(0, 0, -payload.LookbackDays),
			To:   now,
		}, profit.OrderFilters{})
		if err != nil {
			resultErr = err
			logger.Error("load orders for recalculation", slog.Any("error", err))
			return resultErr
		}
		ids = make([]string, 0, len(records))
		for _, rec := range records {
			ids = append(ids, rec.Order.ID)
		}
	}

	reason := payload.Reason
	if reason == "" {
		reason = jobmetrics.ReasonManual
	}
	resultErr = j.recalculate(ctx, logger, payload.TenantID, ids, reason)
	return resultErr
}

// HandleProductCostChanged processes TaskProductCostChanged tasks.
func (j *ProfitRecalculationJob) HandleProductCostChanged(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Engine == nil || j.Orders == nil {
		return errors.New("product cost changed: handler not configured")
	}
	var payload ProductCostChangedPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TenantID == "" || payload.ProductID == "" {
		return fmt.Errorf("%w: tenant and product are required", asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskProductCostChanged)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger(TaskProductCostChanged).With(
		slog.String("tenant_id", payload.TenantID), slog.String("product_id", payload.ProductID))
	ids, err := j.Orders.ListOrderIDsByProduct(ctx, payload.TenantID, payload.ProductID)
	if err != nil {
		resultErr = err
		logger.Error("list orders for product", slog.Any("error", err))
		return resultErr
	}
	resultErr = j.recalculate(ctx, logger, payload.TenantID, ids, jobmetrics.ReasonProductCost)
	return resultErr
}

func (j *ProfitRecalculationJob) recalculate(ctx context.Context, logger *slog.Logger, tenantID string, ids []string, reason string) error {
	if len(ids) == 0 {
		logger.Info("no orders to recalculate")
		return nil
	}
	start := j.now()
	logger.Info("starting profit recalculation", slog.Int("orders", len(ids)), slog.String("reason", reason))
	res, err := j.Engine.RecalculateOrders(ctx, tenantID, ids)
	j.metrics().AddRecalculated(reason, res.Updated+res.Estimated)
	if err != nil {
		logger.Error("recalculate orders", slog.Any("error", err))
		return err
	}
	if len(res.Failed) > 0 {
		logger.Warn("some orders could not be recalculated", slog.Any("order_ids", res.Failed))
	}
	logger.Info("completed profit recalculation",
		slog.Int("updated", res.Updated),
		slog.Int("estimated", res.Estimated),
		slog.Int("failed", len(res.Failed)),
		slog.Duration("duration", j.now().Sub(start)))
	return nil
}

func (j *ProfitRecalculationJob) logger(task string) *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", task))
	}
	return slog.Default().With(slog.String("job", task))
}

func (j *ProfitRecalculationJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *ProfitRecalculationJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
