package profit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/salesprofit/internal/platform/db"
)

const pgForeignKeyViolation = "23503"

type dbtx interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
}

// PostgresRepository implements Repository on top of pgx. Every statement is filtered by
// tenant_id.
type PostgresRepository struct {
	db   dbtx
	pool *pgxpool.Pool
}

// NewPostgresRepository constructs the repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: pool, pool: pool}
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

const orderColumns = `o.id, o.tenant_id, o.total::float8, o.quantity, o.status::text, o.product_id, o.lead_id, o.user_id, o.created_at`

func scanOrder(row pgx.Row, extra ...any) (Order, error) {
	var o Order
	var status string
	var productID, leadID, userID pgtype.Text
	dest := append([]any{&o.ID, &o.TenantID, &o.Total, &o.Quantity, &status, &productID, &leadID, &userID, &o.CreatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return Order{}, err
	}
	o.Status = OrderStatus(strings.ToUpper(status))
	if productID.Valid {
		o.ProductID = productID.String
	}
	if leadID.Valid {
		o.LeadID = leadID.String
	}
	if userID.Valid {
		o.UserID = userID.String
	}
	return o, nil
}

func (r *PostgresRepository) GetOrder(ctx context.Context, tenantID, orderID string) (Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders o WHERE o.tenant_id = $1 AND o.id = $2`, tenantID, orderID)
	o, err := scanOrder(row)
	if err != nil {
		return Order{}, notFound(err)
	}
	return o, nil
}

func (r *PostgresRepository) GetProduct(ctx context.Context, tenantID, productID string) (Product, error) {
	var p Product
	err := r.db.QueryRow(ctx, `
		SELECT id, cost_price::float8, selling_price::float8
		FROM products
		WHERE tenant_id = $1 AND id = $2`, tenantID, productID).Scan(&p.ID, &p.CostPrice, &p.SellingPrice)
	if err != nil {
		return Product{}, notFound(err)
	}
	return p, nil
}

const batchColumns = `b.id, b.tenant_id, b.user_id, b.total_cost::float8, b.lead_count, b.cost_per_lead::float8, b.created_at, b.updated_at`

func scanBatch(row pgx.Row) (LeadBatch, error) {
	var b LeadBatch
	var userID pgtype.Text
	if err := row.Scan(&b.ID, &b.TenantID, &userID, &b.TotalCost, &b.LeadCount, &b.CostPerLead, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return LeadBatch{}, notFound(err)
	}
	if userID.Valid {
		b.UserID = userID.String
	}
	return b, nil
}

func (r *PostgresRepository) GetLeadBatchForLead(ctx context.Context, tenantID, leadID string) (LeadBatch, error) {
	return scanBatch(r.db.QueryRow(ctx, `
		SELECT `+batchColumns+`
		FROM leads l
		JOIN lead_batches b ON b.id = l.batch_id AND b.tenant_id = l.tenant_id
		WHERE l.tenant_id = $1 AND l.id = $2`, tenantID, leadID))
}

func (r *PostgresRepository) GetLeadBatch(ctx context.Context, tenantID, batchID string) (LeadBatch, error) {
	return scanBatch(r.db.QueryRow(ctx, `SELECT `+batchColumns+` FROM lead_batches b WHERE b.tenant_id = $1 AND b.id = $2`,
		tenantID, batchID))
}

func (r *PostgresRepository) CreateLeadBatch(ctx context.Context, tenantID string, batch LeadBatch) (LeadBatch, error) {
	var userID *string
	if batch.UserID != "" {
		userID = &batch.UserID
	}
	return scanBatch(r.db.QueryRow(ctx, `
		INSERT INTO lead_batches AS b (id, tenant_id, user_id, total_cost, lead_count, cost_per_lead, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		RETURNING `+batchColumns,
		batch.ID, tenantID, userID, batch.TotalCost, batch.LeadCount, batch.CostPerLead, batch.CreatedAt))
}

func (r *PostgresRepository) UpdateLeadBatchCost(ctx context.Context, tenantID, batchID string, totalCost, costPerLead float64) (LeadBatch, error) {
	return scanBatch(r.db.QueryRow(ctx, `
		UPDATE lead_batches AS b
		SET total_cost = $3, cost_per_lead = $4, updated_at = NOW()
		WHERE b.tenant_id = $1 AND b.id = $2
		RETURNING `+batchColumns, tenantID, batchID, totalCost, costPerLead))
}

// DeleteLeadBatch refuses to remove a batch that leads still point at.
func (r *PostgresRepository) DeleteLeadBatch(ctx context.Context, tenantID, batchID string) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		var inUse bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM leads WHERE tenant_id = $1 AND batch_id = $2)`,
			tenantID, batchID).Scan(&inUse); err != nil {
			return err
		}
		if inUse {
			return ErrLeadBatchInUse
		}
		tag, err := tx.Exec(ctx, `DELETE FROM lead_batches WHERE tenant_id = $1 AND id = $2`, tenantID, batchID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgForeignKeyViolation {
		return ErrLeadBatchInUse
	}
	return err
}

const costColumns = `c.order_id, c.tenant_id, c.product_cost::float8, c.lead_cost::float8, c.packaging_cost::float8,
	c.printing_cost::float8, c.return_cost::float8, c.total_costs::float8, c.gross_profit::float8,
	c.net_profit::float8, c.profit_margin::float8, c.manual, c.calculated_at`

func (r *PostgresRepository) GetOrderCosts(ctx context.Context, tenantID, orderID string) (OrderCosts, error) {
	var c OrderCosts
	var calculatedAt pgtype.Timestamptz
	err := r.db.QueryRow(ctx, `SELECT `+costColumns+` FROM order_costs c WHERE c.tenant_id = $1 AND c.order_id = $2`,
		tenantID, orderID).Scan(&c.OrderID, &c.TenantID, &c.ProductCost, &c.LeadCost, &c.PackagingCost,
		&c.PrintingCost, &c.ReturnCost, &c.TotalCosts, &c.GrossProfit, &c.NetProfit, &c.ProfitMargin,
		&c.Manual, &calculatedAt)
	if err != nil {
		return OrderCosts{}, notFound(err)
	}
	if calculatedAt.Valid {
		c.CalculatedAt = calculatedAt.Time
	}
	return c, nil
}

func (r *PostgresRepository) UpsertOrderCosts(ctx context.Context, tenantID string, c OrderCosts) error {
	var calculatedAt *time.Time
	if !c.CalculatedAt.IsZero() {
		calculatedAt = &c.CalculatedAt
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO order_costs (order_id, tenant_id, product_cost, lead_cost, packaging_cost, printing_cost,
			return_cost, total_costs, gross_profit, net_profit, profit_margin, manual, calculated_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
		ON CONFLICT (tenant_id, order_id) DO UPDATE SET
			product_cost = EXCLUDED.product_cost,
			lead_cost = EXCLUDED.lead_cost,
			packaging_cost = EXCLUDED.packaging_cost,
			printing_cost = EXCLUDED.printing_cost,
			return_cost = EXCLUDED.return_cost,
			total_costs = EXCLUDED.total_costs,
			gross_profit = EXCLUDED.gross_profit,
			net_profit = EXCLUDED.net_profit,
			profit_margin = EXCLUDED.profit_margin,
			manual = EXCLUDED.manual,
			calculated_at = COALESCE(EXCLUDED.calculated_at, order_costs.calculated_at),
			updated_at = NOW()`,
		c.OrderID, tenantID, c.ProductCost, c.LeadCost, c.PackagingCost, c.PrintingCost, c.ReturnCost,
		c.TotalCosts, c.GrossProfit, c.NetProfit, c.ProfitMargin, c.Manual, calculatedAt)
	if err != nil {
		return fmt.Errorf("upsert order costs: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetTenantCostConfig(ctx context.Context, tenantID string) (TenantCostConfig, error) {
	var c TenantCostConfig
	err := r.db.QueryRow(ctx, `
		SELECT tenant_id, default_packaging::float8, default_printing::float8, default_return::float8, updated_at
		FROM tenant_cost_configs
		WHERE tenant_id = $1`, tenantID).Scan(&c.TenantID, &c.DefaultPackaging, &c.DefaultPrinting, &c.DefaultReturn, &c.UpdatedAt)
	if err != nil {
		return TenantCostConfig{}, notFound(err)
	}
	return c, nil
}

// UpsertTenantCostConfig writes the supplied fields. Fields missing on insert default to 0.
func (r *PostgresRepository) UpsertTenantCostConfig(ctx context.Context, tenantID string, u TenantCostUpdate) (TenantCostConfig, error) {
	var c TenantCostConfig
	err := r.db.QueryRow(ctx, `
		INSERT INTO tenant_cost_configs (tenant_id, default_packaging, default_printing, default_return, updated_at)
		VALUES ($1, COALESCE($2::float8, 0), COALESCE($3::float8, 0), COALESCE($4::float8, 0), NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET
			default_packaging = COALESCE($2::float8, tenant_cost_configs.default_packaging),
			default_printing = COALESCE($3::float8, tenant_cost_configs.default_printing),
			default_return = COALESCE($4::float8, tenant_cost_configs.default_return),
			updated_at = NOW()
		RETURNING tenant_id, default_packaging::float8, default_printing::float8, default_return::float8, updated_at`,
		tenantID, u.DefaultPackaging, u.DefaultPrinting, u.DefaultReturn,
	).Scan(&c.TenantID, &c.DefaultPackaging, &c.DefaultPrinting, &c.DefaultReturn, &c.UpdatedAt)
	if err != nil {
		return TenantCostConfig{}, fmt.Errorf("upsert tenant cost config: %w", err)
	}
	return c, nil
}

// QueryOrders returns the tenant's orders created in rng with their cost rows.
func (r *PostgresRepository) QueryOrders(ctx context.Context, tenantID string, rng DateRange, f OrderFilters) ([]OrderRecord, error) {
	conditions := []string{"o.tenant_id = $1", "o.created_at >= $2", "o.created_at < $3"}
	args := []interface{}{tenantID, rng.From, rng.To}
	argPos := 4
	if f.ProductID != "" {
		conditions = append(conditions, fmt.Sprintf("o.product_id = $%d", argPos))
		args = append(args, f.ProductID)
		argPos++
	}
	if f.UserID != "" {
		conditions = append(conditions, fmt.Sprintf("o.user_id = $%d", argPos))
		args = append(args, f.UserID)
		argPos++
	}
	if f.Status != "" {
		conditions = append(conditions, fmt.Sprintf("o.status = $%d", argPos))
		args = append(args, string(f.Status))
	}

	query := fmt.Sprintf(`
		SELECT %s, %s
		FROM orders o
		LEFT JOIN order_costs c ON c.tenant_id = o.tenant_id AND c.order_id = o.id
		WHERE %s
		ORDER BY o.created_at, o.id`, orderColumns, nullableCostColumns, strings.Join(conditions, " AND "))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderRecord
	for rows.Next() {
		var costOrderID pgtype.Text
		var product, lead, packaging, printing, returnCost pgtype.Float8
		var total, gross, net, profitMargin pgtype.Float8
		var manual pgtype.Bool
		var calculatedAt pgtype.Timestamptz
		o, err := scanOrder(rows, &costOrderID, &product, &lead, &packaging, &printing, &returnCost,
			&total, &gross, &net, &profitMargin, &manual, &calculatedAt)
		if err != nil {
			return nil, err
		}
		rec := OrderRecord{Order: o}
		if costOrderID.Valid {
			rec.Costs = &OrderCosts{
				OrderID:       costOrderID.String,
				TenantID:      o.TenantID,
				ProductCost:   product.Float64,
				LeadCost:      lead.Float64,
				PackagingCost: packaging.Float64,
				PrintingCost:  printing.Float64,
				ReturnCost:    returnCost.Float64,
				TotalCosts:    total.Float64,
				GrossProfit:   gross.Float64,
				NetProfit:     net.Float64,
				ProfitMargin:  profitMargin.Float64,
				Manual:        manual.Bool,
			}
			if calculatedAt.Valid {
				rec.Costs.CalculatedAt = calculatedAt.Time
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const nullableCostColumns = `c.order_id, c.product_cost::float8, c.lead_cost::float8, c.packaging_cost::float8,
	c.printing_cost::float8, c.return_cost::float8, c.total_costs::float8, c.gross_profit::float8,
	c.net_profit::float8, c.profit_margin::float8, c.manual, c.calculated_at`

// ListOrderIDsByProduct returns the ids of the tenant's orders for a product.
func (r *PostgresRepository) ListOrderIDsByProduct(ctx context.Context, tenantID, productID string) ([]string, error) {
	rows, err := r.db.Query(ctx, `SELECT id FROM orders WHERE tenant_id = $1 AND product_id = $2 ORDER BY created_at`,
		tenantID, productID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)
