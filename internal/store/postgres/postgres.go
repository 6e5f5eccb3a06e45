package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/store"
)

const itemColumns = `id, shop_id, sku, name, price, stock_quantity, baseline_quantity, min_stock_level, active, created_at, updated_at`

const adjustmentColumns = `id, item_id, shop_id, quantity, quantity_before, quantity_after, reason, source,
	COALESCE(reference_id, '') AS reference_id, COALESCE(created_by, '') AS created_by, created_at`

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type Store struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func New(ctx context.Context, databaseURL string, pool PoolConfig, logger *zap.Logger) (*Store, error) {
	db, err := sqlx.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	if pool.MaxIdleConns < 1 {
		pool.MaxIdleConns = 8
	}
	if pool.MaxOpenConns < 1 {
		pool.MaxOpenConns = 30
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 30 * time.Minute
	}
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return NewWithDB(db, logger), nil
}

// NewWithDB wraps an already opened handle. The handle must use a
// dollar-placeholder driver name such as "pgx".
func NewWithDB(db *sqlx.DB, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger}
}

func (s *Store) DB() *sqlx.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error) {
	if item.ID == "" || item.ShopID == "" || item.SKU == "" {
		return nil, domain.ValidationError("item id, shop and sku are required")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO items (`+itemColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, item.ID, item.ShopID, item.SKU, item.Name, item.Price, item.StockQuantity, item.BaselineQuantity,
		item.MinStockLevel, item.Active, item.CreatedAt, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrDuplicateSKU
		}
		return nil, domain.TransactionError("insert item", err)
	}

	created := item
	return &created, nil
}

func (s *Store) GetItem(ctx context.Context, shopID string, itemID string) (*domain.Item, error) {
	var item domain.Item
	err := s.db.GetContext(ctx, &item, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id = $1 AND shop_id = $2 AND active = true
	`, itemID, shopID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, domain.TransactionError("get item", err)
	}
	return &item, nil
}

func (s *Store) ListItems(ctx context.Context, shopID string, lowStockOnly bool) ([]domain.Item, error) {
	query := `
		SELECT ` + itemColumns + `
		FROM items
		WHERE shop_id = $1 AND active = true`
	if lowStockOnly {
		query += ` AND stock_quantity <= min_stock_level`
	}
	query += ` ORDER BY sku`

	items := make([]domain.Item, 0, 64)
	if err := s.db.SelectContext(ctx, &items, query, shopID); err != nil {
		return nil, domain.TransactionError("list items", err)
	}
	return items, nil
}

func (s *Store) RetireItem(ctx context.Context, shopID string, itemID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE items
		SET active = false, updated_at = $3
		WHERE id = $1 AND shop_id = $2 AND active = true
	`, itemID, shopID, at)
	if err != nil {
		return domain.TransactionError("retire item", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return domain.TransactionError("retire item", err)
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) ListAdjustments(ctx context.Context, itemID string, limit int) ([]domain.StockAdjustment, error) {
	if limit < 1 {
		limit = 50
	}
	adjustments := make([]domain.StockAdjustment, 0, limit)
	err := s.db.SelectContext(ctx, &adjustments, `
		SELECT `+adjustmentColumns+`
		FROM stock_adjustments
		WHERE item_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, itemID, limit)
	if err != nil {
		return nil, domain.TransactionError("list adjustments", err)
	}
	return adjustments, nil
}

// ListSales returns the shop's sales with created_at in [from, to), oldest
// first, lines attached.
func (s *Store) ListSales(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	sales := make([]domain.Sale, 0, 64)
	err := s.db.SelectContext(ctx, &sales, `
		SELECT id, shop_id, total, COALESCE(created_by, '') AS created_by, created_at
		FROM sales
		WHERE shop_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC, id ASC
	`, shopID, from, to)
	if err != nil {
		return nil, domain.TransactionError("list sales", err)
	}
	if len(sales) == 0 {
		return sales, nil
	}

	ids := make([]string, 0, len(sales))
	for _, sale := range sales {
		ids = append(ids, sale.ID)
	}
	query, args, err := sqlx.In(`
		SELECT sale_id, item_id, quantity, unit_price
		FROM sale_lines
		WHERE sale_id IN (?)
		ORDER BY sale_id, line_no
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("build sale line query: %w", err)
	}
	var lines []domain.SaleLine
	if err := s.db.SelectContext(ctx, &lines, s.db.Rebind(query), args...); err != nil {
		return nil, domain.TransactionError("list sale lines", err)
	}

	bySale := make(map[string][]domain.SaleLine, len(sales))
	for _, line := range lines {
		bySale[line.SaleID] = append(bySale[line.SaleID], line)
	}
	for i := range sales {
		sales[i].Lines = bySale[sales[i].ID]
	}
	return sales, nil
}

// WithinTx runs fn in a READ COMMITTED transaction. Row locks taken through
// the handle serialize writers per item; any error rolls everything back.
func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	sqlTx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return domain.TransactionError("begin transaction", err)
	}
	defer func() { _ = sqlTx.Rollback() }()

	if err := fn(&pgTx{tx: sqlTx}); err != nil {
		s.logger.Debug("unit of work rolled back", zap.Error(err))
		if isUniqueViolation(err) {
			return store.ErrDuplicateSKU
		}
		return domain.AsTransactionError("unit of work failed", err)
	}
	if err := sqlTx.Commit(); err != nil {
		s.logger.Error("commit failed", zap.Error(err))
		return domain.TransactionError("commit transaction", err)
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockItem(ctx context.Context, shopID string, itemID string) (*domain.Item, error) {
	var item domain.Item
	err := t.tx.GetContext(ctx, &item, `
		SELECT `+itemColumns+`
		FROM items
		WHERE id = $1 AND active = true
		FOR UPDATE
	`, itemID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if shopID != "" && item.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (t *pgTx) IncrementStock(ctx context.Context, itemID string, delta int, at time.Time) (int, error) {
	var quantity int
	err := t.tx.QueryRowxContext(ctx, `
		UPDATE items
		SET stock_quantity = stock_quantity + $2, updated_at = $3
		WHERE id = $1
		RETURNING stock_quantity
	`, itemID, delta, at).Scan(&quantity)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, err
	}
	return quantity, nil
}

func (t *pgTx) UpdateItemDetails(ctx context.Context, item domain.Item) error {
	res, err := t.tx.ExecContext(ctx, `
		UPDATE items
		SET sku = $2, name = $3, price = $4, min_stock_level = $5, updated_at = $6
		WHERE id = $1
	`, item.ID, item.SKU, item.Name, item.Price, item.MinStockLevel, item.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrDuplicateSKU
		}
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (t *pgTx) AppendAdjustment(ctx context.Context, adj domain.StockAdjustment) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO stock_adjustments (
			id, item_id, shop_id, quantity, quantity_before, quantity_after,
			reason, source, reference_id, created_by, created_at
		)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, adj.ID, adj.ItemID, adj.ShopID, adj.Quantity, adj.QuantityBefore, adj.QuantityAfter,
		adj.Reason, string(adj.Source), nullIfEmpty(adj.ReferenceID), nullIfEmpty(adj.CreatedBy), adj.CreatedAt)
	return err
}

func (t *pgTx) SummarizeLedger(ctx context.Context, itemID string) (domain.LedgerSummary, error) {
	var summary domain.LedgerSummary
	err := t.tx.GetContext(ctx, &summary, `
		SELECT COUNT(*) AS entries, COALESCE(SUM(quantity), 0) AS total
		FROM stock_adjustments
		WHERE item_id = $1
	`, itemID)
	return summary, err
}

func (t *pgTx) InsertSale(ctx context.Context, sale domain.Sale) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO sales (id, shop_id, total, created_by, created_at)
		VALUES ($1,$2,$3,$4,$5)
	`, sale.ID, sale.ShopID, sale.Total, nullIfEmpty(sale.CreatedBy), sale.CreatedAt); err != nil {
		return err
	}
	for i, line := range sale.Lines {
		if _, err := t.tx.ExecContext(ctx, `
			INSERT INTO sale_lines (sale_id, line_no, item_id, quantity, unit_price)
			VALUES ($1,$2,$3,$4,$5)
		`, sale.ID, i+1, line.ItemID, line.Quantity, line.UnitPrice); err != nil {
			return err
		}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}
