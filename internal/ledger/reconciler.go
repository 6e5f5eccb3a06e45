package ledger

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"gudangku/backend/internal/cache"
	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/lock"
	"gudangku/backend/internal/store"
	"gudangku/backend/internal/xid"
)

const maxReasonLength = 500

type Options struct {
	Locker lock.Locker
	// Cache is invalidated for the shop after every recorded sale.
	Cache cache.TrendCache
	// AllowNegative lets every adjustment drive stock below zero, as if
	// each request were forced.
	AllowNegative bool
	Logger        *zap.Logger
	Clock         func() time.Time
}

// Reconciler is the only writer of item stock. Each call applies a stock
// delta and appends the matching ledger row in one unit of work, so
// stock_quantity == baseline_quantity + sum(ledger) holds after every commit.
type Reconciler struct {
	repo          store.Repository
	locker        lock.Locker
	cache         cache.TrendCache
	allowNegative bool
	logger        *zap.Logger
	now           func() time.Time
}

func NewReconciler(repo store.Repository, opts Options) *Reconciler {
	if opts.Locker == nil {
		opts.Locker = lock.Noop{}
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopTrendCache{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		repo:          repo,
		locker:        opts.Locker,
		cache:         opts.Cache,
		allowNegative: opts.AllowNegative,
		logger:        opts.Logger,
		now:           opts.Clock,
	}
}

type change struct {
	delta       int
	reason      string
	source      domain.AdjustmentSource
	referenceID string
	userID      string
	force       bool
	at          time.Time
}

func (r *Reconciler) ApplyAdjustment(ctx context.Context, req domain.AdjustmentRequest) (*domain.AdjustmentResponse, error) {
	reason, err := validateReason(req.Reason)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.ItemID) == "" {
		return nil, domain.ValidationError("item_id is required")
	}
	if req.Quantity == 0 {
		return nil, domain.ValidationError("quantity must be non-zero")
	}

	unlock, err := r.locker.Lock(ctx, lock.ItemKey(req.ItemID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var resp domain.AdjustmentResponse
	err = r.repo.WithinTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, req.ShopID, req.ItemID)
		if err != nil {
			return err
		}
		adj, err := r.apply(ctx, tx, item, change{
			delta:  req.Quantity,
			reason: reason,
			source: domain.AdjustmentSourceManual,
			userID: req.UserID,
			force:  req.Force,
			at:     r.now(),
		})
		if err != nil {
			return err
		}
		resp = domain.AdjustmentResponse{Item: *item, Adjustment: adj}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("stock adjusted",
		zap.String("shop_id", resp.Item.ShopID),
		zap.String("item_id", resp.Item.ID),
		zap.Int("delta", req.Quantity),
		zap.Int("stock", resp.Item.StockQuantity),
	)
	return &resp, nil
}

// ApplyAbsoluteQuantity is the edit path: the caller states the quantity it
// wants, the implied delta is recorded like any other adjustment, and the
// descriptive fields change in the same unit of work.
func (r *Reconciler) ApplyAbsoluteQuantity(ctx context.Context, req domain.AbsoluteQuantityRequest) (*domain.AdjustmentResponse, error) {
	if strings.TrimSpace(req.ItemID) == "" {
		return nil, domain.ValidationError("item_id is required")
	}
	if req.NewQuantity == nil && req.SKU == nil && req.Name == nil && req.Price == nil && req.MinStockLevel == nil {
		return nil, domain.ValidationError("no fields to update")
	}
	if req.NewQuantity != nil && *req.NewQuantity < 0 {
		return nil, domain.ValidationError("stock_quantity must be >= 0")
	}
	if err := validateDetails(req.SKU, req.Name, req.Price, req.MinStockLevel); err != nil {
		return nil, err
	}
	reason := strings.TrimSpace(req.Reason)
	if len(reason) > maxReasonLength {
		return nil, domain.ValidationError("reason must be at most %d characters", maxReasonLength)
	}

	unlock, err := r.locker.Lock(ctx, lock.ItemKey(req.ItemID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var resp domain.AdjustmentResponse
	err = r.repo.WithinTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, req.ShopID, req.ItemID)
		if err != nil {
			return err
		}
		at := r.now()

		delta := 0
		if req.NewQuantity != nil {
			delta = *req.NewQuantity - item.StockQuantity
		}
		if delta != 0 && reason == "" {
			return domain.ValidationError("reason is required when stock_quantity changes")
		}

		if req.SKU != nil || req.Name != nil || req.Price != nil || req.MinStockLevel != nil {
			applyDetails(item, req.SKU, req.Name, req.Price, req.MinStockLevel)
			item.UpdatedAt = at
			if err := tx.UpdateItemDetails(ctx, *item); err != nil {
				return err
			}
		}

		var adj *domain.StockAdjustment
		if delta != 0 {
			adj, err = r.apply(ctx, tx, item, change{
				delta:  delta,
				reason: reason,
				source: domain.AdjustmentSourceEdit,
				userID: req.UserID,
				force:  true,
				at:     at,
			})
			if err != nil {
				return err
			}
		}
		resp = domain.AdjustmentResponse{Item: *item, Adjustment: adj}
		return nil
	})
	if err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.String("shop_id", resp.Item.ShopID),
		zap.String("item_id", resp.Item.ID),
		zap.Int("stock", resp.Item.StockQuantity),
	}
	if resp.Adjustment != nil {
		fields = append(fields, zap.Int("delta", resp.Adjustment.Quantity))
	}
	r.logger.Info("item edited", fields...)
	return &resp, nil
}

// Reconcile compares the stored quantity with baseline plus the ledger sum
// while holding the item lock, so a concurrent writer cannot show up as drift.
func (r *Reconciler) Reconcile(ctx context.Context, shopID string, itemID string) (*domain.Reconciliation, error) {
	if strings.TrimSpace(itemID) == "" {
		return nil, domain.ValidationError("item_id is required")
	}

	var result domain.Reconciliation
	err := r.repo.WithinTx(ctx, func(tx store.Tx) error {
		item, err := tx.LockItem(ctx, shopID, itemID)
		if err != nil {
			return err
		}
		summary, err := tx.SummarizeLedger(ctx, itemID)
		if err != nil {
			return err
		}
		expected := item.BaselineQuantity + summary.Sum
		result = domain.Reconciliation{
			ItemID:           item.ID,
			BaselineQuantity: item.BaselineQuantity,
			LedgerSum:        summary.Sum,
			Entries:          summary.Entries,
			StockQuantity:    item.StockQuantity,
			ExpectedQuantity: expected,
			Drift:            item.StockQuantity - expected,
			Consistent:       item.StockQuantity == expected,
			CheckedAt:        r.now(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.Consistent {
		r.logger.Error("ledger drift detected",
			zap.String("shop_id", shopID),
			zap.String("item_id", itemID),
			zap.Int("stock", result.StockQuantity),
			zap.Int("expected", result.ExpectedQuantity),
			zap.Int("drift", result.Drift),
		)
	}
	return &result, nil
}

// RecordSale stores the sale and deducts every line from stock in one unit
// of work. Items are locked in ascending id order so two sales touching the
// same items cannot deadlock.
func (r *Reconciler) RecordSale(ctx context.Context, req domain.SaleRequest) (*domain.SaleResponse, error) {
	if strings.TrimSpace(req.ShopID) == "" {
		return nil, domain.ValidationError("shop_id is required")
	}
	if len(req.Lines) == 0 {
		return nil, domain.ValidationError("sale needs at least one line")
	}
	for _, line := range req.Lines {
		if strings.TrimSpace(line.ItemID) == "" {
			return nil, domain.ValidationError("line item_id is required")
		}
		if line.Quantity < 1 {
			return nil, domain.ValidationError("line quantity must be > 0")
		}
		if line.UnitPrice != nil && line.UnitPrice.IsNegative() {
			return nil, domain.ValidationError("line unit_price must be >= 0")
		}
	}

	lines := slices.Clone(req.Lines)
	slices.SortStableFunc(lines, func(a, b domain.SaleLineRequest) int {
		return strings.Compare(a.ItemID, b.ItemID)
	})
	itemIDs := make([]string, 0, len(lines))
	for _, line := range lines {
		if len(itemIDs) == 0 || itemIDs[len(itemIDs)-1] != line.ItemID {
			itemIDs = append(itemIDs, line.ItemID)
		}
	}

	for _, itemID := range itemIDs {
		unlock, err := r.locker.Lock(ctx, lock.ItemKey(itemID))
		if err != nil {
			return nil, err
		}
		defer unlock()
	}

	at := r.now()
	if req.At != nil && !req.At.IsZero() {
		at = req.At.UTC()
	}
	sale := domain.Sale{
		ID:        xid.New("sal"),
		ShopID:    req.ShopID,
		CreatedBy: req.UserID,
		CreatedAt: at,
	}

	var updated []domain.Item
	err := r.repo.WithinTx(ctx, func(tx store.Tx) error {
		items := make(map[string]*domain.Item, len(itemIDs))
		for _, itemID := range itemIDs {
			item, err := tx.LockItem(ctx, req.ShopID, itemID)
			if err != nil {
				return err
			}
			items[itemID] = item
		}

		// Prices are stored with two decimals, so the total is summed from
		// the rounded values the sale_lines rows will hold.
		total := decimal.Zero
		saleLines := make([]domain.SaleLine, 0, len(lines))
		for _, line := range lines {
			price := items[line.ItemID].Price
			if line.UnitPrice != nil {
				price = *line.UnitPrice
			}
			price = price.Round(2)
			saleLines = append(saleLines, domain.SaleLine{
				SaleID:    sale.ID,
				ItemID:    line.ItemID,
				Quantity:  line.Quantity,
				UnitPrice: price,
			})
			total = total.Add(price.Mul(decimal.NewFromInt(int64(line.Quantity))))
		}
		sale.Total = total
		sale.Lines = saleLines
		if err := tx.InsertSale(ctx, sale); err != nil {
			return err
		}

		reason := fmt.Sprintf("sale %s", sale.ID)
		for _, line := range lines {
			if _, err := r.apply(ctx, tx, items[line.ItemID], change{
				delta:       -line.Quantity,
				reason:      reason,
				source:      domain.AdjustmentSourceSale,
				referenceID: sale.ID,
				userID:      req.UserID,
				at:          at,
			}); err != nil {
				return err
			}
		}

		updated = make([]domain.Item, 0, len(itemIDs))
		for _, itemID := range itemIDs {
			updated = append(updated, *items[itemID])
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := r.cache.Invalidate(ctx, req.ShopID); err != nil {
		r.logger.Warn("trend cache invalidation failed", zap.String("shop_id", req.ShopID), zap.Error(err))
	}
	r.logger.Info("sale recorded",
		zap.String("shop_id", sale.ShopID),
		zap.String("sale_id", sale.ID),
		zap.String("total", sale.Total.StringFixed(2)),
		zap.Int("lines", len(sale.Lines)),
	)
	return &domain.SaleResponse{Sale: sale, Items: updated}, nil
}

// apply increments the locked item and appends its ledger row. item is
// updated in place with the new quantity.
func (r *Reconciler) apply(ctx context.Context, tx store.Tx, item *domain.Item, c change) (*domain.StockAdjustment, error) {
	before := item.StockQuantity
	if before+c.delta < 0 && !c.force && !r.allowNegative {
		return nil, store.ErrInsufficientStock
	}

	after, err := tx.IncrementStock(ctx, item.ID, c.delta, c.at)
	if err != nil {
		return nil, err
	}
	adj := domain.StockAdjustment{
		ID:             xid.New("adj"),
		ItemID:         item.ID,
		ShopID:         item.ShopID,
		Quantity:       c.delta,
		QuantityBefore: after - c.delta,
		QuantityAfter:  after,
		Reason:         c.reason,
		Source:         c.source,
		ReferenceID:    c.referenceID,
		CreatedBy:      c.userID,
		CreatedAt:      c.at,
	}
	if err := tx.AppendAdjustment(ctx, adj); err != nil {
		return nil, err
	}

	item.StockQuantity = after
	item.UpdatedAt = c.at
	return &adj, nil
}

func validateReason(reason string) (string, error) {
	trimmed := strings.TrimSpace(reason)
	if trimmed == "" {
		return "", domain.ValidationError("reason is required")
	}
	if len(trimmed) > maxReasonLength {
		return "", domain.ValidationError("reason must be at most %d characters", maxReasonLength)
	}
	return trimmed, nil
}

func validateDetails(sku *string, name *string, price *decimal.Decimal, minStock *int) error {
	if sku != nil && strings.TrimSpace(*sku) == "" {
		return domain.ValidationError("sku must not be empty")
	}
	if name != nil && strings.TrimSpace(*name) == "" {
		return domain.ValidationError("name must not be empty")
	}
	if price != nil && price.IsNegative() {
		return domain.ValidationError("price must be >= 0")
	}
	if minStock != nil && *minStock < 0 {
		return domain.ValidationError("min_stock_level must be >= 0")
	}
	return nil
}

func applyDetails(item *domain.Item, sku *string, name *string, price *decimal.Decimal, minStock *int) {
	if sku != nil {
		item.SKU = strings.TrimSpace(*sku)
	}
	if name != nil {
		item.Name = strings.TrimSpace(*name)
	}
	if price != nil {
		item.Price = price.Round(2)
	}
	if minStock != nil {
		item.MinStockLevel = *minStock
	}
}
