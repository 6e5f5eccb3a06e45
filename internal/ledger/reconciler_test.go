package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"gudangku/backend/internal/cache"
	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/lock"
	"gudangku/backend/internal/store"
	"gudangku/backend/internal/store/memory"
	"gudangku/backend/internal/store/postgres"
)

var fixedNow = time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, repo store.Repository) *Reconciler {
	t.Helper()
	return NewReconciler(repo, Options{
		Locker: lock.NewLocal(),
		Logger: zap.NewNop(),
		Clock:  func() time.Time { return fixedNow },
	})
}

func seedItem(t *testing.T, repo store.Repository, id string, stock int, price string) domain.Item {
	t.Helper()
	item, err := repo.CreateItem(context.Background(), domain.Item{
		ID: id, ShopID: "shop-a", SKU: "SKU-" + id, Name: "Item " + id,
		Price: decimal.RequireFromString(price), StockQuantity: stock, BaselineQuantity: stock, Active: true,
	})
	require.NoError(t, err)
	return *item
}

func TestSoldThenRestockedReturnsToBaseline(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	item := seedItem(t, repo, "itm_1", 10, "2600")

	sold, err := r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: item.ID, UserID: "u1", Quantity: -3, Reason: "sold 3 units",
	})
	require.NoError(t, err)
	assert.Equal(t, 7, sold.Item.StockQuantity)
	require.NotNil(t, sold.Adjustment)
	assert.Equal(t, 10, sold.Adjustment.QuantityBefore)
	assert.Equal(t, 7, sold.Adjustment.QuantityAfter)
	assert.Equal(t, domain.AdjustmentSourceManual, sold.Adjustment.Source)

	restocked, err := r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: item.ID, UserID: "u1", Quantity: 3, Reason: "  restock  ",
	})
	require.NoError(t, err)
	assert.Equal(t, 10, restocked.Item.StockQuantity)
	assert.Equal(t, "restock", restocked.Adjustment.Reason)

	check, err := r.Reconcile(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, check.LedgerSum)
	assert.Equal(t, 2, check.Entries)
	assert.True(t, check.Consistent)
	assert.Zero(t, check.Drift)
}

func TestApplyAdjustmentRejectsInvalidInputBeforeWriting(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	item := seedItem(t, repo, "itm_1", 10, "1000")

	cases := map[string]domain.AdjustmentRequest{
		"zero delta":   {ShopID: "shop-a", ItemID: item.ID, Quantity: 0, Reason: "noop"},
		"blank reason": {ShopID: "shop-a", ItemID: item.ID, Quantity: 1, Reason: "   "},
		"no item":      {ShopID: "shop-a", Quantity: 1, Reason: "restock"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := r.ApplyAdjustment(context.Background(), req)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	check, err := r.Reconcile(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.Zero(t, check.Entries)
	assert.Equal(t, 10, check.StockQuantity)
}

func TestApplyAdjustmentNotFoundCases(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	item := seedItem(t, repo, "itm_1", 10, "1000")

	_, err := r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: "missing", Quantity: 1, Reason: "restock",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-b", ItemID: item.ID, Quantity: 1, Reason: "restock",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, repo.RetireItem(context.Background(), "shop-a", item.ID, fixedNow))
	_, err = r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: item.ID, Quantity: 1, Reason: "restock",
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInsufficientStockNeedsForce(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	item := seedItem(t, repo, "itm_1", 2, "1000")

	_, err := r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: item.ID, Quantity: -5, Reason: "damaged",
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.ErrorIs(t, err, store.ErrInsufficientStock)

	forced, err := r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: item.ID, Quantity: -5, Reason: "backorder", Force: true,
	})
	require.NoError(t, err)
	assert.Equal(t, -3, forced.Item.StockQuantity)
}

func TestAllowNegativeConfigBehavesLikeForce(t *testing.T) {
	repo := memory.New()
	r := NewReconciler(repo, Options{AllowNegative: true})
	item := seedItem(t, repo, "itm_1", 1, "1000")

	resp, err := r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: item.ID, Quantity: -4, Reason: "backorder",
	})
	require.NoError(t, err)
	assert.Equal(t, -3, resp.Item.StockQuantity)
}

func TestConcurrentAdjustmentsKeepInvariant(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	item := seedItem(t, repo, "itm_1", 100, "1000")

	deltas := make([]int, 0, 60)
	for i := 0; i < 60; i++ {
		if i%3 == 0 {
			deltas = append(deltas, -2)
		} else {
			deltas = append(deltas, i%5+1)
		}
	}

	var wg sync.WaitGroup
	for _, delta := range deltas {
		wg.Add(1)
		go func(delta int) {
			defer wg.Done()
			_, err := r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
				ShopID: "shop-a", ItemID: item.ID, UserID: "u1", Quantity: delta, Reason: "concurrent",
			})
			assert.NoError(t, err)
		}(delta)
	}
	wg.Wait()

	sum := 0
	for _, d := range deltas {
		sum += d
	}
	check, err := r.Reconcile(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.Equal(t, 100+sum, check.StockQuantity)
	assert.Equal(t, sum, check.LedgerSum)
	assert.Equal(t, len(deltas), check.Entries)
	assert.True(t, check.Consistent)
}

func TestConcurrentAdjustmentsThroughRedisLockAllSucceed(t *testing.T) {
	mr := miniredis.RunT(t)
	client := cache.NewRedisClient(mr.Addr(), "", 0)
	t.Cleanup(func() { _ = client.Close() })

	repo := memory.New()
	r := NewReconciler(repo, Options{
		Locker: lock.NewRedis(client, 5*time.Second, zap.NewNop()),
		Logger: zap.NewNop(),
		Clock:  func() time.Time { return fixedNow },
	})
	item := seedItem(t, repo, "itm_1", 50, "1000")

	deltas := []int{-4, 3, -2, 6, -1, 5, -3, 2, -5, 4, 1, -6}
	errs := make([]error, len(deltas))
	var wg sync.WaitGroup
	for i, delta := range deltas {
		wg.Add(1)
		go func(i int, delta int) {
			defer wg.Done()
			_, errs[i] = r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
				ShopID: "shop-a", ItemID: item.ID, UserID: "u1", Quantity: delta, Reason: "counter",
			})
		}(i, delta)
	}
	wg.Wait()

	sum := 0
	for i, d := range deltas {
		assert.NoError(t, errs[i], "delta %d", d)
		sum += d
	}
	check, err := r.Reconcile(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.Equal(t, 50+sum, check.StockQuantity)
	assert.Equal(t, sum, check.LedgerSum)
	assert.Equal(t, len(deltas), check.Entries)
	assert.True(t, check.Consistent)
	assert.False(t, mr.Exists("lock:"+lock.ItemKey(item.ID)), "lock released")
}

// failingRepo hands out transaction handles whose ledger insert fails.
type failingRepo struct {
	*memory.Store
}

type failingTx struct {
	store.Tx
}

func (f failingRepo) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return f.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(failingTx{Tx: tx})
	})
}

func (failingTx) AppendAdjustment(context.Context, domain.StockAdjustment) error {
	return errors.New("disk full")
}

func TestFailedLedgerInsertLeavesStockUnchanged(t *testing.T) {
	mem := memory.New()
	item := seedItem(t, mem, "itm_1", 10, "1000")
	r := newTestReconciler(t, failingRepo{Store: mem})

	_, err := r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: item.ID, Quantity: 4, Reason: "restock",
	})
	require.Error(t, err)

	reloaded, err := mem.GetItem(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, reloaded.StockQuantity)

	check, err := newTestReconciler(t, mem).Reconcile(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.Zero(t, check.Entries)
	assert.True(t, check.Consistent)
}

func TestFailedLedgerInsertRollsBackPostgresTransaction(t *testing.T) {
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	repo := postgres.NewWithDB(sqlx.NewDb(mockDB, "pgx"), zap.NewNop())
	r := newTestReconciler(t, repo)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("itm_1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "shop_id", "sku", "name", "price", "stock_quantity", "baseline_quantity",
			"min_stock_level", "active", "created_at", "updated_at",
		}).AddRow("itm_1", "shop-a", "SKU-1", "Kopi", "2600.00", 10, 10, 0, true, fixedNow, fixedNow))
	mock.ExpectQuery(`UPDATE items SET stock_quantity = stock_quantity \+ \$2`).
		WithArgs("itm_1", -3, fixedNow).
		WillReturnRows(sqlmock.NewRows([]string{"stock_quantity"}).AddRow(7))
	mock.ExpectExec(`INSERT INTO stock_adjustments`).
		WillReturnError(errors.New("check constraint violated"))
	mock.ExpectRollback()

	_, err = r.ApplyAdjustment(context.Background(), domain.AdjustmentRequest{
		ShopID: "shop-a", ItemID: "itm_1", Quantity: -3, Reason: "sold 3 units",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEditPathRecordsImpliedDelta(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	item := seedItem(t, repo, "itm_1", 10, "1000")

	newQty := 14
	newName := "Kopi Sachet Besar"
	resp, err := r.ApplyAbsoluteQuantity(context.Background(), domain.AbsoluteQuantityRequest{
		ShopID: "shop-a", ItemID: item.ID, UserID: "u1", NewQuantity: &newQty, Reason: "stock count", Name: &newName,
	})
	require.NoError(t, err)
	assert.Equal(t, 14, resp.Item.StockQuantity)
	assert.Equal(t, newName, resp.Item.Name)
	require.NotNil(t, resp.Adjustment)
	assert.Equal(t, 4, resp.Adjustment.Quantity)
	assert.Equal(t, domain.AdjustmentSourceEdit, resp.Adjustment.Source)

	check, err := r.Reconcile(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.True(t, check.Consistent)
	assert.Equal(t, 4, check.LedgerSum)
}

func TestEditPathRequiresReasonWhenQuantityChanges(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	item := seedItem(t, repo, "itm_1", 10, "1000")

	newQty := 3
	newName := "Renamed"
	_, err := r.ApplyAbsoluteQuantity(context.Background(), domain.AbsoluteQuantityRequest{
		ShopID: "shop-a", ItemID: item.ID, NewQuantity: &newQty, Name: &newName,
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	reloaded, err := repo.GetItem(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, reloaded.StockQuantity)
	assert.Equal(t, item.Name, reloaded.Name)
}

func TestEditPathWithoutDeltaWritesNoLedgerRow(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	item := seedItem(t, repo, "itm_1", 10, "1000")

	same := 10
	price := decimal.RequireFromString("1250.505")
	resp, err := r.ApplyAbsoluteQuantity(context.Background(), domain.AbsoluteQuantityRequest{
		ShopID: "shop-a", ItemID: item.ID, NewQuantity: &same, Price: &price,
	})
	require.NoError(t, err)
	assert.Nil(t, resp.Adjustment)
	assert.Equal(t, "1250.51", resp.Item.Price.StringFixed(2))

	check, err := r.Reconcile(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.Zero(t, check.Entries)
}

func TestEditPathDuplicateSKUIsConflict(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	seedItem(t, repo, "itm_1", 10, "1000")
	other := seedItem(t, repo, "itm_2", 10, "1000")

	taken := "SKU-itm_1"
	_, err := r.ApplyAbsoluteQuantity(context.Background(), domain.AbsoluteQuantityRequest{
		ShopID: "shop-a", ItemID: other.ID, SKU: &taken,
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func unitPrice(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

type recordingCache struct {
	mu          sync.Mutex
	invalidated []string
}

func (c *recordingCache) Generation(context.Context, string) (int64, error) {
	return 0, nil
}

func (c *recordingCache) Get(context.Context, string) (*domain.TrendReport, bool, error) {
	return nil, false, nil
}

func (c *recordingCache) Set(context.Context, string, *domain.TrendReport, time.Duration) error {
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, shopID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, shopID)
	return nil
}

func TestRecordSaleDeductsStockAndInvalidatesTrend(t *testing.T) {
	repo := memory.New()
	trends := &recordingCache{}
	r := NewReconciler(repo, Options{Cache: trends, Clock: func() time.Time { return fixedNow }})
	kopi := seedItem(t, repo, "itm_b", 10, "2600")
	gula := seedItem(t, repo, "itm_a", 5, "17400")

	resp, err := r.RecordSale(context.Background(), domain.SaleRequest{
		ShopID: "shop-a",
		UserID: "u1",
		Lines: []domain.SaleLineRequest{
			{ItemID: kopi.ID, Quantity: 2, UnitPrice: unitPrice("2500")},
			{ItemID: gula.ID, Quantity: 1},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "22400", resp.Sale.Total.String())
	require.Len(t, resp.Items, 2)
	assert.Equal(t, gula.ID, resp.Items[0].ID)
	assert.Equal(t, 4, resp.Items[0].StockQuantity)
	assert.Equal(t, 8, resp.Items[1].StockQuantity)
	assert.Equal(t, []string{"shop-a"}, trends.invalidated)

	history, err := repo.ListAdjustments(context.Background(), kopi.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.AdjustmentSourceSale, history[0].Source)
	assert.Equal(t, resp.Sale.ID, history[0].ReferenceID)
	assert.Equal(t, "sale "+resp.Sale.ID, history[0].Reason)

	sales, err := repo.ListSales(context.Background(), "shop-a", fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.True(t, resp.Sale.Total.Equal(sales[0].Total))
}

func TestRecordSaleAbortsWholeSaleOnShortage(t *testing.T) {
	repo := memory.New()
	trends := &recordingCache{}
	r := NewReconciler(repo, Options{Cache: trends, Clock: func() time.Time { return fixedNow }})
	plenty := seedItem(t, repo, "itm_a", 10, "1000")
	scarce := seedItem(t, repo, "itm_b", 1, "1000")

	_, err := r.RecordSale(context.Background(), domain.SaleRequest{
		ShopID: "shop-a",
		Lines: []domain.SaleLineRequest{
			{ItemID: plenty.ID, Quantity: 3},
			{ItemID: scarce.ID, Quantity: 2},
		},
	})
	assert.ErrorIs(t, err, store.ErrInsufficientStock)
	assert.Empty(t, trends.invalidated)

	reloaded, err := repo.GetItem(context.Background(), "shop-a", plenty.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, reloaded.StockQuantity)
	sales, err := repo.ListSales(context.Background(), "shop-a", fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, sales)
}

func TestRecordSaleValidatesLines(t *testing.T) {
	r := NewReconciler(memory.New(), Options{})

	_, err := r.RecordSale(context.Background(), domain.SaleRequest{ShopID: "shop-a"})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.RecordSale(context.Background(), domain.SaleRequest{
		ShopID: "shop-a",
		Lines:  []domain.SaleLineRequest{{ItemID: "itm_1", Quantity: 0}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = r.RecordSale(context.Background(), domain.SaleRequest{
		ShopID: "shop-a",
		Lines:  []domain.SaleLineRequest{{ItemID: "itm_1", Quantity: 1, UnitPrice: unitPrice("-1")}},
	})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestRecordSaleKeepsExplicitZeroPriceAndRoundsPrices(t *testing.T) {
	repo := memory.New()
	r := newTestReconciler(t, repo)
	promo := seedItem(t, repo, "itm_a", 10, "5000")
	teh := seedItem(t, repo, "itm_b", 10, "3000")

	resp, err := r.RecordSale(context.Background(), domain.SaleRequest{
		ShopID: "shop-a",
		Lines: []domain.SaleLineRequest{
			{ItemID: promo.ID, Quantity: 2, UnitPrice: unitPrice("0")},
			{ItemID: teh.ID, Quantity: 3, UnitPrice: unitPrice("1250.505")},
		},
	})
	require.NoError(t, err)
	require.Len(t, resp.Sale.Lines, 2)
	assert.True(t, resp.Sale.Lines[0].UnitPrice.IsZero())
	assert.Equal(t, "1250.51", resp.Sale.Lines[1].UnitPrice.String())
	assert.Equal(t, "3751.53", resp.Sale.Total.String())

	sales, err := repo.ListSales(context.Background(), "shop-a", fixedNow.Add(-time.Hour), fixedNow.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, sales, 1)
	assert.Equal(t, "3751.53", sales[0].Total.String())
}

// driftRepo reports a ledger sum that disagrees with the stored quantity.
type driftRepo struct {
	*memory.Store
}

type driftTx struct {
	store.Tx
}

func (d driftRepo) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return d.Store.WithinTx(ctx, func(tx store.Tx) error {
		return fn(driftTx{Tx: tx})
	})
}

func (d driftTx) SummarizeLedger(ctx context.Context, itemID string) (domain.LedgerSummary, error) {
	summary, err := d.Tx.SummarizeLedger(ctx, itemID)
	summary.Sum -= 2
	return summary, err
}

func TestReconcileReportsDrift(t *testing.T) {
	mem := memory.New()
	item := seedItem(t, mem, "itm_1", 10, "1000")

	check, err := newTestReconciler(t, driftRepo{Store: mem}).Reconcile(context.Background(), "shop-a", item.ID)
	require.NoError(t, err)
	assert.False(t, check.Consistent)
	assert.Equal(t, 8, check.ExpectedQuantity)
	assert.Equal(t, 2, check.Drift)
	assert.Equal(t, fixedNow, check.CheckedAt)
}
