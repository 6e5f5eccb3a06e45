package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"gudangku/backend/internal/domain"
	"gudangku/backend/internal/store"
	"gudangku/backend/internal/xid"
)

type Store struct {
	mu                sync.RWMutex
	itemsByID         map[string]domain.Item
	adjustmentsByItem map[string][]domain.StockAdjustment
	sales             []domain.Sale

	locksMu   sync.Mutex
	itemLocks map[string]chan struct{}
}

func New() *Store {
	return &Store{
		itemsByID:         map[string]domain.Item{},
		adjustmentsByItem: map[string][]domain.StockAdjustment{},
		sales:             []domain.Sale{},
		itemLocks:         map[string]chan struct{}{},
	}
}

// NewSeeded returns a store with a small demo catalogue for shopID.
func NewSeeded(shopID string) *Store {
	s := New()
	now := time.Now().UTC()
	for _, seed := range []struct {
		sku   string
		name  string
		price string
		stock int
		min   int
	}{
		{"SKU-MIE-01", "Mie Goreng Instan", "3500", 120, 24},
		{"SKU-TELUR-01", "Telur 10 Butir", "26500", 30, 10},
		{"SKU-SUSU-01", "Susu UHT 1L", "18900", 18, 12},
		{"SKU-KOPI-01", "Kopi Sachet", "2600", 200, 40},
		{"SKU-GULA-01", "Gula 1kg", "17400", 8, 10},
	} {
		_, _ = s.CreateItem(context.Background(), domain.Item{
			ID:               xid.New("itm"),
			ShopID:           shopID,
			SKU:              seed.sku,
			Name:             seed.name,
			Price:            decimal.RequireFromString(seed.price),
			StockQuantity:    seed.stock,
			BaselineQuantity: seed.stock,
			MinStockLevel:    seed.min,
			Active:           true,
			CreatedAt:        now,
			UpdatedAt:        now,
		})
	}
	return s
}

func (s *Store) CreateItem(_ context.Context, item domain.Item) (*domain.Item, error) {
	if item.ID == "" || item.ShopID == "" || strings.TrimSpace(item.SKU) == "" {
		return nil, domain.ValidationError("item id, shop and sku are required")
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now().UTC()
	}
	if item.UpdatedAt.IsZero() {
		item.UpdatedAt = item.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.itemsByID[item.ID]; exists {
		return nil, store.ErrDuplicateSKU
	}
	if s.skuTakenLocked(item.ShopID, item.SKU, item.ID) {
		return nil, store.ErrDuplicateSKU
	}
	s.itemsByID[item.ID] = item
	created := item
	return &created, nil
}

func (s *Store) GetItem(_ context.Context, shopID string, itemID string) (*domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.itemsByID[itemID]
	if !ok || !item.Active || item.ShopID != shopID {
		return nil, store.ErrNotFound
	}
	return &item, nil
}

func (s *Store) ListItems(_ context.Context, shopID string, lowStockOnly bool) ([]domain.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := make([]domain.Item, 0, len(s.itemsByID))
	for _, item := range s.itemsByID {
		if item.ShopID != shopID || !item.Active {
			continue
		}
		if lowStockOnly && !item.LowStock() {
			continue
		}
		items = append(items, item)
	}
	slices.SortFunc(items, func(a, b domain.Item) int {
		return strings.Compare(a.SKU, b.SKU)
	})
	return items, nil
}

// RetireItem takes the item lock so a concurrent unit of work cannot commit
// a stale active copy over the retirement.
func (s *Store) RetireItem(ctx context.Context, shopID string, itemID string, at time.Time) error {
	if _, err := s.GetItem(ctx, shopID, itemID); err != nil {
		return err
	}
	if err := s.acquire(ctx, itemID); err != nil {
		return err
	}
	defer s.release(itemID)

	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.itemsByID[itemID]
	if !ok || !item.Active || item.ShopID != shopID {
		return store.ErrNotFound
	}
	item.Active = false
	item.UpdatedAt = at
	s.itemsByID[itemID] = item
	return nil
}

func (s *Store) ListAdjustments(_ context.Context, itemID string, limit int) ([]domain.StockAdjustment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit < 1 {
		limit = 50
	}
	history := s.adjustmentsByItem[itemID]
	result := make([]domain.StockAdjustment, 0, min(limit, len(history)))
	for i := len(history) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, history[i])
	}
	return result, nil
}

func (s *Store) ListSales(_ context.Context, shopID string, from time.Time, to time.Time) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.Sale, 0)
	for _, sale := range s.sales {
		if sale.ShopID != shopID {
			continue
		}
		if sale.CreatedAt.Before(from) || !sale.CreatedAt.Before(to) {
			continue
		}
		result = append(result, cloneSale(sale))
	}
	slices.SortStableFunc(result, func(a, b domain.Sale) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result, nil
}

func (s *Store) WithinTx(ctx context.Context, fn func(tx store.Tx) error) error {
	tx := &memTx{
		store: s,
		items: map[string]domain.Item{},
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return domain.AsTransactionError("unit of work failed", err)
	}
	if err := ctx.Err(); err != nil {
		return domain.TransactionError("commit aborted", err)
	}
	return s.commit(tx)
}

func (s *Store) commit(tx *memTx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, item := range tx.items {
		if s.skuTakenLocked(item.ShopID, item.SKU, id) {
			return store.ErrDuplicateSKU
		}
	}
	for id, item := range tx.items {
		s.itemsByID[id] = item
	}
	for _, adj := range tx.adjustments {
		s.adjustmentsByItem[adj.ItemID] = append(s.adjustmentsByItem[adj.ItemID], adj)
	}
	for _, sale := range tx.sales {
		s.sales = append(s.sales, cloneSale(sale))
	}
	return nil
}

func (s *Store) skuTakenLocked(shopID string, sku string, exceptID string) bool {
	for id, other := range s.itemsByID {
		if id != exceptID && other.ShopID == shopID && strings.EqualFold(other.SKU, sku) {
			return true
		}
	}
	return false
}

func (s *Store) itemLock(itemID string) chan struct{} {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	ch, ok := s.itemLocks[itemID]
	if !ok {
		ch = make(chan struct{}, 1)
		s.itemLocks[itemID] = ch
	}
	return ch
}

func (s *Store) acquire(ctx context.Context, itemID string) error {
	select {
	case s.itemLock(itemID) <- struct{}{}:
		return nil
	case <-ctx.Done():
		return domain.TransactionError("waiting for item lock", ctx.Err())
	}
}

func (s *Store) release(itemID string) {
	<-s.itemLock(itemID)
}

// memTx stages writes against copies of the locked items. Nothing reaches
// the store until commit, so returning an error from the unit of work
// discards every staged write.
type memTx struct {
	store       *Store
	locked      []string
	items       map[string]domain.Item
	adjustments []domain.StockAdjustment
	sales       []domain.Sale
}

func (t *memTx) LockItem(ctx context.Context, shopID string, itemID string) (*domain.Item, error) {
	if item, ok := t.items[itemID]; ok {
		if shopID != "" && item.ShopID != shopID {
			return nil, store.ErrNotFound
		}
		return &item, nil
	}

	t.store.mu.RLock()
	_, exists := t.store.itemsByID[itemID]
	t.store.mu.RUnlock()
	if !exists {
		return nil, store.ErrNotFound
	}

	if err := t.store.acquire(ctx, itemID); err != nil {
		return nil, err
	}
	t.locked = append(t.locked, itemID)

	t.store.mu.RLock()
	item, ok := t.store.itemsByID[itemID]
	t.store.mu.RUnlock()
	if !ok || !item.Active || (shopID != "" && item.ShopID != shopID) {
		return nil, store.ErrNotFound
	}
	t.items[itemID] = item
	return &item, nil
}

func (t *memTx) IncrementStock(_ context.Context, itemID string, delta int, at time.Time) (int, error) {
	item, ok := t.items[itemID]
	if !ok {
		return 0, domain.TransactionError("item not locked in this unit of work", nil)
	}
	item.StockQuantity += delta
	item.UpdatedAt = at
	t.items[itemID] = item
	return item.StockQuantity, nil
}

func (t *memTx) UpdateItemDetails(_ context.Context, details domain.Item) error {
	item, ok := t.items[details.ID]
	if !ok {
		return domain.TransactionError("item not locked in this unit of work", nil)
	}
	item.SKU = details.SKU
	item.Name = details.Name
	item.Price = details.Price
	item.MinStockLevel = details.MinStockLevel
	item.UpdatedAt = details.UpdatedAt
	t.items[details.ID] = item
	return nil
}

func (t *memTx) AppendAdjustment(_ context.Context, adj domain.StockAdjustment) error {
	if _, ok := t.items[adj.ItemID]; !ok {
		return domain.TransactionError("item not locked in this unit of work", nil)
	}
	if adj.Quantity == 0 || strings.TrimSpace(adj.Reason) == "" {
		return domain.ValidationError("adjustment requires a non-zero quantity and a reason")
	}
	t.adjustments = append(t.adjustments, adj)
	return nil
}

func (t *memTx) SummarizeLedger(_ context.Context, itemID string) (domain.LedgerSummary, error) {
	summary := domain.LedgerSummary{}
	t.store.mu.RLock()
	for _, adj := range t.store.adjustmentsByItem[itemID] {
		summary.Entries++
		summary.Sum += adj.Quantity
	}
	t.store.mu.RUnlock()
	for _, adj := range t.adjustments {
		if adj.ItemID == itemID {
			summary.Entries++
			summary.Sum += adj.Quantity
		}
	}
	return summary, nil
}

func (t *memTx) InsertSale(_ context.Context, sale domain.Sale) error {
	if sale.ID == "" || sale.ShopID == "" {
		return domain.ValidationError("sale id and shop are required")
	}
	t.sales = append(t.sales, cloneSale(sale))
	return nil
}

func (t *memTx) releaseAll() {
	for i := len(t.locked) - 1; i >= 0; i-- {
		t.store.release(t.locked[i])
	}
	t.locked = nil
}

func cloneSale(src domain.Sale) domain.Sale {
	dst := src
	dst.Lines = slices.Clone(src.Lines)
	return dst
}
