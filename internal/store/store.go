package store

import (
	"context"
	"time"

	"gudangku/backend/internal/domain"
)

var (
	ErrNotFound          = domain.ErrNotFound
	ErrDuplicateSKU      = domain.ConflictError("sku already exists in shop")
	ErrInsufficientStock = domain.ConflictError("insufficient stock")
)

// Repository is the read side of the ledger store plus item creation. Every
// stock mutation goes through UnitOfWork.
type Repository interface {
	UnitOfWork

	CreateItem(ctx context.Context, item domain.Item) (*domain.Item, error)
	GetItem(ctx context.Context, shopID string, itemID string) (*domain.Item, error)
	ListItems(ctx context.Context, shopID string, lowStockOnly bool) ([]domain.Item, error)
	RetireItem(ctx context.Context, shopID string, itemID string, at time.Time) error
	ListAdjustments(ctx context.Context, itemID string, limit int) ([]domain.StockAdjustment, error)
	ListSales(ctx context.Context, shopID string, from time.Time, to time.Time) ([]domain.Sale, error)
}

// UnitOfWork runs fn inside one isolated transaction. fn's error rolls back
// every write made through tx; a nil return commits them together.
type UnitOfWork interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transaction-scoped handle handed to a unit of work.
type Tx interface {
	// LockItem loads an active item and holds its row lock until the unit of
	// work ends. An empty shopID skips the shop ownership check.
	LockItem(ctx context.Context, shopID string, itemID string) (*domain.Item, error)
	// IncrementStock applies delta to the locked item and returns the new quantity.
	IncrementStock(ctx context.Context, itemID string, delta int, at time.Time) (int, error)
	UpdateItemDetails(ctx context.Context, item domain.Item) error
	AppendAdjustment(ctx context.Context, adj domain.StockAdjustment) error
	// SummarizeLedger counts and sums the item's ledger rows as seen by this
	// unit of work.
	SummarizeLedger(ctx context.Context, itemID string) (domain.LedgerSummary, error)
	InsertSale(ctx context.Context, sale domain.Sale) error
}
