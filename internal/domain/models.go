package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Item struct {
	ID               string          `json:"id" db:"id"`
	ShopID           string          `json:"shop_id" db:"shop_id"`
	SKU              string          `json:"sku" db:"sku"`
	Name             string          `json:"name" db:"name"`
	Price            decimal.Decimal `json:"price" db:"price"`
	StockQuantity    int             `json:"stock_quantity" db:"stock_quantity"`
	BaselineQuantity int             `json:"baseline_quantity" db:"baseline_quantity"`
	MinStockLevel    int             `json:"min_stock_level" db:"min_stock_level"`
	Active           bool            `json:"active" db:"active"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// LowStock reports whether the item is at or below its reorder threshold.
func (i Item) LowStock() bool {
	return i.StockQuantity <= i.MinStockLevel
}

type ItemCreateRequest struct {
	SKU           string          `json:"sku"`
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	InitialStock  int             `json:"initial_stock"`
	MinStockLevel int             `json:"min_stock_level"`
}

// ItemUpdateRequest is the edit path. StockQuantity is an absolute target;
// the implied delta is recorded in the ledger with Reason.
type ItemUpdateRequest struct {
	SKU           *string          `json:"sku,omitempty"`
	Name          *string          `json:"name,omitempty"`
	Price         *decimal.Decimal `json:"price,omitempty"`
	MinStockLevel *int             `json:"min_stock_level,omitempty"`
	StockQuantity *int             `json:"stock_quantity,omitempty"`
	Reason        string           `json:"reason,omitempty"`
}

type AdjustmentSource string

const (
	AdjustmentSourceManual AdjustmentSource = "manual"
	AdjustmentSourceEdit   AdjustmentSource = "edit"
	AdjustmentSourceSale   AdjustmentSource = "sale"
)

type StockAdjustment struct {
	ID             string           `json:"id" db:"id"`
	ItemID         string           `json:"item_id" db:"item_id"`
	ShopID         string           `json:"shop_id" db:"shop_id"`
	Quantity       int              `json:"quantity" db:"quantity"`
	QuantityBefore int              `json:"quantity_before" db:"quantity_before"`
	QuantityAfter  int              `json:"quantity_after" db:"quantity_after"`
	Reason         string           `json:"reason" db:"reason"`
	Source         AdjustmentSource `json:"source" db:"source"`
	ReferenceID    string           `json:"reference_id,omitempty" db:"reference_id"`
	CreatedBy      string           `json:"created_by,omitempty" db:"created_by"`
	CreatedAt      time.Time        `json:"created_at" db:"created_at"`
}

type AdjustmentRequest struct {
	ShopID   string `json:"-"`
	ItemID   string `json:"-"`
	UserID   string `json:"-"`
	Quantity int    `json:"quantity"`
	Reason   string `json:"reason"`
	// Force allows the resulting stock to drop below zero (backorder).
	Force bool `json:"force"`
}

type AbsoluteQuantityRequest struct {
	ShopID        string
	ItemID        string
	UserID        string
	NewQuantity   *int
	Reason        string
	SKU           *string
	Name          *string
	Price         *decimal.Decimal
	MinStockLevel *int
}

// AdjustmentResponse carries the updated item and the ledger row written for
// it. Adjustment is nil when an edit left the quantity unchanged.
type AdjustmentResponse struct {
	Item       Item             `json:"item"`
	Adjustment *StockAdjustment `json:"adjustment,omitempty"`
}

type AdjustmentListResponse struct {
	ItemID      string            `json:"item_id"`
	Adjustments []StockAdjustment `json:"adjustments"`
}

// LedgerSummary is the aggregate of an item's ledger rows.
type LedgerSummary struct {
	Entries int `db:"entries"`
	Sum     int `db:"total"`
}

type Reconciliation struct {
	ItemID           string    `json:"item_id"`
	BaselineQuantity int       `json:"baseline_quantity"`
	LedgerSum        int       `json:"ledger_sum"`
	Entries          int       `json:"entries"`
	StockQuantity    int       `json:"stock_quantity"`
	ExpectedQuantity int       `json:"expected_quantity"`
	Drift            int       `json:"drift"`
	Consistent       bool      `json:"consistent"`
	CheckedAt        time.Time `json:"checked_at"`
}

type Sale struct {
	ID        string          `json:"id" db:"id"`
	ShopID    string          `json:"shop_id" db:"shop_id"`
	Total     decimal.Decimal `json:"total" db:"total"`
	CreatedBy string          `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
	Lines     []SaleLine      `json:"lines,omitempty" db:"-"`
}

type SaleLine struct {
	SaleID    string          `json:"-" db:"sale_id"`
	ItemID    string          `json:"item_id" db:"item_id"`
	Quantity  int             `json:"quantity" db:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price" db:"unit_price"`
}

// SaleLineRequest is one line of an incoming sale. A nil UnitPrice sells at
// the item's catalogue price; an explicit value, zero included, is kept.
type SaleLineRequest struct {
	ItemID    string           `json:"item_id"`
	Quantity  int              `json:"quantity"`
	UnitPrice *decimal.Decimal `json:"unit_price,omitempty"`
}

type SaleRequest struct {
	ShopID string            `json:"-"`
	UserID string            `json:"-"`
	Lines  []SaleLineRequest `json:"lines"`
	At     *time.Time        `json:"at,omitempty"`
}

type SaleResponse struct {
	Sale  Sale   `json:"sale"`
	Items []Item `json:"items"`
}

type DailyBucket struct {
	Date  string          `json:"date"`
	Total decimal.Decimal `json:"total"`
	Count int             `json:"count"`
	Sales []Sale          `json:"sales"`
}

type DateRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
	Days  int    `json:"days"`
}

type TrendSummary struct {
	TotalSales        decimal.Decimal `json:"totalSales"`
	TotalTransactions int             `json:"totalTransactions"`
	AverageDaily      decimal.Decimal `json:"averageDaily"`
	PeakDay           *DailyBucket    `json:"peakDay"`
	GrowthRate        decimal.Decimal `json:"growthRate"`
	DateRange         DateRange       `json:"dateRange"`
}

type TrendReport struct {
	ShopID    string        `json:"shopId"`
	DailyData []DailyBucket `json:"dailyData"`
	Summary   TrendSummary  `json:"summary"`
}

type TrendRequest struct {
	ShopID   string
	Days     int
	Location *time.Location
}

type Actor struct {
	UserID  string
	Role    string
	ShopIDs []string
}

// CanAccessShop reports whether the actor was granted the shop by the token issuer.
func (a Actor) CanAccessShop(shopID string) bool {
	if a.Role == RoleAdmin {
		return true
	}
	for _, id := range a.ShopIDs {
		if id == shopID {
			return true
		}
	}
	return false
}

const (
	RoleAdmin = "admin"
	RoleOwner = "owner"
	RoleStaff = "staff"
)
