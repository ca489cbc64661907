package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product represents a catalog entry together with its cached on-hand quantity
type Product struct {
	ID               int64     `db:"id" json:"id"`
	GenericName      string    `db:"generic_name" json:"generic_name"`
	BrandName        string    `db:"brand_name" json:"brand_name"`
	DosageStrength   string    `db:"dosage_strength" json:"dosage_strength,omitempty"`
	Form             string    `db:"form" json:"form"`
	Category         string    `db:"category" json:"category"`
	Classification   string    `db:"classification" json:"classification"`
	OnHand           int       `db:"on_hand" json:"on_hand"`
	ReorderThreshold int       `db:"reorder_threshold" json:"reorder_threshold"`
	IsActive         bool      `db:"is_active" json:"is_active"`
	CreatedAt        time.Time `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time `db:"updated_at" json:"updated_at"`
}

// BelowThreshold reports whether the product should be reordered.
// Advisory only; the ledger never enforces it.
func (p *Product) BelowThreshold() bool {
	return p.OnHand < p.ReorderThreshold
}

// Product classifications
const (
	ClassificationRX  = "RX"
	ClassificationOTC = "OTC"
)

// Lot is one ledger entry for a product. Replenishment lots carry stock that
// later depletions consume; depletion lots are immutable audit records whose
// Remaining holds the on-hand total right after the operation.
type Lot struct {
	ID            int64      `db:"id" json:"id"`
	ProductID     int64      `db:"product_id" json:"product_id"`
	Kind          string     `db:"kind" json:"kind"`
	QuantityDelta int        `db:"quantity_delta" json:"quantity_delta"`
	Remaining     int        `db:"remaining_quantity" json:"remaining_quantity"`
	ExpiryDate    *time.Time `db:"expiry_date" json:"expiry_date,omitempty"`
	RecordedAt    time.Time  `db:"recorded_at" json:"recorded_at"`
	AttributedTo  *string    `db:"attributed_to" json:"attributed_to,omitempty"`
}

// IsReplenishment reports whether the lot added stock
func (l *Lot) IsReplenishment() bool {
	return l.QuantityDelta > 0
}

// Lot kinds
const (
	LotKindReplenishment = "replenishment"
	LotKindSale          = "sale"
	LotKindStockOut      = "stock_out"
)

// SaleBill represents a completed point-of-sale transaction
type SaleBill struct {
	ID             int64           `db:"id" json:"id"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key,omitempty"`
	CreatedBy      *string         `db:"created_by" json:"created_by,omitempty"`
	Total          decimal.Decimal `db:"total" json:"total"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
	Items          []SaleItem      `db:"-" json:"items"`
}

// SaleItem represents one line of a sale bill
type SaleItem struct {
	ID         int64           `db:"id" json:"id"`
	SaleID     int64           `db:"sale_id" json:"sale_id"`
	ProductID  int64           `db:"product_id" json:"product_id"`
	Quantity   int             `db:"quantity" json:"quantity"`
	UnitPrice  decimal.Decimal `db:"unit_price" json:"unit_price"`
	TotalPrice decimal.Decimal `db:"total_price" json:"total_price"`
}

// ActorRef converts an opaque actor identifier into its nullable column form
func ActorRef(actor string) *string {
	if actor == "" {
		return nil
	}
	return &actor
}
