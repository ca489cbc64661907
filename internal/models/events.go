package models

import "time"

// Event types
const (
	EventTypeStockReplenished    = "STOCK_REPLENISHED"
	EventTypeStockDepleted       = "STOCK_DEPLETED"
	EventTypeSaleCompleted       = "SALE_COMPLETED"
	EventTypeLedgerDriftDetected = "LEDGER_DRIFT_DETECTED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// StockReplenishedEvent published when a replenishment lot is committed
type StockReplenishedEvent struct {
	BaseEvent
	ProductID  int64      `json:"product_id"`
	LotID      int64      `json:"lot_id"`
	Quantity   int        `json:"quantity"`
	OnHand     int        `json:"on_hand"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
	Actor      string     `json:"actor,omitempty"`
}

// StockDepletedEvent published when a depletion is committed
type StockDepletedEvent struct {
	BaseEvent
	ProductID int64  `json:"product_id"`
	LotID     int64  `json:"lot_id"`
	Kind      string `json:"kind"`
	Quantity  int    `json:"quantity"`
	OnHand    int    `json:"on_hand"`
	Actor     string `json:"actor,omitempty"`
}

// SaleCompletedEvent published when a sale bill is committed
type SaleCompletedEvent struct {
	BaseEvent
	SaleID int64          `json:"sale_id"`
	Total  string         `json:"total"`
	Items  []SaleItemData `json:"items"`
}

// LedgerDriftDetectedEvent published when an audit finds on-hand and lots disagree
type LedgerDriftDetectedEvent struct {
	BaseEvent
	ProductID int64 `json:"product_id"`
	Expected  int   `json:"expected"`
	Actual    int   `json:"actual"`
}

// SaleItemData represents item data in events
type SaleItemData struct {
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
}
