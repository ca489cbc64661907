package service

import (
	"context"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"
)

// Catalog is the product read side shared by the PostgreSQL and memory stores
type Catalog interface {
	CreateProduct(ctx context.Context, product *models.Product) error
	GetProduct(ctx context.Context, id int64) (*models.Product, error)
	ListProducts(ctx context.Context) ([]models.Product, error)
	UpdateProduct(ctx context.Context, product *models.Product) error
	DeactivateProduct(ctx context.Context, id int64) error
	ListLots(ctx context.Context, productID int64, kind string) ([]models.Lot, error)
	NearestExpiry(ctx context.Context, productID int64) (*time.Time, error)
}

// SaleReader looks up committed sale bills
type SaleReader interface {
	GetSale(ctx context.Context, id int64) (*models.SaleBill, error)
	GetSaleByIdempotencyKey(ctx context.Context, key string) (*models.SaleBill, error)
}

// StockCache is an optional on-hand mirror (Redis)
type StockCache interface {
	GetOnHand(ctx context.Context, productID int64) (int, bool, error)
	SetOnHand(ctx context.Context, productID int64, onHand int, lotID int64) error
}

// DriftPublisher announces failed reconciliations
type DriftPublisher interface {
	PublishLedgerDrift(ctx context.Context, report *ledger.Report) error
}

// SalePublisher announces committed sales
type SalePublisher interface {
	PublishSaleCompleted(ctx context.Context, sale *models.SaleBill) error
}

// EventDeduper remembers handled event IDs
type EventDeduper interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID string) error
}
