package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"

	"github.com/shopspring/decimal"
)

// CreateProduct creates a new product. Stock starts at zero and only arrives
// through the ledger.
func (s *Store) CreateProduct(ctx context.Context, product *models.Product) error {
	if product.Classification == "" {
		product.Classification = models.ClassificationOTC
	}

	query := `
		INSERT INTO products (generic_name, brand_name, dosage_strength, form, category, classification, reorder_threshold)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, on_hand, is_active, created_at, updated_at`

	return s.db.QueryRowxContext(ctx, query,
		product.GenericName, product.BrandName, product.DosageStrength, product.Form,
		product.Category, product.Classification, product.ReorderThreshold,
	).Scan(&product.ID, &product.OnHand, &product.IsActive, &product.CreatedAt, &product.UpdatedAt)
}

// GetProduct retrieves a product by ID
func (s *Store) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, ledger.ErrProductNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &product, nil
}

// ListProducts retrieves all products
func (s *Store) ListProducts(ctx context.Context) ([]models.Product, error) {
	var products []models.Product
	err := s.db.SelectContext(ctx, &products, "SELECT "+productColumns+" FROM products ORDER BY id")
	return products, err
}

// UpdateProduct rewrites the catalog columns of a product. on_hand and
// is_active are never written here.
func (s *Store) UpdateProduct(ctx context.Context, product *models.Product) error {
	query := `
		UPDATE products
		SET generic_name = $1, brand_name = $2, dosage_strength = $3, form = $4,
			category = $5, classification = $6, reorder_threshold = $7, updated_at = NOW()
		WHERE id = $8
		RETURNING `+productColumns

	err := s.db.QueryRowxContext(ctx, query,
		product.GenericName, product.BrandName, product.DosageStrength, product.Form,
		product.Category, product.Classification, product.ReorderThreshold, product.ID,
	).StructScan(product)
	if err == sql.ErrNoRows {
		return fmt.Errorf("product %d: %w", product.ID, ledger.ErrProductNotFound)
	}
	return mapError(err)
}

// DeactivateProduct soft-deletes a product; its ledger is kept
func (s *Store) DeactivateProduct(ctx context.Context, id int64) error {
	result, err := s.db.ExecContext(ctx,
		"UPDATE products SET is_active = FALSE, updated_at = NOW() WHERE id = $1", id)
	if err != nil {
		return err
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("product %d: %w", id, ledger.ErrProductNotFound)
	}
	return nil
}

// ListLots retrieves a product's ledger newest first. An empty kind returns every lot.
func (s *Store) ListLots(ctx context.Context, productID int64, kind string) ([]models.Lot, error) {
	var exists bool
	if err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM products WHERE id = $1)", productID); err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("product %d: %w", productID, ledger.ErrProductNotFound)
	}

	lots := []models.Lot{}
	err := s.db.SelectContext(ctx, &lots, `
		SELECT `+lotColumns+`
		FROM stock_lots
		WHERE product_id = $1 AND ($2::text = '' OR kind = $2)
		ORDER BY recorded_at DESC, id DESC`, productID, kind)
	return lots, err
}

// NearestExpiry returns the earliest expiry among lots that still hold stock
func (s *Store) NearestExpiry(ctx context.Context, productID int64) (*time.Time, error) {
	var nearest sql.NullTime
	err := s.db.GetContext(ctx, &nearest, `
		SELECT MIN(expiry_date) FROM stock_lots
		WHERE product_id = $1 AND quantity_delta > 0 AND remaining_quantity > 0`, productID)
	if err != nil {
		return nil, err
	}
	if !nearest.Valid {
		return nil, nil
	}
	return &nearest.Time, nil
}

// GetSale retrieves a sale bill with its items, or nil if it does not exist
func (s *Store) GetSale(ctx context.Context, id int64) (*models.SaleBill, error) {
	return s.getSale(ctx, "SELECT * FROM sale_bills WHERE id = $1", id)
}

// GetSaleByIdempotencyKey retrieves a sale bill by idempotency key, or nil
func (s *Store) GetSaleByIdempotencyKey(ctx context.Context, key string) (*models.SaleBill, error) {
	return s.getSale(ctx, "SELECT * FROM sale_bills WHERE idempotency_key = $1", key)
}

type saleRow struct {
	ID             int64           `db:"id"`
	IdempotencyKey sql.NullString  `db:"idempotency_key"`
	CreatedBy      sql.NullString  `db:"created_by"`
	Total          decimal.Decimal `db:"total"`
	CreatedAt      time.Time       `db:"created_at"`
}

func (s *Store) getSale(ctx context.Context, query string, arg interface{}) (*models.SaleBill, error) {
	var row saleRow
	err := s.db.GetContext(ctx, &row, query, arg)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	sale := &models.SaleBill{
		ID:             row.ID,
		IdempotencyKey: row.IdempotencyKey.String,
		Total:          row.Total,
		CreatedAt:      row.CreatedAt,
	}
	if row.CreatedBy.Valid {
		sale.CreatedBy = &row.CreatedBy.String
	}
	err = s.db.SelectContext(ctx, &sale.Items,
		"SELECT * FROM sale_items WHERE sale_id = $1 ORDER BY id", sale.ID)
	if err != nil {
		return nil, err
	}
	return sale, nil
}
