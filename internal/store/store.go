package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

//go:embed schema.sql
var schemaSQL string

const productColumns = `id, generic_name, brand_name, dosage_strength, form, category,
	classification, on_hand, reorder_threshold, is_active, created_at, updated_at`

const lotColumns = `id, product_id, kind, quantity_delta, remaining_quantity,
	expiry_date, recorded_at, attributed_to`

var _ ledger.Storage = (*Store)(nil)

type Store struct {
	db          *sqlx.DB
	lockTimeout time.Duration
}

// NewStore creates a new database store
func NewStore(databaseURL string, lockTimeout time.Duration) (*Store, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewStoreFromDB(db, lockTimeout), nil
}

// NewStoreFromDB wraps an existing connection
func NewStoreFromDB(db *sqlx.DB, lockTimeout time.Duration) *Store {
	if lockTimeout <= 0 {
		lockTimeout = 2 * time.Second
	}
	return &Store{db: db, lockTimeout: lockTimeout}
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Migrate applies the embedded schema
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// InTx locks the products rows (FOR UPDATE, ascending ID) and runs fn in one
// transaction. lock_timeout bounds the wait.
func (s *Store) InTx(ctx context.Context, productIDs []int64, fn func(tx ledger.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mapError(fmt.Errorf("begin transaction: %w", err))
	}
	defer tx.Rollback()

	lockTimeout := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
	if _, err := tx.ExecContext(ctx, lockTimeout); err != nil {
		return mapError(fmt.Errorf("set lock timeout: %w", err))
	}

	var locked []int64
	err = tx.SelectContext(ctx, &locked,
		"SELECT id FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE", pq.Array(productIDs))
	if err != nil {
		return mapError(fmt.Errorf("failed to lock products: %w", err))
	}
	if missing := missingIDs(productIDs, locked); len(missing) > 0 {
		return fmt.Errorf("products %v: %w", missing, ledger.ErrProductNotFound)
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapError(fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) Product(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := t.tx.GetContext(ctx, &product,
		"SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("product %d: %w", id, ledger.ErrProductNotFound)
	}
	if err != nil {
		return nil, mapError(err)
	}
	return &product, nil
}

func (t *pgTx) OpenLots(ctx context.Context, productID int64) ([]models.Lot, error) {
	var lots []models.Lot
	err := t.tx.SelectContext(ctx, &lots, `
		SELECT `+lotColumns+`
		FROM stock_lots
		WHERE product_id = $1 AND quantity_delta > 0 AND remaining_quantity > 0
		ORDER BY expiry_date ASC NULLS LAST, recorded_at ASC, id ASC
		FOR UPDATE`, productID)
	return lots, mapError(err)
}

func (t *pgTx) ReplenishmentLots(ctx context.Context, productID int64) ([]models.Lot, error) {
	var lots []models.Lot
	err := t.tx.SelectContext(ctx, &lots, `
		SELECT `+lotColumns+`
		FROM stock_lots
		WHERE product_id = $1 AND quantity_delta > 0
		ORDER BY expiry_date ASC NULLS LAST, recorded_at ASC, id ASC`, productID)
	return lots, mapError(err)
}

func (t *pgTx) InsertLot(ctx context.Context, lot *models.Lot) error {
	query := `
		INSERT INTO stock_lots (product_id, kind, quantity_delta, remaining_quantity, expiry_date, recorded_at, attributed_to)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	err := t.tx.GetContext(ctx, &lot.ID, query,
		lot.ProductID, lot.Kind, lot.QuantityDelta, lot.Remaining,
		lot.ExpiryDate, lot.RecordedAt, lot.AttributedTo)
	return mapError(err)
}

func (t *pgTx) SetLotRemaining(ctx context.Context, lotID int64, remaining int) error {
	result, err := t.tx.ExecContext(ctx,
		"UPDATE stock_lots SET remaining_quantity = $1 WHERE id = $2 AND quantity_delta > 0",
		remaining, lotID)
	if err != nil {
		return mapError(err)
	}
	if affected, _ := result.RowsAffected(); affected == 0 {
		return fmt.Errorf("replenishment lot %d not found", lotID)
	}
	return nil
}

func (t *pgTx) SetOnHand(ctx context.Context, productID int64, onHand int) error {
	_, err := t.tx.ExecContext(ctx,
		"UPDATE products SET on_hand = $1, updated_at = NOW() WHERE id = $2",
		onHand, productID)
	return mapError(err)
}

func (t *pgTx) CreateSale(ctx context.Context, sale *models.SaleBill) error {
	query := `
		INSERT INTO sale_bills (idempotency_key, created_by, total)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := t.tx.QueryRowxContext(ctx, query,
		nullString(sale.IdempotencyKey), sale.CreatedBy, sale.Total,
	).Scan(&sale.ID, &sale.CreatedAt)
	if err != nil {
		return mapError(fmt.Errorf("failed to create sale bill: %w", err))
	}

	for i := range sale.Items {
		item := &sale.Items[i]
		item.SaleID = sale.ID
		err := t.tx.GetContext(ctx, &item.ID, `
			INSERT INTO sale_items (sale_id, product_id, quantity, unit_price, total_price)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			item.SaleID, item.ProductID, item.Quantity, item.UnitPrice, item.TotalPrice)
		if err != nil {
			return mapError(fmt.Errorf("failed to create sale item: %w", err))
		}
	}
	return nil
}

func missingIDs(want, got []int64) []int64 {
	found := make(map[int64]bool, len(got))
	for _, id := range got {
		found[id] = true
	}
	var missing []int64
	for _, id := range want {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	return missing
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
