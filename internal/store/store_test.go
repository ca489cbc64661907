package store

import (
	"context"
	"errors"
	"os"
	"regexp"
	"testing"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	productRowColumns = []string{"id", "generic_name", "brand_name", "dosage_strength", "form", "category",
		"classification", "on_hand", "reorder_threshold", "is_active", "created_at", "updated_at"}
	lotRowColumns = []string{"id", "product_id", "kind", "quantity_delta", "remaining_quantity",
		"expiry_date", "recorded_at", "attributed_to"}
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewStoreFromDB(sqlx.NewDb(db, "postgres"), 1500*time.Millisecond), mock
}

func q(query string) string {
	return regexp.QuoteMeta(query)
}

func expectLock(mock sqlmock.Sqlmock, ids ...int64) {
	mock.ExpectBegin()
	mock.ExpectExec(q("SET LOCAL lock_timeout = '1500ms'")).WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id"})
	for _, id := range ids {
		rows.AddRow(id)
	}
	mock.ExpectQuery(q("SELECT id FROM products WHERE id = ANY($1) ORDER BY id FOR UPDATE")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnRows(rows)
}

func TestInTxCommits(t *testing.T) {
	s, mock := newMockStore(t)
	expectLock(mock, 1)
	mock.ExpectExec(q("UPDATE products SET on_hand = $1")).
		WithArgs(5, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.InTx(context.Background(), []int64{1}, func(tx ledger.Tx) error {
		return tx.SetOnHand(context.Background(), 1, 5)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxRollsBackWhenFnFails(t *testing.T) {
	s, mock := newMockStore(t)
	expectLock(mock, 1)
	mock.ExpectRollback()

	boom := errors.New("boom")
	err := s.InTx(context.Background(), []int64{1}, func(tx ledger.Tx) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxMissingProduct(t *testing.T) {
	s, mock := newMockStore(t)
	expectLock(mock, 1)
	mock.ExpectRollback()

	called := false
	err := s.InTx(context.Background(), []int64{1, 2}, func(tx ledger.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
	assert.False(t, called)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxLockTimeoutIsBusy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("SET LOCAL lock_timeout")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(q("FOR UPDATE")).
		WithArgs(sqlmock.AnyArg()).
		WillReturnError(&pq.Error{Code: "55P03", Message: "could not obtain lock on row"})
	mock.ExpectRollback()

	err := s.InTx(context.Background(), []int64{1}, func(tx ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrBusy)
	assert.True(t, ledger.IsRetryable(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInTxCommitSerializationFailureIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	expectLock(mock, 1)
	mock.ExpectCommit().WillReturnError(&pq.Error{Code: "40001"})

	err := s.InTx(context.Background(), []int64{1}, func(tx ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrConflict)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"lock not available", &pq.Error{Code: "55P03"}, ledger.ErrBusy},
		{"query canceled", &pq.Error{Code: "57014"}, ledger.ErrBusy},
		{"serialization failure", &pq.Error{Code: "40001"}, ledger.ErrConflict},
		{"deadlock", &pq.Error{Code: "40P01"}, ledger.ErrConflict},
		{"unique violation", &pq.Error{Code: "23505"}, ledger.ErrConflict},
		{"foreign key", &pq.Error{Code: "23503"}, ledger.ErrProductNotFound},
		{"negative on hand", &pq.Error{Code: "23514", Constraint: "products_on_hand_non_negative"}, ledger.ErrLedgerDrift},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, mapError(tt.err), tt.want)
		})
	}

	other := &pq.Error{Code: "23514", Constraint: "products_classification_valid"}
	assert.Equal(t, error(other), mapError(other))
	assert.Equal(t, assert.AnError, mapError(assert.AnError))
	assert.Nil(t, mapError(nil))
}

func TestDepleteThroughReconciler(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2025, 1, 5, 10, 0, 0, 0, time.UTC)
	jan := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	expectLock(mock, 1)
	mock.ExpectQuery(q("FROM products WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(productRowColumns).
			AddRow(1, "Paracetamol", "Biogesic", "500mg", "Tablet", "Analgesic", "OTC", 15, 5, true, now, now))
	// returned in storage order; the reconciler sorts FEFO itself
	mock.ExpectQuery(q("AND remaining_quantity > 0")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(lotRowColumns).
			AddRow(11, 1, "replenishment", 10, 10, feb, now, nil).
			AddRow(12, 1, "replenishment", 5, 5, jan, now, nil))
	mock.ExpectExec(q("UPDATE stock_lots SET remaining_quantity = $1 WHERE id = $2")).
		WithArgs(0, int64(12)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE stock_lots SET remaining_quantity = $1 WHERE id = $2")).
		WithArgs(8, int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE products SET on_hand = $1")).
		WithArgs(8, int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(q("INSERT INTO stock_lots")).
		WithArgs(int64(1), "sale", -7, 8, sqlmock.AnyArg(), now, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(13))
	mock.ExpectCommit()

	r := ledger.NewReconciler(s, ledger.WithClock(func() time.Time { return now }))
	res, err := r.Deplete(context.Background(), ledger.DepleteRequest{
		ProductID: 1,
		Quantity:  7,
		Kind:      models.LotKindSale,
		Actor:     "cashier-3",
	})
	require.NoError(t, err)

	assert.Equal(t, 8, res.OnHand)
	assert.Equal(t, int64(13), res.Lot.ID)
	assert.Equal(t, []ledger.Allocation{
		{LotID: 12, Taken: 5, Remaining: 0},
		{LotID: 11, Taken: 2, Remaining: 8},
	}, res.Allocations)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDepleteInsufficientRollsBack(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	expectLock(mock, 1)
	mock.ExpectQuery(q("FROM products WHERE id = $1")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(productRowColumns).
			AddRow(1, "Paracetamol", "", "", "", "", "OTC", 3, 0, true, now, now))
	mock.ExpectQuery(q("AND remaining_quantity > 0")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows(lotRowColumns).
			AddRow(11, 1, "replenishment", 3, 3, nil, now, nil))
	mock.ExpectRollback()

	r := ledger.NewReconciler(s)
	_, err := r.Deplete(context.Background(), ledger.DepleteRequest{ProductID: 1, Quantity: 4})

	var insufficient *ledger.InsufficientStockError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, 3, insufficient.Available)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSaleInsertsBillAndItems(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	price := decimal.RequireFromString("12.50")

	expectLock(mock, 4)
	mock.ExpectQuery(q("INSERT INTO sale_bills")).
		WithArgs("abc", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(21, now))
	mock.ExpectQuery(q("INSERT INTO sale_items")).
		WithArgs(int64(21), int64(4), 2, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(31))
	mock.ExpectCommit()

	sale := &models.SaleBill{
		IdempotencyKey: "abc",
		Total:          price.Mul(decimal.NewFromInt(2)),
		Items: []models.SaleItem{
			{ProductID: 4, Quantity: 2, UnitPrice: price, TotalPrice: price.Mul(decimal.NewFromInt(2))},
		},
	}
	err := s.InTx(context.Background(), []int64{4}, func(tx ledger.Tx) error {
		return tx.CreateSale(context.Background(), sale)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(21), sale.ID)
	assert.Equal(t, int64(21), sale.Items[0].SaleID)
	assert.Equal(t, int64(31), sale.Items[0].ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetProductNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(q("FROM products WHERE id = $1")).
		WithArgs(int64(9)).
		WillReturnRows(sqlmock.NewRows(productRowColumns))

	_, err := s.GetProduct(context.Background(), 9)
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestUpdateProductWritesCatalogColumnsOnly(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now()
	mock.ExpectQuery(`UPDATE products\s+SET generic_name = \$1, brand_name = \$2, dosage_strength = \$3, form = \$4,\s+category = \$5, classification = \$6, reorder_threshold = \$7, updated_at = NOW\(\)\s+WHERE id = \$8`).
		WithArgs("Amoxicillin", "Amoxil", "500mg", "capsule", "antibiotic", "RX", 15, int64(3)).
		WillReturnRows(sqlmock.NewRows(productRowColumns).
			AddRow(3, "Amoxicillin", "Amoxil", "500mg", "capsule", "antibiotic", "RX", 42, 15, true, now, now))

	product := &models.Product{
		ID:               3,
		GenericName:      "Amoxicillin",
		BrandName:        "Amoxil",
		DosageStrength:   "500mg",
		Form:             "capsule",
		Category:         "antibiotic",
		Classification:   "RX",
		ReorderThreshold: 15,
		OnHand:           1000,
	}
	require.NoError(t, s.UpdateProduct(context.Background(), product))
	assert.Equal(t, 42, product.OnHand)
	assert.Equal(t, 15, product.ReorderThreshold)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateProductNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(q("UPDATE products")).
		WillReturnRows(sqlmock.NewRows(productRowColumns))

	err := s.UpdateProduct(context.Background(), &models.Product{ID: 9, GenericName: "x"})
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestDeactivateProductNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(q("UPDATE products SET is_active = FALSE")).
		WithArgs(int64(9)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.DeactivateProduct(context.Background(), 9)
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestListLotsFiltersByKind(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()
	actor := "tech-1"

	mock.ExpectQuery(q("SELECT EXISTS")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery(q("($2::text = '' OR kind = $2)")).
		WithArgs(int64(1), "stock_out").
		WillReturnRows(sqlmock.NewRows(lotRowColumns).
			AddRow(5, 1, "stock_out", -2, 8, nil, now, actor))

	lots, err := s.ListLots(context.Background(), 1, models.LotKindStockOut)
	require.NoError(t, err)
	require.Len(t, lots, 1)
	assert.Equal(t, -2, lots[0].QuantityDelta)
	require.NotNil(t, lots[0].AttributedTo)
	assert.Equal(t, actor, *lots[0].AttributedTo)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListLotsUnknownProduct(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(q("SELECT EXISTS")).
		WithArgs(int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	_, err := s.ListLots(context.Background(), 1, "")
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestGetSaleMissingReturnsNil(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(q("SELECT * FROM sale_bills WHERE id = $1")).
		WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	sale, err := s.GetSale(context.Background(), 3)
	require.NoError(t, err)
	assert.Nil(t, sale)
}

// Runs against a real database when TEST_DATABASE_URL is set
func TestPostgresLedgerIntegration(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	s, err := NewStore(url, time.Second)
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Migrate(ctx))

	product := &models.Product{GenericName: "Integration Test Drug"}
	require.NoError(t, s.CreateProduct(ctx, product))

	r := ledger.NewReconciler(s)
	jan := time.Date(2030, 1, 10, 0, 0, 0, 0, time.UTC)
	feb := time.Date(2030, 2, 1, 0, 0, 0, 0, time.UTC)
	_, err = r.Replenish(ctx, ledger.ReplenishRequest{ProductID: product.ID, Quantity: 10, ExpiryDate: &feb})
	require.NoError(t, err)
	_, err = r.Replenish(ctx, ledger.ReplenishRequest{ProductID: product.ID, Quantity: 5, ExpiryDate: &jan})
	require.NoError(t, err)

	res, err := r.Deplete(ctx, ledger.DepleteRequest{ProductID: product.ID, Quantity: 7})
	require.NoError(t, err)
	assert.Equal(t, 8, res.OnHand)

	report, err := r.Reconcile(ctx, product.ID)
	require.NoError(t, err)
	assert.True(t, report.Consistent())

	nearest, err := s.NearestExpiry(ctx, product.ID)
	require.NoError(t, err)
	require.NotNil(t, nearest)
	assert.True(t, nearest.Equal(feb))
}
