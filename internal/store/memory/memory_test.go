package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"pharmacy-service/internal/ledger"
	"pharmacy-service/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createProduct(t *testing.T, s *Store) int64 {
	t.Helper()
	p := &models.Product{GenericName: "Losartan", OnHand: 50, IsActive: false}
	require.NoError(t, s.CreateProduct(context.Background(), p))
	return p.ID
}

func addLot(t *testing.T, s *Store, productID int64, qty int, expiry *time.Time) models.Lot {
	t.Helper()
	lot := models.Lot{
		ProductID:     productID,
		Kind:          models.LotKindReplenishment,
		QuantityDelta: qty,
		Remaining:     qty,
		ExpiryDate:    expiry,
	}
	err := s.InTx(context.Background(), []int64{productID}, func(tx ledger.Tx) error {
		p, err := tx.Product(context.Background(), productID)
		if err != nil {
			return err
		}
		if err := tx.InsertLot(context.Background(), &lot); err != nil {
			return err
		}
		return tx.SetOnHand(context.Background(), productID, p.OnHand+qty)
	})
	require.NoError(t, err)
	return lot
}

func TestCreateProductStartsEmpty(t *testing.T) {
	s := New()
	id := createProduct(t, s)

	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, p.OnHand)
	assert.True(t, p.IsActive)
	assert.Equal(t, models.ClassificationOTC, p.Classification)
}

func TestGetProductNotFound(t *testing.T) {
	_, err := New().GetProduct(context.Background(), 7)
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestInTxUnknownProduct(t *testing.T) {
	s := New()
	called := false
	err := s.InTx(context.Background(), []int64{3}, func(tx ledger.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
	assert.False(t, called)
}

func TestInTxDiscardsWritesOnError(t *testing.T) {
	s := New()
	id := createProduct(t, s)

	err := s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		lot := models.Lot{ProductID: id, Kind: models.LotKindReplenishment, QuantityDelta: 4, Remaining: 4}
		require.NoError(t, tx.InsertLot(context.Background(), &lot))
		require.NoError(t, tx.SetOnHand(context.Background(), id, 4))

		p, err := tx.Product(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, 4, p.OnHand, "transaction reads its own writes")
		return errors.New("abort")
	})
	require.Error(t, err)

	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Zero(t, p.OnHand)
	lots, err := s.ListLots(context.Background(), id, "")
	require.NoError(t, err)
	assert.Empty(t, lots)
}

func TestInTxLockTimeout(t *testing.T) {
	s := New(WithLockTimeout(30 * time.Millisecond))
	id := createProduct(t, s)

	locked := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error { return nil })
	assert.ErrorIs(t, err, ledger.ErrBusy)

	close(release)
	assert.Eventually(t, func() bool {
		return s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error { return nil }) == nil
	}, time.Second, 10*time.Millisecond)
}

func TestTxRejectsNegativeQuantities(t *testing.T) {
	s := New()
	id := createProduct(t, s)
	lot := addLot(t, s, id, 2, nil)

	err := s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		return tx.SetOnHand(context.Background(), id, -1)
	})
	assert.ErrorIs(t, err, ledger.ErrLedgerDrift)

	err = s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		return tx.SetLotRemaining(context.Background(), lot.ID, -1)
	})
	assert.ErrorIs(t, err, ledger.ErrLedgerDrift)
}

func TestCommitKeepsConcurrentDeactivation(t *testing.T) {
	s := New()
	id := createProduct(t, s)

	err := s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		require.NoError(t, s.DeactivateProduct(context.Background(), id))
		return tx.SetOnHand(context.Background(), id, 9)
	})
	require.NoError(t, err)

	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, p.IsActive)
	assert.Equal(t, 9, p.OnHand)
}

func TestOpenLotsInFEFOOrder(t *testing.T) {
	s := New()
	id := createProduct(t, s)
	feb := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	undated := addLot(t, s, id, 1, nil)
	late := addLot(t, s, id, 1, &feb)
	early := addLot(t, s, id, 1, &jan)

	err := s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		lots, err := tx.OpenLots(context.Background(), id)
		require.NoError(t, err)
		require.Len(t, lots, 3)
		assert.Equal(t, []int64{early.ID, late.ID, undated.ID}, []int64{lots[0].ID, lots[1].ID, lots[2].ID})
		return nil
	})
	require.NoError(t, err)
}

func TestListLotsFilterAndOrder(t *testing.T) {
	s := New()
	id := createProduct(t, s)
	first := addLot(t, s, id, 5, nil)
	second := addLot(t, s, id, 3, nil)

	err := s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		out := models.Lot{ProductID: id, Kind: models.LotKindStockOut, QuantityDelta: -1, Remaining: 7}
		return tx.InsertLot(context.Background(), &out)
	})
	require.NoError(t, err)

	all, err := s.ListLots(context.Background(), id, "")
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, models.LotKindStockOut, all[0].Kind)

	repl, err := s.ListLots(context.Background(), id, models.LotKindReplenishment)
	require.NoError(t, err)
	require.Len(t, repl, 2)
	assert.ElementsMatch(t, []int64{first.ID, second.ID}, []int64{repl[0].ID, repl[1].ID})

	_, err = s.ListLots(context.Background(), 99, "")
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestNearestExpiryIgnoresExhaustedLots(t *testing.T) {
	s := New()
	id := createProduct(t, s)

	nearest, err := s.NearestExpiry(context.Background(), id)
	require.NoError(t, err)
	assert.Nil(t, nearest)

	jan := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	early := addLot(t, s, id, 2, &jan)
	addLot(t, s, id, 2, &mar)

	nearest, err = s.NearestExpiry(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, nearest)
	assert.Equal(t, jan, *nearest)

	err = s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		return tx.SetLotRemaining(context.Background(), early.ID, 0)
	})
	require.NoError(t, err)

	nearest, err = s.NearestExpiry(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, mar, *nearest)
}

func TestCreateSaleIdempotencyKey(t *testing.T) {
	s := New()
	id := createProduct(t, s)

	sale := func() *models.SaleBill {
		return &models.SaleBill{
			IdempotencyKey: "key-1",
			Total:          decimal.RequireFromString("10.50"),
			Items: []models.SaleItem{{
				ProductID:  id,
				Quantity:   1,
				UnitPrice:  decimal.RequireFromString("10.50"),
				TotalPrice: decimal.RequireFromString("10.50"),
			}},
		}
	}

	first := sale()
	err := s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		return tx.CreateSale(context.Background(), first)
	})
	require.NoError(t, err)
	assert.NotZero(t, first.ID)
	assert.Equal(t, first.ID, first.Items[0].SaleID)

	err = s.InTx(context.Background(), []int64{id}, func(tx ledger.Tx) error {
		return tx.CreateSale(context.Background(), sale())
	})
	assert.ErrorIs(t, err, ledger.ErrConflict)

	got, err := s.GetSaleByIdempotencyKey(context.Background(), "key-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first.ID, got.ID)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("10.5")))

	missing, err := s.GetSale(context.Background(), 404)
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestOverrideOnHand(t *testing.T) {
	s := New()
	id := createProduct(t, s)

	require.NoError(t, s.OverrideOnHand(context.Background(), id, 12))
	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 12, p.OnHand)

	assert.Error(t, s.OverrideOnHand(context.Background(), id, -1))
	assert.ErrorIs(t, s.OverrideOnHand(context.Background(), 77, 1), ledger.ErrProductNotFound)
}

func TestConcurrentSalesCannotShareIdempotencyKey(t *testing.T) {
	s := New()
	first := createProduct(t, s)
	second := createProduct(t, s)
	ctx := context.Background()

	bill := func(productID int64) *models.SaleBill {
		return &models.SaleBill{
			IdempotencyKey: "shared",
			Total:          decimal.RequireFromString("1.00"),
			Items: []models.SaleItem{{
				ProductID:  productID,
				Quantity:   1,
				UnitPrice:  decimal.RequireFromString("1.00"),
				TotalPrice: decimal.RequireFromString("1.00"),
			}},
		}
	}

	var inner error
	outer := s.InTx(ctx, []int64{first}, func(tx ledger.Tx) error {
		if err := tx.CreateSale(ctx, bill(first)); err != nil {
			return err
		}
		inner = s.InTx(ctx, []int64{second}, func(tx ledger.Tx) error {
			return tx.CreateSale(ctx, bill(second))
		})
		return nil
	})
	require.NoError(t, outer)
	assert.ErrorIs(t, inner, ledger.ErrConflict)

	got, err := s.GetSaleByIdempotencyKey(ctx, "shared")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, first, got.Items[0].ProductID)
}

func TestRolledBackSaleReleasesIdempotencyKey(t *testing.T) {
	s := New()
	id := createProduct(t, s)
	ctx := context.Background()
	errBoom := errors.New("boom")

	err := s.InTx(ctx, []int64{id}, func(tx ledger.Tx) error {
		if err := tx.CreateSale(ctx, &models.SaleBill{IdempotencyKey: "retry"}); err != nil {
			return err
		}
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)

	retried := &models.SaleBill{IdempotencyKey: "retry"}
	err = s.InTx(ctx, []int64{id}, func(tx ledger.Tx) error {
		return tx.CreateSale(ctx, retried)
	})
	require.NoError(t, err)

	got, err := s.GetSaleByIdempotencyKey(ctx, "retry")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, retried.ID, got.ID)
}

func TestUpdateProductKeepsOnHand(t *testing.T) {
	s := New()
	id := createProduct(t, s)
	addLot(t, s, id, 9, nil)
	require.NoError(t, s.DeactivateProduct(context.Background(), id))

	update := &models.Product{
		ID:               id,
		GenericName:      "Losartan Potassium",
		Form:             "tablet",
		Classification:   models.ClassificationRX,
		ReorderThreshold: 20,
		OnHand:           999,
		IsActive:         true,
	}
	require.NoError(t, s.UpdateProduct(context.Background(), update))
	assert.Equal(t, 9, update.OnHand)
	assert.False(t, update.IsActive)

	p, err := s.GetProduct(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Losartan Potassium", p.GenericName)
	assert.Equal(t, models.ClassificationRX, p.Classification)
	assert.Equal(t, 20, p.ReorderThreshold)
	assert.Equal(t, 9, p.OnHand)

	err = s.UpdateProduct(context.Background(), &models.Product{ID: 404, GenericName: "x"})
	assert.ErrorIs(t, err, ledger.ErrProductNotFound)
}

func TestOverrideOnHandWaitIsBounded(t *testing.T) {
	s := New(WithLockTimeout(30 * time.Millisecond))
	id := createProduct(t, s)

	var err error
	lockErr := s.InTx(context.Background(), []int64{id}, func(ledger.Tx) error {
		err = s.OverrideOnHand(context.Background(), id, 3)
		return nil
	})
	require.NoError(t, lockErr)
	assert.ErrorIs(t, err, ledger.ErrBusy)

	p, getErr := s.GetProduct(context.Background(), id)
	require.NoError(t, getErr)
	assert.Zero(t, p.OnHand)
}
