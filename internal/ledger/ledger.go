// Package ledger keeps a product's cached on-hand quantity consistent with the
// dated lots that back it, and executes replenishments and FEFO depletions
// against that ledger atomically.
package ledger

import (
	"context"
	"sort"

	"pharmacy-service/internal/models"
)

// Tx is a storage transaction holding write locks on a set of products.
// Reads must observe writes made earlier in the same transaction.
type Tx interface {
	// Product returns a locked product or ErrProductNotFound.
	Product(ctx context.Context, id int64) (*models.Product, error)
	// OpenLots returns replenishment lots with remaining stock.
	OpenLots(ctx context.Context, productID int64) ([]models.Lot, error)
	// ReplenishmentLots returns every replenishment lot, exhausted ones included.
	ReplenishmentLots(ctx context.Context, productID int64) ([]models.Lot, error)
	InsertLot(ctx context.Context, lot *models.Lot) error
	SetLotRemaining(ctx context.Context, lotID int64, remaining int) error
	SetOnHand(ctx context.Context, productID int64, onHand int) error
	CreateSale(ctx context.Context, sale *models.SaleBill) error
}

// Storage is the persistence layer the reconciler is constructed with.
type Storage interface {
	// InTx write-locks productIDs with a bounded wait, runs fn and commits if
	// fn returns nil. Any error rolls back every write made by fn.
	InTx(ctx context.Context, productIDs []int64, fn func(tx Tx) error) error
}

// Locker serializes ledger access across processes before the storage
// transaction is opened. Lock must give up with ErrBusy after a bounded wait.
type Locker interface {
	Lock(ctx context.Context, productIDs []int64) (unlock func(), err error)
}

// Change describes one committed ledger mutation
type Change struct {
	ProductID int64
	Kind      string
	Quantity  int
	OnHand    int
	Lot       models.Lot
	Actor     string
}

// Observer is notified after a transaction commits. It is never called for
// rolled back work.
type Observer interface {
	LedgerCommitted(ctx context.Context, changes []Change)
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, []int64) (func(), error) {
	return func() {}, nil
}

// normalizeIDs deduplicates and sorts product IDs so every caller locks in the
// same order.
func normalizeIDs(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
