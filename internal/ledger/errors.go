package ledger

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidQuantity   = errors.New("invalid quantity")
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
	ErrConflict          = errors.New("concurrent ledger modification")
	ErrBusy              = errors.New("ledger busy")
	ErrStorage           = errors.New("storage failure")
	ErrLedgerDrift       = errors.New("ledger drift")
)

// InsufficientStockError reports how much of a depletion the lots could cover
type InsufficientStockError struct {
	ProductID int64
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for product %d: requested=%d, available=%d",
		e.ProductID, e.Requested, e.Available)
}

// Shortfall returns the quantity that could not be covered
func (e *InsufficientStockError) Shortfall() int {
	return e.Requested - e.Available
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// StorageError wraps an opaque failure of the persistence layer
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrStorage, e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return target == ErrStorage
}

// IsRetryable reports whether the caller may retry the operation unchanged
func IsRetryable(err error) bool {
	return errors.Is(err, ErrBusy) || errors.Is(err, ErrConflict)
}

func isClassified(err error) bool {
	for _, target := range []error{
		ErrInvalidQuantity, ErrInsufficientStock, ErrProductNotFound,
		ErrConflict, ErrBusy, ErrStorage, ErrLedgerDrift,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// classify leaves ledger errors untouched and wraps everything else as a storage failure
func classify(op string, err error) error {
	if err == nil || isClassified(err) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}
