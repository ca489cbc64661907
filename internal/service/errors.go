package service

import (
	"errors"

	"pharmacy-service/internal/ledger"
)

var (
	ErrInvalidProduct = errors.New("invalid product")
	ErrInvalidPrice   = errors.New("unit price must be positive")
	ErrEmptySale      = errors.New("sale has no items")
	ErrInvalidLotKind = errors.New("invalid lot kind")
	ErrSaleNotFound   = errors.New("sale not found")
)

// failureReason is the metrics label for a failed operation
func failureReason(err error) string {
	switch {
	case errors.Is(err, ledger.ErrInvalidQuantity), errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrEmptySale):
		return "invalid_request"
	case errors.Is(err, ledger.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ledger.ErrProductNotFound):
		return "not_found"
	case errors.Is(err, ledger.ErrBusy):
		return "busy"
	case errors.Is(err, ledger.ErrConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrLedgerDrift):
		return "drift"
	default:
		return "storage"
	}
}
