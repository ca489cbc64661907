package ledger

import (
	"sort"

	"pharmacy-service/internal/models"
)

// Allocation is the part of a depletion taken from a single lot
type Allocation struct {
	LotID     int64 `json:"lot_id"`
	Taken     int   `json:"taken"`
	Remaining int   `json:"remaining"`
}

// SortFEFO orders lots first-expiring-first-out. Undated lots expire last;
// equal expiry falls back to recorded_at, then ID.
func SortFEFO(lots []models.Lot) {
	sort.SliceStable(lots, func(i, j int) bool {
		return fefoLess(&lots[i], &lots[j])
	})
}

func fefoLess(a, b *models.Lot) bool {
	switch {
	case a.ExpiryDate == nil && b.ExpiryDate != nil:
		return false
	case a.ExpiryDate != nil && b.ExpiryDate == nil:
		return true
	case a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate):
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.RecordedAt.Equal(b.RecordedAt) {
		return a.RecordedAt.Before(b.RecordedAt)
	}
	return a.ID < b.ID
}

// PlanDepletion walks the lots in FEFO order and decides how much to take from
// each. Lots are not modified. If the lots cannot cover quantity the plan is
// discarded and an *InsufficientStockError is returned.
func PlanDepletion(productID int64, lots []models.Lot, quantity int) ([]Allocation, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	ordered := make([]models.Lot, 0, len(lots))
	for _, lot := range lots {
		if lot.IsReplenishment() && lot.Remaining > 0 {
			ordered = append(ordered, lot)
		}
	}
	SortFEFO(ordered)

	remainingToDeduct := quantity
	allocations := make([]Allocation, 0, len(ordered))
	for _, lot := range ordered {
		if remainingToDeduct == 0 {
			break
		}
		deduct := lot.Remaining
		if remainingToDeduct < deduct {
			deduct = remainingToDeduct
		}
		remainingToDeduct -= deduct
		allocations = append(allocations, Allocation{
			LotID:     lot.ID,
			Taken:     deduct,
			Remaining: lot.Remaining - deduct,
		})
	}

	if remainingToDeduct > 0 {
		return nil, &InsufficientStockError{
			ProductID: productID,
			Requested: quantity,
			Available: quantity - remainingToDeduct,
		}
	}
	return allocations, nil
}
