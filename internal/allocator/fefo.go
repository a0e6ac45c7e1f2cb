package allocator

import (
	"sort"

	"dukaan/backend/internal/domain"
)

// PickLot returns the lot that should be depleted first: the first lot in the
// supplied order with stock on hand, or the first lot at all when nothing has
// stock. It reports false only for an empty list.
func PickLot(lots []domain.Lot) (domain.Lot, bool) {
	if len(lots) == 0 {
		return domain.Lot{}, false
	}
	for _, lot := range lots {
		if lot.OnHand > 0 {
			return lot, true
		}
	}
	return lots[0], true
}

// SortByExpiry returns a copy of lots ordered earliest expiry first. Lots
// without an expiry date go last; ties keep their original order.
func SortByExpiry(lots []domain.Lot) []domain.Lot {
	sorted := make([]domain.Lot, len(lots))
	copy(sorted, lots)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i].ExpiryDate, sorted[j].ExpiryDate
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.Before(*b)
		}
	})
	return sorted
}
