// Package ledger holds the pure arithmetic behind stock balances and
// accounts payable: folding movements, checking a proposed movement,
// settling purchase orders against payments and aging them.
package ledger

import (
	"fmt"
	"math"
	"strings"

	"backoffice/backend/internal/domain"
)

// Fold aggregates movements into a balance. The result does not depend on
// the order of movements.
func Fold(movements []domain.Movement) domain.Balance {
	var b domain.Balance
	for _, m := range movements {
		b = Apply(b, m.Type, m.QtyBase)
	}
	return b
}

// Apply returns b with one more movement of type t folded in.
func Apply(b domain.Balance, t domain.MovementType, qty int64) domain.Balance {
	switch t {
	case domain.MovementIn, domain.MovementReturn, domain.MovementAdjust:
		b.OnHand += qty
	case domain.MovementOut:
		b.OnHand -= qty
	case domain.MovementReserve:
		b.Reserved += qty
	case domain.MovementRelease:
		b.Reserved -= qty
	}
	b.Available = b.OnHand - b.Reserved
	return b
}

// BaseQty converts qty counted in a unit to base units. Products that do not
// fit in int64 are refused rather than wrapped.
func BaseQty(qty int64, multiplier int64) (int64, error) {
	if multiplier < 1 {
		return 0, domain.Validation(domain.CodeInvalidQuantity, fmt.Sprintf("unit multiplier %d must be positive", multiplier))
	}
	if qty > math.MaxInt64/multiplier || qty < math.MinInt64/multiplier {
		return 0, domain.Validation(domain.CodeInvalidQuantity,
			fmt.Sprintf("quantity %d with multiplier %d is out of range", qty, multiplier))
	}
	return qty * multiplier, nil
}

// Check validates a proposed movement against the current balance. It never
// mutates anything; a nil result means the movement may be appended and the
// resulting balance fits in int64.
func Check(current domain.Balance, t domain.MovementType, qty int64, note string) error {
	if !t.Valid() {
		return domain.Validation(domain.CodeInvalidMovementType, fmt.Sprintf("unknown movement type %q", t))
	}

	if t == domain.MovementAdjust {
		if qty == 0 {
			return domain.Validation(domain.CodeInvalidQuantity, "adjustment quantity must be non-zero")
		}
		if strings.TrimSpace(note) == "" {
			return domain.Validation(domain.CodeNoteRequired, "adjustment requires a note")
		}
		if qty > 0 {
			return checkHeadroom(current.OnHand, qty)
		}
		if current.OnHand+qty < 0 {
			return domain.BusinessRule(domain.CodeInsufficientStock,
				fmt.Sprintf("adjustment of %d would leave on-hand at %d", qty, current.OnHand+qty))
		}
		return nil
	}

	if qty <= 0 {
		return domain.Validation(domain.CodeInvalidQuantity, "quantity must be positive")
	}

	switch t {
	case domain.MovementIn, domain.MovementReturn:
		return checkHeadroom(current.OnHand, qty)
	case domain.MovementOut, domain.MovementReserve:
		if current.Available < qty {
			return domain.BusinessRule(domain.CodeInsufficientStock,
				fmt.Sprintf("requested %d but only %d available", qty, current.Available))
		}
	case domain.MovementRelease:
		if current.Reserved < qty {
			return domain.BusinessRule(domain.CodeInsufficientReserved,
				fmt.Sprintf("requested release of %d but only %d reserved", qty, current.Reserved))
		}
	}
	return nil
}

func checkHeadroom(onHand int64, qty int64) error {
	if onHand > math.MaxInt64-qty {
		return domain.BusinessRule(domain.CodeQuantityOverflow,
			fmt.Sprintf("adding %d to on-hand %d exceeds the largest representable quantity", qty, onHand))
	}
	return nil
}

// Status derives the stock status shown next to a balance.
func Status(product domain.Product, available int64) domain.StockStatus {
	switch {
	case available <= product.OutStockThreshold:
		return domain.StockOut
	case available <= product.LowStockThreshold:
		return domain.StockLow
	default:
		return domain.StockHealthy
	}
}
