package ledger

import (
	"fmt"

	"backoffice/backend/internal/domain"
)

var statusRank = map[domain.POStatus]int{
	domain.POStatusDraft:    0,
	domain.POStatusOrdered:  1,
	domain.POStatusShipped:  2,
	domain.POStatusReceived: 3,
}

// Transition validates a purchase order status change. Any forward move
// along DRAFT, ORDERED, SHIPPED, RECEIVED is legal, and CANCELLED is
// reachable from every state before RECEIVED.
func Transition(from domain.POStatus, to domain.POStatus) error {
	if !to.Valid() {
		return domain.Validation(domain.CodeInvalidStatus, fmt.Sprintf("unknown status %q", to))
	}
	switch from {
	case domain.POStatusCancelled:
		return domain.RuleConflict(domain.CodePOAlreadyCancelled, "purchase order is cancelled")
	case domain.POStatusReceived:
		if to == domain.POStatusReceived {
			return domain.RuleConflict(domain.CodeAlreadyReceived, "purchase order was already received")
		}
		return domain.RuleConflict(domain.CodeIllegalTransition, fmt.Sprintf("cannot move a received purchase order to %s", to))
	}
	if to == domain.POStatusCancelled {
		return nil
	}
	if statusRank[to] <= statusRank[from] {
		return domain.RuleConflict(domain.CodeIllegalTransition, fmt.Sprintf("cannot move from %s to %s", from, to))
	}
	return nil
}

// EditSet lists the field groups a purchase order edit touches.
type EditSet struct {
	Costs      bool // lines or exchange rate
	Supplier   bool
	ExtraCosts bool // shipping or other cost
	DueDate    bool
}

// CheckEdit reports whether a PO in status may take the edit. Lines and the
// booking rate are frozen from SHIPPED on; after receipt only the due date
// moves.
func CheckEdit(status domain.POStatus, edit EditSet) error {
	switch status {
	case domain.POStatusDraft, domain.POStatusOrdered:
		return nil
	case domain.POStatusShipped:
		if edit.Costs || edit.Supplier {
			return domain.RuleConflict(domain.CodePOLockedFields, "only shipping cost, other cost and due date can change after shipping")
		}
		return nil
	case domain.POStatusReceived:
		if edit.Costs || edit.Supplier || edit.ExtraCosts {
			return domain.RuleConflict(domain.CodePOLockedFields, "only the due date can change after receipt")
		}
		return nil
	case domain.POStatusCancelled:
		return domain.RuleConflict(domain.CodePOAlreadyCancelled, "purchase order is cancelled")
	default:
		return domain.Validation(domain.CodeInvalidStatus, fmt.Sprintf("unknown status %q", status))
	}
}
