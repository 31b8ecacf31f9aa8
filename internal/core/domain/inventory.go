package domain

import "time"

// InventoryItem is one row of the authoritative ledger.
type InventoryItem struct {
	Name      string
	Quantity  int
	Version   int // incremented on every successful debit
	UpdatedAt time.Time
}

type DecrementResult int

const (
	DecrementApplied DecrementResult = iota + 1
	DecrementInsufficient
	DecrementNotFound
)

func (r DecrementResult) String() string {
	switch r {
	case DecrementApplied:
		return "applied"
	case DecrementInsufficient:
		return "insufficient"
	case DecrementNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// Outcome maps a decrement result onto the record outcome it produces.
func (r DecrementResult) Outcome() Outcome {
	switch r {
	case DecrementApplied:
		return OutcomeApplied
	case DecrementInsufficient:
		return OutcomeRejectedInsufficient
	default:
		return OutcomeRejectedUnknownItem
	}
}
