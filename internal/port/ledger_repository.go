package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type InventoryLedger interface {
	// Read returns the current row for item, or domain.ErrItemNotFound.
	Read(ctx context.Context, item string) (domain.InventoryItem, error)

	// ConditionalDecrement subtracts quantity only if the current quantity is
	// at least quantity, in one atomic storage operation.
	ConditionalDecrement(ctx context.Context, item string, quantity int) (domain.DecrementResult, error)
}

type IdempotencyStore interface {
	Exists(ctx context.Context, orderID string) (bool, error)

	// Get returns the record for orderID, or nil when none exists.
	Get(ctx context.Context, orderID string) (*domain.ProcessingRecord, error)

	// Create inserts rec atomically. It returns domain.ErrDuplicateOrder when a
	// record for rec.OrderID already exists.
	Create(ctx context.Context, rec domain.ProcessingRecord) error
}

// ReservationStore couples the ledger and the idempotency store so that the
// decrement and the record write commit together.
type ReservationStore interface {
	InventoryLedger
	IdempotencyStore

	// Reserve performs the conditional decrement for order and creates its
	// processing record in the same transaction. When a record already exists
	// nothing is changed and domain.ErrDuplicateOrder is returned.
	Reserve(ctx context.Context, order domain.OrderRequest) (domain.ProcessingRecord, error)

	// Provision sets the stock for item, creating the row if needed.
	Provision(ctx context.Context, item string, quantity int) error

	Ping(ctx context.Context) error
}
