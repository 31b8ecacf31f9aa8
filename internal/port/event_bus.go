package port

import (
	"context"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// OrderPublisher publishes OrderRequested events keyed by item.
type OrderPublisher interface {
	PublishOrder(ctx context.Context, order domain.OrderRequest) error
}

type OutcomePublisher interface {
	PublishOutcome(ctx context.Context, event domain.OutcomeEvent) error
}
