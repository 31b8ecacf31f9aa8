package service

import (
	"context"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/port"
)

// StatusService answers "what happened to this order" from the processing
// records. A missing record means the order is still pending or unknown.
type StatusService struct {
	records port.IdempotencyStore
	timeout time.Duration
}

func NewStatusService(records port.IdempotencyStore, timeout time.Duration) *StatusService {
	return &StatusService{records: records, timeout: timeout}
}

func (s *StatusService) Lookup(ctx context.Context, orderID string) (*domain.ProcessingRecord, error) {
	if orderID == "" {
		return nil, &domain.ValidationError{Field: "orderId", Reason: "missing"}
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.records.Get(ctx, orderID)
	if err != nil {
		return nil, asTransient("lookup processing record", err)
	}
	return rec, nil
}
