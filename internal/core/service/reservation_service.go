package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/logger"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

// Result is the terminal result of one delivery. Duplicate deliveries carry no
// record.
type Result struct {
	Record    domain.ProcessingRecord
	Duplicate bool
}

// ReservationService is the only writer of inventory. Callers must not run two
// Process calls for the same item concurrently; per-item ordering is the
// caller's responsibility.
type ReservationService struct {
	store   port.ReservationStore
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewReservationService(store port.ReservationStore, timeout time.Duration, log *zap.Logger, m *metrics.Metrics) *ReservationService {
	return &ReservationService{
		store:   store,
		timeout: timeout,
		logger:  log,
		metrics: m,
	}
}

// Process applies one OrderRequested delivery. A returned error is either a
// *domain.ValidationError for a malformed event or a transient failure; all
// business outcomes come back in the Result.
func (s *ReservationService) Process(ctx context.Context, order domain.OrderRequest) (Result, error) {
	if err := validateEvent(order); err != nil {
		return Result{}, err
	}

	exists, err := s.exists(ctx, order.OrderID)
	if err != nil {
		return Result{}, err
	}
	if exists {
		return s.duplicate(ctx, order), nil
	}

	rec, err := s.reserve(ctx, order)
	if errors.Is(err, domain.ErrDuplicateOrder) {
		return s.duplicate(ctx, order), nil
	}
	if err != nil {
		return Result{}, err
	}

	s.metrics.Reservations.WithLabelValues(string(rec.Outcome)).Inc()
	fields := []zap.Field{
		zap.String("order_id", rec.OrderID),
		zap.String("item", rec.Item),
		zap.Int("quantity", rec.Quantity),
		zap.String("outcome", string(rec.Outcome)),
	}
	if rec.Outcome.Rejected() {
		logger.Warn(ctx, s.logger, "Order rejected", fields...)
	} else {
		logger.Info(ctx, s.logger, "Order applied", fields...)
	}

	return Result{Record: rec}, nil
}

func (s *ReservationService) exists(ctx context.Context, orderID string) (bool, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	exists, err := s.store.Exists(callCtx, orderID)
	if err != nil {
		return false, asTransient("check processing record", err)
	}
	return exists, nil
}

func (s *ReservationService) reserve(ctx context.Context, order domain.OrderRequest) (domain.ProcessingRecord, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rec, err := s.store.Reserve(callCtx, order)
	if err != nil && !errors.Is(err, domain.ErrDuplicateOrder) {
		return domain.ProcessingRecord{}, asTransient("reserve stock", err)
	}
	return rec, err
}

func (s *ReservationService) duplicate(ctx context.Context, order domain.OrderRequest) Result {
	s.metrics.DuplicateDeliveries.Inc()
	logger.Debug(ctx, s.logger, "Duplicate delivery absorbed",
		zap.String("order_id", order.OrderID),
		zap.String("item", order.Item),
	)
	return Result{Duplicate: true}
}

func validateEvent(order domain.OrderRequest) error {
	switch {
	case order.OrderID == "":
		return &domain.ValidationError{Field: "orderId", Reason: "missing"}
	case len(order.OrderID) > domain.MaxOrderIDLength:
		return &domain.ValidationError{Field: "orderId", Reason: fmt.Sprintf("longer than %d bytes", domain.MaxOrderIDLength)}
	case order.Item == "":
		return &domain.ValidationError{Field: "item", Reason: "missing"}
	case len(order.Item) > domain.MaxItemLength:
		return &domain.ValidationError{Field: "item", Reason: fmt.Sprintf("longer than %d bytes", domain.MaxItemLength)}
	case order.Quantity <= 0:
		return &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	return nil
}

// asTransient keeps timeouts and store errors on the retry path. A timed-out
// decrement is never reported as insufficient stock.
func asTransient(op string, err error) error {
	if domain.IsTransient(err) {
		return err
	}
	return domain.NewTransientError(op, err)
}
