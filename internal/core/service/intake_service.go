package service

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/logger"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

type submitInput struct {
	Item     string `validate:"required,max=255"`
	Quantity int    `validate:"gt=0"`
}

// IntakeService validates and admits orders. Its stock check is advisory: the
// quantity it reads may be stale by the time the order is consumed, and only
// the consumer's conditional decrement decides whether stock is taken.
type IntakeService struct {
	ledger          port.InventoryLedger
	publisher       port.OrderPublisher
	validate        *validator.Validate
	breaker         *gobreaker.CircuitBreaker
	advisoryTimeout time.Duration
	logger          *zap.Logger
	metrics         *metrics.Metrics
}

func NewIntakeService(
	ledger port.InventoryLedger,
	publisher port.OrderPublisher,
	advisoryTimeout time.Duration,
	log *zap.Logger,
	m *metrics.Metrics,
) *IntakeService {
	settings := gobreaker.Settings{
		Name:        "AdvisoryRead",
		MaxRequests: 3,
		Interval:    5 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && failureRatio >= 0.6
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrItemNotFound)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}

	return &IntakeService{
		ledger:          ledger,
		publisher:       publisher,
		validate:        validator.New(),
		breaker:         gobreaker.NewCircuitBreaker(settings),
		advisoryTimeout: advisoryTimeout,
		logger:          log,
		metrics:         m,
	}
}

// Submit admits an order for asynchronous processing. A nil error means the
// order was published, not that stock was taken.
func (s *IntakeService) Submit(ctx context.Context, item string, quantity int) (domain.OrderRequest, error) {
	order, err := s.submit(ctx, item, quantity)
	s.metrics.OrdersSubmitted.WithLabelValues(submitResult(err)).Inc()
	return order, err
}

func (s *IntakeService) submit(ctx context.Context, item string, quantity int) (domain.OrderRequest, error) {
	if err := s.validateInput(item, quantity); err != nil {
		return domain.OrderRequest{}, err
	}

	inv, err := s.advisoryRead(ctx, item)
	if err != nil {
		return domain.OrderRequest{}, err
	}
	if inv.Quantity < quantity {
		return domain.OrderRequest{}, domain.ErrAdvisoryInsufficient
	}

	order := domain.OrderRequest{
		OrderID:     uuid.NewString(),
		Item:        item,
		Quantity:    quantity,
		SubmittedAt: time.Now().UTC(),
	}

	if err := s.publisher.PublishOrder(ctx, order); err != nil {
		logger.Error(ctx, s.logger, "Failed to publish order",
			zap.String("order_id", order.OrderID),
			zap.String("item", item),
			zap.Error(err),
		)
		if domain.IsTransient(err) {
			return domain.OrderRequest{}, err
		}
		return domain.OrderRequest{}, domain.NewTransientError("publish order", err)
	}

	logger.Info(ctx, s.logger, "Order accepted for processing",
		zap.String("order_id", order.OrderID),
		zap.String("item", item),
		zap.Int("quantity", quantity),
	)
	return order, nil
}

func (s *IntakeService) validateInput(item string, quantity int) error {
	err := s.validate.Struct(submitInput{Item: item, Quantity: quantity})
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		switch fe.Field() {
		case "Item":
			if fe.Tag() == "max" {
				return &domain.ValidationError{Field: "item", Reason: "must be at most 255 characters"}
			}
			return &domain.ValidationError{Field: "item", Reason: "must be a non-empty string"}
		case "Quantity":
			return &domain.ValidationError{Field: "quantity", Reason: "must be a positive integer"}
		}
	}
	return &domain.ValidationError{Field: "request", Reason: err.Error()}
}

func (s *IntakeService) advisoryRead(ctx context.Context, item string) (domain.InventoryItem, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.advisoryTimeout)
	defer cancel()

	res, err := s.breaker.Execute(func() (interface{}, error) {
		return s.ledger.Read(readCtx, item)
	})
	switch {
	case err == nil:
		return res.(domain.InventoryItem), nil
	case errors.Is(err, domain.ErrItemNotFound):
		return domain.InventoryItem{}, err
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		logger.Warn(ctx, s.logger, "Advisory read rejected by circuit breaker", zap.String("item", item))
		return domain.InventoryItem{}, domain.NewTransientError("advisory read", err)
	case domain.IsTransient(err):
		return domain.InventoryItem{}, err
	default:
		return domain.InventoryItem{}, domain.NewTransientError("advisory read", err)
	}
}

func submitResult(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrValidation):
		return "invalid"
	case errors.Is(err, domain.ErrItemNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAdvisoryInsufficient):
		return "insufficient"
	default:
		return "unavailable"
	}
}
