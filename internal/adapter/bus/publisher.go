package bus

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// MessageWriter is the subset of *kafka.Writer the pipeline uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes OrderRequested and outcome events. Both are keyed by item so
// that every event about one item lands on the same partition.
type KafkaPublisher struct {
	orders   MessageWriter
	outcomes MessageWriter
}

func NewKafkaPublisher(orders, outcomes MessageWriter) *KafkaPublisher {
	return &KafkaPublisher{orders: orders, outcomes: outcomes}
}

func (p *KafkaPublisher) PublishOrder(ctx context.Context, order domain.OrderRequest) error {
	return p.publish(ctx, p.orders, order.PartitionKey(), order)
}

func (p *KafkaPublisher) PublishOutcome(ctx context.Context, event domain.OutcomeEvent) error {
	return p.publish(ctx, p.outcomes, []byte(event.Item), event)
}

func (p *KafkaPublisher) publish(ctx context.Context, w MessageWriter, key []byte, payload any) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	var headers []kafka.Header
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{headers: &headers})

	msg := kafka.Message{
		Key:     key,
		Value:   value,
		Headers: headers,
	}
	if err := w.WriteMessages(ctx, msg); err != nil {
		return domain.NewTransientError("write message", err)
	}
	return nil
}
