package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

type fakeWriter struct {
	mu    sync.Mutex
	msgs  []kafka.Message
	fails int
	err   error
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}
	if w.fails > 0 {
		w.fails--
		return errors.New("broker unavailable")
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestKafkaPublisher_PublishOrderKeyedByItem(t *testing.T) {
	orders := &fakeWriter{}
	p := NewKafkaPublisher(orders, &fakeWriter{})

	submitted := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	err := p.PublishOrder(context.Background(), domain.OrderRequest{
		OrderID:     "o-1",
		Item:        "apple",
		Quantity:    3,
		SubmittedAt: submitted,
	})
	require.NoError(t, err)

	msgs := orders.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "apple", string(msgs[0].Key))

	var payload map[string]any
	require.NoError(t, json.Unmarshal(msgs[0].Value, &payload))
	assert.Equal(t, "o-1", payload["orderId"])
	assert.Equal(t, "apple", payload["item"])
	assert.EqualValues(t, 3, payload["quantity"])
	assert.Equal(t, "2024-05-01T12:00:00Z", payload["submittedAt"])
}

func TestKafkaPublisher_PublishOutcome(t *testing.T) {
	outcomes := &fakeWriter{}
	p := NewKafkaPublisher(&fakeWriter{}, outcomes)

	err := p.PublishOutcome(context.Background(), domain.OutcomeEvent{
		OrderID:  "o-2",
		Item:     "pear",
		Quantity: 1,
		Outcome:  domain.OutcomeRejectedInsufficient,
	})
	require.NoError(t, err)

	msgs := outcomes.written()
	require.Len(t, msgs, 1)
	assert.Equal(t, "pear", string(msgs[0].Key))

	var ev domain.OutcomeEvent
	require.NoError(t, json.Unmarshal(msgs[0].Value, &ev))
	assert.Equal(t, domain.OutcomeRejectedInsufficient, ev.Outcome)
}

func TestKafkaPublisher_WriteFailureIsTransient(t *testing.T) {
	p := NewKafkaPublisher(&fakeWriter{err: errors.New("no leader")}, &fakeWriter{})

	err := p.PublishOrder(context.Background(), domain.OrderRequest{OrderID: "o-3", Item: "apple", Quantity: 1})
	require.Error(t, err)
	assert.True(t, domain.IsTransient(err))
}

func TestKafkaPublisher_InjectsTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	orders := &fakeWriter{}
	p := NewKafkaPublisher(orders, &fakeWriter{})
	require.NoError(t, p.PublishOrder(ctx, domain.OrderRequest{OrderID: "o-4", Item: "apple", Quantity: 1}))

	msgs := orders.written()
	require.Len(t, msgs, 1)
	carrier := headerCarrier{headers: &msgs[0].Headers}
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", carrier.Get("traceparent"))

	extracted := trace.SpanContextFromContext(otel.GetTextMapPropagator().Extract(context.Background(), carrier))
	assert.Equal(t, traceID, extracted.TraceID())
}

func TestHeaderCarrier_SetReplaces(t *testing.T) {
	var headers []kafka.Header
	c := headerCarrier{headers: &headers}

	c.Set("k", "a")
	c.Set("k", "b")
	c.Set("other", "c")

	assert.Equal(t, "b", c.Get("k"))
	assert.ElementsMatch(t, []string{"k", "other"}, c.Keys())
	assert.Equal(t, "", c.Get("missing"))
}
