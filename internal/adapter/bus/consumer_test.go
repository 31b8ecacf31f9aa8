package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rl1809/stock-reservation/internal/adapter/storage"
	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/metrics"
)

type fakeReader struct {
	msgs chan kafka.Message

	mu        sync.Mutex
	committed map[int]int64
}

func newFakeReader(msgs ...kafka.Message) *fakeReader {
	r := &fakeReader{
		msgs:      make(chan kafka.Message, len(msgs)+1),
		committed: make(map[int]int64),
	}
	for _, m := range msgs {
		r.msgs <- m
	}
	return r
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m, ok := <-r.msgs:
		if !ok {
			return kafka.Message{}, io.EOF
		}
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		if prev, ok := r.committed[m.Partition]; ok && m.Offset < prev {
			return fmt.Errorf("commit regressed on partition %d: %d < %d", m.Partition, m.Offset, prev)
		}
		r.committed[m.Partition] = m.Offset
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

func (r *fakeReader) committedOffset(partition int) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	off, ok := r.committed[partition]
	return off, ok
}

type fakeOutcomes struct {
	mu     sync.Mutex
	events []domain.OutcomeEvent
	err    error
}

func (f *fakeOutcomes) PublishOutcome(ctx context.Context, ev domain.OutcomeEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeOutcomes) published() []domain.OutcomeEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.OutcomeEvent(nil), f.events...)
}

type processorFunc func(ctx context.Context, order domain.OrderRequest) (service.Result, error)

func (f processorFunc) Process(ctx context.Context, order domain.OrderRequest) (service.Result, error) {
	return f(ctx, order)
}

type harness struct {
	reader      *fakeReader
	outcomes    *fakeOutcomes
	deadLetters *fakeWriter
	store       *storage.MemoryAdapter
	metrics     *metrics.Metrics
	consumer    *Consumer
}

func newHarness(t *testing.T, reader *fakeReader, proc Processor) *harness {
	t.Helper()

	h := &harness{
		reader:      reader,
		outcomes:    &fakeOutcomes{},
		deadLetters: &fakeWriter{},
		store:       storage.NewMemoryAdapter(),
		metrics:     metrics.NewNop(),
	}
	require.NoError(t, h.store.Provision(context.Background(), "apple", 100))

	log := zaptest.NewLogger(t)
	if proc == nil {
		proc = service.NewReservationService(h.store, time.Second, log, h.metrics)
	}
	h.consumer = NewConsumer(reader, proc, h.outcomes, h.deadLetters, ConsumerConfig{
		Workers:        4,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, log, h.metrics)
	return h
}

// drain closes the input and runs the consumer until it has handled every
// queued message.
func (h *harness) drain(t *testing.T) {
	t.Helper()
	close(h.reader.msgs)
	require.NoError(t, h.consumer.Run(context.Background()))
}

func orderMsg(t *testing.T, partition int, offset int64, id, item string, qty int) kafka.Message {
	t.Helper()
	value, err := json.Marshal(domain.OrderRequest{OrderID: id, Item: item, Quantity: qty, SubmittedAt: time.Now().UTC()})
	require.NoError(t, err)
	return kafka.Message{
		Topic:     "orders",
		Partition: partition,
		Offset:    offset,
		Key:       []byte(item),
		Value:     value,
	}
}

func headerValue(msg kafka.Message, key string) string {
	return headerCarrier{headers: &msg.Headers}.Get(key)
}

func TestConsumer_AppliesAndCommits(t *testing.T) {
	reader := newFakeReader(
		orderMsg(t, 0, 0, "o-1", "apple", 10),
		orderMsg(t, 0, 1, "o-2", "apple", 20),
		orderMsg(t, 0, 2, "o-3", "ghost", 1),
	)
	h := newHarness(t, reader, nil)
	h.drain(t)

	inv, err := h.store.Read(context.Background(), "apple")
	require.NoError(t, err)
	assert.Equal(t, 70, inv.Quantity)

	events := h.outcomes.published()
	require.Len(t, events, 3)
	byOrder := map[string]domain.Outcome{}
	for _, ev := range events {
		byOrder[ev.OrderID] = ev.Outcome
	}
	assert.Equal(t, domain.OutcomeApplied, byOrder["o-1"])
	assert.Equal(t, domain.OutcomeApplied, byOrder["o-2"])
	assert.Equal(t, domain.OutcomeRejectedUnknownItem, byOrder["o-3"])

	off, ok := reader.committedOffset(0)
	require.True(t, ok)
	assert.Equal(t, int64(2), off)
	assert.Empty(t, h.deadLetters.written())
}

func TestConsumer_RedeliveryIsNoop(t *testing.T) {
	reader := newFakeReader(
		orderMsg(t, 0, 0, "o-1", "apple", 10),
		orderMsg(t, 0, 1, "o-1", "apple", 10),
	)
	h := newHarness(t, reader, nil)
	h.drain(t)

	inv, err := h.store.Read(context.Background(), "apple")
	require.NoError(t, err)
	assert.Equal(t, 90, inv.Quantity)
	assert.Len(t, h.outcomes.published(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DuplicateDeliveries))

	off, _ := reader.committedOffset(0)
	assert.Equal(t, int64(1), off)
}

func TestConsumer_MalformedGoesToDeadLetter(t *testing.T) {
	bad := kafka.Message{Topic: "orders", Partition: 2, Offset: 41, Key: []byte("apple"), Value: []byte("{not json")}
	reader := newFakeReader(bad)
	h := newHarness(t, reader, nil)
	h.drain(t)

	dls := h.deadLetters.written()
	require.Len(t, dls, 1)
	assert.Equal(t, []byte("{not json"), dls[0].Value)
	assert.Equal(t, "apple", string(dls[0].Key))
	assert.Equal(t, "orders", headerValue(dls[0], HeaderOriginalTopic))
	assert.Equal(t, "2", headerValue(dls[0], HeaderOriginalPartition))
	assert.Equal(t, "41", headerValue(dls[0], HeaderOriginalOffset))
	assert.Equal(t, ReasonMalformed, headerValue(dls[0], HeaderReason))
	assert.NotEmpty(t, headerValue(dls[0], HeaderError))

	off, ok := reader.committedOffset(2)
	require.True(t, ok)
	assert.Equal(t, int64(41), off)
	assert.Empty(t, h.outcomes.published())
}

func TestConsumer_InvalidEventIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	proc := processorFunc(func(ctx context.Context, order domain.OrderRequest) (service.Result, error) {
		calls.Add(1)
		return service.Result{}, &domain.ValidationError{Field: "quantity", Reason: "must be positive"}
	})
	reader := newFakeReader(orderMsg(t, 0, 0, "o-1", "apple", 0))
	h := newHarness(t, reader, proc)
	h.drain(t)

	assert.Equal(t, int32(1), calls.Load())
	dls := h.deadLetters.written()
	require.Len(t, dls, 1)
	assert.Equal(t, ReasonInvalid, headerValue(dls[0], HeaderReason))
}

func TestConsumer_TransientExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	proc := processorFunc(func(ctx context.Context, order domain.OrderRequest) (service.Result, error) {
		calls.Add(1)
		return service.Result{}, domain.NewTransientError("reserve stock", errors.New("connection refused"))
	})
	reader := newFakeReader(orderMsg(t, 0, 0, "o-1", "apple", 1))
	h := newHarness(t, reader, proc)
	h.drain(t)

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(h.metrics.ReservationRetries))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.DeadLetters.WithLabelValues(ReasonRetriesExhausted)))

	dls := h.deadLetters.written()
	require.Len(t, dls, 1)
	assert.Equal(t, ReasonRetriesExhausted, headerValue(dls[0], HeaderReason))
	assert.Equal(t, "3", headerValue(dls[0], HeaderAttempts))

	off, ok := reader.committedOffset(0)
	require.True(t, ok, "dead-lettered message is acknowledged")
	assert.Equal(t, int64(0), off)
}

func TestConsumer_TransientThenSuccess(t *testing.T) {
	h := &harness{}
	var calls atomic.Int32
	proc := processorFunc(func(ctx context.Context, order domain.OrderRequest) (service.Result, error) {
		if calls.Add(1) < 3 {
			return service.Result{}, domain.NewTransientError("reserve stock", context.DeadlineExceeded)
		}
		rec, err := h.store.Reserve(ctx, order)
		return service.Result{Record: rec}, err
	})
	reader := newFakeReader(orderMsg(t, 0, 0, "o-1", "apple", 5))
	*h = *newHarness(t, reader, proc)
	h.drain(t)

	inv, err := h.store.Read(context.Background(), "apple")
	require.NoError(t, err)
	assert.Equal(t, 95, inv.Quantity)
	assert.Len(t, h.outcomes.published(), 1)
	assert.Empty(t, h.deadLetters.written())
}

func TestConsumer_OutcomePublishFailure(t *testing.T) {
	reader := newFakeReader(orderMsg(t, 0, 0, "o-1", "apple", 5))
	h := newHarness(t, reader, nil)
	h.outcomes.err = errors.New("outcomes topic unavailable")
	h.drain(t)

	inv, err := h.store.Read(context.Background(), "apple")
	require.NoError(t, err)
	assert.Equal(t, 95, inv.Quantity, "decision stands even if the outcome is not emitted")

	dls := h.deadLetters.written()
	require.Len(t, dls, 1)
	assert.Equal(t, ReasonOutcomePublish, headerValue(dls[0], HeaderReason))
	_, ok := reader.committedOffset(0)
	assert.True(t, ok)
}

func TestConsumer_DeadLetterWriteRetried(t *testing.T) {
	reader := newFakeReader(kafka.Message{Topic: "orders", Offset: 0, Key: []byte("apple"), Value: []byte("?")})
	h := newHarness(t, reader, nil)
	h.deadLetters.fails = 2
	h.drain(t)

	assert.Len(t, h.deadLetters.written(), 1)
	_, ok := reader.committedOffset(0)
	assert.True(t, ok)
}

func TestConsumer_ShutdownLeavesUncommitted(t *testing.T) {
	entered := make(chan struct{})
	var once sync.Once
	proc := processorFunc(func(ctx context.Context, order domain.OrderRequest) (service.Result, error) {
		once.Do(func() { close(entered) })
		<-ctx.Done()
		return service.Result{}, domain.NewTransientError("reserve stock", ctx.Err())
	})
	reader := newFakeReader(orderMsg(t, 0, 0, "o-1", "apple", 1))
	h := newHarness(t, reader, proc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.consumer.Run(ctx) }()

	<-entered
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not stop")
	}

	_, ok := reader.committedOffset(0)
	assert.False(t, ok, "interrupted message must be redelivered")
	assert.Empty(t, h.deadLetters.written())
	assert.Empty(t, h.outcomes.published())
}

func TestConsumer_PerItemSequentialAndOrdered(t *testing.T) {
	h := &harness{}
	var (
		mu     sync.Mutex
		active = map[string]int{}
		seen   = map[string][]string{}
	)
	var overlap atomic.Bool
	var inner Processor
	proc := processorFunc(func(ctx context.Context, order domain.OrderRequest) (service.Result, error) {
		mu.Lock()
		active[order.Item]++
		if active[order.Item] > 1 {
			overlap.Store(true)
		}
		seen[order.Item] = append(seen[order.Item], order.OrderID)
		mu.Unlock()

		time.Sleep(time.Millisecond)
		res, err := inner.Process(ctx, order)

		mu.Lock()
		active[order.Item]--
		mu.Unlock()
		return res, err
	})

	// Two items interleaved on one partition: the same shape the bus produces
	// when both keys hash to the same partition.
	quantities := []int{30, 60, 20, 5, 40, 5}
	var msgs []kafka.Message
	offset := int64(0)
	for i, q := range quantities {
		msgs = append(msgs, orderMsg(t, 0, offset, fmt.Sprintf("a-%d", i), "apple", q))
		offset++
		msgs = append(msgs, orderMsg(t, 0, offset, fmt.Sprintf("p-%d", i), "pear", 1))
		offset++
	}
	reader := newFakeReader(msgs...)
	*h = *newHarness(t, reader, proc)
	require.NoError(t, h.store.Provision(context.Background(), "pear", 3))
	inner = service.NewReservationService(h.store, time.Second, zaptest.NewLogger(t), h.metrics)
	h.drain(t)

	assert.False(t, overlap.Load(), "one item was processed by two workers at once")
	assert.Equal(t, []string{"a-0", "a-1", "a-2", "a-3", "a-4", "a-5"}, seen["apple"])

	outcomes := map[string]domain.Outcome{}
	for _, ev := range h.outcomes.published() {
		outcomes[ev.OrderID] = ev.Outcome
	}
	want := []domain.Outcome{
		domain.OutcomeApplied,
		domain.OutcomeApplied,
		domain.OutcomeRejectedInsufficient,
		domain.OutcomeApplied,
		domain.OutcomeRejectedInsufficient,
		domain.OutcomeApplied,
	}
	for i, w := range want {
		assert.Equal(t, w, outcomes[fmt.Sprintf("a-%d", i)], "order a-%d", i)
	}

	apple, err := h.store.Read(context.Background(), "apple")
	require.NoError(t, err)
	assert.Equal(t, 0, apple.Quantity)
	pear, err := h.store.Read(context.Background(), "pear")
	require.NoError(t, err)
	assert.Equal(t, 0, pear.Quantity)

	off, _ := reader.committedOffset(0)
	assert.Equal(t, offset-1, off)
}

func TestShardFor_StablePerKey(t *testing.T) {
	for _, key := range []string{"apple", "pear", "plum"} {
		first := shardFor([]byte(key), 8)
		for i := 0; i < 10; i++ {
			assert.Equal(t, first, shardFor([]byte(key), 8))
		}
		assert.GreaterOrEqual(t, first, 0)
		assert.Less(t, first, 8)
	}
}

func TestConsumer_ShardsOnItemNotMessageKey(t *testing.T) {
	var (
		mu      sync.Mutex
		active  = map[string]int{}
		overlap atomic.Bool
		handled atomic.Int32
	)
	proc := processorFunc(func(ctx context.Context, order domain.OrderRequest) (service.Result, error) {
		mu.Lock()
		active[order.Item]++
		if active[order.Item] > 1 {
			overlap.Store(true)
		}
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)
		handled.Add(1)

		mu.Lock()
		active[order.Item]--
		mu.Unlock()
		return service.Result{Duplicate: true}, nil
	})

	// Every order is for apple, but the keys vary the way an unkeyed producer
	// or a replayed dead letter would leave them.
	keys := []string{"apple", "", "pear", "plum", "", "apple", "fig", "kiwi"}
	var msgs []kafka.Message
	for i, key := range keys {
		m := orderMsg(t, i%2, int64(i/2), fmt.Sprintf("o-%d", i), "apple", 1)
		m.Key = []byte(key)
		msgs = append(msgs, m)
	}
	h := newHarness(t, newFakeReader(msgs...), proc)
	h.drain(t)

	assert.Equal(t, int32(len(keys)), handled.Load())
	assert.False(t, overlap.Load(), "apple was processed by two workers at once")
}

func TestDelivery_ShardKey(t *testing.T) {
	good := decode(orderMsg(t, 0, 0, "o-1", "apple", 1))
	good.msg.Key = nil
	assert.Equal(t, "apple", string(good.shardKey()))

	bad := decode(kafka.Message{Key: []byte("pear"), Value: []byte("{")})
	require.Error(t, bad.decodeErr)
	assert.Equal(t, "pear", string(bad.shardKey()))
}

func TestConsumer_OversizedOrderIDIsInvalid(t *testing.T) {
	id := strings.Repeat("x", domain.MaxOrderIDLength+1)
	reader := newFakeReader(orderMsg(t, 0, 0, id, "apple", 1))
	h := newHarness(t, reader, nil)
	h.drain(t)

	dls := h.deadLetters.written()
	require.Len(t, dls, 1)
	assert.Equal(t, ReasonInvalid, headerValue(dls[0], HeaderReason))
	assert.Equal(t, "1", headerValue(dls[0], HeaderAttempts))
	assert.Equal(t, 0.0, testutil.ToFloat64(h.metrics.ReservationRetries))

	inv, err := h.store.Read(context.Background(), "apple")
	require.NoError(t, err)
	assert.Equal(t, 100, inv.Quantity)
}
