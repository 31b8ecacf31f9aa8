package bus

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/rl1809/stock-reservation/internal/core/domain"
	"github.com/rl1809/stock-reservation/internal/core/service"
	"github.com/rl1809/stock-reservation/internal/logger"
	"github.com/rl1809/stock-reservation/internal/metrics"
	"github.com/rl1809/stock-reservation/internal/port"
)

const (
	ReasonMalformed        = "malformed"
	ReasonInvalid          = "invalid"
	ReasonRetriesExhausted = "retries_exhausted"
	ReasonOutcomePublish   = "outcome_publish"

	shardBuffer    = 64
	fetchRetryWait = time.Second
	commitTimeout  = 5 * time.Second
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Processor decides one OrderRequested delivery.
type Processor interface {
	Process(ctx context.Context, order domain.OrderRequest) (service.Result, error)
}

type ConsumerConfig struct {
	Workers        int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Consumer drains the orders topic. Messages are sharded by key onto a fixed
// set of workers, so one item is only ever handled by one goroutine and in
// partition order, while different items proceed in parallel.
type Consumer struct {
	reader      MessageReader
	processor   Processor
	outcomes    port.OutcomePublisher
	deadLetters MessageWriter
	cfg         ConsumerConfig
	offsets     *offsetTracker
	tracer      trace.Tracer
	logger      *zap.Logger
	metrics     *metrics.Metrics
}

func NewConsumer(
	reader MessageReader,
	processor Processor,
	outcomes port.OutcomePublisher,
	deadLetters MessageWriter,
	cfg ConsumerConfig,
	log *zap.Logger,
	m *metrics.Metrics,
) *Consumer {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Consumer{
		reader:      reader,
		processor:   processor,
		outcomes:    outcomes,
		deadLetters: deadLetters,
		cfg:         cfg,
		offsets:     newOffsetTracker(),
		tracer:      otel.Tracer("github.com/rl1809/stock-reservation/internal/adapter/bus"),
		logger:      log,
		metrics:     m,
	}
}

// delivery is a fetched message with its payload decoded once, before it is
// routed to a shard.
type delivery struct {
	msg       kafka.Message
	order     domain.OrderRequest
	decodeErr error
}

// shardKey routes on the decoded item, not the message key, so that a
// message with a missing or foreign key still lands on its item's worker.
func (d delivery) shardKey() []byte {
	if d.decodeErr == nil && d.order.Item != "" {
		return []byte(d.order.Item)
	}
	return d.msg.Key
}

func decode(msg kafka.Message) delivery {
	d := delivery{msg: msg}
	d.decodeErr = json.Unmarshal(msg.Value, &d.order)
	return d
}

// Run blocks until ctx is cancelled or the reader is closed. Messages whose
// handling was interrupted by shutdown are left uncommitted and will be
// redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	acks := make(chan kafka.Message, c.cfg.Workers*shardBuffer)
	committerDone := make(chan struct{})
	go func() {
		defer close(committerDone)
		c.commitLoop(acks)
	}()

	shards := make([]chan delivery, c.cfg.Workers)
	var wg sync.WaitGroup
	for i := range shards {
		shards[i] = make(chan delivery, shardBuffer)
		wg.Add(1)
		go func(in <-chan delivery) {
			defer wg.Done()
			for d := range in {
				if ctx.Err() != nil {
					continue
				}
				if c.handle(ctx, d) {
					acks <- d.msg
				}
			}
		}(shards[i])
	}

	err := c.fetchLoop(ctx, shards)

	for _, ch := range shards {
		close(ch)
	}
	wg.Wait()
	close(acks)
	<-committerDone

	c.logger.Info("Consumer stopped", zap.Int("uncommitted", c.offsets.inFlight()))
	return err
}

func (c *Consumer) fetchLoop(ctx context.Context, shards []chan delivery) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				return nil
			}
			c.logger.Error("Failed to fetch message", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryWait):
			}
			continue
		}

		c.offsets.track(msg)
		d := decode(msg)
		select {
		case shards[shardFor(d.shardKey(), len(shards))] <- d:
		case <-ctx.Done():
			return nil
		}
	}
}

// commitLoop serializes commits so that a lower offset is never committed
// after a higher one for the same partition.
func (c *Consumer) commitLoop(acks <-chan kafka.Message) {
	for msg := range acks {
		last, ok := c.offsets.complete(msg)
		if !ok {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
		err := c.reader.CommitMessages(ctx, last)
		cancel()
		if err != nil {
			c.logger.Error("Failed to commit offset",
				zap.Int("partition", last.Partition),
				zap.Int64("offset", last.Offset),
				zap.Error(err),
			)
		}
	}
}

// handle runs one delivery to a terminal state and reports whether it may be
// acknowledged. It returns false only when shutdown interrupted it.
func (c *Consumer) handle(ctx context.Context, d delivery) bool {
	msg, order := d.msg, d.order
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{headers: &msg.Headers})
	ctx, span := c.tracer.Start(ctx, "orders process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "kafka"),
			attribute.String("messaging.destination.name", msg.Topic),
			attribute.Int("messaging.kafka.partition", msg.Partition),
			attribute.Int64("messaging.kafka.offset", msg.Offset),
		),
	)
	defer span.End()

	if d.decodeErr != nil {
		span.SetStatus(codes.Error, "malformed message")
		return c.deadLetter(ctx, msg, ReasonMalformed, d.decodeErr, 1)
	}

	var res service.Result
	attempts, err := c.retry(ctx, order, func() error {
		r, err := c.processor.Process(ctx, order)
		if err != nil {
			if !domain.IsTransient(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		reason := ReasonRetriesExhausted
		if !domain.IsTransient(err) {
			reason = ReasonInvalid
		}
		return c.deadLetter(ctx, msg, reason, err, attempts)
	}

	if res.Duplicate {
		return true
	}
	span.SetAttributes(attribute.String("order.outcome", string(res.Record.Outcome)))

	event := domain.NewOutcomeEvent(res.Record)
	attempts, err = c.retry(ctx, order, func() error {
		return c.outcomes.PublishOutcome(ctx, event)
	})
	if err != nil {
		if ctx.Err() != nil {
			return false
		}
		span.RecordError(err)
		return c.deadLetter(ctx, msg, ReasonOutcomePublish, err, attempts)
	}
	return true
}

// retry runs op up to MaxAttempts times with exponential backoff. Permanent
// errors stop immediately.
func (c *Consumer) retry(ctx context.Context, order domain.OrderRequest, op func() error) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	attempts := 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.cfg.MaxAttempts-1)), ctx)
	err := backoff.RetryNotify(func() error {
		attempts++
		return op()
	}, policy, func(err error, wait time.Duration) {
		c.metrics.ReservationRetries.Inc()
		logger.Warn(ctx, c.logger, "Transient failure, retrying",
			zap.String("order_id", order.OrderID),
			zap.String("item", order.Item),
			zap.Int("attempt", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	})
	return attempts, err
}

// deadLetter parks msg on the dead-letter topic. The write is retried until it
// succeeds or shutdown begins; the source message is only acknowledged once
// the dead letter is durable.
func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, reason string, cause error, attempts int) bool {
	dl := kafka.Message{
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: deadLetterHeaders(msg, reason, cause, attempts),
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.InitialBackoff
	b.MaxInterval = c.cfg.MaxBackoff
	b.MaxElapsedTime = 0

	err := backoff.RetryNotify(func() error {
		return c.deadLetters.WriteMessages(ctx, dl)
	}, backoff.WithContext(b, ctx), func(err error, _ time.Duration) {
		logger.Error(ctx, c.logger, "Failed to write dead letter", zap.Error(err))
	})
	if err != nil {
		return false
	}

	c.metrics.DeadLetters.WithLabelValues(reason).Inc()
	logger.Error(ctx, c.logger, "Message dead-lettered",
		zap.String("reason", reason),
		zap.Int("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.String("key", string(msg.Key)),
		zap.Int("attempt", attempts),
		zap.Error(cause),
	)
	return true
}

func shardFor(key []byte, n int) int {
	return int(xxhash.Sum64(key) % uint64(n))
}
