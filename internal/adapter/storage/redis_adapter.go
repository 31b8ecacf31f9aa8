package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

const (
	inventoryKeyPrefix = "inventory:"
	recordKeyPrefix    = "order:"
)

// Returns 1 applied, 0 insufficient, -1 unknown item.
var decrementScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'quantity')
if not current then
	return -1
end

local quantity = tonumber(ARGV[1])
if tonumber(current) >= quantity then
	redis.call('HINCRBY', KEYS[1], 'quantity', -quantity)
	redis.call('HINCRBY', KEYS[1], 'version', 1)
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
	return 1
end

return 0
`)

// Returns 1 when the record was created, 0 when it already existed.
var createRecordScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'order_id', ARGV[1], 'item', ARGV[2], 'quantity', ARGV[3], 'outcome', ARGV[4], 'processed_at', ARGV[5])
return 1
`)

// Decrement and record creation in one script. Returns the outcome, or an
// empty string when the record already exists.
var reserveScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
	return ''
end

local outcome
local quantity = tonumber(ARGV[1])
local current = redis.call('HGET', KEYS[1], 'quantity')
if not current then
	outcome = 'rejected-unknown-item'
elseif tonumber(current) >= quantity then
	redis.call('HINCRBY', KEYS[1], 'quantity', -quantity)
	redis.call('HINCRBY', KEYS[1], 'version', 1)
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[4])
	outcome = 'applied'
else
	outcome = 'rejected-insufficient'
end

redis.call('HSET', KEYS[2], 'order_id', ARGV[2], 'item', ARGV[3], 'quantity', ARGV[1], 'outcome', outcome, 'processed_at', ARGV[4])
return outcome
`)

// RedisAdapter keeps each item and each processing record in its own hash.
// Records have no TTL.
type RedisAdapter struct {
	client *redis.Client
}

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func inventoryKey(item string) string  { return inventoryKeyPrefix + item }
func recordKey(orderID string) string { return recordKeyPrefix + orderID }

func (r *RedisAdapter) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return domain.NewTransientError("ping redis", err)
	}
	return nil
}

func (r *RedisAdapter) Read(ctx context.Context, item string) (domain.InventoryItem, error) {
	fields, err := r.client.HGetAll(ctx, inventoryKey(item)).Result()
	if err != nil {
		return domain.InventoryItem{}, domain.NewTransientError("read inventory", err)
	}
	if len(fields) == 0 {
		return domain.InventoryItem{}, domain.ErrItemNotFound
	}

	inv := domain.InventoryItem{Name: item}
	if inv.Quantity, err = strconv.Atoi(fields["quantity"]); err != nil {
		return domain.InventoryItem{}, fmt.Errorf("parse quantity for %s: %w", item, err)
	}
	if v, ok := fields["version"]; ok {
		if inv.Version, err = strconv.Atoi(v); err != nil {
			return domain.InventoryItem{}, fmt.Errorf("parse version for %s: %w", item, err)
		}
	}
	if ts, ok := fields["updated_at"]; ok {
		inv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return inv, nil
}

func (r *RedisAdapter) ConditionalDecrement(ctx context.Context, item string, quantity int) (domain.DecrementResult, error) {
	result, err := decrementScript.Run(ctx, r.client, []string{inventoryKey(item)},
		quantity, time.Now().UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return 0, domain.NewTransientError("decrement stock", err)
	}

	switch result {
	case 1:
		return domain.DecrementApplied, nil
	case 0:
		return domain.DecrementInsufficient, nil
	default:
		return domain.DecrementNotFound, nil
	}
}

func (r *RedisAdapter) Exists(ctx context.Context, orderID string) (bool, error) {
	n, err := r.client.Exists(ctx, recordKey(orderID)).Result()
	if err != nil {
		return false, domain.NewTransientError("check processing record", err)
	}
	return n == 1, nil
}

func (r *RedisAdapter) Get(ctx context.Context, orderID string) (*domain.ProcessingRecord, error) {
	fields, err := r.client.HGetAll(ctx, recordKey(orderID)).Result()
	if err != nil {
		return nil, domain.NewTransientError("read processing record", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	rec := &domain.ProcessingRecord{
		OrderID: fields["order_id"],
		Item:    fields["item"],
		Outcome: domain.Outcome(fields["outcome"]),
	}
	if rec.Quantity, err = strconv.Atoi(fields["quantity"]); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", orderID, err)
	}
	if rec.ProcessedAt, err = time.Parse(time.RFC3339Nano, fields["processed_at"]); err != nil {
		return nil, fmt.Errorf("parse record %s: %w", orderID, err)
	}
	return rec, nil
}

func (r *RedisAdapter) Create(ctx context.Context, rec domain.ProcessingRecord) error {
	created, err := createRecordScript.Run(ctx, r.client, []string{recordKey(rec.OrderID)},
		rec.OrderID, rec.Item, rec.Quantity, string(rec.Outcome), rec.ProcessedAt.UTC().Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return domain.NewTransientError("create processing record", err)
	}
	if created == 0 {
		return domain.ErrDuplicateOrder
	}
	return nil
}

func (r *RedisAdapter) Reserve(ctx context.Context, order domain.OrderRequest) (domain.ProcessingRecord, error) {
	now := time.Now().UTC()
	outcome, err := reserveScript.Run(ctx, r.client,
		[]string{inventoryKey(order.Item), recordKey(order.OrderID)},
		order.Quantity, order.OrderID, order.Item, now.Format(time.RFC3339Nano),
	).Text()
	if err != nil && !errors.Is(err, redis.Nil) {
		return domain.ProcessingRecord{}, domain.NewTransientError("reserve stock", err)
	}
	if outcome == "" {
		return domain.ProcessingRecord{}, domain.ErrDuplicateOrder
	}

	return domain.ProcessingRecord{
		OrderID:     order.OrderID,
		Item:        order.Item,
		Quantity:    order.Quantity,
		Outcome:     domain.Outcome(outcome),
		ProcessedAt: now,
	}, nil
}

func (r *RedisAdapter) Provision(ctx context.Context, item string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("provision %s: negative quantity %d", item, quantity)
	}
	key := inventoryKey(item)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "quantity", quantity, "updated_at", time.Now().UTC().Format(time.RFC3339Nano))
		pipe.HSetNX(ctx, key, "version", 0)
		return nil
	})
	if err != nil {
		return domain.NewTransientError("provision inventory", err)
	}
	return nil
}
