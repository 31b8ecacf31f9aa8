package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rl1809/stock-reservation/internal/core/domain"
)

// MemoryAdapter is an in-process store with the same atomicity as the
// database adapters: every operation runs under one mutex.
type MemoryAdapter struct {
	mu      sync.Mutex
	items   map[string]*domain.InventoryItem
	records map[string]domain.ProcessingRecord
}

func NewMemoryAdapter() *MemoryAdapter {
	return &MemoryAdapter{
		items:   make(map[string]*domain.InventoryItem),
		records: make(map[string]domain.ProcessingRecord),
	}
}

func (m *MemoryAdapter) Ping(ctx context.Context) error {
	return ctxErr(ctx, "ping memory store")
}

func (m *MemoryAdapter) Read(ctx context.Context, item string) (domain.InventoryItem, error) {
	if err := ctxErr(ctx, "read inventory"); err != nil {
		return domain.InventoryItem{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	inv, ok := m.items[item]
	if !ok {
		return domain.InventoryItem{}, domain.ErrItemNotFound
	}
	return *inv, nil
}

func (m *MemoryAdapter) ConditionalDecrement(ctx context.Context, item string, quantity int) (domain.DecrementResult, error) {
	if err := ctxErr(ctx, "decrement stock"); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.decrementLocked(item, quantity), nil
}

func (m *MemoryAdapter) decrementLocked(item string, quantity int) domain.DecrementResult {
	inv, ok := m.items[item]
	if !ok {
		return domain.DecrementNotFound
	}
	if inv.Quantity < quantity {
		return domain.DecrementInsufficient
	}
	inv.Quantity -= quantity
	inv.Version++
	inv.UpdatedAt = time.Now().UTC()
	return domain.DecrementApplied
}

func (m *MemoryAdapter) Exists(ctx context.Context, orderID string) (bool, error) {
	if err := ctxErr(ctx, "check processing record"); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[orderID]
	return ok, nil
}

func (m *MemoryAdapter) Get(ctx context.Context, orderID string) (*domain.ProcessingRecord, error) {
	if err := ctxErr(ctx, "read processing record"); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[orderID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryAdapter) Create(ctx context.Context, rec domain.ProcessingRecord) error {
	if err := ctxErr(ctx, "create processing record"); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.OrderID]; ok {
		return domain.ErrDuplicateOrder
	}
	m.records[rec.OrderID] = rec
	return nil
}

func (m *MemoryAdapter) Reserve(ctx context.Context, order domain.OrderRequest) (domain.ProcessingRecord, error) {
	if err := ctxErr(ctx, "reserve stock"); err != nil {
		return domain.ProcessingRecord{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[order.OrderID]; ok {
		return domain.ProcessingRecord{}, domain.ErrDuplicateOrder
	}

	rec := domain.ProcessingRecord{
		OrderID:     order.OrderID,
		Item:        order.Item,
		Quantity:    order.Quantity,
		Outcome:     m.decrementLocked(order.Item, order.Quantity).Outcome(),
		ProcessedAt: time.Now().UTC(),
	}
	m.records[order.OrderID] = rec
	return rec, nil
}

func (m *MemoryAdapter) Provision(ctx context.Context, item string, quantity int) error {
	if quantity < 0 {
		return fmt.Errorf("provision %s: negative quantity %d", item, quantity)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if inv, ok := m.items[item]; ok {
		inv.Quantity = quantity
		inv.UpdatedAt = time.Now().UTC()
		return nil
	}
	m.items[item] = &domain.InventoryItem{
		Name:      item,
		Quantity:  quantity,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func ctxErr(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return domain.NewTransientError(op, err)
	}
	return nil
}
