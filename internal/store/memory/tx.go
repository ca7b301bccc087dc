package memory

import (
	"context"
	"time"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/store"
)

// memTx runs with Store.mu held for writing. Every write pushes an undo step;
// rollback replays them newest first.
type memTx struct {
	s    *Store
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) LockProduct(_ context.Context, productID string) (*domain.Product, error) {
	product, ok := t.s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (t *memTx) LockVariant(_ context.Context, variantID string) (*domain.ProductVariant, error) {
	variant, ok := t.s.variants[variantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &variant, nil
}

func (t *memTx) SetProductStock(_ context.Context, productID string, qty int, at time.Time) error {
	prev, ok := t.s.products[productID]
	if !ok {
		return store.ErrNotFound
	}
	next := prev
	next.StockQuantity = qty
	next.UpdatedAt = at
	t.s.products[productID] = next
	t.undo = append(t.undo, func() { t.s.products[productID] = prev })
	return nil
}

func (t *memTx) SetVariantStock(_ context.Context, variantID string, qty int, at time.Time) error {
	prev, ok := t.s.variants[variantID]
	if !ok {
		return store.ErrNotFound
	}
	next := prev
	next.StockQuantity = qty
	next.UpdatedAt = at
	t.s.variants[variantID] = next
	t.undo = append(t.undo, func() { t.s.variants[variantID] = prev })
	return nil
}

func (t *memTx) InsertLedgerEntry(_ context.Context, entry domain.LedgerEntry) error {
	n := len(t.s.ledger)
	t.s.ledger = append(t.s.ledger, entry)
	t.undo = append(t.undo, func() { t.s.ledger = t.s.ledger[:n] })
	return nil
}

func (t *memTx) InsertOrder(_ context.Context, order domain.Order) error {
	if _, exists := t.s.orders[order.ID]; exists {
		return store.ErrConflict
	}
	if _, exists := t.s.orderNumbers[order.OrderNumber]; exists {
		return store.ErrConflict
	}
	t.s.orders[order.ID] = cloneOrder(order)
	t.s.orderNumbers[order.OrderNumber] = order.ID
	t.undo = append(t.undo, func() {
		delete(t.s.orders, order.ID)
		delete(t.s.orderNumbers, order.OrderNumber)
	})
	return nil
}

func (t *memTx) LockOrder(_ context.Context, orderID string) (*domain.Order, error) {
	order, ok := t.s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneOrder(order)
	return &cloned, nil
}

func (t *memTx) UpdateOrder(_ context.Context, order domain.Order) error {
	prev, ok := t.s.orders[order.ID]
	if !ok {
		return store.ErrNotFound
	}
	next := cloneOrder(order)
	// Items and the order number are immutable once placed.
	next.Items = prev.Items
	next.OrderNumber = prev.OrderNumber
	t.s.orders[order.ID] = next
	t.undo = append(t.undo, func() { t.s.orders[order.ID] = prev })
	return nil
}

func (t *memTx) InsertStatusChange(_ context.Context, change domain.StatusChange) error {
	prev := t.s.statusChanges[change.OrderID]
	n := len(prev)
	t.s.statusChanges[change.OrderID] = append(prev, change)
	t.undo = append(t.undo, func() {
		if n == 0 {
			delete(t.s.statusChanges, change.OrderID)
			return
		}
		t.s.statusChanges[change.OrderID] = t.s.statusChanges[change.OrderID][:n]
	})
	return nil
}
