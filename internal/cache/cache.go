package cache

import (
	"context"
	"sync"
	"time"

	"marketplace/backend/internal/domain"
)

// OrderCache holds read copies of orders. The store stays authoritative; the
// service writes the committed order through after every mutation.
//
// Set never replaces an entry with an older Version, so a reader that loaded
// a row before a concurrent commit cannot overwrite the newer copy.
type OrderCache interface {
	Get(ctx context.Context, orderID string) (*domain.Order, bool, error)
	Set(ctx context.Context, order *domain.Order, ttl time.Duration) error
	Delete(ctx context.Context, orderID string) error
}

type NoopOrderCache struct{}

func (NoopOrderCache) Get(_ context.Context, _ string) (*domain.Order, bool, error) {
	return nil, false, nil
}

func (NoopOrderCache) Set(_ context.Context, _ *domain.Order, _ time.Duration) error {
	return nil
}

func (NoopOrderCache) Delete(_ context.Context, _ string) error {
	return nil
}

// MemoryOrderCache is a process-local cache for single-instance deployments.
type MemoryOrderCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	order     domain.Order
	expiresAt time.Time
}

func NewMemoryOrderCache() *MemoryOrderCache {
	return &MemoryOrderCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (c *MemoryOrderCache) Get(_ context.Context, orderID string) (*domain.Order, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[orderID]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(entry.expiresAt) {
		delete(c.entries, orderID)
		return nil, false, nil
	}
	order := entry.order
	return &order, true, nil
}

func (c *MemoryOrderCache) Set(_ context.Context, order *domain.Order, ttl time.Duration) error {
	if order == nil || order.ID == "" {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if current, ok := c.entries[order.ID]; ok && now.Before(current.expiresAt) && supersedes(&current.order, order) {
		return nil
	}
	c.entries[order.ID] = memoryEntry{order: *order, expiresAt: now.Add(ttl)}
	return nil
}

func (c *MemoryOrderCache) Delete(_ context.Context, orderID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, orderID)
	return nil
}

// supersedes reports whether cached is newer than candidate.
func supersedes(cached *domain.Order, candidate *domain.Order) bool {
	return cached.Version > candidate.Version
}

func orderKey(orderID string) string {
	return "marketplace:order:" + orderID
}
