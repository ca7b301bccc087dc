package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/backend/internal/domain"
)

func TestNoopOrderCacheAlwaysMisses(t *testing.T) {
	var c OrderCache = NoopOrderCache{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &domain.Order{ID: "order-1"}, time.Minute))
	got, ok, err := c.Get(ctx, "order-1")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, got)
	assert.NoError(t, c.Delete(ctx, "order-1"))
}

func TestOrderKeyIsNamespaced(t *testing.T) {
	assert.Equal(t, "marketplace:order:abc", orderKey("abc"))
}

func TestMemoryOrderCacheKeepsNewerVersion(t *testing.T) {
	c := NewMemoryOrderCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, &domain.Order{ID: "order-1", Status: domain.OrderProcessing, Version: 2}, time.Minute))
	require.NoError(t, c.Set(ctx, &domain.Order{ID: "order-1", Status: domain.OrderPending, Version: 1}, time.Minute))

	got, ok, err := c.Get(ctx, "order-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OrderProcessing, got.Status)

	require.NoError(t, c.Set(ctx, &domain.Order{ID: "order-1", Status: domain.OrderShipped, Version: 3}, time.Minute))
	got, _, _ = c.Get(ctx, "order-1")
	assert.Equal(t, domain.OrderShipped, got.Status)

	require.NoError(t, c.Delete(ctx, "order-1"))
	_, ok, _ = c.Get(ctx, "order-1")
	assert.False(t, ok)
}

func TestMemoryOrderCacheExpires(t *testing.T) {
	c := NewMemoryOrderCache()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, &domain.Order{ID: "order-2", Version: 5}, time.Minute))
	_, ok, _ := c.Get(ctx, "order-2")
	assert.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok, _ = c.Get(ctx, "order-2")
	assert.False(t, ok)

	// An expired entry does not block an older version.
	require.NoError(t, c.Set(ctx, &domain.Order{ID: "order-2", Version: 4}, time.Minute))
	got, ok, _ := c.Get(ctx, "order-2")
	require.True(t, ok)
	assert.Equal(t, 4, got.Version)
}

func TestMemoryOrderCacheReturnsCopies(t *testing.T) {
	c := NewMemoryOrderCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, &domain.Order{ID: "order-3", Notes: "gift", Version: 1}, time.Minute))

	got, _, _ := c.Get(ctx, "order-3")
	got.Notes = "changed"
	again, _, _ := c.Get(ctx, "order-3")
	assert.Equal(t, "gift", again.Notes)
}
