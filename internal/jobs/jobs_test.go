package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"marketplace/backend/internal/domain"
)

func noWait() backoff.BackOff { return &backoff.ZeroBackOff{} }

func TestMemoryQueueRoundTrip(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()

	require.NoError(t, q.Dispatch(ctx, InvoiceTask("order-1")))
	assert.Equal(t, 1, q.Len())

	task, err := q.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, KindInvoiceGenerate, task.Kind)
	assert.Equal(t, "order-1", task.OrderID)
	assert.NotEmpty(t, task.ID)
	assert.False(t, task.EnqueuedAt.IsZero())
}

func TestMemoryQueueReceiveHonoursContext(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Receive(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueueClosed(t *testing.T) {
	q := NewMemoryQueue(1)
	require.NoError(t, q.Close())
	require.NoError(t, q.Close())

	assert.ErrorIs(t, q.Dispatch(context.Background(), InvoiceTask("order-1")), ErrQueueClosed)
	_, err := q.Receive(context.Background())
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestTaskKey(t *testing.T) {
	assert.Equal(t, "order-9", NotifyTask("order-9", "created").Key())
	assert.Equal(t, "prod-1", LowStockTask(domain.LowStockEvent{ProductID: "prod-1"}).Key())
}

func TestProcessorRetriesUntilSuccess(t *testing.T) {
	q := NewMemoryQueue(1)
	p := NewProcessor(q, zap.NewNop(), WithBackOff(noWait))

	var calls int32
	p.Handle(KindInvoiceGenerate, func(_ context.Context, task Task) error {
		if atomic.AddInt32(&calls, 1) < 3 {
			return errors.New("storage unavailable")
		}
		return nil
	})

	require.NoError(t, p.Process(context.Background(), InvoiceTask("order-1")))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Empty(t, q.DeadLetters())
}

func TestProcessorDeadLettersAfterThreeRetries(t *testing.T) {
	q := NewMemoryQueue(1)
	core, logs := observer.New(zap.ErrorLevel)
	p := NewProcessor(q, zap.NewNop(), WithBackOff(noWait), WithOperatorLogger(zap.New(core)))

	var calls int32
	boom := errors.New("render failed")
	p.Handle(KindInvoiceGenerate, func(_ context.Context, _ Task) error {
		atomic.AddInt32(&calls, 1)
		return boom
	})

	err := p.Process(context.Background(), InvoiceTask("order-1"))
	require.ErrorIs(t, err, boom)
	assert.Equal(t, int32(4), atomic.LoadInt32(&calls), "one attempt plus three retries")

	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, "order-1", dead[0].OrderID)
	assert.Equal(t, 4, dead[0].Attempts)
	assert.Equal(t, boom.Error(), dead[0].LastError)
	assert.Equal(t, 1, logs.FilterMessage("job exhausted retries").Len())
}

func TestProcessorPermanentErrorStopsRetrying(t *testing.T) {
	q := NewMemoryQueue(1)
	p := NewProcessor(q, zap.NewNop(), WithBackOff(noWait))

	var calls int32
	p.Handle(KindOrderNotify, func(_ context.Context, _ Task) error {
		atomic.AddInt32(&calls, 1)
		return backoff.Permanent(errors.New("order gone"))
	})

	require.Error(t, p.Process(context.Background(), NotifyTask("order-1", "created")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Len(t, q.DeadLetters(), 1)
}

func TestProcessorUnknownKindIsDeadLettered(t *testing.T) {
	q := NewMemoryQueue(1)
	p := NewProcessor(q, zap.NewNop())

	require.Error(t, p.Process(context.Background(), Task{ID: "x", Kind: "unknown"}))
	assert.Len(t, q.DeadLetters(), 1)
}

func TestProcessorRunDrainsQueue(t *testing.T) {
	q := NewMemoryQueue(8)
	p := NewProcessor(q, zap.NewNop(), WithWorkers(2), WithBackOff(noWait))

	done := make(chan string, 3)
	p.Handle(KindOrderNotify, func(_ context.Context, task Task) error {
		done <- task.OrderID
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(stopped)
	}()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Dispatch(ctx, NotifyTask(id, "created")))
	}

	seen := map[string]bool{}
	for len(seen) < 3 {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("tasks were not processed")
		}
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("processor did not stop")
	}
}
