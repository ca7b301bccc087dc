package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/xid"
)

type Kind string

const (
	KindInvoiceGenerate Kind = "invoice.generate"
	KindOrderNotify     Kind = "order.notify"
	KindStockLow        Kind = "stock.low"
)

var ErrQueueClosed = errors.New("queue closed")

// Task is one post-commit side effect. Trace carries the producer's span
// context so the worker continues the same trace.
type Task struct {
	ID         string                `json:"id"`
	Kind       Kind                  `json:"kind"`
	OrderID    string                `json:"order_id,omitempty"`
	Event      string                `json:"event,omitempty"`
	LowStock   *domain.LowStockEvent `json:"low_stock,omitempty"`
	Trace      map[string]string     `json:"trace,omitempty"`
	Attempts   int                   `json:"attempts,omitempty"`
	LastError  string                `json:"last_error,omitempty"`
	EnqueuedAt time.Time             `json:"enqueued_at"`
}

func InvoiceTask(orderID string) Task {
	return Task{Kind: KindInvoiceGenerate, OrderID: orderID}
}

// NotifyTask announces an order event such as "created" or a new status.
func NotifyTask(orderID string, event string) Task {
	return Task{Kind: KindOrderNotify, OrderID: orderID, Event: event}
}

func LowStockTask(event domain.LowStockEvent) Task {
	return Task{Kind: KindStockLow, LowStock: &event}
}

// Key groups related tasks on the same partition.
func (t Task) Key() string {
	if t.OrderID != "" {
		return t.OrderID
	}
	if t.LowStock != nil {
		return t.LowStock.ProductID
	}
	return t.ID
}

type Dispatcher interface {
	Dispatch(ctx context.Context, task Task) error
}

// Queue is a Dispatcher that workers can also drain. Receive blocks until a
// task arrives, ctx ends or the queue is closed.
type Queue interface {
	Dispatcher
	Receive(ctx context.Context) (Task, error)
	DeadLetter(ctx context.Context, task Task) error
	Close() error
}

func stamp(ctx context.Context, task Task) Task {
	if task.ID == "" {
		task.ID = xid.New()
	}
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now().UTC()
	}
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)
	if len(carrier) > 0 {
		task.Trace = carrier
	}
	return task
}

// TaskContext restores the trace context stored on the task.
func TaskContext(ctx context.Context, task Task) context.Context {
	if len(task.Trace) == 0 {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(task.Trace))
}

func encode(task Task) ([]byte, error) {
	return json.Marshal(task)
}

func decode(payload []byte) (Task, error) {
	var task Task
	if err := json.Unmarshal(payload, &task); err != nil {
		return Task{}, err
	}
	return task, nil
}
