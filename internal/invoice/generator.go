package invoice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/jobs"
	"marketplace/backend/internal/store"
)

const dueAfterDays = 30

// Generator creates at most one invoice per order and attaches its rendered
// document. Running it again for the same order is a no-op apart from
// re-rendering a document that never got stored.
type Generator struct {
	repo     store.Repository
	renderer Renderer
	storage  Storage
	logger   *zap.Logger
	now      func() time.Time
}

func NewGenerator(repo store.Repository, renderer Renderer, storage Storage, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Generator{
		repo:     repo,
		renderer: renderer,
		storage:  storage,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (g *Generator) Generate(ctx context.Context, orderID string) (*domain.Invoice, error) {
	order, err := g.repo.GetOrder(ctx, orderID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, &domain.NotFoundError{Entity: "order", ID: orderID}
		}
		return nil, fmt.Errorf("load order: %w", err)
	}

	existing, err := g.repo.GetInvoiceByOrder(ctx, orderID)
	switch {
	case err == nil:
		g.logger.Info("invoice already exists", zap.String("order_id", orderID), zap.String("invoice_number", existing.InvoiceNumber))
		return g.ensureDocument(ctx, existing, order)
	case !errors.Is(err, store.ErrNotFound):
		return nil, fmt.Errorf("load invoice: %w", err)
	}

	now := g.now()
	status := domain.InvoiceDraft
	if order.PaymentStatus == domain.PaymentPaid {
		status = domain.InvoicePaid
	}
	created, err := g.repo.CreateInvoice(ctx, domain.Invoice{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Amount:     order.Total,
		Status:     status,
		IssuedAt:   now,
		DueAt:      now.AddDate(0, 0, dueAfterDays),
	})
	if errors.Is(err, store.ErrConflict) {
		// Another worker won the insert.
		existing, err := g.repo.GetInvoiceByOrder(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("load invoice after conflict: %w", err)
		}
		return g.ensureDocument(ctx, existing, order)
	}
	if err != nil {
		return nil, fmt.Errorf("create invoice: %w", err)
	}

	g.logger.Info("invoice created",
		zap.String("order_id", orderID),
		zap.String("invoice_number", created.InvoiceNumber),
		zap.String("status", string(created.Status)),
	)
	return g.ensureDocument(ctx, created, order)
}

func (g *Generator) ensureDocument(ctx context.Context, invoice *domain.Invoice, order *domain.Order) (*domain.Invoice, error) {
	if invoice.DocumentPath != "" {
		ok, err := g.storage.Exists(ctx, invoice.DocumentPath)
		if err != nil {
			return nil, fmt.Errorf("check invoice document: %w", err)
		}
		if ok {
			return invoice, nil
		}
	}

	content, err := g.renderer.Render(ctx, Document{Invoice: *invoice, Order: *order})
	if err != nil {
		return nil, fmt.Errorf("render invoice %s: %w", invoice.InvoiceNumber, err)
	}
	path, err := g.storage.Save(ctx, invoice.InvoiceNumber+g.renderer.Extension(), content)
	if err != nil {
		return nil, fmt.Errorf("store invoice %s: %w", invoice.InvoiceNumber, err)
	}
	if err := g.repo.SetInvoiceDocument(ctx, invoice.ID, path); err != nil {
		return nil, fmt.Errorf("record invoice document: %w", err)
	}
	invoice.DocumentPath = path
	return invoice, nil
}

// HandleTask adapts Generate to the job processor. A missing order will not
// appear on retry, so it stops the retries.
func (g *Generator) HandleTask(ctx context.Context, task jobs.Task) error {
	if task.OrderID == "" {
		return backoff.Permanent(domain.Invalid("order_id", "required"))
	}
	_, err := g.Generate(ctx, task.OrderID)
	if err != nil && domain.IsBusiness(err) {
		return backoff.Permanent(err)
	}
	return err
}
