package service

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/inventory"
)

// StockChangeRequest is a manual stock movement. Quantity is signed for
// adjustments and must be positive for receipts.
type StockChangeRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
	Reference string `json:"reference,omitempty"`
	Notes     string `json:"notes,omitempty"`
}

// CheckAvailability reports what cannot be fulfilled right now. It takes no
// locks; CreateOrder re-checks under lock.
func (s *Service) CheckAvailability(ctx context.Context, items []domain.ItemRequest) ([]domain.Shortfall, error) {
	ctx, span := s.tracer.Start(ctx, "service.CheckAvailability")
	defer span.End()

	shortfalls, err := s.checker.CheckAvailability(ctx, items)
	if err != nil {
		return nil, s.fail(span, "check availability", err)
	}
	return shortfalls, nil
}

// ReceiveStock books incoming goods as a purchase entry.
func (s *Service) ReceiveStock(ctx context.Context, actor domain.Actor, req StockChangeRequest) (domain.LedgerEntry, error) {
	ctx, span := s.tracer.Start(ctx, "service.ReceiveStock")
	defer span.End()

	if req.Quantity <= 0 {
		return domain.LedgerEntry{}, s.fail(span, "receive stock", domain.Invalid("quantity", "must be positive"))
	}
	return s.postStock(ctx, span, actor, domain.TxPurchase, req)
}

// AdjustStock corrects stock with a signed adjustment entry.
func (s *Service) AdjustStock(ctx context.Context, actor domain.Actor, req StockChangeRequest) (domain.LedgerEntry, error) {
	ctx, span := s.tracer.Start(ctx, "service.AdjustStock")
	defer span.End()

	if req.Quantity == 0 {
		return domain.LedgerEntry{}, s.fail(span, "adjust stock", domain.Invalid("quantity", "must not be zero"))
	}
	if strings.TrimSpace(req.Notes) == "" {
		return domain.LedgerEntry{}, s.fail(span, "adjust stock", domain.Invalid("notes", "adjustments need a reason"))
	}
	return s.postStock(ctx, span, actor, domain.TxAdjustment, req)
}

func (s *Service) postStock(ctx context.Context, span trace.Span, actor domain.Actor, kind domain.TransactionType, req StockChangeRequest) (domain.LedgerEntry, error) {
	op := "post " + string(kind)
	span.SetAttributes(
		attribute.String("product.id", req.ProductID),
		attribute.Int("stock.quantity", req.Quantity),
	)

	if err := s.authorizeProduct(ctx, actor, req.ProductID); err != nil {
		return domain.LedgerEntry{}, s.fail(span, op, err)
	}
	posting, err := s.ledger.Post(ctx, inventory.PostRequest{
		ProductID: req.ProductID,
		VariantID: strings.TrimSpace(req.VariantID),
		Type:      kind,
		Quantity:  req.Quantity,
		ActorID:   actor.ID,
		Reference: strings.TrimSpace(req.Reference),
		Notes:     strings.TrimSpace(req.Notes),
	})
	if err != nil {
		return domain.LedgerEntry{}, s.fail(span, op, err)
	}

	s.logger.Info("stock posted",
		zap.String("type", string(kind)),
		zap.String("product_id", posting.Entry.ProductID),
		zap.String("variant_id", posting.Entry.VariantID),
		zap.Int("quantity", posting.Entry.Quantity),
		zap.Int("balance_after", posting.Entry.BalanceAfter),
		zap.String("actor_id", actor.ID),
	)
	return posting.Entry, nil
}

// LedgerHistory lists movements for a product or one of its variants, newest
// first.
func (s *Service) LedgerHistory(ctx context.Context, actor domain.Actor, productID string, variantID string, limit int) ([]domain.LedgerEntry, error) {
	ctx, span := s.tracer.Start(ctx, "service.LedgerHistory")
	defer span.End()

	if err := s.authorizeProduct(ctx, actor, productID); err != nil {
		return nil, s.fail(span, "ledger history", err)
	}
	entries, err := s.ledger.Entries(ctx, productID, variantID, clampLimit(limit))
	if err != nil {
		return nil, s.fail(span, "ledger history", err)
	}
	return entries, nil
}

// ReconcileStock compares the stored balance with the ledger sum.
func (s *Service) ReconcileStock(ctx context.Context, actor domain.Actor, productID string, variantID string) (inventory.Reconciliation, error) {
	ctx, span := s.tracer.Start(ctx, "service.ReconcileStock")
	defer span.End()

	if !actor.IsPrivileged() {
		return inventory.Reconciliation{}, s.fail(span, "reconcile stock", forbidden("reconciliation requires an admin"))
	}
	rec, err := s.ledger.Reconcile(ctx, productID, variantID)
	if err != nil {
		return inventory.Reconciliation{}, s.fail(span, "reconcile stock", err)
	}
	return rec, nil
}

// authorizeProduct lets admins and system actors through, and vendors only
// for their own products.
func (s *Service) authorizeProduct(ctx context.Context, actor domain.Actor, productID string) error {
	if strings.TrimSpace(productID) == "" {
		return domain.Invalid("product_id", "required")
	}
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleSystem:
		return nil
	case domain.RoleVendor:
	default:
		return forbidden("role cannot manage stock")
	}

	product, err := s.repo.GetProduct(ctx, productID)
	if err != nil {
		return entityNotFound("product", productID, err)
	}
	if product.VendorID != actor.ID {
		return forbidden("product belongs to another vendor")
	}
	return nil
}
