package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/jobs"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/xid"
)

type PostRequest struct {
	ProductID string
	VariantID string
	Type      domain.TransactionType
	Quantity  int
	OrderID   string
	ActorID   string
	Reference string
	Notes     string
}

// Posting is the result of one ledger post. LowStock is set when a
// product-level deduction left the balance at or below the threshold.
type Posting struct {
	Entry    domain.LedgerEntry
	LowStock *domain.LowStockEvent
}

type Reconciliation struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Stock     int    `json:"stock_quantity"`
	LedgerSum int    `json:"ledger_sum"`
	Drift     int    `json:"drift"`
}

func (r Reconciliation) Consistent() bool { return r.Drift == 0 }

// Ledger is the only writer of stock quantities. Every change is an
// append-only entry plus the matching denormalized balance, in one tx.
type Ledger struct {
	repo       store.Repository
	dispatcher jobs.Dispatcher
	logger     *zap.Logger
	now        func() time.Time
}

func NewLedger(repo store.Repository, dispatcher jobs.Dispatcher, logger *zap.Logger) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{
		repo:       repo,
		dispatcher: dispatcher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Post records one movement in its own transaction and dispatches the
// low-stock alert after commit.
func (l *Ledger) Post(ctx context.Context, req PostRequest) (Posting, error) {
	var posting Posting
	err := l.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		p, err := l.PostTx(ctx, tx, req)
		if err != nil {
			return err
		}
		posting = p
		return nil
	})
	if err != nil {
		return Posting{}, translate("post ledger entry", err)
	}

	if posting.LowStock != nil {
		l.EmitLowStock(ctx, *posting.LowStock)
	}
	return posting, nil
}

// PostTx records one movement inside the caller's transaction. The caller is
// responsible for emitting LowStock once the transaction commits.
func (l *Ledger) PostTx(ctx context.Context, tx store.Tx, req PostRequest) (Posting, error) {
	if err := validatePost(req); err != nil {
		return Posting{}, err
	}

	product, err := tx.LockProduct(ctx, req.ProductID)
	if err != nil {
		return Posting{}, lookupErr("product", req.ProductID, err)
	}

	current := product.StockQuantity
	var variant *domain.ProductVariant
	if req.VariantID != "" {
		variant, err = tx.LockVariant(ctx, req.VariantID)
		if err != nil {
			return Posting{}, lookupErr("variant", req.VariantID, err)
		}
		if variant.ProductID != product.ID {
			return Posting{}, &domain.NotFoundError{Entity: "variant", ID: req.VariantID}
		}
		current = variant.StockQuantity
	}

	balance := current + req.Quantity
	if balance < 0 {
		sku := product.SKU
		if variant != nil {
			sku = variant.SKU
		}
		return Posting{}, &domain.InsufficientStockError{Shortfalls: []domain.Shortfall{{
			ProductID: req.ProductID,
			VariantID: req.VariantID,
			SKU:       sku,
			Requested: -req.Quantity,
			Available: current,
		}}}
	}

	now := l.now()
	entry := domain.LedgerEntry{
		ID:           xid.New(),
		ProductID:    req.ProductID,
		VariantID:    req.VariantID,
		Type:         req.Type,
		Quantity:     req.Quantity,
		BalanceAfter: balance,
		OrderID:      req.OrderID,
		ActorID:      req.ActorID,
		Reference:    req.Reference,
		Notes:        req.Notes,
		CreatedAt:    now,
	}
	if err := tx.InsertLedgerEntry(ctx, entry); err != nil {
		return Posting{}, err
	}

	if variant != nil {
		err = tx.SetVariantStock(ctx, variant.ID, balance, now)
	} else {
		err = tx.SetProductStock(ctx, product.ID, balance, now)
	}
	if err != nil {
		return Posting{}, err
	}

	posting := Posting{Entry: entry}
	if variant == nil && req.Quantity < 0 && balance <= product.LowStockThreshold {
		posting.LowStock = &domain.LowStockEvent{
			ProductID:  product.ID,
			VendorID:   product.VendorID,
			SKU:        product.SKU,
			Balance:    balance,
			Threshold:  product.LowStockThreshold,
			OccurredAt: now,
		}
	}
	return posting, nil
}

// EmitLowStock hands the alert to the dispatcher. A failed dispatch is logged
// and never undoes the committed movement.
func (l *Ledger) EmitLowStock(ctx context.Context, event domain.LowStockEvent) {
	l.logger.Info("low stock",
		zap.String("product_id", event.ProductID),
		zap.String("sku", event.SKU),
		zap.Int("balance", event.Balance),
		zap.Int("threshold", event.Threshold),
	)
	if l.dispatcher == nil {
		return
	}
	if err := l.dispatcher.Dispatch(ctx, jobs.LowStockTask(event)); err != nil {
		l.logger.Error("dispatch low stock alert", zap.String("product_id", event.ProductID), zap.Error(err))
	}
}

// CurrentBalance returns the denormalized stock field.
func (l *Ledger) CurrentBalance(ctx context.Context, productID string, variantID string) (int, error) {
	if variantID != "" {
		variant, err := l.repo.GetVariant(ctx, variantID)
		if err != nil {
			return 0, translate("current balance", lookupErr("variant", variantID, err))
		}
		if variant.ProductID != productID {
			return 0, &domain.NotFoundError{Entity: "variant", ID: variantID}
		}
		return variant.StockQuantity, nil
	}
	product, err := l.repo.GetProduct(ctx, productID)
	if err != nil {
		return 0, translate("current balance", lookupErr("product", productID, err))
	}
	return product.StockQuantity, nil
}

// Entries lists the ledger for one target, newest first.
func (l *Ledger) Entries(ctx context.Context, productID string, variantID string, limit int) ([]domain.LedgerEntry, error) {
	if _, err := l.CurrentBalance(ctx, productID, variantID); err != nil {
		return nil, err
	}
	entries, err := l.repo.ListLedgerEntries(ctx, productID, variantID, limit)
	if err != nil {
		return nil, translate("list ledger entries", err)
	}
	return entries, nil
}

// Reconcile compares the stock field with the ledger sum. It never writes.
func (l *Ledger) Reconcile(ctx context.Context, productID string, variantID string) (Reconciliation, error) {
	stock, err := l.CurrentBalance(ctx, productID, variantID)
	if err != nil {
		return Reconciliation{}, err
	}
	sum, err := l.repo.SumLedger(ctx, productID, variantID)
	if err != nil {
		return Reconciliation{}, translate("sum ledger", err)
	}
	rec := Reconciliation{ProductID: productID, VariantID: variantID, Stock: stock, LedgerSum: sum, Drift: stock - sum}
	if !rec.Consistent() {
		l.logger.Warn("stock drift", zap.String("product_id", productID), zap.String("variant_id", variantID), zap.Int("drift", rec.Drift))
	}
	return rec, nil
}

func validatePost(req PostRequest) error {
	if req.ProductID == "" {
		return domain.Invalid("product_id", "required")
	}
	if !req.Type.Valid() {
		return domain.Invalid("type", fmt.Sprintf("unknown transaction type %q", req.Type))
	}
	switch {
	case req.Quantity == 0:
		return domain.Invalid("quantity", "must not be zero")
	case req.Type == domain.TxSale && req.Quantity > 0:
		return domain.Invalid("quantity", "sale entries deduct stock")
	case (req.Type == domain.TxPurchase || req.Type == domain.TxReturn) && req.Quantity < 0:
		return domain.Invalid("quantity", fmt.Sprintf("%s entries add stock", req.Type))
	}
	return nil
}

func lookupErr(entity string, id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return &domain.NotFoundError{Entity: entity, ID: id}
	}
	return err
}

// translate passes business errors through and wraps the rest.
func translate(op string, err error) error {
	if err == nil || domain.IsBusiness(err) {
		return err
	}
	return &domain.PersistenceError{Op: op, Err: err}
}
