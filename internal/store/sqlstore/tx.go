package sqlstore

import (
	"context"
	"time"

	"github.com/jmoiron/sqlx"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/store"
)

type txn struct {
	tx *sqlx.Tx
	s  *Store
}

func (t *txn) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var row productRow
	err := t.tx.GetContext(ctx, &row, t.s.rebind(`SELECT `+productColumns+` FROM products WHERE id = ?`+t.s.lockClause()), productID)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (t *txn) LockVariant(ctx context.Context, variantID string) (*domain.ProductVariant, error) {
	var row variantRow
	err := t.tx.GetContext(ctx, &row, t.s.rebind(`SELECT `+variantColumns+` FROM product_variants WHERE id = ?`+t.s.lockClause()), variantID)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (t *txn) SetProductStock(ctx context.Context, productID string, qty int, at time.Time) error {
	return t.execOne(ctx, `UPDATE products SET stock_quantity = ?, updated_at = ? WHERE id = ?`, qty, at.UTC(), productID)
}

func (t *txn) SetVariantStock(ctx context.Context, variantID string, qty int, at time.Time) error {
	return t.execOne(ctx, `UPDATE product_variants SET stock_quantity = ?, updated_at = ? WHERE id = ?`, qty, at.UTC(), variantID)
}

func (t *txn) InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO inventory_ledger (`+ledgerColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`), entry.ID, entry.ProductID, entry.VariantID, string(entry.Type), entry.Quantity, entry.BalanceAfter,
		entry.OrderID, entry.ActorID, entry.Reference, entry.Notes, entry.CreatedAt.UTC())
	return err
}

func (t *txn) InsertOrder(ctx context.Context, order domain.Order) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
	`),
		order.ID, order.OrderNumber, order.CustomerID, string(order.Status), string(order.PaymentStatus),
		order.PaymentMethod, nullIfEmpty(order.PaymentTransactionID),
		order.Subtotal, order.Tax, order.ShippingCost, order.Discount, order.Total,
		order.Shipping.Name, order.Shipping.Phone, order.Shipping.AddressLine1, order.Shipping.AddressLine2,
		order.Shipping.City, order.Shipping.PostalCode, order.Shipping.Country,
		order.Notes, order.CancelReason,
		nullTime(order.PaidAt), nullTime(order.ShippedAt), nullTime(order.DeliveredAt), nullTime(order.CancelledAt),
		order.Version, order.CreatedAt.UTC(), order.UpdatedAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return err
	}

	insertItem := t.s.rebind(`
		INSERT INTO order_items (` + orderItemColumns + `)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`)
	for _, item := range order.Items {
		_, err := t.tx.ExecContext(ctx, insertItem,
			item.ID, order.ID, item.ProductID, item.VariantID, item.VendorID, item.ProductName,
			item.SKU, item.VariantName, item.Quantity, item.UnitPrice, item.Subtotal,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrConflict
			}
			return err
		}
	}
	return nil
}

func (t *txn) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var row orderRow
	err := t.tx.GetContext(ctx, &row, t.s.rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`+t.s.lockClause()), orderID)
	if err != nil {
		return nil, notFound(err)
	}
	order := row.toDomain()
	if err := t.s.attachItems(ctx, t.tx, []*domain.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

// UpdateOrder writes the mutable header fields. Items, totals and the order
// number are fixed at placement.
func (t *txn) UpdateOrder(ctx context.Context, order domain.Order) error {
	return t.execOne(ctx, `
		UPDATE orders SET
			status = ?,
			payment_status = ?,
			payment_method = ?,
			payment_transaction_id = ?,
			notes = ?,
			cancel_reason = ?,
			paid_at = ?,
			shipped_at = ?,
			delivered_at = ?,
			cancelled_at = ?,
			version = ?,
			updated_at = ?
		WHERE id = ?
	`,
		string(order.Status), string(order.PaymentStatus), order.PaymentMethod, nullIfEmpty(order.PaymentTransactionID),
		order.Notes, order.CancelReason,
		nullTime(order.PaidAt), nullTime(order.ShippedAt), nullTime(order.DeliveredAt), nullTime(order.CancelledAt),
		order.Version, order.UpdatedAt.UTC(), order.ID,
	)
}

func (t *txn) InsertStatusChange(ctx context.Context, change domain.StatusChange) error {
	_, err := t.tx.ExecContext(ctx, t.s.rebind(`
		INSERT INTO order_status_changes (`+statusChangeColumns+`)
		VALUES (?,?,?,?,?,?,?,?)
	`), change.ID, change.OrderID, change.FromStatus, change.ToStatus, change.ActorID, string(change.ActorRole),
		change.Notes, change.CreatedAt.UTC())
	return err
}

func (t *txn) execOne(ctx context.Context, query string, args ...any) error {
	res, err := t.tx.ExecContext(ctx, t.s.rebind(query), args...)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
