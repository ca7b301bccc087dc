package sqlstore

import (
	"context"

	"github.com/jmoiron/sqlx"

	"marketplace/backend/internal/domain"
)

func (s *Store) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var row orderRow
	err := sqlx.GetContext(ctx, s.db, &row, s.rebind(`SELECT `+orderColumns+` FROM orders WHERE id = ?`), orderID)
	if err != nil {
		return nil, notFound(err)
	}
	order := row.toDomain()
	if err := s.attachItems(ctx, s.db, []*domain.Order{&order}); err != nil {
		return nil, err
	}
	return &order, nil
}

func (s *Store) ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE customer_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, customerID, clampLimit(limit))
}

// ListOrdersByVendor answers "which orders contain at least one of my
// products" from the item snapshots.
func (s *Store) ListOrdersByVendor(ctx context.Context, vendorID string, limit int) ([]domain.Order, error) {
	return s.listOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders o
		WHERE EXISTS (
			SELECT 1 FROM order_items i WHERE i.order_id = o.id AND i.vendor_id = ?
		)
		ORDER BY o.created_at DESC, o.id DESC
		LIMIT ?
	`, vendorID, clampLimit(limit))
}

func (s *Store) listOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	rows := make([]orderRow, 0, 16)
	if err := sqlx.SelectContext(ctx, s.db, &rows, s.rebind(query), args...); err != nil {
		return nil, err
	}

	orders := make([]domain.Order, len(rows))
	refs := make([]*domain.Order, len(rows))
	for i, row := range rows {
		orders[i] = row.toDomain()
		refs[i] = &orders[i]
	}
	if err := s.attachItems(ctx, s.db, refs); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) attachItems(ctx context.Context, q sqlx.QueryerContext, orders []*domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	ids := make([]string, 0, len(orders))
	byID := make(map[string]*domain.Order, len(orders))
	for _, order := range orders {
		ids = append(ids, order.ID)
		byID[order.ID] = order
		order.Items = make([]domain.OrderItem, 0, 4)
	}

	query, args, err := sqlx.In(`
		SELECT `+orderItemColumns+`
		FROM order_items
		WHERE order_id IN (?)
		ORDER BY order_id, sku, id
	`, ids)
	if err != nil {
		return err
	}

	rows := make([]orderItemRow, 0, len(ids)*2)
	if err := sqlx.SelectContext(ctx, q, &rows, s.rebind(query), args...); err != nil {
		return err
	}
	for _, row := range rows {
		if order, ok := byID[row.OrderID]; ok {
			order.Items = append(order.Items, row.toDomain())
		}
	}
	return nil
}

func (s *Store) ListStatusChanges(ctx context.Context, orderID string) ([]domain.StatusChange, error) {
	rows := make([]statusChangeRow, 0, 8)
	err := sqlx.SelectContext(ctx, s.db, &rows, s.rebind(`
		SELECT `+statusChangeColumns+`
		FROM order_status_changes
		WHERE order_id = ?
		ORDER BY created_at ASC, id ASC
	`), orderID)
	if err != nil {
		return nil, err
	}

	changes := make([]domain.StatusChange, 0, len(rows))
	for _, row := range rows {
		changes = append(changes, row.toDomain())
	}
	return changes, nil
}
