package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/inventory"
	"marketplace/backend/internal/jobs"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/xid"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CreateOrderRequest carries an order as submitted. Tax, ShippingCost and
// Discount override the pricing policy and are accepted from admin and system
// actors only.
type CreateOrderRequest struct {
	CustomerID    string               `json:"customer_id"`
	Items         []domain.ItemRequest `json:"items"`
	Shipping      domain.ShippingInfo  `json:"shipping"`
	PaymentMethod string               `json:"payment_method"`
	Notes         string               `json:"notes,omitempty"`
	Tax           *decimal.Decimal     `json:"tax,omitempty"`
	ShippingCost  *decimal.Decimal     `json:"shipping_cost,omitempty"`
	Discount      *decimal.Decimal     `json:"discount,omitempty"`
}

type placement struct {
	order    domain.Order
	lowStock []domain.LowStockEvent
}

// CreateOrder places an order and deducts its stock in one transaction.
// Notifications, the invoice job and low-stock alerts go out after commit.
func (s *Service) CreateOrder(ctx context.Context, actor domain.Actor, req CreateOrderRequest) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.CreateOrder")
	defer span.End()

	req, err := prepareCreate(actor, req)
	if err != nil {
		return domain.Order{}, s.fail(span, "create order", err)
	}
	items, err := inventory.MergeItems(req.Items)
	if err != nil {
		return domain.Order{}, s.fail(span, "create order", err)
	}

	shortfalls, err := s.checker.CheckAvailability(ctx, items)
	if err != nil {
		return domain.Order{}, s.fail(span, "create order", unknownItem(err))
	}
	if len(shortfalls) > 0 {
		return domain.Order{}, s.fail(span, "create order", &domain.InsufficientStockError{Shortfalls: shortfalls})
	}

	var placed placement
	for attempt := 1; ; attempt++ {
		placed, err = s.placeOrder(ctx, actor, req, items)
		if err == nil {
			break
		}
		if errors.Is(err, store.ErrConflict) && attempt < maxOrderNumberAttempts {
			s.logger.Warn("order number collision, retrying", zap.Int("attempt", attempt))
			continue
		}
		return domain.Order{}, s.fail(span, "create order", err)
	}

	order := placed.order
	span.SetAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.number", order.OrderNumber),
		attribute.Int("order.items", len(order.Items)),
	)
	s.logger.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("customer_id", order.CustomerID),
		zap.String("actor_id", actor.ID),
		zap.String("total", order.Total.StringFixed(2)),
	)

	s.cacheCommitted(ctx, order)
	s.enqueue(ctx, jobs.NotifyTask(order.ID, "created"))
	s.enqueue(ctx, jobs.InvoiceTask(order.ID))
	for _, event := range placed.lowStock {
		s.ledger.EmitLowStock(ctx, event)
	}
	return order, nil
}

// unknownItem reports a missing product or variant on an order line as a
// validation failure of the request.
func unknownItem(err error) error {
	var missing *domain.NotFoundError
	if !errors.As(err, &missing) {
		return err
	}
	switch missing.Entity {
	case "product":
		return domain.Invalid("items.product_id", fmt.Sprintf("product %s does not exist", missing.ID))
	case "variant":
		return domain.Invalid("items.variant_id", fmt.Sprintf("variant %s does not exist", missing.ID))
	}
	return err
}

func (s *Service) placeOrder(ctx context.Context, actor domain.Actor, req CreateOrderRequest, items []domain.ItemRequest) (placement, error) {
	var out placement
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		eval, err := s.checker.CheckTx(ctx, tx, items)
		if err != nil {
			return unknownItem(err)
		}
		if len(eval.Shortfalls) > 0 {
			return &domain.InsufficientStockError{Shortfalls: eval.Shortfalls}
		}

		now := s.now()
		order := domain.Order{
			ID:            xid.New(),
			OrderNumber:   s.numberFn(now),
			CustomerID:    req.CustomerID,
			Status:        domain.OrderPending,
			PaymentStatus: domain.PaymentPending,
			PaymentMethod: req.PaymentMethod,
			Shipping:      req.Shipping,
			Notes:         req.Notes,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		order.Items = snapshotItems(order.ID, eval.Lines)
		order.Recalculate()

		quote := s.pricing.Quote(order.Subtotal, order.Items)
		order.Tax = quote.Tax
		order.ShippingCost = quote.ShippingCost
		order.Discount = decimal.Zero
		if req.Tax != nil {
			order.Tax = *req.Tax
		}
		if req.ShippingCost != nil {
			order.ShippingCost = *req.ShippingCost
		}
		if req.Discount != nil {
			order.Discount = *req.Discount
		}
		order.Recalculate()
		if order.Total.IsNegative() {
			return domain.Invalid("discount", "exceeds the order amount")
		}
		if err := order.CheckTotals(); err != nil {
			return err
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		for _, line := range eval.Lines {
			if !line.Product.TrackInventory {
				continue
			}
			post := inventory.PostRequest{
				ProductID: line.Product.ID,
				Type:      domain.TxSale,
				Quantity:  -line.Quantity,
				OrderID:   order.ID,
				ActorID:   actor.ID,
				Reference: order.OrderNumber,
			}
			if line.Variant != nil {
				post.VariantID = line.Variant.ID
			}
			posting, err := s.ledger.PostTx(ctx, tx, post)
			if err != nil {
				return err
			}
			if posting.LowStock != nil {
				out.lowStock = append(out.lowStock, *posting.LowStock)
			}
		}
		if err := tx.InsertStatusChange(ctx, domain.StatusChange{
			ID:        xid.New(),
			OrderID:   order.ID,
			ToStatus:  string(domain.OrderPending),
			ActorID:   actor.ID,
			ActorRole: actor.Role,
			Notes:     "order placed",
			CreatedAt: now,
		}); err != nil {
			return err
		}

		out.order = order
		return nil
	})
	return out, err
}

func snapshotItems(orderID string, lines []inventory.Line) []domain.OrderItem {
	items := make([]domain.OrderItem, 0, len(lines))
	for _, line := range lines {
		item := domain.OrderItem{
			ID:          xid.New(),
			OrderID:     orderID,
			ProductID:   line.Product.ID,
			VendorID:    line.Product.VendorID,
			ProductName: line.Product.Name,
			SKU:         line.SKU(),
			Quantity:    line.Quantity,
			UnitPrice:   line.Product.EffectivePrice(),
		}
		if line.Variant != nil {
			item.VariantID = line.Variant.ID
			item.VariantName = line.Variant.Name
			if line.Variant.Price.Valid {
				item.UnitPrice = line.Variant.Price.Decimal
			}
		}
		items = append(items, item)
	}
	return items
}

func prepareCreate(actor domain.Actor, req CreateOrderRequest) (CreateOrderRequest, error) {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.PaymentMethod = strings.ToLower(strings.TrimSpace(req.PaymentMethod))
	req.Notes = strings.TrimSpace(req.Notes)

	switch actor.Role {
	case domain.RoleCustomer:
		if req.CustomerID == "" {
			req.CustomerID = actor.ID
		}
		if req.CustomerID != actor.ID {
			return req, forbidden("customers can only order for themselves")
		}
	case domain.RoleAdmin, domain.RoleSystem:
	default:
		return req, forbidden("role cannot place orders")
	}
	if !actor.IsPrivileged() && (req.Tax != nil || req.ShippingCost != nil || req.Discount != nil) {
		return req, forbidden("price overrides require an admin")
	}

	if req.CustomerID == "" {
		return req, domain.Invalid("customer_id", "required")
	}
	if len(req.Items) == 0 {
		return req, domain.Invalid("items", "at least one item is required")
	}
	if !isSupportedPaymentMethod(req.PaymentMethod) {
		return req, domain.Invalid("payment_method", "unsupported payment method")
	}
	for field, amount := range map[string]*decimal.Decimal{
		"tax":           req.Tax,
		"shipping_cost": req.ShippingCost,
		"discount":      req.Discount,
	} {
		if amount != nil && amount.IsNegative() {
			return req, domain.Invalid(field, "must not be negative")
		}
	}
	return req, nil
}

// GetOrder returns nil and no error when the order does not exist.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.GetOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	cached, ok, err := s.cache.Get(ctx, orderID)
	if err != nil {
		s.logger.Warn("read cached order", zap.String("order_id", orderID), zap.Error(err))
	}
	if ok {
		return cached, nil
	}

	order, err := s.repo.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, s.fail(span, "get order", err)
	}
	if err := s.cache.Set(ctx, order, s.cacheTTL); err != nil {
		s.logger.Warn("cache order", zap.String("order_id", orderID), zap.Error(err))
	}
	return order, nil
}

// ViewOrder is GetOrder plus the visibility rule for actor.
func (s *Service) ViewOrder(ctx context.Context, actor domain.Actor, orderID string) (*domain.Order, error) {
	order, err := s.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, &domain.NotFoundError{Entity: "order", ID: orderID}
	}
	if !canView(actor, *order) {
		return nil, forbidden("order is not visible to this actor")
	}
	return order, nil
}

func (s *Service) OrderHistory(ctx context.Context, actor domain.Actor, orderID string) ([]domain.StatusChange, error) {
	ctx, span := s.tracer.Start(ctx, "service.OrderHistory")
	defer span.End()

	if _, err := s.ViewOrder(ctx, actor, orderID); err != nil {
		return nil, s.fail(span, "order history", err)
	}
	changes, err := s.repo.ListStatusChanges(ctx, orderID)
	if err != nil {
		return nil, s.fail(span, "order history", err)
	}
	return changes, nil
}

func (s *Service) UpdateOrderStatus(ctx context.Context, actor domain.Actor, orderID string, to domain.OrderStatus, notes string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdateOrderStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("order.status", string(to)))

	if !to.Valid() {
		return domain.Order{}, s.fail(span, "update order status", domain.Invalid("status", "unknown order status"))
	}
	order, err := s.transition(ctx, actor, transitionRequest{
		orderID: orderID,
		to:      to,
		notes:   strings.TrimSpace(notes),
		authorize: func(order *domain.Order) error {
			return authorizeStatusChange(actor, order, to)
		},
	})
	if err != nil {
		return domain.Order{}, s.fail(span, "update order status", err)
	}
	return order, nil
}

// CancelOrder moves a pending or processing order to cancelled and puts its
// stock back.
func (s *Service) CancelOrder(ctx context.Context, actor domain.Actor, orderID string, reason string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.CancelOrder")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID))

	reason = strings.TrimSpace(reason)
	order, err := s.transition(ctx, actor, transitionRequest{
		orderID: orderID,
		to:      domain.OrderCancelled,
		notes:   reason,
		reason:  reason,
		cancel:  true,
		authorize: func(order *domain.Order) error {
			switch actor.Role {
			case domain.RoleAdmin, domain.RoleSystem:
				return nil
			case domain.RoleCustomer:
				if order.CustomerID == actor.ID {
					return nil
				}
				return forbidden("customers can only cancel their own orders")
			}
			return forbidden("role cannot cancel orders")
		},
	})
	if err != nil {
		return domain.Order{}, s.fail(span, "cancel order", err)
	}
	return order, nil
}

type transitionRequest struct {
	orderID   string
	to        domain.OrderStatus
	notes     string
	reason    string
	cancel    bool
	authorize func(order *domain.Order) error
}

func (s *Service) transition(ctx context.Context, actor domain.Actor, req transitionRequest) (domain.Order, error) {
	var (
		updated domain.Order
		from    domain.OrderStatus
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.LockOrder(ctx, req.orderID)
		if err != nil {
			return orderNotFound(req.orderID, err)
		}
		if err := req.authorize(order); err != nil {
			return err
		}
		if req.cancel && !order.CanCancel() {
			return &domain.CannotCancelError{Status: order.Status}
		}

		from = order.Status
		now := s.now()
		if err := order.ApplyTransition(req.to, now); err != nil {
			return err
		}
		if req.reason != "" {
			order.CancelReason = req.reason
		}
		if req.to.RestoresStock() {
			if err := s.restoreStock(ctx, tx, actor, *order); err != nil {
				return err
			}
		}
		if err := order.CheckTotals(); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		if err := tx.InsertStatusChange(ctx, domain.StatusChange{
			ID:         xid.New(),
			OrderID:    order.ID,
			FromStatus: string(from),
			ToStatus:   string(order.Status),
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Notes:      req.notes,
			CreatedAt:  now,
		}); err != nil {
			return err
		}
		updated = *order
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	s.cacheCommitted(ctx, updated)
	s.logger.Info("order status changed",
		zap.String("order_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(updated.Status)),
		zap.String("actor_id", actor.ID),
		zap.String("actor_role", string(actor.Role)),
	)
	s.enqueue(ctx, jobs.NotifyTask(updated.ID, string(updated.Status)))
	if updated.Status == domain.OrderShipped {
		s.enqueue(ctx, jobs.InvoiceTask(updated.ID))
	}
	return updated, nil
}

// restoreStock posts a return for every tracked item, locking rows in the
// same key order as order placement.
func (s *Service) restoreStock(ctx context.Context, tx store.Tx, actor domain.Actor, order domain.Order) error {
	items := append([]domain.OrderItem(nil), order.Items...)
	sort.Slice(items, func(i, j int) bool {
		if items[i].ProductID != items[j].ProductID {
			return items[i].ProductID < items[j].ProductID
		}
		return items[i].VariantID < items[j].VariantID
	})

	for _, item := range items {
		product, err := tx.LockProduct(ctx, item.ProductID)
		if err != nil {
			return entityNotFound("product", item.ProductID, err)
		}
		if !product.TrackInventory {
			continue
		}
		if _, err := s.ledger.PostTx(ctx, tx, inventory.PostRequest{
			ProductID: item.ProductID,
			VariantID: item.VariantID,
			Type:      domain.TxReturn,
			Quantity:  item.Quantity,
			OrderID:   order.ID,
			ActorID:   actor.ID,
			Reference: order.OrderNumber,
			Notes:     "order " + string(order.Status),
		}); err != nil {
			return err
		}
	}
	return nil
}

func authorizeStatusChange(actor domain.Actor, order *domain.Order, to domain.OrderStatus) error {
	switch actor.Role {
	case domain.RoleAdmin, domain.RoleSystem:
		return nil
	case domain.RoleVendor:
		if to != domain.OrderProcessing && to != domain.OrderShipped {
			return forbidden("vendors can only move orders to processing or shipped")
		}
		if !order.HasVendor(actor.ID) {
			return forbidden("order has no items from this vendor")
		}
		return nil
	case domain.RoleCustomer:
		return forbidden("customers can only cancel their own orders")
	}
	return forbidden("role cannot change order status")
}

// UpdatePaymentStatus records a payment outcome. It never touches stock.
// Repeating the current status changes nothing and enqueues nothing.
func (s *Service) UpdatePaymentStatus(ctx context.Context, actor domain.Actor, orderID string, status domain.PaymentStatus, transactionID string) (domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.UpdatePaymentStatus")
	defer span.End()
	span.SetAttributes(attribute.String("order.id", orderID), attribute.String("payment.status", string(status)))

	if !actor.IsPrivileged() {
		return domain.Order{}, s.fail(span, "update payment status", forbidden("payment updates require an admin"))
	}
	if !status.Valid() {
		return domain.Order{}, s.fail(span, "update payment status", domain.Invalid("payment_status", "unknown payment status"))
	}

	var (
		updated domain.Order
		from    domain.PaymentStatus
		changed bool
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return orderNotFound(orderID, err)
		}
		from = order.PaymentStatus
		now := s.now()
		changed, err = order.ApplyPayment(status, strings.TrimSpace(transactionID), now)
		if err != nil {
			return err
		}
		updated = *order
		if !changed {
			return nil
		}
		if err := order.CheckTotals(); err != nil {
			return err
		}
		if err := tx.UpdateOrder(ctx, *order); err != nil {
			return err
		}
		return tx.InsertStatusChange(ctx, domain.StatusChange{
			ID:         xid.New(),
			OrderID:    order.ID,
			FromStatus: "payment:" + string(from),
			ToStatus:   "payment:" + string(status),
			ActorID:    actor.ID,
			ActorRole:  actor.Role,
			Notes:      order.PaymentTransactionID,
			CreatedAt:  now,
		})
	})
	if err != nil {
		return domain.Order{}, s.fail(span, "update payment status", err)
	}
	if !changed {
		return updated, nil
	}

	s.cacheCommitted(ctx, updated)
	s.logger.Info("payment status changed",
		zap.String("order_id", updated.ID),
		zap.String("from", string(from)),
		zap.String("to", string(status)),
		zap.String("actor_id", actor.ID),
	)
	s.enqueue(ctx, jobs.NotifyTask(updated.ID, "payment_"+string(status)))
	if status == domain.PaymentPaid {
		s.enqueue(ctx, jobs.InvoiceTask(updated.ID))
	}
	return updated, nil
}

// ListCustomerOrders returns a customer's orders, newest first. Customers
// only see their own; an empty customerID means the actor.
func (s *Service) ListCustomerOrders(ctx context.Context, actor domain.Actor, customerID string, limit int) ([]domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListCustomerOrders")
	defer span.End()

	customerID = strings.TrimSpace(customerID)
	switch actor.Role {
	case domain.RoleCustomer:
		if customerID == "" {
			customerID = actor.ID
		}
		if customerID != actor.ID {
			return nil, s.fail(span, "list customer orders", forbidden("customers can only list their own orders"))
		}
	case domain.RoleAdmin, domain.RoleSystem:
		if customerID == "" {
			return nil, s.fail(span, "list customer orders", domain.Invalid("customer_id", "required"))
		}
	default:
		return nil, s.fail(span, "list customer orders", forbidden("role cannot list customer orders"))
	}

	orders, err := s.repo.ListOrdersByCustomer(ctx, customerID, clampLimit(limit))
	if err != nil {
		return nil, s.fail(span, "list customer orders", err)
	}
	return orders, nil
}

// ListVendorOrders returns orders carrying at least one of the vendor's
// products.
func (s *Service) ListVendorOrders(ctx context.Context, actor domain.Actor, vendorID string, limit int) ([]domain.Order, error) {
	ctx, span := s.tracer.Start(ctx, "service.ListVendorOrders")
	defer span.End()

	vendorID = strings.TrimSpace(vendorID)
	switch actor.Role {
	case domain.RoleVendor:
		if vendorID == "" {
			vendorID = actor.ID
		}
		if vendorID != actor.ID {
			return nil, s.fail(span, "list vendor orders", forbidden("vendors can only list their own orders"))
		}
	case domain.RoleAdmin, domain.RoleSystem:
		if vendorID == "" {
			return nil, s.fail(span, "list vendor orders", domain.Invalid("vendor_id", "required"))
		}
	default:
		return nil, s.fail(span, "list vendor orders", forbidden("role cannot list vendor orders"))
	}

	orders, err := s.repo.ListOrdersByVendor(ctx, vendorID, clampLimit(limit))
	if err != nil {
		return nil, s.fail(span, "list vendor orders", err)
	}
	return orders, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
