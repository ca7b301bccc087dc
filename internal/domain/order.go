package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderProcessing OrderStatus = "processing"
	OrderShipped    OrderStatus = "shipped"
	OrderDelivered  OrderStatus = "delivered"
	OrderCancelled  OrderStatus = "cancelled"
	OrderReturned   OrderStatus = "returned"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderPending:    {OrderProcessing, OrderCancelled},
	OrderProcessing: {OrderShipped, OrderCancelled},
	OrderShipped:    {OrderDelivered, OrderReturned},
	OrderDelivered:  {OrderReturned},
	OrderCancelled:  nil,
	OrderReturned:   nil,
}

// OrderStatuses lists every order status in lifecycle order.
func OrderStatuses() []OrderStatus {
	return []OrderStatus{OrderPending, OrderProcessing, OrderShipped, OrderDelivered, OrderCancelled, OrderReturned}
}

func (s OrderStatus) Valid() bool {
	_, ok := orderTransitions[s]
	return ok
}

// RestoresStock reports whether entering s puts every sold unit back on hand.
func (s OrderStatus) RestoresStock() bool {
	return s == OrderCancelled || s == OrderReturned
}

func CanTransition(from OrderStatus, to OrderStatus) bool {
	for _, next := range orderTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type PaymentStatus string

const (
	PaymentPending  PaymentStatus = "pending"
	PaymentPaid     PaymentStatus = "paid"
	PaymentFailed   PaymentStatus = "failed"
	PaymentRefunded PaymentStatus = "refunded"
)

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentPending:  {PaymentPaid, PaymentFailed},
	PaymentFailed:   {PaymentPending, PaymentPaid},
	PaymentPaid:     {PaymentRefunded},
	PaymentRefunded: nil,
}

func (s PaymentStatus) Valid() bool {
	_, ok := paymentTransitions[s]
	return ok
}

func CanTransitionPayment(from PaymentStatus, to PaymentStatus) bool {
	for _, next := range paymentTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CanCancel is true only while nothing has left the warehouse.
func (o *Order) CanCancel() bool {
	return o.Status == OrderPending || o.Status == OrderProcessing
}

// ApplyTransition moves the order to the given status and stamps the matching
// timestamp. It never touches inventory; on failure the order is unchanged.
func (o *Order) ApplyTransition(to OrderStatus, at time.Time) error {
	if !CanTransition(o.Status, to) {
		return &InvalidTransitionError{From: string(o.Status), To: string(to)}
	}

	at = at.UTC()
	o.Status = to
	switch to {
	case OrderShipped:
		o.ShippedAt = &at
	case OrderDelivered:
		o.DeliveredAt = &at
	case OrderCancelled:
		o.CancelledAt = &at
	}
	o.UpdatedAt = at
	o.Version++
	return nil
}

// ApplyPayment moves the payment status. Re-applying the current status is a
// no-op and reports changed=false.
func (o *Order) ApplyPayment(to PaymentStatus, transactionID string, at time.Time) (changed bool, err error) {
	if !to.Valid() {
		return false, Invalid("payment_status", fmt.Sprintf("unknown payment status %q", to))
	}
	if o.PaymentStatus == to {
		return false, nil
	}
	if !CanTransitionPayment(o.PaymentStatus, to) {
		return false, &InvalidTransitionError{From: string(o.PaymentStatus), To: string(to)}
	}

	at = at.UTC()
	o.PaymentStatus = to
	if transactionID != "" {
		o.PaymentTransactionID = transactionID
	}
	if to == PaymentPaid {
		o.PaidAt = &at
	}
	o.UpdatedAt = at
	o.Version++
	return true, nil
}

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// Recalculate derives item subtotals, the order subtotal and the total from
// the current lines, tax, shipping cost and discount.
func (o *Order) Recalculate() {
	subtotal := decimal.Zero
	for i := range o.Items {
		item := &o.Items[i]
		item.Subtotal = RoundMoney(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		subtotal = subtotal.Add(item.Subtotal)
	}
	o.Subtotal = RoundMoney(subtotal)
	o.Tax = RoundMoney(o.Tax)
	o.ShippingCost = RoundMoney(o.ShippingCost)
	o.Discount = RoundMoney(o.Discount)
	o.Total = ComputeTotal(o.Subtotal, o.Tax, o.ShippingCost, o.Discount)
}

func ComputeTotal(subtotal, tax, shipping, discount decimal.Decimal) decimal.Decimal {
	return RoundMoney(subtotal.Add(tax).Add(shipping).Sub(discount))
}

// CheckTotals verifies total = subtotal + tax + shipping_cost - discount and
// that the subtotal matches the lines.
func (o *Order) CheckTotals() error {
	lines := decimal.Zero
	for _, item := range o.Items {
		expected := RoundMoney(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity))))
		if !item.Subtotal.Equal(expected) {
			return fmt.Errorf("order %s: item %s subtotal %s, want %s", o.ID, item.SKU, item.Subtotal, expected)
		}
		lines = lines.Add(item.Subtotal)
	}
	if len(o.Items) > 0 && !o.Subtotal.Equal(lines) {
		return fmt.Errorf("order %s: subtotal %s, lines sum to %s", o.ID, o.Subtotal, lines)
	}
	want := ComputeTotal(o.Subtotal, o.Tax, o.ShippingCost, o.Discount)
	if !o.Total.Equal(want) {
		return fmt.Errorf("order %s: total %s, want %s", o.ID, o.Total, want)
	}
	return nil
}
