package service

import (
	"github.com/shopspring/decimal"

	"marketplace/backend/internal/domain"
)

type Quote struct {
	Tax          decimal.Decimal
	ShippingCost decimal.Decimal
}

// PricingPolicy supplies the default tax and shipping for a new order.
// Explicit overrides on the request take precedence.
type PricingPolicy interface {
	Quote(subtotal decimal.Decimal, items []domain.OrderItem) Quote
}

// FlatPricing charges TaxRate of the subtotal and a flat shipping cost.
type FlatPricing struct {
	TaxRate      decimal.Decimal
	ShippingCost decimal.Decimal
}

func DefaultPricing() FlatPricing {
	return FlatPricing{
		TaxRate:      decimal.RequireFromString("0.10"),
		ShippingCost: decimal.RequireFromString("15"),
	}
}

func (p FlatPricing) Quote(subtotal decimal.Decimal, _ []domain.OrderItem) Quote {
	return Quote{
		Tax:          domain.RoundMoney(subtotal.Mul(p.TaxRate)),
		ShippingCost: domain.RoundMoney(p.ShippingCost),
	}
}
