package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleVendor   Role = "vendor"
	RoleCustomer Role = "customer"
	RoleSystem   Role = "system"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleVendor, RoleCustomer, RoleSystem:
		return true
	}
	return false
}

// Actor identifies who drives an operation. It is passed explicitly into every
// orchestrator call.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

func SystemActor() Actor {
	return Actor{ID: "system", Role: RoleSystem}
}

func (a Actor) IsPrivileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}

type Product struct {
	ID                string              `json:"id"`
	VendorID          string              `json:"vendor_id"`
	SKU               string              `json:"sku"`
	Name              string              `json:"name"`
	Price             decimal.Decimal     `json:"price"`
	SalePrice         decimal.NullDecimal `json:"sale_price"`
	StockQuantity     int                 `json:"stock_quantity"`
	LowStockThreshold int                 `json:"low_stock_threshold"`
	TrackInventory    bool                `json:"track_inventory"`
	CreatedAt         time.Time           `json:"created_at"`
	UpdatedAt         time.Time           `json:"updated_at"`
}

// EffectivePrice is the sale price when one is set, otherwise the list price.
func (p Product) EffectivePrice() decimal.Decimal {
	if p.SalePrice.Valid {
		return p.SalePrice.Decimal
	}
	return p.Price
}

// Validate checks the catalog rules a product must satisfy before it is
// stored: required identity fields, a non-negative price and a sale price
// strictly below the list price.
func (p Product) Validate() error {
	if strings.TrimSpace(p.SKU) == "" || p.Name == "" || p.VendorID == "" {
		return Invalid("product", "sku, name and vendor are required")
	}
	if p.Price.IsNegative() {
		return Invalid("price", "must not be negative")
	}
	if p.SalePrice.Valid {
		if p.SalePrice.Decimal.IsNegative() {
			return Invalid("sale_price", "must not be negative")
		}
		if !p.SalePrice.Decimal.LessThan(p.Price) {
			return Invalid("sale_price", "must be below price")
		}
	}
	if p.LowStockThreshold < 0 {
		return Invalid("low_stock_threshold", "must not be negative")
	}
	return nil
}

type ProductVariant struct {
	ID            string              `json:"id"`
	ProductID     string              `json:"product_id"`
	SKU           string              `json:"sku"`
	Name          string              `json:"name"`
	Price         decimal.NullDecimal `json:"price"`
	StockQuantity int                 `json:"stock_quantity"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

func (v ProductVariant) Validate() error {
	if strings.TrimSpace(v.SKU) == "" || v.ProductID == "" {
		return Invalid("variant", "sku and product are required")
	}
	if v.Price.Valid && v.Price.Decimal.IsNegative() {
		return Invalid("price", "must not be negative")
	}
	return nil
}

type ShippingInfo struct {
	Name         string `json:"name"`
	Phone        string `json:"phone"`
	AddressLine1 string `json:"address_line1"`
	AddressLine2 string `json:"address_line2,omitempty"`
	City         string `json:"city"`
	PostalCode   string `json:"postal_code"`
	Country      string `json:"country"`
}

type Order struct {
	ID                   string          `json:"id"`
	OrderNumber          string          `json:"order_number"`
	CustomerID           string          `json:"customer_id"`
	Status               OrderStatus     `json:"status"`
	PaymentStatus        PaymentStatus   `json:"payment_status"`
	PaymentMethod        string          `json:"payment_method"`
	PaymentTransactionID string          `json:"payment_transaction_id,omitempty"`
	Subtotal             decimal.Decimal `json:"subtotal"`
	Tax                  decimal.Decimal `json:"tax"`
	ShippingCost         decimal.Decimal `json:"shipping_cost"`
	Discount             decimal.Decimal `json:"discount"`
	Total                decimal.Decimal `json:"total"`
	Shipping             ShippingInfo    `json:"shipping"`
	Notes                string          `json:"notes,omitempty"`
	CancelReason         string          `json:"cancel_reason,omitempty"`
	PaidAt               *time.Time      `json:"paid_at,omitempty"`
	ShippedAt            *time.Time      `json:"shipped_at,omitempty"`
	DeliveredAt          *time.Time      `json:"delivered_at,omitempty"`
	CancelledAt          *time.Time      `json:"cancelled_at,omitempty"`
	// Version counts committed mutations, starting at 1 on placement.
	Version              int             `json:"version"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Items                []OrderItem     `json:"items"`
}

// OrderItem keeps an immutable snapshot of what was sold. ProductID and
// VariantID resolve the catalog row by lookup; nothing points back live.
type OrderItem struct {
	ID          string          `json:"id"`
	OrderID     string          `json:"order_id"`
	ProductID   string          `json:"product_id"`
	VariantID   string          `json:"variant_id,omitempty"`
	VendorID    string          `json:"vendor_id"`
	ProductName string          `json:"product_name"`
	SKU         string          `json:"sku"`
	VariantName string          `json:"variant_name,omitempty"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Subtotal    decimal.Decimal `json:"subtotal"`
}

func (o Order) HasVendor(vendorID string) bool {
	if vendorID == "" {
		return false
	}
	for _, item := range o.Items {
		if item.VendorID == vendorID {
			return true
		}
	}
	return false
}

type TransactionType string

const (
	TxPurchase   TransactionType = "purchase"
	TxSale       TransactionType = "sale"
	TxAdjustment TransactionType = "adjustment"
	TxReturn     TransactionType = "return"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxPurchase, TxSale, TxAdjustment, TxReturn:
		return true
	}
	return false
}

// LedgerEntry is an append-only stock movement. Entries are never updated or
// deleted; corrections are new adjustment entries.
type LedgerEntry struct {
	ID           string          `json:"id"`
	ProductID    string          `json:"product_id"`
	VariantID    string          `json:"variant_id,omitempty"`
	Type         TransactionType `json:"type"`
	Quantity     int             `json:"quantity"`
	BalanceAfter int             `json:"balance_after"`
	OrderID      string          `json:"order_id,omitempty"`
	ActorID      string          `json:"actor_id,omitempty"`
	Reference    string          `json:"reference,omitempty"`
	Notes        string          `json:"notes,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
}

type InvoiceStatus string

const (
	InvoiceDraft     InvoiceStatus = "draft"
	InvoicePending   InvoiceStatus = "pending"
	InvoicePaid      InvoiceStatus = "paid"
	InvoiceOverdue   InvoiceStatus = "overdue"
	InvoiceCancelled InvoiceStatus = "cancelled"
)

type Invoice struct {
	ID            string          `json:"id"`
	OrderID       string          `json:"order_id"`
	CustomerID    string          `json:"customer_id"`
	InvoiceNumber string          `json:"invoice_number"`
	Amount        decimal.Decimal `json:"amount"`
	Status        InvoiceStatus   `json:"status"`
	IssuedAt      time.Time       `json:"issued_at"`
	DueAt         time.Time       `json:"due_at"`
	DocumentPath  string          `json:"document_path,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// StatusChange is one row of an order's audit trail, written in the same
// transaction as the transition it records.
type StatusChange struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	ActorID    string    `json:"actor_id"`
	ActorRole  Role      `json:"actor_role"`
	Notes      string    `json:"notes,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UserAccount is an internal persistence model for auth credentials.
type UserAccount struct {
	ID           string
	Username     string
	PasswordHash string
	Role         Role
	Active       bool
	CreatedAt    time.Time
}

type ItemRequest struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	Quantity  int    `json:"quantity"`
}

type Shortfall struct {
	ProductID string `json:"product_id"`
	VariantID string `json:"variant_id,omitempty"`
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

type LowStockEvent struct {
	ProductID  string    `json:"product_id"`
	VendorID   string    `json:"vendor_id"`
	SKU        string    `json:"sku"`
	Balance    int       `json:"balance"`
	Threshold  int       `json:"threshold"`
	OccurredAt time.Time `json:"occurred_at"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        Role   `json:"role"`
	ExpiresAt   string `json:"expires_at"`
}
