package sqlstore

import (
	"database/sql"
	"time"

	"github.com/shopspring/decimal"

	"marketplace/backend/internal/domain"
)

const productColumns = `id, vendor_id, sku, name, price, sale_price, stock_quantity, low_stock_threshold, track_inventory, created_at, updated_at`

type productRow struct {
	ID                string              `db:"id"`
	VendorID          string              `db:"vendor_id"`
	SKU               string              `db:"sku"`
	Name              string              `db:"name"`
	Price             decimal.Decimal     `db:"price"`
	SalePrice         decimal.NullDecimal `db:"sale_price"`
	StockQuantity     int                 `db:"stock_quantity"`
	LowStockThreshold int                 `db:"low_stock_threshold"`
	TrackInventory    bool                `db:"track_inventory"`
	CreatedAt         time.Time           `db:"created_at"`
	UpdatedAt         time.Time           `db:"updated_at"`
}

func (r productRow) toDomain() *domain.Product {
	return &domain.Product{
		ID:                r.ID,
		VendorID:          r.VendorID,
		SKU:               r.SKU,
		Name:              r.Name,
		Price:             r.Price,
		SalePrice:         r.SalePrice,
		StockQuantity:     r.StockQuantity,
		LowStockThreshold: r.LowStockThreshold,
		TrackInventory:    r.TrackInventory,
		CreatedAt:         r.CreatedAt.UTC(),
		UpdatedAt:         r.UpdatedAt.UTC(),
	}
}

const variantColumns = `id, product_id, sku, name, price, stock_quantity, created_at, updated_at`

type variantRow struct {
	ID            string              `db:"id"`
	ProductID     string              `db:"product_id"`
	SKU           string              `db:"sku"`
	Name          string              `db:"name"`
	Price         decimal.NullDecimal `db:"price"`
	StockQuantity int                 `db:"stock_quantity"`
	CreatedAt     time.Time           `db:"created_at"`
	UpdatedAt     time.Time           `db:"updated_at"`
}

func (r variantRow) toDomain() *domain.ProductVariant {
	return &domain.ProductVariant{
		ID:            r.ID,
		ProductID:     r.ProductID,
		SKU:           r.SKU,
		Name:          r.Name,
		Price:         r.Price,
		StockQuantity: r.StockQuantity,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

const orderColumns = `id, order_number, customer_id, status, payment_status, payment_method, payment_transaction_id,
	subtotal, tax, shipping_cost, discount, total,
	ship_name, ship_phone, ship_address_line1, ship_address_line2, ship_city, ship_postal_code, ship_country,
	notes, cancel_reason, paid_at, shipped_at, delivered_at, cancelled_at, version, created_at, updated_at`

type orderRow struct {
	ID                   string          `db:"id"`
	OrderNumber          string          `db:"order_number"`
	CustomerID           string          `db:"customer_id"`
	Status               string          `db:"status"`
	PaymentStatus        string          `db:"payment_status"`
	PaymentMethod        string          `db:"payment_method"`
	PaymentTransactionID sql.NullString  `db:"payment_transaction_id"`
	Subtotal             decimal.Decimal `db:"subtotal"`
	Tax                  decimal.Decimal `db:"tax"`
	ShippingCost         decimal.Decimal `db:"shipping_cost"`
	Discount             decimal.Decimal `db:"discount"`
	Total                decimal.Decimal `db:"total"`
	ShipName             string          `db:"ship_name"`
	ShipPhone            string          `db:"ship_phone"`
	ShipAddressLine1     string          `db:"ship_address_line1"`
	ShipAddressLine2     string          `db:"ship_address_line2"`
	ShipCity             string          `db:"ship_city"`
	ShipPostalCode       string          `db:"ship_postal_code"`
	ShipCountry          string          `db:"ship_country"`
	Notes                string          `db:"notes"`
	CancelReason         string          `db:"cancel_reason"`
	PaidAt               *time.Time      `db:"paid_at"`
	ShippedAt            *time.Time      `db:"shipped_at"`
	DeliveredAt          *time.Time      `db:"delivered_at"`
	CancelledAt          *time.Time      `db:"cancelled_at"`
	Version              int             `db:"version"`
	CreatedAt            time.Time       `db:"created_at"`
	UpdatedAt            time.Time       `db:"updated_at"`
}

func (r orderRow) toDomain() domain.Order {
	return domain.Order{
		ID:                   r.ID,
		OrderNumber:          r.OrderNumber,
		CustomerID:           r.CustomerID,
		Status:               domain.OrderStatus(r.Status),
		PaymentStatus:        domain.PaymentStatus(r.PaymentStatus),
		PaymentMethod:        r.PaymentMethod,
		PaymentTransactionID: r.PaymentTransactionID.String,
		Subtotal:             r.Subtotal,
		Tax:                  r.Tax,
		ShippingCost:         r.ShippingCost,
		Discount:             r.Discount,
		Total:                r.Total,
		Shipping: domain.ShippingInfo{
			Name:         r.ShipName,
			Phone:        r.ShipPhone,
			AddressLine1: r.ShipAddressLine1,
			AddressLine2: r.ShipAddressLine2,
			City:         r.ShipCity,
			PostalCode:   r.ShipPostalCode,
			Country:      r.ShipCountry,
		},
		Notes:        r.Notes,
		CancelReason: r.CancelReason,
		PaidAt:       utcPtr(r.PaidAt),
		ShippedAt:    utcPtr(r.ShippedAt),
		DeliveredAt:  utcPtr(r.DeliveredAt),
		CancelledAt:  utcPtr(r.CancelledAt),
		Version:      r.Version,
		CreatedAt:    r.CreatedAt.UTC(),
		UpdatedAt:    r.UpdatedAt.UTC(),
	}
}

const orderItemColumns = `id, order_id, product_id, variant_id, vendor_id, product_name, sku, variant_name, quantity, unit_price, subtotal`

type orderItemRow struct {
	ID          string          `db:"id"`
	OrderID     string          `db:"order_id"`
	ProductID   string          `db:"product_id"`
	VariantID   string          `db:"variant_id"`
	VendorID    string          `db:"vendor_id"`
	ProductName string          `db:"product_name"`
	SKU         string          `db:"sku"`
	VariantName string          `db:"variant_name"`
	Quantity    int             `db:"quantity"`
	UnitPrice   decimal.Decimal `db:"unit_price"`
	Subtotal    decimal.Decimal `db:"subtotal"`
}

func (r orderItemRow) toDomain() domain.OrderItem {
	return domain.OrderItem(r)
}

const ledgerColumns = `id, product_id, variant_id, type, quantity, balance_after, order_id, actor_id, reference, notes, created_at`

type ledgerRow struct {
	ID           string    `db:"id"`
	ProductID    string    `db:"product_id"`
	VariantID    string    `db:"variant_id"`
	Type         string    `db:"type"`
	Quantity     int       `db:"quantity"`
	BalanceAfter int       `db:"balance_after"`
	OrderID      string    `db:"order_id"`
	ActorID      string    `db:"actor_id"`
	Reference    string    `db:"reference"`
	Notes        string    `db:"notes"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r ledgerRow) toDomain() domain.LedgerEntry {
	return domain.LedgerEntry{
		ID:           r.ID,
		ProductID:    r.ProductID,
		VariantID:    r.VariantID,
		Type:         domain.TransactionType(r.Type),
		Quantity:     r.Quantity,
		BalanceAfter: r.BalanceAfter,
		OrderID:      r.OrderID,
		ActorID:      r.ActorID,
		Reference:    r.Reference,
		Notes:        r.Notes,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

const statusChangeColumns = `id, order_id, from_status, to_status, actor_id, actor_role, notes, created_at`

type statusChangeRow struct {
	ID         string    `db:"id"`
	OrderID    string    `db:"order_id"`
	FromStatus string    `db:"from_status"`
	ToStatus   string    `db:"to_status"`
	ActorID    string    `db:"actor_id"`
	ActorRole  string    `db:"actor_role"`
	Notes      string    `db:"notes"`
	CreatedAt  time.Time `db:"created_at"`
}

func (r statusChangeRow) toDomain() domain.StatusChange {
	return domain.StatusChange{
		ID:         r.ID,
		OrderID:    r.OrderID,
		FromStatus: r.FromStatus,
		ToStatus:   r.ToStatus,
		ActorID:    r.ActorID,
		ActorRole:  domain.Role(r.ActorRole),
		Notes:      r.Notes,
		CreatedAt:  r.CreatedAt.UTC(),
	}
}

const invoiceColumns = `id, order_id, customer_id, invoice_number, amount, status, issued_at, due_at, document_path, created_at`

type invoiceRow struct {
	ID            string          `db:"id"`
	OrderID       string          `db:"order_id"`
	CustomerID    string          `db:"customer_id"`
	InvoiceNumber string          `db:"invoice_number"`
	Amount        decimal.Decimal `db:"amount"`
	Status        string          `db:"status"`
	IssuedAt      time.Time       `db:"issued_at"`
	DueAt         time.Time       `db:"due_at"`
	DocumentPath  string          `db:"document_path"`
	CreatedAt     time.Time       `db:"created_at"`
}

func (r invoiceRow) toDomain() *domain.Invoice {
	return &domain.Invoice{
		ID:            r.ID,
		OrderID:       r.OrderID,
		CustomerID:    r.CustomerID,
		InvoiceNumber: r.InvoiceNumber,
		Amount:        r.Amount,
		Status:        domain.InvoiceStatus(r.Status),
		IssuedAt:      r.IssuedAt.UTC(),
		DueAt:         r.DueAt.UTC(),
		DocumentPath:  r.DocumentPath,
		CreatedAt:     r.CreatedAt.UTC(),
	}
}

type userRow struct {
	ID           string    `db:"id"`
	Username     string    `db:"username"`
	PasswordHash string    `db:"password_hash"`
	Role         string    `db:"role"`
	Active       bool      `db:"active"`
	CreatedAt    time.Time `db:"created_at"`
}

func (r userRow) toDomain() *domain.UserAccount {
	return &domain.UserAccount{
		ID:           r.ID,
		Username:     r.Username,
		PasswordHash: r.PasswordHash,
		Role:         domain.Role(r.Role),
		Active:       r.Active,
		CreatedAt:    r.CreatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return val.UTC()
}
