package store

import (
	"context"
	"errors"
	"time"

	"marketplace/backend/internal/domain"
)

var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// Tx is the set of writes and locking reads that must share one atomic unit.
// Lock* methods hold the row until the transaction ends.
type Tx interface {
	LockProduct(ctx context.Context, productID string) (*domain.Product, error)
	LockVariant(ctx context.Context, variantID string) (*domain.ProductVariant, error)
	SetProductStock(ctx context.Context, productID string, qty int, at time.Time) error
	SetVariantStock(ctx context.Context, variantID string, qty int, at time.Time) error
	InsertLedgerEntry(ctx context.Context, entry domain.LedgerEntry) error

	// InsertOrder stores the order and its items. A duplicate order number
	// yields ErrConflict.
	InsertOrder(ctx context.Context, order domain.Order) error
	LockOrder(ctx context.Context, orderID string) (*domain.Order, error)
	UpdateOrder(ctx context.Context, order domain.Order) error
	InsertStatusChange(ctx context.Context, change domain.StatusChange) error
}

type Repository interface {
	// WithinTx runs fn in one transaction. Any error from fn, or a cancelled
	// ctx, rolls everything back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error)
	GetProduct(ctx context.Context, productID string) (*domain.Product, error)
	CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error)
	GetVariant(ctx context.Context, variantID string) (*domain.ProductVariant, error)

	GetOrder(ctx context.Context, orderID string) (*domain.Order, error)
	ListOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error)
	ListOrdersByVendor(ctx context.Context, vendorID string, limit int) ([]domain.Order, error)
	ListStatusChanges(ctx context.Context, orderID string) ([]domain.StatusChange, error)

	ListLedgerEntries(ctx context.Context, productID string, variantID string, limit int) ([]domain.LedgerEntry, error)
	SumLedger(ctx context.Context, productID string, variantID string) (int, error)

	GetInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error)
	// CreateInvoice allocates the next number for the invoice's issue year.
	// A second invoice for the same order yields ErrConflict.
	CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error)
	SetInvoiceDocument(ctx context.Context, invoiceID string, path string) error

	CreateUser(ctx context.Context, user domain.UserAccount) error
	GetUserByUsername(ctx context.Context, username string) (*domain.UserAccount, error)
}
