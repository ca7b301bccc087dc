package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/xid"
)

const defaultListLimit = 50

// Store keeps everything in maps guarded by one mutex. WithinTx holds the
// write lock for the whole transaction, which serializes writers the same way
// row locks do in the SQL store.
type Store struct {
	mu              sync.RWMutex
	products        map[string]domain.Product
	variants        map[string]domain.ProductVariant
	skus            map[string]string
	orders          map[string]domain.Order
	orderNumbers    map[string]string
	statusChanges   map[string][]domain.StatusChange
	ledger          []domain.LedgerEntry
	invoicesByOrder map[string]domain.Invoice
	invoiceSeq      map[int]int64
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		products:        make(map[string]domain.Product),
		variants:        make(map[string]domain.ProductVariant),
		skus:            make(map[string]string),
		orders:          make(map[string]domain.Order),
		orderNumbers:    make(map[string]string),
		statusChanges:   make(map[string][]domain.StatusChange),
		ledger:          make([]domain.LedgerEntry, 0, 256),
		invoicesByOrder: make(map[string]domain.Invoice),
		invoiceSeq:      make(map[int]int64),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(ctx, tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *Store) CreateProduct(_ context.Context, product domain.Product) (*domain.Product, error) {
	product.SKU = strings.TrimSpace(product.SKU)
	if err := product.Validate(); err != nil {
		return nil, err
	}
	if product.ID == "" {
		product.ID = xid.New()
	}
	now := time.Now().UTC()
	if product.CreatedAt.IsZero() {
		product.CreatedAt = now
	}
	product.UpdatedAt = now
	// Stock only ever arrives through ledger entries.
	product.StockQuantity = 0

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.products[product.ID]; exists {
		return nil, store.ErrConflict
	}
	if _, exists := s.skus[product.SKU]; exists {
		return nil, store.ErrConflict
	}
	s.products[product.ID] = product
	s.skus[product.SKU] = product.ID
	return &product, nil
}

func (s *Store) GetProduct(_ context.Context, productID string) (*domain.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[productID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &product, nil
}

func (s *Store) CreateVariant(_ context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	variant.SKU = strings.TrimSpace(variant.SKU)
	if err := variant.Validate(); err != nil {
		return nil, err
	}
	if variant.ID == "" {
		variant.ID = xid.New()
	}
	now := time.Now().UTC()
	if variant.CreatedAt.IsZero() {
		variant.CreatedAt = now
	}
	variant.UpdatedAt = now
	variant.StockQuantity = 0

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.products[variant.ProductID]; !ok {
		return nil, store.ErrNotFound
	}
	if _, exists := s.variants[variant.ID]; exists {
		return nil, store.ErrConflict
	}
	if _, exists := s.skus[variant.SKU]; exists {
		return nil, store.ErrConflict
	}
	s.variants[variant.ID] = variant
	s.skus[variant.SKU] = variant.ID
	return &variant, nil
}

func (s *Store) GetVariant(_ context.Context, variantID string) (*domain.ProductVariant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	variant, ok := s.variants[variantID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &variant, nil
}

func (s *Store) GetOrder(_ context.Context, orderID string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	order, ok := s.orders[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cloned := cloneOrder(order)
	return &cloned, nil
}

func (s *Store) ListOrdersByCustomer(_ context.Context, customerID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectOrders(limit, func(o domain.Order) bool {
		return o.CustomerID == customerID
	}), nil
}

func (s *Store) ListOrdersByVendor(_ context.Context, vendorID string, limit int) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.collectOrders(limit, func(o domain.Order) bool {
		return o.HasVendor(vendorID)
	}), nil
}

func (s *Store) collectOrders(limit int, match func(domain.Order) bool) []domain.Order {
	if limit <= 0 {
		limit = defaultListLimit
	}
	result := make([]domain.Order, 0, 16)
	for _, order := range s.orders {
		if match(order) {
			result = append(result, cloneOrder(order))
		}
	}
	slices.SortFunc(result, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(b.ID, a.ID)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result
}

func (s *Store) ListStatusChanges(_ context.Context, orderID string) ([]domain.StatusChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.statusChanges[orderID]), nil
}

func (s *Store) ListLedgerEntries(_ context.Context, productID string, variantID string, limit int) ([]domain.LedgerEntry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.LedgerEntry, 0, 16)
	for i := len(s.ledger) - 1; i >= 0 && len(result) < limit; i-- {
		entry := s.ledger[i]
		if entry.ProductID == productID && entry.VariantID == variantID {
			result = append(result, entry)
		}
	}
	return result, nil
}

func (s *Store) SumLedger(_ context.Context, productID string, variantID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := 0
	for _, entry := range s.ledger {
		if entry.ProductID == productID && entry.VariantID == variantID {
			sum += entry.Quantity
		}
	}
	return sum, nil
}

func (s *Store) GetInvoiceByOrder(_ context.Context, orderID string) (*domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	invoice, ok := s.invoicesByOrder[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &invoice, nil
}

func (s *Store) CreateInvoice(_ context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
	if invoice.OrderID == "" {
		return nil, domain.Invalid("order_id", "required")
	}
	if invoice.ID == "" {
		invoice.ID = xid.New()
	}
	if invoice.IssuedAt.IsZero() {
		invoice.IssuedAt = time.Now().UTC()
	}
	if invoice.CreatedAt.IsZero() {
		invoice.CreatedAt = invoice.IssuedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoicesByOrder[invoice.OrderID]; exists {
		return nil, store.ErrConflict
	}
	year := invoice.IssuedAt.UTC().Year()
	s.invoiceSeq[year]++
	invoice.InvoiceNumber = xid.InvoiceNumber(year, s.invoiceSeq[year])
	s.invoicesByOrder[invoice.OrderID] = invoice
	return &invoice, nil
}

func (s *Store) SetInvoiceDocument(_ context.Context, invoiceID string, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for orderID, invoice := range s.invoicesByOrder {
		if invoice.ID == invoiceID {
			invoice.DocumentPath = path
			s.invoicesByOrder[orderID] = invoice
			return nil
		}
	}
	return store.ErrNotFound
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	user.Username = strings.ToLower(strings.TrimSpace(user.Username))
	if user.Username == "" || user.PasswordHash == "" {
		return domain.Invalid("user", "username and password are required")
	}
	if user.ID == "" {
		user.ID = xid.New()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.usersByUsername[user.Username]; exists {
		return store.ErrConflict
	}
	s.usersByUsername[user.Username] = user
	return nil
}

func (s *Store) GetUserByUsername(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func cloneOrder(src domain.Order) domain.Order {
	dst := src
	dst.Items = slices.Clone(src.Items)
	dst.PaidAt = cloneTime(src.PaidAt)
	dst.ShippedAt = cloneTime(src.ShippedAt)
	dst.DeliveredAt = cloneTime(src.DeliveredAt)
	dst.CancelledAt = cloneTime(src.CancelledAt)
	return dst
}

func cloneTime(src *time.Time) *time.Time {
	if src == nil {
		return nil
	}
	t := *src
	return &t
}
