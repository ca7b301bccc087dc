package sqlstore

import (
	"context"
	"strings"
	"time"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/xid"
)

func (s *Store) CreateProduct(ctx context.Context, product domain.Product) (*domain.Product, error) {
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
	product.StockQuantity = 0

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO products (`+productColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)
	`), product.ID, product.VendorID, product.SKU, product.Name, product.Price, product.SalePrice,
		product.StockQuantity, product.LowStockThreshold, product.TrackInventory, product.CreatedAt, product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &product, nil
}

func (s *Store) GetProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var row productRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+productColumns+` FROM products WHERE id = ?`), productID)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) CreateVariant(ctx context.Context, variant domain.ProductVariant) (*domain.ProductVariant, error) {
	variant.SKU = strings.TrimSpace(variant.SKU)
	if err := variant.Validate(); err != nil {
		return nil, err
	}
	if _, err := s.GetProduct(ctx, variant.ProductID); err != nil {
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

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO product_variants (`+variantColumns+`)
		VALUES (?,?,?,?,?,?,?,?)
	`), variant.ID, variant.ProductID, variant.SKU, variant.Name, variant.Price, variant.StockQuantity, variant.CreatedAt, variant.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &variant, nil
}

func (s *Store) GetVariant(ctx context.Context, variantID string) (*domain.ProductVariant, error) {
	var row variantRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+variantColumns+` FROM product_variants WHERE id = ?`), variantID)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) ListLedgerEntries(ctx context.Context, productID string, variantID string, limit int) ([]domain.LedgerEntry, error) {
	rows := make([]ledgerRow, 0, 16)
	err := s.db.SelectContext(ctx, &rows, s.rebind(`
		SELECT `+ledgerColumns+`
		FROM inventory_ledger
		WHERE product_id = ? AND variant_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`), productID, variantID, clampLimit(limit))
	if err != nil {
		return nil, err
	}

	entries := make([]domain.LedgerEntry, 0, len(rows))
	for _, row := range rows {
		entries = append(entries, row.toDomain())
	}
	return entries, nil
}

func (s *Store) SumLedger(ctx context.Context, productID string, variantID string) (int, error) {
	var sum int
	err := s.db.GetContext(ctx, &sum, s.rebind(`
		SELECT COALESCE(SUM(quantity), 0)
		FROM inventory_ledger
		WHERE product_id = ? AND variant_id = ?
	`), productID, variantID)
	return sum, err
}
