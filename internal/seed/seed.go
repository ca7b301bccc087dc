package seed

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/inventory"
	"marketplace/backend/internal/store"
)

type account struct {
	id       string
	username string
	password string
	role     domain.Role
}

var demoAccounts = []account{
	{id: "admin-demo", username: "admin", password: "admin123", role: domain.RoleAdmin},
	{id: "vendor-demo", username: "vendor", password: "vendor123", role: domain.RoleVendor},
	{id: "vendor-crafts", username: "crafts", password: "crafts123", role: domain.RoleVendor},
	{id: "customer-demo", username: "customer", password: "customer123", role: domain.RoleCustomer},
}

type variantSeed struct {
	sku   string
	name  string
	price string
	stock int
}

type productSeed struct {
	vendorID  string
	sku       string
	name      string
	price     string
	salePrice string
	stock     int
	threshold int
	tracked   bool
	variants  []variantSeed
}

var demoProducts = []productSeed{
	{vendorID: "vendor-demo", sku: "MUG-CER-01", name: "Ceramic Mug", price: "12.50", stock: 40, threshold: 5, tracked: true},
	{vendorID: "vendor-demo", sku: "KET-STL-01", name: "Steel Kettle", price: "49.00", salePrice: "39.90", stock: 8, threshold: 3, tracked: true},
	{vendorID: "vendor-demo", sku: "TEE-ORG-01", name: "Organic Tee", price: "18.00", stock: 0, threshold: 0, tracked: true, variants: []variantSeed{
		{sku: "TEE-ORG-01-M", name: "M", stock: 12},
		{sku: "TEE-ORG-01-XL", name: "XL", price: "20.00", stock: 4},
	}},
	{vendorID: "vendor-crafts", sku: "BSK-RAT-01", name: "Rattan Basket", price: "27.75", stock: 6, threshold: 2, tracked: true},
	{vendorID: "vendor-crafts", sku: "PDF-PAT-01", name: "Knitting Pattern (PDF)", price: "4.99"},
}

type Summary struct {
	Users    int
	Products int
	Variants int
	Skipped  bool
	// SKU to product or variant ID.
	IDs map[string]string
}

// Demo loads demo accounts, products and opening stock. Stock arrives as
// purchase entries through the ledger. It does nothing when the admin account
// already exists.
func Demo(ctx context.Context, repo store.Repository, ledger *inventory.Ledger, logger *zap.Logger) (Summary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	_, err := repo.GetUserByUsername(ctx, demoAccounts[0].username)
	if err == nil {
		logger.Info("demo data already present")
		return Summary{Skipped: true}, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return Summary{}, fmt.Errorf("check demo admin: %w", err)
	}

	summary := Summary{IDs: make(map[string]string)}
	for _, acc := range demoAccounts {
		hash, err := bcrypt.GenerateFromPassword([]byte(acc.password), bcrypt.DefaultCost)
		if err != nil {
			return summary, fmt.Errorf("hash password for %s: %w", acc.username, err)
		}
		if err := repo.CreateUser(ctx, domain.UserAccount{
			ID:           acc.id,
			Username:     acc.username,
			PasswordHash: string(hash),
			Role:         acc.role,
			Active:       true,
		}); err != nil {
			return summary, fmt.Errorf("create user %s: %w", acc.username, err)
		}
		summary.Users++
	}

	for _, ps := range demoProducts {
		product := domain.Product{
			VendorID:          ps.vendorID,
			SKU:               ps.sku,
			Name:              ps.name,
			Price:             decimal.RequireFromString(ps.price),
			LowStockThreshold: ps.threshold,
			TrackInventory:    ps.tracked,
		}
		if ps.salePrice != "" {
			product.SalePrice = decimal.NewNullDecimal(decimal.RequireFromString(ps.salePrice))
		}
		created, err := repo.CreateProduct(ctx, product)
		if err != nil {
			return summary, fmt.Errorf("create product %s: %w", ps.sku, err)
		}
		summary.Products++
		summary.IDs[created.SKU] = created.ID
		if err := receive(ctx, ledger, created.ID, "", ps.stock); err != nil {
			return summary, err
		}

		for _, vs := range ps.variants {
			variant := domain.ProductVariant{ProductID: created.ID, SKU: vs.sku, Name: vs.name}
			if vs.price != "" {
				variant.Price = decimal.NewNullDecimal(decimal.RequireFromString(vs.price))
			}
			createdVariant, err := repo.CreateVariant(ctx, variant)
			if err != nil {
				return summary, fmt.Errorf("create variant %s: %w", vs.sku, err)
			}
			summary.Variants++
			summary.IDs[createdVariant.SKU] = createdVariant.ID
			if err := receive(ctx, ledger, created.ID, createdVariant.ID, vs.stock); err != nil {
				return summary, err
			}
		}
	}

	logger.Info("demo data seeded",
		zap.Int("users", summary.Users),
		zap.Int("products", summary.Products),
		zap.Int("variants", summary.Variants),
	)
	return summary, nil
}

func receive(ctx context.Context, ledger *inventory.Ledger, productID string, variantID string, qty int) error {
	if qty <= 0 {
		return nil
	}
	_, err := ledger.Post(ctx, inventory.PostRequest{
		ProductID: productID,
		VariantID: variantID,
		Type:      domain.TxPurchase,
		Quantity:  qty,
		ActorID:   domain.SystemActor().ID,
		Reference: "opening-stock",
	})
	if err != nil {
		return fmt.Errorf("opening stock for %s: %w", productID, err)
	}
	return nil
}
