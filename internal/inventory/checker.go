package inventory

import (
	"context"
	"sort"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/store"
)

type lineKey struct {
	productID string
	variantID string
}

// Line is one merged request line with the rows it resolves to.
type Line struct {
	Product  *domain.Product
	Variant  *domain.ProductVariant
	Quantity int
}

func (l Line) Available() int {
	if l.Variant != nil {
		return l.Variant.StockQuantity
	}
	return l.Product.StockQuantity
}

func (l Line) SKU() string {
	if l.Variant != nil {
		return l.Variant.SKU
	}
	return l.Product.SKU
}

type Evaluation struct {
	Lines      []Line
	Shortfalls []domain.Shortfall
}

// Checker compares requested quantities with current balances.
type Checker struct {
	repo store.Repository
}

func NewChecker(repo store.Repository) *Checker {
	return &Checker{repo: repo}
}

// CheckAvailability is an advisory read without locks. Callers that act on
// the answer must re-check inside their transaction with CheckTx.
func (c *Checker) CheckAvailability(ctx context.Context, items []domain.ItemRequest) ([]domain.Shortfall, error) {
	merged, err := MergeItems(items)
	if err != nil {
		return nil, err
	}

	lines := make([]Line, 0, len(merged))
	for _, item := range merged {
		product, err := c.repo.GetProduct(ctx, item.ProductID)
		if err != nil {
			return nil, translate("check availability", lookupErr("product", item.ProductID, err))
		}
		line := Line{Product: product, Quantity: item.Quantity}
		if item.VariantID != "" {
			variant, err := c.repo.GetVariant(ctx, item.VariantID)
			if err != nil {
				return nil, translate("check availability", lookupErr("variant", item.VariantID, err))
			}
			if variant.ProductID != product.ID {
				return nil, &domain.NotFoundError{Entity: "variant", ID: item.VariantID}
			}
			line.Variant = variant
		}
		lines = append(lines, line)
	}
	return shortfalls(lines), nil
}

// CheckTx locks every requested row, in key order, and evaluates the request
// against the locked balances.
func (c *Checker) CheckTx(ctx context.Context, tx store.Tx, items []domain.ItemRequest) (Evaluation, error) {
	merged, err := MergeItems(items)
	if err != nil {
		return Evaluation{}, err
	}

	eval := Evaluation{Lines: make([]Line, 0, len(merged))}
	for _, item := range merged {
		product, err := tx.LockProduct(ctx, item.ProductID)
		if err != nil {
			return Evaluation{}, lookupErr("product", item.ProductID, err)
		}
		line := Line{Product: product, Quantity: item.Quantity}
		if item.VariantID != "" {
			variant, err := tx.LockVariant(ctx, item.VariantID)
			if err != nil {
				return Evaluation{}, lookupErr("variant", item.VariantID, err)
			}
			if variant.ProductID != product.ID {
				return Evaluation{}, &domain.NotFoundError{Entity: "variant", ID: item.VariantID}
			}
			line.Variant = variant
		}
		eval.Lines = append(eval.Lines, line)
	}
	eval.Shortfalls = shortfalls(eval.Lines)
	return eval, nil
}

func shortfalls(lines []Line) []domain.Shortfall {
	out := make([]domain.Shortfall, 0)
	for _, line := range lines {
		if !line.Product.TrackInventory {
			continue
		}
		if available := line.Available(); available < line.Quantity {
			variantID := ""
			if line.Variant != nil {
				variantID = line.Variant.ID
			}
			out = append(out, domain.Shortfall{
				ProductID: line.Product.ID,
				VariantID: variantID,
				SKU:       line.SKU(),
				Requested: line.Quantity,
				Available: available,
			})
		}
	}
	return out
}

// MergeItems validates request lines, sums duplicates of the same
// product/variant and returns them sorted by key.
func MergeItems(items []domain.ItemRequest) ([]domain.ItemRequest, error) {
	if len(items) == 0 {
		return nil, domain.Invalid("items", "at least one item is required")
	}

	merged := make(map[lineKey]int, len(items))
	for _, item := range items {
		if item.ProductID == "" {
			return nil, domain.Invalid("items.product_id", "required")
		}
		if item.Quantity < 1 {
			return nil, domain.Invalid("items.quantity", "must be at least 1")
		}
		merged[lineKey{productID: item.ProductID, variantID: item.VariantID}] += item.Quantity
	}

	keys := make([]lineKey, 0, len(merged))
	for key := range merged {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].productID != keys[j].productID {
			return keys[i].productID < keys[j].productID
		}
		return keys[i].variantID < keys[j].variantID
	})

	out := make([]domain.ItemRequest, 0, len(keys))
	for _, key := range keys {
		out = append(out, domain.ItemRequest{ProductID: key.productID, VariantID: key.variantID, Quantity: merged[key]})
	}
	return out, nil
}
