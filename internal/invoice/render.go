package invoice

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"marketplace/backend/internal/domain"
)

type Document struct {
	Invoice domain.Invoice
	Order   domain.Order
}

// Renderer turns an invoice into a binary artifact.
type Renderer interface {
	Render(ctx context.Context, doc Document) ([]byte, error)
	Extension() string
}

const invoiceSheet = "Invoice"

// ExcelRenderer writes a single-sheet xlsx workbook.
type ExcelRenderer struct{}

func (ExcelRenderer) Extension() string { return ".xlsx" }

func (ExcelRenderer) Render(ctx context.Context, doc Document) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", invoiceSheet); err != nil {
		return nil, err
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, err
	}
	money, err := f.NewStyle(&excelize.Style{NumFmt: 4})
	if err != nil {
		return nil, err
	}

	inv, order := doc.Invoice, doc.Order
	header := [][2]any{
		{"Invoice", inv.InvoiceNumber},
		{"Order", order.OrderNumber},
		{"Status", string(inv.Status)},
		{"Issued", inv.IssuedAt.Format("2006-01-02")},
		{"Due", inv.DueAt.Format("2006-01-02")},
		{"Bill to", order.Shipping.Name},
	}
	for i, row := range header {
		if err := setRow(f, i+1, row[0], row[1]); err != nil {
			return nil, err
		}
	}
	if err := f.SetCellStyle(invoiceSheet, "A1", fmt.Sprintf("A%d", len(header)), bold); err != nil {
		return nil, err
	}

	tableStart := len(header) + 2
	if err := setRow(f, tableStart, "SKU", "Product", "Variant", "Qty", "Unit price", "Subtotal"); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(invoiceSheet, fmt.Sprintf("A%d", tableStart), fmt.Sprintf("F%d", tableStart), bold); err != nil {
		return nil, err
	}

	row := tableStart + 1
	for _, item := range order.Items {
		if err := setRow(f, row, item.SKU, item.ProductName, item.VariantName, item.Quantity,
			item.UnitPrice.InexactFloat64(), item.Subtotal.InexactFloat64()); err != nil {
			return nil, err
		}
		row++
	}

	row++
	totalsStart := row
	for _, line := range []struct {
		label string
		value float64
	}{
		{"Subtotal", order.Subtotal.InexactFloat64()},
		{"Tax", order.Tax.InexactFloat64()},
		{"Shipping", order.ShippingCost.InexactFloat64()},
		{"Discount", order.Discount.Neg().InexactFloat64()},
		{"Total", inv.Amount.InexactFloat64()},
	} {
		if err := setCell(f, 5, row, line.label); err != nil {
			return nil, err
		}
		if err := setCell(f, 6, row, line.value); err != nil {
			return nil, err
		}
		row++
	}
	if err := f.SetCellStyle(invoiceSheet, fmt.Sprintf("E%d", tableStart+1), fmt.Sprintf("F%d", row-1), money); err != nil {
		return nil, err
	}
	if err := f.SetCellStyle(invoiceSheet, fmt.Sprintf("E%d", totalsStart), fmt.Sprintf("E%d", row-1), bold); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(invoiceSheet, "A", "F", 18); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func setRow(f *excelize.File, row int, values ...any) error {
	for col, value := range values {
		if err := setCell(f, col+1, row, value); err != nil {
			return err
		}
	}
	return nil
}

func setCell(f *excelize.File, col int, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(invoiceSheet, cell, value)
}
