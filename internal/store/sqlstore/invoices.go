package sqlstore

import (
	"context"
	"time"

	"marketplace/backend/internal/domain"
	"marketplace/backend/internal/store"
	"marketplace/backend/internal/xid"
)

func (s *Store) GetInvoiceByOrder(ctx context.Context, orderID string) (*domain.Invoice, error) {
	var row invoiceRow
	err := s.db.GetContext(ctx, &row, s.rebind(`SELECT `+invoiceColumns+` FROM invoices WHERE order_id = ?`), orderID)
	if err != nil {
		return nil, notFound(err)
	}
	return row.toDomain(), nil
}

func (s *Store) nextInvoiceSequenceSQL() string {
	if s.dialect == Postgres {
		return `
			INSERT INTO invoice_sequences (year, last_value) VALUES (?, 1)
			ON CONFLICT (year) DO UPDATE SET last_value = invoice_sequences.last_value + 1
			RETURNING last_value`
	}
	return `
		INSERT INTO invoice_sequences (year, last_value) VALUES (?, 1)
		ON CONFLICT (year) DO UPDATE SET last_value = last_value + 1
		RETURNING last_value`
}

// CreateInvoice takes the next number for the issue year and inserts the
// invoice in one transaction, so a rejected duplicate does not burn a number.
func (s *Store) CreateInvoice(ctx context.Context, invoice domain.Invoice) (*domain.Invoice, error) {
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

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	if err := tx.GetContext(ctx, &exists, s.rebind(`SELECT COUNT(*) FROM invoices WHERE order_id = ?`), invoice.OrderID); err != nil {
		return nil, err
	}
	if exists > 0 {
		return nil, store.ErrConflict
	}

	year := invoice.IssuedAt.UTC().Year()
	var seq int64
	if err := tx.GetContext(ctx, &seq, s.rebind(s.nextInvoiceSequenceSQL()), year); err != nil {
		return nil, err
	}
	invoice.InvoiceNumber = xid.InvoiceNumber(year, seq)

	_, err = tx.ExecContext(ctx, s.rebind(`
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?)
	`), invoice.ID, invoice.OrderID, invoice.CustomerID, invoice.InvoiceNumber, invoice.Amount, string(invoice.Status),
		invoice.IssuedAt.UTC(), invoice.DueAt.UTC(), invoice.DocumentPath, invoice.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	return &invoice, nil
}

func (s *Store) SetInvoiceDocument(ctx context.Context, invoiceID string, path string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE invoices SET document_path = ? WHERE id = ?`), path, invoiceID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}
