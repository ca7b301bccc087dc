package sqlstore

import (
	"context"
	"fmt"
	"strings"
)

const schemaTemplate = `
CREATE TABLE IF NOT EXISTS products (
	id TEXT PRIMARY KEY,
	vendor_id TEXT NOT NULL,
	sku TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	price {{money}} NOT NULL,
	sale_price {{money}},
	stock_quantity INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
	low_stock_threshold INTEGER NOT NULL DEFAULT 0,
	track_inventory BOOLEAN NOT NULL DEFAULT TRUE,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_products_vendor ON products (vendor_id);

CREATE TABLE IF NOT EXISTS product_variants (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products (id),
	sku TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	price {{money}},
	stock_quantity INTEGER NOT NULL DEFAULT 0 CHECK (stock_quantity >= 0),
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_product_variants_product ON product_variants (product_id);

CREATE TABLE IF NOT EXISTS inventory_ledger (
	id TEXT PRIMARY KEY,
	product_id TEXT NOT NULL REFERENCES products (id),
	variant_id TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	quantity INTEGER NOT NULL,
	balance_after INTEGER NOT NULL CHECK (balance_after >= 0),
	order_id TEXT NOT NULL DEFAULT '',
	actor_id TEXT NOT NULL DEFAULT '',
	reference TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	created_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_inventory_ledger_target ON inventory_ledger (product_id, variant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_inventory_ledger_order ON inventory_ledger (order_id);

CREATE TABLE IF NOT EXISTS orders (
	id TEXT PRIMARY KEY,
	order_number TEXT NOT NULL UNIQUE,
	customer_id TEXT NOT NULL,
	status TEXT NOT NULL,
	payment_status TEXT NOT NULL,
	payment_method TEXT NOT NULL,
	payment_transaction_id TEXT,
	subtotal {{money}} NOT NULL,
	tax {{money}} NOT NULL,
	shipping_cost {{money}} NOT NULL,
	discount {{money}} NOT NULL,
	total {{money}} NOT NULL,
	ship_name TEXT NOT NULL DEFAULT '',
	ship_phone TEXT NOT NULL DEFAULT '',
	ship_address_line1 TEXT NOT NULL DEFAULT '',
	ship_address_line2 TEXT NOT NULL DEFAULT '',
	ship_city TEXT NOT NULL DEFAULT '',
	ship_postal_code TEXT NOT NULL DEFAULT '',
	ship_country TEXT NOT NULL DEFAULT '',
	notes TEXT NOT NULL DEFAULT '',
	cancel_reason TEXT NOT NULL DEFAULT '',
	paid_at {{ts}},
	shipped_at {{ts}},
	delivered_at {{ts}},
	cancelled_at {{ts}},
	version INTEGER NOT NULL DEFAULT 1,
	created_at {{ts}} NOT NULL,
	updated_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_orders_customer ON orders (customer_id, created_at);

CREATE TABLE IF NOT EXISTS order_items (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders (id),
	product_id TEXT NOT NULL,
	variant_id TEXT NOT NULL DEFAULT '',
	vendor_id TEXT NOT NULL,
	product_name TEXT NOT NULL,
	sku TEXT NOT NULL,
	variant_name TEXT NOT NULL DEFAULT '',
	quantity INTEGER NOT NULL CHECK (quantity >= 1),
	unit_price {{money}} NOT NULL,
	subtotal {{money}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items (order_id);
CREATE INDEX IF NOT EXISTS idx_order_items_vendor ON order_items (vendor_id);

CREATE TABLE IF NOT EXISTS order_status_changes (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL REFERENCES orders (id),
	from_status TEXT NOT NULL,
	to_status TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	actor_role TEXT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',
	created_at {{ts}} NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_order_status_changes_order ON order_status_changes (order_id, created_at);

CREATE TABLE IF NOT EXISTS invoice_sequences (
	year INTEGER PRIMARY KEY,
	last_value BIGINT NOT NULL
);

CREATE TABLE IF NOT EXISTS invoices (
	id TEXT PRIMARY KEY,
	order_id TEXT NOT NULL UNIQUE REFERENCES orders (id),
	customer_id TEXT NOT NULL,
	invoice_number TEXT NOT NULL UNIQUE,
	amount {{money}} NOT NULL,
	status TEXT NOT NULL,
	issued_at {{ts}} NOT NULL,
	due_at {{ts}} NOT NULL,
	document_path TEXT NOT NULL DEFAULT '',
	created_at {{ts}} NOT NULL
);

CREATE TABLE IF NOT EXISTS app_users (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL,
	role TEXT NOT NULL,
	active BOOLEAN NOT NULL DEFAULT TRUE,
	created_at {{ts}} NOT NULL
);
`

func (s *Store) schema() string {
	money, ts := "NUMERIC(12,2)", "TIMESTAMPTZ"
	if s.dialect == SQLite {
		// TEXT keeps decimals exact; TIMESTAMP lets the driver parse times back.
		money, ts = "TEXT", "TIMESTAMP"
	}
	return strings.NewReplacer("{{money}}", money, "{{ts}}", ts).Replace(schemaTemplate)
}

// Migrate creates missing tables and indexes. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(s.schema(), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
