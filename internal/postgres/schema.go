package postgres

import (
	"context"
	"fmt"
	"github.com/jackc/pgx/v5/pgxpool"
)

// schema dijalankan berurutan, semua idempotent (IF NOT EXISTS).
var schema = []string{
	`CREATE TABLE IF NOT EXISTS variants (
		id       TEXT PRIMARY KEY,
		sku      TEXT NOT NULL UNIQUE,
		name     TEXT NOT NULL,
		price    NUMERIC(14,2) NOT NULL CHECK (price >= 0),
		currency TEXT NOT NULL CHECK (currency IN ('PEN','USD')),
		active   BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS stock (
		sku        TEXT PRIMARY KEY,
		on_hand    INT NOT NULL CHECK (on_hand >= 0),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS reservations (
		sku        TEXT NOT NULL REFERENCES stock(sku),
		session_id TEXT NOT NULL,
		qty        INT NOT NULL CHECK (qty > 0),
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		expires_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (sku, session_id)
	)`,
	`CREATE INDEX IF NOT EXISTS reservations_expires_at_idx ON reservations(expires_at)`,
	`CREATE TABLE IF NOT EXISTS stock_commits (
		sku        TEXT NOT NULL,
		session_id TEXT NOT NULL,
		qty        INT NOT NULL CHECK (qty > 0),
		PRIMARY KEY (sku, session_id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id                  TEXT PRIMARY KEY,
		order_number        TEXT NOT NULL UNIQUE,
		external_id         TEXT NOT NULL CONSTRAINT orders_external_id_key UNIQUE,
		session_id          TEXT NOT NULL,
		customer_name       TEXT NOT NULL,
		customer_email      TEXT NOT NULL DEFAULT '',
		customer_doc_type   TEXT NOT NULL DEFAULT '',
		customer_doc_number TEXT NOT NULL DEFAULT '',
		shipping_address    JSONB NOT NULL,
		currency            TEXT NOT NULL,
		total_base          NUMERIC(14,2) NOT NULL,
		total_tax           NUMERIC(14,2) NOT NULL,
		total               NUMERIC(14,2) NOT NULL,
		status              TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL,
		CONSTRAINT orders_totals_check CHECK (total_base + total_tax = total)
	)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		order_id   TEXT NOT NULL REFERENCES orders(id) ON DELETE CASCADE,
		line_no    INT NOT NULL,
		variant_id TEXT NOT NULL,
		sku        TEXT NOT NULL,
		name       TEXT NOT NULL,
		qty        INT NOT NULL CHECK (qty > 0),
		unit_price NUMERIC(14,2) NOT NULL,
		line_total NUMERIC(14,2) NOT NULL,
		currency   TEXT NOT NULL,
		PRIMARY KEY (order_id, line_no)
	)`,
	`CREATE TABLE IF NOT EXISTS checkout_intents (
		id          TEXT PRIMARY KEY,
		external_id TEXT NOT NULL,
		session_id  TEXT NOT NULL,
		lines       JSONB NOT NULL,
		status      TEXT NOT NULL,
		order_id    TEXT,
		reason      TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		updated_at  TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS checkout_intents_pending_idx ON checkout_intents(created_at) WHERE status = 'PENDING'`,
	`CREATE TABLE IF NOT EXISTS invoice_series (
		series     TEXT PRIMARY KEY,
		doc_type   TEXT NOT NULL,
		last_value BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id               TEXT PRIMARY KEY,
		order_id         TEXT NOT NULL CONSTRAINT invoices_order_id_key UNIQUE,
		doc_type         TEXT NOT NULL,
		series           TEXT NOT NULL,
		correlative      BIGINT NOT NULL,
		currency         TEXT NOT NULL,
		total_gravado    NUMERIC(14,2) NOT NULL,
		total_igv        NUMERIC(14,2) NOT NULL,
		total_amount     NUMERIC(14,2) NOT NULL,
		customer_name    TEXT NOT NULL,
		customer_doc_type   TEXT NOT NULL DEFAULT '',
		customer_doc_number TEXT NOT NULL DEFAULT '',
		sunat_status     TEXT NOT NULL,
		xml_content      TEXT NOT NULL DEFAULT '',
		xml_hash         TEXT NOT NULL DEFAULT '',
		ticket           TEXT NOT NULL DEFAULT '',
		cdr_status       TEXT NOT NULL DEFAULT '',
		cdr_url          TEXT NOT NULL DEFAULT '',
		xml_url          TEXT NOT NULL DEFAULT '',
		pdf_url          TEXT NOT NULL DEFAULT '',
		gateway_message  TEXT NOT NULL DEFAULT '',
		submit_attempts  INT NOT NULL DEFAULT 0,
		submitted_at     TIMESTAMPTZ,
		voided_at        TIMESTAMPTZ,
		void_reason      TEXT NOT NULL DEFAULT '',
		created_at       TIMESTAMPTZ NOT NULL,
		updated_at       TIMESTAMPTZ NOT NULL,
		CONSTRAINT invoices_series_correlative_key UNIQUE (series, correlative),
		CONSTRAINT invoices_totals_check CHECK (total_amount = total_gravado + total_igv)
	)`,
	`CREATE INDEX IF NOT EXISTS invoices_pending_idx ON invoices(updated_at) WHERE sunat_status = 'PENDING'`,
}

// Migrate creates the tables used by the ledger, orders and invoicing stores.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	for i, stmt := range schema {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i+1, err)
		}
	}
	return nil
}
