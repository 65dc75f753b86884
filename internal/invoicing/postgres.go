package invoicing

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"time"
)

// PGStore serializes correlatives through a FOR UPDATE lock on the
// invoice_series row, taken in the same transaction as the insert.
type PGStore struct{ DB *pgxpool.Pool }

func (s *PGStore) Create(ctx context.Context, inv *Invoice) error {
	if err := inv.CheckTotals(); err != nil {
		return err
	}
	var next int64
	err := postgres.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO invoice_series(series, doc_type) VALUES ($1, $2)
			ON CONFLICT (series) DO NOTHING`, inv.Series, string(inv.DocType)); err != nil {
			return err
		}
		var last int64
		if err := tx.QueryRow(ctx, `SELECT last_value FROM invoice_series WHERE series=$1 FOR UPDATE`, inv.Series).
			Scan(&last); err != nil {
			return err
		}
		next = last + 1
		if _, err := tx.Exec(ctx, `
			INSERT INTO invoices(id, order_id, doc_type, series, correlative, currency,
			                     total_gravado, total_igv, total_amount,
			                     customer_name, customer_doc_type, customer_doc_number,
			                     sunat_status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$14)`,
			inv.ID, inv.OrderID, string(inv.DocType), inv.Series, next, string(inv.Currency),
			inv.TotalGravado, inv.TotalIgv, inv.TotalAmount,
			inv.Customer.Name, inv.Customer.DocType, inv.Customer.DocNumber,
			string(inv.SunatStatus), inv.CreatedAt); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE invoice_series SET last_value=$2 WHERE series=$1`, inv.Series, next)
		return err
	})
	switch {
	case postgres.IsUniqueViolation(err, "invoices_order_id_key"):
		return apperr.ErrConflict
	case postgres.IsUniqueViolation(err, "invoices_series_correlative_key"):
		return &apperr.SequenceConflictError{Series: inv.Series, Correlative: next}
	case err != nil:
		return err
	}
	inv.Correlative = next
	return nil
}

const invoiceColumns = `id, order_id, doc_type, series, correlative, currency,
	total_gravado::text, total_igv::text, total_amount::text,
	customer_name, customer_doc_type, customer_doc_number, sunat_status,
	xml_content, xml_hash, ticket, cdr_status, cdr_url, xml_url, pdf_url,
	gateway_message, submit_attempts, submitted_at, voided_at, void_reason, created_at, updated_at`

func (s *PGStore) FindByID(ctx context.Context, id string) (*Invoice, error) {
	return scanInvoice(s.DB.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1`, id))
}

func (s *PGStore) FindByOrderID(ctx context.Context, orderID string) (*Invoice, error) {
	return scanInvoice(s.DB.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE order_id=$1`, orderID))
}

// Update: kolom gateway hanya diisi kalau masih kosong (append-only).
func (s *PGStore) Update(ctx context.Context, inv *Invoice, prev SunatStatus) error {
	if err := checkMove(prev, inv.SunatStatus); err != nil {
		return err
	}
	return postgres.InTx(ctx, s.DB, func(tx pgx.Tx) error {
		cur, err := scanInvoice(tx.QueryRow(ctx, `SELECT `+invoiceColumns+` FROM invoices WHERE id=$1 FOR UPDATE`, inv.ID))
		if err != nil {
			return err
		}
		if cur.SunatStatus != prev {
			return apperr.ErrStaleWrite
		}
		for _, f := range []struct {
			name     string
			dst      *string
			incoming string
		}{
			{"xml_content", &cur.XMLContent, inv.XMLContent},
			{"xml_hash", &cur.XMLHash, inv.XMLHash},
			{"ticket", &cur.Ticket, inv.Ticket},
			{"cdr_status", &cur.CdrStatus, inv.CdrStatus},
			{"cdr_url", &cur.CdrURL, inv.CdrURL},
			{"xml_url", &cur.XMLURL, inv.XMLURL},
			{"pdf_url", &cur.PDFURL, inv.PDFURL},
		} {
			if err := setOnce(f.name, f.dst, f.incoming); err != nil {
				return err
			}
		}
		_, err = tx.Exec(ctx, `
			UPDATE invoices SET sunat_status=$2, xml_content=$3, xml_hash=$4, ticket=$5, cdr_status=$6,
			       cdr_url=$7, xml_url=$8, pdf_url=$9, gateway_message=$10, submit_attempts=$11,
			       submitted_at=$12, voided_at=$13, void_reason=$14, updated_at=now()
			WHERE id=$1`,
			inv.ID, string(inv.SunatStatus), cur.XMLContent, cur.XMLHash, cur.Ticket, cur.CdrStatus,
			cur.CdrURL, cur.XMLURL, cur.PDFURL, inv.GatewayMessage, inv.SubmitAttempts,
			inv.SubmittedAt, inv.VoidedAt, inv.VoidReason)
		return err
	})
}

func (s *PGStore) ListPending(ctx context.Context, updatedBefore time.Time, maxSubmitAttempts, limit int) ([]*Invoice, error) {
	rows, err := s.DB.Query(ctx, `SELECT `+invoiceColumns+` FROM invoices
		WHERE sunat_status='PENDING' AND updated_at <= $1
		  AND NOT (ticket = '' AND cdr_url = '' AND cdr_status = '' AND submit_attempts >= $2)
		ORDER BY updated_at LIMIT $3`, updatedBefore, maxSubmitAttempts, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var (
		inv                 Invoice
		docType, cur, st    string
		gravado, igv, total string
	)
	err := row.Scan(&inv.ID, &inv.OrderID, &docType, &inv.Series, &inv.Correlative, &cur,
		&gravado, &igv, &total,
		&inv.Customer.Name, &inv.Customer.DocType, &inv.Customer.DocNumber, &st,
		&inv.XMLContent, &inv.XMLHash, &inv.Ticket, &inv.CdrStatus, &inv.CdrURL, &inv.XMLURL, &inv.PDFURL,
		&inv.GatewayMessage, &inv.SubmitAttempts, &inv.SubmittedAt, &inv.VoidedAt, &inv.VoidReason,
		&inv.CreatedAt, &inv.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if inv.SunatStatus, err = ParseSunatStatus(st); err != nil {
		return nil, err
	}
	inv.DocType = DocType(docType)
	inv.Currency = money.Currency(cur)
	inv.TotalGravado = decimal.RequireFromString(gravado)
	inv.TotalIgv = decimal.RequireFromString(igv)
	inv.TotalAmount = decimal.RequireFromString(total)
	return &inv, nil
}
