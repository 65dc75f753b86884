package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"time"
)

type Repo struct{ DB *pgxpool.Pool }

// Create: order + lines dalam satu transaksi. external_id unik (idempotency).
func (r *Repo) Create(ctx context.Context, o *Order) error {
	addr, err := json.Marshal(o.ShippingAddress)
	if err != nil {
		return err
	}
	err = postgres.InTx(ctx, r.DB, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO orders(id, order_number, external_id, session_id,
			                   customer_name, customer_email, customer_doc_type, customer_doc_number,
			                   shipping_address, currency, total_base, total_tax, total, status, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$15)
		`, o.ID, o.OrderNumber, o.ExternalID, o.SessionID,
			o.Customer.Name, o.Customer.Email, o.Customer.DocType, o.Customer.DocNumber,
			string(addr), string(o.Totals.Currency), o.Totals.Base, o.Totals.Tax, o.Totals.Total,
			string(o.Status), o.CreatedAt)
		if err != nil {
			return err
		}
		for i, l := range o.Lines {
			if _, err := tx.Exec(ctx, `
				INSERT INTO order_lines(order_id, line_no, variant_id, sku, name, qty, unit_price, line_total, currency)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
				o.ID, i+1, l.VariantID, l.SKU, l.Name, l.Quantity, l.UnitPrice.Value, l.LineTotal.Value, string(l.UnitPrice.Currency),
			); err != nil {
				return err
			}
		}
		return nil
	})
	if postgres.IsUniqueViolation(err, "orders_external_id_key") {
		return apperr.ErrConflict
	}
	return err
}

const orderColumns = `id, order_number, external_id, session_id,
	customer_name, customer_email, customer_doc_type, customer_doc_number,
	shipping_address::text, currency, total_base::text, total_tax::text, total::text, status, created_at, updated_at`

func (r *Repo) FindByID(ctx context.Context, id string) (*Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (r *Repo) FindByNumber(ctx context.Context, number string) (*Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number=$1`, number)
}

func (r *Repo) FindByExternalID(ctx context.Context, externalID string) (*Order, error) {
	return r.findOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE external_id=$1`, externalID)
}

func (r *Repo) UpdateStatus(ctx context.Context, id string, from, to Status) error {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET status=$3, updated_at=now() WHERE id=$1 AND status=$2`,
		id, string(from), string(to))
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		var exists bool
		if err := r.DB.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM orders WHERE id=$1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return apperr.ErrNotFound
		}
		return apperr.ErrStaleWrite
	}
	return nil
}

func (r *Repo) findOne(ctx context.Context, q string, arg string) (*Order, error) {
	var (
		o                Order
		addr, cur, st    string
		base, tax, total string
	)
	err := r.DB.QueryRow(ctx, q, arg).Scan(&o.ID, &o.OrderNumber, &o.ExternalID, &o.SessionID,
		&o.Customer.Name, &o.Customer.Email, &o.Customer.DocType, &o.Customer.DocNumber,
		&addr, &cur, &base, &tax, &total, &st, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(addr), &o.ShippingAddress); err != nil {
		return nil, fmt.Errorf("decode shipping address: %w", err)
	}
	o.Status = Status(st)
	o.Totals = money.TaxBreakdown{
		Base:     decimal.RequireFromString(base),
		Tax:      decimal.RequireFromString(tax),
		Total:    decimal.RequireFromString(total),
		Currency: money.Currency(cur),
	}

	rows, err := r.DB.Query(ctx, `
		SELECT variant_id, sku, name, qty, unit_price::text, line_total::text, currency
		FROM order_lines WHERE order_id=$1 ORDER BY line_no`, o.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var l Line
		var unit, lt, lc string
		if err := rows.Scan(&l.VariantID, &l.SKU, &l.Name, &l.Quantity, &unit, &lt, &lc); err != nil {
			return nil, err
		}
		l.UnitPrice = money.New(decimal.RequireFromString(unit), money.Currency(lc))
		l.LineTotal = money.New(decimal.RequireFromString(lt), money.Currency(lc))
		o.Lines = append(o.Lines, l)
	}
	return &o, rows.Err()
}

type PGCatalog struct{ DB *pgxpool.Pool }

func (c *PGCatalog) Variant(ctx context.Context, id string) (Variant, error) {
	var v Variant
	var price, cur string
	err := c.DB.QueryRow(ctx, `SELECT id, sku, name, price::text, currency, active FROM variants WHERE id=$1`, id).
		Scan(&v.ID, &v.SKU, &v.Name, &price, &cur, &v.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return Variant{}, &apperr.ProductNotFoundError{Ref: id}
	}
	if err != nil {
		return Variant{}, err
	}
	v.Price = money.New(decimal.RequireFromString(price), money.Currency(cur))
	return v, nil
}

type PGIntentLog struct{ DB *pgxpool.Pool }

func (l *PGIntentLog) Begin(ctx context.Context, in *Intent) error {
	lines, err := json.Marshal(in.Lines)
	if err != nil {
		return err
	}
	_, err = l.DB.Exec(ctx, `
		INSERT INTO checkout_intents(id, external_id, session_id, lines, status, order_id, created_at, updated_at)
		VALUES ($1,$2,$3,$4::jsonb,$5,NULLIF($6,''),$7,$7)`,
		in.ID, in.ExternalID, in.SessionID, string(lines), string(in.Status), in.OrderID, in.CreatedAt)
	if postgres.IsUniqueViolation(err, "") {
		return apperr.ErrConflict
	}
	return err
}

func (l *PGIntentLog) Complete(ctx context.Context, id, orderID string) error {
	return l.finish(ctx, id, IntentCompleted, orderID, "")
}

func (l *PGIntentLog) Abort(ctx context.Context, id, reason string) error {
	return l.finish(ctx, id, IntentAborted, "", reason)
}

// finish hanya mengubah intent yang masih PENDING.
func (l *PGIntentLog) finish(ctx context.Context, id string, st IntentStatus, orderID, reason string) error {
	_, err := l.DB.Exec(ctx, `
		UPDATE checkout_intents SET status=$2, order_id=COALESCE(NULLIF($3,''), order_id), reason=$4, updated_at=now()
		WHERE id=$1 AND status='PENDING'`, id, string(st), orderID, reason)
	return err
}

func (l *PGIntentLog) ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Intent, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT id, external_id, session_id, lines::text, status, COALESCE(order_id, ''), created_at, updated_at
		FROM checkout_intents WHERE status='PENDING' AND created_at < $1
		ORDER BY created_at LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var in Intent
		var lines, st string
		if err := rows.Scan(&in.ID, &in.ExternalID, &in.SessionID, &lines, &st, &in.OrderID, &in.CreatedAt, &in.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(lines), &in.Lines); err != nil {
			return nil, fmt.Errorf("decode intent %s lines: %w", in.ID, err)
		}
		in.Status = IntentStatus(st)
		out = append(out, in)
	}
	return out, rows.Err()
}
