package inventory

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"time"
)

// PGLedger serializes per sku through SELECT ... FOR UPDATE on the stock row,
// so check-and-reserve of two sessions cannot interleave.
type PGLedger struct {
	DB  *pgxpool.Pool
	TTL time.Duration
}

func (l *PGLedger) ttl() time.Duration {
	if l.TTL <= 0 {
		return DefaultReservationTTL
	}
	return l.TTL
}

// lockStock: kunci baris stok, kembalikan on_hand.
func lockStock(ctx context.Context, tx pgx.Tx, sku string) (int, error) {
	var onHand int
	err := tx.QueryRow(ctx, `SELECT on_hand FROM stock WHERE sku=$1 FOR UPDATE`, sku).Scan(&onHand)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &apperr.ProductNotFoundError{Ref: sku}
	}
	return onHand, err
}

func (l *PGLedger) ReserveStock(ctx context.Context, sku string, qty int, sessionID string) (ok bool, err error) {
	if err := validate("ReserveStock", sku, qty, sessionID); err != nil {
		return false, err
	}
	err = postgres.InTx(ctx, l.DB, func(tx pgx.Tx) error {
		onHand, err := lockStock(ctx, tx, sku)
		if err != nil {
			return err
		}
		if done, found, err := committedQty(ctx, tx, sku, sessionID); err != nil {
			return err
		} else if found {
			return apperr.Invalid("ReserveStock", "session %s already committed %d of sku=%s", sessionID, done, sku)
		}
		var others int
		if err := tx.QueryRow(ctx, `
			SELECT COALESCE(SUM(qty), 0) FROM reservations
			WHERE sku=$1 AND session_id <> $2`, sku, sessionID).Scan(&others); err != nil {
			return err
		}
		if onHand-others < qty {
			return nil // ok tetap false
		}
		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			INSERT INTO reservations(sku, session_id, qty, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (sku, session_id) DO UPDATE
			SET qty = GREATEST(reservations.qty, EXCLUDED.qty), expires_at = EXCLUDED.expires_at
		`, sku, sessionID, qty, now, now.Add(l.ttl())); err != nil {
			return err
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (l *PGLedger) CommitReservation(ctx context.Context, sku string, qty int, sessionID string) error {
	if err := validate("CommitReservation", sku, qty, sessionID); err != nil {
		return err
	}
	return postgres.InTx(ctx, l.DB, func(tx pgx.Tx) error {
		if _, err := lockStock(ctx, tx, sku); err != nil {
			return err
		}
		done, found, err := committedQty(ctx, tx, sku, sessionID)
		if err != nil {
			return err
		}
		if found {
			if done == qty {
				return nil
			}
			return apperr.Invalid("CommitReservation", "sku=%s session=%s already committed %d, got %d", sku, sessionID, done, qty)
		}
		var reserved int
		err = tx.QueryRow(ctx, `SELECT qty FROM reservations WHERE sku=$1 AND session_id=$2 FOR UPDATE`,
			sku, sessionID).Scan(&reserved)
		if errors.Is(err, pgx.ErrNoRows) {
			return apperr.Invalid("CommitReservation", "no reservation for sku=%s session=%s", sku, sessionID)
		}
		if err != nil {
			return err
		}
		if reserved < qty {
			return apperr.Invalid("CommitReservation", "commit %d exceeds reserved %d for sku=%s", qty, reserved, sku)
		}

		if _, err := tx.Exec(ctx, `UPDATE stock SET on_hand = on_hand - $2, updated_at = now() WHERE sku=$1`, sku, qty); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM reservations WHERE sku=$1 AND session_id=$2`, sku, sessionID); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `INSERT INTO stock_commits(sku, session_id, qty) VALUES ($1, $2, $3)`, sku, sessionID, qty)
		return err
	})
}

// committedQty: catatan commit untuk (sku, session), kalau ada.
func committedQty(ctx context.Context, tx pgx.Tx, sku, sessionID string) (int, bool, error) {
	var done int
	err := tx.QueryRow(ctx, `SELECT qty FROM stock_commits WHERE sku=$1 AND session_id=$2`, sku, sessionID).Scan(&done)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return done, true, nil
}

func (l *PGLedger) ReleaseReservation(ctx context.Context, sku string, qty int, sessionID string) error {
	if err := validate("ReleaseReservation", sku, qty, sessionID); err != nil {
		return err
	}
	return postgres.InTx(ctx, l.DB, func(tx pgx.Tx) error {
		var reserved int
		err := tx.QueryRow(ctx, `SELECT qty FROM reservations WHERE sku=$1 AND session_id=$2 FOR UPDATE`,
			sku, sessionID).Scan(&reserved)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // sudah dilepas / expired
		}
		if err != nil {
			return err
		}
		if reserved <= qty {
			_, err = tx.Exec(ctx, `DELETE FROM reservations WHERE sku=$1 AND session_id=$2`, sku, sessionID)
		} else {
			_, err = tx.Exec(ctx, `UPDATE reservations SET qty = qty - $3 WHERE sku=$1 AND session_id=$2`, sku, sessionID, qty)
		}
		return err
	})
}

func (l *PGLedger) ReleaseExpired(ctx context.Context, sku, sessionID string, now time.Time) (bool, error) {
	ct, err := l.DB.Exec(ctx, `DELETE FROM reservations WHERE sku=$1 AND session_id=$2 AND expires_at <= $3`,
		sku, sessionID, now)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (l *PGLedger) GetQuantityOnHand(ctx context.Context, sku string) (int, error) {
	var n int
	err := l.DB.QueryRow(ctx, `SELECT on_hand FROM stock WHERE sku=$1`, sku).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &apperr.ProductNotFoundError{Ref: sku}
	}
	return n, err
}

func (l *PGLedger) QuantityAvailable(ctx context.Context, sku string) (int, error) {
	var n int
	err := l.DB.QueryRow(ctx, `
		SELECT s.on_hand - COALESCE((SELECT SUM(r.qty) FROM reservations r WHERE r.sku = s.sku), 0)
		FROM stock s WHERE s.sku=$1`, sku).Scan(&n)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &apperr.ProductNotFoundError{Ref: sku}
	}
	return n, err
}

func (l *PGLedger) Restock(ctx context.Context, sku string, qty int) error {
	if qty <= 0 {
		return apperr.Invalid("Restock", "quantity must be positive, got %d", qty)
	}
	ct, err := l.DB.Exec(ctx, `UPDATE stock SET on_hand = on_hand + $2, updated_at = now() WHERE sku=$1`, sku, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() != 1 {
		return &apperr.ProductNotFoundError{Ref: sku}
	}
	return nil
}

func (l *PGLedger) ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	rows, err := l.DB.Query(ctx, `
		SELECT sku, session_id, qty, created_at, expires_at FROM reservations
		WHERE expires_at <= $1 ORDER BY expires_at LIMIT $2`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var r Reservation
		if err := rows.Scan(&r.SKU, &r.SessionID, &r.Quantity, &r.CreatedAt, &r.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
