// Package inventory is the reservation ledger: stock is held per (sku, session)
// until the checkout commits it into an on-hand decrement or releases it.
package inventory

import (
	"context"
	"time"
)

const DefaultReservationTTL = 15 * time.Minute

type Reservation struct {
	SKU       string
	SessionID string
	Quantity  int
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Ledger: quantityAvailable = onHand - sum(reservations).
//
// ReserveStock raises the (sku, session) reservation to at least qty; calling it
// twice with the same arguments holds qty once. Insufficient stock is (false, nil).
// ReleaseReservation is a no-op for unknown or already released reservations.
// CommitReservation decrements on-hand by qty and destroys the reservation. It
// happens at most once per (sku, session): retrying with the same qty is a no-op,
// anything else is an InvalidOperationError, and so is reserving again on a
// committed session.
// ReleaseExpired drops the reservation only if it is still expired at now.
type Ledger interface {
	ReserveStock(ctx context.Context, sku string, qty int, sessionID string) (bool, error)
	CommitReservation(ctx context.Context, sku string, qty int, sessionID string) error
	ReleaseReservation(ctx context.Context, sku string, qty int, sessionID string) error
	ReleaseExpired(ctx context.Context, sku, sessionID string, now time.Time) (bool, error)
	GetQuantityOnHand(ctx context.Context, sku string) (int, error)
	QuantityAvailable(ctx context.Context, sku string) (int, error)
	Restock(ctx context.Context, sku string, qty int) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}
