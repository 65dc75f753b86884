package inventory

import (
	"context"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"sort"
	"sync"
	"time"
)

type resKey struct{ sku, session string }

// MemoryLedger keeps everything behind one mutex; check-and-reserve is a single
// critical section.
type MemoryLedger struct {
	mu           sync.Mutex
	onHand       map[string]int
	reservations map[resKey]*Reservation
	committed    map[resKey]int
	ttl          time.Duration
	now          func() time.Time
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &MemoryLedger{
		onHand:       make(map[string]int),
		reservations: make(map[resKey]*Reservation),
		committed:    make(map[resKey]int),
		ttl:          ttl,
		now:          time.Now,
	}
}

// SetClock is for tests that need to move reservations past their expiry.
func (l *MemoryLedger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

func (l *MemoryLedger) SetStock(sku string, onHand int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onHand[sku] = onHand
}

func (l *MemoryLedger) ReserveStock(_ context.Context, sku string, qty int, sessionID string) (bool, error) {
	if err := validate("ReserveStock", sku, qty, sessionID); err != nil {
		return false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	onHand, ok := l.onHand[sku]
	if !ok {
		return false, &apperr.ProductNotFoundError{Ref: sku}
	}
	k := resKey{sku, sessionID}
	if done, ok := l.committed[k]; ok {
		return false, apperr.Invalid("ReserveStock", "session %s already committed %d of sku=%s", sessionID, done, sku)
	}
	others := 0
	for rk, r := range l.reservations {
		if rk.sku == sku && rk != k {
			others += r.Quantity
		}
	}
	if onHand-others < qty {
		return false, nil
	}

	now := l.now()
	r, exists := l.reservations[k]
	if !exists {
		r = &Reservation{SKU: sku, SessionID: sessionID, CreatedAt: now}
		l.reservations[k] = r
	}
	if qty > r.Quantity {
		r.Quantity = qty
	}
	r.ExpiresAt = now.Add(l.ttl)
	return true, nil
}

func (l *MemoryLedger) CommitReservation(_ context.Context, sku string, qty int, sessionID string) error {
	if err := validate("CommitReservation", sku, qty, sessionID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := resKey{sku, sessionID}
	if done, ok := l.committed[k]; ok {
		if done == qty {
			return nil // retry of a finished commit
		}
		return apperr.Invalid("CommitReservation", "sku=%s session=%s already committed %d, got %d", sku, sessionID, done, qty)
	}
	r, ok := l.reservations[k]
	if !ok {
		return apperr.Invalid("CommitReservation", "no reservation for sku=%s session=%s", sku, sessionID)
	}
	if r.Quantity < qty {
		return apperr.Invalid("CommitReservation", "commit %d exceeds reserved %d for sku=%s", qty, r.Quantity, sku)
	}
	l.onHand[sku] -= qty
	delete(l.reservations, k)
	l.committed[k] = qty
	return nil
}

func (l *MemoryLedger) ReleaseReservation(_ context.Context, sku string, qty int, sessionID string) error {
	if err := validate("ReleaseReservation", sku, qty, sessionID); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	k := resKey{sku, sessionID}
	r, ok := l.reservations[k]
	if !ok {
		return nil
	}
	r.Quantity -= min(qty, r.Quantity)
	if r.Quantity == 0 {
		delete(l.reservations, k)
	}
	return nil
}

func (l *MemoryLedger) ReleaseExpired(_ context.Context, sku, sessionID string, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := resKey{sku, sessionID}
	r, ok := l.reservations[k]
	if !ok || r.ExpiresAt.After(now) {
		return false, nil
	}
	delete(l.reservations, k)
	return true, nil
}

func (l *MemoryLedger) GetQuantityOnHand(_ context.Context, sku string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.onHand[sku]
	if !ok {
		return 0, &apperr.ProductNotFoundError{Ref: sku}
	}
	return n, nil
}

func (l *MemoryLedger) QuantityAvailable(_ context.Context, sku string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.onHand[sku]
	if !ok {
		return 0, &apperr.ProductNotFoundError{Ref: sku}
	}
	for k, r := range l.reservations {
		if k.sku == sku {
			n -= r.Quantity
		}
	}
	return n, nil
}

func (l *MemoryLedger) Restock(_ context.Context, sku string, qty int) error {
	if qty <= 0 {
		return apperr.Invalid("Restock", "quantity must be positive, got %d", qty)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.onHand[sku]; !ok {
		return &apperr.ProductNotFoundError{Ref: sku}
	}
	l.onHand[sku] += qty
	return nil
}

func (l *MemoryLedger) ListExpired(_ context.Context, now time.Time, limit int) ([]Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Reservation
	for _, r := range l.reservations {
		if !r.ExpiresAt.After(now) {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func validate(op, sku string, qty int, sessionID string) error {
	switch {
	case sku == "":
		return apperr.Invalid(op, "missing sku")
	case sessionID == "":
		return apperr.Invalid(op, "missing session id")
	case qty <= 0:
		return apperr.Invalid(op, "quantity must be positive, got %d", qty)
	}
	return nil
}
