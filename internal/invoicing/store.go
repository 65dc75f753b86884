package invoicing

import (
	"context"
	"time"
)

// Store persists invoices.
//
// Create assigns the next correlative of inv.Series in the same atomic write
// as the insert, so numbers are gap-free and strictly increasing per series.
// It returns apperr.ErrConflict when the order already has an invoice and
// *apperr.SequenceConflictError on a correlative collision.
//
// Update writes the mutable fields only while the stored status still equals
// prev (apperr.ErrStaleWrite otherwise). Gateway fields that are already set
// are never overwritten.
type Store interface {
	Create(ctx context.Context, inv *Invoice) error
	FindByID(ctx context.Context, id string) (*Invoice, error)
	FindByOrderID(ctx context.Context, orderID string) (*Invoice, error)
	Update(ctx context.Context, inv *Invoice, prev SunatStatus) error
	// ListPending skips invoices that used maxSubmitAttempts without an acknowledgement.
	ListPending(ctx context.Context, updatedBefore time.Time, maxSubmitAttempts, limit int) ([]*Invoice, error)
}

// Locker guards one invoice against concurrent Submit/Poll across processes.
type Locker interface {
	// TryLock returns apperr.ErrBusy when another holder has the key.
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
