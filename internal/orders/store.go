package orders

import (
	"context"
	"time"
)

// Store persists orders. Create writes the order and its lines in one
// transaction and returns apperr.ErrConflict on a duplicate external id.
// UpdateStatus only applies when the stored status still equals from.
type Store interface {
	Create(ctx context.Context, o *Order) error
	FindByID(ctx context.Context, id string) (*Order, error)
	FindByNumber(ctx context.Context, number string) (*Order, error)
	FindByExternalID(ctx context.Context, externalID string) (*Order, error)
	UpdateStatus(ctx context.Context, id string, from, to Status) error
}

type Catalog interface {
	Variant(ctx context.Context, id string) (Variant, error)
}

type IntentStatus string

const (
	IntentPending   IntentStatus = "PENDING"
	IntentCompleted IntentStatus = "COMPLETED"
	IntentAborted   IntentStatus = "ABORTED"
)

type IntentLine struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"qty"`
}

// Intent is written before any reservation so a crashed checkout can be
// finished or unwound by the Recoverer. ID doubles as the ledger session of the
// attempt; OrderID is assigned up front so the Recoverer can tell its own order
// from one persisted by a concurrent attempt with the same external_id.
type Intent struct {
	ID         string
	ExternalID string
	SessionID  string
	Lines      []IntentLine
	Status     IntentStatus
	OrderID    string
	Reason     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

type IntentLog interface {
	Begin(ctx context.Context, in *Intent) error
	Complete(ctx context.Context, id, orderID string) error
	Abort(ctx context.Context, id, reason string) error
	ListStale(ctx context.Context, olderThan time.Time, limit int) ([]Intent, error)
}
