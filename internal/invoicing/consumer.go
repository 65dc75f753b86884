package invoicing

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	kafkax "github.com/ariefcatur/go-orders-invoicing/internal/kafka"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/cenkalti/backoff/v4"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Deduper remembers processed event ids.
type Deduper interface {
	Seen(ctx context.Context, service, eventID string) (bool, error)
	Mark(ctx context.Context, service, eventID string) error
}

// OrderCreatedHandler issues the invoice for every order.created event.
type OrderCreatedHandler struct {
	Issuer  *Issuer
	Dedup   Deduper // optional
	Service string
	Log     *zap.Logger

	// PollBudget for the first poll after submit; nil checks once and leaves the rest to the Poller.
	PollBudget func() backoff.BackOff
}

// Handle dipasang sebagai handler consumer. Return nil = offset boleh di-commit.
// Gateway failures are not returned: the invoice stays PENDING and the Poller
// picks it up, so the message is done.
func (h *OrderCreatedHandler) Handle(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := kafkax.DecodeEnvelope(m.Value, &env); err != nil {
		h.log().Error("drop undecodable event", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderCreated {
		return nil
	}

	if h.Dedup != nil {
		if seen, err := h.Dedup.Seen(ctx, h.Service, env.EventID); err == nil && seen {
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.OrderCreatedPayload](env.Payload)
	if err != nil {
		h.log().Error("drop bad order.created payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}
	o, err := OrderFromEvent(p)
	if err != nil {
		h.log().Error("drop invalid order.created payload", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	inv, err := h.Issuer.Issue(ctx, o, h.pollBudget())
	var ge *apperr.GatewayError
	switch {
	case err == nil:
	case errors.As(err, &ge), errors.Is(err, apperr.ErrBusy):
		h.log().Warn("invoice left pending", zap.String("order_id", o.ID), zap.Error(err))
	default:
		var ie *apperr.InvalidOperationError
		if inv == nil && !errors.As(err, &ie) {
			return err // infra error, biar di-redeliver
		}
		h.log().Warn("invoice issuance stopped", zap.String("order_id", o.ID), zap.Error(err))
	}

	if h.Dedup != nil {
		if err := h.Dedup.Mark(ctx, h.Service, env.EventID); err != nil {
			h.log().Warn("mark event processed", zap.String("event_id", env.EventID), zap.Error(err))
		}
	}
	return nil
}

func (h *OrderCreatedHandler) pollBudget() backoff.BackOff {
	if h.PollBudget != nil {
		return h.PollBudget()
	}
	return &backoff.StopBackOff{}
}

func (h *OrderCreatedHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

// OrderFromEvent rebuilds the parts of an order that invoicing needs.
func OrderFromEvent(p orders.OrderCreatedPayload) (*orders.Order, error) {
	if p.OrderID == "" {
		return nil, apperr.Invalid("OrderFromEvent", "missing order id")
	}
	cur := money.Currency(p.Currency)
	if !cur.Valid() {
		return nil, apperr.Invalid("OrderFromEvent", "unsupported currency %q", p.Currency)
	}
	var tb money.TaxBreakdown
	for _, f := range []struct {
		dst *decimal.Decimal
		s   string
	}{{&tb.Base, p.Base}, {&tb.Tax, p.Tax}, {&tb.Total, p.Total}} {
		d, err := decimal.NewFromString(f.s)
		if err != nil {
			return nil, fmt.Errorf("order %s: bad amount %q: %w", p.OrderID, f.s, err)
		}
		*f.dst = d
	}
	tb.Currency = cur
	return &orders.Order{
		ID:          p.OrderID,
		OrderNumber: p.OrderNumber,
		ExternalID:  p.ExternalID,
		Customer:    p.Customer,
		Totals:      tb,
		Status:      orders.StatusCreated,
	}, nil
}
