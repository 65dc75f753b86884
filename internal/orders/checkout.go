package orders

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/inventory"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"strings"
	"time"
)

type ItemInput struct {
	VariantID string `json:"variant_id"`
	Qty       int    `json:"qty"`
}

type CheckoutRequest struct {
	ExternalID      string
	SessionID       string
	Customer        Customer
	Items           []ItemInput
	ShippingAddress Address
}

type CheckoutResult struct {
	Order   *Order
	Existed bool // external_id sudah pernah dipakai
}

// Checkout is the order creation transaction: intent -> reserve -> price ->
// persist -> commit. Any failure before persistence releases what this attempt
// reserved.
//
// Ledger holds are keyed by the intent ID, not the shopper's session: two
// overlapping checkouts from one session each need their own stock.
type Checkout struct {
	Engine    *money.Engine
	Ledger    inventory.Ledger
	Store     Store
	Catalog   Catalog
	Intents   IntentLog
	Publisher Publisher // optional
	Log       *zap.Logger
	Now       func() time.Time

	// ReleaseBackOff bounds retries of the compensating release; nil uses a short exponential policy.
	ReleaseBackOff func() backoff.BackOff
}

func (c *Checkout) Create(ctx context.Context, req CheckoutRequest) (res CheckoutResult, err error) {
	ctx, span := tracer.Start(ctx, "checkout.create")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if req.ExternalID == "" {
		req.ExternalID = uuid.NewString()
	}
	if err := validateRequest(req); err != nil {
		return res, err
	}

	// idempotent via external_id
	if existing, err := c.Store.FindByExternalID(ctx, req.ExternalID); err == nil {
		return CheckoutResult{Order: existing, Existed: true}, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return res, err
	}

	lines, err := c.resolveLines(ctx, req.Items)
	if err != nil {
		return res, err
	}

	now := c.now()
	intent := &Intent{
		ID:         uuid.NewString(),
		ExternalID: req.ExternalID,
		SessionID:  req.SessionID,
		OrderID:    uuid.NewString(),
		Lines:      intentLines(lines),
		Status:     IntentPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := c.Intents.Begin(ctx, intent); err != nil {
		return res, fmt.Errorf("begin checkout intent: %w", err)
	}

	acquired, err := c.reserveAll(ctx, intent.ID, intent.Lines)
	if err != nil {
		c.unwind(ctx, intent, acquired, err.Error())
		return res, err
	}

	order, err := c.price(req, intent.OrderID, lines, now)
	if err != nil {
		c.unwind(ctx, intent, acquired, err.Error())
		return res, err
	}

	if err := c.Store.Create(ctx, order); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			if existing, ferr := c.Store.FindByExternalID(ctx, req.ExternalID); ferr == nil {
				c.unwind(ctx, intent, acquired, "duplicate external_id")
				return CheckoutResult{Order: existing, Existed: true}, nil
			}
		}
		c.unwind(ctx, intent, acquired, err.Error())
		return res, fmt.Errorf("persist order: %w", err)
	}

	span.SetAttributes(attribute.String("order.id", order.ID), attribute.String("order.total", order.Totals.Total.StringFixed(2)))

	if err := c.commitAll(ctx, intent.ID, intent.Lines); err != nil {
		// order sudah tersimpan; recoverer yang menyelesaikan commit
		c.log().Warn("commit reservations deferred to recovery",
			zap.String("order_id", order.ID), zap.String("intent_id", intent.ID), zap.Error(err))
	} else if err := c.Intents.Complete(ctx, intent.ID, order.ID); err != nil {
		c.log().Warn("complete checkout intent", zap.String("intent_id", intent.ID), zap.Error(err))
	}

	c.log().Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("total", order.Totals.Total.StringFixed(2)),
	)
	if c.Publisher != nil {
		if err := c.Publisher.OrderCreated(ctx, order); err != nil {
			c.log().Warn("publish order created", zap.String("order_id", order.ID), zap.Error(err))
		}
	}
	return CheckoutResult{Order: order}, nil
}

// UpdateStatus moves an order along created -> paid -> fulfilled, or cancels it
// from created/paid. Cancellation puts committed stock back on hand.
func (c *Checkout) UpdateStatus(ctx context.Context, id string, to Status) (*Order, error) {
	o, err := c.Store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if o.Status == to {
		return o, nil
	}
	if !CanTransition(o.Status, to) {
		return nil, apperr.Invalid("UpdateStatus", "cannot move order %s from %s to %s", id, o.Status, to)
	}
	from := o.Status
	if err := c.Store.UpdateStatus(ctx, id, from, to); err != nil {
		return nil, err
	}
	o.Status = to

	if to == StatusCancelled {
		for _, l := range intentLines(o.Lines) {
			if err := c.Ledger.Restock(ctx, l.SKU, l.Quantity); err != nil {
				c.log().Error("restock cancelled order", zap.String("order_id", id), zap.String("sku", l.SKU), zap.Error(err))
			}
		}
	}
	if c.Publisher != nil {
		if err := c.Publisher.OrderStatusChanged(ctx, id, from, to); err != nil {
			c.log().Warn("publish order status", zap.String("order_id", id), zap.Error(err))
		}
	}
	return o, nil
}

func (c *Checkout) resolveLines(ctx context.Context, items []ItemInput) ([]Line, error) {
	idx := map[string]int{}
	var lines []Line
	for _, it := range items {
		if i, ok := idx[it.VariantID]; ok {
			lines[i].Quantity += it.Qty
			continue
		}
		v, err := c.Catalog.Variant(ctx, it.VariantID)
		if err != nil {
			return nil, err
		}
		if !v.Active {
			return nil, apperr.Invalid("checkout", "variant %s is not active", v.ID)
		}
		idx[it.VariantID] = len(lines)
		lines = append(lines, Line{VariantID: v.ID, SKU: v.SKU, Name: v.Name, Quantity: it.Qty, UnitPrice: v.Price})
	}
	return lines, nil
}

func (c *Checkout) reserveAll(ctx context.Context, hold string, lines []IntentLine) ([]IntentLine, error) {
	acquired := make([]IntentLine, 0, len(lines))
	for _, l := range lines {
		ok, err := c.Ledger.ReserveStock(ctx, l.SKU, l.Quantity, hold)
		if err != nil {
			return acquired, fmt.Errorf("reserve %s: %w", l.SKU, err)
		}
		if !ok {
			avail, err := c.Ledger.QuantityAvailable(ctx, l.SKU)
			if err != nil {
				avail = 0
			}
			return acquired, &apperr.StockInsufficientError{SKU: l.SKU, Requested: l.Quantity, Available: max(avail, 0)}
		}
		acquired = append(acquired, l)
	}
	return acquired, nil
}

func (c *Checkout) commitAll(ctx context.Context, hold string, lines []IntentLine) error {
	for _, l := range lines {
		if err := c.Ledger.CommitReservation(ctx, l.SKU, l.Quantity, hold); err != nil {
			return fmt.Errorf("commit %s: %w", l.SKU, err)
		}
	}
	return nil
}

func (c *Checkout) price(req CheckoutRequest, id string, lines []Line, now time.Time) (*Order, error) {
	totals := make([]money.Amount, 0, len(lines))
	for i := range lines {
		lt, err := c.Engine.LineTotal(lines[i].UnitPrice, lines[i].Quantity)
		if err != nil {
			return nil, err
		}
		lines[i].LineTotal = lt
		totals = append(totals, lt)
	}
	tb, err := c.Engine.Totals(totals)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:              id,
		OrderNumber:     orderNumber(id, now),
		ExternalID:      req.ExternalID,
		SessionID:       req.SessionID,
		Customer:        req.Customer,
		ShippingAddress: req.ShippingAddress,
		Lines:           lines,
		Totals:          tb,
		Status:          StatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// unwind releases this attempt's reservations. The intent is only aborted when
// every release went through; otherwise it stays PENDING for the Recoverer.
func (c *Checkout) unwind(ctx context.Context, in *Intent, acquired []IntentLine, reason string) {
	if releaseAll(ctx, c.Ledger, in.ID, acquired, c.releaseBackOff, c.log()) {
		c.abortIntent(ctx, in.ID, reason)
	}
}

func (c *Checkout) abortIntent(ctx context.Context, id, reason string) {
	if err := c.Intents.Abort(context.WithoutCancel(ctx), id, reason); err != nil {
		c.log().Warn("abort checkout intent", zap.String("intent_id", id), zap.Error(err))
	}
}

func (c *Checkout) releaseBackOff() backoff.BackOff {
	if c.ReleaseBackOff != nil {
		return c.ReleaseBackOff()
	}
	return defaultReleaseBackOff()
}

func (c *Checkout) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

func (c *Checkout) log() *zap.Logger {
	if c.Log == nil {
		return zap.NewNop()
	}
	return c.Log
}

func defaultReleaseBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxElapsedTime = 3 * time.Second
	return backoff.WithMaxRetries(b, 5)
}

// releaseAll runs even after the caller's context is cancelled.
func releaseAll(ctx context.Context, ledger inventory.Ledger, hold string, lines []IntentLine, policy func() backoff.BackOff, log *zap.Logger) bool {
	ctx = context.WithoutCancel(ctx)
	ok := true
	for _, l := range lines {
		err := backoff.Retry(func() error {
			err := ledger.ReleaseReservation(ctx, l.SKU, l.Quantity, hold)
			var ie *apperr.InvalidOperationError
			if errors.As(err, &ie) {
				return backoff.Permanent(err)
			}
			return err
		}, policy())
		if err != nil {
			ok = false
			log.Error("compensating release failed", zap.String("sku", l.SKU), zap.String("intent_id", hold), zap.Error(err))
		}
	}
	return ok
}

func intentLines(lines []Line) []IntentLine {
	idx := map[string]int{}
	var out []IntentLine
	for _, l := range lines {
		if i, ok := idx[l.SKU]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.SKU] = len(out)
		out = append(out, IntentLine{SKU: l.SKU, Quantity: l.Quantity})
	}
	return out
}

func orderNumber(id string, now time.Time) string {
	return "ORD-" + now.Format("20060102") + "-" + strings.ToUpper(strings.ReplaceAll(id, "-", "")[:8])
}

func validateRequest(req CheckoutRequest) error {
	switch {
	case req.SessionID == "":
		return apperr.Invalid("checkout", "missing session id")
	case strings.TrimSpace(req.Customer.Name) == "":
		return apperr.Invalid("checkout", "missing customer name")
	case req.ShippingAddress.Line1 == "" || req.ShippingAddress.City == "":
		return apperr.Invalid("checkout", "incomplete shipping address")
	case len(req.Items) == 0:
		return apperr.Invalid("checkout", "no items")
	}
	for _, it := range req.Items {
		if it.VariantID == "" {
			return apperr.Invalid("checkout", "item without variant id")
		}
		if it.Qty <= 0 {
			return apperr.Invalid("checkout", "invalid qty %d for variant %s", it.Qty, it.VariantID)
		}
	}
	return nil
}
