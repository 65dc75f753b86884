package invoicing

import (
	"context"
	"errors"
	"fmt"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/money"
	"github.com/ariefcatur/go-orders-invoicing/internal/orders"
	"github.com/ariefcatur/go-orders-invoicing/internal/redisx"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"strings"
	"time"
)

const (
	DefaultMaxSubmitAttempts = 3
	DefaultPollInterval      = 5 * time.Second
	DefaultPollMaxAttempts   = 6
)

var errStillPending = errors.New("sunat status still pending")

type Config struct {
	CompanyRUC        string
	SeriesFactura     string
	SeriesBoleta      string
	MaxSubmitAttempts int
	PollInterval      time.Duration
	PollMaxAttempts   int
	// LockTTL must outlive one Poll budget; zero derives it from the poll settings.
	LockTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.SeriesFactura == "" {
		c.SeriesFactura = "F001"
	}
	if c.SeriesBoleta == "" {
		c.SeriesBoleta = "B001"
	}
	if c.MaxSubmitAttempts <= 0 {
		c.MaxSubmitAttempts = DefaultMaxSubmitAttempts
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PollMaxAttempts <= 0 {
		c.PollMaxAttempts = DefaultPollMaxAttempts
	}
	if c.LockTTL <= 0 {
		c.LockTTL = time.Duration(c.PollMaxAttempts)*c.PollInterval + time.Minute
	}
	return c
}

func (c Config) seriesFor(t DocType) string {
	if t == DocFactura {
		return c.SeriesFactura
	}
	return c.SeriesBoleta
}

// Issuer drives an invoice PENDING -> ACCEPTED | REJECTED through the OSE
// gateway, and ACCEPTED -> VOIDED on request. Gateway failures never change
// sunatStatus; the invoice stays PENDING for the Poller.
type Issuer struct {
	Engine  *money.Engine
	Store   Store
	Gateway Gateway
	Locker  Locker          // nil: tanpa lock lintas proses
	Events  StatusPublisher // optional
	Config  Config
	Log     *zap.Logger
	Now     func() time.Time

	// SignBackOff bounds retries of a retryable sign failure; nil uses a short exponential policy.
	SignBackOff func() backoff.BackOff
}

// Create derives the invoice from the order. One invoice per order: a second
// call returns the existing one.
func (is *Issuer) Create(ctx context.Context, o *orders.Order) (inv *Invoice, err error) {
	ctx, span := tracer.Start(ctx, "invoice.create", trace.WithAttributes(attribute.String("order.id", o.ID)))
	defer func() { endSpan(span, inv, err) }()

	if o.Status == orders.StatusCancelled {
		return nil, apperr.Invalid("invoice.Create", "order %s is cancelled", o.ID)
	}
	if existing, err := is.Store.FindByOrderID(ctx, o.ID); err == nil {
		return existing, nil
	} else if !errors.Is(err, apperr.ErrNotFound) {
		return nil, err
	}

	tb, err := is.Engine.Decompose(money.New(o.Totals.Total, o.Totals.Currency))
	if err != nil {
		return nil, err
	}
	cfg := is.Config.withDefaults()
	docType := DocTypeFor(o.Customer)
	now := is.now()
	inv = &Invoice{
		ID:           uuid.NewString(),
		OrderID:      o.ID,
		DocType:      docType,
		Series:       cfg.seriesFor(docType),
		Currency:     tb.Currency,
		TotalGravado: tb.Base,
		TotalIgv:     tb.Tax,
		TotalAmount:  tb.Total,
		Customer:     o.Customer,
		SunatStatus:  StatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := is.Store.Create(ctx, inv); err != nil {
		if errors.Is(err, apperr.ErrConflict) {
			if existing, ferr := is.Store.FindByOrderID(ctx, o.ID); ferr == nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("create invoice for order %s: %w", o.ID, err)
	}
	is.log().Info("invoice created",
		zap.String("invoice_id", inv.ID),
		zap.String("order_id", o.ID),
		zap.String("number", inv.Number()),
		zap.String("total", inv.TotalAmount.StringFixed(2)),
	)
	return inv, nil
}

// Sign stores the signed XML and its hash. Already signed invoices are returned as is.
func (is *Issuer) Sign(ctx context.Context, id string) (inv *Invoice, err error) {
	ctx, span := tracer.Start(ctx, "invoice.sign", trace.WithAttributes(attribute.String("invoice.id", id)))
	defer func() { endSpan(span, inv, err) }()

	err = is.withLock(ctx, id, func() error {
		if inv, err = is.Store.FindByID(ctx, id); err != nil {
			return err
		}
		if inv.SunatStatus != StatusPending {
			return apperr.Invalid("invoice.Sign", "invoice %s is %s", id, inv.SunatStatus)
		}
		if inv.Signed() {
			return nil
		}

		var res SignResult
		err := backoff.Retry(func() error {
			r, err := is.Gateway.SignInvoice(ctx, inv)
			if err != nil {
				if !apperr.IsRetryable(err) {
					return backoff.Permanent(err)
				}
				return err
			}
			res = r
			return nil
		}, backoff.WithContext(is.signBackOff(), ctx))
		if err != nil {
			is.log().Warn("sign invoice failed", zap.String("invoice_id", id), zap.Error(err))
			return err
		}
		if res.XMLContent == "" || res.Hash == "" {
			return &apperr.GatewayError{Op: "sign", Err: errors.New("empty xml or hash")}
		}
		if err := setOnce("xml_content", &inv.XMLContent, res.XMLContent); err != nil {
			return err
		}
		if err := setOnce("xml_hash", &inv.XMLHash, res.Hash); err != nil {
			return err
		}
		return is.Store.Update(ctx, inv, StatusPending)
	})
	return inv, err
}

// Submit sends the signed XML once. An invoice that already has a ticket or CDR
// is never resent. A resend after a failed attempt reuses the same file name,
// and the number of attempts is capped by MaxSubmitAttempts.
func (is *Issuer) Submit(ctx context.Context, id string) (inv *Invoice, err error) {
	ctx, span := tracer.Start(ctx, "invoice.submit", trace.WithAttributes(attribute.String("invoice.id", id)))
	defer func() { endSpan(span, inv, err) }()

	cfg := is.Config.withDefaults()
	err = is.withLock(ctx, id, func() error {
		if inv, err = is.Store.FindByID(ctx, id); err != nil {
			return err
		}
		switch {
		case inv.SunatStatus.Terminal(), inv.Submitted():
			return nil
		case !inv.Signed():
			return apperr.Invalid("invoice.Submit", "invoice %s is not signed", id)
		case inv.SubmitExhausted(cfg.MaxSubmitAttempts):
			return apperr.Invalid("invoice.Submit", "invoice %s used all %d submit attempts", id, cfg.MaxSubmitAttempts)
		}

		// attempt dicatat sebelum call gateway, supaya crash tetap terhitung
		now := is.now()
		inv.SubmitAttempts++
		inv.SubmittedAt = &now
		if err := is.Store.Update(ctx, inv, StatusPending); err != nil {
			return err
		}

		res, err := is.Gateway.SendToOSE(ctx, inv.XMLContent, inv.FileName(cfg.CompanyRUC))
		if err == nil {
			if res.Status == "" {
				res.Status = StatusPending
			}
			err = checkSendResult(res)
		}
		if err != nil {
			inv.GatewayMessage = err.Error()
			if uerr := is.Store.Update(context.WithoutCancel(ctx), inv, StatusPending); uerr != nil {
				is.log().Warn("record submit failure", zap.String("invoice_id", id), zap.Error(uerr))
			}
			if inv.SubmitExhausted(cfg.MaxSubmitAttempts) {
				is.log().Error("submit attempts exhausted, invoice needs manual resubmission",
					zap.String("invoice_id", id), zap.String("number", inv.Number()), zap.Int("attempts", inv.SubmitAttempts), zap.Error(err))
			} else {
				is.log().Warn("submit invoice failed",
					zap.String("invoice_id", id), zap.Int("attempt", inv.SubmitAttempts), zap.Error(err))
			}
			return err
		}

		for _, f := range []struct {
			name string
			dst  *string
			v    string
		}{
			{"ticket", &inv.Ticket, res.Ticket},
			{"cdr_url", &inv.CdrURL, res.CdrURL},
			{"cdr_status", &inv.CdrStatus, res.CdrStatus},
			{"xml_url", &inv.XMLURL, res.XMLURL},
			{"pdf_url", &inv.PDFURL, res.PDFURL},
		} {
			if err := setOnce(f.name, f.dst, f.v); err != nil {
				return err
			}
		}
		inv.GatewayMessage = res.Message
		inv.SunatStatus = res.Status
		if err := is.Store.Update(context.WithoutCancel(ctx), inv, StatusPending); err != nil {
			return err
		}
		is.resolved(ctx, inv)
		return nil
	})
	return inv, err
}

// Poll checks the ticket until a terminal status or until budget runs out.
// An exhausted budget (or a caller timeout) leaves the invoice PENDING and is
// not an error; the same call can be repeated later.
func (is *Issuer) Poll(ctx context.Context, id string, budget backoff.BackOff) (inv *Invoice, err error) {
	ctx, span := tracer.Start(ctx, "invoice.poll", trace.WithAttributes(attribute.String("invoice.id", id)))
	defer func() { endSpan(span, inv, err) }()

	if budget == nil {
		budget = is.PollBudget()
	}
	err = is.withLock(ctx, id, func() error {
		if inv, err = is.Store.FindByID(ctx, id); err != nil {
			return err
		}
		if inv.SunatStatus.Terminal() {
			return nil
		}
		if inv.Ticket == "" {
			return apperr.Invalid("invoice.Poll", "invoice %s has no ticket to poll", id)
		}

		checks := 0
		var res StatusResult
		err := backoff.Retry(func() error {
			checks++
			r, err := is.Gateway.CheckStatus(ctx, inv.Ticket)
			switch {
			case err != nil && !apperr.IsRetryable(err):
				return backoff.Permanent(err)
			case err != nil:
				return err
			case r.Status == StatusPending:
				return errStillPending
			case r.Status != StatusAccepted && r.Status != StatusRejected:
				return backoff.Permanent(&apperr.GatewayError{Op: "check", Err: fmt.Errorf("unexpected status %q", r.Status)})
			}
			res = r
			return nil
		}, backoff.WithContext(budget, ctx))

		if err != nil {
			if errors.Is(err, errStillPending) || apperr.IsRetryable(err) || ctx.Err() != nil {
				is.log().Info("invoice still pending",
					zap.String("invoice_id", id), zap.Int("checks", checks), zap.NamedError("last", err))
				// sentuh updated_at supaya poller bergiliran
				if uerr := is.Store.Update(context.WithoutCancel(ctx), inv, StatusPending); uerr != nil {
					is.log().Warn("touch pending invoice", zap.String("invoice_id", id), zap.Error(uerr))
				}
				return nil
			}
			is.log().Warn("poll invoice failed", zap.String("invoice_id", id), zap.Error(err))
			return err
		}

		if err := setOnce("cdr_url", &inv.CdrURL, res.CdrURL); err != nil {
			return err
		}
		if err := setOnce("cdr_status", &inv.CdrStatus, res.CdrStatus); err != nil {
			return err
		}
		inv.GatewayMessage = res.Message
		inv.SunatStatus = res.Status
		if err := is.Store.Update(context.WithoutCancel(ctx), inv, StatusPending); err != nil {
			return err
		}
		is.resolved(ctx, inv)
		return nil
	})
	return inv, err
}

// Void cancels an ACCEPTED invoice. Any other status is refused.
func (is *Issuer) Void(ctx context.Context, id, reason string) (inv *Invoice, err error) {
	ctx, span := tracer.Start(ctx, "invoice.void", trace.WithAttributes(attribute.String("invoice.id", id)))
	defer func() { endSpan(span, inv, err) }()

	if strings.TrimSpace(reason) == "" {
		return nil, apperr.Invalid("invoice.Void", "void reason is required")
	}
	err = is.withLock(ctx, id, func() error {
		if inv, err = is.Store.FindByID(ctx, id); err != nil {
			return err
		}
		if inv.SunatStatus != StatusAccepted {
			return apperr.Invalid("invoice.Void", "invoice %s is %s, only ACCEPTED can be voided", id, inv.SunatStatus)
		}
		now := is.now()
		inv.SunatStatus = StatusVoided
		inv.VoidedAt = &now
		inv.VoidReason = reason
		if err := is.Store.Update(ctx, inv, StatusAccepted); err != nil {
			return err
		}
		is.log().Info("invoice voided", zap.String("invoice_id", id), zap.String("reason", reason))
		is.publish(ctx, inv)
		return nil
	})
	return inv, err
}

// Issue runs Create then Advance. The order is never rolled back: on a gateway
// failure the returned invoice is still PENDING together with the error.
func (is *Issuer) Issue(ctx context.Context, o *orders.Order, budget backoff.BackOff) (*Invoice, error) {
	inv, err := is.Create(ctx, o)
	if err != nil {
		return nil, err
	}
	return is.Advance(ctx, inv.ID, budget)
}

// Advance moves a PENDING invoice to its next step: sign, submit or poll.
func (is *Issuer) Advance(ctx context.Context, id string, budget backoff.BackOff) (*Invoice, error) {
	inv, err := is.Store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inv.SunatStatus.Terminal() {
		return inv, nil
	}
	if !inv.Signed() {
		if inv, err = is.Sign(ctx, id); err != nil {
			return inv, err
		}
	}
	if !inv.Submitted() {
		if inv, err = is.Submit(ctx, id); err != nil || inv.SunatStatus.Terminal() {
			return inv, err
		}
	}
	return is.Poll(ctx, id, budget)
}

// PollBudget: PollMaxAttempts checks spaced PollInterval apart.
func (is *Issuer) PollBudget() backoff.BackOff {
	cfg := is.Config.withDefaults()
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(cfg.PollInterval), uint64(cfg.PollMaxAttempts-1))
}

func (is *Issuer) withLock(ctx context.Context, id string, fn func() error) error {
	if is.Locker == nil {
		return fn()
	}
	unlock, err := is.Locker.TryLock(ctx, fmt.Sprintf(redisx.KeyInvoiceLock, id), is.Config.withDefaults().LockTTL)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

func (is *Issuer) resolved(ctx context.Context, inv *Invoice) {
	if !inv.SunatStatus.Terminal() {
		return
	}
	fields := []zap.Field{
		zap.String("invoice_id", inv.ID),
		zap.String("number", inv.Number()),
		zap.String("sunat_status", string(inv.SunatStatus)),
	}
	if inv.SunatStatus == StatusRejected {
		is.log().Warn("invoice rejected", append(fields, zap.String("message", inv.GatewayMessage))...)
	} else {
		is.log().Info("invoice accepted", fields...)
	}
	is.publish(ctx, inv)
}

func (is *Issuer) publish(ctx context.Context, inv *Invoice) {
	if is.Events == nil {
		return
	}
	if err := is.Events.InvoiceStatusChanged(ctx, inv); err != nil {
		is.log().Warn("publish invoice status", zap.String("invoice_id", inv.ID), zap.Error(err))
	}
}

func (is *Issuer) signBackOff() backoff.BackOff {
	if is.SignBackOff != nil {
		return is.SignBackOff()
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxElapsedTime = 5 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

func (is *Issuer) now() time.Time {
	if is.Now != nil {
		return is.Now()
	}
	return time.Now().UTC()
}

func (is *Issuer) log() *zap.Logger {
	if is.Log == nil {
		return zap.NewNop()
	}
	return is.Log
}

// checkSendResult: gateway harus mengembalikan ticket atau CDR final.
func checkSendResult(res SendResult) error {
	switch res.Status {
	case StatusAccepted, StatusRejected:
		return nil
	case StatusPending:
		if res.Ticket != "" {
			return nil
		}
		return &apperr.GatewayError{Op: "send", Err: errors.New("response has neither ticket nor CDR")}
	}
	return &apperr.GatewayError{Op: "send", Err: fmt.Errorf("unexpected status %q", res.Status)}
}

func endSpan(span trace.Span, inv *Invoice, err error) {
	if inv != nil {
		span.SetAttributes(attribute.String("invoice.status", string(inv.SunatStatus)))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
