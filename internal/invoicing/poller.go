package invoicing

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"go.uber.org/zap"
	"time"
)

// Poller re-drives PENDING invoices in the background: unsigned ones get
// signed, unsubmitted ones submitted, ticketed ones polled.
type Poller struct {
	Issuer *Issuer
	Store  Store
	// MinAge skips invoices touched more recently than this.
	MinAge time.Duration
	Batch  int
	Log    *zap.Logger
	Now    func() time.Time
}

func (p *Poller) RunOnce(ctx context.Context) (resolved int, err error) {
	now, batch := time.Now().UTC(), p.Batch
	if p.Now != nil {
		now = p.Now()
	}
	if batch <= 0 {
		batch = 50
	}
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	maxAttempts := p.Issuer.Config.withDefaults().MaxSubmitAttempts
	pending, err := p.Store.ListPending(ctx, now.Add(-p.MinAge), maxAttempts, batch)
	if err != nil {
		return 0, err
	}
	for _, inv := range pending {
		if ctx.Err() != nil {
			return resolved, ctx.Err()
		}
		got, err := p.Issuer.Advance(ctx, inv.ID, nil)
		switch {
		case errors.Is(err, apperr.ErrBusy):
			continue // worker lain sedang pegang
		case err != nil:
			log.Warn("advance pending invoice", zap.String("invoice_id", inv.ID), zap.Error(err))
			continue
		}
		if got.SunatStatus.Terminal() {
			resolved++
		}
	}
	return resolved, nil
}

func (p *Poller) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := p.RunOnce(ctx); err != nil && ctx.Err() == nil && p.Log != nil {
				p.Log.Error("invoice poller", zap.Error(err))
			}
		}
	}
}
