package orders

import (
	"context"
	"errors"
	"github.com/ariefcatur/go-orders-invoicing/internal/apperr"
	"github.com/ariefcatur/go-orders-invoicing/internal/inventory"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"time"
)

const DefaultIntentStaleAfter = 2 * time.Minute

// Recoverer finishes or unwinds checkout intents left PENDING by a crash, a
// timeout or a deferred commit. An intent whose own order exists gets its
// reservations committed; otherwise they are released.
type Recoverer struct {
	Intents    IntentLog
	Store      Store
	Ledger     inventory.Ledger
	StaleAfter time.Duration
	Batch      int
	Log        *zap.Logger
	Now        func() time.Time
}

func (r *Recoverer) Sweep(ctx context.Context) (int, error) {
	now, stale, batch := time.Now().UTC(), r.StaleAfter, r.Batch
	if r.Now != nil {
		now = r.Now()
	}
	if stale <= 0 {
		stale = DefaultIntentStaleAfter
	}
	if batch <= 0 {
		batch = 100
	}
	log := r.Log
	if log == nil {
		log = zap.NewNop()
	}

	intents, err := r.Intents.ListStale(ctx, now.Add(-stale), batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, in := range intents {
		o, err := r.Store.FindByExternalID(ctx, in.ExternalID)
		if err == nil && in.OrderID != "" && o.ID != in.OrderID {
			// order milik attempt lain dengan external_id yang sama
			err = apperr.ErrNotFound
		}
		switch {
		case err == nil:
			if err := r.commit(ctx, in); err != nil {
				log.Error("recover intent: commit", zap.String("intent_id", in.ID), zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			if err := r.Intents.Complete(ctx, in.ID, o.ID); err != nil {
				log.Warn("recover intent: complete", zap.String("intent_id", in.ID), zap.Error(err))
				continue
			}
			log.Info("checkout intent finished", zap.String("intent_id", in.ID), zap.String("order_id", o.ID))
		case errors.Is(err, apperr.ErrNotFound):
			if !releaseAll(ctx, r.Ledger, in.ID, in.Lines, defaultReleaseBackOff, log) {
				continue
			}
			if err := r.Intents.Abort(ctx, in.ID, "recovered: no order for this attempt"); err != nil {
				log.Warn("recover intent: abort", zap.String("intent_id", in.ID), zap.Error(err))
				continue
			}
			log.Info("checkout intent unwound", zap.String("intent_id", in.ID))
		default:
			log.Error("recover intent: lookup order", zap.String("intent_id", in.ID), zap.Error(err))
			continue
		}
		done++
	}
	return done, nil
}

func (r *Recoverer) commit(ctx context.Context, in Intent) error {
	for _, l := range in.Lines {
		err := backoff.Retry(func() error {
			err := r.Ledger.CommitReservation(ctx, l.SKU, l.Quantity, in.ID)
			var ie *apperr.InvalidOperationError
			if errors.As(err, &ie) {
				return backoff.Permanent(err)
			}
			return err
		}, backoff.WithContext(defaultReleaseBackOff(), ctx))
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Recoverer) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := r.Sweep(ctx); err != nil && ctx.Err() == nil && r.Log != nil {
				r.Log.Error("intent recovery sweep", zap.Error(err))
			}
		}
	}
}
