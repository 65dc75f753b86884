package inventory

import (
	"context"
	"go.uber.org/zap"
	"time"
)

// Sweeper releases reservations past their expiry. The ledger never schedules
// anything itself; cmd/inventory runs this on a ticker.
type Sweeper struct {
	Ledger Ledger
	Log    *zap.Logger
	Batch  int
	Now    func() time.Time
}

func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	now, batch := time.Now, s.Batch
	if s.Now != nil {
		now = s.Now
	}
	if batch <= 0 {
		batch = 500
	}
	log := s.logger()

	at := now()
	expired, err := s.Ledger.ListExpired(ctx, at, batch)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, r := range expired {
		// re-reserved since the listing: expiry moved forward, hold stays
		ok, err := s.Ledger.ReleaseExpired(ctx, r.SKU, r.SessionID, at)
		if err != nil {
			log.Warn("release expired reservation", zap.String("sku", r.SKU), zap.String("session_id", r.SessionID), zap.Error(err))
			continue
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		log.Info("expired reservations released", zap.Int("count", released))
	}
	return released, nil
}

func (s *Sweeper) Run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				s.logger().Error("reservation sweep", zap.Error(err))
			}
		}
	}
}

func (s *Sweeper) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}
