package orders

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type expiredCanceller interface {
	CancelExpired(ctx context.Context, orderID string) error
}

// Reaper bounds how long an abandoned checkout can pin stock: orders stuck
// in PENDING_PAYMENT past the timeout are force-cancelled through the
// service, which also refunds a payment that was captured but whose success
// event never got processed.
type Reaper struct {
	store    Store
	svc      expiredCanceller
	interval time.Duration
	timeout  time.Duration
	log      *zap.SugaredLogger
}

func NewReaper(store Store, svc expiredCanceller, interval, timeout time.Duration, log *zap.SugaredLogger) *Reaper {
	return &Reaper{store: store, svc: svc, interval: interval, timeout: timeout, log: log}
}

func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	r.log.Infow("unpaid-order reaper started", "interval", r.interval, "timeout", r.timeout)
	for {
		select {
		case <-ctx.Done():
			r.log.Info("unpaid-order reaper stopped")
			return
		case <-ticker.C:
			if err := r.ReapOnce(ctx); err != nil {
				r.log.Errorw("reaper sweep failed", "err", err)
			}
		}
	}
}

// ReapOnce sweeps one batch of expired unpaid orders.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.timeout)
	expired, err := r.store.PendingPaymentBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	for i := range expired {
		if err := r.svc.CancelExpired(ctx, expired[i].ID); err != nil {
			r.log.Errorw("reap failed", "order", expired[i].ID, "err", err)
		}
	}
	return nil
}
