package paymentdriver

import (
	"context"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// Reconciler periodically lists payments that were scheduled but never
// confirmed and logs each one older than stuckAfter. Grounded on
// original_source/core/payment-driver/erc20/src/driver/cron.rs's
// confirm_payments periodic task. The sweep only logs: it does not
// re-query the driver, settle a payment or replay a dropped
// NotifyPayment.
type Reconciler struct {
	db       *store.Store
	driver   Driver
	interval time.Duration
	// StuckAfter: an unsettled payment older than this is logged as
	// stuck; a production driver would re-query the chain here.
	stuckAfter time.Duration
	log        ops.Logger
}

// NewReconciler returns a Reconciler that sweeps every interval.
func NewReconciler(db *store.Store, driver Driver, interval, stuckAfter time.Duration, log ops.Logger) *Reconciler {
	return &Reconciler{db: db, driver: driver, interval: interval, stuckAfter: stuckAfter, log: log.With(nil)}
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *Reconciler) sweepOnce(ctx context.Context) {
	unsettled, err := store.ListUnsettledPayments(ctx, r.db.DB())
	if err != nil {
		ops.Warnf(r.log, "reconciler: listing unsettled payments: %v", err)
		return
	}
	now := time.Now()
	for _, p := range unsettled {
		if now.Sub(p.ScheduledAt) > r.stuckAfter {
			ops.Warnf(r.log, "reconciler: payment %s for agreement %s still unsettled after %s", p.OrderID, p.AgreementID, r.stuckAfter)
		}
	}
}
