package payment

import (
	"context"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// persistSyncNotif records an undelivered Accept message for replay by
// SyncRetrier, per spec.md §4.4's "on send failure, persists a SyncNotif
// and returns success to the caller" contract.
func (e *Engine) persistSyncNotif(ctx context.Context, peerNodeID, payloadKind, payloadID string) error {
	return store.UpsertSyncNotif(ctx, e.db.DB(), store.SyncNotif{
		PeerNodeID: peerNodeID, LastAttempt: time.Now(), Attempts: 1,
		PayloadKind: payloadKind, PayloadID: payloadID,
	})
}

// SyncRetrier periodically resends undelivered Accept messages.
// Grounded on paymentdriver.Reconciler's ticker-sweep shape, itself
// grounded on original_source/core/payment-driver/erc20/src/driver/cron.rs's
// confirm_payments idiom: a dropped AcceptDebitNote/AcceptInvoice must not
// strand the peer in Received state forever.
type SyncRetrier struct {
	db            *store.Store
	engine        *Engine
	interval      time.Duration
	retryInterval time.Duration
	log           ops.Logger
}

// NewSyncRetrier returns a SyncRetrier that sweeps every interval for
// notifs whose last attempt is at least retryInterval in the past.
func NewSyncRetrier(db *store.Store, engine *Engine, interval, retryInterval time.Duration, log ops.Logger) *SyncRetrier {
	return &SyncRetrier{db: db, engine: engine, interval: interval, retryInterval: retryInterval, log: log.With(nil)}
}

// Run sweeps on a ticker until ctx is cancelled.
func (r *SyncRetrier) Run(ctx context.Context) {
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

func (r *SyncRetrier) sweepOnce(ctx context.Context) {
	due, err := store.ListDueSyncNotifs(ctx, r.db.DB(), time.Now(), r.retryInterval)
	if err != nil {
		ops.Warnf(r.log, "sync retrier: listing due notifs: %v", err)
		return
	}
	for _, n := range due {
		var sendErr error
		switch n.PayloadKind {
		case payloadAcceptDebitNote:
			sendErr = r.engine.resendAcceptDebitNote(ctx, n.PeerNodeID, n.PayloadID)
		case payloadAcceptInvoice:
			sendErr = r.engine.resendAcceptInvoice(ctx, n.PeerNodeID, n.PayloadID)
		default:
			ops.Warnf(r.log, "sync retrier: unknown payload kind %q for %s", n.PayloadKind, n.PayloadID)
			continue
		}
		if sendErr != nil {
			n.Attempts++
			n.LastAttempt = time.Now()
			if err := store.UpsertSyncNotif(ctx, r.db.DB(), n); err != nil {
				ops.Warnf(r.log, "sync retrier: bumping notif %s/%s: %v", n.PeerNodeID, n.PayloadID, err)
			}
			continue
		}
		if err := store.DeleteSyncNotif(ctx, r.db.DB(), n.PeerNodeID, n.PayloadKind, n.PayloadID); err != nil {
			ops.Warnf(r.log, "sync retrier: deleting delivered notif %s/%s: %v", n.PeerNodeID, n.PayloadID, err)
		}
	}
}
