package market

import (
	"context"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// persistSyncNotif records an undelivered peer-send for replay by a
// SyncRetrier, the same durability contract payment.Engine uses for its
// own Accept messages (internal/payment/sync.go): a failure after the
// local state transition already committed must not be surfaced to the
// caller as an error, only scheduled for resend.
func (e *Engine) persistSyncNotif(ctx context.Context, peerNodeID, payloadKind, payloadID string) error {
	return store.UpsertSyncNotif(ctx, e.db.DB(), store.SyncNotif{
		PeerNodeID: peerNodeID, LastAttempt: time.Now(), Attempts: 1,
		PayloadKind: payloadKind, PayloadID: payloadID,
	})
}

func (e *Engine) resendAgreementReceived(ctx context.Context, peerNodeID, payloadID string) error {
	if e.rpc == nil {
		return nil
	}
	tagged, err := ids.ParseTagged(payloadID)
	if err != nil {
		return err
	}
	a, err := store.GetAgreement(ctx, e.db.DB(), tagged.Canonical, tagged.Owner.String())
	if err != nil {
		if err == store.ErrNotFound {
			return nil // the Agreement is gone (GC'd); nothing left to reconcile
		}
		return err
	}
	if a.ProposedSig == nil {
		return nil
	}
	msg := AgreementReceivedMsg{
		AgreementID: tagged.Tagged(), DemandProposalID: a.DemandProposalID, OfferProposalID: a.OfferProposalID,
		ProviderID: a.ProviderID, RequestorID: a.RequestorID, ValidToUnixNano: a.ValidTo.UnixNano(),
		AppSessionID: a.AppSessionID, ProposedSig: *a.ProposedSig,
	}
	_, err = e.rpc.Send(ctx, "", peerNodeID, "market/agreement/received", msg)
	return err
}

func (e *Engine) resendAgreementApproved(ctx context.Context, peerNodeID, payloadID string) error {
	if e.rpc == nil {
		return nil
	}
	tagged, err := ids.ParseTagged(payloadID)
	if err != nil {
		return err
	}
	a, err := store.GetAgreement(ctx, e.db.DB(), tagged.Canonical, tagged.Owner.String())
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if a.ApprovedSig == nil {
		return nil
	}
	_, err = e.rpc.Send(ctx, "", peerNodeID, "market/agreement/approved", AgreementApprovedMsg{AgreementID: tagged.Tagged(), ApprovedSig: *a.ApprovedSig})
	return err
}

// SyncRetrier periodically resends Agreement handshake messages that
// failed to reach a peer after their local state transition already
// committed, grounded on payment.SyncRetrier's ticker-sweep shape.
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
		ops.Warnf(r.log, "market sync retrier: listing due notifs: %v", err)
		return
	}
	for _, n := range due {
		var sendErr error
		switch n.PayloadKind {
		case payloadAgreementReceived:
			sendErr = r.engine.resendAgreementReceived(ctx, n.PeerNodeID, n.PayloadID)
		case payloadAgreementApproved:
			sendErr = r.engine.resendAgreementApproved(ctx, n.PeerNodeID, n.PayloadID)
		default:
			ops.Warnf(r.log, "market sync retrier: unknown payload kind %q for %s", n.PayloadKind, n.PayloadID)
			continue
		}
		if sendErr != nil {
			n.Attempts++
			n.LastAttempt = time.Now()
			if err := store.UpsertSyncNotif(ctx, r.db.DB(), n); err != nil {
				ops.Warnf(r.log, "market sync retrier: bumping notif %s/%s: %v", n.PeerNodeID, n.PayloadID, err)
			}
			continue
		}
		if err := store.DeleteSyncNotif(ctx, r.db.DB(), n.PeerNodeID, n.PayloadKind, n.PayloadID); err != nil {
			ops.Warnf(r.log, "market sync retrier: deleting delivered notif %s/%s: %v", n.PeerNodeID, n.PayloadID, err)
		}
	}
}
