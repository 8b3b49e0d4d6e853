package market

import (
	"context"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// OnAgreementReceived materializes the Provider's own Pending-state
// Agreement row on receipt of a confirm_agreement handshake, mirroring
// payment.Engine.OnDebitNoteReceived's "the peer's view is a row of its
// own, not a pointer into mine" shape. Idempotent: a duplicate delivery
// (retry after a dropped reply) finds the row already there and no-ops.
func (e *Engine) OnAgreementReceived(ctx context.Context, msg AgreementReceivedMsg) error {
	tagged, err := ids.ParseTagged(msg.AgreementID)
	if err != nil {
		return err
	}
	id := ids.AgreementID{Canonical: tagged.Canonical, Owner: ids.Provider}
	unlock := e.locks.lock(id.Tagged())
	defer unlock()

	if _, err := store.GetAgreement(ctx, e.db.DB(), id.Canonical, id.Owner.String()); err == nil {
		return nil
	} else if err != store.ErrNotFound {
		return err
	}

	sig := msg.ProposedSig
	validTo := time.Unix(0, msg.ValidToUnixNano)
	a := store.Agreement{
		ID:                   id.Canonical,
		Owner:                id.Owner.String(),
		DemandProposalID:     msg.DemandProposalID,
		OfferProposalID:      msg.OfferProposalID,
		ProviderID:           msg.ProviderID,
		RequestorID:          msg.RequestorID,
		ValidTo:              validTo,
		AppSessionID:         msg.AppSessionID,
		State:                store.AgreementPending,
		ProposedSig:          &sig,
		TotalAmountScheduled: "0",
	}
	if err := store.InsertAgreement(ctx, e.db.DB(), a); err != nil {
		return err
	}
	e.deadlines.TrackDeadline(deadlineCategoryExpiration, id.Tagged(), validTo)
	return nil
}

// OnAgreementApproved folds an approval ack into the Requestor's own
// row. A row already Approved is a duplicate delivery; a row no longer
// Pending lost a race against a local Cancel and the ack is dropped,
// same as ApproveAgreement dropping a late ack against a won Cancel.
func (e *Engine) OnAgreementApproved(ctx context.Context, msg AgreementApprovedMsg) error {
	tagged, err := ids.ParseTagged(msg.AgreementID)
	if err != nil {
		return err
	}
	id := ids.AgreementID{Canonical: tagged.Canonical, Owner: ids.Requestor}
	unlock := e.locks.lock(id.Tagged())
	defer unlock()

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if a.State == store.AgreementApproved {
		return nil
	}
	if a.State != store.AgreementPending {
		return nil
	}
	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), store.AgreementPending, store.AgreementApproved); err != nil {
		if err == store.ErrCASMismatch {
			return nil
		}
		return err
	}
	if err := store.SetAgreementSignature(ctx, e.db.DB(), id.Canonical, id.Owner.String(), "approved", msg.ApprovedSig); err != nil {
		return err
	}
	if err := store.SetAgreementApprovedTs(ctx, e.db.DB(), id.Canonical, id.Owner.String(), time.Now()); err != nil {
		return err
	}
	if _, err := store.AppendAgreementEvent(ctx, e.db.DB(), store.AgreementEvent{
		AgreementID: id.Canonical, Owner: id.Owner.String(), EventType: "AgreementApprovedEvent", Timestamp: time.Now(),
	}); err != nil {
		return err
	}
	e.notifyEvents(id.Owner.String())
	if e.metrics != nil {
		e.metrics.AgreementTransitions.WithLabelValues(string(store.AgreementApproved)).Inc()
	}
	e.notif.Notify(id.Tagged())
	return nil
}

// OnAgreementRejected folds a rejection into the Requestor's own row.
func (e *Engine) OnAgreementRejected(ctx context.Context, msg AgreementRejectedMsg) error {
	tagged, err := ids.ParseTagged(msg.AgreementID)
	if err != nil {
		return err
	}
	id := ids.AgreementID{Canonical: tagged.Canonical, Owner: ids.Requestor}
	unlock := e.locks.lock(id.Tagged())
	defer unlock()

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if a.State.Terminal() {
		return nil
	}
	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), a.State, store.AgreementRejected); err != nil {
		if err == store.ErrCASMismatch {
			return nil
		}
		return err
	}
	if _, err := store.AppendAgreementEvent(ctx, e.db.DB(), store.AgreementEvent{
		AgreementID: id.Canonical, Owner: id.Owner.String(), EventType: "AgreementRejectedEvent", Reason: msg.Reason, Timestamp: time.Now(),
	}); err != nil {
		return err
	}
	e.notifyEvents(id.Owner.String())
	e.deadlines.StopTracking(deadlineCategoryExpiration, id.Tagged())
	e.locks.evict(id.Tagged())
	if e.metrics != nil {
		e.metrics.AgreementTransitions.WithLabelValues(string(store.AgreementRejected)).Inc()
	}
	e.notif.Notify(id.Tagged())
	return nil
}

// OnAgreementCancelled folds a cancellation into the Provider's own row.
func (e *Engine) OnAgreementCancelled(ctx context.Context, msg AgreementCancelledMsg) error {
	tagged, err := ids.ParseTagged(msg.AgreementID)
	if err != nil {
		return err
	}
	id := ids.AgreementID{Canonical: tagged.Canonical, Owner: ids.Provider}
	unlock := e.locks.lock(id.Tagged())
	defer unlock()

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if a.State.Terminal() {
		return nil
	}
	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), a.State, store.AgreementCancelled); err != nil {
		if err == store.ErrCASMismatch {
			return nil
		}
		return err
	}
	if _, err := store.AppendAgreementEvent(ctx, e.db.DB(), store.AgreementEvent{
		AgreementID: id.Canonical, Owner: id.Owner.String(), EventType: "AgreementCancelledEvent", Reason: msg.Reason, Timestamp: time.Now(),
	}); err != nil {
		return err
	}
	e.notifyEvents(id.Owner.String())
	e.deadlines.StopTracking(deadlineCategoryExpiration, id.Tagged())
	e.locks.evict(id.Tagged())
	if e.metrics != nil {
		e.metrics.AgreementTransitions.WithLabelValues(string(store.AgreementCancelled)).Inc()
	}
	e.notif.Notify(id.Tagged())
	return nil
}

// OnAgreementTerminated folds a termination into the non-terminating
// role's own row.
func (e *Engine) OnAgreementTerminated(ctx context.Context, msg AgreementTerminatedMsg) error {
	tagged, err := ids.ParseTagged(msg.AgreementID)
	if err != nil {
		return err
	}
	terminator, err := ids.ParseRole(msg.Terminator)
	if err != nil {
		return err
	}
	id := ids.AgreementID{Canonical: tagged.Canonical, Owner: terminator.Other()}
	unlock := e.locks.lock(id.Tagged())
	defer unlock()

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if a.State == store.AgreementTerminated {
		return nil
	}
	if a.State != store.AgreementApproved {
		return nil
	}
	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), store.AgreementApproved, store.AgreementTerminated); err != nil {
		if err == store.ErrCASMismatch {
			return nil
		}
		return err
	}
	if msg.Signature != nil {
		if err := store.SetAgreementSignature(ctx, e.db.DB(), id.Canonical, id.Owner.String(), "committed", *msg.Signature); err != nil {
			return err
		}
	}
	if _, err := store.AppendAgreementEvent(ctx, e.db.DB(), store.AgreementEvent{
		AgreementID: id.Canonical, Owner: id.Owner.String(), EventType: "AgreementTerminatedEvent", Reason: msg.Reason, Signature: msg.Signature, Timestamp: time.Now(),
	}); err != nil {
		return err
	}
	e.notifyEvents(id.Owner.String())
	e.locks.evict(id.Tagged())
	if e.metrics != nil {
		e.metrics.AgreementTransitions.WithLabelValues(string(store.AgreementTerminated)).Inc()
	}
	e.notif.Notify(id.Tagged())
	return nil
}

