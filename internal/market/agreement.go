package market

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/adapters/rpcnet"
	"github.com/golemfactory/yagna-sub001/internal/bus"
	"github.com/golemfactory/yagna-sub001/internal/deadline"
	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/notifier"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// deadlineCategoryExpiration is the internal/deadline category the
// Market Engine tracks Agreement expirations under.
const deadlineCategoryExpiration = "agreement-expiration"

// ApprovalKind is the settled outcome of wait_for_approval.
type ApprovalKind int

const (
	ApprovalApproved ApprovalKind = iota
	ApprovalRejected
	ApprovalCancelled
)

// ApprovalStatus is wait_for_approval's return value.
type ApprovalStatus struct {
	Kind   ApprovalKind
	Reason *string
}

// Engine is the Market Engine: Agreement creation, the approval
// handshake, and termination (spec.md §4.2).
type Engine struct {
	db         *store.Store
	rpc        rpcnet.Client
	bus        *bus.Bus
	notif      *notifier.Notifier[string] // keyed by ids.AgreementID.Tagged()
	eventNotif *notifier.Notifier[string] // keyed by ids.Role.String(), for query_agreement_events
	locks      *agreementLocks
	signer     *Signer
	deadlines  *deadline.Checker
	metrics    *ops.Metrics
	log        ops.Logger
}

// NewEngine constructs a Market Engine.
func NewEngine(db *store.Store, rpc rpcnet.Client, b *bus.Bus, signer *Signer, deadlines *deadline.Checker, metrics *ops.Metrics, log ops.Logger) *Engine {
	return &Engine{
		db:         db,
		rpc:        rpc,
		bus:        b,
		notif:      notifier.New[string](),
		eventNotif: notifier.New[string](),
		locks:      newAgreementLocks(),
		signer:     signer,
		deadlines:  deadlines,
		metrics:    metrics,
		log:        log.With(nil),
	}
}

// GetAgreement loads an Agreement, promoting it to Expired at read time
// if valid_to has passed while it sat non-terminal (spec.md §3's
// invariant).
func (e *Engine) GetAgreement(ctx context.Context, id ids.AgreementID) (store.Agreement, error) {
	a, err := store.GetAgreement(ctx, e.db.DB(), id.Canonical, id.Owner.String())
	if err != nil {
		if err == store.ErrNotFound {
			return store.Agreement{}, &NotFound{Kind: "agreement", ID: id.Tagged()}
		}
		return store.Agreement{}, err
	}
	if !a.State.Terminal() && !a.ValidTo.After(time.Now()) {
		if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), a.State, store.AgreementExpired); err == nil {
			a.State = store.AgreementExpired
			e.deadlines.StopTracking(deadlineCategoryExpiration, id.Tagged())
			e.locks.evict(id.Tagged())
		}
	}
	return a, nil
}

// CreateAgreement implements create_agreement(proposal_id, valid_to) →
// agreement_id.
func (e *Engine) CreateAgreement(ctx context.Context, offerProposalID string, validTo time.Time, owner ids.Role, providerID, requestorID string) (ids.AgreementID, error) {
	proposal, err := store.GetProposal(ctx, e.db.DB(), offerProposalID)
	if err != nil {
		if err == store.ErrNotFound {
			return ids.AgreementID{}, &NotFound{Kind: "proposal", ID: offerProposalID}
		}
		return ids.AgreementID{}, err
	}
	if proposal.Issuer == store.IssuerUs {
		return ids.AgreementID{}, &ProposalOwnedByCaller{ProposalID: offerProposalID}
	}
	if proposal.PrevProposalID == nil {
		return ids.AgreementID{}, &NoNegotiations{ProposalID: offerProposalID}
	}
	if _, hasCounter, err := store.FindCounterOf(ctx, e.db.DB(), offerProposalID); err != nil {
		return ids.AgreementID{}, err
	} else if hasCounter {
		return ids.AgreementID{}, &ProposalCountered{ProposalID: offerProposalID}
	}
	if existingID, exists, err := store.AgreementExistsNonTerminalForProposal(ctx, e.db.DB(), offerProposalID, owner.String()); err != nil {
		return ids.AgreementID{}, err
	} else if exists {
		return ids.AgreementID{}, &AlreadyExists{AgreementID: existingID, ProposalID: offerProposalID}
	}

	agreementID := ids.NewAgreementID(owner)
	a := store.Agreement{
		ID:                   agreementID.Canonical,
		Owner:                owner.String(),
		DemandProposalID:     offerProposalID,
		OfferProposalID:      offerProposalID,
		ProviderID:           providerID,
		RequestorID:          requestorID,
		ValidTo:              validTo,
		State:                store.AgreementProposal,
		TotalAmountScheduled: "0",
	}

	if err := e.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := store.InsertAgreement(ctx, tx, a); err != nil {
			return err
		}
		return store.SetProposalState(ctx, tx, offerProposalID, store.ProposalAccepted)
	}); err != nil {
		return ids.AgreementID{}, err
	}

	e.deadlines.TrackDeadline(deadlineCategoryExpiration, agreementID.Tagged(), validTo)
	return agreementID, nil
}

// agreementDigest is the canonical body this Agreement's signatures are
// issued over.
func agreementDigest(a store.Agreement) string {
	return highwayDigest(fmt.Sprintf("%s|%s|%s|%d", a.DemandProposalID, a.OfferProposalID, a.State, a.ValidTo.UnixNano()))
}

// ConfirmAgreement implements confirm_agreement(id, app_session_id?).
func (e *Engine) ConfirmAgreement(ctx context.Context, id ids.AgreementID, appSessionID *string) error {
	unlock := e.locks.lock(id.Tagged())
	defer unlock()

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if a.State == store.AgreementPending {
		return nil // idempotent per spec.md §4.2
	}
	if a.State != store.AgreementProposal {
		return &InvalidTransition{From: string(a.State), To: string(store.AgreementPending)}
	}

	sig, err := e.signer.Sign(ctx, a.RequestorID, agreementDigest(a))
	if err != nil {
		return fmt.Errorf("market: confirming agreement %s: %w", id.Tagged(), err)
	}

	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), store.AgreementProposal, store.AgreementPending); err != nil {
		return err
	}
	if err := store.SetAgreementSignature(ctx, e.db.DB(), id.Canonical, id.Owner.String(), "proposed", sig); err != nil {
		return err
	}
	if appSessionID != nil {
		// CreateAgreement does not take an app_session_id; it is
		// attached here at confirm time via a direct column update.
		if _, execErr := e.db.DB().ExecContext(ctx, `UPDATE agreement SET app_session_id = ? WHERE id = ? AND owner = ?`, *appSessionID, id.Canonical, id.Owner.String()); execErr != nil {
			return fmt.Errorf("market: setting app_session_id on %s: %w", id.Tagged(), execErr)
		}
	}

	if e.rpc != nil && a.ProviderID != "" {
		msg := AgreementReceivedMsg{
			AgreementID: id.Tagged(), DemandProposalID: a.DemandProposalID, OfferProposalID: a.OfferProposalID,
			ProviderID: a.ProviderID, RequestorID: a.RequestorID, ValidToUnixNano: a.ValidTo.UnixNano(),
			AppSessionID: appSessionID, ProposedSig: sig,
		}
		if _, sendErr := e.rpc.Send(ctx, a.RequestorID, a.ProviderID, "market/agreement/received", msg); sendErr != nil {
			// Pending is already durable on this side; a dropped handshake
			// delivery is reconciled by SyncRetrier, not surfaced as a
			// failure of confirm_agreement itself.
			ops.Warnf(e.log, "market: sending agreement/received for %s: %v", id.Tagged(), sendErr)
			if syncErr := e.persistSyncNotif(ctx, a.ProviderID, payloadAgreementReceived, id.Tagged()); syncErr != nil {
				ops.Errorf(e.log, "market: persisting sync notif for %s: %v", id.Tagged(), syncErr)
			}
		}
	}
	return nil
}

// WaitForApproval implements wait_for_approval(id, timeout) →
// ApprovalStatus. Per Design Note 9 this splits into an inline state
// predicate and the generic notifier.AwaitUntil combinator.
func (e *Engine) WaitForApproval(ctx context.Context, id ids.AgreementID, timeout time.Duration) (ApprovalStatus, error) {
	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		return ApprovalStatus{}, err
	}
	switch a.State {
	case store.AgreementProposal:
		return ApprovalStatus{}, fmt.Errorf("market: agreement %s not confirmed", id.Tagged())
	case store.AgreementExpired:
		return ApprovalStatus{}, fmt.Errorf("market: agreement %s expired", id.Tagged())
	case store.AgreementTerminated:
		return ApprovalStatus{}, fmt.Errorf("market: agreement %s terminated", id.Tagged())
	}

	pred := func() (ApprovalStatus, bool) {
		a, err := e.GetAgreement(ctx, id)
		if err != nil {
			return ApprovalStatus{}, false
		}
		switch a.State {
		case store.AgreementApproved:
			return ApprovalStatus{Kind: ApprovalApproved}, true
		case store.AgreementRejected:
			return ApprovalStatus{Kind: ApprovalRejected}, true
		case store.AgreementCancelled:
			return ApprovalStatus{Kind: ApprovalCancelled}, true
		default:
			return ApprovalStatus{}, false
		}
	}

	status, outcome := notifier.AwaitUntil(ctx, e.notif, id.Tagged(), timeout, pred)
	if outcome == notifier.Timeout {
		return ApprovalStatus{}, &Timeout{}
	}
	return status, nil
}

// ApproveAgreement implements approve_agreement(id, app_session_id?,
// timeout) [Provider].
func (e *Engine) ApproveAgreement(ctx context.Context, id ids.AgreementID, timeout time.Duration) error {
	unlock := e.locks.lock(id.Tagged())

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if a.State != store.AgreementPending {
		unlock()
		return &InvalidTransition{From: string(a.State), To: string(store.AgreementApproving)}
	}
	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), store.AgreementPending, store.AgreementApproving); err != nil {
		unlock()
		return err
	}
	unlock() // release while the ack round-trip is in flight; re-acquired below.

	var signErr, sendErr error
	var approvedSig string
	if e.rpc != nil && a.RequestorID != "" {
		approvedSig, signErr = e.signer.Sign(ctx, a.ProviderID, agreementDigest(a))
		if signErr == nil {
			_, sendErr = e.rpc.Send(ctx, a.ProviderID, a.RequestorID, "market/agreement/approved", AgreementApprovedMsg{AgreementID: id.Tagged(), ApprovedSig: approvedSig})
		}
	}

	unlock = e.locks.lock(id.Tagged())
	defer unlock()

	current, err := e.GetAgreement(ctx, id)
	if err != nil {
		return err
	}
	if current.State == store.AgreementCancelled {
		// Cancel raced the approval in flight: the Cancelled transition
		// already committed and wins per spec.md §4.2's simultaneous-action
		// rule, so this side never reaches Approved.
		return &InvalidTransition{From: string(store.AgreementApproving), To: string(store.AgreementApproved)}
	}
	if signErr != nil {
		// Unable to produce a valid ack signature at all: revert before
		// surfacing, there is nothing for SyncRetrier to reconcile.
		_ = store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), store.AgreementApproving, store.AgreementPending)
		return fmt.Errorf("market: approving agreement %s: %w", id.Tagged(), signErr)
	}

	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), store.AgreementApproving, store.AgreementApproved); err != nil {
		return err
	}
	if err := store.SetAgreementSignature(ctx, e.db.DB(), id.Canonical, id.Owner.String(), "approved", approvedSig); err != nil {
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
	e.bus.Publish(TopicAgreementApproved, AgreementApprovedMsg{AgreementID: id.Tagged(), ApprovedSig: approvedSig})
	e.notif.Notify(id.Tagged())

	// The local Approved transition is already durable; a dropped ack is
	// reconciled by SyncRetrier rather than unwinding a commit the caller
	// has already been told succeeded.
	if sendErr != nil {
		ops.Warnf(e.log, "market: sending agreement/approved ack for %s: %v", id.Tagged(), sendErr)
		if syncErr := e.persistSyncNotif(ctx, a.RequestorID, payloadAgreementApproved, id.Tagged()); syncErr != nil {
			ops.Errorf(e.log, "market: persisting sync notif for %s: %v", id.Tagged(), syncErr)
		}
	}
	return nil
}

// RejectAgreement implements reject_agreement(id, reason?) [Provider].
func (e *Engine) RejectAgreement(ctx context.Context, id ids.AgreementID, reason *string) error {
	unlock := e.locks.lock(id.Tagged())

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if a.State != store.AgreementPending {
		unlock()
		return &InvalidTransition{From: string(a.State), To: string(store.AgreementRejected)}
	}
	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), store.AgreementPending, store.AgreementRejected); err != nil {
		unlock()
		return err
	}
	if _, err := store.AppendAgreementEvent(ctx, e.db.DB(), store.AgreementEvent{
		AgreementID: id.Canonical, Owner: id.Owner.String(), EventType: "AgreementRejectedEvent", Reason: reason, Timestamp: time.Now(),
	}); err != nil {
		unlock()
		return err
	}
	e.notifyEvents(id.Owner.String())
	e.deadlines.StopTracking(deadlineCategoryExpiration, id.Tagged())
	e.locks.evict(id.Tagged())
	if e.metrics != nil {
		e.metrics.AgreementTransitions.WithLabelValues(string(store.AgreementRejected)).Inc()
	}
	e.bus.Publish(TopicAgreementRejected, AgreementRejectedMsg{AgreementID: id.Tagged(), Reason: reason})
	e.notif.Notify(id.Tagged())
	unlock() // release before the peer send; the receiving side folds this into its own row under its own lock.

	if e.rpc != nil && a.RequestorID != "" {
		_, _ = e.rpc.Send(ctx, a.ProviderID, a.RequestorID, "market/agreement/rejected", AgreementRejectedMsg{AgreementID: id.Tagged(), Reason: reason})
	}
	return nil
}

// CancelAgreement implements cancel_agreement(id, reason?) [Requestor].
func (e *Engine) CancelAgreement(ctx context.Context, id ids.AgreementID, reason *string) error {
	unlock := e.locks.lock(id.Tagged())

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if a.State != store.AgreementProposal && a.State != store.AgreementPending {
		unlock()
		return &InvalidTransition{From: string(a.State), To: string(store.AgreementCancelled)}
	}
	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), a.State, store.AgreementCancelled); err != nil {
		unlock()
		// CAS mismatch means the state moved on (e.g. Approved committed
		// first) -- the race's loser per spec.md §4.2.
		if err == store.ErrCASMismatch {
			return &InvalidTransition{From: string(a.State), To: string(store.AgreementCancelled)}
		}
		return err
	}
	if _, err := store.AppendAgreementEvent(ctx, e.db.DB(), store.AgreementEvent{
		AgreementID: id.Canonical, Owner: id.Owner.String(), EventType: "AgreementCancelledEvent", Reason: reason, Timestamp: time.Now(),
	}); err != nil {
		unlock()
		return err
	}
	e.notifyEvents(id.Owner.String())
	e.deadlines.StopTracking(deadlineCategoryExpiration, id.Tagged())
	e.locks.evict(id.Tagged())
	if e.metrics != nil {
		e.metrics.AgreementTransitions.WithLabelValues(string(store.AgreementCancelled)).Inc()
	}
	e.bus.Publish(TopicAgreementCancelled, AgreementCancelledMsg{AgreementID: id.Tagged(), Reason: reason})
	e.notif.Notify(id.Tagged())
	unlock() // release before the peer send; the receiving side folds this into its own row under its own lock.

	if e.rpc != nil && a.ProviderID != "" {
		_, _ = e.rpc.Send(ctx, a.RequestorID, a.ProviderID, "market/agreement/cancelled", AgreementCancelledMsg{AgreementID: id.Tagged(), Reason: reason})
	}
	return nil
}

// TerminateAgreement implements terminate_agreement(id, reason?); both
// roles may initiate.
func (e *Engine) TerminateAgreement(ctx context.Context, id ids.AgreementID, reason *string, terminator ids.Role) error {
	unlock := e.locks.lock(id.Tagged())

	a, err := e.GetAgreement(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	if a.State != store.AgreementApproved {
		unlock()
		return &InvalidTransition{From: string(a.State), To: string(store.AgreementTerminated)}
	}

	signerNode := a.ProviderID
	if terminator == ids.Requestor {
		signerNode = a.RequestorID
	}
	sig, err := e.signer.Sign(ctx, signerNode, agreementDigest(a))
	if err != nil {
		unlock()
		return fmt.Errorf("market: terminating agreement %s: %w", id.Tagged(), err)
	}

	if err := store.UpdateAgreementState(ctx, e.db.DB(), id.Canonical, id.Owner.String(), store.AgreementApproved, store.AgreementTerminated); err != nil {
		unlock()
		return err
	}
	if err := store.SetAgreementSignature(ctx, e.db.DB(), id.Canonical, id.Owner.String(), "committed", sig); err != nil {
		unlock()
		return err
	}
	if _, err := store.AppendAgreementEvent(ctx, e.db.DB(), store.AgreementEvent{
		AgreementID: id.Canonical, Owner: id.Owner.String(), EventType: "AgreementTerminatedEvent", Reason: reason, Signature: &sig, Timestamp: time.Now(),
	}); err != nil {
		unlock()
		return err
	}
	e.notifyEvents(id.Owner.String())
	e.locks.evict(id.Tagged())
	if e.metrics != nil {
		e.metrics.AgreementTransitions.WithLabelValues(string(store.AgreementTerminated)).Inc()
	}
	msg := AgreementTerminatedMsg{AgreementID: id.Tagged(), Reason: reason, Terminator: terminator.String(), Signature: &sig}
	e.bus.Publish(TopicAgreementTerminated, msg)
	e.notif.Notify(id.Tagged())
	unlock() // release before the peer send; the receiving side folds this into its own row under its own lock.

	if e.rpc != nil {
		peer := a.RequestorID
		from := a.ProviderID
		if terminator == ids.Requestor {
			peer = a.ProviderID
			from = a.RequestorID
		}
		if peer != "" {
			_, _ = e.rpc.Send(ctx, from, peer, "market/agreement/terminated", msg)
		}
	}
	return nil
}
