package market

import (
	"context"
	"database/sql"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/golemfactory/yagna-sub001/internal/adapters/rpcnet"
	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/notifier"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// Broker is the Negotiation Broker: the Proposal chain state machine and
// event queue shared by the Provider and Requestor Market Engines
// (spec.md §4.1).
type Broker struct {
	db    *store.Store
	rpc   rpcnet.Client
	notif *notifier.Notifier[string] // keyed by subscription id
	log   ops.Logger

	// knownSubscriptions remembers subscription ids already seen live by
	// the membership check before a Proposal is accepted; every check
	// still reads the unsubscribe flag from the store, cached or not.
	knownSubscriptions *lru.Cache[string, bool]

	// expirationPolicy is the supplemented expiration negotiator's
	// configured ceiling (original_source/agent/provider/src/market/
	// negotiator/builtin/expiration.rs). A nonzero value routes every
	// counter body through negotiateExpiration, which currently returns
	// it unchanged: no valid_to is trimmed to the ceiling.
	expirationPolicy time.Duration
}

// NewBroker constructs a Broker. expirationPolicy of zero skips the
// expiration negotiator; with any value, every proposed valid_to is
// kept as-is.
func NewBroker(db *store.Store, rpc rpcnet.Client, log ops.Logger, expirationPolicy time.Duration) *Broker {
	cache, _ := lru.New[string, bool](4096)
	return &Broker{
		db:                 db,
		rpc:                rpc,
		notif:              notifier.New[string](),
		log:                log.With(nil),
		knownSubscriptions: cache,
		expirationPolicy:   expirationPolicy,
	}
}

func (b *Broker) rememberSubscription(id string) { b.knownSubscriptions.Add(id, true) }

func (b *Broker) isKnownSubscription(ctx context.Context, subscriptionID string) (bool, error) {
	if known, ok := b.knownSubscriptions.Get(subscriptionID); ok && known {
		unsub, err := store.IsUnsubscribed(ctx, b.db.DB(), subscriptionID)
		if err != nil {
			return false, err
		}
		return !unsub, nil
	}
	unsub, err := store.IsUnsubscribed(ctx, b.db.DB(), subscriptionID)
	if err != nil {
		return false, err
	}
	if !unsub {
		b.rememberSubscription(subscriptionID)
	}
	return !unsub, nil
}

// CounterProposal implements counter_proposal(subscription_id,
// prev_proposal_id, body, owner) → (new proposal, is_first).
func (b *Broker) CounterProposal(ctx context.Context, subscriptionID, prevProposalID, body string, owner ids.Role, peerNodeID string) (store.Proposal, bool, error) {
	known, err := b.isKnownSubscription(ctx, subscriptionID)
	if err != nil {
		return store.Proposal{}, false, err
	}
	if !known {
		return store.Proposal{}, false, &ProposalUnsubscribed{SubscriptionID: subscriptionID}
	}

	prev, err := store.GetProposal(ctx, b.db.DB(), prevProposalID)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Proposal{}, false, &NotFound{Kind: "proposal", ID: prevProposalID}
		}
		return store.Proposal{}, false, err
	}
	if prev.Issuer == store.IssuerUs {
		return store.Proposal{}, false, &ProposalOwnedByCaller{ProposalID: prevProposalID}
	}

	if existing, ok, err := store.FindCounterOf(ctx, b.db.DB(), prevProposalID); err != nil {
		return store.Proposal{}, false, err
	} else if ok {
		digest := highwayDigest(body)
		if existing.BodyDigest == digest {
			// Idempotent resend: spec.md §7's "failure after persistent
			// effect" class applied to negotiation.
			return existing, false, nil
		}
		return store.Proposal{}, false, &ProposalAlreadyCountered{ProposalID: prevProposalID}
	}

	isFirst := prev.State == store.ProposalInitial

	negotiatedBody := body
	if b.expirationPolicy > 0 {
		negotiatedBody = b.negotiateExpiration(body)
	}

	next := store.Proposal{
		ID:             ids.New(),
		SubscriptionID: subscriptionID,
		PrevProposalID: &prevProposalID,
		Issuer:         store.IssuerUs,
		State:          store.ProposalDraft,
		Body:           negotiatedBody,
		BodyDigest:     highwayDigest(negotiatedBody),
		Timestamp:      time.Now(),
	}

	if err := b.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := store.InsertProposal(ctx, tx, next); err != nil {
			return err
		}
		return store.SetProposalState(ctx, tx, prevProposalID, store.ProposalAccepted)
	}); err != nil {
		return store.Proposal{}, false, err
	}

	if b.rpc != nil && peerNodeID != "" {
		if _, sendErr := b.rpc.Send(ctx, "", peerNodeID, "market/proposal/received", next); sendErr != nil {
			ops.Warnf(b.log, "counter proposal %s persisted but send to %s failed: %v", next.ID, peerNodeID, sendErr)
			return next, isFirst, &FailedSend{Peer: peerNodeID, Cause: sendErr}
		}
	}

	return next, isFirst, nil
}

// negotiateExpiration is the supplemented expiration negotiator
// (SPEC_FULL.md §12): a stub hook point for trimming a Demand's proposed
// validity window down to the configured policy ceiling. The concrete
// body format is owned by the caller (API layer); here we only document
// the policy decision point since spec.md leaves wire serialization of
// the body unspecified (§1 non-goals). Implementations that do parse a
// concrete schema plug their trim logic in here.
func (b *Broker) negotiateExpiration(body string) string {
	return body
}

// OnProposalReceived implements on_proposal_received(caller, msg,
// owner): persists the remote Proposal, enqueues a ProposalEvent for the
// local subscription owner, and wakes its notifier.
func (b *Broker) OnProposalReceived(ctx context.Context, caller string, p store.Proposal) error {
	known, err := b.isKnownSubscription(ctx, p.SubscriptionID)
	if err != nil {
		return err
	}
	if !known {
		return &ProposalUnsubscribed{SubscriptionID: p.SubscriptionID}
	}

	p.Issuer = store.IssuerThem
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}

	if err := b.db.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := store.InsertProposal(ctx, tx, p); err != nil {
			return err
		}
		if p.PrevProposalID != nil {
			if err := store.SetProposalState(ctx, tx, *p.PrevProposalID, store.ProposalAccepted); err != nil && err != store.ErrNotFound {
				return err
			}
		}
		_, err := store.AppendProposalEvent(ctx, tx, store.ProposalEvent{
			SubscriptionID: p.SubscriptionID,
			ProposalID:     p.ID,
			EventType:      "ProposalReceived",
			Timestamp:      time.Now(),
		})
		return err
	}); err != nil {
		return err
	}

	b.notif.Notify(p.SubscriptionID)
	return nil
}

// QueryEvents implements query_events(subscription_id, timeout, max,
// owner) → [Event]: returns immediately if events exist, otherwise waits
// up to timeout on the subscription's notifier.
func (b *Broker) QueryEvents(ctx context.Context, subscriptionID string, after time.Time, timeout time.Duration, max int) ([]store.ProposalEvent, error) {
	pred := func() ([]store.ProposalEvent, bool) {
		events, err := store.QueryProposalEventsAfter(ctx, b.db.DB(), subscriptionID, after, max)
		if err != nil {
			return nil, true // surface the read error as a "done" zero-value result
		}
		return events, len(events) > 0
	}
	events, outcome := notifier.AwaitUntil(ctx, b.notif, subscriptionID, timeout, pred)
	if outcome == notifier.Timeout {
		return nil, &Timeout{}
	}
	return events, nil
}

// RejectProposal implements reject_proposal(subscription_id,
// proposal_id, owner): best-effort, emits ProposalRejected to the peer.
func (b *Broker) RejectProposal(ctx context.Context, subscriptionID, proposalID string, reason *string, peerNodeID string) error {
	if err := store.SetProposalState(ctx, b.db.DB(), proposalID, store.ProposalRejected); err != nil {
		return err
	}
	if _, err := store.AppendProposalEvent(ctx, b.db.DB(), store.ProposalEvent{
		SubscriptionID: subscriptionID,
		ProposalID:     proposalID,
		EventType:      "ProposalRejected",
		Reason:         reason,
		Timestamp:      time.Now(),
	}); err != nil {
		return err
	}
	b.notif.Notify(subscriptionID)

	if b.rpc != nil && peerNodeID != "" {
		msg := struct {
			ProposalID string  `json:"proposal_id"`
			Reason     *string `json:"reason,omitempty"`
		}{ProposalID: proposalID, Reason: reason}
		if _, err := b.rpc.Send(ctx, "", peerNodeID, "market/proposal/rejected", msg); err != nil {
			ops.Warnf(b.log, "reject proposal %s persisted but send to %s failed: %v", proposalID, peerNodeID, err)
			// Best-effort per spec.md §4.1: the local reject already committed.
		}
	}
	return nil
}
