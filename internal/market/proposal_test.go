package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

func newTestBroker(t *testing.T) (*Broker, *store.Store) {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewBroker(db, nil, ops.NewLogger(), 0), db
}

func seedSubscriptionAndInitialProposal(t *testing.T, db *store.Store, subID string) store.Proposal {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.InsertSubscription(ctx, db.DB(), store.Subscription{
		ID: subID, OwnerID: "provider-1", Kind: store.Offer, Payload: "{}", CreatedAt: time.Now(),
	}))
	initial := store.Proposal{
		ID: ids.New(), SubscriptionID: subID, Issuer: store.IssuerThem,
		State: store.ProposalInitial, Body: "{}", BodyDigest: highwayDigest("{}"), Timestamp: time.Now(),
	}
	require.NoError(t, store.InsertProposal(ctx, db.DB(), initial))
	return initial
}

func TestCounterProposalRejectsUnknownSubscription(t *testing.T) {
	broker, _ := newTestBroker(t)
	_, _, err := broker.CounterProposal(context.Background(), "nope", "prev", "{}", ids.Provider, "")
	require.Error(t, err)
	var unsub *ProposalUnsubscribed
	require.ErrorAs(t, err, &unsub)
}

func TestCounterProposalChain(t *testing.T) {
	broker, db := newTestBroker(t)
	ctx := context.Background()
	initial := seedSubscriptionAndInitialProposal(t, db, "sub-1")

	next, isFirst, err := broker.CounterProposal(ctx, "sub-1", initial.ID, `{"price":5}`, ids.Provider, "")
	require.NoError(t, err)
	require.True(t, isFirst)
	require.Equal(t, store.IssuerUs, next.Issuer)

	prev, err := store.GetProposal(ctx, db.DB(), initial.ID)
	require.NoError(t, err)
	require.Equal(t, store.ProposalAccepted, prev.State)
}

func TestCounterProposalAlreadyCountered(t *testing.T) {
	broker, db := newTestBroker(t)
	ctx := context.Background()
	initial := seedSubscriptionAndInitialProposal(t, db, "sub-2")

	_, _, err := broker.CounterProposal(ctx, "sub-2", initial.ID, `{"price":5}`, ids.Provider, "")
	require.NoError(t, err)

	_, _, err = broker.CounterProposal(ctx, "sub-2", initial.ID, `{"price":6}`, ids.Provider, "")
	require.Error(t, err)
	var already *ProposalAlreadyCountered
	require.ErrorAs(t, err, &already)
}

func TestCounterProposalIdempotentResend(t *testing.T) {
	broker, db := newTestBroker(t)
	ctx := context.Background()
	initial := seedSubscriptionAndInitialProposal(t, db, "sub-3")

	first, _, err := broker.CounterProposal(ctx, "sub-3", initial.ID, `{"price":5}`, ids.Provider, "")
	require.NoError(t, err)

	resent, _, err := broker.CounterProposal(ctx, "sub-3", initial.ID, `{"price":5}`, ids.Provider, "")
	require.NoError(t, err)
	require.Equal(t, first.ID, resent.ID)
}

func TestCounterProposalOwnProposal(t *testing.T) {
	broker, db := newTestBroker(t)
	ctx := context.Background()

	require.NoError(t, store.InsertSubscription(ctx, db.DB(), store.Subscription{
		ID: "sub-4", OwnerID: "provider-1", Kind: store.Offer, Payload: "{}", CreatedAt: time.Now(),
	}))
	own := store.Proposal{
		ID: ids.New(), SubscriptionID: "sub-4", Issuer: store.IssuerUs,
		State: store.ProposalDraft, Body: "{}", BodyDigest: highwayDigest("{}"), Timestamp: time.Now(),
	}
	require.NoError(t, store.InsertProposal(ctx, db.DB(), own))

	_, _, err := broker.CounterProposal(ctx, "sub-4", own.ID, `{"price":5}`, ids.Provider, "")
	require.Error(t, err)
	var owned *ProposalOwnedByCaller
	require.ErrorAs(t, err, &owned)
}

func TestOnProposalReceivedWakesQueryEvents(t *testing.T) {
	broker, db := newTestBroker(t)
	ctx := context.Background()
	initial := seedSubscriptionAndInitialProposal(t, db, "sub-5")

	received := store.Proposal{
		ID: ids.New(), SubscriptionID: "sub-5", PrevProposalID: &initial.ID,
		Body: `{"price":7}`, BodyDigest: highwayDigest(`{"price":7}`), Timestamp: time.Now(),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, broker.OnProposalReceived(ctx, "requestor-1", received))
	}()

	events, err := broker.QueryEvents(ctx, "sub-5", time.Time{}, time.Second, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "ProposalReceived", events[0].EventType)
	<-done
}

func TestQueryEventsTimesOut(t *testing.T) {
	broker, db := newTestBroker(t)
	seedSubscriptionAndInitialProposal(t, db, "sub-6")

	_, err := broker.QueryEvents(context.Background(), "sub-6", time.Time{}, 20*time.Millisecond, 10)
	require.Error(t, err)
	var timeout *Timeout
	require.ErrorAs(t, err, &timeout)
}
