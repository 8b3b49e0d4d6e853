package store

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSubscriptionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	sub := Subscription{ID: "sub-1", OwnerID: "node-1", Kind: Offer, Payload: "{}", CreatedAt: time.Now()}
	require.NoError(t, InsertSubscription(ctx, s.DB(), sub))

	got, err := GetSubscription(ctx, s.DB(), "sub-1")
	require.NoError(t, err)
	require.Equal(t, sub.ID, got.ID)
	require.Nil(t, got.UnsubscribedAt)

	unsub, err := IsUnsubscribed(ctx, s.DB(), "sub-1")
	require.NoError(t, err)
	require.False(t, unsub)

	require.NoError(t, UnsubscribeSubscription(ctx, s.DB(), "sub-1", time.Now()))
	unsub, err = IsUnsubscribed(ctx, s.DB(), "sub-1")
	require.NoError(t, err)
	require.True(t, unsub)

	// idempotent
	require.NoError(t, UnsubscribeSubscription(ctx, s.DB(), "sub-1", time.Now()))
}

func TestUnknownSubscriptionIsUnsubscribed(t *testing.T) {
	s := openTestStore(t)
	unsub, err := IsUnsubscribed(context.Background(), s.DB(), "nonexistent")
	require.NoError(t, err)
	require.True(t, unsub)
}

func TestProposalCounterChainInSingleTx(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, InsertSubscription(ctx, s.DB(), Subscription{ID: "sub-1", OwnerID: "n", Kind: Demand, Payload: "{}", CreatedAt: time.Now()}))
	require.NoError(t, InsertProposal(ctx, s.DB(), Proposal{ID: "prop-1", SubscriptionID: "sub-1", Issuer: IssuerThem, State: ProposalDraft, Body: "{}", BodyDigest: "d1", Timestamp: time.Now()}))

	prev := "prop-1"
	require.NoError(t, s.WithTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if err := InsertProposal(ctx, tx, Proposal{ID: "prop-2", SubscriptionID: "sub-1", PrevProposalID: &prev, Issuer: IssuerUs, State: ProposalDraft, Body: "{}", BodyDigest: "d2", Timestamp: time.Now()}); err != nil {
			return err
		}
		return SetProposalState(ctx, tx, "prop-1", ProposalAccepted)
	}))

	got, err := GetProposal(ctx, s.DB(), "prop-1")
	require.NoError(t, err)
	require.Equal(t, ProposalAccepted, got.State)

	counter, ok, err := FindCounterOf(ctx, s.DB(), "prop-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "prop-2", counter.ID)
}

func TestAgreementCASTransition(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := Agreement{
		ID: "agr-1", Owner: "Provider", DemandProposalID: "d", OfferProposalID: "o",
		ProviderID: "p", RequestorID: "r", ValidTo: time.Now().Add(time.Hour),
		State: AgreementProposal, TotalAmountScheduled: "0",
	}
	require.NoError(t, InsertAgreement(ctx, s.DB(), a))

	require.NoError(t, UpdateAgreementState(ctx, s.DB(), "agr-1", "Provider", AgreementProposal, AgreementPending))
	err := UpdateAgreementState(ctx, s.DB(), "agr-1", "Provider", AgreementProposal, AgreementPending)
	require.ErrorIs(t, err, ErrCASMismatch)

	got, err := GetAgreement(ctx, s.DB(), "agr-1", "Provider")
	require.NoError(t, err)
	require.Equal(t, AgreementPending, got.State)
}

func TestListNonTerminalPastValidTo(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := Agreement{
		ID: "agr-expired", Owner: "Provider", DemandProposalID: "d", OfferProposalID: "o1",
		ProviderID: "p", RequestorID: "r", ValidTo: time.Now().Add(-time.Minute),
		State: AgreementApproved, TotalAmountScheduled: "0",
	}
	future := Agreement{
		ID: "agr-live", Owner: "Provider", DemandProposalID: "d", OfferProposalID: "o2",
		ProviderID: "p", RequestorID: "r", ValidTo: time.Now().Add(time.Hour),
		State: AgreementApproved, TotalAmountScheduled: "0",
	}
	require.NoError(t, InsertAgreement(ctx, s.DB(), past))
	require.NoError(t, InsertAgreement(ctx, s.DB(), future))

	expired, err := ListNonTerminalPastValidTo(ctx, s.DB(), time.Now())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "agr-expired", expired[0].ID)
}

func TestAgreementEventOrdering(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	base := time.Now()
	_, err := AppendAgreementEvent(ctx, s.DB(), AgreementEvent{AgreementID: "agr-1", Owner: "Provider", EventType: "StateChanged", Timestamp: base})
	require.NoError(t, err)
	_, err = AppendAgreementEvent(ctx, s.DB(), AgreementEvent{AgreementID: "agr-1", Owner: "Provider", EventType: "Approved", Timestamp: base.Add(time.Second)})
	require.NoError(t, err)

	events, err := QueryAgreementEventsAfter(ctx, s.DB(), "Provider", base, nil, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "Approved", events[0].EventType)
}

func TestAllocationReleaseIsTombstoneNotDelete(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, InsertAllocation(ctx, s.DB(), Allocation{
		ID: "alloc-1", OwnerID: "node-1", PaymentPlatform: "erc20-holesky-tglm",
		Address: "0xabc", TotalAmount: "100", SpentAmount: "0", Status: AllocationActive, CreatedAt: time.Now(),
	}))

	require.NoError(t, ReleaseAllocation(ctx, s.DB(), "alloc-1"))
	got, err := GetAllocation(ctx, s.DB(), "alloc-1")
	require.NoError(t, err)
	require.Equal(t, AllocationGone, got.Status)

	err = ReleaseAllocation(ctx, s.DB(), "alloc-1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSyncNotifDueSweep(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Now().Add(-time.Hour)
	require.NoError(t, UpsertSyncNotif(ctx, s.DB(), SyncNotif{PeerNodeID: "peer-1", LastAttempt: old, Attempts: 1, PayloadKind: "AcceptInvoice", PayloadID: "inv-1"}))
	require.NoError(t, UpsertSyncNotif(ctx, s.DB(), SyncNotif{PeerNodeID: "peer-2", LastAttempt: time.Now(), Attempts: 1, PayloadKind: "AcceptInvoice", PayloadID: "inv-2"}))

	due, err := ListDueSyncNotifs(ctx, s.DB(), time.Now(), time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "peer-1", due[0].PeerNodeID)

	require.NoError(t, DeleteSyncNotif(ctx, s.DB(), "peer-1", "AcceptInvoice", "inv-1"))
	due, err = ListDueSyncNotifs(ctx, s.DB(), time.Now(), time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 0)
}
