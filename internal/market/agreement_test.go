package market

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna-sub001/internal/adapters/identity"
	"github.com/golemfactory/yagna-sub001/internal/adapters/rpcnet"
	"github.com/golemfactory/yagna-sub001/internal/bus"
	"github.com/golemfactory/yagna-sub001/internal/deadline"
	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

type testHarness struct {
	db     *store.Store
	engine *Engine
	broker *Broker
}

func newTestEngine(t *testing.T) *testHarness {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	registry := identity.NewRegistry(b)
	registry.CreateGenerated("provider-1", "provider", []byte("provider-secret-key-000000000000"))
	registry.CreateGenerated("requestor-1", "requestor", []byte("requestor-secret-key-00000000000"))
	signer := NewSigner(registry)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	checker := deadline.New(ctx)

	rpc := rpcnet.NewInProcess()
	engine := NewEngine(db, rpc, b, signer, checker, ops.NewMetrics(), ops.NewLogger())
	broker := NewBroker(db, rpc, ops.NewLogger(), 0)

	// Both "provider-1" and "requestor-1" are folded onto this single
	// Engine/store pair: registering peer handlers for each node id lets
	// a Confirm/Approve/Reject/Cancel/Terminate send round-trip back into
	// the opposing role's own row the way a real two-process handshake
	// would, without standing up a second Engine.
	RegisterPeerHandlers("provider-1", broker, engine, rpc.RegisterNode)
	RegisterPeerHandlers("requestor-1", broker, engine, rpc.RegisterNode)

	return &testHarness{db: db, engine: engine, broker: broker}
}

// seedOfferProposal persists the Proposal pair create_agreement requires:
// an Initial local Offer proposal and an accepted counter from the peer.
func (h *testHarness) seedOfferProposal(t *testing.T) store.Proposal {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.InsertSubscription(ctx, h.db.DB(), store.Subscription{
		ID: "sub-1", OwnerID: "provider-1", Kind: store.Offer, Payload: "{}", CreatedAt: time.Now(),
	}))
	initial := store.Proposal{
		ID: ids.New(), SubscriptionID: "sub-1", Issuer: store.IssuerUs,
		State: store.ProposalInitial, Body: "{}", BodyDigest: highwayDigest("{}"), Timestamp: time.Now(),
	}
	require.NoError(t, store.InsertProposal(ctx, h.db.DB(), initial))

	offer := store.Proposal{
		ID: ids.New(), SubscriptionID: "sub-1", PrevProposalID: &initial.ID, Issuer: store.IssuerThem,
		State: store.ProposalDraft, Body: `{"price":5}`, BodyDigest: highwayDigest(`{"price":5}`), Timestamp: time.Now(),
	}
	require.NoError(t, store.InsertProposal(ctx, h.db.DB(), offer))
	return offer
}

func TestCreateAgreementHappyPath(t *testing.T) {
	h := newTestEngine(t)
	offer := h.seedOfferProposal(t)

	id, err := h.engine.CreateAgreement(context.Background(), offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)
	require.NotEmpty(t, id.Canonical)

	a, err := h.engine.GetAgreement(context.Background(), id)
	require.NoError(t, err)
	require.Equal(t, store.AgreementProposal, a.State)
}

func TestCreateAgreementOwnProposalRejected(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, store.InsertSubscription(ctx, h.db.DB(), store.Subscription{
		ID: "sub-2", OwnerID: "requestor-1", Kind: store.Demand, Payload: "{}", CreatedAt: time.Now(),
	}))
	own := store.Proposal{
		ID: ids.New(), SubscriptionID: "sub-2", Issuer: store.IssuerUs,
		State: store.ProposalDraft, Body: "{}", BodyDigest: highwayDigest("{}"), Timestamp: time.Now(),
	}
	require.NoError(t, store.InsertProposal(ctx, h.db.DB(), own))

	_, err := h.engine.CreateAgreement(ctx, own.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.Error(t, err)
	var owned *ProposalOwnedByCaller
	require.ErrorAs(t, err, &owned)
}

func TestAgreementHappyPathApproval(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	id, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)

	require.NoError(t, h.engine.ConfirmAgreement(ctx, id, nil))

	a, err := h.engine.GetAgreement(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AgreementPending, a.State)
	require.NotNil(t, a.ProposedSig)

	done := make(chan error, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		done <- h.engine.ApproveAgreement(ctx, id, time.Second)
	}()

	status, err := h.engine.WaitForApproval(ctx, id, time.Second)
	require.NoError(t, err)
	require.Equal(t, ApprovalApproved, status.Kind)
	require.NoError(t, <-done)

	final, err := h.engine.GetAgreement(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AgreementApproved, final.State)
	require.NotNil(t, final.ApprovedTs)
}

func TestConfirmAgreementIsIdempotent(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	id, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)

	require.NoError(t, h.engine.ConfirmAgreement(ctx, id, nil))
	require.NoError(t, h.engine.ConfirmAgreement(ctx, id, nil)) // second call is a no-op

	a, err := h.engine.GetAgreement(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AgreementPending, a.State)
}

func TestRejectAgreementFromPending(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	id, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)
	require.NoError(t, h.engine.ConfirmAgreement(ctx, id, nil))

	reason := "insufficient capacity"
	done := make(chan error, 1)
	go func() {
		time.Sleep(10 * time.Millisecond)
		done <- h.engine.RejectAgreement(ctx, id, &reason)
	}()

	status, err := h.engine.WaitForApproval(ctx, id, time.Second)
	require.NoError(t, err)
	require.Equal(t, ApprovalRejected, status.Kind)
	require.NoError(t, <-done)
}

// TestCancelVsApproveRace drives spec.md §8 scenario 4: confirm, then race
// approve_agreement against cancel_agreement. Exactly one must win, and
// both the stored state and wait_for_approval's outcome must agree.
func TestCancelVsApproveRace(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	id, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)
	require.NoError(t, h.engine.ConfirmAgreement(ctx, id, nil))

	var approveErr, cancelErr error
	doneApprove := make(chan struct{})
	doneCancel := make(chan struct{})
	go func() {
		defer close(doneApprove)
		approveErr = h.engine.ApproveAgreement(ctx, id, time.Second)
	}()
	go func() {
		defer close(doneCancel)
		reason := "changed my mind"
		cancelErr = h.engine.CancelAgreement(ctx, id, &reason)
	}()
	<-doneApprove
	<-doneCancel

	a, err := h.engine.GetAgreement(ctx, id)
	require.NoError(t, err)
	require.True(t, a.State == store.AgreementApproved || a.State == store.AgreementCancelled)

	// The per-agreement serial lock (locks.go) guarantees exactly one of
	// the two racing operations commits; the other observes the loser's
	// InvalidTransition conflict.
	require.True(t, (approveErr == nil) != (cancelErr == nil))
	if a.State == store.AgreementApproved {
		require.NoError(t, approveErr)
		require.Error(t, cancelErr)
	} else {
		require.NoError(t, cancelErr)
		require.Error(t, approveErr)
	}
}

func TestTerminateAgreementRequiresApproved(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	id, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)

	err = h.engine.TerminateAgreement(ctx, id, nil, ids.Provider)
	require.Error(t, err)
	var invalid *InvalidTransition
	require.ErrorAs(t, err, &invalid)
}

func TestAgreementExpiresAtReadTime(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	id, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(-time.Millisecond), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)

	a, err := h.engine.GetAgreement(ctx, id)
	require.NoError(t, err)
	require.Equal(t, store.AgreementExpired, a.State)
}

// TestAgreementBidirectionalConvergence drives spec.md §8 testable
// property 1 directly: the Provider's own Agreement row, materialized by
// OnAgreementReceived rather than the test ever calling InsertAgreement
// itself, tracks the Requestor's row through confirm/approve/terminate
// exactly as a two-process deployment would observe.
func TestAgreementBidirectionalConvergence(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	requestorID, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)
	providerID := ids.AgreementID{Canonical: requestorID.Canonical, Owner: ids.Provider}

	_, err = h.engine.GetAgreement(ctx, providerID)
	var notFound *NotFound
	require.ErrorAs(t, err, &notFound, "the Provider's row does not exist until the handshake delivers it")

	require.NoError(t, h.engine.ConfirmAgreement(ctx, requestorID, nil))

	provPending, err := h.engine.GetAgreement(ctx, providerID)
	require.NoError(t, err)
	require.Equal(t, store.AgreementPending, provPending.State)
	require.NotNil(t, provPending.ProposedSig)

	require.NoError(t, h.engine.ApproveAgreement(ctx, providerID, time.Second))

	reqApproved, err := h.engine.GetAgreement(ctx, requestorID)
	require.NoError(t, err)
	require.Equal(t, store.AgreementApproved, reqApproved.State, "the ack must fold back into the Requestor's own row")

	require.NoError(t, h.engine.TerminateAgreement(ctx, providerID, nil, ids.Provider))

	reqTerminated, err := h.engine.GetAgreement(ctx, requestorID)
	require.NoError(t, err)
	require.Equal(t, store.AgreementTerminated, reqTerminated.State, "both sides must agree once either party terminates")
}

// TestAgreementRejectConvergesOnRequestorSide confirms that a Provider's
// reject_agreement call folds into the Requestor's own row, the
// Rejected-state mirror of TestAgreementBidirectionalConvergence.
func TestAgreementRejectConvergesOnRequestorSide(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	requestorID, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)
	providerID := ids.AgreementID{Canonical: requestorID.Canonical, Owner: ids.Provider}
	require.NoError(t, h.engine.ConfirmAgreement(ctx, requestorID, nil))

	reason := "insufficient capacity"
	require.NoError(t, h.engine.RejectAgreement(ctx, providerID, &reason))

	reqRejected, err := h.engine.GetAgreement(ctx, requestorID)
	require.NoError(t, err)
	require.Equal(t, store.AgreementRejected, reqRejected.State)
}

func TestQueryAgreementEventsAfterApproval(t *testing.T) {
	h := newTestEngine(t)
	ctx := context.Background()
	offer := h.seedOfferProposal(t)

	id, err := h.engine.CreateAgreement(ctx, offer.ID, time.Now().Add(time.Hour), ids.Requestor, "provider-1", "requestor-1")
	require.NoError(t, err)
	require.NoError(t, h.engine.ConfirmAgreement(ctx, id, nil))

	before := time.Now()
	done := make(chan struct{})
	go func() {
		defer close(done)
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, h.engine.ApproveAgreement(ctx, id, time.Second))
	}()

	events, err := h.engine.QueryAgreementEvents(ctx, ids.Requestor, before, nil, time.Second, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "AgreementApprovedEvent", events[0].EventType)
	<-done
}
