package payment

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna-sub001/internal/adapters/paymentdriver"
	"github.com/golemfactory/yagna-sub001/internal/bus"
	"github.com/golemfactory/yagna-sub001/internal/deadline"
	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

const (
	testPlatform  = "erc20-holesky"
	testProvider  = "provider-1"
	testAddress   = "0xprovider"
	testRequestor = "requestor-1"
)

type testHarness struct {
	db     *store.Store
	engine *Engine
	driver *paymentdriver.InMemory
	bus    *bus.Bus
}

func newTestEngine(t *testing.T) *testHarness {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	driver := paymentdriver.NewInMemory(b)
	driver.SetBalance(testPlatform, testAddress, decimal.NewFromInt(1000))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	checker := deadline.New(ctx)

	engine := NewEngine(db, driver, nil, b, checker, ops.NewMetrics(), ops.NewLogger())
	return &testHarness{db: db, engine: engine, driver: driver, bus: b}
}

// seedAgreement inserts both local owner views of an Agreement between
// testProvider and testRequestor, as internal/market would after
// ConfirmAgreement.
func (h *testHarness) seedAgreement(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	for _, owner := range []ids.Role{ids.Provider, ids.Requestor} {
		require.NoError(t, store.InsertAgreement(ctx, h.db.DB(), store.Agreement{
			ID: id, Owner: owner.String(), DemandProposalID: "demand-1", OfferProposalID: "offer-1",
			ProviderID: testProvider, RequestorID: testRequestor, ValidTo: time.Now().Add(time.Hour),
			State: store.AgreementApproved, TotalAmountScheduled: "0",
		}))
	}
}

// markReceived flips a single-node test's DebitNote/Invoice row straight
// to Received, standing in for the wire round trip: debit_note/invoice
// rows are keyed by a single-column PRIMARY KEY (one physical row per
// document, since Provider and Requestor are separate daemons with
// separate databases in production), so a single shared test store
// cannot hold both an Issued copy and a Received copy of the same id the
// way the composite-keyed agreement table can.
func (h *testHarness) markReceived(t *testing.T, debitNoteID string) {
	t.Helper()
	require.NoError(t, store.SetDebitNoteStatus(context.Background(), h.db.DB(), debitNoteID, store.StatusReceived))
}

func (h *testHarness) createAllocation(t *testing.T, total decimal.Decimal) store.Allocation {
	t.Helper()
	a, err := h.engine.CreateAllocation(context.Background(), CreateAllocationParams{
		OwnerID: testRequestor, PaymentPlatform: testPlatform, Address: testAddress, TotalAmount: total,
	})
	require.NoError(t, err)
	return a
}
