package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna-sub001/internal/adapters/identity"
	"github.com/golemfactory/yagna-sub001/internal/adapters/paymentdriver"
	"github.com/golemfactory/yagna-sub001/internal/adapters/rpcnet"
	"github.com/golemfactory/yagna-sub001/internal/bus"
	"github.com/golemfactory/yagna-sub001/internal/config"
	"github.com/golemfactory/yagna-sub001/internal/deadline"
	"github.com/golemfactory/yagna-sub001/internal/market"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/payment"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

const (
	testOwner    = "requestor-1"
	testPlatform = "erc20-holesky"
	testAddress  = "0xrequestor"
)

// testHarness wires a Deps against a single shared in-memory store, the
// way cmd/yagnad's real wiring shares one *store.Store across
// internal/market, internal/payment and internal/api, rather than each
// package's own test suite's isolated db.
type testHarness struct {
	mux     *http.ServeMux
	payment *payment.Engine
	market  *market.Engine
	broker  *market.Broker
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	b := bus.New()
	registry := identity.NewRegistry(b)
	registry.CreateGenerated(testOwner, "requestor", []byte("requestor-secret-key-00000000000"))
	signer := market.NewSigner(registry)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	checker := deadline.New(ctx)

	marketEngine := market.NewEngine(db, rpcnet.NewInProcess(), b, signer, checker, ops.NewMetrics(), ops.NewLogger())
	broker := market.NewBroker(db, nil, ops.NewLogger(), 0)

	driver := paymentdriver.NewInMemory(b)
	driver.SetBalance(testPlatform, testAddress, decimal.NewFromInt(1000))
	paymentEngine := payment.NewEngine(db, driver, nil, b, checker, ops.NewMetrics(), ops.NewLogger())

	deps := Deps{
		Broker:  broker,
		Market:  marketEngine,
		Payment: paymentEngine,
		Config:  config.Default(),
		Metrics: ops.NewMetrics(),
		Log:     ops.NewLogger(),
	}

	mux := http.NewServeMux()
	registerAllocationRoutes(mux, deps)
	registerDebitNoteRoutes(mux, deps)
	registerInvoiceRoutes(mux, deps)
	registerEventRoutes(mux, deps)
	registerDecorationRoutes(mux, deps)

	return &testHarness{mux: mux, payment: paymentEngine, market: marketEngine, broker: broker}
}

func (h *testHarness) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, target, bytes.NewReader(b))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	return rec
}

func TestAllocationCreateGetReleaseLifecycle(t *testing.T) {
	h := newTestHarness(t)

	rec := h.do(t, http.MethodPost, allocationsPath, allocationBody{
		OwnerID: testOwner, PaymentPlatform: testPlatform, Address: testAddress, TotalAmount: "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	var created allocationBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.AllocationID)
	require.Equal(t, string(store.AllocationActive), created.Status)

	rec = h.do(t, http.MethodGet, allocationsPath+"/"+created.AllocationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fetched allocationBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fetched))
	require.Equal(t, created.AllocationID, fetched.AllocationID)
	require.Equal(t, "100", fetched.TotalAmount)

	rec = h.do(t, http.MethodGet, allocationsPath+"?ownerId="+testOwner, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []allocationBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)

	rec = h.do(t, http.MethodDelete, allocationsPath+"/"+created.AllocationID, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(t, http.MethodGet, allocationsPath+"/"+created.AllocationID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var afterRelease allocationBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &afterRelease))
	require.Equal(t, string(store.AllocationGone), afterRelease.Status)
}

func TestAllocationCreateRejectsBadTotalAmount(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodPost, allocationsPath, allocationBody{
		OwnerID: testOwner, PaymentPlatform: testPlatform, Address: testAddress, TotalAmount: "not-a-number",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, "BadRequest", apiErr.Kind)
}

func TestGetAllocationNotFound(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, allocationsPath+"/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, "NotFound", apiErr.Kind)
}

func TestListDebitNotesRequiresAgreementID(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, debitNotesPath, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListInvoicesEmptyWhenNoneIssued(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, invoicesPath+"?agreementId=agreement-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []store.Invoice
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Empty(t, list)
}

func TestGetInvoiceNotFound(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, invoicesPath+"/does-not-exist", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDemandDecorationsDefaultsPlatformFromConfig(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, demandDecorationsPath+"?address=0xabc", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body decorationsBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	key := "golem.com.payment.platform.erc20-polygon-glm.address"
	require.Equal(t, "0xabc", body.Properties[key])
	require.Equal(t, "(golem.com.payment.platform.erc20-polygon-glm.address=0xabc)", body.Constraints)
}

func TestDemandDecorationsRequiresAddress(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, demandDecorationsPath, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

// TestDebitNoteEventsTimesOutWhenNoneArrive exercises the long-poll path
// with no events ever published: QueryDebitNoteEvents blocks until its
// timeout elapses and then reports a Timeout, rather than an empty list,
// since an elapsed poll is distinct from "checked and found nothing yet".
func TestDebitNoteEventsTimesOutWhenNoneArrive(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, debitNoteEventsPath+"?owner=Requestor&maxEvents=10&timeout=0.05", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, "Timeout", apiErr.Kind)
}

func TestDebitNoteEventsRejectsBadAfterTimestamp(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, debitNoteEventsPath+"?owner=Requestor&afterTimestamp=not-a-timestamp", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebitNoteEventsRejectsBadOwner(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, debitNoteEventsPath+"?owner=nonsense", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestProposalEventsRequiresSubscriptionID(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, proposalEventsPath, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAgreementEventsTimesOutWhenNoneArrive(t *testing.T) {
	h := newTestHarness(t)
	rec := h.do(t, http.MethodGet, agreementEventsPath+"?owner=Provider&timeout=0.05", nil)
	require.Equal(t, http.StatusGatewayTimeout, rec.Code)
	var apiErr apiError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &apiErr))
	require.Equal(t, "Timeout", apiErr.Kind)
}

func TestAuthMiddlewareRejectsMissingBearerToken(t *testing.T) {
	h := newTestHarness(t)
	protected := authMiddleware("super-secret", h.mux)
	req := httptest.NewRequest(http.MethodGet, demandDecorationsPath+"?address=0xabc", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthMiddlewareDisabledWhenSecretEmpty(t *testing.T) {
	h := newTestHarness(t)
	protected := authMiddleware("", h.mux)
	req := httptest.NewRequest(http.MethodGet, demandDecorationsPath+"?address=0xabc", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddlewareAllowsMetricsWithoutToken(t *testing.T) {
	h := newTestHarness(t)
	h.mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	protected := authMiddleware("super-secret", h.mux)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestEventsQueryTimeoutConversion(t *testing.T) {
	q := eventsQuery{TimeoutSeconds: 2.5}
	require.Equal(t, 2500*time.Millisecond, q.timeout())

	q = eventsQuery{TimeoutSeconds: 0}
	require.Equal(t, time.Duration(0), q.timeout())
}
