package task

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/golemfactory/yagna-sub001/internal/adapters/exeunit"
	"github.com/golemfactory/yagna-sub001/internal/deadline"
	"github.com/golemfactory/yagna-sub001/internal/ops"
)

// recordingMarket and recordingPayments capture fan-out calls in order so
// tests can assert the break/close notification sequence spec.md §4.3
// requires, without depending on internal/market or internal/payment.
type recordingMarket struct {
	mu            sync.Mutex
	broken        []string
	closed        []string
	sendTerminate []bool
}

func (r *recordingMarket) NotifyAgreementBroken(ctx context.Context, agreementID string, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broken = append(r.broken, agreementID)
	return nil
}

func (r *recordingMarket) NotifyAgreementClosed(ctx context.Context, agreementID string, sendTerminate bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, agreementID)
	r.sendTerminate = append(r.sendTerminate, sendTerminate)
	return nil
}

type recordingPayments struct {
	mu         sync.Mutex
	created    []string
	destroyed  []string
	terminated map[string]ClosingCause
}

func newRecordingPayments() *recordingPayments {
	return &recordingPayments{terminated: make(map[string]ClosingCause)}
}

func (p *recordingPayments) NotifyActivityCreated(ctx context.Context, agreementID, activityID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.created = append(p.created, activityID)
	return nil
}

func (p *recordingPayments) NotifyActivityDestroyed(ctx context.Context, agreementID, activityID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyed = append(p.destroyed, activityID)
	return nil
}

func (p *recordingPayments) NotifyAgreementTerminal(ctx context.Context, agreementID string, cause ClosingCause) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated[agreementID] = cause
	return nil
}

func newTestManager(t *testing.T) (*Manager, *recordingMarket, *recordingPayments, *exeunit.InMemory) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	exe := exeunit.NewInMemory()
	market := &recordingMarket{}
	payments := newRecordingPayments()
	checker := deadline.New(ctx)
	m := NewManager(exe, market, payments, checker, ops.NewLogger())
	go m.Run(ctx)
	return m, market, payments, exe
}

func TestInitializeSingleActivityCloseAfterFirst(t *testing.T) {
	m, market, payments, exe := newTestManager(t)
	ctx := context.Background()

	info := TaskInfo{AgreementID: "agr-1", Expiration: time.Now().Add(time.Hour), MultiActivity: false}
	require.NoError(t, m.Initialize(ctx, info))

	state, ok := m.State("agr-1")
	require.True(t, ok)
	require.Equal(t, StateInitialized, state)

	activityID, err := exe.CreateActivity(ctx, "agr-1")
	require.NoError(t, err)
	require.NoError(t, m.ActivityCreated(ctx, "agr-1", activityID))

	state, _ = m.State("agr-1")
	require.Equal(t, StateComputing, state)
	require.Equal(t, []string{activityID}, payments.created)

	require.NoError(t, m.ActivityDestroyed(ctx, "agr-1", activityID))

	state, _ = m.State("agr-1")
	require.Equal(t, StateClosed, state)
	require.Equal(t, []string{"agr-1"}, market.closed)
	require.Equal(t, SingleActivity, payments.terminated["agr-1"])
}

func TestMultiActivityStaysIdleAfterFirst(t *testing.T) {
	m, market, _, exe := newTestManager(t)
	ctx := context.Background()

	info := TaskInfo{AgreementID: "agr-2", Expiration: time.Now().Add(time.Hour), MultiActivity: true}
	require.NoError(t, m.Initialize(ctx, info))

	activityID, err := exe.CreateActivity(ctx, "agr-2")
	require.NoError(t, err)
	require.NoError(t, m.ActivityCreated(ctx, "agr-2", activityID))
	require.NoError(t, m.ActivityDestroyed(ctx, "agr-2", activityID))

	state, ok := m.State("agr-2")
	require.True(t, ok)
	require.Equal(t, StateIdle, state)
	require.Empty(t, market.closed)

	second, err := exe.CreateActivity(ctx, "agr-2")
	require.NoError(t, err)
	require.NoError(t, m.ActivityCreated(ctx, "agr-2", second))

	state, _ = m.State("agr-2")
	require.Equal(t, StateComputing, state)
}

func TestSecondActivityRejectedInSingleMode(t *testing.T) {
	m, _, _, exe := newTestManager(t)
	ctx := context.Background()

	info := TaskInfo{AgreementID: "agr-3", Expiration: time.Now().Add(time.Hour), MultiActivity: false}
	require.NoError(t, m.Initialize(ctx, info))

	first, err := exe.CreateActivity(ctx, "agr-3")
	require.NoError(t, err)
	require.NoError(t, m.ActivityCreated(ctx, "agr-3", first))

	second, err := exe.CreateActivity(ctx, "agr-3")
	require.NoError(t, err)
	err = m.ActivityCreated(ctx, "agr-3", second)
	require.Error(t, err)

	state, err := exe.GetState(ctx, second)
	require.NoError(t, err)
	require.Equal(t, exeunit.StateTerminated, state)
}

func TestInitializationFailureBreaksAgreement(t *testing.T) {
	m, market, payments, _ := newTestManager(t)
	ctx := context.Background()

	info := TaskInfo{AgreementID: "agr-4", Expiration: time.Now().Add(-time.Minute)}
	err := m.Initialize(ctx, info)
	require.Error(t, err)

	state, ok := m.State("agr-4")
	require.True(t, ok)
	require.Equal(t, StateBroken, state)
	require.Equal(t, []string{"agr-4"}, market.broken)
	require.Equal(t, InitializationError, payments.terminated["agr-4"])
}

func TestBreakAgreementIsIdempotentOnTerminalState(t *testing.T) {
	m, market, _, _ := newTestManager(t)
	ctx := context.Background()

	info := TaskInfo{AgreementID: "agr-5", Expiration: time.Now().Add(time.Hour)}
	require.NoError(t, m.Initialize(ctx, info))

	require.NoError(t, m.BreakAgreement(ctx, "agr-5", Termination, "requestor terminated"))
	require.NoError(t, m.BreakAgreement(ctx, "agr-5", Termination, "requestor terminated again"))

	require.Len(t, market.broken, 1)
}

func TestIdleExpirationBreaksAgreementWhenNotComputing(t *testing.T) {
	m, market, payments, _ := newTestManager(t)
	ctx := context.Background()

	info := TaskInfo{
		AgreementID:          "agr-6",
		Expiration:           time.Now().Add(time.Hour),
		IdleAgreementTimeout: 20 * time.Millisecond,
	}
	require.NoError(t, m.Initialize(ctx, info))

	require.Eventually(t, func() bool {
		state, _ := m.State("agr-6")
		return state == StateBroken
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, []string{"agr-6"}, market.broken)
	require.Equal(t, NoActivity, payments.terminated["agr-6"])
}

func TestCloseAgreementOnTerminationSkipsTerminateMessage(t *testing.T) {
	m, market, payments, _ := newTestManager(t)
	ctx := context.Background()

	info := TaskInfo{AgreementID: "agr-7", Expiration: time.Now().Add(time.Hour)}
	require.NoError(t, m.Initialize(ctx, info))

	require.NoError(t, m.CloseAgreement(ctx, "agr-7", Termination))

	require.Equal(t, []string{"agr-7"}, market.closed)
	require.Equal(t, []bool{false}, market.sendTerminate)
	require.Equal(t, Termination, payments.terminated["agr-7"])
}
