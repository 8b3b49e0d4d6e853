// Package task implements the Provider-side Task Manager: the local
// Agreement-state view tying negotiation, ExeUnit lifecycle, and
// payments together (spec.md §4.3).
package task

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/adapters/exeunit"
	"github.com/golemfactory/yagna-sub001/internal/bus"
	"github.com/golemfactory/yagna-sub001/internal/deadline"
	"github.com/golemfactory/yagna-sub001/internal/notifier"
	"github.com/golemfactory/yagna-sub001/internal/ops"
)

// State is the local Agreement-state view, disjoint from but coupled to
// the Market Engine's Agreement state graph.
type State string

const (
	StateNew         State = "New"
	StateInitialized State = "Initialized"
	StateComputing   State = "Computing"
	StateIdle        State = "Idle"
	StateBroken      State = "Broken"
	StateClosed      State = "Closed"
)

func (s State) Terminal() bool { return s == StateClosed || s == StateBroken }

// ClosingCause is the richer variant resolving spec.md §9's Open
// Question: spec.md's Rust original splits this across BreakReason
// (Expired/NoActivity/InitializationError) and ClosingCause
// (ApprovalFail/Termination/SingleActivity); we fold them into one
// taxonomy since both ultimately answer "why did this Agreement stop".
type ClosingCause int

const (
	ApprovalFail ClosingCause = iota
	Termination
	SingleActivity
	NoActivity
	Expired
	InitializationError
)

func (c ClosingCause) String() string {
	switch c {
	case ApprovalFail:
		return "ApprovalFail"
	case Termination:
		return "Termination"
	case SingleActivity:
		return "SingleActivity"
	case NoActivity:
		return "NoActivity"
	case Expired:
		return "Expired"
	case InitializationError:
		return "InitializationError"
	default:
		return "Unknown"
	}
}

// TaskInfo is the per-Agreement configuration read from its properties
// at Initialize time.
type TaskInfo struct {
	AgreementID          string
	Expiration           time.Time
	IdleAgreementTimeout time.Duration
	MultiActivity        bool
}

// record is the Task Manager's internal bookkeeping for one Agreement.
type record struct {
	state         State
	transitioning bool
	info          TaskInfo
	activityID    string
	closingCause  *ClosingCause
	breakReason   string
}

// Collaborators the Task Manager drives fan-out through. Each is a
// narrow interface so tests can substitute recording fakes, mirroring
// the teacher's own small-interface-per-collaborator style.
type MarketNotifier interface {
	NotifyAgreementBroken(ctx context.Context, agreementID string, reason string) error
	NotifyAgreementClosed(ctx context.Context, agreementID string, sendTerminate bool) error
}

type PaymentsNotifier interface {
	NotifyActivityCreated(ctx context.Context, agreementID, activityID string) error
	NotifyActivityDestroyed(ctx context.Context, agreementID, activityID string) error
	NotifyAgreementTerminal(ctx context.Context, agreementID string, cause ClosingCause) error
}

const (
	deadlineCategoryExpiration = "task-expiration"
	deadlineCategoryIdle       = "task-idle"
)

// Manager is the Task Manager actor: every exported method is safe for
// concurrent use. Per-Agreement transitions are guarded by a
// mid-transition flag, not a lock: ActivityCreated waits for an
// in-flight transition via changes_listener, while any other transition
// started during one fails with an error instead of waiting.
type Manager struct {
	mu    sync.Mutex
	tasks map[string]*record
	notif *notifier.Notifier[string] // changes_listener, keyed by agreement id

	exe       exeunit.Runtime
	market    MarketNotifier
	payments  PaymentsNotifier
	deadlines *deadline.Checker
	log       ops.Logger
}

// NewManager constructs a Task Manager.
func NewManager(exe exeunit.Runtime, market MarketNotifier, payments PaymentsNotifier, deadlines *deadline.Checker, log ops.Logger) *Manager {
	m := &Manager{
		tasks:     make(map[string]*record),
		notif:     notifier.New[string](),
		exe:       exe,
		market:    market,
		payments:  payments,
		deadlines: deadlines,
		log:       log.With(nil),
	}
	return m
}

// ChangesListener lets another handler wait for the Agreement's current
// transition to finish before starting its own, eliminating the
// ActivityCreated-before-AgreementApproved-finishes reorder hazard
// spec.md §4.3 calls out.
func (m *Manager) ChangesListener(agreementID string) notifier.Subscription[string] {
	return m.notif.Listen(agreementID)
}

func (m *Manager) get(agreementID string) (*record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[agreementID]
	return r, ok
}

// listenIfTransitioning atomically checks whether agreementID is
// mid-transition and, if so, registers a changes_listener subscription
// before releasing the lock — closing the race where the transition
// could finish (and Notify fire) between a plain state check and a
// separate Listen call.
func (m *Manager) listenIfTransitioning(agreementID string) (notifier.Subscription[string], bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[agreementID]
	if !ok || !r.transitioning {
		return notifier.Subscription[string]{}, false
	}
	return m.notif.Listen(agreementID), true
}

// startTransition marks the Agreement as mid-transition. It does not
// change the externally-visible state; finishTransition does.
func (m *Manager) startTransition(agreementID string, target State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.tasks[agreementID]
	if !ok {
		return fmt.Errorf("task: unknown agreement %s", agreementID)
	}
	if r.transitioning {
		return fmt.Errorf("task: agreement %s already mid-transition", agreementID)
	}
	r.transitioning = true
	return nil
}

// abortTransition clears the mid-transition flag without committing a
// new state, used when an initialization step fails partway through
// and the caller is about to drive the Agreement into Broken instead.
func (m *Manager) abortTransition(agreementID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.tasks[agreementID]; ok {
		r.transitioning = false
	}
}

// finishTransition commits the target state and wakes every
// changes_listener waiter.
func (m *Manager) finishTransition(agreementID string, target State) error {
	m.mu.Lock()
	r, ok := m.tasks[agreementID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task: unknown agreement %s", agreementID)
	}
	r.state = target
	r.transitioning = false
	m.mu.Unlock()

	m.notif.Notify(agreementID)
	return nil
}

// State reports the current committed state of an Agreement.
func (m *Manager) State(agreementID string) (State, bool) {
	r, ok := m.get(agreementID)
	if !ok {
		return "", false
	}
	return r.state, true
}

// Initialize implements the New → Initialized transition on
// AgreementApproved: it registers the Agreement, arms its expiration and
// idle timers, and converts any failure into BreakAgreement{
// InitializationError} per spec.md §4.3's failure policy — an
// Agreement never sits half-initialized.
func (m *Manager) Initialize(ctx context.Context, info TaskInfo) error {
	m.mu.Lock()
	if _, exists := m.tasks[info.AgreementID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("task: agreement %s already tracked", info.AgreementID)
	}
	m.tasks[info.AgreementID] = &record{state: StateNew, info: info}
	m.mu.Unlock()

	if err := m.startTransition(info.AgreementID, StateInitialized); err != nil {
		return m.failInitialization(ctx, info.AgreementID, err)
	}

	if !info.Expiration.IsZero() {
		if !info.Expiration.After(time.Now()) {
			m.abortTransition(info.AgreementID)
			return m.failInitialization(ctx, info.AgreementID, fmt.Errorf("agreement expired before start"))
		}
		m.deadlines.TrackDeadline(deadlineCategoryExpiration, info.AgreementID, info.Expiration)
	}
	m.armIdleTimer(info)

	if err := m.finishTransition(info.AgreementID, StateInitialized); err != nil {
		return m.failInitialization(ctx, info.AgreementID, err)
	}
	return nil
}

func (m *Manager) failInitialization(ctx context.Context, agreementID string, cause error) error {
	ops.Errorf(m.log, "initializing agreement %s failed: %v", agreementID, cause)
	reason := fmt.Sprintf("initialization error: %v", cause)
	if err := m.BreakAgreement(ctx, agreementID, InitializationError, reason); err != nil {
		ops.Errorf(m.log, "breaking agreement %s after failed init also failed: %v", agreementID, err)
	}
	return cause
}

// ActivityCreated implements the Initialized/Idle → Computing transition.
// It waits on changes_listener first, since ActivityCreated can race
// ahead of Initialize's finishTransition.
func (m *Manager) ActivityCreated(ctx context.Context, agreementID, activityID string) error {
	if sub, waiting := m.listenIfTransitioning(agreementID); waiting {
		if outcome := sub.Wait(ctx, 5*time.Second); outcome == notifier.Unsubscribed {
			return fmt.Errorf("task: agreement %s was unsubscribed while awaiting transition", agreementID)
		}
	}

	if state, ok := m.State(agreementID); ok && state != StateInitialized && state != StateIdle {
		if destroyErr := m.exe.DestroyActivity(ctx, activityID); destroyErr != nil {
			ops.Warnf(m.log, "destroying rejected second activity %s: %v", activityID, destroyErr)
		}
		return fmt.Errorf("task: only one activity allowed per agreement %s (state %s)", agreementID, state)
	}

	m.cancelIdleTimer(agreementID)

	if err := m.startTransition(agreementID, StateComputing); err != nil {
		if destroyErr := m.exe.DestroyActivity(ctx, activityID); destroyErr != nil {
			ops.Warnf(m.log, "destroying rejected second activity %s: %v", activityID, destroyErr)
		}
		return fmt.Errorf("task: only one activity allowed per agreement: %w", err)
	}

	m.mu.Lock()
	r := m.tasks[agreementID]
	r.activityID = activityID
	m.mu.Unlock()

	if err := m.payments.NotifyActivityCreated(ctx, agreementID, activityID); err != nil {
		ops.Warnf(m.log, "notifying payments of activity %s creation: %v", activityID, err)
	}

	return m.finishTransition(agreementID, StateComputing)
}

// ActivityDestroyed implements Computing → Idle, and CloseAgreement
// {SingleActivity} when the Agreement is single-activity mode.
func (m *Manager) ActivityDestroyed(ctx context.Context, agreementID, activityID string) error {
	r, ok := m.get(agreementID)
	if !ok {
		return fmt.Errorf("task: unknown agreement %s", agreementID)
	}

	if err := m.payments.NotifyActivityDestroyed(ctx, agreementID, activityID); err != nil {
		ops.Warnf(m.log, "notifying payments of activity %s destruction: %v", activityID, err)
	}

	if err := m.startTransition(agreementID, StateIdle); err != nil {
		return err
	}
	m.armIdleTimer(r.info)

	closeAfterFirst := !r.info.MultiActivity
	if err := m.finishTransition(agreementID, StateIdle); err != nil {
		return err
	}

	if closeAfterFirst {
		ops.Infof(m.log, "agreement %s: closing after single activity per task_info.multi_activity=false", agreementID)
		return m.CloseAgreement(ctx, agreementID, SingleActivity)
	}
	return nil
}

// BreakAgreement implements any-state → Broken{reason}: cancels timers,
// awaits ExeUnit destruction, notifies Market and Payments, then commits.
func (m *Manager) BreakAgreement(ctx context.Context, agreementID string, cause ClosingCause, reason string) error {
	m.cancelHandles(agreementID)

	r, ok := m.get(agreementID)
	if !ok {
		return fmt.Errorf("task: unknown agreement %s", agreementID)
	}
	if r.state.Terminal() {
		return nil // already finalized; breaking a broken/closed agreement is a no-op
	}

	if err := m.startTransition(agreementID, StateBroken); err != nil {
		return err
	}

	if r.activityID != "" {
		if err := m.exe.DestroyActivity(ctx, r.activityID); err != nil {
			ops.Warnf(m.log, "destroying activity %s while breaking agreement %s: %v", r.activityID, agreementID, err)
		}
	}
	if err := m.market.NotifyAgreementBroken(ctx, agreementID, reason); err != nil {
		ops.Warnf(m.log, "notifying market of broken agreement %s: %v", agreementID, err)
	}
	if err := m.payments.NotifyAgreementTerminal(ctx, agreementID, cause); err != nil {
		ops.Warnf(m.log, "notifying payments of terminal agreement %s: %v", agreementID, err)
	}

	m.mu.Lock()
	r.closingCause = &cause
	r.breakReason = reason
	m.mu.Unlock()

	return m.finishTransition(agreementID, StateBroken)
}

// CloseAgreement implements any-state → Closed, per the break/close
// fan-out order spec.md §4.3 specifies.
func (m *Manager) CloseAgreement(ctx context.Context, agreementID string, cause ClosingCause) error {
	m.cancelHandles(agreementID)

	r, ok := m.get(agreementID)
	if !ok {
		return fmt.Errorf("task: unknown agreement %s", agreementID)
	}
	if r.state.Terminal() {
		return nil
	}

	if err := m.startTransition(agreementID, StateClosed); err != nil {
		return err
	}

	if r.activityID != "" {
		if err := m.exe.DestroyActivity(ctx, r.activityID); err != nil {
			ops.Warnf(m.log, "destroying activity %s while closing agreement %s: %v", r.activityID, agreementID, err)
		}
	}
	if cause != ApprovalFail {
		sendTerminate := cause != Termination
		if err := m.market.NotifyAgreementClosed(ctx, agreementID, sendTerminate); err != nil {
			ops.Warnf(m.log, "notifying market of closed agreement %s: %v", agreementID, err)
		}
	}
	if err := m.payments.NotifyAgreementTerminal(ctx, agreementID, cause); err != nil {
		ops.Warnf(m.log, "notifying payments of terminal agreement %s: %v", agreementID, err)
	}

	m.mu.Lock()
	r.closingCause = &cause
	m.mu.Unlock()

	return m.finishTransition(agreementID, StateClosed)
}
