package task

import (
	"context"
	"fmt"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/ops"
)

// Run drains the deadline.Checker's Events channel and converts elapsed
// expiration/idle entries into BreakAgreement calls, mirroring
// schedule_expiration/schedule_idle_expiration's run_later callbacks in
// the teacher's task_manager.rs. It blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case el, ok := <-m.deadlines.Events():
			if !ok {
				return
			}
			m.onDeadlineElapsed(ctx, el.Category, el.ID)
		}
	}
}

func (m *Manager) onDeadlineElapsed(ctx context.Context, category, agreementID string) {
	r, ok := m.get(agreementID)
	if !ok || r.state.Terminal() {
		return
	}

	switch category {
	case deadlineCategoryExpiration:
		reason := fmt.Sprintf("agreement %s expired", agreementID)
		if err := m.BreakAgreement(ctx, agreementID, Expired, reason); err != nil {
			ops.Warnf(m.log, "breaking expired agreement %s: %v", agreementID, err)
		}
	case deadlineCategoryIdle:
		if !m.isActive(agreementID) {
			reason := fmt.Sprintf("agreement %s idle timeout elapsed", agreementID)
			if err := m.BreakAgreement(ctx, agreementID, NoActivity, reason); err != nil {
				ops.Warnf(m.log, "breaking idle agreement %s: %v", agreementID, err)
			}
		}
	}
}

// isActive reports whether the Agreement currently has a live Activity,
// mirroring tasks.not_active's inverse in the teacher.
func (m *Manager) isActive(agreementID string) bool {
	r, ok := m.get(agreementID)
	if !ok {
		return false
	}
	return r.state == StateComputing
}

// armIdleTimer (re)schedules the idle-expiration deadline for an
// Agreement that just entered Initialized or Idle state. A zero
// IdleAgreementTimeout disables idle tracking for that Agreement.
func (m *Manager) armIdleTimer(info TaskInfo) {
	if info.IdleAgreementTimeout <= 0 {
		return
	}
	m.deadlines.TrackDeadline(deadlineCategoryIdle, info.AgreementID, time.Now().Add(info.IdleAgreementTimeout))
}

func (m *Manager) cancelIdleTimer(agreementID string) {
	m.deadlines.StopTracking(deadlineCategoryIdle, agreementID)
}

// cancelHandles stops every tracked timer for an Agreement, mirroring
// cancel_handles in the teacher: called before any terminal transition
// so a stale expiration/idle callback can never fire against a closed
// or broken Agreement.
func (m *Manager) cancelHandles(agreementID string) {
	m.deadlines.StopTracking(deadlineCategoryExpiration, agreementID)
	m.deadlines.StopTracking(deadlineCategoryIdle, agreementID)
}
