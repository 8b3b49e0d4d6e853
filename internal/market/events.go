package market

import (
	"context"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/notifier"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// QueryAgreementEvents implements query_agreement_events(app_session_id?,
// timeout, max, after_ts): long-polls the calling role's Agreement event
// queue, returning immediately if events already exist after `after`.
func (e *Engine) QueryAgreementEvents(ctx context.Context, owner ids.Role, after time.Time, appSessionID *string, timeout time.Duration, max int) ([]store.AgreementEvent, error) {
	pred := func() ([]store.AgreementEvent, bool) {
		events, err := store.QueryAgreementEventsAfter(ctx, e.db.DB(), owner.String(), after, appSessionID, max)
		if err != nil {
			return nil, true
		}
		return events, len(events) > 0
	}
	events, outcome := notifier.AwaitUntil(ctx, e.eventNotif, owner.String(), timeout, pred)
	if outcome == notifier.Timeout {
		return nil, &Timeout{}
	}
	return events, nil
}

// notifyEvents wakes every query_agreement_events waiter for owner; called
// after any AppendAgreementEvent commit so a long-poller parked before the
// write observes it without re-polling on its own timer.
func (e *Engine) notifyEvents(owner string) {
	e.eventNotif.Notify(owner)
}
