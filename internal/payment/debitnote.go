package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/notifier"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// IssueDebitNoteParams is issue_debit_note's argument set [Provider].
type IssueDebitNoteParams struct {
	AgreementID        string
	ActivityID         string
	TotalAmountDue     decimal.Decimal
	UsageCounterVector string
	PaymentDueDate     *time.Time
}

// IssueDebitNote persists a new DebitNote chained onto the Activity's
// previous one (if any) and sends it to the Requestor. A send failure is
// surfaced to the caller as FailedSend, matching spec.md §4.4's silence on
// issue-time delivery guarantees (only Accept messages get the SyncNotif
// durability treatment).
func (e *Engine) IssueDebitNote(ctx context.Context, p IssueDebitNoteParams) (store.DebitNote, error) {
	agreement, err := store.GetAgreement(ctx, e.db.DB(), p.AgreementID, ids.Provider.String())
	if err != nil {
		if err == store.ErrNotFound {
			return store.DebitNote{}, &NotFound{Kind: "agreement", ID: p.AgreementID}
		}
		return store.DebitNote{}, err
	}

	var prevID *string
	if prev, ok, err := store.LatestDebitNoteForActivity(ctx, e.db.DB(), p.ActivityID); err != nil {
		return store.DebitNote{}, err
	} else if ok {
		prevID = &prev.ID
	}

	d := store.DebitNote{
		ID:                  ids.New(),
		AgreementID:         p.AgreementID,
		Owner:               ids.Provider.String(),
		ActivityID:          p.ActivityID,
		PreviousDebitNoteID: prevID,
		TotalAmountDue:      p.TotalAmountDue.String(),
		UsageCounterVector:  p.UsageCounterVector,
		PaymentDueDate:      p.PaymentDueDate,
		Status:              store.StatusIssued,
		IssuedAt:            time.Now(),
	}
	if err := store.InsertDebitNote(ctx, e.db.DB(), d); err != nil {
		return store.DebitNote{}, err
	}
	e.metrics.DebitNotesIssued.Inc()
	e.bus.Publish(TopicDebitNoteIssued, d)

	if err := e.sendDebitNote(ctx, agreement, d); err != nil {
		return d, &FailedSend{Peer: agreement.RequestorID, Cause: err}
	}
	return d, nil
}

func (e *Engine) sendDebitNote(ctx context.Context, agreement store.Agreement, d store.DebitNote) error {
	if e.rpc == nil {
		return nil
	}
	msg := debitNoteMsg{
		ID: d.ID, AgreementID: d.AgreementID, ActivityID: d.ActivityID,
		PreviousDebitNoteID: d.PreviousDebitNoteID, TotalAmountDue: d.TotalAmountDue,
		UsageCounterVector: d.UsageCounterVector, PaymentDueDate: d.PaymentDueDate, IssuedAt: d.IssuedAt,
	}
	_, err := e.rpc.Send(ctx, agreement.ProviderID, agreement.RequestorID, serviceDebitNoteReceived, msg)
	return err
}

// onDebitNoteReceivedWire decodes an incoming debitNoteMsg and runs
// OnDebitNoteReceived.
func (e *Engine) onDebitNoteReceivedWire(ctx context.Context, body json.RawMessage) error {
	var msg debitNoteMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("payment: decoding debit note message: %w", err)
	}
	return e.OnDebitNoteReceived(ctx, msg)
}

// OnDebitNoteReceived persists the Requestor's own Received-status copy
// of a DebitNote issued by the Provider.
func (e *Engine) OnDebitNoteReceived(ctx context.Context, msg debitNoteMsg) error {
	d := store.DebitNote{
		ID: msg.ID, AgreementID: msg.AgreementID, Owner: ids.Requestor.String(), ActivityID: msg.ActivityID,
		PreviousDebitNoteID: msg.PreviousDebitNoteID, TotalAmountDue: msg.TotalAmountDue,
		UsageCounterVector: msg.UsageCounterVector, PaymentDueDate: msg.PaymentDueDate,
		Status: store.StatusReceived, IssuedAt: msg.IssuedAt,
	}
	if err := store.InsertDebitNote(ctx, e.db.DB(), d); err != nil {
		return err
	}
	if _, err := store.AppendDebitNoteEvent(ctx, e.db.DB(), store.DebitNoteEvent{DebitNoteID: d.ID, Owner: d.Owner, EventType: "RECEIVED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyDebitNoteEvents(d.Owner)
	return nil
}

// AcceptDebitNote implements accept(debit_note_id, allocation_id)
// [Requestor]: validates total_amount_due against the Allocation's
// remaining amount net of what this Agreement has already scheduled,
// schedules the driver payment, and marks the note Accepted.
func (e *Engine) AcceptDebitNote(ctx context.Context, debitNoteID, allocationID string) error {
	unlock := e.locks.lock(debitNoteID)
	defer unlock()

	d, err := store.GetDebitNote(ctx, e.db.DB(), debitNoteID)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "debit note", ID: debitNoteID}
		}
		return err
	}
	if d.Status == store.StatusAccepted || d.Status == store.StatusSettled {
		return nil // idempotent: re-accepting an already-accepted document is a no-op
	}
	if d.Status != store.StatusReceived {
		return &InvalidStatus{Kind: "debit note", From: string(d.Status), To: string(store.StatusAccepted)}
	}

	agreement, err := store.GetAgreement(ctx, e.db.DB(), d.AgreementID, ids.Requestor.String())
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "agreement", ID: d.AgreementID}
		}
		return err
	}

	toDebit, platform, err := e.scheduleAgainstAllocation(ctx, allocationID, d.AgreementID, ids.Requestor.String(), d.TotalAmountDue)
	if err != nil {
		return err
	}

	orderID := ids.New()
	if err := store.InsertPayment(ctx, e.db.DB(), store.Payment{
		OrderID: orderID, AgreementID: d.AgreementID, AllocationID: allocationID,
		Amount: toDebit.String(), ScheduledAt: time.Now(),
	}); err != nil {
		return err
	}
	if err := e.driver.SchedulePayment(ctx, orderID, platform, agreement.RequestorID, agreement.ProviderID, toDebit); err != nil {
		ops.Warnf(e.log, "payment: scheduling payment %s for debit note %s: %v", orderID, debitNoteID, err)
	}

	if err := store.SetDebitNoteStatus(ctx, e.db.DB(), debitNoteID, store.StatusAccepted); err != nil {
		return err
	}
	d.Status = store.StatusAccepted
	if _, err := store.AppendDebitNoteEvent(ctx, e.db.DB(), store.DebitNoteEvent{DebitNoteID: d.ID, Owner: d.Owner, EventType: "ACCEPTED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyDebitNoteEvents(d.Owner)

	if err := e.sendAcceptDebitNote(ctx, agreement, debitNoteID); err != nil {
		ops.Warnf(e.log, "payment: sending accept for debit note %s: %v", debitNoteID, err)
		if syncErr := e.persistSyncNotif(ctx, agreement.ProviderID, payloadAcceptDebitNote, debitNoteID); syncErr != nil {
			ops.Errorf(e.log, "payment: persisting sync notif for debit note %s: %v", debitNoteID, syncErr)
		}
	}
	return nil // durable: acceptance always succeeds from the caller's perspective, per spec.md §4.4
}

// scheduleAgainstAllocation implements the amount-accounting formula
// shared by AcceptDebitNote and AcceptInvoice: it deducts
// max(0, amountDue − agreement.total_amount_scheduled) from the
// Allocation's remaining amount, bumps the Agreement's running total,
// and returns the deducted amount.
func (e *Engine) scheduleAgainstAllocation(ctx context.Context, allocationID, agreementID, owner string, amountDue decimal.Decimal) (toDebit decimal.Decimal, platform string, err error) {
	alloc, err := store.GetAllocation(ctx, e.db.DB(), allocationID)
	if err != nil {
		if err == store.ErrNotFound {
			return decimal.Zero, "", &NotFound{Kind: "allocation", ID: allocationID}
		}
		return decimal.Zero, "", err
	}
	if alloc.Status != store.AllocationActive {
		return decimal.Zero, "", &AllocationNotActive{ID: allocationID}
	}

	current, err := store.GetAgreement(ctx, e.db.DB(), agreementID, owner)
	if err != nil {
		return decimal.Zero, "", err
	}
	scheduled, err := decimal.NewFromString(current.TotalAmountScheduled)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("payment: parsing agreement %s total_amount_scheduled: %w", agreementID, err)
	}
	toDebit = amountDue.Sub(scheduled)
	if toDebit.IsNegative() {
		toDebit = decimal.Zero
	}

	total, err := decimal.NewFromString(alloc.TotalAmount)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("payment: parsing allocation %s total: %w", allocationID, err)
	}
	spent, err := decimal.NewFromString(alloc.SpentAmount)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("payment: parsing allocation %s spent: %w", allocationID, err)
	}
	remaining := total.Sub(spent)
	if toDebit.GreaterThan(remaining) {
		return decimal.Zero, "", &AllocationExceeded{Requested: toDebit.String(), Available: remaining.String()}
	}

	if err := store.UpdateAllocationAmounts(ctx, e.db.DB(), allocationID, alloc.TotalAmount, spent.Add(toDebit).String()); err != nil {
		return decimal.Zero, "", err
	}
	if err := store.SetAgreementTotalScheduled(ctx, e.db.DB(), agreementID, owner, scheduled.Add(toDebit).String()); err != nil {
		return decimal.Zero, "", err
	}
	return toDebit, alloc.PaymentPlatform, nil
}

func (e *Engine) sendAcceptDebitNote(ctx context.Context, agreement store.Agreement, debitNoteID string) error {
	if e.rpc == nil {
		return nil
	}
	_, err := e.rpc.Send(ctx, agreement.RequestorID, agreement.ProviderID, serviceAcceptDebitNote, acceptDebitNoteMsg{DebitNoteID: debitNoteID})
	return err
}

func (e *Engine) resendAcceptDebitNote(ctx context.Context, peerNodeID, debitNoteID string) error {
	if e.rpc == nil {
		return nil
	}
	_, err := e.rpc.Send(ctx, "", peerNodeID, serviceAcceptDebitNote, acceptDebitNoteMsg{DebitNoteID: debitNoteID})
	return err
}

func (e *Engine) onAcceptDebitNoteReceivedWire(ctx context.Context, body json.RawMessage) error {
	var msg acceptDebitNoteMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("payment: decoding accept debit note message: %w", err)
	}
	return e.OnAcceptDebitNoteReceived(ctx, msg.DebitNoteID)
}

// OnAcceptDebitNoteReceived applies the Provider-side effect of an
// incoming AcceptDebitNote: idempotent if already Accepted/Settled.
func (e *Engine) OnAcceptDebitNoteReceived(ctx context.Context, debitNoteID string) error {
	unlock := e.locks.lock(debitNoteID)
	defer unlock()

	d, err := store.GetDebitNote(ctx, e.db.DB(), debitNoteID)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "debit note", ID: debitNoteID}
		}
		return err
	}
	if d.Status == store.StatusAccepted || d.Status == store.StatusSettled {
		return nil
	}
	if err := store.SetDebitNoteStatus(ctx, e.db.DB(), debitNoteID, store.StatusAccepted); err != nil {
		return err
	}
	if _, err := store.AppendDebitNoteEvent(ctx, e.db.DB(), store.DebitNoteEvent{DebitNoteID: d.ID, Owner: d.Owner, EventType: "ACCEPTED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyDebitNoteEvents(d.Owner)
	return nil
}

// RejectDebitNote implements reject(debit_note_id, reason) [Requestor].
func (e *Engine) RejectDebitNote(ctx context.Context, debitNoteID string) error {
	unlock := e.locks.lock(debitNoteID)
	defer unlock()

	d, err := store.GetDebitNote(ctx, e.db.DB(), debitNoteID)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "debit note", ID: debitNoteID}
		}
		return err
	}
	if d.Status != store.StatusReceived {
		return &InvalidStatus{Kind: "debit note", From: string(d.Status), To: string(store.StatusRejected)}
	}
	if err := store.SetDebitNoteStatus(ctx, e.db.DB(), debitNoteID, store.StatusRejected); err != nil {
		return err
	}
	if _, err := store.AppendDebitNoteEvent(ctx, e.db.DB(), store.DebitNoteEvent{DebitNoteID: d.ID, Owner: d.Owner, EventType: "REJECTED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyDebitNoteEvents(d.Owner)
	return nil
}

// CancelDebitNote implements cancel(debit_note_id) [Provider]: only
// legal while the note has not yet been Accepted.
func (e *Engine) CancelDebitNote(ctx context.Context, debitNoteID string) error {
	unlock := e.locks.lock(debitNoteID)
	defer unlock()

	d, err := store.GetDebitNote(ctx, e.db.DB(), debitNoteID)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "debit note", ID: debitNoteID}
		}
		return err
	}
	if d.Status != store.StatusIssued && d.Status != store.StatusReceived {
		return &InvalidStatus{Kind: "debit note", From: string(d.Status), To: string(store.StatusCancelled)}
	}
	if err := store.SetDebitNoteStatus(ctx, e.db.DB(), debitNoteID, store.StatusCancelled); err != nil {
		return err
	}
	if _, err := store.AppendDebitNoteEvent(ctx, e.db.DB(), store.DebitNoteEvent{DebitNoteID: d.ID, Owner: d.Owner, EventType: "CANCELLED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyDebitNoteEvents(d.Owner)
	return nil
}

// QueryDebitNoteEvents implements query_debit_note_events(after_timestamp,
// max_events, app_session_id?, timeout), sharing notifier.AwaitUntil with
// internal/market's query_agreement_events.
func (e *Engine) QueryDebitNoteEvents(ctx context.Context, owner ids.Role, after time.Time, appSessionID *string, timeout time.Duration, max int) ([]store.DebitNoteEvent, error) {
	pred := func() ([]store.DebitNoteEvent, bool) {
		events, err := store.QueryDebitNoteEventsAfter(ctx, e.db.DB(), owner.String(), after, max)
		if err != nil {
			return nil, true
		}
		events = filterByAppSession(events, appSessionID, func(ev store.DebitNoteEvent) *string { return ev.AppSessionID })
		return events, len(events) > 0
	}
	events, outcome := notifier.AwaitUntil(ctx, e.debitEventNotif, owner.String(), timeout, pred)
	if outcome == notifier.Timeout {
		return nil, &Timeout{}
	}
	return events, nil
}

func (e *Engine) notifyDebitNoteEvents(owner string) { e.debitEventNotif.Notify(owner) }

// filterByAppSession narrows events to those whose AppSessionID matches
// want, when want is non-nil; store's query helpers don't filter on it
// themselves since only Agreement events carry a persisted app-session
// column used at insert time for the same purpose.
func filterByAppSession[T any](events []T, want *string, get func(T) *string) []T {
	if want == nil {
		return events
	}
	out := events[:0]
	for _, ev := range events {
		if got := get(ev); got != nil && *got == *want {
			out = append(out, ev)
		}
	}
	return out
}
