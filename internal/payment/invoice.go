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

// IssueInvoice implements issue_invoice(agreement_id, activity_ids,
// amount) [Provider]. spec.md §3's "one Invoice per Agreement" invariant
// is enforced here, not at the store layer, since a second issuance
// attempt is a caller error rather than a storage conflict.
func (e *Engine) IssueInvoice(ctx context.Context, agreementID string, activityIDs []string, amount decimal.Decimal) (store.Invoice, error) {
	if _, exists, err := store.GetInvoiceByAgreement(ctx, e.db.DB(), agreementID); err != nil {
		return store.Invoice{}, err
	} else if exists {
		return store.Invoice{}, &AlreadyExists{AgreementID: agreementID}
	}
	agreement, err := store.GetAgreement(ctx, e.db.DB(), agreementID, ids.Provider.String())
	if err != nil {
		if err == store.ErrNotFound {
			return store.Invoice{}, &NotFound{Kind: "agreement", ID: agreementID}
		}
		return store.Invoice{}, err
	}

	idsJSON, err := json.Marshal(activityIDs)
	if err != nil {
		return store.Invoice{}, fmt.Errorf("payment: encoding activity ids: %w", err)
	}
	inv := store.Invoice{
		ID: ids.New(), AgreementID: agreementID, Owner: ids.Provider.String(),
		ActivityIDs: string(idsJSON), Amount: amount.String(), Status: store.StatusIssued, IssuedAt: time.Now(),
	}
	if err := store.InsertInvoice(ctx, e.db.DB(), inv); err != nil {
		return store.Invoice{}, err
	}
	e.metrics.InvoicesIssued.Inc()
	e.bus.Publish(TopicInvoiceIssued, inv)

	if err := e.sendInvoice(ctx, agreement, inv); err != nil {
		return inv, &FailedSend{Peer: agreement.RequestorID, Cause: err}
	}
	return inv, nil
}

func (e *Engine) sendInvoice(ctx context.Context, agreement store.Agreement, inv store.Invoice) error {
	if e.rpc == nil {
		return nil
	}
	msg := invoiceMsg{ID: inv.ID, AgreementID: inv.AgreementID, ActivityIDs: inv.ActivityIDs, Amount: inv.Amount, IssuedAt: inv.IssuedAt}
	_, err := e.rpc.Send(ctx, agreement.ProviderID, agreement.RequestorID, serviceInvoiceReceived, msg)
	return err
}

func (e *Engine) onInvoiceReceivedWire(ctx context.Context, body json.RawMessage) error {
	var msg invoiceMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("payment: decoding invoice message: %w", err)
	}
	return e.OnInvoiceReceived(ctx, msg)
}

// OnInvoiceReceived persists the Requestor's own Received-status copy of
// an Invoice issued by the Provider.
func (e *Engine) OnInvoiceReceived(ctx context.Context, msg invoiceMsg) error {
	inv := store.Invoice{
		ID: msg.ID, AgreementID: msg.AgreementID, Owner: ids.Requestor.String(),
		ActivityIDs: msg.ActivityIDs, Amount: msg.Amount, Status: store.StatusReceived, IssuedAt: msg.IssuedAt,
	}
	if err := store.InsertInvoice(ctx, e.db.DB(), inv); err != nil {
		return err
	}
	if _, err := store.AppendInvoiceEvent(ctx, e.db.DB(), store.InvoiceEvent{InvoiceID: inv.ID, Owner: inv.Owner, EventType: "RECEIVED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyInvoiceEvents(inv.Owner)
	return nil
}

// AcceptInvoice implements accept(invoice_id, allocation_id) [Requestor].
// Accepting an Invoice supersedes the prior DebitNotes on the same
// Agreement per spec.md §4.4; this rendering marks those still Issued or
// Received as Cancelled, since DocumentStatus has no dedicated
// "superseded" value. Notes already Accepted keep their status.
func (e *Engine) AcceptInvoice(ctx context.Context, invoiceID, allocationID string) error {
	unlock := e.locks.lock(invoiceID)
	defer unlock()

	inv, err := store.GetInvoice(ctx, e.db.DB(), invoiceID)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "invoice", ID: invoiceID}
		}
		return err
	}
	if inv.Status == store.StatusAccepted || inv.Status == store.StatusSettled {
		return nil // idempotent
	}
	if inv.Status != store.StatusReceived {
		return &InvalidStatus{Kind: "invoice", From: string(inv.Status), To: string(store.StatusAccepted)}
	}

	agreement, err := store.GetAgreement(ctx, e.db.DB(), inv.AgreementID, ids.Requestor.String())
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "agreement", ID: inv.AgreementID}
		}
		return err
	}

	amount, err := decimal.NewFromString(inv.Amount)
	if err != nil {
		return fmt.Errorf("payment: parsing invoice %s amount: %w", invoiceID, err)
	}
	toDebit, platform, err := e.scheduleAgainstAllocation(ctx, allocationID, inv.AgreementID, ids.Requestor.String(), amount)
	if err != nil {
		return err
	}

	orderID := ids.New()
	if err := store.InsertPayment(ctx, e.db.DB(), store.Payment{
		OrderID: orderID, AgreementID: inv.AgreementID, AllocationID: allocationID,
		Amount: toDebit.String(), ScheduledAt: time.Now(),
	}); err != nil {
		return err
	}
	if err := e.driver.SchedulePayment(ctx, orderID, platform, agreement.RequestorID, agreement.ProviderID, toDebit); err != nil {
		ops.Warnf(e.log, "payment: scheduling payment %s for invoice %s: %v", orderID, invoiceID, err)
	}

	if err := store.SetInvoiceStatus(ctx, e.db.DB(), invoiceID, store.StatusAccepted); err != nil {
		return err
	}
	inv.Status = store.StatusAccepted
	if _, err := store.AppendInvoiceEvent(ctx, e.db.DB(), store.InvoiceEvent{InvoiceID: inv.ID, Owner: inv.Owner, EventType: "ACCEPTED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyInvoiceEvents(inv.Owner)

	e.supersedeDebitNotes(ctx, inv.AgreementID)

	if err := e.sendAcceptInvoice(ctx, agreement, invoiceID); err != nil {
		ops.Warnf(e.log, "payment: sending accept for invoice %s: %v", invoiceID, err)
		if syncErr := e.persistSyncNotif(ctx, agreement.ProviderID, payloadAcceptInvoice, invoiceID); syncErr != nil {
			ops.Errorf(e.log, "payment: persisting sync notif for invoice %s: %v", invoiceID, syncErr)
		}
	}
	return nil // durable, per spec.md §4.4
}

// supersedeDebitNotes cancels every DebitNote on agreementID still in
// Issued or Received status once its Invoice has been accepted (Accepted
// notes are left as they are); a received DebitNote for an
// Agreement whose Invoice is already in means the Invoice wins.
func (e *Engine) supersedeDebitNotes(ctx context.Context, agreementID string) {
	notes, err := store.ListDebitNotesByAgreement(ctx, e.db.DB(), agreementID)
	if err != nil {
		ops.Warnf(e.log, "payment: listing debit notes to supersede for %s: %v", agreementID, err)
		return
	}
	for _, d := range notes {
		if d.Status != store.StatusIssued && d.Status != store.StatusReceived {
			continue
		}
		if err := store.SetDebitNoteStatus(ctx, e.db.DB(), d.ID, store.StatusCancelled); err != nil {
			ops.Warnf(e.log, "payment: superseding debit note %s: %v", d.ID, err)
			continue
		}
		e.notifyDebitNoteEvents(d.Owner)
	}
}

func (e *Engine) sendAcceptInvoice(ctx context.Context, agreement store.Agreement, invoiceID string) error {
	if e.rpc == nil {
		return nil
	}
	_, err := e.rpc.Send(ctx, agreement.RequestorID, agreement.ProviderID, serviceAcceptInvoice, acceptInvoiceMsg{InvoiceID: invoiceID})
	return err
}

func (e *Engine) resendAcceptInvoice(ctx context.Context, peerNodeID, invoiceID string) error {
	if e.rpc == nil {
		return nil
	}
	_, err := e.rpc.Send(ctx, "", peerNodeID, serviceAcceptInvoice, acceptInvoiceMsg{InvoiceID: invoiceID})
	return err
}

func (e *Engine) onAcceptInvoiceReceivedWire(ctx context.Context, body json.RawMessage) error {
	var msg acceptInvoiceMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("payment: decoding accept invoice message: %w", err)
	}
	return e.OnAcceptInvoiceReceived(ctx, msg.InvoiceID)
}

// OnAcceptInvoiceReceived applies the Provider-side effect of an
// incoming AcceptInvoice: idempotent if already Accepted/Settled.
func (e *Engine) OnAcceptInvoiceReceived(ctx context.Context, invoiceID string) error {
	unlock := e.locks.lock(invoiceID)
	defer unlock()

	inv, err := store.GetInvoice(ctx, e.db.DB(), invoiceID)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "invoice", ID: invoiceID}
		}
		return err
	}
	if inv.Status == store.StatusAccepted || inv.Status == store.StatusSettled {
		return nil
	}
	if err := store.SetInvoiceStatus(ctx, e.db.DB(), invoiceID, store.StatusAccepted); err != nil {
		return err
	}
	if _, err := store.AppendInvoiceEvent(ctx, e.db.DB(), store.InvoiceEvent{InvoiceID: inv.ID, Owner: inv.Owner, EventType: "ACCEPTED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyInvoiceEvents(inv.Owner)
	return nil
}

// CancelInvoice implements cancel(invoice_id) [Provider]: only legal
// before acceptance.
func (e *Engine) CancelInvoice(ctx context.Context, invoiceID string) error {
	unlock := e.locks.lock(invoiceID)
	defer unlock()

	inv, err := store.GetInvoice(ctx, e.db.DB(), invoiceID)
	if err != nil {
		if err == store.ErrNotFound {
			return &NotFound{Kind: "invoice", ID: invoiceID}
		}
		return err
	}
	if inv.Status != store.StatusIssued && inv.Status != store.StatusReceived {
		return &InvalidStatus{Kind: "invoice", From: string(inv.Status), To: string(store.StatusCancelled)}
	}
	if err := store.SetInvoiceStatus(ctx, e.db.DB(), invoiceID, store.StatusCancelled); err != nil {
		return err
	}
	if _, err := store.AppendInvoiceEvent(ctx, e.db.DB(), store.InvoiceEvent{InvoiceID: inv.ID, Owner: inv.Owner, EventType: "CANCELLED", Timestamp: time.Now()}); err != nil {
		return err
	}
	e.notifyInvoiceEvents(inv.Owner)
	return nil
}

// QueryInvoiceEvents implements query_invoice_events(after_timestamp,
// max_events, app_session_id?, timeout).
func (e *Engine) QueryInvoiceEvents(ctx context.Context, owner ids.Role, after time.Time, appSessionID *string, timeout time.Duration, max int) ([]store.InvoiceEvent, error) {
	pred := func() ([]store.InvoiceEvent, bool) {
		events, err := store.QueryInvoiceEventsAfter(ctx, e.db.DB(), owner.String(), after, max)
		if err != nil {
			return nil, true
		}
		events = filterByAppSession(events, appSessionID, func(ev store.InvoiceEvent) *string { return ev.AppSessionID })
		return events, len(events) > 0
	}
	events, outcome := notifier.AwaitUntil(ctx, e.invoiceEventNotif, owner.String(), timeout, pred)
	if outcome == notifier.Timeout {
		return nil, &Timeout{}
	}
	return events, nil
}

func (e *Engine) notifyInvoiceEvents(owner string) { e.invoiceEventNotif.Notify(owner) }

// GetInvoice implements get_invoice(id).
func (e *Engine) GetInvoice(ctx context.Context, id string) (store.Invoice, error) {
	inv, err := store.GetInvoice(ctx, e.db.DB(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return store.Invoice{}, &NotFound{Kind: "invoice", ID: id}
		}
		return store.Invoice{}, err
	}
	return inv, nil
}

// GetDebitNote implements get_debit_note(id).
func (e *Engine) GetDebitNote(ctx context.Context, id string) (store.DebitNote, error) {
	d, err := store.GetDebitNote(ctx, e.db.DB(), id)
	if err != nil {
		if err == store.ErrNotFound {
			return store.DebitNote{}, &NotFound{Kind: "debit note", ID: id}
		}
		return store.DebitNote{}, err
	}
	return d, nil
}

// ListDebitNotes implements list_debit_notes(agreement_id).
func (e *Engine) ListDebitNotes(ctx context.Context, agreementID string) ([]store.DebitNote, error) {
	return store.ListDebitNotesByAgreement(ctx, e.db.DB(), agreementID)
}

// GetInvoiceByAgreement looks up the single Invoice tied to agreementID,
// if one has been issued yet (spec.md §3's "one Invoice per Agreement").
// Backs the API's list_invoices rendering, which has nothing to
// paginate: the invariant means the result set is at most one element.
func (e *Engine) GetInvoiceByAgreement(ctx context.Context, agreementID string) (store.Invoice, bool, error) {
	return store.GetInvoiceByAgreement(ctx, e.db.DB(), agreementID)
}
