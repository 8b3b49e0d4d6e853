// Package payment is the Payment Engine of spec.md §4.4: Allocation
// reservation/validation/amend/auto-release, DebitNote and Invoice
// lifecycles, amount accounting, and sync retry of undelivered Accepts.
// It depends on internal/adapters/paymentdriver for the external
// blockchain collaborator, the same way internal/market depends on
// internal/adapters/rpcnet and internal/adapters/identity.
package payment

import (
	"context"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/golemfactory/yagna-sub001/internal/adapters/paymentdriver"
	"github.com/golemfactory/yagna-sub001/internal/adapters/rpcnet"
	"github.com/golemfactory/yagna-sub001/internal/bus"
	"github.com/golemfactory/yagna-sub001/internal/deadline"
	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/notifier"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

const deadlineCategoryAllocation = "allocation-timeout"

// Bus addresses for the Payment Engine's operations, mirroring
// internal/market's Addr* convention.
const (
	AddrCreateAllocation     = "payment/allocation/create"
	AddrGetAllocation        = "payment/allocation/get"
	AddrAmendAllocation      = "payment/allocation/amend"
	AddrReleaseAllocation    = "payment/allocation/release"
	AddrListAllocations      = "payment/allocation/list"
	AddrIssueDebitNote       = "payment/debit-note/issue"
	AddrAcceptDebitNote      = "payment/debit-note/accept-local"
	AddrRejectDebitNote      = "payment/debit-note/reject"
	AddrCancelDebitNote      = "payment/debit-note/cancel"
	AddrQueryDebitNoteEvents = "payment/debit-note/query-events"
	AddrIssueInvoice         = "payment/invoice/issue"
	AddrAcceptInvoice        = "payment/invoice/accept-local"
	AddrCancelInvoice        = "payment/invoice/cancel"
	AddrQueryInvoiceEvents   = "payment/invoice/query-events"
)

// Engine is the Payment Engine.
type Engine struct {
	db     *store.Store
	driver paymentdriver.Driver
	rpc    rpcnet.Client
	bus    *bus.Bus

	debitEventNotif   *notifier.Notifier[string] // keyed by ids.Role.String()
	invoiceEventNotif *notifier.Notifier[string] // keyed by ids.Role.String()

	locks     *keyedLocks // keyed by allocation/debit-note/invoice id
	deadlines *deadline.Checker

	validateGroup singleflight.Group // collapses concurrent ValidateAllocation calls per owner/platform

	metrics *ops.Metrics
	log     ops.Logger
}

// NewEngine constructs a Payment Engine.
func NewEngine(db *store.Store, driver paymentdriver.Driver, rpc rpcnet.Client, b *bus.Bus, deadlines *deadline.Checker, metrics *ops.Metrics, log ops.Logger) *Engine {
	return &Engine{
		db:                db,
		driver:            driver,
		rpc:               rpc,
		bus:               b,
		debitEventNotif:   notifier.New[string](),
		invoiceEventNotif: notifier.New[string](),
		locks:             newKeyedLocks(),
		deadlines:         deadlines,
		metrics:           metrics,
		log:               log.With(nil),
	}
}

// Run drives the Engine's background work: consuming driver payment
// confirmations and allocation auto-release deadlines. It returns when
// ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	notifications, unsubscribe := bus.Subscribe[paymentdriver.NotifyPayment](e.bus, paymentdriver.TopicNotifyPayment)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-notifications:
			if !ok {
				return
			}
			e.onNotifyPayment(ctx, n)
		case el, ok := <-e.deadlines.Events():
			if !ok {
				return
			}
			if el.Category == deadlineCategoryAllocation {
				if err := e.releaseAllocation(ctx, el.ID); err != nil {
					ops.Warnf(e.log, "payment: auto-releasing allocation %s: %v", el.ID, err)
				}
			}
		}
	}
}

// onNotifyPayment marks the confirmed Payment settled, then propagates
// settlement to whichever document (Invoice, preferentially, else any
// Accepted DebitNotes) stands for this Agreement's payment obligation.
func (e *Engine) onNotifyPayment(ctx context.Context, n paymentdriver.NotifyPayment) {
	if err := store.SettlePayment(ctx, e.db.DB(), n.OrderID, n.Confirmation, time.Now()); err != nil {
		if err != store.ErrNotFound {
			ops.Warnf(e.log, "payment: settling payment %s: %v", n.OrderID, err)
		}
		return
	}
	p, err := store.GetPayment(ctx, e.db.DB(), n.OrderID)
	if err != nil {
		ops.Warnf(e.log, "payment: reloading settled payment %s: %v", n.OrderID, err)
		return
	}
	e.bus.Publish(TopicPaymentSettled, p)

	if inv, exists, err := store.GetInvoiceByAgreement(ctx, e.db.DB(), p.AgreementID); err == nil && exists && inv.Status == store.StatusAccepted {
		if err := store.SetInvoiceStatus(ctx, e.db.DB(), inv.ID, store.StatusSettled); err != nil {
			ops.Warnf(e.log, "payment: marking invoice %s settled: %v", inv.ID, err)
			return
		}
		if _, err := store.AppendInvoiceEvent(ctx, e.db.DB(), store.InvoiceEvent{InvoiceID: inv.ID, Owner: inv.Owner, EventType: "SETTLED", Timestamp: time.Now()}); err != nil {
			ops.Warnf(e.log, "payment: appending settled event for invoice %s: %v", inv.ID, err)
		}
		e.notifyInvoiceEvents(inv.Owner)
		return
	}

	notes, err := store.ListDebitNotesByAgreement(ctx, e.db.DB(), p.AgreementID)
	if err != nil {
		ops.Warnf(e.log, "payment: listing debit notes for %s: %v", p.AgreementID, err)
		return
	}
	for _, d := range notes {
		if d.Status != store.StatusAccepted {
			continue
		}
		if err := store.SetDebitNoteStatus(ctx, e.db.DB(), d.ID, store.StatusSettled); err != nil {
			ops.Warnf(e.log, "payment: marking debit note %s settled: %v", d.ID, err)
			continue
		}
		if _, err := store.AppendDebitNoteEvent(ctx, e.db.DB(), store.DebitNoteEvent{DebitNoteID: d.ID, Owner: d.Owner, EventType: "SETTLED", Timestamp: time.Now()}); err != nil {
			ops.Warnf(e.log, "payment: appending settled event for debit note %s: %v", d.ID, err)
		}
		e.notifyDebitNoteEvents(d.Owner)
	}
}

// RegisterPeerHandlers wires an rpcnet.InProcess node's incoming payment
// messages into the Engine's on*Received handlers, mirroring
// market.RegisterPeerHandlers for scenario tests that drive both peers
// in-process.
func RegisterPeerHandlers(nodeID string, e *Engine, register func(nodeID, service string, h func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error))) {
	register(nodeID, serviceDebitNoteReceived, func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		return nil, e.onDebitNoteReceivedWire(ctx, body)
	})
	register(nodeID, serviceAcceptDebitNote, func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		return nil, e.onAcceptDebitNoteReceivedWire(ctx, body)
	})
	register(nodeID, serviceInvoiceReceived, func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		return nil, e.onInvoiceReceivedWire(ctx, body)
	})
	register(nodeID, serviceAcceptInvoice, func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		return nil, e.onAcceptInvoiceReceivedWire(ctx, body)
	})
}

// peerOf returns the opposing party's node id for an Agreement viewed
// from owner's role.
func peerOf(a store.Agreement, owner ids.Role) string {
	if owner == ids.Provider {
		return a.RequestorID
	}
	return a.ProviderID
}

// BindEngine registers the Payment Engine's operations on b.
func BindEngine(b *bus.Bus, e *Engine) {
	bus.Bind(b, AddrCreateAllocation, func(ctx context.Context, env bus.Envelope, req CreateAllocationParams) (store.Allocation, error) {
		return e.CreateAllocation(ctx, req)
	})
	bus.Bind(b, AddrGetAllocation, func(ctx context.Context, env bus.Envelope, req idRequest) (store.Allocation, error) {
		return e.GetAllocation(ctx, req.ID)
	})
	bus.Bind(b, AddrAmendAllocation, func(ctx context.Context, env bus.Envelope, req amendAllocationRequest) (store.Allocation, error) {
		return e.AmendAllocation(ctx, req.ID, req.Patch)
	})
	bus.Bind(b, AddrReleaseAllocation, func(ctx context.Context, env bus.Envelope, req idRequest) (struct{}, error) {
		return struct{}{}, e.ReleaseAllocation(ctx, req.ID)
	})
	bus.Bind(b, AddrListAllocations, func(ctx context.Context, env bus.Envelope, req ownerRequest) ([]store.Allocation, error) {
		return e.ListAllocations(ctx, req.OwnerID)
	})
	bus.Bind(b, AddrIssueDebitNote, func(ctx context.Context, env bus.Envelope, req IssueDebitNoteParams) (store.DebitNote, error) {
		return e.IssueDebitNote(ctx, req)
	})
	bus.Bind(b, AddrAcceptDebitNote, func(ctx context.Context, env bus.Envelope, req acceptRequest) (struct{}, error) {
		return struct{}{}, e.AcceptDebitNote(ctx, req.ID, req.AllocationID)
	})
	bus.Bind(b, AddrRejectDebitNote, func(ctx context.Context, env bus.Envelope, req idRequest) (struct{}, error) {
		return struct{}{}, e.RejectDebitNote(ctx, req.ID)
	})
	bus.Bind(b, AddrCancelDebitNote, func(ctx context.Context, env bus.Envelope, req idRequest) (struct{}, error) {
		return struct{}{}, e.CancelDebitNote(ctx, req.ID)
	})
	bus.Bind(b, AddrQueryDebitNoteEvents, func(ctx context.Context, env bus.Envelope, req queryEventsRequest) ([]store.DebitNoteEvent, error) {
		return e.QueryDebitNoteEvents(ctx, req.Owner, req.After, req.AppSessionID, req.Timeout, req.Max)
	})
	bus.Bind(b, AddrIssueInvoice, func(ctx context.Context, env bus.Envelope, req issueInvoiceRequest) (store.Invoice, error) {
		return e.IssueInvoice(ctx, req.AgreementID, req.ActivityIDs, req.Amount)
	})
	bus.Bind(b, AddrAcceptInvoice, func(ctx context.Context, env bus.Envelope, req acceptRequest) (struct{}, error) {
		return struct{}{}, e.AcceptInvoice(ctx, req.ID, req.AllocationID)
	})
	bus.Bind(b, AddrCancelInvoice, func(ctx context.Context, env bus.Envelope, req idRequest) (struct{}, error) {
		return struct{}{}, e.CancelInvoice(ctx, req.ID)
	})
	bus.Bind(b, AddrQueryInvoiceEvents, func(ctx context.Context, env bus.Envelope, req queryEventsRequest) ([]store.InvoiceEvent, error) {
		return e.QueryInvoiceEvents(ctx, req.Owner, req.After, req.AppSessionID, req.Timeout, req.Max)
	})
}

type idRequest struct {
	ID string
}

type ownerRequest struct {
	OwnerID string
}

type acceptRequest struct {
	ID           string
	AllocationID string
}

type amendAllocationRequest struct {
	ID    string
	Patch []byte
}

type queryEventsRequest struct {
	Owner        ids.Role
	After        time.Time
	AppSessionID *string
	Timeout      time.Duration
	Max          int
}

type issueInvoiceRequest struct {
	AgreementID string
	ActivityIDs []string
	Amount      decimal.Decimal
}
