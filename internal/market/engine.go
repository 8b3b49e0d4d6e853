package market

import (
	"context"
	"encoding/json"
	"time"

	"github.com/golemfactory/yagna-sub001/internal/bus"
	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

// Bus service addresses for the Negotiation Broker and Market Engine,
// mirroring spec.md §6's gsb-style "addr" namespace.
const (
	AddrCounterProposal      = "market/proposal/counter"
	AddrQueryEvents          = "market/proposal/query-events"
	AddrRejectProposal       = "market/proposal/reject"
	AddrCreateAgreement      = "market/agreement/create"
	AddrConfirmAgreement     = "market/agreement/confirm"
	AddrWaitForApproval      = "market/agreement/wait-for-approval"
	AddrApproveAgreement     = "market/agreement/approve"
	AddrRejectAgreement      = "market/agreement/reject"
	AddrCancelAgreement      = "market/agreement/cancel"
	AddrTerminateAgreement   = "market/agreement/terminate"
	AddrQueryAgreementEvents = "market/agreement/query-events"
)

// CounterProposalRequest is AddrCounterProposal's request shape.
type CounterProposalRequest struct {
	SubscriptionID  string
	PrevProposalID  string
	Body            string
	Owner           ids.Role
	PeerNodeID      string
}

// BindBroker registers the Negotiation Broker's operations on b. It does
// not wire incoming rpcnet messages; RegisterPeerHandlers does that.
func BindBroker(b *bus.Bus, broker *Broker) {
	bus.Bind(b, AddrCounterProposal, func(ctx context.Context, env bus.Envelope, req CounterProposalRequest) (store.Proposal, error) {
		p, _, err := broker.CounterProposal(ctx, req.SubscriptionID, req.PrevProposalID, req.Body, req.Owner, req.PeerNodeID)
		return p, err
	})
	bus.Bind(b, AddrQueryEvents, func(ctx context.Context, env bus.Envelope, req queryEventsRequest) ([]store.ProposalEvent, error) {
		return broker.QueryEvents(ctx, req.SubscriptionID, req.After, req.Timeout, req.Max)
	})
	bus.Bind(b, AddrRejectProposal, func(ctx context.Context, env bus.Envelope, req rejectProposalRequest) (struct{}, error) {
		return struct{}{}, broker.RejectProposal(ctx, req.SubscriptionID, req.ProposalID, req.Reason, req.PeerNodeID)
	})
}

type queryEventsRequest struct {
	SubscriptionID string
	After          time.Time
	Timeout        time.Duration
	Max            int
}

type rejectProposalRequest struct {
	SubscriptionID string
	ProposalID     string
	Reason         *string
	PeerNodeID     string
}

// CreateAgreementRequest is AddrCreateAgreement's request shape.
type CreateAgreementRequest struct {
	OfferProposalID string
	ValidTo         time.Time
	Owner           ids.Role
	ProviderID      string
	RequestorID     string
}

type confirmAgreementRequest struct {
	ID           ids.AgreementID
	AppSessionID *string
}

type waitForApprovalRequest struct {
	ID      ids.AgreementID
	Timeout time.Duration
}

type approveAgreementRequest struct {
	ID      ids.AgreementID
	Timeout time.Duration
}

type reasonedAgreementRequest struct {
	ID     ids.AgreementID
	Reason *string
}

type terminateAgreementRequest struct {
	ID         ids.AgreementID
	Reason     *string
	Terminator ids.Role
}

type queryAgreementEventsRequest struct {
	Owner        ids.Role
	After        time.Time
	AppSessionID *string
	Timeout      time.Duration
	Max          int
}

// BindEngine registers the Market Engine's Agreement operations on b.
func BindEngine(b *bus.Bus, e *Engine) {
	bus.Bind(b, AddrCreateAgreement, func(ctx context.Context, env bus.Envelope, req CreateAgreementRequest) (ids.AgreementID, error) {
		return e.CreateAgreement(ctx, req.OfferProposalID, req.ValidTo, req.Owner, req.ProviderID, req.RequestorID)
	})
	bus.Bind(b, AddrConfirmAgreement, func(ctx context.Context, env bus.Envelope, req confirmAgreementRequest) (struct{}, error) {
		return struct{}{}, e.ConfirmAgreement(ctx, req.ID, req.AppSessionID)
	})
	bus.Bind(b, AddrWaitForApproval, func(ctx context.Context, env bus.Envelope, req waitForApprovalRequest) (ApprovalStatus, error) {
		return e.WaitForApproval(ctx, req.ID, req.Timeout)
	})
	bus.Bind(b, AddrApproveAgreement, func(ctx context.Context, env bus.Envelope, req approveAgreementRequest) (struct{}, error) {
		return struct{}{}, e.ApproveAgreement(ctx, req.ID, req.Timeout)
	})
	bus.Bind(b, AddrRejectAgreement, func(ctx context.Context, env bus.Envelope, req reasonedAgreementRequest) (struct{}, error) {
		return struct{}{}, e.RejectAgreement(ctx, req.ID, req.Reason)
	})
	bus.Bind(b, AddrCancelAgreement, func(ctx context.Context, env bus.Envelope, req reasonedAgreementRequest) (struct{}, error) {
		return struct{}{}, e.CancelAgreement(ctx, req.ID, req.Reason)
	})
	bus.Bind(b, AddrTerminateAgreement, func(ctx context.Context, env bus.Envelope, req terminateAgreementRequest) (struct{}, error) {
		return struct{}{}, e.TerminateAgreement(ctx, req.ID, req.Reason, req.Terminator)
	})
	bus.Bind(b, AddrQueryAgreementEvents, func(ctx context.Context, env bus.Envelope, req queryAgreementEventsRequest) ([]store.AgreementEvent, error) {
		return e.QueryAgreementEvents(ctx, req.Owner, req.After, req.AppSessionID, req.Timeout, req.Max)
	})
}

// RegisterPeerHandlers wires an rpcnet.InProcess node's incoming
// "market/proposal/received" and "market/agreement/*" messages (no
// handler is registered for the "market/proposal/rejected" message that
// Broker.RejectProposal sends) into the Broker/Engine's on_*_received
// handlers, for use in tests that drive both sides of a negotiation
// in-process (spec.md §6). Each Agreement message folds the sender's
// committed transition into the *receiving* role's own row, mirroring
// payment.RegisterPeerHandlers's four peer handlers.
func RegisterPeerHandlers(nodeID string, broker *Broker, engine *Engine, register func(nodeID, service string, h func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error))) {
	register(nodeID, "market/proposal/received", func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		var p store.Proposal
		if err := json.Unmarshal(body, &p); err != nil {
			return nil, err
		}
		return nil, broker.OnProposalReceived(ctx, from, p)
	})
	register(nodeID, "market/agreement/received", func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		var msg AgreementReceivedMsg
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		return nil, engine.OnAgreementReceived(ctx, msg)
	})
	register(nodeID, "market/agreement/approved", func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		var msg AgreementApprovedMsg
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		return nil, engine.OnAgreementApproved(ctx, msg)
	})
	register(nodeID, "market/agreement/rejected", func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		var msg AgreementRejectedMsg
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		return nil, engine.OnAgreementRejected(ctx, msg)
	})
	register(nodeID, "market/agreement/cancelled", func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		var msg AgreementCancelledMsg
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		return nil, engine.OnAgreementCancelled(ctx, msg)
	})
	register(nodeID, "market/agreement/terminated", func(ctx context.Context, from string, body json.RawMessage) (json.RawMessage, error) {
		var msg AgreementTerminatedMsg
		if err := json.Unmarshal(body, &msg); err != nil {
			return nil, err
		}
		return nil, engine.OnAgreementTerminated(ctx, msg)
	})
}
