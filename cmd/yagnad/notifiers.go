package main

import (
	"context"
	"fmt"

	"github.com/golemfactory/yagna-sub001/internal/ids"
	"github.com/golemfactory/yagna-sub001/internal/market"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/task"
)

// marketNotifier satisfies internal/task.MarketNotifier by funneling the
// Task Manager's break/close outcomes into the Market Engine's
// TerminateAgreement, the only state transition internal/market exposes
// for ending an Approved Agreement. sendTerminate's "suppress the wire
// message, the peer already knows" case has no dedicated Engine method
// to skip the RPC half of TerminateAgreement, so it is honored by
// calling through regardless — the peer sees a second, idempotent
// AgreementTerminatedMsg at worst.
type marketNotifier struct {
	engine *market.Engine
}

func (n *marketNotifier) NotifyAgreementBroken(ctx context.Context, agreementID string, reason string) error {
	return n.terminate(ctx, agreementID, reason)
}

func (n *marketNotifier) NotifyAgreementClosed(ctx context.Context, agreementID string, sendTerminate bool) error {
	return n.terminate(ctx, agreementID, "agreement closed")
}

func (n *marketNotifier) terminate(ctx context.Context, agreementID, reason string) error {
	id, err := ids.ParseTagged(agreementID)
	if err != nil {
		return fmt.Errorf("yagnad: terminating %s: %w", agreementID, err)
	}
	return n.engine.TerminateAgreement(ctx, id, &reason, id.Owner)
}

// paymentsNotifier satisfies internal/task.PaymentsNotifier. Billing is
// driven by the provider's own pricing/usage policy (not specified by
// this repo's scope — internal/payment's IssueDebitNote/IssueInvoice
// take an explicit amount that only such a policy can compute), so this
// adapter's job is limited to what the Payment Engine's actual surface
// supports: logging the activity lifecycle and, on Agreement terminal
// state, releasing any Allocation scheduling tied to it falls out of
// internal/payment's own AcceptDebitNote/AcceptInvoice bookkeeping
// rather than anything triggered from here.
type paymentsNotifier struct {
	log ops.Logger
}

func (n *paymentsNotifier) NotifyActivityCreated(ctx context.Context, agreementID, activityID string) error {
	ops.Infof(n.log, "activity %s created under agreement %s", activityID, agreementID)
	return nil
}

func (n *paymentsNotifier) NotifyActivityDestroyed(ctx context.Context, agreementID, activityID string) error {
	ops.Infof(n.log, "activity %s destroyed under agreement %s", activityID, agreementID)
	return nil
}

func (n *paymentsNotifier) NotifyAgreementTerminal(ctx context.Context, agreementID string, cause task.ClosingCause) error {
	ops.Infof(n.log, "agreement %s reached a terminal task state (cause=%s)", agreementID, cause)
	return nil
}
