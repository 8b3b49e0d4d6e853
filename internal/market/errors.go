package market

import "fmt"

// Error taxonomy per spec.md §7, scoped to the Negotiation Broker and
// Market Engine. Each is a distinct type so callers can errors.As into
// the specific variant they care about.

// InvalidTransition is returned when an operation does not apply to the
// Agreement or Proposal's current state.
type InvalidTransition struct {
	From string
	To   string
}

func (e *InvalidTransition) Error() string {
	return fmt.Sprintf("market: invalid transition from %s to %s", e.From, e.To)
}

// NotFound is returned when the referenced Agreement/Proposal/
// Subscription does not exist.
type NotFound struct {
	Kind string
	ID   string
}

func (e *NotFound) Error() string { return fmt.Sprintf("market: %s %s not found", e.Kind, e.ID) }

// AlreadyExists is returned by create_agreement when a non-terminal
// Agreement already exists for the chosen proposal.
type AlreadyExists struct {
	AgreementID string
	ProposalID  string
}

func (e *AlreadyExists) Error() string {
	return fmt.Sprintf("market: agreement %s already exists for proposal %s", e.AgreementID, e.ProposalID)
}

// ProposalAlreadyCountered is returned by counter_proposal when prev
// already has a successor link.
type ProposalAlreadyCountered struct{ ProposalID string }

func (e *ProposalAlreadyCountered) Error() string {
	return fmt.Sprintf("market: proposal %s already countered", e.ProposalID)
}

// ProposalOwnedByCaller is returned when countering or create_agreement
// targets a Proposal this side itself issued.
type ProposalOwnedByCaller struct{ ProposalID string }

func (e *ProposalOwnedByCaller) Error() string {
	return fmt.Sprintf("market: proposal %s is owned by caller", e.ProposalID)
}

// ProposalUnsubscribed is returned when the owning Subscription has
// already been unsubscribed.
type ProposalUnsubscribed struct{ SubscriptionID string }

func (e *ProposalUnsubscribed) Error() string {
	return fmt.Sprintf("market: subscription %s is unsubscribed", e.SubscriptionID)
}

// NoNegotiations is returned by create_agreement when the chosen
// proposal has no prev link (nothing has been negotiated yet).
type NoNegotiations struct{ ProposalID string }

func (e *NoNegotiations) Error() string {
	return fmt.Sprintf("market: proposal %s has no prior negotiation", e.ProposalID)
}

// ProposalCountered is create_agreement's specific invalid-transition
// case: the chosen offer proposal already has a counter in the chain.
type ProposalCountered struct{ ProposalID string }

func (e *ProposalCountered) Error() string {
	return fmt.Sprintf("market: proposal %s already has a counter", e.ProposalID)
}

// Timeout is returned by wait_for_approval/query_events when the poll
// budget elapses with no settling event.
type Timeout struct{}

func (e *Timeout) Error() string { return "market: timeout" }

// FailedSend wraps a transport failure from the RPC net collaborator.
type FailedSend struct {
	Peer  string
	Cause error
}

func (e *FailedSend) Error() string { return fmt.Sprintf("market: send to %s failed: %v", e.Peer, e.Cause) }
func (e *FailedSend) Unwrap() error { return e.Cause }
