package market

// Wire messages exchanged over internal/adapters/rpcnet, per spec.md §6's
// negotiation message catalogue. Field shapes intentionally stay close
// to the store row layout rather than inventing a parallel DTO schema,
// since spec.md leaves wire serialization unspecified (§1 non-goals).

type AgreementReceivedMsg struct {
	AgreementID      string  `json:"agreement_id"`
	DemandProposalID string  `json:"demand_proposal_id"`
	OfferProposalID  string  `json:"offer_proposal_id"`
	ProviderID       string  `json:"provider_id"`
	RequestorID      string  `json:"requestor_id"`
	ValidToUnixNano  int64   `json:"valid_to"`
	AppSessionID     *string `json:"app_session_id,omitempty"`
	ProposedSig      string  `json:"proposed_sig"`
}

type AgreementApprovedMsg struct {
	AgreementID string `json:"agreement_id"`
	ApprovedSig string `json:"approved_sig"`
}

type AgreementRejectedMsg struct {
	AgreementID string  `json:"agreement_id"`
	Reason      *string `json:"reason,omitempty"`
}

type AgreementCancelledMsg struct {
	AgreementID string  `json:"agreement_id"`
	Reason      *string `json:"reason,omitempty"`
}

type AgreementTerminatedMsg struct {
	AgreementID string  `json:"agreement_id"`
	Reason      *string `json:"reason,omitempty"`
	Terminator  string  `json:"terminator"`
	Signature   *string `json:"signature,omitempty"`
}

// SyncNotif payload kinds, matching store.SyncNotif's generic contract
// (payment.messages.go documents the same mechanism for its own Accept
// messages).
const (
	payloadAgreementReceived = "AgreementReceived"
	payloadAgreementApproved = "AgreementApproved"
)

// Bus topics local components subscribe to for Agreement lifecycle
// events (spec.md §6), fanned out in-process via internal/bus in
// addition to whatever internal/adapters/rpcnet delivers cross-peer.
const (
	TopicAgreementApproved   = "market/agreement/approved"
	TopicAgreementRejected   = "market/agreement/rejected"
	TopicAgreementCancelled  = "market/agreement/cancelled"
	TopicAgreementTerminated = "market/agreement/terminated"
)
