package store

import "time"

// SubscriptionKind distinguishes an Offer from a Demand.
type SubscriptionKind string

const (
	Offer  SubscriptionKind = "Offer"
	Demand SubscriptionKind = "Demand"
)

// Subscription is a persisted Offer or Demand advertisement.
type Subscription struct {
	ID             string
	OwnerID        string
	Kind           SubscriptionKind
	Payload        string // JSON properties+constraints
	CreatedAt      time.Time
	UnsubscribedAt *time.Time
}

// Issuer distinguishes who produced a Proposal.
type Issuer string

const (
	IssuerUs   Issuer = "Us"
	IssuerThem Issuer = "Them"
)

// ProposalState is spec.md §3's Proposal.state enum.
type ProposalState string

const (
	ProposalInitial  ProposalState = "Initial"
	ProposalDraft    ProposalState = "Draft"
	ProposalAccepted ProposalState = "Accepted"
	ProposalRejected ProposalState = "Rejected"
	ProposalExpired  ProposalState = "Expired"
)

// Proposal is one link in a counter-proposal chain.
type Proposal struct {
	ID              string
	SubscriptionID  string
	PrevProposalID  *string
	Issuer          Issuer
	State           ProposalState
	Body            string // JSON properties+constraints
	BodyDigest      string
	Timestamp       time.Time
}

// ProposalEvent is one entry of a subscription's Proposal event queue
// (query_events in spec.md §4.1).
type ProposalEvent struct {
	ID             int64
	SubscriptionID string
	ProposalID     string
	EventType      string
	Reason         *string
	Timestamp      time.Time
}

// AgreementState is spec.md §4.2's Agreement state graph.
type AgreementState string

const (
	AgreementProposal   AgreementState = "Proposal"
	AgreementPending    AgreementState = "Pending"
	AgreementApproving  AgreementState = "Approving"
	AgreementApproved   AgreementState = "Approved"
	AgreementTerminated AgreementState = "Terminated"
	AgreementRejected   AgreementState = "Rejected"
	AgreementCancelled  AgreementState = "Cancelled"
	AgreementExpired    AgreementState = "Expired"
)

// Terminal reports whether the state has no further transitions.
func (s AgreementState) Terminal() bool {
	switch s {
	case AgreementTerminated, AgreementRejected, AgreementCancelled, AgreementExpired:
		return true
	default:
		return false
	}
}

// Agreement is the signed binding between a matched Offer and Demand,
// stored once per local owning role (see internal/ids.AgreementID).
type Agreement struct {
	ID                   string
	Owner                string // ids.Role.String()
	DemandProposalID     string
	OfferProposalID      string
	ProviderID           string
	RequestorID          string
	ValidTo              time.Time
	AppSessionID         *string
	State                AgreementState
	ProposedSig          *string
	ApprovedSig          *string
	CommittedSig         *string
	ApprovedTs           *time.Time
	TotalAmountScheduled string // decimal string
}

// AgreementEvent is one entry of an Agreement's event queue.
type AgreementEvent struct {
	ID           int64
	AgreementID  string
	Owner        string
	EventType    string
	Reason       *string
	Signature    *string
	AppSessionID *string
	Timestamp    time.Time
}

// DocumentStatus is the shared status lattice for DebitNotes and
// Invoices.
type DocumentStatus string

const (
	StatusIssued    DocumentStatus = "Issued"
	StatusReceived  DocumentStatus = "Received"
	StatusAccepted  DocumentStatus = "Accepted"
	StatusSettled   DocumentStatus = "Settled"
	StatusRejected  DocumentStatus = "Rejected"
	StatusFailed    DocumentStatus = "Failed"
	StatusCancelled DocumentStatus = "Cancelled"
)

// DebitNote is an incremental cost statement issued during an Activity.
type DebitNote struct {
	ID                  string
	AgreementID          string
	Owner                string
	ActivityID           string
	PreviousDebitNoteID  *string
	TotalAmountDue       string
	UsageCounterVector   string // JSON array of numbers
	PaymentDueDate       *time.Time
	Status               DocumentStatus
	IssuedAt             time.Time
}

// DebitNoteEvent is one entry of a DebitNote event queue.
type DebitNoteEvent struct {
	ID           int64
	DebitNoteID  string
	Owner        string
	EventType    string
	AppSessionID *string
	Timestamp    time.Time
}

// Invoice is the final, authoritative cost statement for an Agreement.
type Invoice struct {
	ID          string
	AgreementID string
	Owner       string
	ActivityIDs string // JSON array of strings
	Amount      string
	Status      DocumentStatus
	IssuedAt    time.Time
}

// InvoiceEvent is one entry of an Invoice event queue.
type InvoiceEvent struct {
	ID           int64
	InvoiceID    string
	Owner        string
	EventType    string
	AppSessionID *string
	Timestamp    time.Time
}

// AllocationStatus distinguishes a live reservation from a tombstoned
// one (spec.md §3: "released allocations are tombstoned (Gone) not
// deleted").
type AllocationStatus string

const (
	AllocationActive AllocationStatus = "Active"
	AllocationGone   AllocationStatus = "Gone"
)

// Allocation is a Requestor's reserved fund pool on a payment platform.
type Allocation struct {
	ID               string
	OwnerID          string
	PaymentPlatform  string
	Address          string
	TotalAmount      string
	SpentAmount      string
	Timeout          *time.Time
	Deposit          *string
	Status           AllocationStatus
	CreatedAt        time.Time
}

// Payment records a driver SchedulePayment call and its eventual
// NotifyPayment confirmation.
type Payment struct {
	OrderID      string
	AgreementID  string
	AllocationID string
	Amount       string
	Confirmation *string
	ScheduledAt  time.Time
	SettledAt    *time.Time
}

// SyncNotif tracks an undelivered Accept message that must be replayed.
type SyncNotif struct {
	PeerNodeID   string
	LastAttempt  time.Time
	Attempts     int
	PayloadKind  string // 'AcceptDebitNote' | 'AcceptInvoice'
	PayloadID    string
}
