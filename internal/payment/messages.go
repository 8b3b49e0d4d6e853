package payment

import "time"

// Wire messages exchanged over internal/adapters/rpcnet, mirroring
// internal/market/messages.go's field shapes staying close to the store
// row layout rather than inventing a parallel DTO schema.

type debitNoteMsg struct {
	ID                  string     `json:"id"`
	AgreementID         string     `json:"agreement_id"`
	ActivityID          string     `json:"activity_id"`
	PreviousDebitNoteID *string    `json:"previous_debit_note_id,omitempty"`
	TotalAmountDue      string     `json:"total_amount_due"`
	UsageCounterVector  string     `json:"usage_counter_vector"`
	PaymentDueDate      *time.Time `json:"payment_due_date,omitempty"`
	IssuedAt            time.Time  `json:"issued_at"`
}

type acceptDebitNoteMsg struct {
	DebitNoteID string `json:"debit_note_id"`
}

type invoiceMsg struct {
	ID          string    `json:"id"`
	AgreementID string    `json:"agreement_id"`
	ActivityIDs string    `json:"activity_ids"`
	Amount      string    `json:"amount"`
	IssuedAt    time.Time `json:"issued_at"`
}

type acceptInvoiceMsg struct {
	InvoiceID string `json:"invoice_id"`
}

// rpcnet service addresses this package registers/calls.
const (
	serviceDebitNoteReceived = "payment/debit-note/received"
	serviceAcceptDebitNote   = "payment/debit-note/accept"
	serviceInvoiceReceived   = "payment/invoice/received"
	serviceAcceptInvoice     = "payment/invoice/accept"
)

// SyncNotif payload kinds, matching store.SyncNotif's documented values.
const (
	payloadAcceptDebitNote = "AcceptDebitNote"
	payloadAcceptInvoice   = "AcceptInvoice"
)

// Bus topics published after a local mutation, for components (e.g. a
// future metrics exporter) that want to observe Payment Engine activity
// without going through query_*_events.
const (
	TopicDebitNoteIssued = "payment/debit-note/issued"
	TopicInvoiceIssued   = "payment/invoice/issued"
	TopicPaymentSettled  = "payment/payment/settled"
)
