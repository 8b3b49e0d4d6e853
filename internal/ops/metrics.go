package ops

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the prometheus collectors shared across components. A
// single instance is constructed at daemon startup and passed down,
// rather than relying on the global default registry, so tests can use
// an isolated registry per scenario.
type Metrics struct {
	Registry *prometheus.Registry

	AgreementTransitions *prometheus.CounterVec
	DebitNotesIssued     prometheus.Counter
	InvoicesIssued       prometheus.Counter
	DeadlineQueueDepth   *prometheus.GaugeVec
	AllocationRemaining  *prometheus.GaugeVec
}

// NewMetrics constructs and registers the collectors against a fresh
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		AgreementTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yagna",
			Subsystem: "market",
			Name:      "agreement_transitions_total",
			Help:      "Count of Agreement state transitions, labeled by resulting state.",
		}, []string{"state"}),
		DebitNotesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yagna",
			Subsystem: "payment",
			Name:      "debit_notes_issued_total",
			Help:      "Count of DebitNotes issued by the Payment Engine.",
		}),
		InvoicesIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "yagna",
			Subsystem: "payment",
			Name:      "invoices_issued_total",
			Help:      "Count of final Invoices issued by the Payment Engine.",
		}),
		DeadlineQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "yagna",
			Subsystem: "deadline",
			Name:      "queue_depth",
			Help:      "Number of tracked deadlines, labeled by category.",
		}, []string{"category"}),
		AllocationRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "yagna",
			Subsystem: "payment",
			Name:      "allocation_remaining",
			Help:      "Remaining funds per Allocation.",
		}, []string{"allocation_id"}),
	}
	reg.MustRegister(
		m.AgreementTransitions,
		m.DebitNotesIssued,
		m.InvoicesIssued,
		m.DeadlineQueueDepth,
		m.AllocationRemaining,
	)
	return m
}
