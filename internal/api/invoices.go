package api

import (
	"net/http"
	"strings"

	"github.com/golemfactory/yagna-sub001/internal/store"
)

const (
	invoicesPath      = "/payment-api/v1/invoices"
	invoiceEventsPath = "/payment-api/v1/invoiceEvents"
)

// registerInvoiceRoutes wires Invoice query endpoints. There is no
// reject_invoice: spec.md §4.4 only names accept and cancel for the
// Invoice lifecycle (a received Invoice that should not be paid is
// cancelled, not rejected), unlike DebitNotes which support both.
func registerInvoiceRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc(invoicesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handleListInvoices(deps, w, r)
	})
	mux.HandleFunc(invoicesPath+"/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, invoicesPath+"/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch {
		case action == "" && r.Method == http.MethodGet:
			handleGetInvoice(deps, w, r, id)
		case action == "accept" && r.Method == http.MethodPost:
			handleAcceptInvoice(deps, w, r, id)
		case action == "cancel" && r.Method == http.MethodPost:
			handleCancelInvoice(deps, w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc(invoiceEventsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handleInvoiceEvents(deps, w, r)
	})
}

func handleListInvoices(deps Deps, w http.ResponseWriter, r *http.Request) {
	agreementID := r.URL.Query().Get("agreementId")
	if agreementID == "" {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: "agreementId is required"})
		return
	}
	inv, ok, err := deps.Payment.GetInvoiceByAgreement(r.Context(), agreementID)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ok {
		writeJSON(w, []store.Invoice{})
		return
	}
	writeJSON(w, []store.Invoice{inv})
}

func handleGetInvoice(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	inv, err := deps.Payment.GetInvoice(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, inv)
}

func handleAcceptInvoice(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	var body acceptDocumentBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: err.Error()})
		return
	}
	if err := deps.Payment.AcceptInvoice(r.Context(), id, body.AllocationID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleCancelInvoice(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	if err := deps.Payment.CancelInvoice(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleInvoiceEvents(deps Deps, w http.ResponseWriter, r *http.Request) {
	q, err := decodeEventsQuery(r)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: err.Error()})
		return
	}
	events, err := deps.Payment.QueryInvoiceEvents(r.Context(), q.owner, q.After, q.AppSessionID, q.timeout(), q.MaxEvents)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []store.InvoiceEvent{}
	}
	writeJSON(w, events)
}
