package api

import (
	"net/http"
	"strings"

	"github.com/golemfactory/yagna-sub001/internal/store"
)

const (
	debitNotesPath      = "/payment-api/v1/debitNotes"
	debitNoteEventsPath = "/payment-api/v1/debitNoteEvents"
)

func registerDebitNoteRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc(debitNotesPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handleListDebitNotes(deps, w, r)
	})
	mux.HandleFunc(debitNotesPath+"/", func(w http.ResponseWriter, r *http.Request) {
		rest := strings.TrimPrefix(r.URL.Path, debitNotesPath+"/")
		id, action, _ := strings.Cut(rest, "/")
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch {
		case action == "" && r.Method == http.MethodGet:
			handleGetDebitNote(deps, w, r, id)
		case action == "accept" && r.Method == http.MethodPost:
			handleAcceptDebitNote(deps, w, r, id)
		case action == "reject" && r.Method == http.MethodPost:
			handleRejectDebitNote(deps, w, r, id)
		case action == "cancel" && r.Method == http.MethodPost:
			handleCancelDebitNote(deps, w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc(debitNoteEventsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		handleDebitNoteEvents(deps, w, r)
	})
}

func handleListDebitNotes(deps Deps, w http.ResponseWriter, r *http.Request) {
	agreementID := r.URL.Query().Get("agreementId")
	if agreementID == "" {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: "agreementId is required"})
		return
	}
	notes, err := deps.Payment.ListDebitNotes(r.Context(), agreementID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, notes)
}

func handleGetDebitNote(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	d, err := deps.Payment.GetDebitNote(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, d)
}

type acceptDocumentBody struct {
	AllocationID string `json:"allocationId"`
}

func handleAcceptDebitNote(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	var body acceptDocumentBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: err.Error()})
		return
	}
	if err := deps.Payment.AcceptDebitNote(r.Context(), id, body.AllocationID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleRejectDebitNote(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	if err := deps.Payment.RejectDebitNote(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleCancelDebitNote(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	if err := deps.Payment.CancelDebitNote(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func handleDebitNoteEvents(deps Deps, w http.ResponseWriter, r *http.Request) {
	q, err := decodeEventsQuery(r)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: err.Error()})
		return
	}
	events, err := deps.Payment.QueryDebitNoteEvents(r.Context(), q.owner, q.After, q.AppSessionID, q.timeout(), q.MaxEvents)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []store.DebitNoteEvent{}
	}
	writeJSON(w, events)
}
