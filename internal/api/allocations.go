package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/golemfactory/yagna-sub001/internal/payment"
	"github.com/golemfactory/yagna-sub001/internal/store"
)

const allocationsPath = "/payment-api/v1/allocations"

func registerAllocationRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc(allocationsPath, func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			handleListAllocations(deps, w, r)
		case http.MethodPost:
			handleCreateAllocation(deps, w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc(allocationsPath+"/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, allocationsPath+"/")
		if id == "" {
			http.NotFound(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			handleGetAllocation(deps, w, r, id)
		case http.MethodPatch:
			handleAmendAllocation(deps, w, r, id)
		case http.MethodDelete:
			handleReleaseAllocation(deps, w, r, id)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
}

// allocationBody is the wire shape of create_allocation's request and
// get_allocation/list_allocations's response.
type allocationBody struct {
	AllocationID    string     `json:"allocationId"`
	OwnerID         string     `json:"ownerId"`
	PaymentPlatform string     `json:"paymentPlatform"`
	Address         string     `json:"address"`
	TotalAmount     string     `json:"totalAmount"`
	SpentAmount     string     `json:"spentAmount,omitempty"`
	Timeout         *time.Time `json:"timeout,omitempty"`
	Deposit         *string    `json:"deposit,omitempty"`
	Status          string     `json:"status"`
}

func toAllocationBody(a store.Allocation) allocationBody {
	return allocationBody{
		AllocationID: a.ID, OwnerID: a.OwnerID, PaymentPlatform: a.PaymentPlatform, Address: a.Address,
		TotalAmount: a.TotalAmount, SpentAmount: a.SpentAmount, Timeout: a.Timeout, Deposit: a.Deposit,
		Status: string(a.Status),
	}
}

func handleCreateAllocation(deps Deps, w http.ResponseWriter, r *http.Request) {
	var body allocationBody
	if err := decodeJSON(r, &body); err != nil {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: err.Error()})
		return
	}
	total, err := decimal.NewFromString(body.TotalAmount)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: "invalid totalAmount"})
		return
	}
	a, err := deps.Payment.CreateAllocation(r.Context(), payment.CreateAllocationParams{
		OwnerID:         body.OwnerID,
		PaymentPlatform: body.PaymentPlatform,
		Address:         body.Address,
		TotalAmount:     total,
		Timeout:         body.Timeout,
		Deposit:         body.Deposit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, toAllocationBody(a))
}

func handleListAllocations(deps Deps, w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("ownerId")
	if ownerID == "" {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: "ownerId is required"})
		return
	}
	allocations, err := deps.Payment.ListAllocations(r.Context(), ownerID)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]allocationBody, len(allocations))
	for i, a := range allocations {
		out[i] = toAllocationBody(a)
	}
	writeJSON(w, out)
}

func handleGetAllocation(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	a, err := deps.Payment.GetAllocation(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toAllocationBody(a))
}

func handleAmendAllocation(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	defer r.Body.Close()
	patch, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: err.Error()})
		return
	}
	a, err := deps.Payment.AmendAllocation(r.Context(), id, patch)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, toAllocationBody(a))
}

func handleReleaseAllocation(deps Deps, w http.ResponseWriter, r *http.Request, id string) {
	if err := deps.Payment.ReleaseAllocation(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
