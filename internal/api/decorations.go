package api

import (
	"fmt"
	"net/http"
)

const demandDecorationsPath = "/payment-api/v1/demandDecorations"

// decorationsBody is DemandDecorations' response shape: the Offer/Demand
// properties and constraint expression a Requestor attaches to its
// Demand so matching Offers advertise a payment platform/address it can
// actually pay on (spec.md §6).
type decorationsBody struct {
	Properties  map[string]string `json:"properties"`
	Constraints string            `json:"constraints"`
}

// registerDecorationRoutes wires DemandDecorations. Address is taken from
// the required `address` query parameter (400 when missing); platform defaults to
// the daemon's configured default_payment_platform when omitted.
func registerDecorationRoutes(mux *http.ServeMux, deps Deps) {
	mux.HandleFunc(demandDecorationsPath, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		address := r.URL.Query().Get("address")
		if address == "" {
			writeJSONStatus(w, http.StatusBadRequest, apiError{Kind: "BadRequest", Message: "address is required"})
			return
		}
		platform := r.URL.Query().Get("platform")
		if platform == "" {
			platform = deps.Config.Payment.DefaultPaymentPlatform
		}

		propKey := fmt.Sprintf("golem.com.payment.platform.%s.address", platform)
		writeJSON(w, decorationsBody{
			Properties:  map[string]string{propKey: address},
			Constraints: fmt.Sprintf("(%s=%s)", propKey, address),
		})
	})
}
