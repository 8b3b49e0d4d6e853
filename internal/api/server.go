// Package api implements the daemon's local REST query surface: query
// endpoints for Allocations, DebitNotes, Invoices, DemandDecorations and
// market/payment event long-polling, per spec.md §6's "API surface
// (local)" line. It holds no business logic of its own — every handler
// is a thin adapter over internal/market and internal/payment's Engine
// methods, translated to and from JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/golemfactory/yagna-sub001/internal/config"
	"github.com/golemfactory/yagna-sub001/internal/market"
	"github.com/golemfactory/yagna-sub001/internal/ops"
	"github.com/golemfactory/yagna-sub001/internal/payment"
)

// Deps bundles the collaborators every handler group is built against.
type Deps struct {
	Broker  *market.Broker
	Market  *market.Engine
	Payment *payment.Engine
	Config  config.Config
	Metrics *ops.Metrics
	Log     ops.Logger
}

// Server is the local API's HTTP listener. A single port serves both
// HTTP/1.1 and h2c (plaintext HTTP/2), the way go/network/frontend.go's
// serveConnHTTP offers h2 alongside http/1.1 on its accepted connections
// — here without the TLS/SNI multiplexing, since the local API has no
// need to multiplex onto other services.
type Server struct {
	httpServer *http.Server
	deps       Deps
}

// New builds a Server bound to deps.Config.APIListen, with every route
// group registered.
func New(deps Deps) *Server {
	mux := http.NewServeMux()
	registerAllocationRoutes(mux, deps)
	registerDebitNoteRoutes(mux, deps)
	registerInvoiceRoutes(mux, deps)
	registerEventRoutes(mux, deps)
	registerDecorationRoutes(mux, deps)
	if deps.Metrics != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Metrics.Registry, promhttp.HandlerOpts{}))
	}

	h2s := &http2.Server{IdleTimeout: time.Minute}
	handler := http.Handler(authMiddleware(deps.Config.APIAuthSecret, mux))
	return &Server{
		deps: deps,
		httpServer: &http.Server{
			Addr:    deps.Config.APIListen,
			Handler: h2c.NewHandler(handler, h2s),
		},
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			ops.Warnf(s.deps.Log, "api: shutdown: %v", err)
		}
	}()
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// writeJSON encodes v as the response body with a 200 status, unless
// status is given explicitly via writeJSONStatus.
func writeJSON(w http.ResponseWriter, v any) {
	writeJSONStatus(w, http.StatusOK, v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(v)
}

// apiError is the stable-named error shape returned to REST clients,
// mirroring spec.md §7's "typed errors with stable names" requirement.
type apiError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// writeError maps err to an HTTP status and a typed apiError body by
// walking the taxonomies defined in internal/market/errors.go and
// internal/payment/errors.go. Both packages deliberately define their
// own distinct error types rather than sharing one, so the mapping is a
// type switch per package rather than a shared interface.
func writeError(w http.ResponseWriter, err error) {
	status, kind := classifyError(err)
	writeJSONStatus(w, status, apiError{Kind: kind, Message: err.Error()})
}

func classifyError(err error) (status int, kind string) {
	var (
		marketNotFound   *market.NotFound
		marketTimeout    *market.Timeout
		marketInvalid    *market.InvalidTransition
		marketAlready    *market.AlreadyExists
		marketCountered  *market.ProposalAlreadyCountered
		marketOwned      *market.ProposalOwnedByCaller
		marketUnsub      *market.ProposalUnsubscribed
		paymentNotFound  *payment.NotFound
		paymentTimeout   *payment.Timeout
		paymentAlready   *payment.AlreadyExists
		paymentInvalid   *payment.InvalidStatus
		paymentExceeded  *payment.AllocationExceeded
		paymentNotActive *payment.AllocationNotActive
	)
	switch {
	case errors.As(err, &marketNotFound), errors.As(err, &paymentNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.As(err, &marketTimeout), errors.As(err, &paymentTimeout):
		return http.StatusGatewayTimeout, "Timeout"
	case errors.As(err, &marketAlready), errors.As(err, &paymentAlready):
		return http.StatusConflict, "AlreadyExists"
	case errors.As(err, &marketInvalid), errors.As(err, &paymentInvalid):
		return http.StatusConflict, "InvalidTransition"
	case errors.As(err, &marketCountered):
		return http.StatusConflict, "ProposalAlreadyCountered"
	case errors.As(err, &marketOwned):
		return http.StatusForbidden, "ProposalOwnedByCaller"
	case errors.As(err, &marketUnsub):
		return http.StatusGone, "ProposalUnsubscribed"
	case errors.As(err, &paymentExceeded):
		return http.StatusBadRequest, "ValidateAllocationFailed"
	case errors.As(err, &paymentNotActive):
		return http.StatusGone, "Gone"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("api: decoding request body: %w", err)
	}
	return nil
}
