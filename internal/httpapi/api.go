package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"reddog.dev/internal/approval"
	"reddog.dev/internal/audit"
	"reddog.dev/internal/auth"
	"reddog.dev/internal/billing"
	"reddog.dev/internal/bridge"
	"reddog.dev/internal/obs"
)

// ReadyProbe checks readiness (e.g. database ping).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP translation layer over the billing service and the
// approval registry. It holds no domain state of its own.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	billing   *billing.Service
	approvals *approval.Registry
	bridge    *bridge.Bridge
	auth      *auth.Verifier

	rateBurst  int
	ratePerSec int
}

// New wires the route table.
func New(rp ReadyProbe, version string, b *billing.Service, reg *approval.Registry, br *bridge.Bridge, verifier *auth.Verifier) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		billing:    b,
		approvals:  reg,
		bridge:     br,
		auth:       verifier,
		rateBurst:  20,
		ratePerSec: 10,
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/token", a.handleIssueToken)

	a.mux.HandleFunc("/v1/accounts", a.handleAccountsCollection)
	a.mux.HandleFunc("/v1/accounts/", a.handleAccountResource)

	a.mux.HandleFunc("/v1/billing/check", a.handleCheckFunds)
	a.mux.HandleFunc("/v1/billing/consume", a.handleConsume)
	a.mux.HandleFunc("/v1/billing/credit", a.handleCredit)
	a.mux.HandleFunc("/v1/billing/pricing", a.handlePricing)
	a.mux.HandleFunc("/v1/billing/summary/", a.handleSummary)

	a.mux.HandleFunc("/v1/approvals", a.handleApprovalsCollection)
	a.mux.HandleFunc("/v1/approvals/events", a.handleDatasetEvent)
	a.mux.HandleFunc("/v1/approvals/stats", a.handleApprovalStats)
	a.mux.HandleFunc("/v1/approvals/feed", a.DecisionFeed)
	a.mux.HandleFunc("/v1/approvals/", a.handleApprovalResource)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// SetRateLimit overrides the default per-client limiter parameters. Must be
// called before Handler.
func (a *API) SetRateLimit(burst, perSec int) {
	if burst > 0 {
		a.rateBurst = burst
	}
	if perSec > 0 {
		a.ratePerSec = perSec
	}
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = withRequestID(h)
	h = Logging(h)
	return obs.Instrument(h)
}

// --- service handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "reddog-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "reddog-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{"error": msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	defer func() { _, _ = io.Copy(io.Discard, r.Body) }()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	for _, m := range allowed {
		w.Header().Add("Allow", m)
	}
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, fmt.Errorf("value must be an integer in [%d,%d]", min, max)
	}
	return n, nil
}

// handleBillingError maps ledger failures to HTTP statuses. Business-rule
// violations surface verbatim for user-facing messaging.
func handleBillingError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, billing.ErrAccountNotFound):
		writeError(w, r, http.StatusNotFound, "account not found")
	case errors.Is(err, billing.ErrInsufficientCredits):
		writeError(w, r, http.StatusPaymentRequired, "insufficient credits")
	case errors.Is(err, billing.ErrAccountInactive):
		writeError(w, r, http.StatusForbidden, "account is not active")
	case errors.Is(err, billing.ErrAccountExists):
		writeError(w, r, http.StatusConflict, "account already exists")
	case errors.Is(err, billing.ErrInvalidAmount):
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
	case errors.Is(err, billing.ErrUnknownPlan):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, billing.ErrTransientStorage):
		writeError(w, r, http.StatusServiceUnavailable, "billing temporarily unavailable, retry later")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func handleApprovalError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, approval.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "approval request not found")
	case errors.Is(err, approval.ErrAlreadyProcessed):
		writeError(w, r, http.StatusConflict, "approval already processed")
	case errors.Is(err, approval.ErrExpired):
		writeError(w, r, http.StatusGone, "approval request expired")
	case errors.Is(err, approval.ErrInvalidEvent):
		writeError(w, r, http.StatusBadRequest, "invalid dataset event")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) audit(ctx context.Context, event, entity, id string, fields map[string]string) {
	payload := map[string]any{"entity": entity, "entity_id": id}
	for k, v := range fields {
		payload[k] = v
	}
	if err := audit.LogEvent(ctx, event, payload); err != nil {
		obs.LogEvent("audit.write_failed", map[string]any{"event": event, "error": err.Error()})
	}
}

// withRequestID stamps every request with an id for audit correlation.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := r.Header.Get("X-Request-Id")
		if rid == "" {
			rid = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", rid)
		next.ServeHTTP(w, r.WithContext(audit.WithRequestID(r.Context(), rid)))
	})
}
