package httpapi

import (
	"net/http"
	"strings"
	"time"

	"reddog.dev/internal/auth"
	"reddog.dev/internal/billing"
)

type provisionRequest struct {
	AccountID string `json:"account_id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	Plan      string `json:"plan"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req provisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	acct, err := a.billing.Provision(r.Context(), req.AccountID, req.Email, req.Name, billing.Plan(req.Plan))
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	a.audit(r.Context(), "account.provisioned", "account", acct.ID, map[string]string{
		"plan": string(acct.Plan),
	})
	writeJSON(w, http.StatusCreated, acct)
}

// handleAccountResource serves /v1/accounts/{id} and /v1/accounts/{id}/balance.
func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	id, sub, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "account id is required")
		return
	}

	switch sub {
	case "":
		if r.Method != http.MethodGet && r.Method != http.MethodDelete {
			methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
			return
		}
		if r.Method == http.MethodDelete {
			if err := a.billing.Deactivate(r.Context(), id); err != nil {
				handleBillingError(w, r, err)
				return
			}
			a.audit(r.Context(), "account.deactivated", "account", id, nil)
			writeJSON(w, http.StatusOK, map[string]any{"account_id": id, "status": "inactive"})
			return
		}
		acct, err := a.billing.GetAccount(r.Context(), id)
		if err != nil {
			handleBillingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, acct)
	case "balance":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		bal, err := a.billing.GetBalance(r.Context(), id)
		if err != nil {
			handleBillingError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, bal)
	default:
		http.NotFound(w, r)
	}
}

type checkRequest struct {
	AccountID string `json:"account_id"`
	Operation string `json:"operation"`
	Amount    int64  `json:"amount,omitempty"`
}

func (a *API) handleCheckFunds(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	res, err := a.billing.CheckFunds(r.Context(), req.AccountID, req.Operation, req.Amount)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type consumeRequest struct {
	AccountID string            `json:"account_id"`
	Operation string            `json:"operation"`
	Amount    int64             `json:"amount,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (a *API) handleConsume(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req consumeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" || req.Operation == "" {
		writeError(w, r, http.StatusBadRequest, "account_id and operation are required")
		return
	}
	res, err := a.billing.Consume(r.Context(), req.AccountID, req.Operation, req.Amount, req.Metadata)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	a.audit(r.Context(), "credits.consumed", "account", req.AccountID, map[string]string{
		"operation": req.Operation,
	})
	if lb, lbErr := a.billing.CheckLowBalance(r.Context(), req.AccountID); lbErr == nil && lb.Alert {
		res.LowBalance = &lb
	}
	writeJSON(w, http.StatusOK, res)
}

type creditRequest struct {
	AccountID string            `json:"account_id"`
	Credits   int64             `json:"credits"`
	Source    string            `json:"source"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (a *API) handleCredit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req creditRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	if req.Source == "" {
		req.Source = "manual"
	}
	remaining, err := a.billing.Credit(r.Context(), req.AccountID, req.Credits, req.Source, req.Metadata)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	a.audit(r.Context(), "credits.added", "account", req.AccountID, map[string]string{
		"source": req.Source,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": req.AccountID,
		"credits":    remaining,
	})
}

func (a *API) handlePricing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.billing.Pricing())
}

func (a *API) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/billing/summary/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusBadRequest, "account id is required")
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 10, 1, 100)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "limit "+err.Error())
		return
	}
	sum, err := a.billing.Summary(r.Context(), id, limit)
	if err != nil {
		handleBillingError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type tokenRequest struct {
	ActorID    string   `json:"actor_id"`
	Scopes     []string `json:"scopes,omitempty"`
	TTLSeconds int      `json:"ttl_seconds,omitempty"`
}

func (a *API) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.ActorID == "" {
		writeError(w, r, http.StatusBadRequest, "actor_id is required")
		return
	}
	ttl := defaultTokenTTL
	if req.TTLSeconds > 0 {
		ttl = time.Duration(req.TTLSeconds) * time.Second
	}
	token, err := auth.GenerateToken(req.ActorID, req.Scopes, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"expires_in": int(ttl.Seconds()),
	})
}
