package httpapi

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"reddog.dev/internal/approval"
	"reddog.dev/internal/auth"
	"reddog.dev/internal/bridge"
)

// handleDatasetEvent accepts an inbound dataset event from a provider
// webhook and parks it in the registry until a human decides. Events from
// in-process producers travel over the bridge instead and end up in the
// same registry.
func (a *API) handleDatasetEvent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var evt approval.Event
	if err := decodeJSON(w, r, &evt); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	receipt, err := a.approvals.Enqueue(r.Context(), evt)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	a.audit(r.Context(), "approval.enqueued", "approval", receipt.ApprovalID, map[string]string{
		"provider":  receipt.Provider,
		"data_type": receipt.DataType,
	})
	writeJSON(w, http.StatusAccepted, receipt)
}

func (a *API) handleApprovalsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	pending := a.approvals.ListPending(q.Get("provider"), q.Get("data_type"))
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": pending,
		"count":   len(pending),
	})
}

func (a *API) handleApprovalStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	writeJSON(w, http.StatusOK, a.approvals.Stats())
}

// handleApprovalResource serves /v1/approvals/{id} plus its /approve and
// /deny actions.
func (a *API) handleApprovalResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/approvals/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		writeError(w, r, http.StatusBadRequest, "approval id is required")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		req, ok := a.approvals.Get(id)
		if !ok {
			handleApprovalError(w, r, approval.ErrNotFound)
			return
		}
		writeJSON(w, http.StatusOK, req)
	case "approve":
		a.handleApprove(w, r, id)
	case "deny":
		a.handleDeny(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) handleApprove(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor := auth.ActorFromContext(r.Context())
	data, err := a.approvals.Approve(r.Context(), id, actor)
	if err != nil {
		handleApprovalError(w, r, err)
		return
	}
	a.bridge.PublishAck(bridge.DecisionAck{
		RequestID:  data.RequestID,
		ApprovalID: data.ApprovalID,
		Status:     string(approval.StatusApproved),
		Actor:      actor,
		Timestamp:  data.ApprovedAt,
	})
	a.audit(r.Context(), "approval.approved", "approval", id, map[string]string{
		"provider": data.Provider,
	})
	writeJSON(w, http.StatusOK, data)
}

type denyRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (a *API) handleDeny(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	// An empty body is a deny without a reason; chunked requests report
	// no ContentLength, so decode unconditionally and absorb EOF.
	var req denyRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	actor := auth.ActorFromContext(r.Context())
	entry, ok := a.approvals.Get(id)
	if err := a.approvals.Deny(r.Context(), id, actor, req.Reason); err != nil {
		handleApprovalError(w, r, err)
		return
	}
	ack := bridge.DecisionAck{
		ApprovalID: id,
		Status:     string(approval.StatusDenied),
		Actor:      actor,
		Timestamp:  time.Now().UTC(),
	}
	if ok {
		ack.RequestID = entry.RequestID
	}
	a.bridge.PublishAck(ack)
	a.audit(r.Context(), "approval.denied", "approval", id, map[string]string{
		"reason": req.Reason,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"approval_id": id,
		"status":      approval.StatusDenied,
	})
}
