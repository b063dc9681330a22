package approval

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"reddog.dev/internal/ids"
	"reddog.dev/internal/obs"
)

const defaultTTL = 24 * time.Hour

// Registry holds externally-sourced datasets awaiting a human decision.
// All transitions out of pending are single-fire; concurrent approve/deny
// calls on one id serialize on the registry lock and the first one wins.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Request
	ttl     time.Duration
	audit   AuditStore
	now     func() time.Time
}

// Option configures Registry construction.
type Option func(*Registry)

// WithTTL overrides the 24h approval window.
func WithTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithAudit attaches a durable audit sink for state transitions.
func WithAudit(store AuditStore) Option {
	return func(r *Registry) { r.audit = store }
}

// NewRegistry creates an empty approval registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[string]*Request),
		ttl:     defaultTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Enqueue admits an inbound dataset event into the working set and returns
// its receipt. The expiry deadline and derived metadata (record count, byte
// size) are computed here.
func (r *Registry) Enqueue(ctx context.Context, evt Event) (Receipt, error) {
	if strings.TrimSpace(evt.Provider) == "" ||
		strings.TrimSpace(evt.DataType) == "" ||
		strings.TrimSpace(evt.RequestID) == "" {
		return Receipt{}, ErrInvalidEvent
	}

	now := r.now().UTC()
	req := &Request{
		ID:             ids.New(),
		RequestID:      evt.RequestID,
		Provider:       evt.Provider,
		DataType:       evt.DataType,
		Payload:        evt.Payload,
		SourceMetadata: evt.SourceMetadata,
		Status:         StatusPending,
		RecordCount:    recordCount(evt),
		ByteSize:       len(evt.Payload),
		CreatedAt:      now,
		ExpiresAt:      now.Add(r.ttl),
	}

	r.mu.Lock()
	r.entries[req.ID] = req
	pending := r.countPendingLocked()
	r.mu.Unlock()

	obs.SetApprovalsPending(pending)
	r.auditInsert(ctx, *req)
	obs.LogEvent("approval.enqueued", map[string]any{
		"approval_id": req.ID,
		"provider":    req.Provider,
		"data_type":   req.DataType,
		"records":     req.RecordCount,
		"bytes":       req.ByteSize,
	})

	return Receipt{
		ApprovalID:  req.ID,
		Provider:    req.Provider,
		DataType:    req.DataType,
		RecordCount: req.RecordCount,
		ByteSize:    req.ByteSize,
		ExpiresAt:   req.ExpiresAt,
	}, nil
}

// Approve transitions a pending request to approved and returns its payload
// for the caller to hand off to durable storage. A request past its
// deadline is expired instead, as a side effect, and ErrExpired returned.
func (r *Registry) Approve(ctx context.Context, approvalID, actor string) (ApprovedData, error) {
	r.mu.Lock()
	req, ok := r.entries[approvalID]
	if !ok {
		r.mu.Unlock()
		return ApprovedData{}, ErrNotFound
	}
	if req.Status != StatusPending {
		r.mu.Unlock()
		return ApprovedData{}, ErrAlreadyProcessed
	}
	now := r.now().UTC()
	if now.After(req.ExpiresAt) {
		req.Status = StatusExpired
		req.DecidedAt = now
		r.mu.Unlock()
		r.auditUpdate(ctx, approvalID, StatusExpired, "", "", now)
		obs.ObserveApprovalDecision(string(StatusExpired))
		return ApprovedData{}, ErrExpired
	}

	req.Status = StatusApproved
	req.DecidedBy = actor
	req.DecidedAt = now
	out := ApprovedData{
		ApprovalID:  req.ID,
		RequestID:   req.RequestID,
		Provider:    req.Provider,
		DataType:    req.DataType,
		Payload:     req.Payload,
		Metadata:    req.SourceMetadata,
		ApprovedBy:  actor,
		ApprovedAt:  now,
		RecordCount: req.RecordCount,
		ByteSize:    req.ByteSize,
	}
	pending := r.countPendingLocked()
	r.mu.Unlock()

	obs.SetApprovalsPending(pending)
	r.auditUpdate(ctx, approvalID, StatusApproved, actor, "", now)
	obs.ObserveApprovalDecision(string(StatusApproved))
	return out, nil
}

// Deny transitions a pending request to denied and drops it from the
// working set; the payload is not retained in memory, only the audit trail
// keeps the record.
func (r *Registry) Deny(ctx context.Context, approvalID, actor, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "no reason provided"
	}

	r.mu.Lock()
	req, ok := r.entries[approvalID]
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if req.Status != StatusPending {
		r.mu.Unlock()
		return ErrAlreadyProcessed
	}
	now := r.now().UTC()
	if now.After(req.ExpiresAt) {
		req.Status = StatusExpired
		req.DecidedAt = now
		r.mu.Unlock()
		r.auditUpdate(ctx, approvalID, StatusExpired, "", "", now)
		obs.ObserveApprovalDecision(string(StatusExpired))
		return ErrExpired
	}

	req.Status = StatusDenied
	req.DecidedBy = actor
	req.DecidedAt = now
	req.DenialReason = reason
	delete(r.entries, approvalID)
	pending := r.countPendingLocked()
	r.mu.Unlock()

	obs.SetApprovalsPending(pending)
	r.auditUpdate(ctx, approvalID, StatusDenied, actor, reason, now)
	obs.ObserveApprovalDecision(string(StatusDenied))
	return nil
}

// Get returns a copy of a working-set entry.
func (r *Registry) Get(approvalID string) (Request, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	req, ok := r.entries[approvalID]
	if !ok {
		return Request{}, false
	}
	return *req, true
}

// ListPending returns pending entries, optionally filtered by provider
// and/or data type. Entries already past their deadline are skipped; the
// sweep finalizes them.
func (r *Registry) ListPending(provider, dataType string) []Request {
	now := r.now().UTC()
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Request, 0, len(r.entries))
	for _, req := range r.entries {
		if req.Status != StatusPending || now.After(req.ExpiresAt) {
			continue
		}
		if provider != "" && req.Provider != provider {
			continue
		}
		if dataType != "" && req.DataType != dataType {
			continue
		}
		out = append(out, *req)
	}
	return out
}

// SweepExpired finalizes every pending entry past its deadline and removes
// it from the working set. Runs on a timer; lazy expiry inside Approve/Deny
// covers the window between sweeps.
func (r *Registry) SweepExpired(ctx context.Context) int {
	now := r.now().UTC()
	expired := make([]string, 0)

	r.mu.Lock()
	for id, req := range r.entries {
		if !now.After(req.ExpiresAt) {
			continue
		}
		if req.Status == StatusPending {
			req.Status = StatusExpired
			req.DecidedAt = now
			expired = append(expired, id)
		}
		// Terminal entries past their deadline have served their
		// double-decision guard; the audit trail keeps the record.
		delete(r.entries, id)
	}
	pending := r.countPendingLocked()
	r.mu.Unlock()

	obs.SetApprovalsPending(pending)
	for _, id := range expired {
		r.auditUpdate(ctx, id, StatusExpired, "", "", now)
		obs.ObserveApprovalDecision(string(StatusExpired))
	}
	obs.ObserveSweepExpirations(len(expired))
	if len(expired) > 0 {
		obs.LogEvent("approval.sweep", map[string]any{"expired": len(expired)})
	}
	return len(expired)
}

// Stats counts working-set entries by status.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var s Stats
	for _, req := range r.entries {
		switch req.Status {
		case StatusPending:
			s.Pending++
		case StatusApproved:
			s.Approved++
		case StatusDenied:
			s.Denied++
		case StatusExpired:
			s.Expired++
		}
	}
	return s
}

func (r *Registry) countPendingLocked() int {
	n := 0
	for _, req := range r.entries {
		if req.Status == StatusPending {
			n++
		}
	}
	return n
}

func (r *Registry) auditInsert(ctx context.Context, req Request) {
	if r.audit == nil {
		return
	}
	if err := r.audit.InsertApproval(ctx, req); err != nil {
		obs.LogEvent("approval.audit_failed", map[string]any{
			"approval_id": req.ID, "error": err.Error(),
		})
	}
}

func (r *Registry) auditUpdate(ctx context.Context, id string, status Status, actor, reason string, at time.Time) {
	if r.audit == nil {
		return
	}
	if err := r.audit.UpdateApprovalStatus(ctx, id, status, actor, reason, at); err != nil {
		obs.LogEvent("approval.audit_failed", map[string]any{
			"approval_id": id, "error": err.Error(),
		})
	}
}

// recordCount prefers a producer-declared record_count and falls back to a
// structural estimate over the payload shape.
func recordCount(evt Event) int {
	if v, ok := evt.SourceMetadata["record_count"]; ok {
		var n int
		if err := json.Unmarshal([]byte(v), &n); err == nil && n >= 0 {
			return n
		}
	}
	return estimateRecords(evt.Payload)
}

func estimateRecords(payload json.RawMessage) int {
	if len(payload) == 0 {
		return 0
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(payload, &arr); err == nil {
		return len(arr)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err == nil {
		for _, key := range []string{"data", "records"} {
			if raw, ok := obj[key]; ok {
				if err := json.Unmarshal(raw, &arr); err == nil {
					return len(arr)
				}
			}
		}
	}
	return 1
}
