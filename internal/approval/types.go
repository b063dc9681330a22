package approval

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Status is the lifecycle state of an approval request. pending is the only
// non-terminal state; a request leaves it exactly once.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
	StatusExpired  Status = "expired"
)

// Event is an inbound dataset event from the notification bridge. The
// payload is kept opaque; SourceMetadata may declare record_count so the
// registry does not have to guess from payload shape.
type Event struct {
	Provider       string            `json:"provider"`
	DataType       string            `json:"data_type"`
	RequestID      string            `json:"request_id"`
	Payload        json.RawMessage   `json:"payload"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
}

// Request is one entry in the approval working set.
type Request struct {
	ID             string            `json:"approval_id"`
	RequestID      string            `json:"request_id"`
	Provider       string            `json:"provider"`
	DataType       string            `json:"data_type"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	SourceMetadata map[string]string `json:"source_metadata,omitempty"`
	Status         Status            `json:"status"`
	RecordCount    int               `json:"record_count"`
	ByteSize       int               `json:"byte_size"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
	DecidedBy      string            `json:"decided_by,omitempty"`
	DecidedAt      time.Time         `json:"decided_at,omitempty"`
	DenialReason   string            `json:"denial_reason,omitempty"`
}

// Receipt acknowledges an enqueued event.
type Receipt struct {
	ApprovalID  string    `json:"approval_id"`
	Provider    string    `json:"provider"`
	DataType    string    `json:"data_type"`
	RecordCount int       `json:"record_count"`
	ByteSize    int       `json:"byte_size"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// ApprovedData is what Approve hands back for durable storage. Writing it
// to storage is the caller's job; the registry never touches the blob store.
type ApprovedData struct {
	ApprovalID  string            `json:"approval_id"`
	RequestID   string            `json:"request_id"`
	Provider    string            `json:"provider"`
	DataType    string            `json:"data_type"`
	Payload     json.RawMessage   `json:"payload"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ApprovedBy  string            `json:"approved_by"`
	ApprovedAt  time.Time         `json:"approved_at"`
	RecordCount int               `json:"record_count"`
	ByteSize    int               `json:"byte_size"`
}

// Stats counts working-set entries by status.
type Stats struct {
	Pending  int `json:"pending"`
	Approved int `json:"approved"`
	Denied   int `json:"denied"`
	Expired  int `json:"expired"`
}

var (
	ErrNotFound         = errors.New("approval request not found")
	ErrAlreadyProcessed = errors.New("approval already processed")
	ErrExpired          = errors.New("approval request expired")
	ErrInvalidEvent     = errors.New("invalid dataset event")
)

// AuditStore persists every state transition for the audit trail. The
// registry stays the source of truth for in-flight state; audit writes are
// best-effort and never block a decision.
type AuditStore interface {
	InsertApproval(ctx context.Context, req Request) error
	UpdateApprovalStatus(ctx context.Context, approvalID string, status Status, actor, reason string, decidedAt time.Time) error
}
