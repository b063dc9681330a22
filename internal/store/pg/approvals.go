package pg

import (
	"context"
	"encoding/json"
	"time"

	"reddog.dev/internal/approval"
)

var _ approval.AuditStore = (*Store)(nil)

// InsertApproval writes the initial audit row for an enqueued request.
func (s *Store) InsertApproval(ctx context.Context, req approval.Request) error {
	meta, err := json.Marshal(req.SourceMetadata)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into approvals(id, request_id, provider, data_type, status, record_count, byte_size, metadata, created_at, expires_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, req.ID, req.RequestID, req.Provider, req.DataType, string(req.Status),
		req.RecordCount, req.ByteSize, meta, req.CreatedAt, req.ExpiresAt)
	return err
}

// UpdateApprovalStatus mirrors a state transition into the audit table.
func (s *Store) UpdateApprovalStatus(ctx context.Context, approvalID string, status approval.Status, actor, reason string, decidedAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		update approvals
		set status=$2, decided_by=nullif($3,''), denial_reason=nullif($4,''), decided_at=$5
		where id=$1
	`, approvalID, string(status), actor, reason, decidedAt)
	return err
}
