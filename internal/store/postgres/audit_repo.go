package postgres

import (
	"context"
	"fmt"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/store"
)

// AuditRepo implements store.AuditRepository. The audit_log table rejects
// UPDATE and DELETE with a trigger.
type AuditRepo struct {
	q querier
}

func (r *AuditRepo) Append(ctx context.Context, e *model.AuditLogEntry) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO audit_log (audit_id, resource_type, resource_id, operation_type, operator,
			ts, reason, before_json, after_json, metadata_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, e.AuditID, string(e.ResourceType), e.ResourceID, string(e.OperationType), e.Operator,
		e.Timestamp.UTC(), e.Reason, e.Before, e.After, e.Metadata,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("audit %s: %w", e.AuditID, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (r *AuditRepo) QueryByResource(ctx context.Context, resourceID string) ([]model.AuditLogEntry, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	rows, err := r.q.QueryContext(ctx, `
		SELECT audit_id, resource_type, resource_id, operation_type, operator,
			ts, reason, before_json, after_json, metadata_json
		FROM audit_log
		WHERE resource_id = $1
		ORDER BY ts, seq
	`, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []model.AuditLogEntry
	for rows.Next() {
		var (
			e               model.AuditLogEntry
			resType, opType string
		)
		if err := rows.Scan(&e.AuditID, &resType, &e.ResourceID, &opType, &e.Operator,
			&e.Timestamp, &e.Reason, &e.Before, &e.After, &e.Metadata); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.ResourceType = model.ResourceType(resType)
		e.OperationType = model.OperationType(opType)
		e.Timestamp = e.Timestamp.UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}
