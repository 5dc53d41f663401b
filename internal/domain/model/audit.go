package model

import (
	"time"

	"github.com/google/uuid"
)

// ResourceType is the kind of resource an audit entry refers to.
type ResourceType string

const (
	ResourceTransaction ResourceType = "transaction"
	ResourceRule        ResourceType = "rule"
	ResourceConfig      ResourceType = "config"
)

// OperationType names the mutation an audit entry records.
type OperationType string

const (
	OpCreateRecord      OperationType = "create_record"
	OpMergeEvidence     OperationType = "merge_evidence"
	OpUpdateVendor      OperationType = "update_vendor"
	OpUpdateStatus      OperationType = "update_status"
	OpUpdateCategory    OperationType = "update_category"
	OpUpdateProject     OperationType = "update_project"
	OpUpdateCostCenter  OperationType = "update_cost_center"
	OpCreateRule        OperationType = "create_rule"
	OpUpdateRule        OperationType = "update_rule"
	OpDeleteRule        OperationType = "delete_rule"
	OpApplyRule         OperationType = "apply_rule"
	OpManualReview      OperationType = "manual_review"
	OpVerifyTransaction OperationType = "verify_transaction"
	OpUpdateFx          OperationType = "update_fx"
	OpUpdateConfig      OperationType = "update_config"
)

// AuditLogEntry is one append-only ledger row. Before/After/Metadata hold
// JSON snapshots.
type AuditLogEntry struct {
	AuditID       uuid.UUID     `json:"audit_id"`
	ResourceType  ResourceType  `json:"resource_type"`
	ResourceID    string        `json:"resource_id"`
	OperationType OperationType `json:"operation_type"`
	Operator      string        `json:"operator"`
	Timestamp     time.Time     `json:"timestamp"`
	Reason        string        `json:"reason,omitempty"`
	Before        string        `json:"before,omitempty"`
	After         string        `json:"after,omitempty"`
	Metadata      string        `json:"metadata,omitempty"`
}
