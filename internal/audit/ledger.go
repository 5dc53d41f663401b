// Package audit is the append-only ledger of record, rule and config
// mutations.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/metrics"
	"github.com/huangpi1030-tech/x402-account/internal/store"
)

// SystemOperator is recorded when a mutation has no human operator.
const SystemOperator = "system"

// ErrAuditWrite wraps every failure to persist an entry. The mutation the
// entry describes must not be committed.
var ErrAuditWrite = errors.New("audit: write failed")

// Change describes one mutation. Before, After and Metadata are stored as
// JSON; nil values are omitted.
type Change struct {
	Before   any
	After    any
	Reason   string
	Metadata any
}

type Ledger struct {
	repo   store.AuditRepository
	now    func() time.Time
	newID  func() uuid.UUID
	logger *slog.Logger
}

type Option func(*Ledger)

func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(l *Ledger) { l.newID = newID }
}

func NewLedger(repo store.AuditRepository, logger *slog.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Ledger{
		repo:   repo,
		now:    time.Now,
		newID:  uuid.New,
		logger: logger.With("component", "audit_ledger"),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Append writes one entry outside any transaction.
func (l *Ledger) Append(ctx context.Context, rt model.ResourceType, resourceID string, op model.OperationType, operator string, ch Change) (model.AuditLogEntry, error) {
	return l.append(ctx, l.repo, rt, resourceID, op, operator, ch)
}

// AppendTx writes one entry inside tx, so it commits or rolls back with
// the mutation it describes.
func (l *Ledger) AppendTx(ctx context.Context, tx store.Tx, rt model.ResourceType, resourceID string, op model.OperationType, operator string, ch Change) (model.AuditLogEntry, error) {
	return l.append(ctx, tx.Audit(), rt, resourceID, op, operator, ch)
}

// Query returns the entries for resourceID, oldest first.
func (l *Ledger) Query(ctx context.Context, resourceID string) ([]model.AuditLogEntry, error) {
	entries, err := l.repo.QueryByResource(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("query audit log for %s: %w", resourceID, err)
	}
	return entries, nil
}

func (l *Ledger) append(ctx context.Context, repo store.AuditRepository, rt model.ResourceType, resourceID string, op model.OperationType, operator string, ch Change) (model.AuditLogEntry, error) {
	if operator == "" {
		operator = SystemOperator
	}
	entry := model.AuditLogEntry{
		AuditID:       l.newID(),
		ResourceType:  rt,
		ResourceID:    resourceID,
		OperationType: op,
		Operator:      operator,
		Timestamp:     l.now().UTC(),
		Reason:        ch.Reason,
	}
	var err error
	if entry.Before, err = snapshot(ch.Before); err != nil {
		return l.fail(entry, fmt.Errorf("encode before: %w", err))
	}
	if entry.After, err = snapshot(ch.After); err != nil {
		return l.fail(entry, fmt.Errorf("encode after: %w", err))
	}
	if entry.Metadata, err = snapshot(ch.Metadata); err != nil {
		return l.fail(entry, fmt.Errorf("encode metadata: %w", err))
	}

	if err := repo.Append(ctx, &entry); err != nil {
		return l.fail(entry, err)
	}
	metrics.AuditAppendsTotal.WithLabelValues(string(op)).Inc()
	l.logger.Debug("audit entry appended",
		"audit_id", entry.AuditID, "resource_type", rt, "resource_id", resourceID,
		"operation", op, "operator", operator)
	return entry, nil
}

func (l *Ledger) fail(entry model.AuditLogEntry, err error) (model.AuditLogEntry, error) {
	metrics.AuditFailuresTotal.Inc()
	l.logger.Error("audit append failed",
		"resource_id", entry.ResourceID, "operation", entry.OperationType, "error", err)
	return model.AuditLogEntry{}, fmt.Errorf("%w: %s %s: %w", ErrAuditWrite, entry.OperationType, entry.ResourceID, err)
}

func snapshot(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "", nil
	}
	return string(b), nil
}
