package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrDuplicate is returned when a unique key (event id, persistence id,
	// audit id) already exists.
	ErrDuplicate = errors.New("store: duplicate key")
	// ErrImmutableField is returned when a write would change the
	// persistence id or a set evidence ref of an existing record.
	ErrImmutableField = errors.New("store: immutable field changed")
)

// RecordRepository provides access to canonical records.
type RecordRepository interface {
	Get(ctx context.Context, eventID uuid.UUID) (*model.CanonicalRecord, error)
	// Put inserts or replaces the record keyed by EventID.
	Put(ctx context.Context, rec *model.CanonicalRecord) error
	FindByPersistenceID(ctx context.Context, persistenceID string) (*model.CanonicalRecord, error)
	// ListByTimeRange returns records created in [start, end), oldest first.
	ListByTimeRange(ctx context.Context, start, end time.Time) ([]*model.CanonicalRecord, error)
	// ListWithTxHash returns every record carrying a tx hash.
	ListWithTxHash(ctx context.Context) ([]*model.CanonicalRecord, error)
	ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.CanonicalRecord, error)
}

// EvidenceRepository stores raw evidence. Evidence is never updated.
type EvidenceRepository interface {
	// InsertIfAbsent stores ev unless its idempotency key is already
	// present, reporting whether a row was written.
	InsertIfAbsent(ctx context.Context, ev *model.RawEvidence) (bool, error)
	Get(ctx context.Context, evidenceID uuid.UUID) (*model.RawEvidence, error)
	// MarkProcessed flips the processed flag, the only mutable column.
	MarkProcessed(ctx context.Context, evidenceID uuid.UUID) error
	ListByPersistenceID(ctx context.Context, persistenceID string) ([]model.RawEvidence, error)
}

// AuditRepository is the add-only audit ledger storage.
type AuditRepository interface {
	Append(ctx context.Context, e *model.AuditLogEntry) error
	// QueryByResource returns entries for resourceID in chronological order.
	QueryByResource(ctx context.Context, resourceID string) ([]model.AuditLogEntry, error)
}

// Tx is the set of repositories bound to one unit of work.
type Tx interface {
	Records() RecordRepository
	Evidence() EvidenceRepository
	Audit() AuditRepository
}

// Store is a Tx outside any transaction that can open transactions.
type Store interface {
	Tx
	// WithinTx runs fn in a transaction committed when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
