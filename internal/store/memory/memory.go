// Package memory is an in-process store.Store for tests and single-node runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store keeps everything in maps. Transactions are serialized; a failed
// transaction restores the state captured when it began. Reads outside a
// transaction may observe uncommitted writes.
type Store struct {
	txMu sync.Mutex

	mu           sync.RWMutex
	records      map[uuid.UUID]*model.CanonicalRecord
	byPID        map[string]uuid.UUID
	evidence     map[uuid.UUID]*model.RawEvidence
	evidenceKeys map[string]uuid.UUID
	audit        []model.AuditLogEntry
	auditIDs     map[uuid.UUID]struct{}
}

func New() *Store {
	return &Store{
		records:      make(map[uuid.UUID]*model.CanonicalRecord),
		byPID:        make(map[string]uuid.UUID),
		evidence:     make(map[uuid.UUID]*model.RawEvidence),
		evidenceKeys: make(map[string]uuid.UUID),
		auditIDs:     make(map[uuid.UUID]struct{}),
	}
}

func (s *Store) Records() store.RecordRepository    { return recordRepo{view{s: s}} }
func (s *Store) Evidence() store.EvidenceRepository { return evidenceRepo{view{s: s}} }
func (s *Store) Audit() store.AuditRepository       { return auditRepo{view{s: s}} }

func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) (err error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	defer func() {
		if r := recover(); r != nil {
			s.restore(snap)
			panic(r)
		}
		if err != nil {
			s.restore(snap)
		}
	}()
	return fn(ctx, txView{view{s: s, inTx: true}})
}

type snapshot struct {
	records      map[uuid.UUID]*model.CanonicalRecord
	byPID        map[string]uuid.UUID
	evidence     map[uuid.UUID]*model.RawEvidence
	evidenceKeys map[string]uuid.UUID
	auditLen     int
	auditIDs     map[uuid.UUID]struct{}
}

// Stored values are replaced, never mutated, so shallow map copies suffice.
func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshot{
		records:      copyMap(s.records),
		byPID:        copyMap(s.byPID),
		evidence:     copyMap(s.evidence),
		evidenceKeys: copyMap(s.evidenceKeys),
		auditLen:     len(s.audit),
		auditIDs:     copyMap(s.auditIDs),
	}
}

func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = snap.records
	s.byPID = snap.byPID
	s.evidence = snap.evidence
	s.evidenceKeys = snap.evidenceKeys
	s.audit = s.audit[:snap.auditLen]
	s.auditIDs = snap.auditIDs
}

func copyMap[K comparable, V any](m map[K]V) map[K]V {
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// view is the store seen from inside or outside a transaction. Writes
// outside a transaction wait for any running transaction.
type view struct {
	s    *Store
	inTx bool
}

func (v view) write(fn func() error) error {
	if !v.inTx {
		v.s.txMu.Lock()
		defer v.s.txMu.Unlock()
	}
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn()
}

type txView struct{ v view }

func (t txView) Records() store.RecordRepository    { return recordRepo{t.v} }
func (t txView) Evidence() store.EvidenceRepository { return evidenceRepo{t.v} }
func (t txView) Audit() store.AuditRepository       { return auditRepo{t.v} }

type recordRepo struct{ view }

func (r recordRepo) Get(_ context.Context, eventID uuid.UUID) (*model.CanonicalRecord, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	rec, ok := r.s.records[eventID]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", eventID, store.ErrNotFound)
	}
	return rec.Clone(), nil
}

func (r recordRepo) Put(_ context.Context, rec *model.CanonicalRecord) error {
	return r.write(func() error {
		if prev, ok := r.s.records[rec.EventID]; ok {
			if prev.PersistenceID != rec.PersistenceID {
				return fmt.Errorf("record %s persistence_id: %w", rec.EventID, store.ErrImmutableField)
			}
			if prev.EvidenceRef != "" && prev.EvidenceRef != rec.EvidenceRef {
				return fmt.Errorf("record %s evidence_ref: %w", rec.EventID, store.ErrImmutableField)
			}
		} else if _, taken := r.s.byPID[rec.PersistenceID]; taken {
			return fmt.Errorf("persistence id %s: %w", rec.PersistenceID, store.ErrDuplicate)
		}
		r.s.records[rec.EventID] = rec.Clone()
		r.s.byPID[rec.PersistenceID] = rec.EventID
		return nil
	})
}

func (r recordRepo) FindByPersistenceID(ctx context.Context, persistenceID string) (*model.CanonicalRecord, error) {
	r.s.mu.RLock()
	id, ok := r.s.byPID[persistenceID]
	r.s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("persistence id %s: %w", persistenceID, store.ErrNotFound)
	}
	return r.Get(ctx, id)
}

func (r recordRepo) ListByTimeRange(_ context.Context, start, end time.Time) ([]*model.CanonicalRecord, error) {
	return r.list(func(rec *model.CanonicalRecord) bool {
		return !rec.CreatedAt.Before(start) && rec.CreatedAt.Before(end)
	}), nil
}

func (r recordRepo) ListWithTxHash(_ context.Context) ([]*model.CanonicalRecord, error) {
	return r.list(func(rec *model.CanonicalRecord) bool { return rec.TxHash != "" }), nil
}

func (r recordRepo) ListByStatus(_ context.Context, statuses ...model.Status) ([]*model.CanonicalRecord, error) {
	want := make(map[model.Status]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	return r.list(func(rec *model.CanonicalRecord) bool { return want[rec.Status] }), nil
}

func (r recordRepo) list(keep func(*model.CanonicalRecord) bool) []*model.CanonicalRecord {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []*model.CanonicalRecord
	for _, rec := range r.s.records {
		if keep(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].EventID.String() < out[j].EventID.String()
	})
	return out
}

type evidenceRepo struct{ view }

func (r evidenceRepo) InsertIfAbsent(_ context.Context, ev *model.RawEvidence) (bool, error) {
	inserted := false
	err := r.write(func() error {
		if _, dup := r.s.evidenceKeys[ev.IdempotencyKey]; dup {
			return nil
		}
		if _, dup := r.s.evidence[ev.EvidenceID]; dup {
			return fmt.Errorf("evidence %s: %w", ev.EvidenceID, store.ErrDuplicate)
		}
		cp := *ev
		r.s.evidence[ev.EvidenceID] = &cp
		r.s.evidenceKeys[ev.IdempotencyKey] = ev.EvidenceID
		inserted = true
		return nil
	})
	return inserted, err
}

func (r evidenceRepo) Get(_ context.Context, evidenceID uuid.UUID) (*model.RawEvidence, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	ev, ok := r.s.evidence[evidenceID]
	if !ok {
		return nil, fmt.Errorf("evidence %s: %w", evidenceID, store.ErrNotFound)
	}
	cp := *ev
	return &cp, nil
}

func (r evidenceRepo) MarkProcessed(_ context.Context, evidenceID uuid.UUID) error {
	return r.write(func() error {
		ev, ok := r.s.evidence[evidenceID]
		if !ok {
			return fmt.Errorf("evidence %s: %w", evidenceID, store.ErrNotFound)
		}
		cp := *ev
		cp.Processed = true
		r.s.evidence[evidenceID] = &cp
		return nil
	})
}

func (r evidenceRepo) ListByPersistenceID(_ context.Context, persistenceID string) ([]model.RawEvidence, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.RawEvidence
	for _, ev := range r.s.evidence {
		if ev.PersistenceID == persistenceID {
			out = append(out, *ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	return out, nil
}

type auditRepo struct{ view }

func (r auditRepo) Append(_ context.Context, e *model.AuditLogEntry) error {
	return r.write(func() error {
		if _, dup := r.s.auditIDs[e.AuditID]; dup {
			return fmt.Errorf("audit %s: %w", e.AuditID, store.ErrDuplicate)
		}
		r.s.auditIDs[e.AuditID] = struct{}{}
		r.s.audit = append(r.s.audit, *e)
		return nil
	})
}

// QueryByResource keeps append order among equal timestamps.
func (r auditRepo) QueryByResource(_ context.Context, resourceID string) ([]model.AuditLogEntry, error) {
	r.s.mu.RLock()
	defer r.s.mu.RUnlock()
	var out []model.AuditLogEntry
	for _, e := range r.s.audit {
		if e.ResourceID == resourceID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}
