package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/store"
)

const evidenceColumns = `evidence_id, persistence_id, idempotency_key, stage, request_url,
	request_method, header_hash, headers_json, captured_at, processed`

// EvidenceRepo implements store.EvidenceRepository.
type EvidenceRepo struct {
	q querier
}

// InsertIfAbsent relies on the idempotency_key unique constraint.
func (r *EvidenceRepo) InsertIfAbsent(ctx context.Context, ev *model.RawEvidence) (bool, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	res, err := r.q.ExecContext(ctx, `
		INSERT INTO raw_evidence (`+evidenceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, ev.EvidenceID, ev.PersistenceID, ev.IdempotencyKey, string(ev.Stage), ev.RequestURL,
		ev.RequestMethod, ev.HeaderHash, ev.HeadersJSON, ev.CapturedAt.UTC(), ev.Processed,
	)
	if isUniqueViolation(err) {
		return false, fmt.Errorf("evidence %s: %w", ev.EvidenceID, store.ErrDuplicate)
	}
	if err != nil {
		return false, fmt.Errorf("insert evidence: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert evidence: %w", err)
	}
	return n == 1, nil
}

func (r *EvidenceRepo) Get(ctx context.Context, evidenceID uuid.UUID) (*model.RawEvidence, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	ev, err := scanEvidence(r.q.QueryRowContext(ctx,
		"SELECT "+evidenceColumns+" FROM raw_evidence WHERE evidence_id = $1", evidenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("evidence %s: %w", evidenceID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get evidence %s: %w", evidenceID, err)
	}
	return &ev, nil
}

func (r *EvidenceRepo) MarkProcessed(ctx context.Context, evidenceID uuid.UUID) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	res, err := r.q.ExecContext(ctx, "UPDATE raw_evidence SET processed = true WHERE evidence_id = $1", evidenceID)
	if err != nil {
		return fmt.Errorf("mark evidence processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark evidence processed: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("evidence %s: %w", evidenceID, store.ErrNotFound)
	}
	return nil
}

func (r *EvidenceRepo) ListByPersistenceID(ctx context.Context, persistenceID string) ([]model.RawEvidence, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	rows, err := r.q.QueryContext(ctx,
		"SELECT "+evidenceColumns+" FROM raw_evidence WHERE persistence_id = $1 ORDER BY captured_at",
		persistenceID)
	if err != nil {
		return nil, fmt.Errorf("list evidence: %w", err)
	}
	defer rows.Close()

	var out []model.RawEvidence
	for rows.Next() {
		ev, err := scanEvidence(rows)
		if err != nil {
			return nil, fmt.Errorf("scan evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanEvidence(row rowScanner) (model.RawEvidence, error) {
	var (
		ev    model.RawEvidence
		stage string
	)
	err := row.Scan(&ev.EvidenceID, &ev.PersistenceID, &ev.IdempotencyKey, &stage, &ev.RequestURL,
		&ev.RequestMethod, &ev.HeaderHash, &ev.HeadersJSON, &ev.CapturedAt, &ev.Processed)
	ev.Stage = model.Stage(stage)
	ev.CapturedAt = ev.CapturedAt.UTC()
	return ev, err
}
