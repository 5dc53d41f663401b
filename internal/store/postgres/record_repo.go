package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/store"
)

var recordColumns = []string{
	"event_id", "persistence_id", "evidence_ref", "header_hashes_json",
	"merchant_domain", "request_url", "description", "order_id",
	"network", "asset_symbol", "asset_contract", "decimals",
	"amount_base_units", "amount_decimal", "payer_wallet", "payee_wallet",
	"tx_hash", "paid_at", "block_number", "verified_at", "attributed_tx_hash",
	"fx_fiat_currency", "fx_rate", "fiat_value_at_time", "fx_source", "fx_captured_at",
	"category", "project", "cost_center", "rule_id_applied",
	"status", "confidence", "needs_review_reason", "verify_attempts", "next_verify_at",
	"created_at", "updated_at",
}

var selectRecord = "SELECT " + strings.Join(recordColumns, ", ") + " FROM canonical_records"

// upsertRecord replaces a record by event id. The WHERE clause turns a
// change to persistence_id or a set evidence_ref into a zero-row update.
var upsertRecord = func() string {
	var set []string
	for _, c := range recordColumns[2:] {
		if c == "created_at" {
			continue
		}
		set = append(set, c+" = EXCLUDED."+c)
	}
	return "INSERT INTO canonical_records (" + strings.Join(recordColumns, ", ") + ")\n" +
		"VALUES (" + placeholders(1, len(recordColumns)) + ")\n" +
		"ON CONFLICT (event_id) DO UPDATE SET " + strings.Join(set, ", ") + "\n" +
		"WHERE canonical_records.persistence_id = EXCLUDED.persistence_id\n" +
		"  AND (canonical_records.evidence_ref = '' OR canonical_records.evidence_ref = EXCLUDED.evidence_ref)"
}()

// RecordRepo implements store.RecordRepository.
type RecordRepo struct {
	q querier
}

func (r *RecordRepo) Get(ctx context.Context, eventID uuid.UUID) (*model.CanonicalRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	rec, err := scanRecord(r.q.QueryRowContext(ctx, selectRecord+" WHERE event_id = $1", eventID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", eventID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", eventID, err)
	}
	return rec, nil
}

func (r *RecordRepo) Put(ctx context.Context, rec *model.CanonicalRecord) error {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	res, err := r.q.ExecContext(ctx, upsertRecord, recordArgs(rec)...)
	if isUniqueViolation(err) {
		return fmt.Errorf("persistence id %s: %w", rec.PersistenceID, store.ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.EventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put record %s: %w", rec.EventID, err)
	}
	if n == 0 {
		return fmt.Errorf("record %s: %w", rec.EventID, store.ErrImmutableField)
	}
	return nil
}

func (r *RecordRepo) FindByPersistenceID(ctx context.Context, persistenceID string) (*model.CanonicalRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	rec, err := scanRecord(r.q.QueryRowContext(ctx, selectRecord+" WHERE persistence_id = $1", persistenceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("persistence id %s: %w", persistenceID, store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find record by persistence id: %w", err)
	}
	return rec, nil
}

func (r *RecordRepo) ListByTimeRange(ctx context.Context, start, end time.Time) ([]*model.CanonicalRecord, error) {
	return r.list(ctx, " WHERE created_at >= $1 AND created_at < $2 ORDER BY created_at, event_id", start, end)
}

func (r *RecordRepo) ListWithTxHash(ctx context.Context) ([]*model.CanonicalRecord, error) {
	return r.list(ctx, " WHERE tx_hash <> '' ORDER BY created_at, event_id")
}

func (r *RecordRepo) ListByStatus(ctx context.Context, statuses ...model.Status) ([]*model.CanonicalRecord, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return r.list(ctx, " WHERE status = ANY($1) ORDER BY created_at, event_id", pq.Array(names))
}

func (r *RecordRepo) list(ctx context.Context, where string, args ...any) ([]*model.CanonicalRecord, error) {
	ctx, cancel := withTimeout(ctx, DefaultQueryTimeout)
	defer cancel()
	rows, err := r.q.QueryContext(ctx, selectRecord+where, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*model.CanonicalRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.CanonicalRecord, error) {
	var (
		rec                              model.CanonicalRecord
		network, status                  string
		paidAt, verifiedAt, fxCapturedAt sql.NullTime
		nextVerifyAt                     sql.NullTime
		blockNumber                      sql.NullInt64
		confidence                       sql.NullInt32
		ruleID                           uuid.NullUUID
	)
	err := row.Scan(
		&rec.EventID, &rec.PersistenceID, &rec.EvidenceRef, &rec.HeaderHashesJSON,
		&rec.MerchantDomain, &rec.RequestURL, &rec.Description, &rec.OrderID,
		&network, &rec.AssetSymbol, &rec.AssetContract, &rec.Decimals,
		&rec.AmountBaseUnits, &rec.AmountDecimal, &rec.PayerWallet, &rec.PayeeWallet,
		&rec.TxHash, &paidAt, &blockNumber, &verifiedAt, &rec.AttributedTxHash,
		&rec.FxFiatCurrency, &rec.FxRate, &rec.FiatValueAtTime, &rec.FxSource, &fxCapturedAt,
		&rec.Category, &rec.Project, &rec.CostCenter, &ruleID,
		&status, &confidence, &rec.NeedsReviewReason, &rec.VerifyAttempts, &nextVerifyAt,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	rec.Network = model.Network(network)
	rec.Status = model.Status(status)
	rec.PaidAt = timePtr(paidAt)
	rec.VerifiedAt = timePtr(verifiedAt)
	rec.FxCapturedAt = timePtr(fxCapturedAt)
	rec.NextVerifyAt = timePtr(nextVerifyAt)
	if blockNumber.Valid {
		v := blockNumber.Int64
		rec.BlockNumber = &v
	}
	if confidence.Valid {
		v := int(confidence.Int32)
		rec.Confidence = &v
	}
	if ruleID.Valid {
		v := ruleID.UUID
		rec.RuleIDApplied = &v
	}
	return &rec, nil
}

func recordArgs(rec *model.CanonicalRecord) []any {
	var confidence any
	if rec.Confidence != nil {
		confidence = *rec.Confidence
	}
	var blockNumber any
	if rec.BlockNumber != nil {
		blockNumber = *rec.BlockNumber
	}
	var ruleID any
	if rec.RuleIDApplied != nil {
		ruleID = *rec.RuleIDApplied
	}
	return []any{
		rec.EventID, rec.PersistenceID, rec.EvidenceRef, rec.HeaderHashesJSON,
		rec.MerchantDomain, rec.RequestURL, rec.Description, rec.OrderID,
		string(rec.Network), rec.AssetSymbol, rec.AssetContract, rec.Decimals,
		rec.AmountBaseUnits, rec.AmountDecimal, rec.PayerWallet, rec.PayeeWallet,
		rec.TxHash, nullTime(rec.PaidAt), blockNumber, nullTime(rec.VerifiedAt), rec.AttributedTxHash,
		rec.FxFiatCurrency, rec.FxRate, rec.FiatValueAtTime, rec.FxSource, nullTime(rec.FxCapturedAt),
		rec.Category, rec.Project, rec.CostCenter, ruleID,
		string(rec.Status), confidence, rec.NeedsReviewReason, rec.VerifyAttempts, nullTime(rec.NextVerifyAt),
		rec.CreatedAt, rec.UpdatedAt,
	}
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
