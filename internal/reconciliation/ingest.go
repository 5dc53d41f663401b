package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/audit"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/evidence"
	"github.com/huangpi1030-tech/x402-account/internal/fx"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
	"github.com/huangpi1030-tech/x402-account/internal/lifecycle"
	"github.com/huangpi1030-tech/x402-account/internal/metrics"
	"github.com/huangpi1030-tech/x402-account/internal/store"
)

// IngestResult describes what one evidence snapshot did.
type IngestResult struct {
	PersistenceID string       `json:"persistence_id"`
	EventID       uuid.UUID    `json:"event_id"`
	EvidenceID    uuid.UUID    `json:"evidence_id"`
	Created       bool         `json:"created"`
	Duplicate     bool         `json:"duplicate"`
	Status        model.Status `json:"status"`
}

// Ingest records one HTTP stage observation. A replayed snapshot (same
// idempotency key) is a no-op. The first snapshot of a payment creates the
// canonical record; later ones fill in fields it is missing.
func (s *Service) Ingest(ctx context.Context, in model.EvidenceInput) (*IngestResult, error) {
	if !in.Stage.Valid() {
		metrics.EvidenceRejectedTotal.WithLabelValues("stage").Inc()
		return nil, fmt.Errorf("%w: %q", ErrInvalidStage, in.Stage)
	}
	capturedAt := in.CapturedAt.UTC()
	if in.CapturedAt.IsZero() {
		capturedAt = s.now().UTC()
	}

	headers := s.filter.Apply(in.Headers)
	headersJSON := evidence.HeadersJSON(headers)
	facts := evidence.Merge(in.Payment, evidence.FactsFromJSON(headersJSON))
	if facts.Network == "" {
		facts.Network = s.network
	}

	pid := strings.TrimSpace(in.PersistenceID)
	if pid == "" {
		var err error
		pid, err = identity.DerivePersistenceID(identity.PaymentAttributes{
			URL:             in.RequestURL,
			Method:          in.RequestMethod,
			Network:         facts.Network,
			Recipient:       facts.Recipient,
			AmountBaseUnits: facts.AmountBaseUnits,
			OrderID:         facts.OrderID,
			Nonce:           facts.Nonce,
			ValidAfter:      facts.ValidAfter,
			ObservedAt:      capturedAt,
		})
		if err != nil {
			metrics.EvidenceRejectedTotal.WithLabelValues("identity").Inc()
			return nil, fmt.Errorf("derive persistence id: %w", err)
		}
	}

	headerHash := identity.HeaderHash(headers)
	ev := &model.RawEvidence{
		EvidenceID:     s.newID(),
		PersistenceID:  pid,
		IdempotencyKey: identity.IdempotencyKey(pid, in.Stage, headerHash),
		Stage:          in.Stage,
		RequestURL:     in.RequestURL,
		RequestMethod:  strings.ToUpper(in.RequestMethod),
		HeaderHash:     headerHash,
		HeadersJSON:    headersJSON,
		CapturedAt:     capturedAt,
	}

	unlock := s.locks.Lock(pid)
	defer unlock()

	res := &IngestResult{PersistenceID: pid, EvidenceID: ev.EvidenceID}
	err := s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		inserted, err := tx.Evidence().InsertIfAbsent(ctx, ev)
		if err != nil {
			return fmt.Errorf("insert evidence: %w", err)
		}
		if !inserted {
			res.Duplicate = true
			if rec, err := tx.Records().FindByPersistenceID(ctx, pid); err == nil {
				res.EventID, res.Status = rec.EventID, rec.Status
			}
			return nil
		}

		rec, err := tx.Records().FindByPersistenceID(ctx, pid)
		switch {
		case errors.Is(err, store.ErrNotFound):
			rec, err = s.createRecord(ctx, tx, pid, ev, in, facts)
			res.Created = true
		case err == nil:
			err = s.mergeRecord(ctx, tx, rec, ev, in, facts)
		}
		if err != nil {
			return err
		}
		if err := tx.Evidence().MarkProcessed(ctx, ev.EvidenceID); err != nil {
			return fmt.Errorf("mark evidence processed: %w", err)
		}
		res.EventID, res.Status = rec.EventID, rec.Status
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Duplicate {
		metrics.EvidenceDeduplicatedTotal.WithLabelValues(string(in.Stage)).Inc()
		s.logger.Debug("duplicate evidence ignored", "persistence_id", pid, "stage", in.Stage)
		return res, nil
	}
	metrics.EvidenceIngestedTotal.WithLabelValues(string(in.Stage)).Inc()
	s.logger.Info("evidence ingested",
		"persistence_id", pid, "event_id", res.EventID, "stage", in.Stage,
		"created", res.Created, "status", res.Status)
	return res, nil
}

func (s *Service) createRecord(ctx context.Context, tx store.Tx, pid string, ev *model.RawEvidence, in model.EvidenceInput, facts model.PaymentFacts) (*model.CanonicalRecord, error) {
	now := s.now().UTC()
	rec := &model.CanonicalRecord{
		EventID:          s.newID(),
		PersistenceID:    pid,
		EvidenceRef:      ev.EvidenceID.String(),
		HeaderHashesJSON: headerHashes("", ev.Stage, ev.HeaderHash),
		MerchantDomain:   merchantDomain(in.RequestURL),
		RequestURL:       in.RequestURL,
		FxFiatCurrency:   s.fxCurrency,
		Status:           model.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	applyFacts(rec, facts)
	if in.Stage == model.StageReceipt && rec.PaidAt == nil {
		rec.PaidAt = timePtr(ev.CapturedAt)
	}
	s.valuate(ctx, rec)

	target := model.StatusDetected
	if in.Stage == model.StageReceipt && rec.TxHash != "" {
		target = model.StatusSettled
	}
	if err := s.walk(rec, target); err != nil {
		return nil, err
	}

	if err := tx.Records().Put(ctx, rec); err != nil {
		return nil, fmt.Errorf("create record: %w", err)
	}
	_, err := s.ledger.AppendTx(ctx, tx, model.ResourceTransaction, rec.EventID.String(),
		model.OpCreateRecord, audit.SystemOperator, audit.Change{
			After:    rec,
			Reason:   fmt.Sprintf("%s evidence captured", ev.Stage),
			Metadata: map[string]string{"evidence_id": ev.EvidenceID.String(), "stage": string(ev.Stage)},
		})
	return rec, err
}

func (s *Service) mergeRecord(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord, ev *model.RawEvidence, in model.EvidenceInput, facts model.PaymentFacts) error {
	before := rec.Clone()
	conflicts := conflictingFacts(rec, facts)
	hadAmount := rec.AmountDecimal != ""

	applyFacts(rec, facts)
	if in.Stage == model.StageReceipt && rec.PaidAt == nil {
		rec.PaidAt = timePtr(ev.CapturedAt)
	}
	rec.HeaderHashesJSON = headerHashes(rec.HeaderHashesJSON, ev.Stage, ev.HeaderHash)
	if rec.EvidenceRef == "" {
		rec.EvidenceRef = ev.EvidenceID.String()
	}
	if !hadAmount && rec.FxRate == "" {
		s.valuate(ctx, rec)
	}
	if in.Stage == model.StageReceipt && rec.TxHash != "" && rec.Status == model.StatusDetected {
		if err := s.walk(rec, model.StatusSettled); err != nil {
			return err
		}
	}
	rec.UpdatedAt = s.now().UTC()

	if err := tx.Records().Put(ctx, rec); err != nil {
		return fmt.Errorf("merge record %s: %w", rec.EventID, err)
	}
	meta := map[string]any{"evidence_id": ev.EvidenceID.String(), "stage": string(ev.Stage)}
	if len(conflicts) > 0 {
		meta["conflicts"] = conflicts
		s.logger.Warn("evidence conflicts with record", "event_id", rec.EventID, "fields", conflicts)
	}
	_, err := s.ledger.AppendTx(ctx, tx, model.ResourceTransaction, rec.EventID.String(),
		model.OpMergeEvidence, audit.SystemOperator, audit.Change{
			Before:   before,
			After:    rec,
			Reason:   fmt.Sprintf("%s evidence merged", ev.Stage),
			Metadata: meta,
		})
	return err
}

// walk moves rec to target along the shortest legal path.
func (s *Service) walk(rec *model.CanonicalRecord, target model.Status) error {
	path, err := lifecycle.Path(rec.Status, target)
	if err != nil {
		return fmt.Errorf("record %s: %w", rec.EventID, err)
	}
	return s.steps(rec, path)
}

func (s *Service) steps(rec *model.CanonicalRecord, path []model.Status) error {
	for _, next := range path {
		from := rec.Status
		to, err := lifecycle.Transition(from, next)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.EventID, err)
		}
		rec.Status = to
		metrics.RecordTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
	}
	return nil
}

func (s *Service) valuate(ctx context.Context, rec *model.CanonicalRecord) {
	if s.fxProvider == nil || rec.AmountDecimal == "" || rec.AssetSymbol == "" {
		return
	}
	q, err := s.fxProvider.Rate(ctx, rec.AssetSymbol, s.fxCurrency, rec.ObservedAt())
	if err != nil {
		s.logger.Debug("fx rate unavailable", "asset", rec.AssetSymbol, "currency", s.fxCurrency, "error", err)
		return
	}
	if err := fx.Valuate(rec, q); err != nil {
		s.logger.Warn("fx valuation failed", "event_id", rec.EventID, "error", err)
	}
}

// applyFacts fills the record fields that are still empty.
func applyFacts(rec *model.CanonicalRecord, f model.PaymentFacts) {
	if rec.Network == "" {
		rec.Network = f.Network
	}
	net := rec.Network
	setIfEmpty(&rec.PayeeWallet, identity.CanonicalAddress(net, f.Recipient))
	setIfEmpty(&rec.PayerWallet, identity.CanonicalAddress(net, f.PayerWallet))
	setIfEmpty(&rec.TxHash, identity.CanonicalTxHash(net, f.TxHash))
	setIfEmpty(&rec.AssetSymbol, f.AssetSymbol)
	setIfEmpty(&rec.AssetContract, identity.CanonicalAddress(net, f.AssetContract))
	setIfEmpty(&rec.OrderID, f.OrderID)
	setIfEmpty(&rec.Description, f.Description)
	if rec.PaidAt == nil && f.PaidAt != nil {
		t := f.PaidAt.UTC()
		rec.PaidAt = &t
	}

	if rec.AmountBaseUnits == "" && f.AmountBaseUnits != "" {
		if f.Decimals != nil {
			rec.Decimals = *f.Decimals
		} else if rec.Decimals == 0 {
			rec.Decimals = 6
		}
		if dec, err := model.BaseUnitsToDecimal(f.AmountBaseUnits, rec.Decimals); err == nil {
			rec.AmountBaseUnits = f.AmountBaseUnits
			rec.AmountDecimal = dec
		}
	}
}

// conflictingFacts lists fields where new evidence disagrees with values
// already on the record. The record keeps its values.
func conflictingFacts(rec *model.CanonicalRecord, f model.PaymentFacts) []string {
	var out []string
	net := rec.Network
	check := func(name, have, got string) {
		if have != "" && got != "" && have != got {
			out = append(out, name)
		}
	}
	check("payee_wallet", rec.PayeeWallet, identity.CanonicalAddress(net, f.Recipient))
	check("payer_wallet", rec.PayerWallet, identity.CanonicalAddress(net, f.PayerWallet))
	check("tx_hash", rec.TxHash, identity.CanonicalTxHash(net, f.TxHash))
	check("amount", rec.AmountBaseUnits, f.AmountBaseUnits)
	check("order_id", rec.OrderID, f.OrderID)
	return out
}

func setIfEmpty(dst *string, v string) {
	if *dst == "" && v != "" {
		*dst = v
	}
}

// headerHashes adds stage -> hash to the JSON object in existing.
func headerHashes(existing string, stage model.Stage, hash string) string {
	m := map[string]string{}
	if existing != "" {
		_ = json.Unmarshal([]byte(existing), &m)
	}
	m[string(stage)] = hash
	b, _ := json.Marshal(m)
	return string(b)
}

func merchantDomain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

func timePtr(t time.Time) *time.Time { return &t }
