package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/alert"
	"github.com/huangpi1030-tech/x402-account/internal/audit"
	"github.com/huangpi1030-tech/x402-account/internal/confidence"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
	"github.com/huangpi1030-tech/x402-account/internal/lifecycle"
	"github.com/huangpi1030-tech/x402-account/internal/metrics"
	"github.com/huangpi1030-tech/x402-account/internal/store"
	"github.com/huangpi1030-tech/x402-account/internal/verifier"
)

// Verifiable lists the statuses ScheduleVerification accepts.
var Verifiable = []model.Status{model.StatusSettled, model.StatusDetected, model.StatusNeedsReview}

// ScheduleVerification queues the verifiable records and returns how many
// were queued. Settled records go first since they carry a tx hash.
func (s *Service) ScheduleVerification(records []*model.CanonicalRecord) int {
	if s.queue == nil {
		return 0
	}
	tasks := make([]verifier.Task, 0, len(records))
	for _, rec := range records {
		prio, ok := verifyPriority(rec.Status)
		if !ok {
			continue
		}
		tasks = append(tasks, verifier.Task{EventID: rec.EventID, Record: rec.Clone(), Priority: prio})
	}
	s.queue.EnqueueBatch(tasks)
	return len(tasks)
}

// SchedulePending queues the stored records awaiting verification whose
// retry backoff has elapsed. Records that used up their attempts wait for
// a manual VerifyNow or review.
func (s *Service) SchedulePending(ctx context.Context) (int, error) {
	if s.queue == nil {
		return 0, fmt.Errorf("%w: verifier", ErrNotConfigured)
	}
	records, err := s.store.Records().ListByStatus(ctx, Verifiable...)
	if err != nil {
		return 0, fmt.Errorf("list verifiable records: %w", err)
	}
	now := s.now()
	due := records[:0]
	for _, rec := range records {
		if s.backoff.due(rec, now) {
			due = append(due, rec)
		}
	}
	return s.ScheduleVerification(due), nil
}

// RunVerification drains the queue, applying each result as it arrives.
func (s *Service) RunVerification(ctx context.Context) error {
	if s.queue == nil {
		return fmt.Errorf("%w: verifier", ErrNotConfigured)
	}
	return s.queue.Drain(ctx, func(eventID uuid.UUID, res verifier.Result) {
		if res.Kind() == verifier.KindRPCExhausted {
			s.sendAlert(ctx, alert.RPCExhausted(s.network, "verify "+eventID.String(), res.Err))
		}
		if _, err := s.ApplyVerification(ctx, eventID, res); err != nil {
			s.logger.Warn("apply verification failed", "event_id", eventID, "error", err)
		}
	})
}

// VerifyNow verifies one record synchronously and applies the result.
func (s *Service) VerifyNow(ctx context.Context, v verifier.RecordVerifier, eventID uuid.UUID) (*model.CanonicalRecord, verifier.Result, error) {
	rec, err := s.Record(ctx, eventID)
	if err != nil {
		return nil, verifier.Result{}, err
	}
	res := v.Verify(ctx, rec)
	out, err := s.ApplyVerification(ctx, eventID, res)
	return out, res, err
}

// ApplyVerification scores a verifier result and moves the record to
// onchain_verified or needs_review, auditing the change in the same
// transaction. Chain facts of a matched transfer are adopted only when the
// record is accepted; a rejected blind candidate is kept as
// AttributedTxHash. A repeat outcome only advances the retry backoff and
// is not audited again.
func (s *Service) ApplyVerification(ctx context.Context, eventID uuid.UUID, res verifier.Result) (*model.CanonicalRecord, error) {
	return s.mutate(ctx, eventID, func(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord) error {
		before := rec.Clone()
		httpTime := rec.ObservedAt()

		adopted := rec.Clone()
		if res.Verified {
			s.adoptTransfer(adopted, res)
		}
		score := s.scorer.Score(res.Confidence, confidence.Signals{
			HTTPTime:      &httpTime,
			BlockTime:     res.BlockTime,
			MatchCount:    res.MatchCount,
			MissingFields: adopted.MissingFields(),
		})

		target := model.StatusNeedsReview
		if res.Verified && !score.NeedsReview {
			target = model.StatusOnchainVerified
		}
		path, err := verificationPath(rec.Status, target)
		if err != nil {
			return fmt.Errorf("record %s: %w", rec.EventID, err)
		}
		if err := s.steps(rec, path); err != nil {
			return err
		}

		now := s.now().UTC()
		conf := score.Confidence
		rec.Confidence = &conf
		rec.NeedsReviewReason = ""
		if target == model.StatusOnchainVerified {
			s.adoptTransfer(rec, res)
			rec.AttributedTxHash = ""
			rec.VerifiedAt = &now
			rec.VerifyAttempts = 0
			rec.NextVerifyAt = nil
		} else {
			rec.NeedsReviewReason = reviewReason(res, score)
			if t := res.MatchedTransfer; res.Verified && t != nil && rec.TxHash == "" {
				rec.AttributedTxHash = identity.CanonicalTxHash(rec.Network, t.TxHash)
			}
			s.backoff.next(rec, now)
		}
		rec.UpdatedAt = now

		if err := tx.Records().Put(ctx, rec); err != nil {
			return fmt.Errorf("save record %s: %w", rec.EventID, err)
		}
		metrics.ConfidenceScore.Observe(float64(conf))

		if !verificationChanged(before, rec) {
			s.logger.Debug("verification outcome unchanged",
				"event_id", rec.EventID, "status", rec.Status, "attempts", rec.VerifyAttempts, "next_verify_at", rec.NextVerifyAt)
			return nil
		}
		meta := map[string]any{
			"mode":            res.Mode,
			"outcome":         res.Outcome(),
			"base_confidence": res.Confidence,
			"match_count":     res.MatchCount,
			"path":            path,
		}
		if rec.AttributedTxHash != "" {
			meta["candidate_tx_hash"] = rec.AttributedTxHash
		}
		if _, err := s.ledger.AppendTx(ctx, tx, model.ResourceTransaction, rec.EventID.String(),
			model.OpVerifyTransaction, audit.SystemOperator, audit.Change{
				Before:   before,
				After:    rec,
				Reason:   rec.NeedsReviewReason,
				Metadata: meta,
			}); err != nil {
			return err
		}

		s.logger.Info("verification applied",
			"event_id", rec.EventID, "status", rec.Status, "confidence", conf, "outcome", res.Outcome())
		return nil
	})
}

// verificationChanged ignores the retry bookkeeping fields.
func verificationChanged(before, after *model.CanonicalRecord) bool {
	if before.Status != after.Status ||
		before.NeedsReviewReason != after.NeedsReviewReason ||
		before.TxHash != after.TxHash ||
		before.PayerWallet != after.PayerWallet ||
		before.AttributedTxHash != after.AttributedTxHash {
		return true
	}
	if (before.Confidence == nil) != (after.Confidence == nil) {
		return true
	}
	return before.Confidence != nil && *before.Confidence != *after.Confidence
}

// adoptTransfer copies chain facts of a matched transfer onto rec.
func (s *Service) adoptTransfer(rec *model.CanonicalRecord, res verifier.Result) {
	if res.BlockNumber != nil {
		n := *res.BlockNumber
		rec.BlockNumber = &n
	}
	t := res.MatchedTransfer
	if t == nil {
		return
	}
	setIfEmpty(&rec.TxHash, t.TxHash)
	setIfEmpty(&rec.PayerWallet, t.FromAddress)
	if rec.BlockNumber == nil && t.BlockNumber > 0 {
		n := t.BlockNumber
		rec.BlockNumber = &n
	}
	if rec.PaidAt == nil && !t.BlockTime.IsZero() {
		rec.PaidAt = timePtr(t.BlockTime.UTC())
	}
}

// verificationPath routes detected records through verifying; settled
// records already hold a claimed hash and move directly.
func verificationPath(from, target model.Status) ([]model.Status, error) {
	if from == model.StatusDetected {
		rest, err := lifecycle.Path(model.StatusVerifying, target)
		if err != nil {
			return nil, err
		}
		return append([]model.Status{model.StatusVerifying}, rest...), nil
	}
	if from == target {
		return nil, nil
	}
	if !lifecycle.CanTransition(from, target) {
		return nil, &lifecycle.InvalidTransitionError{From: from, To: target}
	}
	return []model.Status{target}, nil
}

func reviewReason(res verifier.Result, score confidence.Score) string {
	var parts []string
	if res.Err != nil {
		parts = append(parts, res.Err.Error())
	} else if !res.Verified {
		parts = append(parts, "not verified on chain")
	}
	if score.Reason != "" {
		parts = append(parts, score.Reason)
	}
	return strings.Join(parts, "; ")
}

// verifyBackoff spaces out automatic re-verification of records that did
// not verify: base, 2*base, 4*base ... up to max, for at most attempts runs.
type verifyBackoff struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

func (b verifyBackoff) next(rec *model.CanonicalRecord, now time.Time) {
	rec.VerifyAttempts++
	delay := b.base
	for i := 1; i < rec.VerifyAttempts && delay < b.max; i++ {
		delay *= 2
	}
	if delay > b.max {
		delay = b.max
	}
	at := now.Add(delay)
	rec.NextVerifyAt = &at
}

func (b verifyBackoff) due(rec *model.CanonicalRecord, now time.Time) bool {
	if b.attempts > 0 && rec.VerifyAttempts >= b.attempts {
		return false
	}
	return rec.NextVerifyAt == nil || !now.Before(*rec.NextVerifyAt)
}

func verifyPriority(st model.Status) (int, bool) {
	switch st {
	case model.StatusSettled:
		return 2, true
	case model.StatusDetected:
		return 1, true
	case model.StatusNeedsReview:
		return 0, true
	}
	return 0, false
}

func (s *Service) sendAlert(ctx context.Context, a alert.Alert) {
	if err := s.alerter.Send(ctx, a); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Warn("alert send failed", "type", a.Type, "error", err)
	}
}
