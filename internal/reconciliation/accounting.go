package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/audit"
	"github.com/huangpi1030-tech/x402-account/internal/confidence"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/lifecycle"
	"github.com/huangpi1030-tech/x402-account/internal/rules"
	"github.com/huangpi1030-tech/x402-account/internal/store"
)

// ResolveReview settles a needs_review record by hand. Only forward moves
// out of needs_review are accepted.
func (s *Service) ResolveReview(ctx context.Context, eventID uuid.UUID, operator string, target model.Status, reason string) (*model.CanonicalRecord, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, ErrReasonRequired
	}
	return s.mutate(ctx, eventID, func(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord) error {
		if rec.Status != model.StatusNeedsReview || target == model.StatusNeedsReview {
			return fmt.Errorf("%w: %s -> %s", ErrReviewForward, rec.Status, target)
		}
		before := rec.Clone()
		if err := s.steps(rec, []model.Status{target}); err != nil {
			return err
		}
		rec.NeedsReviewReason = ""
		rec.UpdatedAt = s.now().UTC()
		if err := tx.Records().Put(ctx, rec); err != nil {
			return fmt.Errorf("save record %s: %w", rec.EventID, err)
		}
		_, err := s.ledger.AppendTx(ctx, tx, model.ResourceTransaction, rec.EventID.String(),
			model.OpManualReview, operatorOrSystem(operator), audit.Change{
				Before: before,
				After:  rec,
				Reason: reason,
			})
		return err
	})
}

// UpdateAccounting edits the bookkeeping tags. Empty fields in tags are
// left unchanged. Each changed field gets its own audit entry. Accounted
// records may still be re-tagged. The lifecycle is re-checked after the
// edit.
func (s *Service) UpdateAccounting(ctx context.Context, eventID uuid.UUID, operator string, tags model.AccountingTags, reason string) (*model.CanonicalRecord, error) {
	return s.mutate(ctx, eventID, func(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord) error {
		if err := s.retag(ctx, tx, rec, operator, tags, reason, nil); err != nil {
			return err
		}
		return s.enforceStatus(ctx, tx, rec, operator)
	})
}

// enforceStatus runs the state machine over rec after an edit. A scored
// record below the review threshold that can still reach needs_review is
// moved there; otherwise the current status is re-validated as a
// self-transition. A status change is audited.
func (s *Service) enforceStatus(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord, operator string) error {
	if _, err := lifecycle.Transition(rec.Status, rec.Status); err != nil {
		return fmt.Errorf("record %s: %w", rec.EventID, err)
	}
	if rec.Confidence == nil || rec.Status == model.StatusNeedsReview {
		return nil
	}
	conf, threshold := *rec.Confidence, s.scorer.Threshold()
	if !confidence.NeedsReview(conf, threshold) {
		return nil
	}
	path, err := lifecycle.Path(rec.Status, model.StatusNeedsReview)
	if err != nil {
		// Accepted and booked records are not demoted.
		return nil
	}

	before := rec.Clone()
	if err := s.steps(rec, path); err != nil {
		return err
	}
	rec.NeedsReviewReason = fmt.Sprintf("confidence %d below threshold %d", conf, threshold)
	rec.UpdatedAt = s.now().UTC()
	if err := tx.Records().Put(ctx, rec); err != nil {
		return fmt.Errorf("save record %s: %w", rec.EventID, err)
	}
	_, err = s.ledger.AppendTx(ctx, tx, model.ResourceTransaction, rec.EventID.String(),
		model.OpUpdateStatus, operatorOrSystem(operator), audit.Change{
			Before:   before,
			After:    rec,
			Reason:   rec.NeedsReviewReason,
			Metadata: map[string]any{"path": path},
		})
	return err
}

// ApplyRule classifies one record with the highest-priority matching rule.
func (s *Service) ApplyRule(ctx context.Context, eventID uuid.UUID, operator string) (*model.CanonicalRecord, *rules.MatchResult, error) {
	if s.rules == nil {
		return nil, nil, fmt.Errorf("%w: rules", ErrNotConfigured)
	}
	var match rules.MatchResult
	rec, err := s.mutate(ctx, eventID, func(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord) error {
		r, res, ok := s.rules.Match(rec)
		if !ok {
			return fmt.Errorf("%w: record %s", ErrNoRuleMatched, rec.EventID)
		}
		match = res
		if err := s.retag(ctx, tx, rec, operator, rules.Apply(rec.AccountingTags, r), res.Reason, &r); err != nil {
			return err
		}
		return s.enforceStatus(ctx, tx, rec, operator)
	})
	if err != nil {
		return nil, nil, err
	}
	return rec, &match, nil
}

// BatchResult summarizes ApplyRules.
type BatchResult struct {
	Total     int               `json:"total"`
	Matched   int               `json:"matched"`
	Conflicts int               `json:"conflicts"`
	Errors    map[string]string `json:"errors,omitempty"`
}

// ApplyRules classifies records that have no rule applied yet.
func (s *Service) ApplyRules(ctx context.Context, records []*model.CanonicalRecord, operator string) (*BatchResult, error) {
	if s.rules == nil {
		return nil, fmt.Errorf("%w: rules", ErrNotConfigured)
	}
	out := &BatchResult{Total: len(records)}
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		if len(s.rules.Conflicts(rec)) > 0 {
			out.Conflicts++
		}
		_, _, err := s.ApplyRule(ctx, rec.EventID, operator)
		switch {
		case err == nil:
			out.Matched++
		case errors.Is(err, ErrNoRuleMatched):
		default:
			if out.Errors == nil {
				out.Errors = make(map[string]string)
			}
			out.Errors[rec.EventID.String()] = err.Error()
		}
	}
	s.logger.Info("rules applied", "total", out.Total, "matched", out.Matched, "conflicts", out.Conflicts)
	return out, nil
}

// MarkAccounted books a verified or reviewed record.
func (s *Service) MarkAccounted(ctx context.Context, eventID uuid.UUID, operator string) (*model.CanonicalRecord, error) {
	return s.mutate(ctx, eventID, func(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord) error {
		before := rec.Clone()
		if err := s.steps(rec, []model.Status{model.StatusAccounted}); err != nil {
			return err
		}
		rec.UpdatedAt = s.now().UTC()
		if err := tx.Records().Put(ctx, rec); err != nil {
			return fmt.Errorf("save record %s: %w", rec.EventID, err)
		}
		_, err := s.ledger.AppendTx(ctx, tx, model.ResourceTransaction, rec.EventID.String(),
			model.OpUpdateStatus, operatorOrSystem(operator), audit.Change{
				Before: before,
				After:  rec,
				Reason: "accounted",
			})
		return err
	})
}

// retag writes the changed tag fields and one audit entry per field. With
// a rule, a single apply_rule entry covers all of them.
func (s *Service) retag(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord, operator string, tags model.AccountingTags, reason string, rule *rules.Rule) error {
	type change struct {
		op    model.OperationType
		field *string
		value string
	}
	changes := []change{
		{model.OpUpdateCategory, &rec.Category, tags.Category},
		{model.OpUpdateProject, &rec.Project, tags.Project},
		{model.OpUpdateCostCenter, &rec.CostCenter, tags.CostCenter},
	}

	before := rec.Clone()
	var entries []model.OperationType
	var olds []string
	for _, c := range changes {
		if c.value == "" || c.value == *c.field {
			continue
		}
		olds = append(olds, *c.field)
		*c.field = c.value
		entries = append(entries, c.op)
	}
	if rule != nil {
		id := rule.RuleID
		rec.RuleIDApplied = &id
	}
	if len(entries) == 0 && rule == nil {
		return nil
	}
	rec.UpdatedAt = s.now().UTC()
	if err := tx.Records().Put(ctx, rec); err != nil {
		return fmt.Errorf("save record %s: %w", rec.EventID, err)
	}

	operator = operatorOrSystem(operator)
	if rule != nil {
		_, err := s.ledger.AppendTx(ctx, tx, model.ResourceTransaction, rec.EventID.String(),
			model.OpApplyRule, operator, audit.Change{
				Before:   before,
				After:    rec,
				Reason:   reason,
				Metadata: map[string]any{"rule_id": rule.RuleID.String(), "rule_name": rule.Name, "rule_version": rule.Version},
			})
		return err
	}
	for i, op := range entries {
		_, err := s.ledger.AppendTx(ctx, tx, model.ResourceTransaction, rec.EventID.String(),
			op, operator, audit.Change{
				Before: olds[i],
				After:  fieldValue(rec, op),
				Reason: reason,
			})
		if err != nil {
			return err
		}
	}
	return nil
}

func fieldValue(rec *model.CanonicalRecord, op model.OperationType) string {
	switch op {
	case model.OpUpdateCategory:
		return rec.Category
	case model.OpUpdateProject:
		return rec.Project
	case model.OpUpdateCostCenter:
		return rec.CostCenter
	}
	return ""
}

func operatorOrSystem(op string) string {
	if strings.TrimSpace(op) == "" {
		return audit.SystemOperator
	}
	return op
}
