package reconciliation

import (
	"context"
	"fmt"
	"reflect"

	"github.com/huangpi1030-tech/x402-account/internal/audit"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/rules"
	"github.com/huangpi1030-tech/x402-account/internal/store"
)

// ReloadRules replaces the active rule set with the contents of path. One
// create_rule, update_rule or delete_rule entry is written per changed
// rule, and the new set is installed only after those entries commit.
func (s *Service) ReloadRules(ctx context.Context, path, operator string) ([]rules.Change, error) {
	if s.rules == nil {
		return nil, fmt.Errorf("%w: rules", ErrNotConfigured)
	}
	parsed, err := rules.ReadFile(path)
	if err != nil {
		return nil, err
	}
	next, err := rules.Prepare(parsed)
	if err != nil {
		return nil, err
	}

	s.reloadMu.Lock()
	defer s.reloadMu.Unlock()

	changes := rules.Diff(s.rules.Rules(), next)
	if len(changes) == 0 {
		s.logger.Debug("rules unchanged", "file", path)
		return nil, nil
	}
	operator = operatorOrSystem(operator)
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		for _, c := range changes {
			_, err := s.ledger.AppendTx(ctx, tx, model.ResourceRule, c.RuleID.String(), c.Op, operator, audit.Change{
				Before:   ruleSnapshot(c.Before),
				After:    ruleSnapshot(c.After),
				Reason:   "rules reloaded",
				Metadata: map[string]any{"file": path, "rule_name": c.Name},
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit rule reload: %w", err)
	}
	if err := s.rules.Load(next); err != nil {
		return nil, err
	}
	s.logger.Info("rules reloaded", "file", path, "changes", len(changes))
	return changes, nil
}

// ruleSnapshot keeps a nil *Rule out of the ledger as a typed nil.
func ruleSnapshot(r *rules.Rule) any {
	if r == nil {
		return nil
	}
	return r
}

// RecordConfigChange appends an update_config entry when before and after
// differ. Callers pass redacted views, never raw secrets.
func (s *Service) RecordConfigChange(ctx context.Context, resourceID string, before, after any, operator, reason string) (bool, error) {
	if reflect.DeepEqual(before, after) {
		return false, nil
	}
	_, err := s.ledger.Append(ctx, model.ResourceConfig, resourceID, model.OpUpdateConfig, operatorOrSystem(operator), audit.Change{
		Before: before,
		After:  after,
		Reason: reason,
	})
	if err != nil {
		return false, fmt.Errorf("audit config change: %w", err)
	}
	return true, nil
}
