package rules

import (
	"reflect"
	"sort"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// Change is one difference between two rule sets. Before is nil for a
// created rule and After is nil for a deleted one.
type Change struct {
	Op     model.OperationType
	RuleID uuid.UUID
	Name   string
	Before *Rule
	After  *Rule
}

// Diff compares two prepared rule sets by RuleID. Changes are returned
// deletions first, then creations and updates in next's order.
func Diff(old, next []Rule) []Change {
	prev := make(map[uuid.UUID]Rule, len(old))
	for _, r := range old {
		prev[r.RuleID] = r
	}
	seen := make(map[uuid.UUID]bool, len(next))
	var created []Change
	for i := range next {
		r := next[i]
		seen[r.RuleID] = true
		before, ok := prev[r.RuleID]
		switch {
		case !ok:
			created = append(created, Change{Op: model.OpCreateRule, RuleID: r.RuleID, Name: r.Name, After: &r})
		case !reflect.DeepEqual(before, r):
			created = append(created, Change{Op: model.OpUpdateRule, RuleID: r.RuleID, Name: r.Name, Before: &before, After: &r})
		}
	}

	var deleted []Change
	for i := range old {
		r := old[i]
		if !seen[r.RuleID] {
			deleted = append(deleted, Change{Op: model.OpDeleteRule, RuleID: r.RuleID, Name: r.Name, Before: &r})
		}
	}
	sort.SliceStable(deleted, func(i, j int) bool { return deleted[i].Name < deleted[j].Name })
	return append(deleted, created...)
}
