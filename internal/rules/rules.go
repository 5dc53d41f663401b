// Package rules classifies canonical records into accounting buckets.
package rules

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field is a record attribute a condition can test.
type Field string

const (
	FieldDomain         Field = "domain"
	FieldPath           Field = "path"
	FieldDescription    Field = "description"
	FieldAmount         Field = "amount"
	FieldNetwork        Field = "network"
	FieldStatus         Field = "status"
	FieldAssetSymbol    Field = "asset_symbol"
	FieldMerchantDomain Field = "merchant_domain"
	FieldOrderID        Field = "order_id"
)

// Operator compares a field value against a condition value.
type Operator string

const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpMatches        Operator = "matches"
	OpNotMatches     Operator = "not_matches"
	OpGreaterThan    Operator = "greater_than"
	OpLessThan       Operator = "less_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessOrEqual    Operator = "less_or_equal"
)

var ErrInvalidRule = errors.New("invalid rule")

type Condition struct {
	Field    Field    `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value" yaml:"value"`
}

// Action holds the accounting tags a matching rule assigns. Empty fields
// leave the record unchanged.
type Action struct {
	Category   string `json:"category,omitempty" yaml:"category"`
	Project    string `json:"project,omitempty" yaml:"project"`
	CostCenter string `json:"cost_center,omitempty" yaml:"cost_center"`
}

// Rule matches when every condition holds. Higher Priority wins.
type Rule struct {
	RuleID     uuid.UUID   `json:"rule_id" yaml:"rule_id"`
	Name       string      `json:"name" yaml:"name"`
	Priority   int         `json:"priority" yaml:"priority"`
	Enabled    bool        `json:"enabled" yaml:"enabled"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
	Action     Action      `json:"action" yaml:"action"`
	Version    int         `json:"version" yaml:"version"`
	CreatedAt  time.Time   `json:"created_at" yaml:"created_at"`
}

func (f Field) valid() bool {
	switch f {
	case FieldDomain, FieldPath, FieldDescription, FieldAmount, FieldNetwork,
		FieldStatus, FieldAssetSymbol, FieldMerchantDomain, FieldOrderID:
		return true
	}
	return false
}

func (o Operator) valid() bool {
	switch o {
	case OpEquals, OpNotEquals, OpContains, OpNotContains, OpMatches, OpNotMatches,
		OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return true
	}
	return false
}

func (o Operator) numeric() bool {
	switch o {
	case OpGreaterThan, OpLessThan, OpGreaterOrEqual, OpLessOrEqual:
		return true
	}
	return false
}

// Validate checks the rule shape. Numeric operators require the amount field.
func (r Rule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if len(r.Conditions) == 0 {
		return fmt.Errorf("%w %q: no conditions", ErrInvalidRule, r.Name)
	}
	for i, c := range r.Conditions {
		if !c.Field.valid() {
			return fmt.Errorf("%w %q: condition %d: unknown field %q", ErrInvalidRule, r.Name, i, c.Field)
		}
		if !c.Operator.valid() {
			return fmt.Errorf("%w %q: condition %d: unknown operator %q", ErrInvalidRule, r.Name, i, c.Operator)
		}
		if c.Operator.numeric() != (c.Field == FieldAmount) && c.Operator != OpEquals && c.Operator != OpNotEquals {
			return fmt.Errorf("%w %q: condition %d: operator %s not supported on %s", ErrInvalidRule, r.Name, i, c.Operator, c.Field)
		}
	}
	if r.Action == (Action{}) {
		return fmt.Errorf("%w %q: empty action", ErrInvalidRule, r.Name)
	}
	return nil
}
