package rules

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// ConditionResult explains one condition evaluation.
type ConditionResult struct {
	Condition Condition `json:"condition"`
	Matched   bool      `json:"matched"`
	Reason    string    `json:"reason"`
}

// MatchResult explains one rule evaluation.
type MatchResult struct {
	RuleID     uuid.UUID         `json:"rule_id"`
	RuleName   string            `json:"rule_name"`
	Priority   int               `json:"priority"`
	Matched    bool              `json:"matched"`
	Reason     string            `json:"reason"`
	Conditions []ConditionResult `json:"conditions"`
}

// Engine holds the active rule set ordered by priority.
type Engine struct {
	mu       sync.RWMutex
	rules    []Rule
	patterns map[string]*regexp.Regexp
	logger   *slog.Logger
}

func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		patterns: make(map[string]*regexp.Regexp),
		logger:   logger.With("component", "rules"),
	}
}

// Prepare validates rules, assigns name-derived ids to rules without one
// and returns them in evaluation order. The active set is not touched.
func Prepare(rules []Rule) ([]Rule, error) {
	sorted := make([]Rule, 0, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if r.RuleID == uuid.Nil {
			r.RuleID = uuid.NewSHA1(uuid.NameSpaceOID, []byte("x402-rule:"+r.Name))
		}
		sorted = append(sorted, r)
	}
	sortByPriority(sorted)
	return sorted, nil
}

// Load validates and replaces the whole rule set.
func (e *Engine) Load(rules []Rule) error {
	sorted, err := Prepare(rules)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.rules = sorted
	e.mu.Unlock()
	e.logger.Info("rules loaded", "count", len(sorted))
	return nil
}

// Rules returns a copy of the active set in evaluation order.
func (e *Engine) Rules() []Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Rule(nil), e.rules...)
}

// Match returns the highest-priority enabled rule matching rec.
func (e *Engine) Match(rec *model.CanonicalRecord) (Rule, MatchResult, bool) {
	for _, r := range e.Rules() {
		res := e.evaluate(r, rec)
		if res.Matched {
			return r, res, true
		}
	}
	return Rule{}, MatchResult{}, false
}

// Explain evaluates every rule against rec in priority order.
func (e *Engine) Explain(rec *model.CanonicalRecord) []MatchResult {
	rules := e.Rules()
	out := make([]MatchResult, 0, len(rules))
	for _, r := range rules {
		out = append(out, e.evaluate(r, rec))
	}
	return out
}

// Conflicts returns the ids of all matching rules when more than one
// matches. The first id is the one Match picks.
func (e *Engine) Conflicts(rec *model.CanonicalRecord) []uuid.UUID {
	var ids []uuid.UUID
	for _, res := range e.Explain(rec) {
		if res.Matched {
			ids = append(ids, res.RuleID)
		}
	}
	if len(ids) < 2 {
		return nil
	}
	return ids
}

// Apply returns the accounting tags rec would have after rule r.
func Apply(tags model.AccountingTags, r Rule) model.AccountingTags {
	if r.Action.Category != "" {
		tags.Category = r.Action.Category
	}
	if r.Action.Project != "" {
		tags.Project = r.Action.Project
	}
	if r.Action.CostCenter != "" {
		tags.CostCenter = r.Action.CostCenter
	}
	id := r.RuleID
	tags.RuleIDApplied = &id
	return tags
}

func (e *Engine) evaluate(r Rule, rec *model.CanonicalRecord) MatchResult {
	res := MatchResult{RuleID: r.RuleID, RuleName: r.Name, Priority: r.Priority}
	if !r.Enabled {
		res.Reason = "rule disabled"
		return res
	}
	res.Matched = true
	var failed, passed []string
	for _, c := range r.Conditions {
		cr := e.evalCondition(c, rec)
		res.Conditions = append(res.Conditions, cr)
		if cr.Matched {
			passed = append(passed, cr.Reason)
		} else {
			res.Matched = false
			failed = append(failed, cr.Reason)
		}
	}
	if res.Matched {
		res.Reason = "all conditions matched: " + strings.Join(passed, "; ")
	} else {
		res.Reason = "conditions not matched: " + strings.Join(failed, "; ")
	}
	return res
}

func (e *Engine) evalCondition(c Condition, rec *model.CanonicalRecord) ConditionResult {
	cr := ConditionResult{Condition: c}
	if c.Field == FieldAmount {
		cr.Matched, cr.Reason = compareAmount(c, rec.AmountDecimal)
		return cr
	}
	value, ok := fieldValue(c.Field, rec)
	if !ok {
		cr.Reason = fmt.Sprintf("unknown field %s", c.Field)
		return cr
	}

	switch c.Operator {
	case OpEquals:
		cr.Matched = value == c.Value
		cr.Reason = describe(cr.Matched, "%s equals %q", "%s (%q) does not equal %q", c.Field, value, c.Value)
	case OpNotEquals:
		cr.Matched = value != c.Value
		cr.Reason = describe(cr.Matched, "%s does not equal %q", "%s (%q) equals %q", c.Field, value, c.Value)
	case OpContains:
		cr.Matched = strings.Contains(strings.ToLower(value), strings.ToLower(c.Value))
		cr.Reason = describe(cr.Matched, "%s contains %q", "%s (%q) does not contain %q", c.Field, value, c.Value)
	case OpNotContains:
		cr.Matched = !strings.Contains(strings.ToLower(value), strings.ToLower(c.Value))
		cr.Reason = describe(cr.Matched, "%s does not contain %q", "%s (%q) contains %q", c.Field, value, c.Value)
	case OpMatches:
		cr.Matched = e.wildcard(c.Value).MatchString(value)
		cr.Reason = describe(cr.Matched, "%s matches %q", "%s (%q) does not match %q", c.Field, value, c.Value)
	case OpNotMatches:
		cr.Matched = !e.wildcard(c.Value).MatchString(value)
		cr.Reason = describe(cr.Matched, "%s does not match %q", "%s (%q) matches %q", c.Field, value, c.Value)
	default:
		cr.Reason = fmt.Sprintf("operator %s not supported on %s", c.Operator, c.Field)
	}
	return cr
}

func compareAmount(c Condition, raw string) (bool, string) {
	amount, err := decimal.NewFromString(raw)
	if err != nil {
		return false, fmt.Sprintf("amount %q is not a number", raw)
	}
	want, err := decimal.NewFromString(strings.TrimSpace(c.Value))
	if err != nil {
		return false, fmt.Sprintf("condition value %q is not a number", c.Value)
	}
	var matched bool
	var sym string
	switch c.Operator {
	case OpEquals:
		matched, sym = amount.Equal(want), "=="
	case OpNotEquals:
		matched, sym = !amount.Equal(want), "!="
	case OpGreaterThan:
		matched, sym = amount.GreaterThan(want), ">"
	case OpLessThan:
		matched, sym = amount.LessThan(want), "<"
	case OpGreaterOrEqual:
		matched, sym = amount.GreaterThanOrEqual(want), ">="
	case OpLessOrEqual:
		matched, sym = amount.LessThanOrEqual(want), "<="
	default:
		return false, fmt.Sprintf("operator %s not supported on amount", c.Operator)
	}
	if matched {
		return true, fmt.Sprintf("amount (%s) %s %s", amount, sym, want)
	}
	return false, fmt.Sprintf("amount (%s) not %s %s", amount, sym, want)
}

func fieldValue(f Field, rec *model.CanonicalRecord) (string, bool) {
	switch f {
	case FieldDomain, FieldMerchantDomain:
		return rec.MerchantDomain, true
	case FieldPath:
		path, _, _ := strings.Cut(rec.RequestURL, "?")
		return path, true
	case FieldDescription:
		return rec.Description, true
	case FieldNetwork:
		return rec.Network.String(), true
	case FieldStatus:
		return rec.Status.String(), true
	case FieldAssetSymbol:
		return rec.AssetSymbol, true
	case FieldOrderID:
		return rec.OrderID, true
	}
	return "", false
}

// wildcard compiles a glob ("*.heurist.ai", "api-?") into an anchored,
// case-insensitive regexp. Compiled patterns are memoized.
func (e *Engine) wildcard(glob string) *regexp.Regexp {
	e.mu.RLock()
	re, ok := e.patterns[glob]
	e.mu.RUnlock()
	if ok {
		return re
	}
	var b strings.Builder
	b.WriteString("(?i)^")
	for _, r := range glob {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	re = regexp.MustCompile(b.String())

	e.mu.Lock()
	e.patterns[glob] = re
	e.mu.Unlock()
	return re
}

func describe(matched bool, ok, notOK string, field Field, value, want string) string {
	if matched {
		return fmt.Sprintf(ok, field, want)
	}
	return fmt.Sprintf(notOK, field, value, want)
}

func sortByPriority(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].CreatedAt.Before(rules[j].CreatedAt)
	})
}
