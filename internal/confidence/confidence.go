// Package confidence scores how strongly a record is backed by evidence.
package confidence

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	DefaultReviewThreshold   = 60
	DefaultTimeDecayGrace    = 5 * time.Minute
	DefaultMultiMatchPenalty = 15

	// Points per minute beyond the grace period, capped at maxTimeDecay.
	timeDecayPerMinute = 2.0
	maxTimeDecay       = 50.0

	criticalFieldPenalty = 20
	fieldPenalty         = 5
)

// CriticalFields cost criticalFieldPenalty each when missing.
var CriticalFields = []string{"payer_wallet", "amount", "tx_hash"}

// Config tunes a Scorer. A nil ReviewThreshold means the default; an
// explicit 0 disables the threshold check.
type Config struct {
	ReviewThreshold   *int
	TimeDecayGrace    time.Duration
	MultiMatchPenalty int
}

type settings struct {
	threshold         int
	timeDecayGrace    time.Duration
	multiMatchPenalty int
}

func (c Config) withDefaults() settings {
	out := settings{
		threshold:         DefaultReviewThreshold,
		timeDecayGrace:    c.TimeDecayGrace,
		multiMatchPenalty: c.MultiMatchPenalty,
	}
	if c.ReviewThreshold != nil {
		out.threshold = min(max(*c.ReviewThreshold, 0), 100)
	}
	if out.timeDecayGrace <= 0 {
		out.timeDecayGrace = DefaultTimeDecayGrace
	}
	if out.multiMatchPenalty <= 0 {
		out.multiMatchPenalty = DefaultMultiMatchPenalty
	}
	return out
}

// Signals are the inputs that lower a base confidence.
type Signals struct {
	HTTPTime      *time.Time
	BlockTime     *time.Time
	MatchCount    int
	MissingFields []string
}

// Score is the outcome of one scoring pass. Reason is non-empty whenever
// NeedsReview is true.
type Score struct {
	Confidence  int
	NeedsReview bool
	Reason      string
}

type Scorer struct {
	cfg settings
}

func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg.withDefaults()}
}

func (s *Scorer) Threshold() int { return s.cfg.threshold }

// Score applies time decay, multi-match and missing-field penalties in that
// order.
func (s *Scorer) Score(base int, sig Signals) Score {
	conf := clamp(base)
	var reasons []string

	if sig.HTTPTime != nil && sig.BlockTime != nil {
		decayed := ApplyTimeDecay(conf, *sig.HTTPTime, *sig.BlockTime, s.cfg.timeDecayGrace)
		if decayed < conf {
			delta := sig.HTTPTime.Sub(*sig.BlockTime)
			if delta < 0 {
				delta = -delta
			}
			reasons = append(reasons, fmt.Sprintf("time gap between request and block too large (%s)", delta.Round(time.Second)))
		}
		conf = decayed
	}

	if sig.MatchCount > 1 {
		conf = ApplyMultipleMatchPenalty(conf, sig.MatchCount, s.cfg.multiMatchPenalty)
		reasons = append(reasons, fmt.Sprintf("multiple matching transfers (%d)", sig.MatchCount))
	}

	if len(sig.MissingFields) > 0 {
		var reason string
		conf, reason = ApplyMissingFieldPenalty(conf, sig.MissingFields)
		if reason != "" {
			reasons = append(reasons, reason)
		}
	}

	out := Score{Confidence: conf, NeedsReview: NeedsReview(conf, s.cfg.threshold)}
	if out.NeedsReview && len(reasons) == 0 {
		reasons = append(reasons, fmt.Sprintf("confidence %d below threshold %d", conf, s.cfg.threshold))
	}
	out.Reason = strings.Join(reasons, "; ")
	return out
}

// ApplyTimeDecay lowers conf by timeDecayPerMinute for every minute the
// request and block times differ beyond grace, at most maxTimeDecay points.
func ApplyTimeDecay(conf int, httpTime, blockTime time.Time, grace time.Duration) int {
	delta := httpTime.Sub(blockTime)
	if delta < 0 {
		delta = -delta
	}
	if delta <= grace {
		return clamp(conf)
	}
	penalty := math.Min((delta.Minutes()-grace.Minutes())*timeDecayPerMinute, maxTimeDecay)
	return clampFloat(float64(conf) - penalty)
}

// ApplyMultipleMatchPenalty charges perMatch for every match after the first.
func ApplyMultipleMatchPenalty(conf, matchCount, perMatch int) int {
	if matchCount <= 1 {
		return clamp(conf)
	}
	return clamp(conf - (matchCount-1)*perMatch)
}

// ApplyMissingFieldPenalty charges each missing critical field; only when
// none is critical are the remaining fields charged at the lower rate.
func ApplyMissingFieldPenalty(conf int, missing []string) (int, string) {
	if len(missing) == 0 {
		return clamp(conf), ""
	}
	var critical []string
	for _, f := range missing {
		if isCritical(f) {
			critical = append(critical, f)
		}
	}
	if len(critical) > 0 {
		return clamp(conf - len(critical)*criticalFieldPenalty),
			"missing critical fields: " + strings.Join(critical, ", ")
	}
	return clamp(conf - len(missing)*fieldPenalty),
		"missing fields: " + strings.Join(missing, ", ")
}

func NeedsReview(conf, threshold int) bool {
	return conf < threshold
}

func isCritical(field string) bool {
	for _, c := range CriticalFields {
		if c == field {
			return true
		}
	}
	return false
}

func clamp(v int) int {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

func clampFloat(v float64) int {
	return clamp(int(math.Round(v)))
}
