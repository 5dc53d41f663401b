package verifier

import (
	"time"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

type Mode string

const (
	ModeDirect Mode = "direct" // tx hash claimed by the evidence
	ModeBlind  Mode = "blind"  // attribution by payee, amount and time
)

// Kind classifies an unsuccessful verification. Mismatch and not-found are
// outcomes with a low confidence, not failures of the verifier.
type Kind string

const (
	KindMismatch      Kind = "mismatch"
	KindNotFound      Kind = "not_found"
	KindMissingFields Kind = "missing_fields"
	KindRPCExhausted  Kind = "rpc_exhausted"
	KindRPCError      Kind = "rpc_error"
	KindInternal      Kind = "internal"
)

type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Result is the transient outcome of verifying one record. It is never
// persisted; its effects are applied to the record by the caller.
type Result struct {
	Mode            Mode            `json:"mode"`
	Verified        bool            `json:"verified"`
	Confidence      int             `json:"confidence"`
	BlockNumber     *int64          `json:"block_number,omitempty"`
	BlockTime       *time.Time      `json:"block_time,omitempty"`
	MatchedTransfer *model.Transfer `json:"matched_transfer,omitempty"`
	MatchCount      int             `json:"match_count"`
	Err             *Error          `json:"error,omitempty"`
}

// Failed builds an unverified result.
func Failed(mode Mode, confidence int, kind Kind, msg string) Result {
	return Result{Mode: mode, Confidence: confidence, Err: &Error{Kind: kind, Message: msg}}
}

func (r Result) Kind() Kind {
	if r.Err == nil {
		return ""
	}
	return r.Err.Kind
}

// Outcome is a low-cardinality label for metrics.
func (r Result) Outcome() string {
	if r.Verified {
		return "verified"
	}
	if r.Err != nil {
		return string(r.Err.Kind)
	}
	return "unverified"
}
