// Package lifecycle enforces the forward-only status machine of a
// CanonicalRecord.
package lifecycle

import (
	"errors"
	"fmt"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// ErrInvalidTransition is matched by every *InvalidTransitionError.
var ErrInvalidTransition = errors.New("lifecycle: invalid transition")

type InvalidTransitionError struct {
	From model.Status
	To   model.Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("lifecycle: transition %s -> %s not allowed", e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

var transitions = map[model.Status][]model.Status{
	model.StatusPending:         {model.StatusDetected},
	model.StatusDetected:        {model.StatusSettled, model.StatusVerifying},
	model.StatusSettled:         {model.StatusOnchainVerified, model.StatusNeedsReview},
	model.StatusVerifying:       {model.StatusOnchainVerified, model.StatusNeedsReview},
	model.StatusOnchainVerified: {model.StatusAccounted},
	model.StatusNeedsReview:     {model.StatusOnchainVerified, model.StatusAccounted},
	model.StatusAccounted:       nil,
}

// CanTransition reports whether from -> to is an edge. Staying in the same
// known state is always allowed.
func CanTransition(from, to model.Status) bool {
	next, known := transitions[from]
	if !known {
		return false
	}
	if from == to {
		return true
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

// Transition validates from -> to and returns the resulting status. It
// never coerces an illegal move into a legal one.
func Transition(from, to model.Status) (model.Status, error) {
	if !CanTransition(from, to) {
		return from, &InvalidTransitionError{From: from, To: to}
	}
	return to, nil
}

// Allowed lists the direct successors of from.
func Allowed(from model.Status) []model.Status {
	next := transitions[from]
	out := make([]model.Status, len(next))
	copy(out, next)
	return out
}

func IsTerminal(s model.Status) bool {
	next, known := transitions[s]
	return known && len(next) == 0
}

// Path returns the shortest sequence of states leading from `from` to `to`,
// excluding from itself. Path(s, s) is empty.
func Path(from, to model.Status) ([]model.Status, error) {
	if _, known := transitions[from]; !known {
		return nil, &InvalidTransitionError{From: from, To: to}
	}
	if from == to {
		return nil, nil
	}

	prev := map[model.Status]model.Status{from: from}
	queue := []model.Status{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range transitions[cur] {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == to {
				var path []model.Status
				for s := to; s != from; s = prev[s] {
					path = append([]model.Status{s}, path...)
				}
				return path, nil
			}
			queue = append(queue, next)
		}
	}
	return nil, &InvalidTransitionError{From: from, To: to}
}
