package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Defaults(t *testing.T) {
	b := New(Config{})
	assert.Equal(t, StateClosed, b.GetState())
	assert.Equal(t, 10, b.window)
	assert.InDelta(t, 0.8, b.tripRatio, 1e-9)
	assert.True(t, b.LastSuccessAt().IsZero())
}

func TestNew_InvalidRatioFallsBack(t *testing.T) {
	b := New(Config{Window: 4, TripRatio: 1.5})
	assert.Equal(t, 4, b.window)
	assert.InDelta(t, 0.8, b.tripRatio, 1e-9)
}

func TestBreaker_OpensAfterNineFailures(t *testing.T) {
	b := New(Config{})

	for i := 0; i < 8; i++ {
		b.RecordFailure()
	}
	require.NoError(t, b.Allow(), "rate 0.8 does not exceed the trip ratio")
	assert.InDelta(t, 0.8, b.FailureRate(), 1e-9)

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.GetState())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
	assert.InDelta(t, 0.9, b.FailureRate(), 1e-9)
}

func TestBreaker_RateCapsAtOne(t *testing.T) {
	b := New(Config{})
	for i := 0; i < 25; i++ {
		b.RecordFailure()
	}
	assert.InDelta(t, 1.0, b.FailureRate(), 1e-9)
}

func TestBreaker_SuccessClearsWindow(t *testing.T) {
	b := New(Config{})
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	b.nowFn = func() time.Time { return now }

	for i := 0; i < 7; i++ {
		b.RecordFailure()
	}
	b.RecordSuccess()
	assert.Zero(t, b.FailureRate())
	assert.Equal(t, now, b.LastSuccessAt())

	for i := 0; i < 8; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.GetState())
}

func TestBreaker_StaysOpenWithoutReset(t *testing.T) {
	b := New(Config{Window: 2, TripRatio: 0.5})
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateOpen, b.GetState())

	time.Sleep(2 * time.Millisecond)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)
}

func TestBreaker_ResetHalfOpenThenClosed(t *testing.T) {
	var transitions [][2]State
	b := New(Config{
		Window:    2,
		TripRatio: 0.5,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, [2]State{from, to})
		},
	})

	b.RecordFailure()
	b.RecordFailure()
	b.Reset()
	assert.Equal(t, StateHalfOpen, b.GetState())
	assert.Zero(t, b.FailureRate())
	require.NoError(t, b.Allow())

	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.GetState())

	assert.Equal(t, [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}, transitions)
}

func TestBreaker_ResetOnClosedIsNoTransition(t *testing.T) {
	calls := 0
	b := New(Config{OnStateChange: func(_, _ State) { calls++ }})
	b.RecordFailure()
	b.Reset()
	assert.Equal(t, StateClosed, b.GetState())
	assert.Zero(t, b.FailureRate())
	assert.Zero(t, calls)
}

func TestBreaker_ConcurrentAccess(t *testing.T) {
	b := New(Config{})
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			b.RecordFailure()
		}()
		go func() {
			defer wg.Done()
			_ = b.Allow()
			_ = b.FailureRate()
		}()
	}
	wg.Wait()
	assert.Equal(t, StateOpen, b.GetState())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
