package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Allow while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State represents the circuit breaker state.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateOpen                  // Endpoint disabled, rejecting calls
	StateHalfOpen              // Re-enabled by Reset, awaiting first outcome
)

// Breaker tracks the failure rate of a single RPC endpoint over a trailing
// window of outcomes. It opens once the rate exceeds the trip ratio and
// stays open until Reset; there is no time-based recovery, a prober is
// expected to call Reset after a successful health check.
type Breaker struct {
	mu            sync.Mutex
	state         State
	failures      int
	window        int
	tripRatio     float64
	lastSuccessAt time.Time
	nowFn         func() time.Time
	onStateChange func(from, to State)
}

// Config configures a circuit breaker.
type Config struct {
	Window        int     // outcomes considered (default: 10)
	TripRatio     float64 // open when failure rate exceeds this (default: 0.8)
	OnStateChange func(from, to State)
}

func New(cfg Config) *Breaker {
	if cfg.Window <= 0 {
		cfg.Window = 10
	}
	if cfg.TripRatio <= 0 || cfg.TripRatio > 1 {
		cfg.TripRatio = 0.8
	}
	return &Breaker{
		state:         StateClosed,
		window:        cfg.Window,
		tripRatio:     cfg.TripRatio,
		nowFn:         time.Now,
		onStateChange: cfg.OnStateChange,
	}
}

// Allow returns ErrCircuitOpen while the endpoint is disabled.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess clears the failure window.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.lastSuccessAt = b.nowFn()
	if b.state == StateHalfOpen {
		b.setState(StateClosed)
	}
}

// RecordFailure adds a failure to the window and opens the breaker when the
// resulting rate exceeds the trip ratio.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failures < b.window {
		b.failures++
	}
	if b.rate() > b.tripRatio && b.state != StateOpen {
		b.setState(StateOpen)
	}
}

// Reset re-enables the endpoint with an empty window.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	if b.state == StateOpen {
		b.setState(StateHalfOpen)
	}
}

// GetState returns the current state.
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureRate is failures/window, capped at 1.
func (b *Breaker) FailureRate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate()
}

// LastSuccessAt is the zero time until the first success.
func (b *Breaker) LastSuccessAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastSuccessAt
}

func (b *Breaker) rate() float64 {
	r := float64(b.failures) / float64(b.window)
	if r > 1 {
		return 1
	}
	return r
}

func (b *Breaker) setState(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onStateChange != nil {
		b.onStateChange(from, to)
	}
}

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
