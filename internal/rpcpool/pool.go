// Package rpcpool load-balances chain RPC calls over redundant endpoints
// and disables endpoints whose recent failure rate is too high.
package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/huangpi1030-tech/x402-account/internal/chain"
	"github.com/huangpi1030-tech/x402-account/internal/chain/ratelimit"
	"github.com/huangpi1030-tech/x402-account/internal/circuitbreaker"
	"github.com/huangpi1030-tech/x402-account/internal/metrics"
	"github.com/huangpi1030-tech/x402-account/internal/retry"
)

// ErrRPCExhausted is matched when no endpoint could serve a call.
var ErrRPCExhausted = errors.New("rpcpool: all endpoints exhausted")

// ErrUnknownEndpoint is returned by Reset for a URL not in the pool.
var ErrUnknownEndpoint = errors.New("rpcpool: unknown endpoint")

// ErrThrottled is returned for a call that never left the process because
// the endpoint's own rate limit could not grant a token in time. It does
// not count against the endpoint.
var ErrThrottled = errors.New("rpcpool: local rate limit")

type Strategy string

const (
	StrategyRoundRobin Strategy = "round_robin"
	StrategyPriority   Strategy = "priority"
	StrategyRandom     Strategy = "random"
)

func (s Strategy) Valid() bool {
	return s == StrategyRoundRobin || s == StrategyPriority || s == StrategyRandom
}

type EndpointConfig struct {
	Name     string  `yaml:"name" json:"name"`
	URL      string  `yaml:"url" json:"url"`
	Priority int     `yaml:"priority" json:"priority"`
	RPS      float64 `yaml:"rps" json:"rps"`
	Burst    int     `yaml:"burst" json:"burst"`
}

type Config struct {
	Endpoints  []EndpointConfig
	Strategy   Strategy
	RetryCount int
	Timeout    time.Duration
}

// Endpoint is a point-in-time view of one pool member.
type Endpoint struct {
	Name          string    `json:"name"`
	URL           string    `json:"url"`
	Priority      int       `json:"priority"`
	Enabled       bool      `json:"enabled"`
	FailureRate   float64   `json:"failure_rate"`
	LastSuccessAt time.Time `json:"last_success_at,omitempty"`
}

// StateListener observes breaker transitions, e.g. to raise alerts.
type StateListener func(ep Endpoint, from, to circuitbreaker.State)

type Option func(*Pool)

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l.With("component", "rpcpool") }
}

func WithStateListener(fn StateListener) Option {
	return func(p *Pool) { p.listener = fn }
}

// WithRandom replaces the source used by the random strategy.
func WithRandom(intN func(n int) int) Option {
	return func(p *Pool) { p.intN = intN }
}

type member struct {
	cfg     EndpointConfig
	breaker *circuitbreaker.Breaker
	limiter *ratelimit.Limiter

	evMu    sync.Mutex
	pending []transition
}

type transition struct{ from, to circuitbreaker.State }

func (m *member) snapshot() Endpoint {
	return Endpoint{
		Name:          m.cfg.Name,
		URL:           m.cfg.URL,
		Priority:      m.cfg.Priority,
		Enabled:       m.breaker.GetState() != circuitbreaker.StateOpen,
		FailureRate:   m.breaker.FailureRate(),
		LastSuccessAt: m.breaker.LastSuccessAt(),
	}
}

type Pool struct {
	mu         sync.Mutex
	members    []*member
	byURL      map[string]*member
	strategy   Strategy
	retryCount int
	timeout    time.Duration
	cursor     int

	intN     func(n int) int
	listener StateListener
	logger   *slog.Logger
}

func New(cfg Config, opts ...Option) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, errors.New("rpcpool: at least one endpoint is required")
	}
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyPriority
	}
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("rpcpool: unknown strategy %q", cfg.Strategy)
	}
	if cfg.RetryCount < 0 {
		cfg.RetryCount = 0
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	p := &Pool{
		byURL:      make(map[string]*member),
		strategy:   cfg.Strategy,
		retryCount: cfg.RetryCount,
		timeout:    cfg.Timeout,
		intN:       rand.IntN,
		logger:     slog.Default().With("component", "rpcpool"),
	}
	for _, o := range opts {
		o(p)
	}
	if err := p.Update(cfg.Endpoints); err != nil {
		return nil, err
	}
	return p, nil
}

// Update replaces the endpoint set. Endpoints whose URL is already known
// keep their failure history.
func (p *Pool) Update(endpoints []EndpointConfig) error {
	if len(endpoints) == 0 {
		return errors.New("rpcpool: at least one endpoint is required")
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make([]*member, 0, len(endpoints))
	byURL := make(map[string]*member, len(endpoints))
	for _, ec := range endpoints {
		if ec.URL == "" {
			return errors.New("rpcpool: endpoint url is required")
		}
		if _, dup := byURL[ec.URL]; dup {
			return fmt.Errorf("rpcpool: duplicate endpoint %s", ec.URL)
		}
		if ec.Name == "" {
			ec.Name = ec.URL
		}
		m, ok := p.byURL[ec.URL]
		if ok {
			m.cfg = ec
		} else {
			m = p.newMember(ec)
		}
		next = append(next, m)
		byURL[ec.URL] = m
	}
	p.members = next
	p.byURL = byURL
	p.cursor = 0
	for _, m := range next {
		publish(m)
	}
	return nil
}

func (p *Pool) newMember(ec EndpointConfig) *member {
	m := &member{cfg: ec, limiter: ratelimit.NewLimiter(ec.RPS, ec.Burst, ec.Name)}
	m.breaker = circuitbreaker.New(circuitbreaker.Config{
		// Runs under the breaker lock: only queue the event here.
		OnStateChange: func(from, to circuitbreaker.State) {
			m.evMu.Lock()
			m.pending = append(m.pending, transition{from: from, to: to})
			m.evMu.Unlock()
		},
	})
	return m
}

// settle publishes gauges and delivers queued breaker transitions outside
// any lock, so listeners may call back into the pool.
func (p *Pool) settle(m *member) {
	publish(m)
	m.evMu.Lock()
	events := m.pending
	m.pending = nil
	m.evMu.Unlock()
	for _, ev := range events {
		p.onStateChange(m, ev.from, ev.to)
	}
}

func (p *Pool) onStateChange(m *member, from, to circuitbreaker.State) {
	ep := m.snapshot()
	switch to {
	case circuitbreaker.StateOpen:
		metrics.RPCBreakerTripsTotal.WithLabelValues(m.cfg.Name).Inc()
		p.logger.Warn("rpc endpoint disabled", "endpoint", m.cfg.Name, "url", m.cfg.URL)
	case circuitbreaker.StateHalfOpen:
		p.logger.Info("rpc endpoint re-enabled", "endpoint", m.cfg.Name)
	}
	if p.listener != nil {
		p.listener(ep, from, to)
	}
}

// Next selects an enabled endpoint according to the pool strategy. It
// returns false when every endpoint is disabled.
func (p *Pool) Next() (Endpoint, bool) {
	m := p.pick(nil)
	if m == nil {
		return Endpoint{}, false
	}
	return m.snapshot(), true
}

func (p *Pool) pick(exclude map[string]bool) *member {
	p.mu.Lock()
	defer p.mu.Unlock()

	ranked := p.rankedLocked(exclude)
	if len(ranked) == 0 {
		return nil
	}
	switch p.strategy {
	case StrategyRoundRobin:
		m := ranked[p.cursor%len(ranked)]
		p.cursor = (p.cursor + 1) % len(ranked)
		return m
	case StrategyRandom:
		return ranked[p.intN(len(ranked))]
	default:
		return ranked[0]
	}
}

type rankedMember struct {
	m    *member
	rate float64
}

// rankedLocked orders enabled members by ascending failure rate, then
// descending priority, then name.
func (p *Pool) rankedLocked(exclude map[string]bool) []*member {
	candidates := make([]rankedMember, 0, len(p.members))
	for _, m := range p.members {
		if exclude[m.cfg.URL] || m.breaker.GetState() == circuitbreaker.StateOpen {
			continue
		}
		candidates = append(candidates, rankedMember{m: m, rate: m.breaker.FailureRate()})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.rate != b.rate {
			return a.rate < b.rate
		}
		if a.m.cfg.Priority != b.m.cfg.Priority {
			return a.m.cfg.Priority > b.m.cfg.Priority
		}
		return a.m.cfg.Name < b.m.cfg.Name
	})
	out := make([]*member, len(candidates))
	for i, c := range candidates {
		out[i] = c.m
	}
	return out
}

func (p *Pool) lookup(url string) *member {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.byURL[url]
}

func (p *Pool) RecordSuccess(url string) {
	if m := p.lookup(url); m != nil {
		m.breaker.RecordSuccess()
		p.settle(m)
	}
}

func (p *Pool) RecordFailure(url string) {
	if m := p.lookup(url); m != nil {
		m.breaker.RecordFailure()
		p.settle(m)
	}
}

// Reset re-enables an endpoint and clears its failure history.
func (p *Pool) Reset(url string) error {
	m := p.lookup(url)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, url)
	}
	m.breaker.Reset()
	p.settle(m)
	return nil
}

func (p *Pool) ResetAll() {
	for _, ep := range p.Endpoints() {
		_ = p.Reset(ep.URL)
	}
}

// Endpoints returns a snapshot in configuration order.
func (p *Pool) Endpoints() []Endpoint {
	p.mu.Lock()
	members := make([]*member, len(p.members))
	copy(members, p.members)
	p.mu.Unlock()

	out := make([]Endpoint, len(members))
	for i, m := range members {
		out[i] = m.snapshot()
	}
	return out
}

// Disabled lists endpoints currently excluded from selection.
func (p *Pool) Disabled() []Endpoint {
	var out []Endpoint
	for _, ep := range p.Endpoints() {
		if !ep.Enabled {
			out = append(out, ep)
		}
	}
	return out
}

// ExhaustedError carries the last underlying failure of an exhausted call.
type ExhaustedError struct {
	Method   string
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("rpcpool: %s: no enabled endpoint", e.Method)
	}
	return fmt.Sprintf("rpcpool: %s failed after %d attempts: %v", e.Method, e.Attempts, e.Last)
}

func (e *ExhaustedError) Is(target error) bool { return target == ErrRPCExhausted }

func (e *ExhaustedError) Unwrap() error { return e.Last }

// Do runs fn against up to RetryCount+1 distinct endpoints, each call
// bounded by the pool timeout. Transient errors and timeouts count as
// endpoint failures and trigger failover; local throttling fails over
// without a failure. Terminal errors such as chain.ErrNotFound are
// returned as-is.
func (p *Pool) Do(ctx context.Context, method string, fn func(ctx context.Context, ep Endpoint) error) error {
	tried := make(map[string]bool)
	var lastErr error
	attempts := 0

	for attempts <= p.retryCount {
		if err := ctx.Err(); err != nil {
			return err
		}
		m := p.pick(tried)
		if m == nil && len(tried) > 0 {
			// every enabled endpoint has been tried once; allow reuse
			m = p.pick(nil)
		}
		if m == nil {
			break
		}
		tried[m.cfg.URL] = true
		attempts++

		err := p.call(ctx, m, method, fn)
		if err == nil {
			p.RecordSuccess(m.cfg.URL)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrThrottled) {
			lastErr = err
			p.logger.Debug("rpc endpoint throttled locally, failing over",
				"method", method, "endpoint", m.cfg.Name, "attempt", attempts)
			continue
		}
		if errors.Is(err, chain.ErrNotFound) || !retry.Classify(err).IsTransient() {
			return err
		}

		lastErr = err
		p.RecordFailure(m.cfg.URL)
		p.logger.Debug("rpc call failed, failing over",
			"method", method, "endpoint", m.cfg.Name, "attempt", attempts, "error", err)
	}

	metrics.RPCExhaustedTotal.Inc()
	return &ExhaustedError{Method: method, Attempts: attempts, Last: lastErr}
}

func (p *Pool) call(ctx context.Context, m *member, method string, fn func(ctx context.Context, ep Endpoint) error) error {
	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if err := m.limiter.Wait(callCtx); err != nil {
		return fmt.Errorf("%s: %w: %w", m.cfg.Name, ErrThrottled, err)
	}
	err := fn(callCtx, m.snapshot())
	if err != nil && callCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = fmt.Errorf("%s: %w", m.cfg.Name, context.DeadlineExceeded)
	}
	ratelimit.RecordRPCCall(m.cfg.Name, method, err)
	return err
}

func publish(m *member) {
	metrics.RPCEndpointFailureRate.WithLabelValues(m.cfg.Name).Set(m.breaker.FailureRate())
	metrics.RPCEndpointEnabled.WithLabelValues(m.cfg.Name).Set(boolGauge(m.breaker.GetState() != circuitbreaker.StateOpen))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
