package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/huangpi1030-tech/x402-account/internal/metrics"
	"golang.org/x/time/rate"
)

// Limiter throttles calls to one RPC endpoint with a token bucket.
type Limiter struct {
	limiter  *rate.Limiter
	endpoint string
}

// NewLimiter allows rps calls per second with the given burst. rps <= 0
// disables throttling.
func NewLimiter(rps float64, burst int, endpoint string) *Limiter {
	limit := rate.Limit(rps)
	if rps <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		limiter:  rate.NewLimiter(limit, burst),
		endpoint: endpoint,
	}
}

// Wait blocks until one token is available or ctx is done. A reservation
// that would outlive the context deadline is cancelled immediately.
func (l *Limiter) Wait(ctx context.Context) error {
	r := l.limiter.Reserve()
	if !r.OK() {
		return fmt.Errorf("rate: cannot reserve token")
	}
	delay := r.Delay()
	if delay <= 0 {
		return nil
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		r.Cancel()
		return fmt.Errorf("rate: wait %s exceeds deadline: %w", delay, context.DeadlineExceeded)
	}

	metrics.RPCRateLimitWaits.WithLabelValues(l.endpoint).Inc()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// RecordRPCCall counts one call under its status class.
func RecordRPCCall(endpoint, method string, err error) {
	metrics.RPCCallsTotal.WithLabelValues(endpoint, method, ClassifyRPCError(err)).Inc()
}

// ClassifyRPCError maps an error onto a low-cardinality status label.
func ClassifyRPCError(err error) string {
	if err == nil {
		return "ok"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "timeout") || strings.Contains(lower, "deadline exceeded"):
		return "timeout"
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "429") || strings.Contains(lower, "too many requests"):
		return "rate_limited"
	case strings.Contains(lower, "http status 5") || strings.Contains(lower, "internal server error"):
		return "server_error"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "connection reset") ||
		strings.Contains(lower, "no such host") || strings.Contains(lower, "broken pipe") || strings.Contains(lower, "eof"):
		return "network_error"
	case strings.Contains(lower, "jsonrpc"):
		return "rpc_error"
	default:
		return "client_error"
	}
}
