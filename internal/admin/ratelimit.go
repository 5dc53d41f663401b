package admin

import (
	"encoding/json"
	"log/slog"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/huangpi1030-tech/x402-account/internal/metrics"
)

const (
	staleLimiterTTL = 10 * time.Minute
	cleanupInterval = time.Minute
)

// route is one throttled class of admin request. A request matches when
// method, prefix and suffix all match; empty fields match anything.
type route struct {
	name   string
	method string
	prefix string
	suffix string
	rps    rate.Limit
	burst  int
}

func (rt route) matches(method, path string) bool {
	return (rt.method == "" || rt.method == method) &&
		strings.HasPrefix(path, rt.prefix) &&
		strings.HasSuffix(path, rt.suffix)
}

func perMinute(n float64) rate.Limit { return rate.Limit(n / 60) }

// defaultRoutes throttles gap sweeps hardest and leaves evidence ingestion
// room for capture agents posting every stage. The last route is the
// catch-all.
func defaultRoutes() []route {
	return []route{
		{name: "gap_analysis", method: http.MethodPost, prefix: "/admin/v1/gap-analysis", rps: perMinute(1), burst: 2},
		{name: "rpc_reset", method: http.MethodPost, prefix: "/admin/v1/rpc/endpoints/reset", rps: perMinute(10), burst: 3},
		{name: "review", method: http.MethodPost, prefix: "/admin/v1/records/", suffix: "/review", rps: perMinute(30), burst: 10},
		{name: "accounting", method: http.MethodPost, prefix: "/admin/v1/records/", suffix: "/accounting", rps: perMinute(30), burst: 10},
		{name: "evidence", method: http.MethodPost, prefix: "/admin/v1/evidence", rps: 50, burst: 100},
		{name: "default", rps: 1, burst: 5},
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimitMiddleware throttles the admin API per route and per client.
// A client is the authenticated operator when one is given, otherwise the
// remote IP, so operators behind one proxy get separate budgets.
type RateLimitMiddleware struct {
	routes  []route
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewRateLimitMiddleware starts a sweeper for idle buckets; call Stop to
// release it.
func NewRateLimitMiddleware(logger *slog.Logger) *RateLimitMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	rl := &RateLimitMiddleware{
		routes:  defaultRoutes(),
		logger:  logger.With("component", "admin_ratelimit"),
		nowFunc: time.Now,
		buckets: make(map[string]*bucket),
		stopCh:  make(chan struct{}),
	}
	go rl.sweep()
	return rl
}

func (rl *RateLimitMiddleware) Stop() {
	rl.stopOnce.Do(func() { close(rl.stopCh) })
}

func (rl *RateLimitMiddleware) sweep() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evictStale()
		}
	}
}

func (rl *RateLimitMiddleware) evictStale() {
	cutoff := rl.nowFunc().Add(-staleLimiterTTL)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
		}
	}
}

// LimiterCount returns the number of live buckets.
func (rl *RateLimitMiddleware) LimiterCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func (rl *RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rt := rl.resolveRoute(r.Method, r.URL.Path)
		client := clientKey(r)

		wait, ok := rl.take(rt, client)
		if ok {
			next.ServeHTTP(w, r)
			return
		}

		metrics.AdminThrottledTotal.WithLabelValues(rt.name).Inc()
		rl.logger.Warn("admin request throttled",
			"route", rt.name, "method", r.Method, "path", r.URL.Path, "client", client, "retry_after", wait)

		w.Header().Set("Retry-After", retryAfterSeconds(wait))
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded", "route": rt.name})
	})
}

// take consumes a token for client on rt. When none is available it
// returns how long until one would be.
func (rl *RateLimitMiddleware) take(rt route, client string) (time.Duration, bool) {
	now := rl.nowFunc()
	key := rt.name + "|" + client

	rl.mu.Lock()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rt.rps, rt.burst)}
		rl.buckets[key] = b
	}
	b.lastSeen = now
	rl.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return time.Minute, false
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait, false
	}
	return 0, true
}

func retryAfterSeconds(d time.Duration) string {
	secs := int(math.Ceil(d.Seconds() - 1e-9))
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

func (rl *RateLimitMiddleware) resolveRoute(method, path string) route {
	for _, rt := range rl.routes {
		if rt.matches(method, path) {
			return rt
		}
	}
	return rl.routes[len(rl.routes)-1]
}

// clientKey identifies the caller for throttling: the operator if the
// request names one, else the first X-Forwarded-For hop, X-Real-IP or the
// socket address.
func clientKey(r *http.Request) string {
	if op := requestOperator(r); op != "" {
		return "op:" + op
	}
	return "ip:" + clientIP(r)
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); xri != "" {
		return xri
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
