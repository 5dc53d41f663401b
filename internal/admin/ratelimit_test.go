package admin

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

// newTestLimiter returns a limiter on a frozen clock so buckets never
// refill during a test.
func newTestLimiter(t *testing.T) *RateLimitMiddleware {
	t.Helper()
	rl := NewRateLimitMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(rl.Stop)
	now := time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC)
	rl.nowFunc = func() time.Time { return now }
	return rl
}

func post(h http.Handler, path string, mutate ...func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, nil)
	for _, m := range mutate {
		m(req)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRateLimit_PassesThrough(t *testing.T) {
	h := newTestLimiter(t).Wrap(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit_GapAnalysisBurst(t *testing.T) {
	h := newTestLimiter(t).Wrap(okHandler())

	require.Equal(t, http.StatusOK, post(h, "/admin/v1/gap-analysis").Code)
	require.Equal(t, http.StatusOK, post(h, "/admin/v1/gap-analysis").Code)

	rec := post(h, "/admin/v1/gap-analysis")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.JSONEq(t, `{"error":"rate limit exceeded","route":"gap_analysis"}`, rec.Body.String())
}

func TestRateLimit_RejectedRequestsDoNotConsume(t *testing.T) {
	rl := newTestLimiter(t)
	h := rl.Wrap(okHandler())
	start := rl.nowFunc()

	post(h, "/admin/v1/gap-analysis")
	post(h, "/admin/v1/gap-analysis")
	for i := 0; i < 5; i++ {
		assert.Equal(t, http.StatusTooManyRequests, post(h, "/admin/v1/gap-analysis").Code)
	}

	rl.nowFunc = func() time.Time { return start.Add(time.Minute) }
	assert.Equal(t, http.StatusOK, post(h, "/admin/v1/gap-analysis").Code)
}

func TestRateLimit_RoutesIndependent(t *testing.T) {
	h := newTestLimiter(t).Wrap(okHandler())
	for i := 0; i < 3; i++ {
		post(h, "/admin/v1/gap-analysis")
	}
	assert.Equal(t, http.StatusOK, post(h, "/admin/v1/rpc/endpoints/reset").Code)
}

func TestRateLimit_EvidenceHighVolume(t *testing.T) {
	h := newTestLimiter(t).Wrap(okHandler())
	for i := 0; i < 100; i++ {
		require.Equal(t, http.StatusOK, post(h, "/admin/v1/evidence").Code, "request %d", i)
	}
	assert.Equal(t, http.StatusTooManyRequests, post(h, "/admin/v1/evidence").Code)
}

func TestRateLimit_PerClient(t *testing.T) {
	h := newTestLimiter(t).Wrap(okHandler())
	fromIP := func(ip string) func(*http.Request) {
		return func(r *http.Request) { r.Header.Set("X-Forwarded-For", ip+", 10.0.0.1") }
	}
	asOperator := func(op string) func(*http.Request) {
		return func(r *http.Request) {
			r.Header.Set("X-Forwarded-For", "203.0.113.7")
			r.Header.Set(OperatorHeader, op)
		}
	}

	post(h, "/admin/v1/gap-analysis", fromIP("203.0.113.7"))
	post(h, "/admin/v1/gap-analysis", fromIP("203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, post(h, "/admin/v1/gap-analysis", fromIP("203.0.113.7")).Code)
	assert.Equal(t, http.StatusOK, post(h, "/admin/v1/gap-analysis", fromIP("198.51.100.2")).Code)
	assert.Equal(t, http.StatusOK, post(h, "/admin/v1/gap-analysis", asOperator("alice")).Code,
		"an operator behind the same proxy has its own budget")
}

func TestResolveRoute(t *testing.T) {
	rl := newTestLimiter(t)
	tests := []struct {
		method, path string
		want         string
	}{
		{http.MethodPost, "/admin/v1/records/abc/review", "review"},
		{http.MethodPost, "/admin/v1/records/abc/accounting", "accounting"},
		{http.MethodGet, "/admin/v1/records/abc/review", "default"},
		{http.MethodPost, "/admin/v1/evidence", "evidence"},
		{http.MethodPost, "/admin/v1/rpc/endpoints/reset", "rpc_reset"},
		{http.MethodGet, "/admin/v1/rpc/endpoints", "default"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rl.resolveRoute(tt.method, tt.path).name, "%s %s", tt.method, tt.path)
	}
}

func TestClientKey(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.0.2.1:5555"
	assert.Equal(t, "ip:192.0.2.1", clientKey(r))

	r.Header.Set("X-Real-IP", "192.0.2.9")
	assert.Equal(t, "ip:192.0.2.9", clientKey(r))

	r.SetBasicAuth("bob", "x")
	assert.Equal(t, "op:bob", clientKey(r))
}

func TestEvictStale(t *testing.T) {
	rl := newTestLimiter(t)
	now := rl.nowFunc()

	rl.Wrap(okHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/admin/v1/health", nil))
	require.Equal(t, 1, rl.LimiterCount())

	rl.nowFunc = func() time.Time { return now.Add(staleLimiterTTL + time.Second) }
	rl.evictStale()
	assert.Equal(t, 0, rl.LimiterCount())
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "6", retryAfterSeconds(6*time.Second))
	assert.Equal(t, "1", retryAfterSeconds(20*time.Millisecond))
	assert.Equal(t, "3", retryAfterSeconds(2100*time.Millisecond))
}
