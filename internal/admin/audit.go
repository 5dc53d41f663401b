package admin

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const maxAuditBodyBytes = 1024

// OperatorHeader names the caller for audit entries when Basic Auth is
// not in use.
const OperatorHeader = "X-Operator"

type operatorKey struct{}

// generateRequestID creates a short random request ID for audit correlation.
func generateRequestID() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(b)
}

// requestOperator prefers the Basic Auth user over the operator header.
func requestOperator(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user
	}
	return strings.TrimSpace(r.Header.Get(OperatorHeader))
}

// operatorFrom returns the authenticated operator of r, falling back to
// the operator named in the request body.
func operatorFrom(r *http.Request, fallback string) string {
	if op, ok := r.Context().Value(operatorKey{}).(string); ok && op != "" {
		return op
	}
	if op := requestOperator(r); op != "" {
		return op
	}
	return strings.TrimSpace(fallback)
}

// bodySummary returns the logged form of a mutating request body.
// Evidence bodies carry payment signatures and are reduced to their size.
func bodySummary(path string, body []byte) string {
	if strings.HasPrefix(path, "/admin/v1/evidence") {
		return fmt.Sprintf("(evidence, %d bytes)", len(body))
	}
	if len(body) > maxAuditBodyBytes {
		return string(body[:maxAuditBodyBytes]) + "...(truncated)"
	}
	return string(body)
}

// recordIDFromPath extracts {id} from /admin/v1/records/{id}/...
func recordIDFromPath(path string) string {
	rest, ok := strings.CutPrefix(path, "/admin/v1/records/")
	if !ok {
		return ""
	}
	id, _, _ := strings.Cut(rest, "/")
	return id
}

// AuditMiddleware attaches the operator to the request context and logs
// every POST and DELETE with its outcome. Failed mutations log at warn.
func AuditMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	auditLogger := logger.With("component", "admin_audit")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator := requestOperator(r)
		if operator != "" {
			r = r.WithContext(context.WithValue(r.Context(), operatorKey{}, operator))
		}
		if r.Method != http.MethodPost && r.Method != http.MethodDelete {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		var summary string
		if r.Body != nil {
			head, err := io.ReadAll(io.LimitReader(r.Body, maxAuditBodyBytes+1))
			if err == nil {
				summary = bodySummary(r.URL.Path, head)
				r.Body = struct {
					io.Reader
					io.Closer
				}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
			}
		}

		sw := &statusWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(sw, r)

		level := slog.LevelInfo
		if sw.statusCode >= http.StatusBadRequest {
			level = slog.LevelWarn
		}
		if operator == "" {
			operator = "system"
		}
		attrs := []any{
			"request_id", generateRequestID(),
			"operator", operator,
			"remote_addr", r.RemoteAddr,
			"method", r.Method,
			"path", r.URL.Path,
			"body_summary", summary,
			"response_status", sw.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if id := recordIDFromPath(r.URL.Path); id != "" {
			attrs = append(attrs, "event_id", id)
		}
		auditLogger.Log(r.Context(), level, "admin mutation", attrs...)
	})
}

type statusWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.written {
		sw.statusCode = code
		sw.written = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

func (sw *statusWriter) Write(b []byte) (int, error) {
	sw.written = true
	return sw.ResponseWriter.Write(b)
}
