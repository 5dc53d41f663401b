package admin

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/gap"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
	"github.com/huangpi1030-tech/x402-account/internal/lifecycle"
	"github.com/huangpi1030-tech/x402-account/internal/reconciliation"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
	"github.com/huangpi1030-tech/x402-account/internal/store"
	"github.com/huangpi1030-tech/x402-account/internal/verifier"
)

const maxRequestBodyBytes = 1 << 20 // 1 MB

// maxGapWindow bounds one gap-analysis request.
const maxGapWindow = 31 * 24 * time.Hour

// RecordService is satisfied by *reconciliation.Service.
type RecordService interface {
	Ingest(ctx context.Context, in model.EvidenceInput) (*reconciliation.IngestResult, error)
	Record(ctx context.Context, eventID uuid.UUID) (*model.CanonicalRecord, error)
	AuditTrail(ctx context.Context, eventID uuid.UUID) ([]model.AuditLogEntry, error)
	ResolveReview(ctx context.Context, eventID uuid.UUID, operator string, target model.Status, reason string) (*model.CanonicalRecord, error)
	UpdateAccounting(ctx context.Context, eventID uuid.UUID, operator string, tags model.AccountingTags, reason string) (*model.CanonicalRecord, error)
	RunGapAnalysis(ctx context.Context, wallet string, start, end time.Time) (*model.GapAnalysis, error)
	QueueStatus() verifier.QueueStatus
}

// EndpointPool is satisfied by *rpcpool.Pool.
type EndpointPool interface {
	Endpoints() []rpcpool.Endpoint
	Reset(url string) error
	ResetAll()
}

// Server provides the HTTP admin API.
type Server struct {
	records RecordService
	pool    EndpointPool
	logger  *slog.Logger
}

type ServerOption func(*Server)

// WithEndpointPool exposes the RPC pool routes.
func WithEndpointPool(p EndpointPool) ServerOption {
	return func(s *Server) { s.pool = p }
}

func NewServer(records RecordService, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		records: records,
		logger:  logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/health", s.handleHealth)
	mux.HandleFunc("GET /admin/v1/rpc/endpoints", s.handleListEndpoints)
	mux.HandleFunc("POST /admin/v1/rpc/endpoints/reset", s.handleResetEndpoints)
	mux.HandleFunc("GET /admin/v1/records/{id}", s.handleGetRecord)
	mux.HandleFunc("GET /admin/v1/records/{id}/audit", s.handleRecordAudit)
	mux.HandleFunc("POST /admin/v1/records/{id}/review", s.handleReview)
	mux.HandleFunc("POST /admin/v1/records/{id}/accounting", s.handleAccounting)
	mux.HandleFunc("POST /admin/v1/gap-analysis", s.handleGapAnalysis)
	mux.HandleFunc("POST /admin/v1/evidence", s.handleIngest)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// decodeJSONBody reads and decodes a JSON request body into v.
// Returns false (and writes an error response) if decoding fails.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func pathEventID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid record id")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain errors onto status codes. Internal errors
// are logged and never echoed.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, lifecycle.ErrInvalidTransition),
		errors.Is(err, reconciliation.ErrReviewForward),
		errors.Is(err, reconciliation.ErrNoRuleMatched):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, reconciliation.ErrReasonRequired),
		errors.Is(err, reconciliation.ErrInvalidStage),
		errors.Is(err, identity.ErrMissingField),
		errors.Is(err, gap.ErrInvalidWindow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, reconciliation.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	default:
		s.logger.Error("admin request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

type healthResponse struct {
	Status           string               `json:"status"`
	EndpointsTotal   int                  `json:"endpoints_total"`
	EndpointsEnabled int                  `json:"endpoints_enabled"`
	Queue            verifier.QueueStatus `json:"queue"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", Queue: s.records.QueueStatus()}
	if s.pool != nil {
		for _, ep := range s.pool.Endpoints() {
			resp.EndpointsTotal++
			if ep.Enabled {
				resp.EndpointsEnabled++
			}
		}
		if resp.EndpointsTotal > 0 && resp.EndpointsEnabled == 0 {
			resp.Status = "degraded"
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "rpc pool not available")
		return
	}
	writeJSON(w, http.StatusOK, s.pool.Endpoints())
}

type resetRequest struct {
	URL string `json:"url"`
}

// handleResetEndpoints re-enables one endpoint by url, or all of them when
// the body omits it.
func (s *Server) handleResetEndpoints(w http.ResponseWriter, r *http.Request) {
	if s.pool == nil {
		writeError(w, http.StatusServiceUnavailable, "rpc pool not available")
		return
	}
	var req resetRequest
	if r.ContentLength != 0 && !decodeJSONBody(w, r, &req) {
		return
	}
	if req.URL == "" {
		s.pool.ResetAll()
	} else if err := s.pool.Reset(req.URL); err != nil {
		writeError(w, http.StatusNotFound, "endpoint not found")
		return
	}
	s.logger.Info("rpc endpoints reset", "url", req.URL, "operator", operatorFrom(r, ""))
	writeJSON(w, http.StatusOK, s.pool.Endpoints())
}

func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, ok := pathEventID(w, r)
	if !ok {
		return
	}
	rec, err := s.records.Record(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRecordAudit(w http.ResponseWriter, r *http.Request) {
	id, ok := pathEventID(w, r)
	if !ok {
		return
	}
	if _, err := s.records.Record(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	entries, err := s.records.AuditTrail(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type reviewRequest struct {
	Status   model.Status `json:"status"`
	Reason   string       `json:"reason"`
	Operator string       `json:"operator"`
}

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id, ok := pathEventID(w, r)
	if !ok {
		return
	}
	var req reviewRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if !req.Status.Valid() {
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}
	rec, err := s.records.ResolveReview(r.Context(), id, operatorFrom(r, req.Operator), req.Status, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type accountingRequest struct {
	Category   string `json:"category"`
	Project    string `json:"project"`
	CostCenter string `json:"cost_center"`
	Reason     string `json:"reason"`
	Operator   string `json:"operator"`
}

func (s *Server) handleAccounting(w http.ResponseWriter, r *http.Request) {
	id, ok := pathEventID(w, r)
	if !ok {
		return
	}
	var req accountingRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	tags := model.AccountingTags{
		Category:   strings.TrimSpace(req.Category),
		Project:    strings.TrimSpace(req.Project),
		CostCenter: strings.TrimSpace(req.CostCenter),
	}
	if tags == (model.AccountingTags{}) {
		writeError(w, http.StatusBadRequest, "category, project or cost_center is required")
		return
	}
	rec, err := s.records.UpdateAccounting(r.Context(), id, operatorFrom(r, req.Operator), tags, req.Reason)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type gapRequest struct {
	Wallet string    `json:"wallet"`
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
}

func (s *Server) handleGapAnalysis(w http.ResponseWriter, r *http.Request) {
	var req gapRequest
	if !decodeJSONBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Wallet) == "" || req.Start.IsZero() || req.End.IsZero() {
		writeError(w, http.StatusBadRequest, "wallet, start and end are required")
		return
	}
	if req.End.Sub(req.Start) > maxGapWindow {
		writeError(w, http.StatusBadRequest, "window exceeds 31 days")
		return
	}
	g, err := s.records.RunGapAnalysis(r.Context(), req.Wallet, req.Start, req.End)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var in model.EvidenceInput
	if !decodeJSONBody(w, r, &in) {
		return
	}
	res, err := s.records.Ingest(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	status := http.StatusCreated
	if !res.Created {
		status = http.StatusOK
	}
	writeJSON(w, status, res)
}
