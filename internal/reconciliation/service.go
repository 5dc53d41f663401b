package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huangpi1030-tech/x402-account/internal/alert"
	"github.com/huangpi1030-tech/x402-account/internal/audit"
	"github.com/huangpi1030-tech/x402-account/internal/confidence"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/evidence"
	"github.com/huangpi1030-tech/x402-account/internal/fx"
	"github.com/huangpi1030-tech/x402-account/internal/rules"
	"github.com/huangpi1030-tech/x402-account/internal/store"
	"github.com/huangpi1030-tech/x402-account/internal/verifier"
)

var (
	ErrInvalidStage = errors.New("reconciliation: invalid evidence stage")

	// ErrReviewForward is returned when a manual review would move a
	// record backwards or out of needs_review.
	ErrReviewForward = errors.New("reconciliation: review must move a needs_review record forward")

	ErrReasonRequired = errors.New("reconciliation: reason is required")
	ErrNoRuleMatched  = errors.New("reconciliation: no rule matched")
	ErrNotConfigured  = errors.New("reconciliation: component not configured")
)

// GapAnalyzer is satisfied by *gap.Analyzer.
type GapAnalyzer interface {
	Analyze(ctx context.Context, wallet string, start, end time.Time) (*model.GapAnalysis, error)
}

// Service turns evidence into canonical records and drives them through
// verification, review and accounting. Every record mutation commits
// together with its audit entry.
type Service struct {
	store  store.Store
	ledger *audit.Ledger
	filter *evidence.Filter
	scorer *confidence.Scorer
	locks  *keyedMutex

	queue    *verifier.Queue
	analyzer GapAnalyzer
	rules    *rules.Engine
	reloadMu sync.Mutex
	alerter  alert.Alerter

	fxProvider fx.Provider
	fxCurrency string

	backoff verifyBackoff

	network model.Network
	now     func() time.Time
	newID   func() uuid.UUID
	logger  *slog.Logger
}

type Option func(*Service)

// WithVerifier enables ScheduleVerification and RunVerification.
func WithVerifier(v verifier.RecordVerifier, concurrency int) Option {
	return func(s *Service) { s.queue = verifier.NewQueue(v, concurrency, s.logger) }
}

// WithVerifyBackoff sets the automatic re-verification schedule for
// records that did not verify. attempts <= 0 retries forever.
func WithVerifyBackoff(base, maxDelay time.Duration, attempts int) Option {
	return func(s *Service) {
		if base > 0 {
			s.backoff.base = base
		}
		if maxDelay >= s.backoff.base {
			s.backoff.max = maxDelay
		}
		s.backoff.attempts = attempts
	}
}

func WithGapAnalyzer(a GapAnalyzer) Option {
	return func(s *Service) { s.analyzer = a }
}

func WithRules(e *rules.Engine) Option {
	return func(s *Service) { s.rules = e }
}

func WithAlerter(a alert.Alerter) Option {
	return func(s *Service) { s.alerter = a }
}

// WithFx values new records in currency using p.
func WithFx(p fx.Provider, currency string) Option {
	return func(s *Service) {
		s.fxProvider = p
		if currency != "" {
			s.fxCurrency = currency
		}
	}
}

func WithScorer(sc *confidence.Scorer) Option {
	return func(s *Service) { s.scorer = sc }
}

func WithHeaderFilter(f *evidence.Filter) Option {
	return func(s *Service) { s.filter = f }
}

// WithNetwork sets the network assumed for evidence that does not name one.
func WithNetwork(n model.Network) Option {
	return func(s *Service) { s.network = n }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithIDGenerator(newID func() uuid.UUID) Option {
	return func(s *Service) { s.newID = newID }
}

func NewService(st store.Store, ledger *audit.Ledger, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:      st,
		ledger:     ledger,
		filter:     evidence.NewFilter(nil),
		scorer:     confidence.NewScorer(confidence.Config{}),
		locks:      newKeyedMutex(),
		alerter:    &alert.NoopAlerter{},
		fxCurrency: "USD",
		backoff:    verifyBackoff{base: 5 * time.Minute, max: 6 * time.Hour, attempts: 10},
		network:    model.NetworkBase,
		now:        time.Now,
		newID:      uuid.New,
		logger:     logger.With("component", "reconciliation"),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Record returns one canonical record.
func (s *Service) Record(ctx context.Context, eventID uuid.UUID) (*model.CanonicalRecord, error) {
	rec, err := s.store.Records().Get(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", eventID, err)
	}
	return rec, nil
}

// AuditTrail returns the ledger entries of one record, oldest first.
func (s *Service) AuditTrail(ctx context.Context, eventID uuid.UUID) ([]model.AuditLogEntry, error) {
	return s.ledger.Query(ctx, eventID.String())
}

// Evidence returns the raw snapshots merged into a record.
func (s *Service) Evidence(ctx context.Context, persistenceID string) ([]model.RawEvidence, error) {
	return s.store.Evidence().ListByPersistenceID(ctx, persistenceID)
}

func (s *Service) QueueStatus() verifier.QueueStatus {
	if s.queue == nil {
		return verifier.QueueStatus{}
	}
	return s.queue.Status()
}

// mutate loads a record under its persistence-id lock and runs fn inside
// a transaction. fn receives the locked, freshly read record.
func (s *Service) mutate(ctx context.Context, eventID uuid.UUID, fn func(ctx context.Context, tx store.Tx, rec *model.CanonicalRecord) error) (*model.CanonicalRecord, error) {
	cur, err := s.store.Records().Get(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", eventID, err)
	}
	unlock := s.locks.Lock(cur.PersistenceID)
	defer unlock()

	var out *model.CanonicalRecord
	err = s.store.WithinTx(ctx, func(ctx context.Context, tx store.Tx) error {
		rec, err := tx.Records().Get(ctx, eventID)
		if err != nil {
			return fmt.Errorf("get record %s: %w", eventID, err)
		}
		if err := fn(ctx, tx, rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
