// Package gap finds on-chain wallet activity that was never captured as a
// payment record.
package gap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/huangpi1030-tech/x402-account/internal/chain"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
	"github.com/huangpi1030-tech/x402-account/internal/metrics"
	"github.com/huangpi1030-tech/x402-account/internal/tracing"
)

var ErrInvalidWindow = errors.New("gap: end must be after start")

// RecordLister is the subset of store.RecordRepository the analyzer reads.
type RecordLister interface {
	ListWithTxHash(ctx context.Context) ([]*model.CanonicalRecord, error)
}

type Analyzer struct {
	indexer chain.TransferIndexer
	records RecordLister
	network model.Network
	now     func() time.Time
	tracer  trace.Tracer
	logger  *slog.Logger
}

func NewAnalyzer(indexer chain.TransferIndexer, records RecordLister, network model.Network, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		indexer: indexer,
		records: records,
		network: network,
		now:     time.Now,
		tracer:  tracing.Tracer("x402/gap"),
		logger:  logger.With("component", "gap_analyzer"),
	}
}

// Analyze compares the wallet's outgoing transfers in [start, end] with the
// captured records and reports transfers whose tx hash no record carries.
// It writes nothing.
func (a *Analyzer) Analyze(ctx context.Context, wallet string, start, end time.Time) (*model.GapAnalysis, error) {
	if !end.After(start) {
		return nil, ErrInvalidWindow
	}
	wallet = identity.CanonicalAddress(a.network, wallet)

	ctx, span := a.tracer.Start(ctx, "gap.Analyze", trace.WithAttributes(
		attribute.String("x402.wallet", wallet),
		attribute.String("x402.network", string(a.network)),
	))
	defer span.End()

	transfers, err := a.indexer.GetWalletTransfers(ctx, wallet, start, end)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("fetch wallet transfers: %w", err)
	}
	records, err := a.records.ListWithTxHash(ctx)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("list captured records: %w", err)
	}

	captured := make(map[string]struct{}, len(records))
	for _, rec := range records {
		captured[identity.CanonicalTxHash(rec.Network, rec.TxHash)] = struct{}{}
	}

	report := &model.GapAnalysis{
		Wallet:             wallet,
		StartTime:          start.UTC(),
		EndTime:            end.UTC(),
		SuspiciousExpenses: []model.SuspiciousExpense{},
		AnalyzedAt:         a.now().UTC(),
	}
	// A transaction with several transfers counts once.
	seen := make(map[string]struct{}, len(transfers))
	for _, t := range transfers {
		hash := identity.CanonicalTxHash(t.Network, t.TxHash)
		if _, dup := seen[hash]; dup {
			continue
		}
		seen[hash] = struct{}{}
		if _, ok := captured[hash]; ok {
			report.CapturedCount++
			continue
		}
		report.SuspiciousExpenses = append(report.SuspiciousExpenses, model.SuspiciousExpense{
			TxHash:      hash,
			To:          t.ToAddress,
			Value:       t.Amount,
			Time:        t.BlockTime.UTC(),
			Network:     t.Network,
			BlockNumber: t.BlockNumber,
		})
	}
	report.OnChainCount = len(seen)
	if report.OnChainCount > 0 {
		report.GapRate = float64(len(report.SuspiciousExpenses)) / float64(report.OnChainCount)
	}

	metrics.GapRate.WithLabelValues(wallet).Set(report.GapRate)
	metrics.GapSuspiciousTotal.WithLabelValues(wallet).Add(float64(len(report.SuspiciousExpenses)))
	span.SetAttributes(
		attribute.Int("x402.onchain_count", report.OnChainCount),
		attribute.Int("x402.suspicious_count", len(report.SuspiciousExpenses)),
		attribute.Float64("x402.gap_rate", report.GapRate),
	)
	a.logger.Info("gap analysis finished",
		"wallet", wallet, "onchain", report.OnChainCount,
		"suspicious", len(report.SuspiciousExpenses), "gap_rate", report.GapRate)
	return report, nil
}
