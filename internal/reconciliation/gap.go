package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/huangpi1030-tech/x402-account/internal/alert"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// GapSchedule configures RunPeriodicGapAnalysis.
type GapSchedule struct {
	// Spec is a cron spec such as "@every 1h" or "0 * * * *".
	Spec     string
	Wallets  []string
	Lookback time.Duration
}

// RunGapAnalysis compares the wallet's on-chain payments in [start, end)
// against captured records and alerts when any are missing.
func (s *Service) RunGapAnalysis(ctx context.Context, wallet string, start, end time.Time) (*model.GapAnalysis, error) {
	if s.analyzer == nil {
		return nil, fmt.Errorf("%w: gap analyzer", ErrNotConfigured)
	}
	g, err := s.analyzer.Analyze(ctx, wallet, start, end)
	if err != nil {
		return nil, err
	}
	if len(g.SuspiciousExpenses) > 0 {
		s.logger.Warn("uncaptured on-chain payments",
			"wallet", g.Wallet, "suspicious", len(g.SuspiciousExpenses), "gap_rate", g.GapRate)
		s.sendAlert(ctx, alert.GapDetected(g, s.network))
	}
	return g, nil
}

// RunPeriodicGapAnalysis analyzes every configured wallet over the trailing
// lookback window on the cron schedule. It blocks until ctx is cancelled.
func (s *Service) RunPeriodicGapAnalysis(ctx context.Context, sched GapSchedule) error {
	if s.analyzer == nil {
		return fmt.Errorf("%w: gap analyzer", ErrNotConfigured)
	}
	if sched.Lookback <= 0 {
		sched.Lookback = 24 * time.Hour
	}
	if sched.Spec == "" {
		sched.Spec = "@every 1h"
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(sched.Spec, func() { s.gapSweep(ctx, sched) }); err != nil {
		return fmt.Errorf("schedule gap analysis %q: %w", sched.Spec, err)
	}

	s.logger.Info("periodic gap analysis started", "schedule", sched.Spec, "wallets", len(sched.Wallets))
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	s.logger.Info("periodic gap analysis stopping")
	return ctx.Err()
}

func (s *Service) gapSweep(ctx context.Context, sched GapSchedule) {
	end := s.now().UTC()
	start := end.Add(-sched.Lookback)
	for _, wallet := range sched.Wallets {
		if ctx.Err() != nil {
			return
		}
		if _, err := s.RunGapAnalysis(ctx, wallet, start, end); err != nil {
			s.logger.Warn("periodic gap analysis failed", "wallet", wallet, "error", err)
		}
	}
}
