package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/huangpi1030-tech/x402-account/internal/alert"
	"github.com/huangpi1030-tech/x402-account/internal/audit"
	"github.com/huangpi1030-tech/x402-account/internal/chain/evm"
	"github.com/huangpi1030-tech/x402-account/internal/confidence"
	"github.com/huangpi1030-tech/x402-account/internal/config"
	"github.com/huangpi1030-tech/x402-account/internal/fx"
	"github.com/huangpi1030-tech/x402-account/internal/gap"
	"github.com/huangpi1030-tech/x402-account/internal/reconciliation"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
	"github.com/huangpi1030-tech/x402-account/internal/rules"
	"github.com/huangpi1030-tech/x402-account/internal/store"
	"github.com/huangpi1030-tech/x402-account/internal/store/memory"
	"github.com/huangpi1030-tech/x402-account/internal/store/postgres"
	"github.com/huangpi1030-tech/x402-account/internal/verifier"
)

// app holds the wired components shared by every subcommand.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    store.Store
	db       *postgres.DB // nil on the in-memory store
	pool     *rpcpool.Pool
	client   *evm.Client
	verifier *verifier.Verifier
	rules    *rules.Engine
	alerter  alert.Alerter
	svc      *reconciliation.Service
}

func newLogger(level string) *slog.Logger {
	logLevel := slog.LevelInfo
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)
	return logger
}

func loadApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return buildApp(ctx, cfg, newLogger(cfg.Log.Level))
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	a.alerter = alert.New(cfg.Alert.SlackWebhookURL, cfg.Alert.WebhookURL, cfg.Alert.Cooldown, logger)

	network := cfg.RPC.Network
	pool, err := rpcpool.New(rpcpool.Config{
		Endpoints:  cfg.RPC.Endpoints,
		Strategy:   cfg.RPC.Strategy,
		RetryCount: cfg.RPC.RetryCount,
		Timeout:    cfg.RPC.Timeout,
	},
		rpcpool.WithLogger(logger),
		rpcpool.WithStateListener(alert.PoolListener(a.alerter, network, logger)),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build rpc pool: %w", err)
	}
	a.pool = pool
	a.client = evm.New(network, pool, logger)
	a.verifier = verifier.New(a.client, verifier.Config{CacheTTL: cfg.Verify.CacheTTL}, logger)

	a.rules = rules.NewEngine(logger)
	if cfg.Rules.File != "" {
		if err := a.rules.LoadFile(cfg.Rules.File); err != nil {
			a.Close()
			return nil, fmt.Errorf("load rules: %w", err)
		}
	}

	rates, err := fx.NewStaticProvider(cfg.Fx.Rates)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build fx provider: %w", err)
	}

	threshold := cfg.Confidence.ReviewThreshold
	scorer := confidence.NewScorer(confidence.Config{
		ReviewThreshold:   &threshold,
		TimeDecayGrace:    cfg.Confidence.TimeDecayGrace,
		MultiMatchPenalty: cfg.Confidence.MultiMatchPenalty,
	})

	a.svc = reconciliation.NewService(a.store, audit.NewLedger(a.store.Audit(), logger), logger,
		reconciliation.WithNetwork(network),
		reconciliation.WithScorer(scorer),
		reconciliation.WithVerifier(a.verifier, cfg.Verify.Concurrency),
		reconciliation.WithVerifyBackoff(cfg.Verify.RetryBase, cfg.Verify.RetryMax, cfg.Verify.MaxAttempts),
		reconciliation.WithGapAnalyzer(gap.NewAnalyzer(a.client, a.store.Records(), network, logger)),
		reconciliation.WithRules(a.rules),
		reconciliation.WithAlerter(a.alerter),
		reconciliation.WithFx(rates, cfg.Fx.Currency),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	if a.cfg.DB.URL == "" {
		a.logger.Warn("DB_URL not set, using in-memory store; records are lost on exit")
		a.store = memory.New()
		return nil
	}

	db, err := postgres.New(ctx, postgres.Config{
		URL:                a.cfg.DB.URL,
		MaxOpenConns:       a.cfg.DB.MaxOpenConns,
		MaxIdleConns:       a.cfg.DB.MaxIdleConns,
		ConnMaxLifetime:    a.cfg.DB.ConnMaxLifetime,
		StatementTimeoutMS: a.cfg.DB.StatementTimeoutMS,
	})
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	if err := db.RunMigrations(ctx, postgres.Migrations); err != nil {
		db.Close()
		return fmt.Errorf("run migrations: %w", err)
	}
	a.db = db
	a.store = postgres.NewStore(db.DB)
	a.logger.Info("connected to database")
	return nil
}

func (a *app) Close() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("database close error", "error", err)
		}
	}
}
