package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/huangpi1030-tech/x402-account/internal/admin"
	"github.com/huangpi1030-tech/x402-account/internal/chain/evm"
	"github.com/huangpi1030-tech/x402-account/internal/config"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
	"github.com/huangpi1030-tech/x402-account/internal/reconciliation"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
	redispkg "github.com/huangpi1030-tech/x402-account/internal/store/redis"
	"github.com/huangpi1030-tech/x402-account/internal/tracing"
)

const dbPoolStatsInterval = 15 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the admin API, evidence consumer, verification loop and schedulers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg, logger := a.cfg, a.logger

	logger.Info("starting x402d",
		"version", Version,
		"network", cfg.RPC.Network,
		"rpc_endpoints", len(cfg.RPC.Endpoints),
		"rpc_strategy", cfg.RPC.Strategy,
		"postgres", a.db != nil,
		"redis_stream", cfg.Redis.URL != "",
		"gap_wallets", len(cfg.Gap.Wallets),
		"rules", len(a.rules.Rules()),
	)

	shutdownTracing, err := tracing.Init(ctx, tracing.Config{
		ServiceName: "x402d",
		Version:     Version,
		Endpoint:    cfg.Tracing.Endpoint,
		Insecure:    cfg.Tracing.Insecure,
		SampleRatio: cfg.Tracing.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("initialize tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gCtx := errgroup.WithContext(ctx)

	limiter := admin.NewRateLimitMiddleware(logger)
	defer limiter.Stop()
	api := admin.NewServer(a.svc, logger, admin.WithEndpointPool(a.pool))
	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.AdminPort, limiter.Wrap(admin.AuditMiddleware(logger, api.Handler())), logger)
	})

	prober := rpcpool.NewProber(a.pool, evm.Ping(logger), cfg.RPC.ProbeInterval, cfg.RPC.Timeout, logger)
	g.Go(func() error {
		return ignoreCanceled(prober.Run(gCtx))
	})

	g.Go(func() error {
		return runVerificationLoop(gCtx, a.svc, cfg.Verify.Interval, logger)
	})

	if len(cfg.Gap.Wallets) > 0 {
		g.Go(func() error {
			return ignoreCanceled(a.svc.RunPeriodicGapAnalysis(gCtx, reconciliation.GapSchedule{
				Spec:     cfg.Gap.Schedule,
				Wallets:  cfg.Gap.Wallets,
				Lookback: cfg.Gap.Lookback,
			}))
		})
	}

	if cfg.Redis.URL != "" {
		stream, err := redispkg.NewStream(cfg.Redis.URL, redispkg.StreamConfig{
			Stream:   cfg.Redis.Stream,
			Group:    cfg.Redis.Group,
			Consumer: cfg.Redis.Consumer,
		}, logger)
		if err != nil {
			return fmt.Errorf("connect evidence stream: %w", err)
		}
		defer stream.Close()
		g.Go(func() error {
			return ignoreCanceled(stream.Consume(gCtx, ingestHandler(a.svc, logger)))
		})
	}

	if cfg.File != "" {
		watcher, err := config.NewWatcher(cfg, logger)
		if err != nil {
			return err
		}
		watcher.OnChange(reloadHandler(gCtx, a, cfg))
		g.Go(func() error {
			return ignoreCanceled(watcher.Run(gCtx))
		})
	}

	if a.db != nil {
		g.Go(func() error {
			a.db.ReportPoolStats(gCtx, dbPoolStatsInterval)
			return nil
		})
	}

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("x402d exited with error", "error", err)
		return err
	}

	logger.Info("x402d shut down gracefully")
	return nil
}

// ingestHandler acks malformed evidence instead of redelivering it forever.
func ingestHandler(svc *reconciliation.Service, logger *slog.Logger) redispkg.Handler {
	return func(ctx context.Context, in model.EvidenceInput) error {
		res, err := svc.Ingest(ctx, in)
		switch {
		case err == nil:
			logger.Debug("evidence ingested",
				"persistence_id", res.PersistenceID, "stage", in.Stage, "duplicate", res.Duplicate)
			return nil
		case errors.Is(err, reconciliation.ErrInvalidStage), errors.Is(err, identity.ErrMissingField):
			logger.Warn("dropping malformed evidence", "stage", in.Stage, "url", in.RequestURL, "error", err)
			return nil
		default:
			return err
		}
	}
}

// runVerificationLoop queues pending records every interval and drains
// the queue.
func runVerificationLoop(ctx context.Context, svc *reconciliation.Service, interval time.Duration, logger *slog.Logger) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger = logger.With("component", "verification_loop")
	logger.Info("verification loop started", "interval", interval)
	for {
		n, err := svc.SchedulePending(ctx)
		if err != nil {
			logger.Warn("schedule pending verifications failed", "error", err)
		} else if n > 0 {
			if err := svc.RunVerification(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Warn("verification run failed", "error", err)
			}
			logger.Info("verification run finished", "records", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func runHTTPServer(ctx context.Context, port int, api http.Handler, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/admin/", api)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("http server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// reloadHandler applies a reloaded config file to the running daemon. The
// config change and every rule change are written to the audit ledger.
func reloadHandler(ctx context.Context, a *app, current *config.Config) func(*config.Config) {
	return func(next *config.Config) {
		if _, err := a.svc.RecordConfigChange(ctx, next.File, current.Snapshot(), next.Snapshot(), "", "config file reloaded"); err != nil {
			a.logger.Error("audit config reload failed", "file", next.File, "error", err)
		}
		current = next
		if err := a.pool.Update(next.RPC.Endpoints); err != nil {
			a.logger.Error("apply rpc endpoints failed", "error", err)
		}
		if next.Rules.File != "" {
			if _, err := a.svc.ReloadRules(ctx, next.Rules.File, ""); err != nil {
				a.logger.Error("reload rules failed", "file", next.Rules.File, "error", err)
			}
		}
	}
}
