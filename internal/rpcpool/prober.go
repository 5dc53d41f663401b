package rpcpool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/huangpi1030-tech/x402-account/internal/metrics"
)

// PingFunc performs a cheap liveness call (eth_blockNumber) against url.
type PingFunc func(ctx context.Context, url string) error

// Prober periodically pings disabled endpoints and re-enables the ones
// that answer. It is the only path back from the open state.
type Prober struct {
	pool     *Pool
	ping     PingFunc
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
}

func NewProber(pool *Pool, ping PingFunc, interval, timeout time.Duration, logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{
		pool:     pool,
		ping:     ping,
		interval: interval,
		timeout:  timeout,
		logger:   logger.With("component", "rpc_prober"),
	}
}

// ProbeOnce pings every disabled endpoint and returns how many recovered.
func (p *Prober) ProbeOnce(ctx context.Context) int {
	recovered := 0
	for _, ep := range p.pool.Disabled() {
		pingCtx, cancel := context.WithTimeout(ctx, p.timeout)
		err := p.ping(pingCtx, ep.URL)
		cancel()
		if err != nil {
			metrics.RPCProbesTotal.WithLabelValues(ep.Name, "failed").Inc()
			p.logger.Debug("probe failed", "endpoint", ep.Name, "error", err)
			continue
		}
		metrics.RPCProbesTotal.WithLabelValues(ep.Name, "recovered").Inc()
		if err := p.pool.Reset(ep.URL); err != nil {
			// endpoint removed by a config reload between listing and reset
			continue
		}
		recovered++
	}
	return recovered
}

// Run schedules ProbeOnce every interval until ctx is cancelled.
func (p *Prober) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		if n := p.ProbeOnce(ctx); n > 0 {
			p.logger.Info("rpc endpoints recovered", "count", n)
		}
	}); err != nil {
		return fmt.Errorf("schedule prober: %w", err)
	}

	p.logger.Info("rpc prober started", "interval", p.interval)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return ctx.Err()
}
