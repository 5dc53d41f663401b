package alert

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/huangpi1030-tech/x402-account/internal/circuitbreaker"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
)

const sendTimeout = 15 * time.Second

// GapDetected builds the alert for a gap analysis with suspicious expenses.
func GapDetected(g *model.GapAnalysis, network model.Network) Alert {
	return Alert{
		Type:    AlertTypeGapDetected,
		Network: network.String(),
		Subject: g.Wallet,
		Title:   fmt.Sprintf("%d uncaptured on-chain payments", len(g.SuspiciousExpenses)),
		Message: fmt.Sprintf("gap rate %.2f between %s and %s",
			g.GapRate, g.StartTime.UTC().Format(time.RFC3339), g.EndTime.UTC().Format(time.RFC3339)),
		Fields: map[string]string{
			"onchain_count":  strconv.Itoa(g.OnChainCount),
			"captured_count": strconv.Itoa(g.CapturedCount),
		},
	}
}

// RPCExhausted builds the alert for a call that failed on every endpoint.
func RPCExhausted(network model.Network, method string, err error) Alert {
	return Alert{
		Type:    AlertTypeRPCExhausted,
		Network: network.String(),
		Subject: method,
		Title:   "all RPC endpoints failed",
		Message: err.Error(),
	}
}

// PoolListener converts breaker transitions into endpoint alerts. Sends
// run asynchronously so the pool is never blocked on a webhook.
func PoolListener(a Alerter, network model.Network, logger *slog.Logger) rpcpool.StateListener {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "alerter")
	return func(ep rpcpool.Endpoint, from, to circuitbreaker.State) {
		var al Alert
		switch {
		case to == circuitbreaker.StateOpen:
			al = Alert{
				Type:    AlertTypeEndpointDisabled,
				Title:   "rpc endpoint disabled",
				Message: fmt.Sprintf("failure rate %.2f", ep.FailureRate),
			}
		case from == circuitbreaker.StateOpen:
			al = Alert{
				Type:    AlertTypeRPCRecovered,
				Title:   "rpc endpoint re-enabled",
				Message: fmt.Sprintf("state %s", to),
			}
		default:
			return
		}
		al.Network = network.String()
		al.Subject = ep.Name
		al.Fields = map[string]string{"url": ep.URL}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
			defer cancel()
			if err := a.Send(ctx, al); err != nil {
				logger.Warn("endpoint alert failed", "endpoint", ep.Name, "error", err)
			}
		}()
	}
}
