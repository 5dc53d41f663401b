// Package verifier reconciles canonical records against on-chain transfers.
package verifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/huangpi1030-tech/x402-account/internal/cache"
	"github.com/huangpi1030-tech/x402-account/internal/chain"
	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
	"github.com/huangpi1030-tech/x402-account/internal/identity"
	"github.com/huangpi1030-tech/x402-account/internal/metrics"
	"github.com/huangpi1030-tech/x402-account/internal/rpcpool"
	"github.com/huangpi1030-tech/x402-account/internal/tracing"
)

type Config struct {
	DirectConfidence             int
	DirectFailureConfidence      int
	AttributionConfidence        int
	AttributionFailureConfidence int

	// AttributionWindow is the half-width of the blind search window.
	AttributionWindow time.Duration
	// Tolerance is the accepted absolute amount difference in base units.
	Tolerance int64

	CacheTTL  time.Duration
	CacheSize int
}

func DefaultConfig() Config {
	return Config{
		DirectConfidence:             95,
		DirectFailureConfidence:      30,
		AttributionConfidence:        75,
		AttributionFailureConfidence: 40,
		AttributionWindow:            10 * time.Minute,
		CacheTTL:                     5 * time.Minute,
		CacheSize:                    10000,
	}
}

// lookup is a cached eth_getTransactionReceipt outcome.
type lookup struct {
	tx       *chain.Transaction
	notFound bool
}

type Verifier struct {
	client chain.Client
	cfg    Config
	cache  cache.Cache[string, lookup]
	tracer trace.Tracer
	logger *slog.Logger
}

type Option func(*Verifier)

// WithCacheClock sets the clock used for cache expiry.
func WithCacheClock(now func() time.Time) Option {
	return func(v *Verifier) {
		v.cache = cache.NewSharded[lookup](v.cfg.CacheSize, 0, v.cfg.CacheTTL, cache.WithClock(now))
	}
}

func New(client chain.Client, cfg Config, logger *slog.Logger, opts ...Option) *Verifier {
	def := DefaultConfig()
	if cfg.DirectConfidence == 0 {
		cfg.DirectConfidence = def.DirectConfidence
	}
	if cfg.DirectFailureConfidence == 0 {
		cfg.DirectFailureConfidence = def.DirectFailureConfidence
	}
	if cfg.AttributionConfidence == 0 {
		cfg.AttributionConfidence = def.AttributionConfidence
	}
	if cfg.AttributionFailureConfidence == 0 {
		cfg.AttributionFailureConfidence = def.AttributionFailureConfidence
	}
	if cfg.AttributionWindow <= 0 {
		cfg.AttributionWindow = def.AttributionWindow
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = def.CacheTTL
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = def.CacheSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	v := &Verifier{
		client: client,
		cfg:    cfg,
		cache:  cache.NewSharded[lookup](cfg.CacheSize, 0, cfg.CacheTTL),
		tracer: tracing.Tracer("x402/verifier"),
		logger: logger.With("component", "verifier"),
	}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Verify confirms the record's claimed tx hash, or attributes it blindly
// when no hash is known.
func (v *Verifier) Verify(ctx context.Context, rec *model.CanonicalRecord) Result {
	mode := ModeBlind
	if rec.TxHash != "" {
		mode = ModeDirect
	}
	ctx, span := v.tracer.Start(ctx, "verifier.Verify", trace.WithAttributes(
		attribute.String("x402.event_id", rec.EventID.String()),
		attribute.String("x402.mode", string(mode)),
		attribute.String("x402.network", string(rec.Network)),
	))
	defer span.End()

	start := time.Now()
	var res Result
	if mode == ModeDirect {
		res = v.VerifyTxHash(ctx, rec)
	} else {
		res = v.Attribute(ctx, rec)
	}

	metrics.VerificationsTotal.WithLabelValues(string(mode), res.Outcome()).Inc()
	metrics.VerificationLatency.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	span.SetAttributes(attribute.Bool("x402.verified", res.Verified), attribute.Int("x402.confidence", res.Confidence))
	if res.Err != nil && !res.Verified {
		span.SetStatus(codes.Error, res.Err.Error())
	}
	v.logger.Debug("verification finished",
		"event_id", rec.EventID, "mode", mode, "verified", res.Verified,
		"confidence", res.Confidence, "outcome", res.Outcome())
	return res
}

// VerifyTxHash checks that the claimed transaction paid the payee the
// expected amount.
func (v *Verifier) VerifyTxHash(ctx context.Context, rec *model.CanonicalRecord) Result {
	expected, err := expectedAmount(rec)
	if err != nil {
		return Failed(ModeDirect, 0, KindMissingFields, err.Error())
	}
	if rec.PayeeWallet == "" {
		return Failed(ModeDirect, 0, KindMissingFields, "payee_wallet is required")
	}

	hash := identity.CanonicalTxHash(rec.Network, rec.TxHash)
	lk, err := v.getTransaction(ctx, hash)
	if err != nil {
		return v.rpcFailure(ModeDirect, err)
	}
	if lk.notFound {
		return Failed(ModeDirect, v.cfg.DirectFailureConfidence, KindNotFound,
			fmt.Sprintf("transaction %s not found on %s", hash, rec.Network))
	}

	tx := lk.tx
	blockNumber, blockTime := tx.BlockNumber, tx.BlockTime
	if !tx.Success {
		res := Failed(ModeDirect, v.cfg.DirectFailureConfidence, KindMismatch, "transaction reverted")
		res.BlockNumber, res.BlockTime = &blockNumber, &blockTime
		return res
	}

	matches := v.matching(rec, tx.Transfers, expected)
	if len(matches) == 0 {
		res := Failed(ModeDirect, v.cfg.DirectFailureConfidence, KindMismatch,
			fmt.Sprintf("no transfer of %s to %s in %s", expected, rec.PayeeWallet, hash))
		res.BlockNumber, res.BlockTime = &blockNumber, &blockTime
		return res
	}

	matched := matches[0]
	return Result{
		Mode:            ModeDirect,
		Verified:        true,
		Confidence:      v.cfg.DirectConfidence,
		BlockNumber:     &blockNumber,
		BlockTime:       &blockTime,
		MatchedTransfer: &matched,
		MatchCount:      1,
	}
}

// Attribute searches for transfers to the payee of the expected amount
// around the observed payment time and picks the closest one.
func (v *Verifier) Attribute(ctx context.Context, rec *model.CanonicalRecord) Result {
	var missing []string
	if rec.PayeeWallet == "" {
		missing = append(missing, "payee_wallet")
	}
	if rec.AmountDecimal == "" {
		missing = append(missing, "amount")
	}
	if len(missing) > 0 {
		return Failed(ModeBlind, 0, KindMissingFields, "missing "+strings.Join(missing, ", "))
	}
	expected, err := expectedAmount(rec)
	if err != nil {
		return Failed(ModeBlind, 0, KindMissingFields, err.Error())
	}

	observed := rec.ObservedAt()
	transfers, err := v.client.GetTransfersTo(ctx, chain.TransferQuery{
		Payee:         identity.CanonicalAddress(rec.Network, rec.PayeeWallet),
		AssetContract: rec.AssetContract,
		From:          observed.Add(-v.cfg.AttributionWindow),
		To:            observed.Add(v.cfg.AttributionWindow),
	})
	if err != nil {
		return v.rpcFailure(ModeBlind, err)
	}

	matches := v.matching(rec, transfers, expected)
	if len(matches) == 0 {
		return Failed(ModeBlind, v.cfg.AttributionFailureConfidence, KindNotFound,
			fmt.Sprintf("no transfer of %s to %s within %s of %s",
				expected, rec.PayeeWallet, v.cfg.AttributionWindow, observed.UTC().Format(time.RFC3339)))
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return absDuration(matches[i].BlockTime.Sub(observed)) < absDuration(matches[j].BlockTime.Sub(observed))
	})
	matched := matches[0]
	blockNumber, blockTime := matched.BlockNumber, matched.BlockTime
	return Result{
		Mode:            ModeBlind,
		Verified:        true,
		Confidence:      v.cfg.AttributionConfidence,
		BlockNumber:     &blockNumber,
		BlockTime:       &blockTime,
		MatchedTransfer: &matched,
		MatchCount:      len(matches),
	}
}

// InvalidateTx drops a cached lookup, e.g. after a reorg or manual retry.
func (v *Verifier) InvalidateTx(network model.Network, hash string) {
	v.cache.Delete(identity.CanonicalTxHash(network, hash))
}

func (v *Verifier) getTransaction(ctx context.Context, hash string) (lookup, error) {
	if lk, ok := v.cache.Get(hash); ok {
		metrics.VerificationCacheHits.Inc()
		return lk, nil
	}
	tx, err := v.client.GetTransaction(ctx, hash)
	switch {
	case errors.Is(err, chain.ErrNotFound):
		lk := lookup{notFound: true}
		v.cache.Set(hash, lk)
		return lk, nil
	case err != nil:
		return lookup{}, err
	}
	lk := lookup{tx: tx}
	v.cache.Set(hash, lk)
	return lk, nil
}

// matching keeps transfers to the payee whose amount is within tolerance,
// narrowed to the payer and asset when those are known.
func (v *Verifier) matching(rec *model.CanonicalRecord, transfers []model.Transfer, expected decimal.Decimal) []model.Transfer {
	tolerance := decimal.NewFromInt(v.cfg.Tolerance)
	var out []model.Transfer
	for _, t := range transfers {
		if !identity.SameAddress(rec.Network, t.ToAddress, rec.PayeeWallet) {
			continue
		}
		if rec.PayerWallet != "" && !identity.SameAddress(rec.Network, t.FromAddress, rec.PayerWallet) {
			continue
		}
		if rec.AssetContract != "" && t.AssetContract != "" &&
			!identity.SameAddress(rec.Network, t.AssetContract, rec.AssetContract) {
			continue
		}
		actual, err := decimal.NewFromString(t.Amount)
		if err != nil {
			continue
		}
		if actual.Sub(expected).Abs().LessThanOrEqual(tolerance) {
			out = append(out, t)
		}
	}
	return out
}

func (v *Verifier) rpcFailure(mode Mode, err error) Result {
	if errors.Is(err, rpcpool.ErrRPCExhausted) {
		v.logger.Warn("rpc exhausted during verification", "mode", mode, "error", err)
		return Failed(mode, 0, KindRPCExhausted, err.Error())
	}
	if !errors.Is(err, context.Canceled) {
		v.logger.Error("rpc error during verification", "mode", mode, "error", err)
	}
	return Failed(mode, 0, KindRPCError, err.Error())
}

// expectedAmount prefers base units and falls back to the decimal amount.
func expectedAmount(rec *model.CanonicalRecord) (decimal.Decimal, error) {
	if rec.AmountBaseUnits != "" {
		d, err := decimal.NewFromString(rec.AmountBaseUnits)
		if err != nil {
			return decimal.Decimal{}, fmt.Errorf("invalid amount %q: %w", rec.AmountBaseUnits, err)
		}
		return d, nil
	}
	if rec.AmountDecimal == "" {
		return decimal.Decimal{}, errors.New("amount is required")
	}
	base, err := model.DecimalToBaseUnits(rec.AmountDecimal, rec.Decimals)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return decimal.RequireFromString(base), nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
