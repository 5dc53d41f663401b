// Package fx values crypto amounts in fiat at payment time.
package fx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/huangpi1030-tech/x402-account/internal/domain/model"
)

// FiatPlaces is the precision of stored fiat values.
const FiatPlaces = 2

var ErrNoRate = errors.New("fx: no rate")

// Quote is a rate snapshot for one asset in one fiat currency.
type Quote struct {
	Asset      string
	Currency   string
	Rate       decimal.Decimal
	Source     string
	CapturedAt time.Time
}

// Provider returns the rate in effect at a given time.
type Provider interface {
	Rate(ctx context.Context, asset, currency string, at time.Time) (Quote, error)
}

// Valuate sets the fiat snapshot fields of rec from q. The value is
// amount × rate rounded to FiatPlaces.
func Valuate(rec *model.CanonicalRecord, q Quote) error {
	if rec.AmountDecimal == "" {
		return fmt.Errorf("valuate %s: amount is empty", rec.EventID)
	}
	amount, err := decimal.NewFromString(rec.AmountDecimal)
	if err != nil {
		return fmt.Errorf("valuate %s: invalid amount %q: %w", rec.EventID, rec.AmountDecimal, err)
	}
	if q.Rate.IsNegative() {
		return fmt.Errorf("valuate %s: negative rate %s", rec.EventID, q.Rate)
	}
	captured := q.CapturedAt.UTC()
	rec.FxFiatCurrency = strings.ToUpper(q.Currency)
	rec.FxRate = q.Rate.String()
	rec.FiatValueAtTime = amount.Mul(q.Rate).StringFixed(FiatPlaces)
	rec.FxSource = q.Source
	rec.FxCapturedAt = &captured
	return nil
}

// StaticProvider serves fixed rates from configuration, keyed by
// "ASSET/CURRENCY" (e.g. "USDC/USD").
type StaticProvider struct {
	rates map[string]decimal.Decimal
	now   func() time.Time
}

func NewStaticProvider(rates map[string]string) (*StaticProvider, error) {
	p := &StaticProvider{rates: make(map[string]decimal.Decimal, len(rates)), now: time.Now}
	for pair, raw := range rates {
		asset, currency, ok := strings.Cut(pair, "/")
		if !ok || asset == "" || currency == "" {
			return nil, fmt.Errorf("fx rate key %q: want ASSET/CURRENCY", pair)
		}
		rate, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("fx rate %s: %w", pair, err)
		}
		if rate.IsNegative() {
			return nil, fmt.Errorf("fx rate %s: negative", pair)
		}
		p.rates[key(asset, currency)] = rate
	}
	return p, nil
}

func (p *StaticProvider) Rate(_ context.Context, asset, currency string, _ time.Time) (Quote, error) {
	rate, ok := p.rates[key(asset, currency)]
	if !ok {
		return Quote{}, fmt.Errorf("%w for %s/%s", ErrNoRate, asset, currency)
	}
	return Quote{
		Asset:      strings.ToUpper(asset),
		Currency:   strings.ToUpper(currency),
		Rate:       rate,
		Source:     "static",
		CapturedAt: p.now().UTC(),
	}, nil
}

func key(asset, currency string) string {
	return strings.ToUpper(strings.TrimSpace(asset)) + "/" + strings.ToUpper(strings.TrimSpace(currency))
}
