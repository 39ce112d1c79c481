/**
 * @description
 * Price oracle for subscription quotes. Converts the fixed USD price into the settlement
 * currency using a live exchange rate, falling back to a configured rate when the feed is
 * slow or unavailable. Quotes never fail.
 */
package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"github.com/transfa/affiliate-subscription-service/internal/domain"
)

const (
	// Settlement amounts carry 9 decimal places, the precision of the smallest SUI unit.
	settlementPrecision = 9
	quoteValidity       = 5 * time.Minute
)

// RateFeed returns the live price of one settlement unit in USD.
type RateFeed interface {
	FetchUSDRate(ctx context.Context) (decimal.Decimal, error)
}

// RateCache holds the last good rate for a short period.
type RateCache interface {
	GetRate(ctx context.Context) (decimal.Decimal, bool, error)
	SetRate(ctx context.Context, rate decimal.Decimal) error
}

// PriceOracle produces price quotes.
type PriceOracle struct {
	feed         RateFeed
	cache        RateCache
	usdPrice     decimal.Decimal
	fallbackRate decimal.Decimal
	timeout      time.Duration
	logger       *slog.Logger
	now          func() time.Time
}

// NewPriceOracle creates an oracle. cache may be nil.
func NewPriceOracle(feed RateFeed, cache RateCache, usdPrice, fallbackRate decimal.Decimal, timeout time.Duration, logger *slog.Logger) *PriceOracle {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &PriceOracle{
		feed:         feed,
		cache:        cache,
		usdPrice:     usdPrice,
		fallbackRate: fallbackRate,
		timeout:      timeout,
		logger:       logger,
		now:          time.Now,
	}
}

// GetPriceQuote returns the subscription price in USD and in the settlement currency.
func (o *PriceOracle) GetPriceQuote(ctx context.Context) domain.PriceQuote {
	rate, fallback := o.currentRate(ctx)
	return domain.PriceQuote{
		USDPrice:         o.usdPrice,
		SettlementAmount: SettlementAmount(o.usdPrice, rate),
		FXRate:           rate,
		ValidUntil:       o.now().Add(quoteValidity),
		Fallback:         fallback,
	}
}

func (o *PriceOracle) currentRate(ctx context.Context) (decimal.Decimal, bool) {
	if o.cache != nil {
		rate, ok, err := o.cache.GetRate(ctx)
		if err != nil {
			o.logger.Warn("price cache read failed", "error", err)
		} else if ok && rate.IsPositive() {
			return rate, false
		}
	}

	if o.feed == nil {
		return o.fallbackRate, true
	}

	feedCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	rate, err := o.feed.FetchUSDRate(feedCtx)
	if err != nil {
		o.logger.Warn("price feed unavailable; using fallback rate", "error", err, "fallback_rate", o.fallbackRate.String())
		return o.fallbackRate, true
	}
	if !rate.IsPositive() {
		o.logger.Warn("price feed returned non-positive rate; using fallback rate", "rate", rate.String())
		return o.fallbackRate, true
	}

	if o.cache != nil {
		if err := o.cache.SetRate(ctx, rate); err != nil {
			o.logger.Warn("price cache write failed", "error", err)
		}
	}
	return rate, false
}

// SettlementAmount converts usd into the settlement currency at rate, rounding up at the
// ninth decimal so that amount * rate is never below usd.
func SettlementAmount(usd, rate decimal.Decimal) decimal.Decimal {
	quotient, remainder := usd.QuoRem(rate, settlementPrecision)
	if remainder.Sign() > 0 {
		quotient = quotient.Add(decimal.New(1, -settlementPrecision))
	}
	return quotient
}
