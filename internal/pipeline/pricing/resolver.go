package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/volume-backfill/internal/cache"
	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pipeline/outcome"
	"github.com/shopspring/decimal"
)

var (
	DefaultFallbackUSD = decimal.NewFromInt(100)
	DefaultFallbackBTC = decimal.RequireFromString("0.002")
)

// ErrNoPrice marks a quote built from the fallback constants.
var ErrNoPrice = errors.New("no stored price")

// Store is the read side of the price series.
type Store interface {
	ExactHour(ctx context.Context, symbol string, hour time.Time) (*model.PricePoint, error)
	AtOrBefore(ctx context.Context, symbol string, t time.Time) (*model.PricePoint, error)
	Latest(ctx context.Context, symbol string) (*model.PricePoint, error)
}

// Resolver picks the price pair applied to a transaction at a point in time.
type Resolver struct {
	store       Store
	symbol      string
	window      model.DateWindow
	prices      *cache.LRU[int64, model.PriceQuote]
	fallbackUSD decimal.Decimal
	fallbackBTC decimal.Decimal
	chain       string
	logger      *slog.Logger
}

type Option func(*Resolver)

func WithFallback(usd, btc decimal.Decimal) Option {
	return func(r *Resolver) {
		r.fallbackUSD = usd
		r.fallbackBTC = btc
	}
}

func WithChain(chain string) Option {
	return func(r *Resolver) {
		r.chain = chain
	}
}

// New builds a resolver for symbol. prices is the run's price cache and may be nil.
func New(store Store, symbol string, window model.DateWindow, prices *cache.LRU[int64, model.PriceQuote], logger *slog.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		store:       store,
		symbol:      symbol,
		window:      window,
		prices:      prices,
		fallbackUSD: DefaultFallbackUSD,
		fallbackBTC: DefaultFallbackBTC,
		chain:       symbol,
		logger:      logger.With("component", "pricing"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve never returns Fatal. Timestamps outside the window resolve to a
// zero pair without touching the store; a quote built from the fallback
// constants is Degraded.
func (r *Resolver) Resolve(ctx context.Context, ts time.Time) outcome.Result[model.PriceQuote] {
	if !r.window.Contains(ts) {
		r.observe(model.PriceSourceOutOfWindow)
		return outcome.Ok(model.PriceQuote{
			PriceUSDT: decimal.Zero,
			PriceBTC:  decimal.Zero,
			Source:    model.PriceSourceOutOfWindow,
		})
	}

	hour := model.HourOf(ts)
	key := cache.PriceKey(hour)
	if r.prices != nil {
		if q, ok := r.prices.Get(key); ok {
			r.observe(q.Source)
			return outcome.Ok(q)
		}
	}

	q, err := r.lookup(ctx, hour)
	if err != nil {
		q = model.PriceQuote{PriceUSDT: r.fallbackUSD, PriceBTC: r.fallbackBTC, Source: model.PriceSourceFallback}
		r.observe(q.Source)
		r.logger.Warn("price fallback used",
			"symbol", r.symbol,
			"hour", hour.Format(time.RFC3339),
			"price_usdt", q.PriceUSDT.String(),
			"price_btc", q.PriceBTC.String(),
			"error", err,
		)
		return outcome.Degraded(q, err)
	}

	// Fallback quotes are not memoized so a store that recovers mid-run is used again.
	if r.prices != nil {
		q = r.prices.PutIfAbsent(key, q)
	}
	r.observe(q.Source)
	return outcome.Ok(q)
}

func (r *Resolver) lookup(ctx context.Context, hour time.Time) (model.PriceQuote, error) {
	tiers := []struct {
		source model.PriceSource
		find   func() (*model.PricePoint, error)
	}{
		{model.PriceSourceExactHour, func() (*model.PricePoint, error) { return r.store.ExactHour(ctx, r.symbol, hour) }},
		{model.PriceSourceAtOrBefore, func() (*model.PricePoint, error) { return r.store.AtOrBefore(ctx, r.symbol, hour) }},
		{model.PriceSourceLatest, func() (*model.PricePoint, error) { return r.store.Latest(ctx, r.symbol) }},
	}

	for _, tier := range tiers {
		p, err := tier.find()
		if err != nil {
			return model.PriceQuote{}, fmt.Errorf("%s lookup: %w", tier.source, err)
		}
		if p != nil {
			return model.PriceQuote{PriceUSDT: p.PriceUSDT, PriceBTC: p.PriceBTC, Source: tier.source}, nil
		}
	}
	return model.PriceQuote{}, fmt.Errorf("%w for %s", ErrNoPrice, r.symbol)
}

func (r *Resolver) observe(source model.PriceSource) {
	metrics.PriceResolutionsTotal.WithLabelValues(r.chain, string(source)).Inc()
}
