// Package pricefill loads the hourly USD and BTC price series of the chain's
// coin into token_prices.
package pricefill

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/marketdata/coingecko"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/tracing"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkDays = 30
	DefaultDelay     = 2500 * time.Millisecond
)

// MarketData returns a price series for one quote currency.
type MarketData interface {
	MarketChartRange(ctx context.Context, coinID, vsCurrency string, from, to time.Time) ([]coingecko.Point, error)
}

// Store receives joined hourly points. Existing (symbol, hour) rows are kept.
type Store interface {
	BulkInsert(ctx context.Context, points []model.PricePoint) (int64, error)
}

type Config struct {
	Symbol    string
	CoinID    string
	Window    model.DateWindow
	ChunkDays int
	Delay     time.Duration
}

type Summary struct {
	Chunks       int
	USDPoints    int
	BTCPoints    int
	Joined       int
	Inserted     int64
	MissingHours int
	Duration     time.Duration
}

func (s Summary) LogAttrs() []any {
	return []any{
		"chunks", s.Chunks,
		"usd_points", s.USDPoints,
		"btc_points", s.BTCPoints,
		"joined", s.Joined,
		"inserted", s.Inserted,
		"missing_hours", s.MissingHours,
		"duration", s.Duration.String(),
	}
}

type Filler struct {
	cfg    Config
	market MarketData
	store  Store
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(cfg Config, market MarketData, store Store, logger *slog.Logger) *Filler {
	if cfg.ChunkDays <= 0 {
		cfg.ChunkDays = DefaultChunkDays
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	return &Filler{
		cfg:    cfg,
		market: market,
		store:  store,
		logger: logger.With("component", "pricefill", "symbol", cfg.Symbol),
		sleep:  sleepCtx,
	}
}

// Run walks the window in ChunkDays spans. For each span it fetches both
// currencies concurrently, joins them and inserts the result, so a failed
// run keeps the chunks before the failure. Any chunk error stops the run.
func (f *Filler) Run(ctx context.Context) (Summary, error) {
	start := time.Now()
	var summary Summary
	covered := make(map[time.Time]struct{})

	chunks := Chunks(f.cfg.Window, f.cfg.ChunkDays)
	for i, ch := range chunks {
		if i > 0 {
			if err := f.sleep(ctx, f.cfg.Delay); err != nil {
				return summary, err
			}
		}
		if err := f.fillChunk(ctx, ch, &summary, covered); err != nil {
			metrics.PricefillChunksTotal.WithLabelValues(f.cfg.Symbol, "failed").Inc()
			summary.Duration = time.Since(start)
			return summary, fmt.Errorf("chunk %s..%s: %w", ch.From.Format(time.RFC3339), ch.To.Format(time.RFC3339), err)
		}
		metrics.PricefillChunksTotal.WithLabelValues(f.cfg.Symbol, "ok").Inc()
		summary.Chunks++
	}

	for _, h := range f.cfg.Window.Hours() {
		if _, ok := covered[h]; !ok {
			summary.MissingHours++
		}
	}
	summary.Duration = time.Since(start)
	f.logger.Info("price fill completed", summary.LogAttrs()...)
	return summary, nil
}

func (f *Filler) fillChunk(ctx context.Context, ch Chunk, summary *Summary, covered map[time.Time]struct{}) (err error) {
	ctx, span := tracing.Start(ctx, "pricefill", "chunk",
		attribute.String("symbol", f.cfg.Symbol),
		attribute.String("from", ch.From.Format(time.RFC3339)),
		attribute.String("to", ch.To.Format(time.RFC3339)),
	)
	defer func() { tracing.End(span, err) }()

	var usd, btc []coingecko.Point
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		usd, err = f.market.MarketChartRange(gctx, f.cfg.CoinID, "usd", ch.From, ch.To)
		return err
	})
	g.Go(func() error {
		var err error
		btc, err = f.market.MarketChartRange(gctx, f.cfg.CoinID, "btc", ch.From, ch.To)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	points := Join(f.cfg.Symbol, usd, btc)
	summary.USDPoints += len(usd)
	summary.BTCPoints += len(btc)
	summary.Joined += len(points)

	inserted, err := f.store.BulkInsert(ctx, points)
	if err != nil {
		return fmt.Errorf("insert prices: %w", err)
	}
	summary.Inserted += inserted
	metrics.PricefillPointsInserted.WithLabelValues(f.cfg.Symbol).Add(float64(inserted))

	for _, p := range points {
		covered[p.Timestamp] = struct{}{}
	}
	f.logger.Info("price chunk stored",
		"from", ch.From,
		"to", ch.To,
		"usd_points", len(usd),
		"btc_points", len(btc),
		"joined", len(points),
		"inserted", inserted,
	)
	return nil
}

// Join pairs USD and BTC samples taken at the same instant. Samples are
// keyed to their UTC hour; the first pair seen for an hour wins. Samples
// without a counterpart or with a non-positive price are dropped.
func Join(symbol string, usd, btc []coingecko.Point) []model.PricePoint {
	btcAt := make(map[int64]coingecko.Point, len(btc))
	for _, p := range btc {
		if _, dup := btcAt[p.Time.UnixMilli()]; !dup {
			btcAt[p.Time.UnixMilli()] = p
		}
	}

	seen := make(map[time.Time]struct{}, len(usd))
	out := make([]model.PricePoint, 0, len(usd))
	for _, u := range usd {
		b, ok := btcAt[u.Time.UnixMilli()]
		if !ok || !u.Price.IsPositive() || !b.Price.IsPositive() {
			continue
		}
		hour := model.HourOf(u.Time)
		if _, dup := seen[hour]; dup {
			continue
		}
		seen[hour] = struct{}{}
		out = append(out, model.PricePoint{
			TokenSymbol: symbol,
			Timestamp:   hour,
			PriceUSDT:   u.Price,
			PriceBTC:    b.Price,
		})
	}
	return out
}

// Chunk is an inclusive time span requested in one call per currency.
type Chunk struct {
	From time.Time
	To   time.Time
}

// Chunks splits the window into spans of at most days days. Consecutive
// spans do not overlap.
func Chunks(window model.DateWindow, days int) []Chunk {
	if days <= 0 {
		days = DefaultChunkDays
	}
	var out []Chunk
	for from := window.Start; !from.After(window.End); {
		to := from.AddDate(0, 0, days)
		if to.After(window.End) {
			to = window.End
		}
		out = append(out, Chunk{From: from, To: to})
		from = to.Add(time.Second)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
