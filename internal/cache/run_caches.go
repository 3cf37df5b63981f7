package cache

import (
	"log/slog"
	"time"

	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/metrics"
)

// RunCaches holds the memoized lookups of one backfill run. The pipeline
// creates it at run start and drops it when the run returns; nothing is
// shared across runs.
type RunCaches struct {
	// Blocks memoizes explorer block lookups by height.
	Blocks *LRU[int64, model.BlockInfo]
	// Prices memoizes resolved quotes by unix hour.
	Prices *LRU[int64, model.PriceQuote]
}

// NewRunCaches sizes both caches; a capacity <= 0 is unbounded. Entries never
// expire because the whole object is discarded with the run.
func NewRunCaches(blockCapacity, priceCapacity int) *RunCaches {
	return &RunCaches{
		Blocks: NewLRU[int64, model.BlockInfo](blockCapacity, 0),
		Prices: NewLRU[int64, model.PriceQuote](priceCapacity, 0),
	}
}

// PriceKey is the Prices key of the hour containing t.
func PriceKey(t time.Time) int64 {
	return model.HourOf(t).Unix()
}

// Report publishes hit and miss counts and logs them.
func (r *RunCaches) Report(logger *slog.Logger) {
	if r == nil {
		return
	}
	blockHits, blockMisses := r.Blocks.Stats()
	priceHits, priceMisses := r.Prices.Stats()

	metrics.CacheHits.WithLabelValues("blocks").Add(float64(blockHits))
	metrics.CacheMisses.WithLabelValues("blocks").Add(float64(blockMisses))
	metrics.CacheHits.WithLabelValues("prices").Add(float64(priceHits))
	metrics.CacheMisses.WithLabelValues("prices").Add(float64(priceMisses))

	logger.Info("run cache stats",
		"block_entries", r.Blocks.Len(),
		"block_hits", blockHits,
		"block_misses", blockMisses,
		"price_entries", r.Prices.Len(),
		"price_hits", priceHits,
		"price_misses", priceMisses,
	)
}
