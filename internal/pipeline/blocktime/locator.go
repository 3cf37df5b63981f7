package blocktime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/volume-backfill/internal/cache"
	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/failure"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pipeline/outcome"
)

const (
	DefaultMaxIterations = 20
	DefaultSafetyMargin  = 10
)

// BlockSource looks up a single block by height.
type BlockSource interface {
	Block(ctx context.Context, height int64) (model.BlockInfo, error)
}

// Store keeps block times across runs. Lookups that miss fall through to
// the BlockSource; store errors only cost an explorer call.
type Store interface {
	Get(ctx context.Context, height int64) (model.BlockInfo, bool, error)
	Put(ctx context.Context, b model.BlockInfo) error
}

// storeMinAge keeps blocks that could still be reorganised out of the store.
const storeMinAge = 6 * time.Hour

// Locator maps wall-clock times onto block heights with a bounded binary
// search over block timestamps.
type Locator struct {
	source        BlockSource
	blocks        *cache.LRU[int64, model.BlockInfo]
	store         Store
	now           func() time.Time
	maxIterations int
	safetyMargin  int64
	chain         string
	logger        *slog.Logger
}

type Option func(*Locator)

func WithMaxIterations(n int) Option {
	return func(l *Locator) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

func WithSafetyMargin(blocks int64) Option {
	return func(l *Locator) {
		if blocks >= 0 {
			l.safetyMargin = blocks
		}
	}
}

// WithStore reads and writes block times through s before the explorer.
func WithStore(s Store) Option {
	return func(l *Locator) {
		l.store = s
	}
}

func WithChain(chain string) Option {
	return func(l *Locator) {
		l.chain = chain
	}
}

// New builds a locator. blocks is the run's block cache and may be nil.
func New(source BlockSource, blocks *cache.LRU[int64, model.BlockInfo], logger *slog.Logger, opts ...Option) *Locator {
	l := &Locator{
		source:        source,
		blocks:        blocks,
		now:           time.Now,
		maxIterations: DefaultMaxIterations,
		safetyMargin:  DefaultSafetyMargin,
		logger:        logger.With("component", "blocktime"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Locate returns the highest probed block in [low, high] whose time does not
// follow target. The search stops after maxIterations probes, so on very
// large ranges the answer may trail the true boundary by a few blocks.
//
// A probed block without a timestamp aborts with failure.ErrNotFound, as does
// a search in which no probed block is at or before target.
func (l *Locator) Locate(ctx context.Context, target time.Time, low, high int64) (model.BlockInfo, error) {
	origLow, origHigh := low, high
	var (
		best  model.BlockInfo
		found bool
	)

	for i := 0; low <= high && i < l.maxIterations; i++ {
		mid := low + (high-low)/2
		block, err := l.block(ctx, mid)
		if err != nil {
			return model.BlockInfo{}, fmt.Errorf("probe block %d: %w", mid, err)
		}
		if !block.HasTime() {
			l.logger.Warn("block has no timestamp", "height", mid)
			return model.BlockInfo{}, failure.NotFound("timestamp of block %d", mid)
		}

		l.logger.Debug("probed block",
			"height", mid,
			"block_time", block.Time,
			"target", target,
		)

		if !block.Time.After(target) {
			best = block
			found = true
			low = mid + 1
		} else {
			high = mid - 1
		}
	}

	if !found {
		return model.BlockInfo{}, failure.NotFound("block at or before %s in [%d, %d]", target.Format(time.RFC3339), origLow, origHigh)
	}
	return best, nil
}

// LocateWithMargin is Locate followed by the safety margin, capped at high.
// Extra blocks only cost duplicate fetches, which the tx_hash key absorbs.
func (l *Locator) LocateWithMargin(ctx context.Context, target time.Time, low, high int64) (model.BlockInfo, error) {
	block, err := l.Locate(ctx, target, low, high)
	if err != nil {
		return model.BlockInfo{}, err
	}
	block.Height = min(block.Height+l.safetyMargin, high)
	return block, nil
}

// ResolveRange converts the window into a block range on a chain whose best
// height is head. An edge that cannot be located falls back to 0 or head and
// the result is Degraded.
func (l *Locator) ResolveRange(ctx context.Context, window model.DateWindow, head int64) outcome.Result[model.BlockRange] {
	if head < 0 {
		head = 0
	}
	rng := model.BlockRange{FromBlock: 0, ToBlock: head, Start: window.Start, End: window.End}
	var causes []error

	start, err := l.Locate(ctx, window.Start, 0, head)
	if err != nil {
		if ctx.Err() != nil {
			return outcome.Fatal[model.BlockRange](ctx.Err())
		}
		metrics.LocatorFallbacksTotal.WithLabelValues(l.chain, "start").Inc()
		l.logger.Warn("start block not located, scanning from genesis", "target", window.Start, "error", err)
		causes = append(causes, fmt.Errorf("locate window start: %w", err))
	} else {
		rng.FromBlock = start.Height
	}

	end, err := l.LocateWithMargin(ctx, window.End, rng.FromBlock, head)
	if err != nil {
		if ctx.Err() != nil {
			return outcome.Fatal[model.BlockRange](ctx.Err())
		}
		metrics.LocatorFallbacksTotal.WithLabelValues(l.chain, "end").Inc()
		l.logger.Warn("end block not located, scanning to head", "target", window.End, "head", head, "error", err)
		causes = append(causes, fmt.Errorf("locate window end: %w", err))
	} else {
		rng.ToBlock = end.Height
	}

	rng = rng.Clamp(head)
	l.logger.Info("resolved block range",
		"from_block", rng.FromBlock,
		"to_block", rng.ToBlock,
		"window", window.String(),
		"degraded", len(causes) > 0,
	)
	if len(causes) > 0 {
		return outcome.Degraded(rng, errors.Join(causes...))
	}
	return outcome.Ok(rng)
}

func (l *Locator) block(ctx context.Context, height int64) (model.BlockInfo, error) {
	load := func() (model.BlockInfo, error) {
		if b, ok := l.stored(ctx, height); ok {
			return b, nil
		}
		metrics.LocatorProbesTotal.WithLabelValues(l.chain).Inc()
		b, err := l.source.Block(ctx, height)
		if err == nil && b.HasTime() && l.store != nil && l.now().Sub(b.Time) >= storeMinAge {
			if err := l.store.Put(ctx, b); err != nil {
				l.logger.Warn("block store write failed", "height", height, "error", err)
			}
		}
		return b, err
	}
	if l.blocks == nil {
		return load()
	}
	return l.blocks.GetOrLoad(height, load)
}

func (l *Locator) stored(ctx context.Context, height int64) (model.BlockInfo, bool) {
	if l.store == nil {
		return model.BlockInfo{}, false
	}
	b, ok, err := l.store.Get(ctx, height)
	if err != nil {
		l.logger.Warn("block store read failed", "height", height, "error", err)
		return model.BlockInfo{}, false
	}
	if ok {
		metrics.CacheHits.WithLabelValues("block_store").Inc()
	} else {
		metrics.CacheMisses.WithLabelValues("block_store").Inc()
	}
	return b, ok
}
