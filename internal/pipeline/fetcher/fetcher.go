package fetcher

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emperorhan/volume-backfill/internal/chain/explorer"
	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pipeline/outcome"
)

//go:generate mockgen -source=fetcher.go -destination=mocks/mock_source.go -package=mocks

const DefaultPageSize = 1000

// TransactionSource pages through an address's transaction history.
type TransactionSource interface {
	AddressTransactions(ctx context.Context, address string, from, to int64, page, pageSize int) (explorer.AddressPage, error)
}

// Fetcher collects the in-window transactions of one address.
type Fetcher struct {
	source   TransactionSource
	window   model.DateWindow
	pageSize int
	maxPages int
	chain    string
	logger   *slog.Logger
}

type Option func(*Fetcher)

func WithPageSize(n int) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.pageSize = n
		}
	}
}

// WithMaxPages stops pagination after n pages; 0 means no limit.
func WithMaxPages(n int) Option {
	return func(f *Fetcher) {
		if n >= 0 {
			f.maxPages = n
		}
	}
}

func WithChain(chain string) Option {
	return func(f *Fetcher) {
		f.chain = chain
	}
}

func New(source TransactionSource, window model.DateWindow, logger *slog.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fetcher{
		source:   source,
		window:   window,
		pageSize: DefaultPageSize,
		logger:   logger.With("component", "fetcher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// Fetch reads every page of address's history within rng and keeps the
// transactions whose timestamp lies in the window, in explorer order.
//
// Pagination ends at an empty or short page. A request that fails after
// retries degrades to an empty result; only context cancellation is fatal.
func (f *Fetcher) Fetch(ctx context.Context, address string, rng model.BlockRange) outcome.Result[[]model.RawTransaction] {
	log := f.logger.With("address", address)
	var (
		kept    []model.RawTransaction
		fetched int
	)

	for page := 1; ; page++ {
		if f.maxPages > 0 && page > f.maxPages {
			log.Warn("page limit reached, history truncated", "max_pages", f.maxPages)
			break
		}

		resp, err := f.source.AddressTransactions(ctx, address, rng.FromBlock, rng.ToBlock, page, f.pageSize)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return outcome.Fatal[[]model.RawTransaction](ctxErr)
			}
			metrics.FetcherErrors.WithLabelValues(f.chain).Inc()
			log.Error("fetch failed, treating address as empty", "page", page, "error", err)
			return outcome.Degraded[[]model.RawTransaction](nil, fmt.Errorf("fetch %s page %d: %w", address, page, err))
		}

		n := len(resp.Transactions)
		metrics.FetcherPagesTotal.WithLabelValues(f.chain).Inc()
		metrics.FetcherTxFetched.WithLabelValues(f.chain).Add(float64(n))
		if n == 0 {
			break
		}
		fetched += n
		log.Debug("fetched page", "page", page, "transactions", n)

		kept = append(kept, f.filter(log, resp.Transactions)...)

		if n < f.pageSize {
			break
		}
	}

	log.Info("fetched address history",
		"from_block", rng.FromBlock,
		"to_block", rng.ToBlock,
		"fetched", fetched,
		"kept", len(kept),
	)
	return outcome.Ok(kept)
}

func (f *Fetcher) filter(log *slog.Logger, txs []model.RawTransaction) []model.RawTransaction {
	out := make([]model.RawTransaction, 0, len(txs))
	for _, tx := range txs {
		ts, ok := tx.Timestamp()
		if !ok {
			metrics.FetcherTxDropped.WithLabelValues(f.chain, "no_timestamp").Inc()
			log.Debug("transaction has no timestamp", "txid", tx.TxID)
			continue
		}
		if !f.window.Contains(ts) {
			metrics.FetcherTxDropped.WithLabelValues(f.chain, "out_of_window").Inc()
			log.Debug("transaction outside window", "txid", tx.TxID, "time", ts)
			continue
		}
		out = append(out, tx)
	}
	return out
}
