package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/emperorhan/volume-backfill/internal/alert"
	"github.com/emperorhan/volume-backfill/internal/cache"
	"github.com/emperorhan/volume-backfill/internal/chain/explorer"
	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/failure"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pipeline/blocktime"
	"github.com/emperorhan/volume-backfill/internal/pipeline/fetcher"
	"github.com/emperorhan/volume-backfill/internal/pipeline/outcome"
	"github.com/emperorhan/volume-backfill/internal/pipeline/persister"
	"github.com/emperorhan/volume-backfill/internal/pipeline/pricing"
	"github.com/emperorhan/volume-backfill/internal/store"
	"github.com/emperorhan/volume-backfill/internal/tracing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
)

const jobName = "backfill"

// Fatal stages reported in failure.FatalError.
const (
	StageDBPing       = "db_ping"
	StageChainStatus  = "explorer_status"
	StageBlockRange   = "block_range"
	StageBlockchainID = "blockchain_id"
	StageWallets      = "wallets"
	StageCanceled     = "canceled"
	StagePanic        = "panic"
)

// Explorer is the part of the explorer client a run uses.
type Explorer interface {
	Status(ctx context.Context) (explorer.ChainStatus, error)
	blocktime.BlockSource
	fetcher.TransactionSource
}

// Database is the connection pool as seen by a run.
type Database interface {
	store.Pinger
	store.TxBeginner
}

type Config struct {
	Symbol    string
	Window    model.DateWindow
	WalletIDs []int64

	MaxParallelRequests int

	PageSize      int
	MaxPages      int
	MaxIterations int
	SafetyMargin  int64

	BatchSize  int
	BatchDelay time.Duration

	FallbackUSD    decimal.Decimal
	FallbackBTC    decimal.Decimal
	SuspicionRules model.SuspicionRules

	BlockCacheSize int
	PriceCacheSize int
}

type Deps struct {
	DB           Database
	Explorer     Explorer
	Blockchains  store.BlockchainRepository
	Wallets      store.WalletRepository
	Prices       store.PriceRepository
	Transactions store.TransactionRepository
	Alerter      alert.Alerter

	// BlockStore is optional; when set, block times persist across runs.
	BlockStore blocktime.Store
}

// Summary is the outcome of one run, emitted even when the run fails.
type Summary struct {
	RunID               string
	Wallets             int
	WalletsProcessed    int
	WalletsDegraded     int
	WalletsFailed       int
	TransactionsFetched int
	TransactionsSaved   int
	Duplicates          int
	Skipped             int
	PriceFallbacks      int
	FailedBatches       int
	Range               model.BlockRange
	RangeDegraded       bool
	Duration            time.Duration
}

// Degraded reports whether any part of the run fell back to a default.
func (s Summary) Degraded() bool {
	return s.RangeDegraded || s.WalletsDegraded > 0 || s.WalletsFailed > 0 || s.PriceFallbacks > 0
}

func (s Summary) LogAttrs() []any {
	return []any{
		"run_id", s.RunID,
		"wallets", s.Wallets,
		"wallets_processed", s.WalletsProcessed,
		"wallets_degraded", s.WalletsDegraded,
		"wallets_failed", s.WalletsFailed,
		"transactions_fetched", s.TransactionsFetched,
		"transactions_saved", s.TransactionsSaved,
		"duplicates", s.Duplicates,
		"skipped", s.Skipped,
		"price_fallbacks", s.PriceFallbacks,
		"failed_batches", s.FailedBatches,
		"from_block", s.Range.FromBlock,
		"to_block", s.Range.ToBlock,
		"range_degraded", s.RangeDegraded,
		"duration", s.Duration.String(),
	}
}

// Pipeline drives one backfill run over every tracked wallet of a chain.
type Pipeline struct {
	cfg      Config
	deps     Deps
	logger   *slog.Logger
	newRunID func() string
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Pipeline {
	if deps.Alerter == nil {
		deps.Alerter = &alert.NoopAlerter{}
	}
	if cfg.MaxParallelRequests < 1 {
		cfg.MaxParallelRequests = 1
	}
	if cfg.SuspicionRules == (model.SuspicionRules{}) {
		cfg.SuspicionRules = model.DefaultSuspicionRules()
	}
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With("component", "pipeline", "chain", cfg.Symbol),
		newRunID: uuid.NewString,
	}
}

// Run executes the backfill. Only the stages outside the wallet loop can
// fail the run; their errors are *failure.FatalError. The summary is valid
// in every case.
func (p *Pipeline) Run(ctx context.Context) (summary Summary, err error) {
	start := time.Now()
	summary.RunID = p.newRunID()
	log := p.logger.With("run_id", summary.RunID)

	ctx, span := tracing.Start(ctx, "pipeline", "run",
		attribute.String("run.id", summary.RunID),
		attribute.String("chain", p.cfg.Symbol),
	)

	caches := cache.NewRunCaches(p.cfg.BlockCacheSize, p.cfg.PriceCacheSize)
	defer func() {
		if r := recover(); r != nil {
			err = failure.Fatal(StagePanic, fmt.Errorf("%v\n%s", r, debug.Stack()))
		}
		summary.Duration = time.Since(start)
		caches.Report(log)
		tracing.End(span, err)
		p.finish(ctx, log, summary, err)
	}()

	log.Info("backfill run starting", "window", p.cfg.Window.String(), "parallel", p.cfg.MaxParallelRequests)

	if err := p.deps.DB.PingContext(ctx); err != nil {
		return summary, failure.Fatal(StageDBPing, err)
	}

	status, err := p.deps.Explorer.Status(ctx)
	if err != nil {
		return summary, failure.Fatal(StageChainStatus, err)
	}
	log.Info("chain status",
		"coin", status.Coin,
		"best_height", status.BestHeight,
		"last_block_time", status.LastBlockTime,
		"in_sync", status.InSync,
	)

	opts := []blocktime.Option{
		blocktime.WithMaxIterations(p.cfg.MaxIterations),
		blocktime.WithSafetyMargin(p.cfg.SafetyMargin),
		blocktime.WithChain(p.cfg.Symbol),
	}
	if p.deps.BlockStore != nil {
		opts = append(opts, blocktime.WithStore(p.deps.BlockStore))
	}
	locator := blocktime.New(p.deps.Explorer, caches.Blocks, p.logger, opts...)
	rng := locator.ResolveRange(ctx, p.cfg.Window, status.BestHeight)
	if rng.IsFatal() {
		return summary, failure.Fatal(StageBlockRange, rng.Cause)
	}
	summary.Range = rng.Value
	summary.RangeDegraded = rng.IsDegraded()

	p.logPriceCoverage(ctx, log)

	chainID, err := p.deps.Blockchains.IDBySymbol(ctx, p.cfg.Symbol)
	if err != nil {
		return summary, failure.Fatal(StageBlockchainID, err)
	}
	wallets, err := p.deps.Wallets.ListByIDs(ctx, chainID, p.cfg.WalletIDs)
	if err != nil {
		return summary, failure.Fatal(StageWallets, err)
	}
	summary.Wallets = len(wallets)
	log.Info("wallets loaded", "blockchain_id", chainID, "wallets", len(wallets))

	resolver := pricing.New(p.deps.Prices, p.cfg.Symbol, p.cfg.Window, caches.Prices, p.logger,
		pricing.WithFallback(p.fallbackUSD(), p.fallbackBTC()),
		pricing.WithChain(p.cfg.Symbol),
	)
	w := &walletRunner{
		rng: summary.Range,
		fetcher: fetcher.New(p.deps.Explorer, p.cfg.Window, p.logger,
			fetcher.WithPageSize(p.cfg.PageSize),
			fetcher.WithMaxPages(p.cfg.MaxPages),
			fetcher.WithChain(p.cfg.Symbol),
		),
		persister: persister.New(p.deps.DB, p.deps.Transactions, resolver, p.cfg.Window, chainID, p.cfg.Symbol, p.logger,
			persister.WithBatchSize(p.cfg.BatchSize),
			persister.WithBatchDelay(p.cfg.BatchDelay),
			persister.WithSuspicionRules(p.cfg.SuspicionRules),
			persister.WithChain(p.cfg.Symbol),
		),
		chain:  p.cfg.Symbol,
		logger: log,
	}

	for _, res := range p.processWallets(ctx, wallets, w) {
		summary.add(res)
	}

	if err := ctx.Err(); err != nil {
		return summary, failure.Fatal(StageCanceled, err)
	}
	return summary, nil
}

// processWallets runs wallets one at a time, or up to MaxParallelRequests at
// once. Batches within a wallet always stay sequential.
func (p *Pipeline) processWallets(ctx context.Context, wallets []model.Wallet, w *walletRunner) []walletResult {
	results := make([]walletResult, len(wallets))

	if p.cfg.MaxParallelRequests <= 1 {
		for i, wallet := range wallets {
			if ctx.Err() != nil {
				break
			}
			results[i] = w.run(ctx, wallet)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(p.cfg.MaxParallelRequests)
	for i, wallet := range wallets {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			results[i] = w.run(ctx, wallet)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (p *Pipeline) logPriceCoverage(ctx context.Context, log *slog.Logger) {
	cov, err := p.deps.Prices.Coverage(ctx, p.cfg.Symbol)
	if err != nil {
		log.Warn("price coverage unavailable", "error", err)
		return
	}
	if cov.Count == 0 {
		log.Warn("no stored prices, volumes will use fallback prices", "symbol", cov.TokenSymbol)
		return
	}
	log.Info("price coverage",
		"symbol", cov.TokenSymbol,
		"first", cov.First,
		"last", cov.Last,
		"records", cov.Count,
	)
}

func (p *Pipeline) fallbackUSD() decimal.Decimal {
	if p.cfg.FallbackUSD.IsZero() {
		return pricing.DefaultFallbackUSD
	}
	return p.cfg.FallbackUSD
}

func (p *Pipeline) fallbackBTC() decimal.Decimal {
	if p.cfg.FallbackBTC.IsZero() {
		return pricing.DefaultFallbackBTC
	}
	return p.cfg.FallbackBTC
}

func (p *Pipeline) finish(ctx context.Context, log *slog.Logger, summary Summary, err error) {
	metrics.RunDurationSeconds.WithLabelValues(p.cfg.Symbol, jobName).Set(summary.Duration.Seconds())

	if err != nil {
		log.Error("backfill run failed", append(summary.LogAttrs(), "error", err)...)
		p.alert(ctx, log, alert.Alert{
			Type:    alert.AlertTypeRunFailed,
			Title:   "Backfill run failed",
			Message: err.Error(),
			Fields:  summaryFields(summary),
		})
		return
	}

	metrics.RunLastSuccessTimestamp.WithLabelValues(p.cfg.Symbol, jobName).SetToCurrentTime()
	log.Info("backfill run completed", summary.LogAttrs()...)
	if summary.Degraded() {
		p.alert(ctx, log, alert.Alert{
			Type:    alert.AlertTypeRunDegraded,
			Title:   "Backfill run degraded",
			Message: "the run completed with fallbacks or failed wallets",
			Fields:  summaryFields(summary),
		})
	}
}

func (p *Pipeline) alert(ctx context.Context, log *slog.Logger, a alert.Alert) {
	a.Chain = p.cfg.Symbol
	a.Job = jobName
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if err := p.deps.Alerter.Send(ctx, a); err != nil {
		log.Warn("alert not delivered", "type", a.Type, "error", err)
	}
}

func summaryFields(s Summary) map[string]string {
	return map[string]string{
		"run_id":             s.RunID,
		"wallets":            strconv.Itoa(s.Wallets),
		"wallets_failed":     strconv.Itoa(s.WalletsFailed),
		"wallets_degraded":   strconv.Itoa(s.WalletsDegraded),
		"transactions_saved": strconv.Itoa(s.TransactionsSaved),
		"price_fallbacks":    strconv.Itoa(s.PriceFallbacks),
		"range_degraded":     strconv.FormatBool(s.RangeDegraded),
	}
}

type walletResult struct {
	status  outcome.Status
	fetched int
	stats   model.PersistStats
	done    bool
}

func (s *Summary) add(r walletResult) {
	if !r.done {
		return
	}
	switch r.status {
	case outcome.StatusFatal:
		s.WalletsFailed++
		return
	case outcome.StatusDegraded:
		s.WalletsDegraded++
	}
	s.WalletsProcessed++
	s.TransactionsFetched += r.fetched
	s.TransactionsSaved += r.stats.Inserted
	s.Duplicates += r.stats.Duplicates
	s.Skipped += r.stats.Skipped
	s.PriceFallbacks += r.stats.PriceFallbacks
	s.FailedBatches += r.stats.FailedBatches
}

// walletRunner fetches and persists one wallet. It is shared by concurrent
// wallet goroutines and holds no per-wallet state.
type walletRunner struct {
	rng       model.BlockRange
	fetcher   *fetcher.Fetcher
	persister *persister.Persister
	chain     string
	logger    *slog.Logger
}

// run never propagates a wallet failure; a failed wallet counts as zero
// transactions.
func (w *walletRunner) run(ctx context.Context, wallet model.Wallet) (res walletResult) {
	log := w.logger.With("wallet_id", wallet.ID, "address", wallet.Address)
	ctx, span := tracing.Start(ctx, "pipeline", "wallet",
		attribute.Int64("wallet.id", wallet.ID),
		attribute.String("wallet.address", wallet.Address),
	)

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("wallet panic: %v", r)
			log.Error("wallet processing panicked", "panic", r, "stack", string(debug.Stack()))
			res = walletResult{status: outcome.StatusFatal, done: true}
		}
		tracing.End(span, err)
		metrics.WalletsProcessedTotal.WithLabelValues(w.chain, res.status.String()).Inc()
	}()

	fetched := w.fetcher.Fetch(ctx, wallet.Address, w.rng)
	if fetched.IsFatal() {
		err = fetched.Cause
		log.Error("wallet fetch aborted", "error", err)
		return walletResult{status: outcome.StatusFatal, done: true}
	}

	stats, err := w.persister.Persist(ctx, wallet, fetched.Value)
	if err != nil {
		log.Error("wallet persist aborted", "error", err, "inserted_before_abort", stats.Inserted)
		return walletResult{status: outcome.StatusFatal, done: true}
	}

	res = walletResult{status: outcome.StatusOK, fetched: len(fetched.Value), stats: stats, done: true}
	if fetched.IsDegraded() || stats.FailedBatches > 0 {
		res.status = outcome.StatusDegraded
	}
	log.Info("wallet processed",
		"status", res.status.String(),
		"fetched", res.fetched,
		"inserted", stats.Inserted,
		"duplicates", stats.Duplicates,
		"skipped", stats.Skipped,
		"failed_batches", stats.FailedBatches,
	)
	return res
}
