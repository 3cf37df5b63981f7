package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/emperorhan/volume-backfill/internal/app"
	"github.com/emperorhan/volume-backfill/internal/chain/explorer"
	"github.com/emperorhan/volume-backfill/internal/chain/ratelimit"
	"github.com/emperorhan/volume-backfill/internal/circuitbreaker"
	"github.com/emperorhan/volume-backfill/internal/config"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pipeline"
	"github.com/emperorhan/volume-backfill/internal/pipeline/blocktime"
	"github.com/emperorhan/volume-backfill/internal/store/postgres"
	redisstore "github.com/emperorhan/volume-backfill/internal/store/redis"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, "backfill", os.Stdout)
	if err != nil {
		app.NewLogger("info", os.Stderr).Error("startup failed", "error", err)
		return 1
	}
	defer rt.Close()

	blocks, closeBlocks := openBlockStore(ctx, rt)
	defer closeBlocks()

	summary, err := newPipeline(rt, blocks).Run(ctx)
	if err == nil && summary.Degraded() {
		rt.Logger.Warn("backfill finished degraded; rerun to fill gaps")
	}
	return app.ExitCode(err)
}

// openBlockStore connects to REDIS_URL when it is set. Without a reachable
// Redis the store is nil and every block comes from the explorer.
func openBlockStore(ctx context.Context, rt *app.Runtime) (blocktime.Store, func()) {
	cfg := rt.Config
	if cfg.Redis.URL == "" {
		return nil, func() {}
	}
	client, err := redisstore.Client(ctx, cfg.Redis.URL)
	if err != nil {
		rt.Logger.Warn("block store unavailable, probing explorer only", "error", err)
		return nil, func() {}
	}
	rt.Logger.Info("block store enabled", "ttl", cfg.Redis.BlockTTL.String())
	return redisstore.NewBlockStore(client, cfg.Chain.Symbol, cfg.Redis.BlockTTL), func() { _ = client.Close() }
}

func newPipeline(rt *app.Runtime, blocks blocktime.Store) *pipeline.Pipeline {
	cfg := rt.Config
	client := explorer.NewClient(explorer.Config{
		BaseURL:      cfg.Explorer.URL,
		APIKey:       cfg.Explorer.APIKey,
		Chain:        cfg.Chain.Symbol,
		Timeout:      cfg.Explorer.Timeout,
		RequestDelay: cfg.Explorer.RequestDelay,
		MaxRetries:   cfg.Explorer.MaxRetries,
	}, rt.Logger)
	client.SetRateLimiter(ratelimit.NewLimiter(cfg.Explorer.RPS, cfg.Explorer.Burst, "explorer"))
	client.SetCircuitBreaker(newBreaker(cfg, rt.Logger))

	return pipeline.New(pipelineConfig(cfg), pipeline.Deps{
		DB:           rt.DB,
		Explorer:     client,
		Blockchains:  postgres.NewBlockchainRepo(rt.DB),
		Wallets:      postgres.NewWalletRepo(rt.DB),
		Prices:       postgres.NewPriceRepo(rt.DB),
		Transactions: postgres.NewTransactionRepo(rt.DB),
		Alerter:      rt.Alerter,
		BlockStore:   blocks,
	}, rt.Logger)
}

func newBreaker(cfg *config.Config, logger *slog.Logger) *circuitbreaker.Breaker {
	symbol := cfg.Chain.Symbol
	return circuitbreaker.New(circuitbreaker.Config{
		Threshold: cfg.Explorer.BreakerThreshold,
		Cooldown:  cfg.Explorer.BreakerCooldown,
		OnChange: func(from, to circuitbreaker.State) {
			logger.Warn("explorer circuit breaker", "from", from.String(), "to", to.String())
			open := 0.0
			if to == circuitbreaker.StateOpen {
				open = 1
			}
			metrics.ExplorerCircuitOpen.WithLabelValues(symbol).Set(open)
		},
	})
}

func pipelineConfig(cfg *config.Config) pipeline.Config {
	return pipeline.Config{
		Symbol:              cfg.Chain.Symbol,
		Window:              cfg.Window,
		WalletIDs:           cfg.Backfill.WalletIDs,
		MaxParallelRequests: cfg.Backfill.MaxParallelRequests,
		PageSize:            cfg.Backfill.PageSize,
		MaxPages:            cfg.Backfill.MaxPages,
		MaxIterations:       cfg.Backfill.MaxIterations,
		SafetyMargin:        cfg.Backfill.SafetyMargin,
		BatchSize:           cfg.Backfill.BatchSize,
		BatchDelay:          cfg.Backfill.BatchDelay,
		FallbackUSD:         cfg.Pricing.FallbackUSD,
		FallbackBTC:         cfg.Pricing.FallbackBTC,
		SuspicionRules:      cfg.Pricing.SuspicionRules,
		BlockCacheSize:      cfg.Backfill.BlockCacheSize,
		PriceCacheSize:      cfg.Backfill.PriceCacheSize,
	}
}
