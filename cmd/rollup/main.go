package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/emperorhan/volume-backfill/internal/app"
	"github.com/emperorhan/volume-backfill/internal/config"
	"github.com/emperorhan/volume-backfill/internal/rollup"
	"github.com/emperorhan/volume-backfill/internal/store/postgres"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, "rollup", os.Stdout)
	if err != nil {
		app.NewLogger("info", os.Stderr).Error("startup failed", "error", err)
		return 1
	}
	defer rt.Close()

	roller := rollup.New(rollupConfig(rt.Config), rollup.Deps{
		DB:           rt.DB,
		Blockchains:  postgres.NewBlockchainRepo(rt.DB),
		Wallets:      postgres.NewWalletRepo(rt.DB),
		Transactions: postgres.NewTransactionRepo(rt.DB),
		Volumes:      postgres.NewVolumeRepo(rt.DB),
		Alerter:      rt.Alerter,
	}, rt.Logger)

	_, err = roller.Run(ctx)
	return app.ExitCode(err)
}

func rollupConfig(cfg *config.Config) rollup.Config {
	return rollup.Config{
		Symbol:       cfg.Chain.Symbol,
		Window:       cfg.Window,
		WalletIDs:    cfg.Backfill.WalletIDs,
		TokenVolumes: cfg.Rollup.TokenVolumes,
		Hourly:       cfg.Rollup.Hourly,
	}
}
