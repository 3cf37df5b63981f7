package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/emperorhan/volume-backfill/internal/alert"
	"github.com/emperorhan/volume-backfill/internal/app"
	"github.com/emperorhan/volume-backfill/internal/config"
	"github.com/emperorhan/volume-backfill/internal/marketdata/coingecko"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/pricefill"
	"github.com/emperorhan/volume-backfill/internal/store/postgres"
)

const jobName = "pricefill"

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Start(ctx, jobName, os.Stdout)
	if err != nil {
		app.NewLogger("info", os.Stderr).Error("startup failed", "error", err)
		return 1
	}
	defer rt.Close()

	cfg := rt.Config
	market := coingecko.NewClient(coingecko.Config{
		BaseURL:    cfg.CoinGecko.URL,
		APIKey:     cfg.CoinGecko.APIKey,
		Timeout:    cfg.CoinGecko.Timeout,
		MaxRetries: cfg.CoinGecko.MaxRetries,
		RPS:        cfg.CoinGecko.RPS,
	}, rt.Logger)
	filler := pricefill.New(fillConfig(cfg), market, postgres.NewPriceRepo(rt.DB), rt.Logger)

	start := time.Now()
	summary, err := filler.Run(ctx)
	metrics.RunDurationSeconds.WithLabelValues(cfg.Chain.Symbol, jobName).Set(time.Since(start).Seconds())
	report(ctx, rt.Logger, rt.Alerter, cfg.Chain.Symbol, summary, err)
	return app.ExitCode(err)
}

func fillConfig(cfg *config.Config) pricefill.Config {
	return pricefill.Config{
		Symbol:    cfg.Chain.Symbol,
		CoinID:    cfg.CoinGecko.CoinID,
		Window:    cfg.Window,
		ChunkDays: cfg.CoinGecko.ChunkDays,
		Delay:     cfg.CoinGecko.Delay,
	}
}

// report logs the outcome and raises RUN_FAILED on error or PRICE_GAP when
// some window hours have no stored price.
func report(ctx context.Context, logger *slog.Logger, alerter alert.Alerter, symbol string, summary pricefill.Summary, err error) {
	a := alert.Alert{Chain: symbol, Job: jobName}
	switch {
	case err != nil:
		logger.Error("price fill failed", append(summary.LogAttrs(), "error", err)...)
		a.Type = alert.AlertTypeRunFailed
		a.Title = "Price fill failed"
		a.Message = err.Error()
	case summary.MissingHours > 0:
		metrics.RunLastSuccessTimestamp.WithLabelValues(symbol, jobName).SetToCurrentTime()
		a.Type = alert.AlertTypePriceGap
		a.Title = "Price series has gaps"
		a.Message = fmt.Sprintf("%d hours without a joined USD/BTC price", summary.MissingHours)
		a.Fields = map[string]string{"inserted": fmt.Sprint(summary.Inserted)}
	default:
		metrics.RunLastSuccessTimestamp.WithLabelValues(symbol, jobName).SetToCurrentTime()
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if sendErr := alerter.Send(ctx, a); sendErr != nil {
		logger.Warn("alert not delivered", "type", a.Type, "error", sendErr)
	}
}
