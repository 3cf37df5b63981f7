// Package rollup derives per-wallet cumulative outgoing volumes from the
// stored transactions and snapshots them hourly across the window.
package rollup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/emperorhan/volume-backfill/internal/alert"
	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/failure"
	"github.com/emperorhan/volume-backfill/internal/metrics"
	"github.com/emperorhan/volume-backfill/internal/store"
	"github.com/emperorhan/volume-backfill/internal/tracing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	StageBlockchainID = "blockchain_id"
	StageWallets      = "wallets"

	jobName = "rollup"
)

// Outgoing lists a wallet's priced outgoing transactions in time order.
type Outgoing interface {
	OutgoingVolumes(ctx context.Context, wallet model.Wallet) ([]model.OutgoingVolume, error)
}

type Config struct {
	Symbol       string
	Window       model.DateWindow
	WalletIDs    []int64
	TokenVolumes bool
	Hourly       bool
}

type Deps struct {
	DB           store.TxBeginner
	Blockchains  store.BlockchainRepository
	Wallets      store.WalletRepository
	Transactions Outgoing
	Volumes      store.VolumeRepository
	Alerter      alert.Alerter
}

type Summary struct {
	Wallets       int
	WalletsFailed int
	TokenRows     int64
	HourlyRows    int64
	Duration      time.Duration
}

func (s Summary) LogAttrs() []any {
	return []any{
		"wallets", s.Wallets,
		"wallets_failed", s.WalletsFailed,
		"token_rows", s.TokenRows,
		"hourly_rows", s.HourlyRows,
		"duration", s.Duration.String(),
	}
}

type Roller struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger
}

func New(cfg Config, deps Deps, logger *slog.Logger) *Roller {
	if deps.Alerter == nil {
		deps.Alerter = &alert.NoopAlerter{}
	}
	return &Roller{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With("component", "rollup", "chain", cfg.Symbol),
	}
}

// Run rolls up every selected wallet. Resolving the chain or listing its
// wallets is fatal; a wallet that fails is counted and skipped.
func (r *Roller) Run(ctx context.Context) (summary Summary, err error) {
	start := time.Now()
	defer func() {
		summary.Duration = time.Since(start)
		r.finish(ctx, summary, err)
	}()

	chainID, err := r.deps.Blockchains.IDBySymbol(ctx, r.cfg.Symbol)
	if err != nil {
		return summary, failure.Fatal(StageBlockchainID, err)
	}
	wallets, err := r.deps.Wallets.ListByIDs(ctx, chainID, r.cfg.WalletIDs)
	if err != nil {
		return summary, failure.Fatal(StageWallets, err)
	}
	summary.Wallets = len(wallets)
	r.logger.Info("rollup starting",
		"wallets", len(wallets),
		"window", r.cfg.Window.String(),
		"token_volumes", r.cfg.TokenVolumes,
		"hourly", r.cfg.Hourly,
	)

	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			return summary, failure.Fatal("canceled", err)
		}
		tokenRows, hourlyRows, err := r.rollWallet(ctx, w)
		summary.TokenRows += tokenRows
		summary.HourlyRows += hourlyRows
		if err != nil {
			summary.WalletsFailed++
			r.logger.Error("wallet rollup failed", "wallet_id", w.ID, "address", w.Address, "error", err)
		}
	}
	return summary, nil
}

func (r *Roller) rollWallet(ctx context.Context, w model.Wallet) (tokenRows, hourlyRows int64, err error) {
	ctx, span := tracing.Start(ctx, "rollup", "wallet", attribute.Int64("wallet.id", w.ID))
	defer func() { tracing.End(span, err) }()

	if r.cfg.TokenVolumes {
		tokenRows, err = r.tokenVolumes(ctx, w)
		if err != nil {
			metrics.RollupWalletErrors.WithLabelValues("token_volumes").Inc()
			return tokenRows, 0, err
		}
	}
	if r.cfg.Hourly {
		hourlyRows, err = r.hourly(ctx, w)
		if err != nil {
			metrics.RollupWalletErrors.WithLabelValues("hourly").Inc()
			return tokenRows, hourlyRows, err
		}
	}
	return tokenRows, hourlyRows, nil
}

func (r *Roller) tokenVolumes(ctx context.Context, w model.Wallet) (int64, error) {
	outgoing, err := r.deps.Transactions.OutgoingVolumes(ctx, w)
	if err != nil {
		return 0, err
	}
	series := Cumulative(w.ID, r.cfg.Symbol, outgoing)
	if len(series) == 0 {
		return 0, nil
	}

	var n int64
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = r.deps.Volumes.UpsertTokenVolumesTx(ctx, tx, series)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.RollupRowsWritten.WithLabelValues("token_volumes").Add(float64(n))
	r.logger.Debug("token volumes written", "wallet_id", w.ID, "transactions", len(outgoing), "rows", n)
	return n, nil
}

func (r *Roller) hourly(ctx context.Context, w model.Wallet) (int64, error) {
	series, err := r.deps.Volumes.ListTokenVolumes(ctx, w.ID, r.cfg.Symbol, r.cfg.Window.End)
	if err != nil {
		return 0, err
	}
	snapshots := Hourly(w.ID, series, r.cfg.Window.Hours())
	if len(snapshots) == 0 {
		return 0, nil
	}

	var n int64
	err = r.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = r.deps.Volumes.UpsertAggregatedTx(ctx, tx, snapshots)
		return err
	})
	if err != nil {
		return 0, err
	}
	metrics.RollupRowsWritten.WithLabelValues("aggregated_volumes").Add(float64(n))
	return n, nil
}

func (r *Roller) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.deps.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

func (r *Roller) finish(ctx context.Context, summary Summary, err error) {
	metrics.RunDurationSeconds.WithLabelValues(r.cfg.Symbol, jobName).Set(summary.Duration.Seconds())

	a := alert.Alert{Type: alert.AlertTypeRollupFailed, Chain: r.cfg.Symbol, Job: jobName}
	switch {
	case err != nil:
		r.logger.Error("rollup failed", append(summary.LogAttrs(), "error", err)...)
		a.Title = "Volume rollup failed"
		a.Message = err.Error()
	case summary.WalletsFailed > 0:
		metrics.RunLastSuccessTimestamp.WithLabelValues(r.cfg.Symbol, jobName).SetToCurrentTime()
		r.logger.Warn("rollup completed with failed wallets", summary.LogAttrs()...)
		a.Title = "Volume rollup incomplete"
		a.Message = fmt.Sprintf("%d of %d wallets failed", summary.WalletsFailed, summary.Wallets)
	default:
		metrics.RunLastSuccessTimestamp.WithLabelValues(r.cfg.Symbol, jobName).SetToCurrentTime()
		r.logger.Info("rollup completed", summary.LogAttrs()...)
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	if sendErr := r.deps.Alerter.Send(ctx, a); sendErr != nil {
		r.logger.Warn("alert not delivered", "type", a.Type, "error", sendErr)
	}
}

// Cumulative turns time-ordered outgoing volumes into a running total per
// transaction timestamp. The totals never decrease.
func Cumulative(walletID int64, symbol string, outgoing []model.OutgoingVolume) []model.TokenVolume {
	out := make([]model.TokenVolume, 0, len(outgoing))
	usdt, btc := decimal.Zero, decimal.Zero
	for _, o := range outgoing {
		if o.USDTVolume.IsPositive() {
			usdt = usdt.Add(o.USDTVolume)
		}
		if o.BTCVolume.IsPositive() {
			btc = btc.Add(o.BTCVolume)
		}
		out = append(out, model.TokenVolume{
			WalletID:          walletID,
			DateVolume:        o.Timestamp.UTC(),
			TotalOutgoingUSDT: usdt,
			TotalOutgoingBTC:  btc,
			TokenSymbol:       symbol,
		})
	}
	return out
}

// Hourly takes, for each hour, the latest cumulative total recorded at or
// before it; hours before the first total are zero. series must be ordered
// oldest first.
func Hourly(walletID int64, series []model.TokenVolume, hours []time.Time) []model.AggregatedVolume {
	out := make([]model.AggregatedVolume, 0, len(hours))
	usdt, btc := decimal.Zero, decimal.Zero
	i := 0
	for _, h := range hours {
		for i < len(series) && !series[i].DateVolume.After(h) {
			usdt = decimal.Max(usdt, series[i].TotalOutgoingUSDT)
			btc = decimal.Max(btc, series[i].TotalOutgoingBTC)
			i++
		}
		out = append(out, model.AggregatedVolume{
			WalletID:          walletID,
			DateVolume:        h,
			TotalOutgoingUSDT: usdt,
			TotalOutgoingBTC:  btc,
		})
	}
	return out
}
