package rollup

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/volume-backfill/internal/alert"
	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/failure"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// txCounter is a database/sql driver that only counts transaction outcomes.
type txCounter struct {
	commits   atomic.Int32
	rollbacks atomic.Int32
}

func (c *txCounter) Open(string) (driver.Conn, error) { return countingConn{c}, nil }

type countingConn struct{ c *txCounter }

func (countingConn) Prepare(string) (driver.Stmt, error) { return nil, errors.New("not supported") }
func (countingConn) Close() error                        { return nil }
func (cc countingConn) Begin() (driver.Tx, error)        { return countingTx(cc), nil }

type countingTx struct{ c *txCounter }

func (t countingTx) Commit() error   { t.c.commits.Add(1); return nil }
func (t countingTx) Rollback() error { t.c.rollbacks.Add(1); return nil }

var driverSeq atomic.Int64

func openCounter(t *testing.T) (*sql.DB, *txCounter) {
	t.Helper()
	c := &txCounter{}
	name := fmt.Sprintf("fake_rollup_%d", driverSeq.Add(1))
	sql.Register(name, c)
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, c
}

type stubChains struct{}

func (stubChains) IDBySymbol(_ context.Context, symbol string) (int64, error) {
	if symbol != "ltc" {
		return 0, failure.NotFound("blockchain %q", symbol)
	}
	return 2, nil
}

type stubWallets struct{ wallets []model.Wallet }

func (s stubWallets) ListByBlockchain(ctx context.Context, id int64) ([]model.Wallet, error) {
	return s.ListByIDs(ctx, id, nil)
}

func (s stubWallets) ListByIDs(_ context.Context, _ int64, ids []int64) ([]model.Wallet, error) {
	if len(ids) == 0 {
		return s.wallets, nil
	}
	var out []model.Wallet
	for _, w := range s.wallets {
		for _, id := range ids {
			if w.ID == id {
				out = append(out, w)
			}
		}
	}
	return out, nil
}

type stubOutgoing struct {
	byWallet map[int64][]model.OutgoingVolume
	failFor  map[int64]bool
}

func (s stubOutgoing) OutgoingVolumes(_ context.Context, w model.Wallet) ([]model.OutgoingVolume, error) {
	if s.failFor[w.ID] {
		return nil, errors.New("canceling statement due to statement timeout")
	}
	return s.byWallet[w.ID], nil
}

// memVolumes keeps upserted rows keyed like the unique constraints.
type memVolumes struct {
	mu         sync.Mutex
	token      map[string]model.TokenVolume
	aggregated map[string]model.AggregatedVolume
	failHourly bool
}

func newMemVolumes() *memVolumes {
	return &memVolumes{token: map[string]model.TokenVolume{}, aggregated: map[string]model.AggregatedVolume{}}
}

func (m *memVolumes) UpsertTokenVolumesTx(_ context.Context, _ *sql.Tx, vols []model.TokenVolume) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, v := range vols {
		m.token[fmt.Sprintf("%d/%s/%d", v.WalletID, v.TokenSymbol, v.DateVolume.UnixNano())] = v
	}
	return int64(len(vols)), nil
}

func (m *memVolumes) ListTokenVolumes(_ context.Context, walletID int64, symbol string, upTo time.Time) ([]model.TokenVolume, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.TokenVolume
	for _, v := range m.token {
		if v.WalletID == walletID && v.TokenSymbol == symbol && !v.DateVolume.After(upTo) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DateVolume.Before(out[j].DateVolume) })
	return out, nil
}

func (m *memVolumes) UpsertAggregatedTx(_ context.Context, _ *sql.Tx, vols []model.AggregatedVolume) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failHourly {
		return 0, errors.New("deadlock detected")
	}
	for _, v := range vols {
		m.aggregated[fmt.Sprintf("%d/%d", v.WalletID, v.DateVolume.Unix())] = v
	}
	return int64(len(vols)), nil
}

func (m *memVolumes) snapshot(walletID int64, h time.Time) model.AggregatedVolume {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.aggregated[fmt.Sprintf("%d/%d", walletID, h.Unix())]
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
	return nil
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func march(t *testing.T) model.DateWindow {
	t.Helper()
	w, err := model.NewDateWindow("2025-03-01", "2025-03-31")
	require.NoError(t, err)
	return w
}

func out(ts time.Time, usdt, btc string) model.OutgoingVolume {
	return model.OutgoingVolume{Timestamp: ts, USDTVolume: dec(usdt), BTCVolume: dec(btc)}
}

func TestCumulative(t *testing.T) {
	t0 := time.Date(2025, 3, 2, 10, 30, 0, 0, time.UTC)
	series := Cumulative(7, "ltc", []model.OutgoingVolume{
		out(t0, "100", "0.001"),
		out(t0.Add(time.Hour), "0", "0"),
		out(t0.Add(2*time.Hour), "-5", "0.002"),
		out(t0.Add(3*time.Hour), "50.5", "0.0005"),
	})

	require.Len(t, series, 4)
	want := []string{"100", "100", "100", "150.5"}
	for i, v := range series {
		assert.Equal(t, int64(7), v.WalletID)
		assert.Equal(t, "ltc", v.TokenSymbol)
		assert.True(t, dec(want[i]).Equal(v.TotalOutgoingUSDT), "row %d: %s", i, v.TotalOutgoingUSDT)
		if i > 0 {
			assert.True(t, v.TotalOutgoingBTC.GreaterThanOrEqual(series[i-1].TotalOutgoingBTC))
		}
	}
	assert.True(t, dec("0.0035").Equal(series[3].TotalOutgoingBTC))
	assert.Empty(t, Cumulative(7, "ltc", nil))
}

func TestHourly(t *testing.T) {
	h0 := time.Date(2025, 3, 2, 10, 0, 0, 0, time.UTC)
	hours := []time.Time{h0, h0.Add(time.Hour), h0.Add(2 * time.Hour), h0.Add(3 * time.Hour)}
	series := []model.TokenVolume{
		{DateVolume: h0.Add(30 * time.Minute), TotalOutgoingUSDT: dec("10"), TotalOutgoingBTC: dec("0.1")},
		{DateVolume: h0.Add(time.Hour), TotalOutgoingUSDT: dec("25"), TotalOutgoingBTC: dec("0.2")},
		{DateVolume: h0.Add(time.Hour + 10*time.Minute), TotalOutgoingUSDT: dec("40"), TotalOutgoingBTC: dec("0.3")},
	}

	snaps := Hourly(3, series, hours)
	require.Len(t, snaps, 4)
	assert.True(t, snaps[0].TotalOutgoingUSDT.IsZero(), "nothing recorded by 10:00")
	assert.True(t, dec("25").Equal(snaps[1].TotalOutgoingUSDT), "11:00 includes the row stamped exactly 11:00")
	assert.True(t, dec("40").Equal(snaps[2].TotalOutgoingUSDT))
	assert.True(t, dec("40").Equal(snaps[3].TotalOutgoingUSDT), "carried forward")
	assert.True(t, dec("0.3").Equal(snaps[3].TotalOutgoingBTC))
	for i, s := range snaps {
		assert.Equal(t, int64(3), s.WalletID)
		assert.Equal(t, hours[i], s.DateVolume)
	}
}

type rollupHarness struct {
	db      *sql.DB
	tx      *txCounter
	volumes *memVolumes
	out     stubOutgoing
	alerts  *recordingAlerter
	cfg     Config
}

func newRollupHarness(t *testing.T) *rollupHarness {
	db, tx := openCounter(t)
	return &rollupHarness{
		db:      db,
		tx:      tx,
		volumes: newMemVolumes(),
		out:     stubOutgoing{byWallet: map[int64][]model.OutgoingVolume{}, failFor: map[int64]bool{}},
		alerts:  &recordingAlerter{},
		cfg:     Config{Symbol: "ltc", Window: march(t), TokenVolumes: true, Hourly: true},
	}
}

func (h *rollupHarness) run(wallets ...model.Wallet) (Summary, error) {
	r := New(h.cfg, Deps{
		DB:           h.db,
		Blockchains:  stubChains{},
		Wallets:      stubWallets{wallets: wallets},
		Transactions: h.out,
		Volumes:      h.volumes,
		Alerter:      h.alerts,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return r.Run(context.Background())
}

func TestRun_WritesTokenAndHourlyVolumes(t *testing.T) {
	h := newRollupHarness(t)
	ts := time.Date(2025, 3, 10, 14, 20, 0, 0, time.UTC)
	h.out.byWallet[1] = []model.OutgoingVolume{out(ts, "90", "0.001"), out(ts.Add(2*time.Hour), "45", "0.0005")}

	summary, err := h.run(model.Wallet{ID: 1, Address: "Lalice", BlockchainID: 2})
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Wallets)
	assert.Zero(t, summary.WalletsFailed)
	assert.Equal(t, int64(2), summary.TokenRows)
	assert.Equal(t, int64(31*24), summary.HourlyRows)
	assert.Equal(t, int32(2), h.tx.commits.Load())

	before := h.volumes.snapshot(1, time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC))
	assert.True(t, before.TotalOutgoingUSDT.IsZero())
	after := h.volumes.snapshot(1, time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC))
	assert.True(t, dec("90").Equal(after.TotalOutgoingUSDT))
	last := h.volumes.snapshot(1, time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC))
	assert.True(t, dec("135").Equal(last.TotalOutgoingUSDT))
	assert.True(t, dec("0.0015").Equal(last.TotalOutgoingBTC))

	assert.Empty(t, h.alerts.alerts)
}

func TestRun_WalletWithoutTransactionsGetsZeroSnapshots(t *testing.T) {
	h := newRollupHarness(t)

	summary, err := h.run(model.Wallet{ID: 4, Address: "Lidle", BlockchainID: 2})
	require.NoError(t, err)
	assert.Zero(t, summary.TokenRows)
	assert.Equal(t, int64(31*24), summary.HourlyRows)
	assert.True(t, h.volumes.snapshot(4, time.Date(2025, 3, 31, 23, 0, 0, 0, time.UTC)).TotalOutgoingUSDT.IsZero())
}

func TestRun_StepsCanBeDisabled(t *testing.T) {
	h := newRollupHarness(t)
	h.cfg.Hourly = false
	h.out.byWallet[1] = []model.OutgoingVolume{out(time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC), "1", "0.00001")}

	summary, err := h.run(model.Wallet{ID: 1, Address: "Lalice", BlockchainID: 2})
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TokenRows)
	assert.Zero(t, summary.HourlyRows)
	assert.Empty(t, h.volumes.aggregated)
}

func TestRun_FailedWalletIsSkipped(t *testing.T) {
	h := newRollupHarness(t)
	ts := time.Date(2025, 3, 10, 14, 20, 0, 0, time.UTC)
	h.out.byWallet[2] = []model.OutgoingVolume{out(ts, "10", "0.0001")}
	h.out.failFor[1] = true

	summary, err := h.run(
		model.Wallet{ID: 1, Address: "Lbroken", BlockchainID: 2},
		model.Wallet{ID: 2, Address: "Lbob", BlockchainID: 2},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Wallets)
	assert.Equal(t, 1, summary.WalletsFailed)
	assert.Equal(t, int64(1), summary.TokenRows)

	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, alert.AlertTypeRollupFailed, h.alerts.alerts[0].Type)
	assert.Equal(t, "1 of 2 wallets failed", h.alerts.alerts[0].Message)
}

func TestRun_HourlyFailureRollsBack(t *testing.T) {
	h := newRollupHarness(t)
	h.volumes.failHourly = true

	summary, err := h.run(model.Wallet{ID: 1, Address: "Lalice", BlockchainID: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.WalletsFailed)
	assert.Equal(t, int32(1), h.tx.rollbacks.Load())
	assert.Zero(t, h.tx.commits.Load())
}

func TestRun_UnknownChainIsFatal(t *testing.T) {
	h := newRollupHarness(t)
	h.cfg.Symbol = "doge"

	_, err := h.run()
	require.Error(t, err)
	var fe *failure.FatalError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, StageBlockchainID, fe.Stage)
	require.Len(t, h.alerts.alerts, 1)
	assert.Equal(t, "Volume rollup failed", h.alerts.alerts[0].Title)
}

func TestRun_WalletFilter(t *testing.T) {
	h := newRollupHarness(t)
	h.cfg.WalletIDs = []int64{2}
	h.cfg.Hourly = false
	ts := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	h.out.byWallet[1] = []model.OutgoingVolume{out(ts, "1", "0.1")}
	h.out.byWallet[2] = []model.OutgoingVolume{out(ts, "2", "0.2")}

	summary, err := h.run(
		model.Wallet{ID: 1, Address: "Lalice", BlockchainID: 2},
		model.Wallet{ID: 2, Address: "Lbob", BlockchainID: 2},
	)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Wallets)
	require.Len(t, h.volumes.token, 1)
	for _, v := range h.volumes.token {
		assert.Equal(t, int64(2), v.WalletID)
	}
}
