package pipeline

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emperorhan/volume-backfill/internal/alert"
	"github.com/emperorhan/volume-backfill/internal/chain/explorer"
	"github.com/emperorhan/volume-backfill/internal/domain/model"
	"github.com/emperorhan/volume-backfill/internal/failure"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Fake transactions table behind database/sql.
// ---------------------------------------------------------------------------

type rowStore struct {
	mu      sync.Mutex
	rows    map[string]bool
	pending map[*storeTx][]string
}

func (s *rowStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *rowStore) has(hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rows[hash]
}

var storeDriverSeq atomic.Int64

func openRowStore(t *testing.T) (*sql.DB, *rowStore) {
	t.Helper()
	rs := &rowStore{rows: map[string]bool{}, pending: map[*storeTx][]string{}}
	name := fmt.Sprintf("fake_pipeline_%d", storeDriverSeq.Add(1))
	sql.Register(name, storeDriver{rs: rs})
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, rs
}

type storeDriver struct{ rs *rowStore }

func (d storeDriver) Open(string) (driver.Conn, error) { return &storeConn{rs: d.rs}, nil }

type storeConn struct {
	rs *rowStore
	tx *storeTx
}

func (c *storeConn) Prepare(query string) (driver.Stmt, error) {
	return &storeStmt{conn: c, query: query}, nil
}
func (c *storeConn) Close() error { return nil }
func (c *storeConn) Begin() (driver.Tx, error) {
	c.tx = &storeTx{conn: c}
	return c.tx, nil
}

type storeTx struct{ conn *storeConn }

func (tx *storeTx) Commit() error {
	rs := tx.conn.rs
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, h := range rs.pending[tx] {
		rs.rows[h] = true
	}
	delete(rs.pending, tx)
	tx.conn.tx = nil
	return nil
}

func (tx *storeTx) Rollback() error {
	rs := tx.conn.rs
	rs.mu.Lock()
	defer rs.mu.Unlock()
	delete(rs.pending, tx)
	tx.conn.tx = nil
	return nil
}

type storeStmt struct {
	conn  *storeConn
	query string
}

func (s *storeStmt) Close() error  { return nil }
func (s *storeStmt) NumInput() int { return -1 }
func (s *storeStmt) Exec(args []driver.Value) (driver.Result, error) {
	if !strings.Contains(s.query, "INSERT INTO transactions") {
		return driver.RowsAffected(0), nil
	}
	rs := s.conn.rs
	rs.mu.Lock()
	defer rs.mu.Unlock()
	hash := args[1].(string)
	if rs.rows[hash] {
		return driver.RowsAffected(0), nil
	}
	for _, h := range rs.pending[s.conn.tx] {
		if h == hash {
			return driver.RowsAffected(0), nil
		}
	}
	rs.pending[s.conn.tx] = append(rs.pending[s.conn.tx], hash)
	return driver.RowsAffected(1), nil
}
func (s *storeStmt) Query([]driver.Value) (driver.Rows, error) { return noRows{}, nil }

type noRows struct{}

func (noRows) Columns() []string         { return nil }
func (noRows) Close() error              { return nil }
func (noRows) Next([]driver.Value) error { return io.EOF }

// failingPing wraps a pool whose ping always fails.
type failingPing struct{ *sql.DB }

func (failingPing) PingContext(context.Context) error { return errors.New("dial tcp: connection refused") }

// ---------------------------------------------------------------------------
// Explorer with a synthetic chain: block h is mined at genesis + h*spacing.
// ---------------------------------------------------------------------------

var genesis = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

const spacing = 150 * time.Second

type fakeExplorer struct {
	head       int64
	statusErr  error
	blockErr   error
	history    map[string][]model.RawTransaction
	failFor    map[string]bool
	panicFor   map[string]bool
	inFlight   atomic.Int32
	maxFlight  atomic.Int32
	blockCalls atomic.Int32
	holdFor    time.Duration
}

func (e *fakeExplorer) Status(context.Context) (explorer.ChainStatus, error) {
	if e.statusErr != nil {
		return explorer.ChainStatus{}, e.statusErr
	}
	return explorer.ChainStatus{Coin: "Litecoin", BestHeight: e.head, LastBlockTime: e.timeOf(e.head), InSync: true}, nil
}

func (e *fakeExplorer) Block(_ context.Context, height int64) (model.BlockInfo, error) {
	e.blockCalls.Add(1)
	if e.blockErr != nil {
		return model.BlockInfo{}, e.blockErr
	}
	if height < 0 || height > e.head {
		return model.BlockInfo{}, failure.NotFound("block %d", height)
	}
	return model.BlockInfo{Height: height, Time: e.timeOf(height)}, nil
}

func (e *fakeExplorer) AddressTransactions(_ context.Context, address string, from, to int64, page, pageSize int) (explorer.AddressPage, error) {
	n := e.inFlight.Add(1)
	defer e.inFlight.Add(-1)
	for {
		m := e.maxFlight.Load()
		if n <= m || e.maxFlight.CompareAndSwap(m, n) {
			break
		}
	}
	if e.holdFor > 0 {
		time.Sleep(e.holdFor)
	}

	if e.panicFor[address] {
		panic("decoder blew up on " + address)
	}
	if e.failFor[address] {
		return explorer.AddressPage{}, &failure.RequestError{Op: "/address/" + address, Attempts: 3, Err: errors.New("502 bad gateway")}
	}

	var inRange []model.RawTransaction
	for _, tx := range e.history[address] {
		if tx.BlockHeight >= from && tx.BlockHeight <= to {
			inRange = append(inRange, tx)
		}
	}
	start := (page - 1) * pageSize
	if start >= len(inRange) {
		return explorer.AddressPage{Address: address, Page: page}, nil
	}
	end := min(start+pageSize, len(inRange))
	return explorer.AddressPage{Address: address, Page: page, Transactions: inRange[start:end]}, nil
}

func (e *fakeExplorer) timeOf(h int64) time.Time {
	return genesis.Add(time.Duration(h) * spacing)
}

func (e *fakeExplorer) heightAt(t time.Time) int64 {
	return int64(t.Sub(genesis) / spacing)
}

// spend builds a transaction sending 1 coin from address to someone else
// in the block mined at t.
func (e *fakeExplorer) spend(address, txid string, t time.Time) model.RawTransaction {
	h := e.heightAt(t)
	return model.RawTransaction{
		TxID:        txid,
		BlockHeight: h,
		BlockTime:   e.timeOf(h).Unix(),
		Value:       "100000000",
		Fees:        "1000",
		Vin:         []model.TxInput{{Addresses: []string{address}, Value: "100001000"}},
		Vout:        []model.TxOutput{{Addresses: []string{"Lcounterparty"}, Value: "100000000"}},
	}
}

// ---------------------------------------------------------------------------
// Repositories and alerter.
// ---------------------------------------------------------------------------

type stubChains struct{ ids map[string]int64 }

func (s stubChains) IDBySymbol(_ context.Context, symbol string) (int64, error) {
	id, ok := s.ids[symbol]
	if !ok {
		return 0, failure.NotFound("blockchain %q", symbol)
	}
	return id, nil
}

type stubWallets struct {
	wallets []model.Wallet
	err     error
}

func (s stubWallets) ListByBlockchain(_ context.Context, chainID int64) ([]model.Wallet, error) {
	return s.ListByIDs(context.Background(), chainID, nil)
}

func (s stubWallets) ListByIDs(_ context.Context, chainID int64, ids []int64) ([]model.Wallet, error) {
	if s.err != nil {
		return nil, s.err
	}
	want := map[int64]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []model.Wallet
	for _, w := range s.wallets {
		if w.BlockchainID == chainID && (len(ids) == 0 || want[w.ID]) {
			out = append(out, w)
		}
	}
	return out, nil
}

type emptyPrices struct{}

func (emptyPrices) ExactHour(context.Context, string, time.Time) (*model.PricePoint, error) {
	return nil, nil
}
func (emptyPrices) AtOrBefore(context.Context, string, time.Time) (*model.PricePoint, error) {
	return nil, nil
}
func (emptyPrices) Latest(context.Context, string) (*model.PricePoint, error) { return nil, nil }
func (emptyPrices) Coverage(_ context.Context, symbol string) (model.PriceCoverage, error) {
	return model.PriceCoverage{TokenSymbol: symbol}, nil
}
func (emptyPrices) BulkInsert(context.Context, []model.PricePoint) (int64, error) { return 0, nil }

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

func (r *recordingAlerter) types() []alert.AlertType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]alert.AlertType, 0, len(r.alerts))
	for _, a := range r.alerts {
		out = append(out, a.Type)
	}
	return out
}

// flatPrices has a stored price for every hour.
type flatPrices struct{ emptyPrices }

func (flatPrices) ExactHour(_ context.Context, symbol string, hour time.Time) (*model.PricePoint, error) {
	return &model.PricePoint{
		TokenSymbol: symbol,
		Timestamp:   hour,
		PriceUSDT:   decimal.NewFromInt(90),
		PriceBTC:    decimal.RequireFromString("0.001"),
	}, nil
}

func (flatPrices) Coverage(_ context.Context, symbol string) (model.PriceCoverage, error) {
	return model.PriceCoverage{TokenSymbol: symbol, Count: 744, First: genesis, Last: genesis.AddDate(0, 3, 0)}, nil
}
