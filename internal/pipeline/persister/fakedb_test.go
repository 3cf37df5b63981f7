package persister

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// txTable is a fake driver connection that behaves like a transactions
// table with a unique tx_hash: inserts are staged per transaction, dropped
// on rollback and applied on commit.
type txTable struct {
	mu        sync.Mutex
	committed map[string]bool
	pending   []string
	execs     []string

	// failInsert makes the insert of a hash fail.
	failInsert map[string]bool
	// failCommit makes the n-th commit (1-based) fail.
	failCommit int
	// failExec makes any statement with this prefix fail.
	failExec string

	commits int
}

var tableDriverSeq atomic.Int64

func openTxTable(t *testing.T, table *txTable) *sql.DB {
	t.Helper()
	if table.committed == nil {
		table.committed = map[string]bool{}
	}
	name := fmt.Sprintf("fake_persister_%d", tableDriverSeq.Add(1))
	sql.Register(name, &tableDriver{table: table})
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func (tb *txTable) rows() int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.committed)
}

func (tb *txTable) statements(prefix string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	n := 0
	for _, s := range tb.execs {
		if strings.HasPrefix(s, prefix) {
			n++
		}
	}
	return n
}

func (tb *txTable) exec(query string, args []driver.Value) (driver.Result, error) {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	q := strings.Join(strings.Fields(query), " ")
	tb.execs = append(tb.execs, q)
	if tb.failExec != "" && strings.HasPrefix(q, tb.failExec) {
		return nil, errors.New("injected failure: " + tb.failExec)
	}
	if !strings.HasPrefix(q, "INSERT INTO transactions") {
		return driver.RowsAffected(0), nil
	}

	hash := args[1].(string)
	if tb.failInsert[hash] {
		return nil, errors.New("value too long for type character varying(128)")
	}
	if tb.committed[hash] {
		return driver.RowsAffected(0), nil
	}
	for _, p := range tb.pending {
		if p == hash {
			return driver.RowsAffected(0), nil
		}
	}
	tb.pending = append(tb.pending, hash)
	return driver.RowsAffected(1), nil
}

func (tb *txTable) commit() error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.commits++
	if tb.failCommit == tb.commits {
		tb.pending = nil
		return errors.New("could not serialize access")
	}
	for _, h := range tb.pending {
		tb.committed[h] = true
	}
	tb.pending = nil
	return nil
}

func (tb *txTable) rollback() error {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.pending = nil
	return nil
}

type tableDriver struct{ table *txTable }

func (d *tableDriver) Open(string) (driver.Conn, error) { return &tableConn{table: d.table}, nil }

type tableConn struct{ table *txTable }

func (c *tableConn) Prepare(query string) (driver.Stmt, error) {
	return &tableStmt{table: c.table, query: query}, nil
}
func (c *tableConn) Close() error              { return nil }
func (c *tableConn) Begin() (driver.Tx, error) { return &tableTx{table: c.table}, nil }

type tableTx struct{ table *txTable }

func (tx *tableTx) Commit() error   { return tx.table.commit() }
func (tx *tableTx) Rollback() error { return tx.table.rollback() }

type tableStmt struct {
	table *txTable
	query string
}

func (s *tableStmt) Close() error  { return nil }
func (s *tableStmt) NumInput() int { return -1 }
func (s *tableStmt) Exec(args []driver.Value) (driver.Result, error) {
	return s.table.exec(s.query, args)
}
func (s *tableStmt) Query([]driver.Value) (driver.Rows, error) { return emptyRows{}, nil }

type emptyRows struct{}

func (emptyRows) Columns() []string         { return nil }
func (emptyRows) Close() error              { return nil }
func (emptyRows) Next([]driver.Value) error { return io.EOF }
