package postgres

import (
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
)

// Fake driver for repository tests. Each test registers a unique driver name
// so handlers never leak between tests.

type fakeQueryHandler func(query string, args []driver.Value) (driver.Rows, error)
type fakeExecHandler func(query string, args []driver.Value) (driver.Result, error)

var fakeDriverSeq atomic.Int64

type fakeDriver struct{ conn *fakeConn }

type fakeConn struct {
	queryHandler fakeQueryHandler
	execHandler  fakeExecHandler

	mu    sync.Mutex
	execs []string
}

func (d *fakeDriver) Open(string) (driver.Conn, error) { return d.conn, nil }

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return &fakeStmt{conn: c, query: query}, nil
}
func (c *fakeConn) Close() error              { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) { return fakeTx{}, nil }

func (c *fakeConn) executed() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.execs...)
}

type fakeTx struct{}

func (fakeTx) Commit() error   { return nil }
func (fakeTx) Rollback() error { return nil }

type fakeStmt struct {
	conn  *fakeConn
	query string
}

func (s *fakeStmt) Close() error  { return nil }
func (s *fakeStmt) NumInput() int { return -1 }
func (s *fakeStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.conn.mu.Lock()
	s.conn.execs = append(s.conn.execs, compactSQL(s.query))
	s.conn.mu.Unlock()
	if s.conn.execHandler != nil {
		return s.conn.execHandler(s.query, args)
	}
	return driver.RowsAffected(0), nil
}
func (s *fakeStmt) Query(args []driver.Value) (driver.Rows, error) {
	if s.conn.queryHandler != nil {
		return s.conn.queryHandler(s.query, args)
	}
	return &fakeRows{}, nil
}

type fakeRows struct {
	columns []string
	data    [][]driver.Value
	idx     int
}

func (r *fakeRows) Columns() []string { return r.columns }
func (r *fakeRows) Close() error      { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.data) {
		return io.EOF
	}
	copy(dest, r.data[r.idx])
	r.idx++
	return nil
}

func compactSQL(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func openFakeDB(t *testing.T, queryH fakeQueryHandler, execH fakeExecHandler) (*DB, *fakeConn) {
	t.Helper()
	name := fmt.Sprintf("fake_store_%d", fakeDriverSeq.Add(1))
	conn := &fakeConn{queryHandler: queryH, execHandler: execH}
	sql.Register(name, &fakeDriver{conn: conn})
	db, err := sql.Open(name, "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return Wrap(db), conn
}
