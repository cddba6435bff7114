package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeConn is an in-memory Conn. Errors and results are set per test.
type fakeConn struct {
	id     int64
	closed atomic.Bool
	inUse  atomic.Bool

	mu       sync.Mutex
	queryErr error
	execErr  error
	execTag  string
	fields   []string
	rows     [][]any
	// closeOnErr simulates the driver closing the session after a failure.
	closeOnErr bool
}

var _ Conn = (*fakeConn)(nil)

func (c *fakeConn) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queryErr != nil {
		if c.closeOnErr {
			c.closed.Store(true)
		}
		return nil, c.queryErr
	}
	return &fakeRows{fields: c.fields, rows: c.rows, idx: -1}, nil
}

func (c *fakeConn) Exec(_ context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.execErr != nil {
		if c.closeOnErr {
			c.closed.Store(true)
		}
		return pgconn.CommandTag{}, c.execErr
	}
	tag := c.execTag
	if tag == "" {
		tag = "SELECT 1"
	}
	return pgconn.NewCommandTag(tag), nil
}

func (c *fakeConn) Ping(context.Context) error {
	if c.closed.Load() {
		return errors.New("conn closed")
	}
	return nil
}

func (c *fakeConn) Close(context.Context) error {
	c.closed.Store(true)
	return nil
}

func (c *fakeConn) IsClosed() bool {
	return c.closed.Load()
}

// fakeRows serves a fixed result set.
type fakeRows struct {
	fields []string
	rows   [][]any
	idx    int
	err    error
	closed bool
}

var _ pgx.Rows = (*fakeRows)(nil)

func (r *fakeRows) Close()                        { r.closed = true }
func (r *fakeRows) Err() error                    { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag { return pgconn.NewCommandTag("SELECT") }
func (r *fakeRows) RawValues() [][]byte           { return nil }
func (r *fakeRows) Conn() *pgx.Conn               { return nil }

func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription {
	out := make([]pgconn.FieldDescription, len(r.fields))
	for i, name := range r.fields {
		out[i] = pgconn.FieldDescription{Name: name}
	}
	return out
}

func (r *fakeRows) Next() bool {
	if r.closed {
		return false
	}
	r.idx++
	if r.idx >= len(r.rows) {
		r.closed = true
		return false
	}
	return true
}

func (r *fakeRows) Values() ([]any, error) {
	return r.rows[r.idx], nil
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) == 1 {
		if rs, ok := dest[0].(pgx.RowScanner); ok {
			return rs.ScanRow(r)
		}
	}
	return errors.New("fakeRows: only RowScanner destinations are supported")
}

// fakeConnector hands out fakeConns and remembers them.
type fakeConnector struct {
	mu     sync.Mutex
	conns  []*fakeConn
	err    error
	setup  func(*fakeConn)
	nextID atomic.Int64
}

func (f *fakeConnector) Connect(context.Context) (Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	c := &fakeConn{id: f.nextID.Add(1)}
	if f.setup != nil {
		f.setup(c)
	}
	f.conns = append(f.conns, c)
	return c, nil
}

func (f *fakeConnector) opened() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.conns)
}

func (f *fakeConnector) conn(i int) *fakeConn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conns[i]
}
