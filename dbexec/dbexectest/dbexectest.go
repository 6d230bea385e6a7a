// Package dbexectest provides a scriptable fake of dbexec.Conn so agent and
// orchestrator behavior can be exercised without a live MariaDB backend, per
// dbexec's stated purpose.
package dbexectest

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/signal18/marmot/dbexec"
)

// FakeResult is a no-op sql.Result for statements whose affected-row count
// nothing in this module inspects.
type FakeResult struct{}

func (FakeResult) LastInsertId() (int64, error) { return 0, nil }
func (FakeResult) RowsAffected() (int64, error) { return 0, nil }

// ScalarRow is a dbexec.Row backed by a fixed slice of values, one per
// expected Scan destination, in order.
type ScalarRow struct {
	Values []interface{}
	Err    error
}

func (r ScalarRow) Scan(dest ...interface{}) error {
	if r.Err != nil {
		return r.Err
	}
	if len(dest) > len(r.Values) {
		return fmt.Errorf("dbexectest: scan wants %d values, row has %d", len(dest), len(r.Values))
	}
	for i, d := range dest {
		if err := assign(d, r.Values[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r ScalarRow) StructScan(dest interface{}) error {
	return fmt.Errorf("dbexectest: StructScan not supported")
}

func assign(dest, value interface{}) error {
	switch d := dest.(type) {
	case *string:
		*d = value.(string)
	case *int64:
		*d = value.(int64)
	case *int:
		*d = value.(int)
	case *bool:
		*d = value.(bool)
	case *uint64:
		*d = value.(uint64)
	case *float64:
		*d = value.(float64)
	default:
		return fmt.Errorf("dbexectest: unsupported scan destination %T", dest)
	}
	return nil
}

// MapRows is a dbexec.Rows backed by a fixed slice of column maps.
type MapRows struct {
	rows []map[string]interface{}
	pos  int
	cols []string
}

// NewMapRows builds a MapRows from the given rows, using cols as the
// reported column list (ignored by MapScan-based callers but required by
// UpdateSlaveStatus's column-count check).
func NewMapRows(cols []string, rows []map[string]interface{}) *MapRows {
	return &MapRows{cols: cols, rows: rows}
}

func (r *MapRows) Next() bool {
	if r.pos >= len(r.rows) {
		return false
	}
	r.pos++
	return true
}

func (r *MapRows) Columns() ([]string, error) { return r.cols, nil }

func (r *MapRows) MapScan(dest map[string]interface{}) error {
	if r.pos == 0 || r.pos > len(r.rows) {
		return fmt.Errorf("dbexectest: MapScan called out of sequence")
	}
	for k, v := range r.rows[r.pos-1] {
		dest[k] = v
	}
	return nil
}

func (r *MapRows) Close() error { return nil }
func (r *MapRows) Err() error   { return nil }

// Conn is a scriptable dbexec.Conn. Handler funcs are consulted in order;
// the first handler reporting a match wins. With no matching handler, an
// Exec succeeds with a FakeResult, a Queryx returns no rows, and a QueryRowx
// returns a row whose Scan fails with a "no handler" error.
type Conn struct {
	ExecHandlers      []func(query string) (sql.Result, bool, error)
	QueryxHandlers    []func(query string) (dbexec.Rows, bool, error)
	QueryRowxHandlers []func(query string) (dbexec.Row, bool)

	Execs []string
}

func (c *Conn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	c.Execs = append(c.Execs, query)
	for _, h := range c.ExecHandlers {
		if res, matched, err := h(query); matched {
			return res, err
		}
	}
	return FakeResult{}, nil
}

func (c *Conn) QueryxContext(ctx context.Context, query string, args ...interface{}) (dbexec.Rows, error) {
	for _, h := range c.QueryxHandlers {
		if rows, matched, err := h(query); matched {
			return rows, err
		}
	}
	return NewMapRows(nil, nil), nil
}

func (c *Conn) QueryRowxContext(ctx context.Context, query string, args ...interface{}) dbexec.Row {
	for _, h := range c.QueryRowxHandlers {
		if row, matched := h(query); matched {
			return row
		}
	}
	return ScalarRow{Err: fmt.Errorf("dbexectest: no handler for query %q", query)}
}

func (c *Conn) Close() error { return nil }
