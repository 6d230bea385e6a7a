// Package dbexec defines the narrow SQL transport boundary that ServerAgent
// is built against, so agent behavior (retry budgets, row parsing, command
// sequencing) is testable against a fake without a live MariaDB backend.
package dbexec

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
)

// Sentinel errors for the failure-kind taxonomy of spec.md §7, so callers
// can classify a failure with errors.Is rather than re-parsing the driver's
// message text a second time.
var (
	ErrNetwork        = errors.New("dbexec: network failure")
	ErrTimeout        = errors.New("dbexec: operation budget exhausted")
	ErrAuth           = errors.New("dbexec: access denied")
	ErrSchemaMismatch = errors.New("dbexec: unexpected result shape")
)

// Classify maps err to the sentinel matching its failure kind, wrapping err
// with %w so the original driver message survives. Returns err unchanged if
// no known kind matches.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case IsAccessDenied(err):
		return fmt.Errorf("%w: %v", ErrAuth, err)
	case IsNetworkError(err):
		return fmt.Errorf("%w: %v", ErrNetwork, err)
	default:
		return err
	}
}

// Row is the subset of *sqlx.Row used by agent code.
type Row interface {
	Scan(dest ...interface{}) error
	StructScan(dest interface{}) error
}

// Rows is the subset of *sqlx.Rows used by agent code. MapScan is used for
// SHOW [ALL] SLAVE[S] STATUS, whose column set varies by server version, so
// rows are addressed by name rather than position.
type Rows interface {
	Next() bool
	Columns() ([]string, error)
	MapScan(dest map[string]interface{}) error
	Close() error
	Err() error
}

// Conn is one backend connection. *sqlx.DB does not satisfy it directly (its
// query methods return concrete types); wrap it in SqlxConn.
type Conn interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryxContext(ctx context.Context, query string, args ...interface{}) (Rows, error)
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) Row
	Close() error
}

// SqlxConn adapts an *sqlx.DB to Conn.
type SqlxConn struct {
	DB *sqlx.DB
}

func (c SqlxConn) ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return c.DB.ExecContext(ctx, query, args...)
}

func (c SqlxConn) QueryxContext(ctx context.Context, query string, args ...interface{}) (Rows, error) {
	return c.DB.QueryxContext(ctx, query, args...)
}

func (c SqlxConn) QueryRowxContext(ctx context.Context, query string, args ...interface{}) Row {
	return c.DB.QueryRowxContext(ctx, query, args...)
}

func (c SqlxConn) Close() error {
	return c.DB.Close()
}

// Open dials a MariaDB/MySQL backend using the go-sql-driver/mysql DSN form.
func Open(dsn string) (Conn, error) {
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	return SqlxConn{DB: db}, nil
}

// IsNetworkError reports whether err looks like a connector-level network
// failure (connection refused/reset, broken pipe, i/o timeout) as opposed to
// a backend-reported SQL error. Retried under the active budget per spec.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if err == sql.ErrConnDone || err == sql.ErrTxDone {
		return true
	}
	msg := err.Error()
	for _, needle := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"i/o timeout",
		"invalid connection",
		"driver: bad connection",
		"EOF",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

// IsStatementTimeout reports whether err is a backend-side
// ER_STATEMENT_TIMEOUT interruption from a SET STATEMENT max_statement_time
// guard. Retried as transient, per spec.md §7.
func IsStatementTimeout(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "max_statement_time exceeded") || strings.Contains(err.Error(), "Error 1969")
}

// IsAccessDenied reports whether err is an ER_*_DENIED_ERROR class failure.
func IsAccessDenied(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "Access denied") || strings.Contains(msg, "command denied") ||
		strings.Contains(msg, "Error 1045") || strings.Contains(msg, "Error 1142") || strings.Contains(msg, "Error 1227")
}
