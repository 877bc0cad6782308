package storage

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	"courtbook/internal/adapters/http/perf"
)

// SQLDB is the database interface used by all stores.
// Both *sql.DB and *TimedDB satisfy this interface.
type SQLDB interface {
	Querier
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// Compile-time check that *sql.DB satisfies SQLDB.
var _ SQLDB = (*sql.DB)(nil)

// DefaultSlowQuery is the default threshold for slow query warnings.
const DefaultSlowQuery = 50 * time.Millisecond

// TimedDB wraps a *sql.DB to rebind placeholders, log slow queries and
// optionally record timings to a collector.
type TimedDB struct {
	db        *sql.DB
	collector *perf.Collector
	dialect   Dialect
	threshold float64 // ms
}

// Compile-time check that *TimedDB satisfies SQLDB.
var _ SQLDB = (*TimedDB)(nil)

// NewTimedDB wraps a *sql.DB with timing instrumentation.
// PRE: db is a valid database connection
// POST: Returns a TimedDB that logs queries slower than DefaultSlowQuery
func NewTimedDB(db *sql.DB, collector *perf.Collector, dialect Dialect) *TimedDB {
	return &TimedDB{
		db:        db,
		collector: collector,
		dialect:   dialect,
		threshold: float64(DefaultSlowQuery.Microseconds()) / 1000.0,
	}
}

// SetSlowQueryThreshold changes the slow-query warning threshold.
// Non-positive values are ignored.
func (t *TimedDB) SetSlowQueryThreshold(d time.Duration) {
	if d > 0 {
		t.threshold = float64(d.Microseconds()) / 1000.0
	}
}

// Dialect reports the SQL dialect of the wrapped connection.
func (t *TimedDB) Dialect() Dialect {
	return t.dialect
}

// RawDB returns the underlying *sql.DB (needed for migrations and pool config).
func (t *TimedDB) RawDB() *sql.DB {
	return t.db
}

// queryLabel reduces a statement to its verb and first table, e.g.
// "SELECT bookings", so the collector groups executions of the same shape.
func queryLabel(query string) string {
	fields := strings.Fields(query)
	if len(fields) == 0 {
		return ""
	}
	verb := strings.ToUpper(fields[0])
	for i := 1; i < len(fields)-1; i++ {
		switch strings.ToUpper(fields[i]) {
		case "FROM", "INTO", "UPDATE", "TABLE":
			return verb + " " + strings.Trim(fields[i+1], "(\"`")
		}
	}
	if verb == "UPDATE" && len(fields) > 1 {
		return verb + " " + fields[1]
	}
	return verb
}

func (t *TimedDB) logQuery(op, query string, start time.Time, err error) {
	durationMs := float64(time.Since(start).Microseconds()) / 1000.0
	label := queryLabel(query)

	if durationMs >= t.threshold {
		slog.Warn("slow_query", "op", op, "query", label, "duration_ms", durationMs, "error", err)
	} else {
		slog.Debug("query", "op", op, "query", label, "duration_ms", durationMs)
	}

	if t.collector != nil {
		path := op
		if label != "" {
			path = label
		}
		t.collector.Record(perf.Entry{
			Kind:       perf.KindQuery,
			Path:       path,
			DurationMs: durationMs,
			Timestamp:  start,
		})
	}
}

// ExecContext wraps sql.DB.ExecContext with timing.
func (t *TimedDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	result, err := t.db.ExecContext(ctx, t.dialect.Rebind(query), args...)
	t.logQuery("exec", query, start, err)
	return result, err
}

// QueryContext wraps sql.DB.QueryContext with timing.
func (t *TimedDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	rows, err := t.db.QueryContext(ctx, t.dialect.Rebind(query), args...)
	t.logQuery("query", query, start, err)
	return rows, err
}

// QueryRowContext wraps sql.DB.QueryRowContext with timing.
func (t *TimedDB) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	start := time.Now()
	row := t.db.QueryRowContext(ctx, t.dialect.Rebind(query), args...)
	t.logQuery("query_row", query, start, row.Err())
	return row
}

// BeginTx wraps sql.DB.BeginTx with timing. Statements on the returned
// transaction are not rebound; use InTx for dialect-agnostic transactions.
func (t *TimedDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	start := time.Now()
	tx, err := t.db.BeginTx(ctx, opts)
	t.logQuery("begin", "BEGIN", start, err)
	return tx, err
}

// Close closes the underlying database connection.
func (t *TimedDB) Close() error {
	return t.db.Close()
}

// PingContext verifies the database connection.
func (t *TimedDB) PingContext(ctx context.Context) error {
	return t.db.PingContext(ctx)
}
