package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/metrics"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// Conn is the subset of a pooled connection the store uses.
type Conn interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Release()
}

// ConnPool hands out connections that must be released.
type ConnPool interface {
	Acquire(ctx context.Context) (Conn, error)
}

// PgxPool adapts *pgxpool.Pool to ConnPool.
type PgxPool struct {
	Pool *pgxpool.Pool
}

func (p PgxPool) Acquire(ctx context.Context) (Conn, error) {
	c, err := p.Pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Persistence operations, as reported in PersistenceError.Op.
const (
	OpAcquire = "acquire"
	OpWrite   = "write"
)

// PersistenceError wraps a failed datastore operation. Acquire failures
// wrote nothing and are safe to retry; write failures may not be.
type PersistenceError struct {
	Op    string
	Table string
	Err   error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// TableName is the candle table for a broker, instrument class and interval,
// e.g. KITE_EQ_minute_HISTORICAL_DATA.
func TableName(broker, class string, interval model.Interval) string {
	return fmt.Sprintf("%s_%s_%s_HISTORICAL_DATA", strings.ToUpper(broker), strings.ToUpper(class), interval)
}

// CandleColumns is the column order of every candle table.
var CandleColumns = []string{"trading_symbol", "datetime", "date", "time", "open", "high", "low", "close", "volume"}

// Sink appends normalized rows to candle tables.
type Sink struct {
	pool   ConnPool
	logger *zap.Logger
}

func NewSink(pool ConnPool, logger *zap.Logger) *Sink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{pool: pool, logger: logger}
}

// Append copies rows into table. It never updates or truncates and does not
// retry; callers decide what to do with a *PersistenceError.
func (s *Sink) Append(ctx context.Context, table string, rows []model.NormalizedRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		metrics.IncError("store", "acquire_failed")
		return 0, &PersistenceError{Op: OpAcquire, Table: table, Err: err}
	}
	defer conn.Release()

	n, err := conn.CopyFrom(ctx, pgx.Identifier{table}, CandleColumns, pgx.CopyFromSlice(len(rows), func(i int) ([]any, error) {
		r := rows[i]
		return []any{
			r.TradingSymbol,
			r.DateTime,
			r.Date,
			pgtype.Time{Microseconds: r.Time.Microseconds(), Valid: true},
			r.Open, r.High, r.Low, r.Close,
			r.Volume,
		}, nil
	}))
	if err != nil {
		metrics.IncError("store", "write_failed")
		s.logger.Error("store.pg.append_failed", zap.String("table", table), zap.Int("rows", len(rows)), zap.Error(err))
		return 0, &PersistenceError{Op: OpWrite, Table: table, Err: err}
	}
	metrics.AddRows(table, n)
	return n, nil
}
