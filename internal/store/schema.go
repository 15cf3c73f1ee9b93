package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// EnsureCandleTable creates table if it does not exist. With hypertable set
// it is also turned into a TimescaleDB hypertable partitioned on datetime.
func EnsureCandleTable(ctx context.Context, pool ConnPool, table string, hypertable bool, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return &PersistenceError{Op: OpAcquire, Table: table, Err: err}
	}
	defer conn.Release()

	ident := pgx.Identifier{table}.Sanitize()
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		trading_symbol TEXT NOT NULL,
		datetime       TIMESTAMPTZ NOT NULL,
		date           DATE NOT NULL,
		time           TIME NOT NULL,
		open           DOUBLE PRECISION NOT NULL,
		high           DOUBLE PRECISION NOT NULL,
		low            DOUBLE PRECISION NOT NULL,
		close          DOUBLE PRECISION NOT NULL,
		volume         BIGINT NOT NULL
	)`, ident)
	if _, err := conn.Exec(ctx, ddl); err != nil {
		return &PersistenceError{Op: OpWrite, Table: table, Err: err}
	}

	if hypertable {
		if _, err := conn.Exec(ctx, `SELECT create_hypertable($1::regclass, 'datetime', if_not_exists => TRUE)`, ident); err != nil {
			return &PersistenceError{Op: OpWrite, Table: table, Err: fmt.Errorf("create hypertable: %w", err)}
		}
	}
	logger.Info("store.table_ready", zap.String("table", table), zap.Bool("hypertable", hypertable))
	return nil
}

// EnsureCatalogTable creates the catalog archive table if needed.
func EnsureCatalogTable(ctx context.Context, pool ConnPool, table string) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return &PersistenceError{Op: OpAcquire, Table: table, Err: err}
	}
	defer conn.Release()

	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		instrument_token BIGINT NOT NULL,
		exchange_token   BIGINT,
		tradingsymbol    TEXT NOT NULL,
		name             TEXT,
		expiry           TEXT,
		strike           DOUBLE PRECISION,
		tick_size        DOUBLE PRECISION,
		lot_size         INTEGER,
		instrument_type  TEXT NOT NULL,
		segment          TEXT NOT NULL,
		exchange         TEXT NOT NULL,
		date             DATE NOT NULL
	)`, pgx.Identifier{table}.Sanitize())
	if _, err := conn.Exec(ctx, ddl); err != nil {
		return &PersistenceError{Op: OpWrite, Table: table, Err: err}
	}
	return nil
}
