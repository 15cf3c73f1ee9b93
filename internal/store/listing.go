package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// DefaultListingTable maps trading symbols to their first trading day.
const DefaultListingTable = "LISTING_DATES"

// ListingDates reads tradingsymbol -> listing_date from table.
func ListingDates(ctx context.Context, pool ConnPool, table string) (map[string]time.Time, error) {
	if table == "" {
		table = DefaultListingTable
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: OpAcquire, Table: table, Err: err}
	}
	defer conn.Release()

	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT tradingsymbol, listing_date FROM %s`, pgx.Identifier{table}.Sanitize()))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			sym string
			day time.Time
		)
		if err := rows.Scan(&sym, &day); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out[sym] = day
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return out, nil
}

// LatestTimestamps returns the newest stored datetime per symbol in a candle table.
func LatestTimestamps(ctx context.Context, pool ConnPool, table string) (map[string]time.Time, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, &PersistenceError{Op: OpAcquire, Table: table, Err: err}
	}
	defer conn.Release()

	sym := pgx.Identifier{CandleColumns[0]}.Sanitize()
	rows, err := conn.Query(ctx, fmt.Sprintf(`SELECT %s, max(datetime) FROM %s GROUP BY %s`, sym, pgx.Identifier{table}.Sanitize(), sym))
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var (
			sym    string
			latest time.Time
		)
		if err := rows.Scan(&sym, &latest); err != nil {
			return nil, fmt.Errorf("scan %s: %w", table, err)
		}
		out[sym] = latest
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", table, err)
	}
	return out, nil
}
