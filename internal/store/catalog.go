package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/metrics"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// DefaultCatalogTable receives a copy of every validated catalog.
const DefaultCatalogTable = "instrument_list_kite"

var catalogColumns = []string{
	"instrument_token", "exchange_token", "tradingsymbol", "name", "expiry", "strike",
	"tick_size", "lot_size", "instrument_type", "segment", "exchange", "date",
}

// CatalogArchive appends validated catalogs to a table, one row per instrument.
type CatalogArchive struct {
	pool  ConnPool
	table string
}

func NewCatalogArchive(pool ConnPool, table string) *CatalogArchive {
	if table == "" {
		table = DefaultCatalogTable
	}
	return &CatalogArchive{pool: pool, table: table}
}

func (a *CatalogArchive) SaveCatalog(ctx context.Context, cat *model.Catalog) (int64, error) {
	items := cat.Instruments()
	if len(items) == 0 {
		return 0, nil
	}
	conn, err := a.pool.Acquire(ctx)
	if err != nil {
		return 0, &PersistenceError{Op: OpAcquire, Table: a.table, Err: err}
	}
	defer conn.Release()

	day := cat.CapturedOn()
	n, err := conn.CopyFrom(ctx, pgx.Identifier{a.table}, catalogColumns, pgx.CopyFromSlice(len(items), func(i int) ([]any, error) {
		in := items[i]
		return []any{
			in.Token, in.ExchangeToken, in.Symbol, in.Name, in.Expiry,
			in.Strike.InexactFloat64(), in.TickSize.InexactFloat64(), int32(in.LotSize),
			string(in.InstrumentType), string(in.Segment), string(in.Exchange), day,
		}, nil
	}))
	if err != nil {
		return 0, &PersistenceError{Op: OpWrite, Table: a.table, Err: err}
	}
	return n, nil
}

// CatalogCache keeps validated catalogs in Redis keyed by capture date,
// so repeated runs on one day skip the instrument download.
type CatalogCache struct {
	redis  *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func NewCatalogCache(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *CatalogCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogCache{redis: rdb, ttl: ttl, logger: logger}
}

func catalogKey(day time.Time) string {
	return "catalog:kite:" + day.Format(time.DateOnly)
}

// Get returns nil, nil when no catalog is cached for day.
func (c *CatalogCache) Get(ctx context.Context, day time.Time) (*model.Catalog, error) {
	data, err := c.redis.Get(ctx, catalogKey(day)).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheAccess("miss")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var cat model.Catalog
	if err := json.Unmarshal(data, &cat); err != nil {
		c.logger.Warn("store.redis.catalog_decode_failed", zap.Error(err))
		metrics.IncCacheAccess("miss")
		return nil, nil
	}
	metrics.IncCacheAccess("hit")
	return &cat, nil
}

func (c *CatalogCache) Put(ctx context.Context, cat *model.Catalog) error {
	data, err := json.Marshal(cat)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, catalogKey(cat.CapturedOn()), data, c.ttl).Err()
}
