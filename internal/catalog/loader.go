package catalog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/tabular"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// Source produces a raw instrument snapshot.
type Source interface {
	ListInstruments(ctx context.Context) ([]model.RawInstrument, error)
}

// Cache holds validated catalogs by capture date. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, day time.Time) (*model.Catalog, error)
	Put(ctx context.Context, cat *model.Catalog) error
}

// Archive keeps a durable copy of every validated catalog.
type Archive interface {
	SaveCatalog(ctx context.Context, cat *model.Catalog) (int64, error)
}

// FileSource reads a snapshot previously downloaded as CSV.
type FileSource struct {
	Path string
}

func (f FileSource) ListInstruments(_ context.Context) ([]model.RawInstrument, error) {
	tbl, err := tabular.ReadFile(f.Path)
	if err != nil {
		return nil, err
	}
	if missing := tbl.Missing(ColToken, ColSymbol, ColExchange, ColSegment, ColInstrumentType); len(missing) > 0 {
		return nil, fmt.Errorf("catalog: %s is missing columns %v", f.Path, missing)
	}
	out := make([]model.RawInstrument, len(tbl.Rows))
	for i, r := range tbl.Rows {
		out[i] = model.RawInstrument(r)
	}
	return out, nil
}

// Loader returns today's catalog, validating a fresh snapshot only when the
// cache has none. cache and archive are optional.
type Loader struct {
	source    Source
	validator *Validator
	cache     Cache
	archive   Archive
	logger    *zap.Logger

	mu sync.Mutex
	// archivedOn is the capture date last written to the archive.
	archivedOn time.Time
}

func NewLoader(source Source, validator *Validator, cache Cache, archive Archive, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{source: source, validator: validator, cache: cache, archive: archive, logger: logger}
}

func (l *Loader) Load(ctx context.Context) (*model.Catalog, error) {
	today := l.validator.now()
	if l.cache != nil {
		cat, err := l.cache.Get(ctx, today)
		if err != nil {
			l.logger.Warn("catalog.cache_get_failed", zap.Error(err))
		} else if cat != nil {
			l.logger.Info("catalog.cache_hit", zap.Int("instruments", cat.Len()))
			return cat, nil
		}
	}

	raw, err := l.source.ListInstruments(ctx)
	if err != nil {
		return nil, fmt.Errorf("load instruments: %w", err)
	}
	cat, _, err := l.validator.Validate(raw)
	if err != nil {
		return nil, err
	}

	if l.cache != nil {
		if err := l.cache.Put(ctx, cat); err != nil {
			l.logger.Warn("catalog.cache_put_failed", zap.Error(err))
		}
	}
	if l.archive != nil {
		l.archiveOnce(ctx, cat)
	}
	return cat, nil
}

// archiveOnce writes cat unless a catalog with the same capture date was
// already archived by this loader. A failed write is tried again next load.
func (l *Loader) archiveOnce(ctx context.Context, cat *model.Catalog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.archivedOn.Equal(cat.CapturedOn()) {
		l.logger.Debug("catalog.already_archived", zap.Time("captured_on", cat.CapturedOn()))
		return
	}
	n, err := l.archive.SaveCatalog(ctx, cat)
	if err != nil {
		l.logger.Warn("catalog.archive_failed", zap.Error(err))
		return
	}
	l.archivedOn = cat.CapturedOn()
	l.logger.Info("catalog.archived", zap.Int64("rows", n))
}
