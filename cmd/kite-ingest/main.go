package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/api"
	"github.com/Checker-Finance/kite-ingest/internal/broker"
	"github.com/Checker-Finance/kite-ingest/internal/catalog"
	"github.com/Checker-Finance/kite-ingest/internal/fetch"
	"github.com/Checker-Finance/kite-ingest/internal/ingest"
	"github.com/Checker-Finance/kite-ingest/internal/jobs"
	"github.com/Checker-Finance/kite-ingest/internal/kite"
	"github.com/Checker-Finance/kite-ingest/internal/normalize"
	"github.com/Checker-Finance/kite-ingest/internal/planner"
	"github.com/Checker-Finance/kite-ingest/internal/publisher"
	"github.com/Checker-Finance/kite-ingest/internal/rate"
	internalsecrets "github.com/Checker-Finance/kite-ingest/internal/secrets"
	"github.com/Checker-Finance/kite-ingest/internal/store"
	"github.com/Checker-Finance/kite-ingest/internal/subscription"
	"github.com/Checker-Finance/kite-ingest/pkg/config"
	"github.com/Checker-Finance/kite-ingest/pkg/logger"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
	"github.com/Checker-Finance/kite-ingest/pkg/secrets"
	"github.com/Checker-Finance/kite-ingest/pkg/utils"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Load configuration ---
	cfg, err := config.Load()
	if err != nil {
		logger.Init("kite-ingest", "prod", "info")
		logger.S().Errorw("invalid configuration", "error", err)
		os.Exit(1)
	}

	var outputs []string
	if cfg.LogFile != "" {
		outputs = append(outputs, cfg.LogFile)
	}
	logger.Init(cfg.ServiceName, cfg.Env, cfg.LogLevel, outputs...)
	defer logger.Sync()

	if err := run(ctx, cfg, logger.L()); err != nil {
		logger.S().Errorw("[kite-ingest] run aborted", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	logg := log.Sugar()
	logg.Infow("starting [kite-ingest]...",
		"interval", cfg.Interval,
		"to", cfg.ToDate.Format(config.DateLayout),
		"dsn", utils.MaskDSN(cfg.DatabaseURL))

	// --- Broker session ---
	sessions := newSessionResolver(ctx, cfg, log)
	if _, err := sessions.Resolve(ctx); err != nil {
		return err
	}

	// --- Store (Postgres + optional Redis) ---
	st, err := store.Open(ctx, store.Options{
		DatabaseURL: cfg.DatabaseURL,
		Pool: store.PGPoolConfig{
			MaxConns:          int32(cfg.PGMaxConns),
			MinConns:          int32(cfg.PGMinConns),
			MaxConnLifetime:   cfg.PGMaxConnLifetime,
			MaxConnIdleTime:   cfg.PGMaxConnIdleTime,
			HealthCheckPeriod: cfg.PGHealthCheckPeriod,
		},
		RedisAddr: cfg.RedisAddr,
		RedisDB:   cfg.RedisDB,
		RedisPass: cfg.RedisPass,
	}, log)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}
	defer st.Close()
	pool := store.PgxPool{Pool: st.PG}

	table := store.TableName(cfg.BrokerName, cfg.InstrumentClass, cfg.Interval)
	if cfg.CreateTables {
		if err := store.EnsureCandleTable(ctx, pool, table, cfg.Hypertable, log); err != nil {
			return err
		}
		if err := store.EnsureCatalogTable(ctx, pool, cfg.CatalogTable); err != nil {
			return err
		}
	}

	// --- Rate limits: one historical quota shared by every worker ---
	rateMgr := rate.NewManager(rate.Config{Calls: 10, Period: time.Second}, map[string]rate.Config{
		kite.KeyHistorical: {Calls: cfg.HistoricalRateCalls, Period: cfg.HistoricalRatePeriod},
	})

	kc := kite.NewClient(kite.Options{
		BaseURL:            cfg.KiteAPIURL,
		Sessions:           sessions,
		Location:           cfg.Location,
		Limiter:            rateMgr,
		RetryMax:           cfg.HTTPRetryMax,
		HistoricalAdmitted: true,
	}, log)

	// --- Summary notifier ---
	notifier, nc, closeNotifier := buildNotifier(cfg, log)
	defer closeNotifier()

	// --- Pipeline ---
	norm, err := normalize.New(cfg.Timezone)
	if err != nil {
		return err
	}
	fetchPool := fetch.NewPool(kc, rateMgr.GetLimiter(kite.KeyHistorical), fetch.Options{
		Workers:     cfg.FetchWorkers,
		TaskTimeout: cfg.FetchTaskTimeout,
		Continuous:  cfg.FetchContinuous,
		OI:          cfg.FetchOI,
	}, log)
	runEnd := cfg.RunEnd()
	if cfg.RunEvery > 0 {
		runEnd = time.Time{} // each scheduled run extends to its own start time
	}
	orch := ingest.New(fetchPool, norm, st.Sink(), notifier, ingest.Config{
		Interval:       cfg.Interval,
		To:             runEnd,
		Table:          table,
		PersistWorkers: cfg.PersistWorkers,
		AcquireRetries: 3,
	}, log)

	// --- Fiber HTTP Server (metrics, health, run status) ---
	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	api.RegisterRoutes(app, api.Deps{NATS: nc, Store: st, Run: orch})
	go func() {
		logg.Infof("HTTP API listening on :%d", cfg.MetricsPort)
		if err := app.Listen(fmt.Sprintf(":%d", cfg.MetricsPort)); err != nil {
			logg.Warnw("fiber.listen_failed", "error", err)
		}
	}()
	defer func() { _ = app.ShutdownWithTimeout(5 * time.Second) }()

	var source catalog.Source = kc
	if cfg.InstrumentsFile != "" {
		source = catalog.FileSource{Path: cfg.InstrumentsFile}
	}
	var cache catalog.Cache
	if cc := st.CatalogCache(cfg.CatalogCacheTTL); cc != nil {
		cache = cc
	}
	loader := catalog.NewLoader(source, catalog.NewValidator(log), cache, store.NewCatalogArchive(pool, cfg.CatalogTable), log)

	// Each run reloads the catalog and listing dates so new listings are picked up.
	ingestOnce := func(ctx context.Context) error {
		cat, err := loader.Load(ctx)
		if err != nil {
			return fmt.Errorf("load catalog: %w", err)
		}
		refs, err := selectInstruments(cfg, cat, log)
		if err != nil {
			return err
		}
		listing, err := store.ListingDates(ctx, pool, cfg.ListingTable)
		if err != nil {
			logg.Warnw("listing dates unavailable, using FROM_DATE for every symbol", "error", err)
		}
		targets := ingest.ResolveTargets(refs, listing, cfg.FromDate, log)
		if cfg.Resume || cfg.RunEvery > 0 {
			latest, err := store.LatestTimestamps(ctx, pool, table)
			if err != nil {
				return fmt.Errorf("resume: %w", err)
			}
			targets = ingest.ResumeAfter(targets, latest)
		}

		summary, err := orch.Run(ctx, targets)
		if err != nil {
			return err
		}
		logg.Infow("[kite-ingest] finished",
			"run_id", summary.RunID.String(),
			"table", summary.Table,
			"rows", summary.TotalRows,
			"failed_windows", summary.FailedWindows())
		return nil
	}

	if cfg.RunEvery <= 0 {
		return ingestOnce(ctx)
	}
	err = jobs.NewScheduler(log, "kite-ingest", cfg.RunEvery, func(ctx context.Context) error {
		err := ingestOnce(ctx)
		if fatalStage(err) {
			return jobs.Fatal(err)
		}
		return err
	}).Start(ctx)
	logg.Info("shutting down [kite-ingest]...")
	return err
}

var errInvalidFilter = errors.New("invalid EXCHANGE_FILTER")

// fatalStage reports validation errors that every later run would hit again.
// Download and database failures are not among them and are retried on the next tick.
func fatalStage(err error) bool {
	if err == nil {
		return false
	}
	var (
		enumErr     *catalog.EnumValidationError
		fieldErr    *catalog.FieldError
		schemaErr   *subscription.SchemaError
		limitErr    *subscription.LimitExceededError
		intervalErr *planner.UnknownIntervalError
	)
	return errors.As(err, &enumErr) ||
		errors.As(err, &fieldErr) ||
		errors.As(err, &schemaErr) ||
		errors.As(err, &limitErr) ||
		errors.As(err, &intervalErr) ||
		errors.Is(err, errInvalidFilter)
}

func newSessionResolver(ctx context.Context, cfg *config.Config, log *zap.Logger) *internalsecrets.SessionResolver {
	fallback := broker.Session{APIKey: cfg.KiteAPIKey, AccessToken: cfg.KiteAccessToken}
	var provider secrets.Provider
	if cfg.KiteSecretName != "" {
		p, err := secrets.NewAWSProvider(ctx, cfg.AWSRegion)
		if err != nil {
			log.Warn("aws.provider_unavailable", zap.Error(err))
		} else {
			provider = p
		}
	}
	return internalsecrets.NewSessionResolver(log, provider, secrets.NewCache[broker.Session](time.Hour), cfg.KiteSecretName, fallback)
}

// selectInstruments returns the validated subscription set when a file is
// configured, otherwise the catalog narrowed by EXCHANGE_FILTER.
func selectInstruments(cfg *config.Config, cat *model.Catalog, log *zap.Logger) ([]ingest.InstrumentRef, error) {
	if cfg.SubscriptionFile != "" {
		rows, err := subscription.ReadFile(cfg.SubscriptionFile)
		if err != nil {
			return nil, err
		}
		set, err := subscription.NewValidator(cfg.SubscriptionLimit, log).Validate(rows, cat)
		if err != nil {
			return nil, err
		}
		return ingest.FromSubscriptions(set), nil
	}

	if len(cfg.ExchangeFilter) == 0 {
		return ingest.FromInstruments(cat.Instruments()), nil
	}
	var ins []model.Instrument
	for _, raw := range cfg.ExchangeFilter {
		ex, err := model.ParseExchange(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errInvalidFilter, err)
		}
		ins = append(ins, cat.Filter(ex)...)
	}
	if len(ins) == 0 {
		return nil, errors.New("EXCHANGE_FILTER matched no instruments")
	}
	return ingest.FromInstruments(ins), nil
}

// buildNotifier connects every configured transport. A transport that cannot
// connect is logged and left out; the run does not depend on it.
func buildNotifier(cfg *config.Config, log *zap.Logger) (ingest.Notifier, *nats.Conn, func()) {
	var (
		fan     publisher.Fanout
		nc      *nats.Conn
		closers []func()
	)
	if cfg.NATSURL != "" {
		conn, err := nats.Connect(cfg.NATSURL, nats.Name(cfg.ServiceName))
		if err != nil {
			log.Warn("nats.connect_failed", zap.Error(err))
		} else if pub, err := publisher.New(conn, cfg.NATSSubject, cfg.ServiceName); err != nil {
			log.Warn("nats.jetstream_unavailable", zap.Error(err))
			conn.Close()
		} else {
			nc = conn
			fan = append(fan, pub)
			closers = append(closers, pub.Close)
		}
	}
	if cfg.AMQPURL != "" {
		pub, err := publisher.NewAMQP(cfg.AMQPURL, cfg.AMQPExchange, cfg.ServiceName, log)
		if err != nil {
			log.Warn("amqp.connect_failed", zap.String("url", utils.MaskDSN(cfg.AMQPURL)), zap.Error(err))
		} else {
			fan = append(fan, pub)
			closers = append(closers, func() { _ = pub.Close() })
		}
	}
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}
	if len(fan) == 0 {
		return nil, nil, closeAll
	}
	return fan, nc, closeAll
}
