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
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/api"
	"github.com/Checker-Finance/kite-ingest/internal/broker"
	"github.com/Checker-Finance/kite-ingest/internal/catalog"
	"github.com/Checker-Finance/kite-ingest/internal/feed"
	"github.com/Checker-Finance/kite-ingest/internal/kite"
	"github.com/Checker-Finance/kite-ingest/internal/rate"
	internalsecrets "github.com/Checker-Finance/kite-ingest/internal/secrets"
	"github.com/Checker-Finance/kite-ingest/internal/store"
	"github.com/Checker-Finance/kite-ingest/internal/subscription"
	"github.com/Checker-Finance/kite-ingest/pkg/config"
	"github.com/Checker-Finance/kite-ingest/pkg/logger"
	"github.com/Checker-Finance/kite-ingest/pkg/secrets"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger.Init("kite-feed", "prod", "info")
		logger.S().Errorw("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger.Init(cfg.ServiceName+"-feed", cfg.Env, cfg.LogLevel)
	defer logger.Sync()

	if err := run(ctx, cfg, logger.L()); err != nil {
		logger.S().Errorw("[kite-feed] stopped", "error", err)
		logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	logg := log.Sugar()
	if cfg.SubscriptionFile == "" {
		return errors.New("SUBSCRIPTION_FILE is required")
	}

	session, err := resolveSession(ctx, cfg, log)
	if err != nil {
		return err
	}

	// --- Catalog, cached in Redis when configured ---
	var source catalog.Source = kite.NewClient(kite.Options{
		BaseURL:  cfg.KiteAPIURL,
		Session:  session,
		Location: cfg.Location,
		Limiter:  rate.NewManager(rate.Config{Calls: 10, Period: time.Second}, nil),
		RetryMax: cfg.HTTPRetryMax,
	}, log)
	if cfg.InstrumentsFile != "" {
		source = catalog.FileSource{Path: cfg.InstrumentsFile}
	}
	var cache catalog.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB, Password: cfg.RedisPass})
		defer rdb.Close()
		cache = store.NewCatalogCache(rdb, cfg.CatalogCacheTTL, log)
	}
	cat, err := catalog.NewLoader(source, catalog.NewValidator(log), cache, nil, log).Load(ctx)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}

	// --- Subscription set ---
	rows, err := subscription.ReadFile(cfg.SubscriptionFile)
	if err != nil {
		return err
	}
	set, err := subscription.NewValidator(cfg.SubscriptionLimit, log).Validate(rows, cat)
	if err != nil {
		return err
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})
	api.RegisterRoutes(app, api.Deps{})
	go func() {
		if err := app.Listen(fmt.Sprintf(":%d", cfg.MetricsPort)); err != nil {
			logg.Warnw("fiber.listen_failed", "error", err)
		}
	}()
	defer func() { _ = app.ShutdownWithTimeout(5 * time.Second) }()

	client := feed.NewClient(cfg.KiteWSURL, session, func(t feed.Tick) {
		log.Debug("feed.tick",
			zap.Int64("token", t.Token),
			zap.String("mode", string(t.Mode)),
			zap.Float64("ltp", t.LastPrice))
	}, log)

	logg.Infow("[kite-feed] subscribing", "instruments", len(set.Items))
	if err := client.Run(ctx, set.Tokens()); err != nil {
		return err
	}

	counts := client.Counts()
	silent := 0
	for _, it := range set.Items {
		if counts[it.Token] == 0 {
			silent++
		}
	}
	logg.Infow("[kite-feed] shutting down", "tokens_with_ticks", len(counts), "silent_tokens", silent)
	return nil
}

func resolveSession(ctx context.Context, cfg *config.Config, log *zap.Logger) (broker.Session, error) {
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
	return internalsecrets.NewSessionResolver(log, provider, secrets.NewCache[broker.Session](time.Hour), cfg.KiteSecretName, fallback).Resolve(ctx)
}
