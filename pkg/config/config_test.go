package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

var configKeys = []string{
	"SERVICE_NAME", "ENV", "LOG_LEVEL", "LOG_FILE", "AWS_REGION",
	"KITE_API_URL", "KITE_API_KEY", "KITE_ACCESS_TOKEN", "KITE_SECRET_NAME", "KITE_WS_URL",
	"BROKER_NAME", "INSTRUMENT_CLASS", "INTERVAL", "TIMEZONE", "FROM_DATE", "TO_DATE",
	"FETCH_WORKERS", "PERSIST_WORKERS", "HISTORICAL_RATE_CALLS", "HISTORICAL_RATE_PERIOD",
	"FETCH_TASK_TIMEOUT", "FETCH_CONTINUOUS", "FETCH_OI", "HTTP_RETRY_MAX",
	"INSTRUMENTS_FILE", "SUBSCRIPTION_FILE", "SUBSCRIPTION_LIMIT", "EXCHANGE_FILTER",
	"DATABASE_URL", "PG_MAX_CONNS", "LISTING_TABLE", "CATALOG_TABLE", "CREATE_TABLES", "HYPERTABLE",
	"REDIS_ADDR", "REDIS_DB", "CATALOG_CACHE_TTL", "NATS_URL", "NATS_SUBJECT", "AMQP_URL", "METRICS_PORT",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configKeys {
		t.Setenv(k, "")
	}
	t.Setenv("KITE_API_KEY", "key")
	t.Setenv("KITE_ACCESS_TOKEN", "token")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "kite-ingest", cfg.ServiceName)
	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, model.IntervalDay, cfg.Interval)
	assert.Equal(t, "Asia/Kolkata", cfg.Location.String())
	assert.Equal(t, 6, cfg.FetchWorkers)
	assert.Equal(t, 2, cfg.PersistWorkers)
	assert.Equal(t, 3, cfg.HistoricalRateCalls)
	assert.Equal(t, time.Second, cfg.HistoricalRatePeriod)
	assert.Equal(t, 3000, cfg.SubscriptionLimit)
	assert.Equal(t, "LISTING_DATES", cfg.ListingTable)
	assert.Equal(t, "instrument_list_kite", cfg.CatalogTable)
	assert.True(t, cfg.CreateTables)
	assert.False(t, cfg.Hypertable)
	assert.Empty(t, cfg.ExchangeFilter)
	assert.True(t, cfg.FromDate.IsZero())

	now := time.Now().In(cfg.Location)
	assert.Equal(t, now.Format(DateLayout), cfg.ToDate.Format(DateLayout))
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("INTERVAL", "15MINUTE")
	t.Setenv("FROM_DATE", "2015-01-01")
	t.Setenv("TO_DATE", "2024-07-31")
	t.Setenv("FETCH_WORKERS", "4")
	t.Setenv("HISTORICAL_RATE_PERIOD", "2s")
	t.Setenv("FETCH_OI", "true")
	t.Setenv("EXCHANGE_FILTER", "BSE, NSE,")
	t.Setenv("HYPERTABLE", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, model.Interval15Minute, cfg.Interval)
	assert.Equal(t, time.Date(2015, 1, 1, 0, 0, 0, 0, cfg.Location), cfg.FromDate)
	assert.Equal(t, time.Date(2024, 7, 31, 0, 0, 0, 0, cfg.Location), cfg.ToDate)
	assert.Equal(t, time.Date(2024, 7, 31, 23, 59, 59, 0, cfg.Location), cfg.RunEnd())
	assert.Equal(t, 4, cfg.FetchWorkers)
	assert.Equal(t, 2*time.Second, cfg.HistoricalRatePeriod)
	assert.True(t, cfg.FetchOI)
	assert.True(t, cfg.Hypertable)
	assert.Equal(t, []string{"BSE", "NSE"}, cfg.ExchangeFilter)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{"unknown interval", map[string]string{"INTERVAL": "2minute"}, "INTERVAL"},
		{"bad from date", map[string]string{"FROM_DATE": "01/01/2015"}, "FROM_DATE"},
		{"bad timezone", map[string]string{"TIMEZONE": "Mars/Olympus"}, "TIMEZONE"},
		{"from after to", map[string]string{"FROM_DATE": "2024-02-01", "TO_DATE": "2024-01-01"}, "is after TO_DATE"},
		{"no session", map[string]string{"KITE_ACCESS_TOKEN": ""}, "KITE_API_KEY"},
		{"zero workers", map[string]string{"FETCH_WORKERS": "0"}, "FETCH_WORKERS"},
		{"zero rate", map[string]string{"HISTORICAL_RATE_CALLS": "0"}, "HISTORICAL_RATE_CALLS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoad_SecretNameReplacesEnvSession(t *testing.T) {
	clearEnv(t)
	t.Setenv("KITE_API_KEY", "")
	t.Setenv("KITE_ACCESS_TOKEN", "")
	t.Setenv("KITE_SECRET_NAME", "prod/kite/session")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "prod/kite/session", cfg.KiteSecretName)
}

func TestValidate_CollectsAllErrors(t *testing.T) {
	cfg := &Config{Interval: "weekly"}
	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"INTERVAL", "BROKER_NAME", "DATABASE_URL", "FETCH_WORKERS", "SUBSCRIPTION_LIMIT"} {
		assert.Contains(t, err.Error(), want)
	}
}
