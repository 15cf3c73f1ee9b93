package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	ex, err := ParseExchange(" NSE ")
	require.NoError(t, err)
	assert.Equal(t, ExchangeNSE, ex)

	_, err = ParseExchange("NYSE")
	assert.Error(t, err)

	seg, err := ParseSegment("NFO-OPT")
	require.NoError(t, err)
	assert.Equal(t, SegmentNFOOPT, seg)

	_, err = ParseSegment("XYZ")
	assert.Error(t, err)

	it, err := ParseInstrumentType("CE")
	require.NoError(t, err)
	assert.Equal(t, InstrumentCE, it)

	m, err := ParseMode("FULL")
	require.NoError(t, err)
	assert.Equal(t, ModeFull, m)

	_, err = ParseMode("snapshot")
	assert.Error(t, err)

	iv, err := ParseInterval("60minute")
	require.NoError(t, err)
	assert.Equal(t, Interval60Minute, iv)

	_, err = ParseInterval("2minute")
	assert.Error(t, err)
}

func TestCatalogLookupAndFilter(t *testing.T) {
	day := time.Date(2024, 8, 1, 15, 30, 0, 0, time.UTC)
	cat := NewCatalog(day, []Instrument{
		{Token: 2, Symbol: "BAR", Exchange: ExchangeNSE},
		{Token: 1, Symbol: "FOO", Exchange: ExchangeBSE},
	})

	assert.Equal(t, 2, cat.Len())
	assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), cat.CapturedOn())

	in, ok := cat.Lookup(ExchangeNSE, "BAR")
	require.True(t, ok)
	assert.Equal(t, int64(2), in.Token)

	_, ok = cat.Lookup(ExchangeBSE, "BAR")
	assert.False(t, ok)

	bse := cat.Filter(ExchangeBSE)
	require.Len(t, bse, 1)
	assert.Equal(t, "FOO", bse[0].Symbol)
}

func TestCatalogJSONRoundTripKeepsIndex(t *testing.T) {
	cat := NewCatalog(time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), []Instrument{
		{Token: 7, Symbol: "FOO", Exchange: ExchangeNSE, TickSize: decimal.RequireFromString("0.05")},
	})
	data, err := json.Marshal(cat)
	require.NoError(t, err)

	var back Catalog
	require.NoError(t, json.Unmarshal(data, &back))

	in, ok := back.Lookup(ExchangeNSE, "FOO")
	require.True(t, ok)
	assert.Equal(t, int64(7), in.Token)
	assert.True(t, in.TickSize.Equal(decimal.RequireFromString("0.05")))
}

func TestSubscriptionSetTokensByMode(t *testing.T) {
	set := &SubscriptionSet{Items: []Subscription{
		{TradingSymbol: "A", Token: 1, Mode: ModeFull},
		{TradingSymbol: "B", Token: 2, Mode: ModeLTP},
		{TradingSymbol: "C", Token: 3, Mode: ModeFull},
	}}
	got := set.Tokens()
	assert.Equal(t, []int64{1, 3}, got[ModeFull])
	assert.Equal(t, []int64{2}, got[ModeLTP])
}

func TestNewEnvelope(t *testing.T) {
	run := uuid.New()
	env, err := NewEnvelope("kite-ingest", "evt.ingest.run_completed.v1", "ingest.run_completed", run,
		map[string]int{"rows": 3})
	require.NoError(t, err)
	assert.Equal(t, run, env.CorrelationID)
	assert.NotEqual(t, uuid.Nil, env.ID)
	assert.JSONEq(t, `{"rows":3}`, string(env.Payload))
}
