package kite

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/kite-ingest/internal/broker"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

var ist = time.FixedZone("IST", 5*3600+1800)

func newTestClient(srv *httptest.Server) *Client {
	return NewClient(Options{
		BaseURL:  srv.URL,
		Session:  broker.Session{APIKey: "key", AccessToken: "tok"},
		Location: ist,
		HTTP:     srv.Client(),
		RetryMax: 1,
	}, nil)
}

// ─── Historical ──────────────────────────────────────────────────────────────

func TestFetchHistorical_DecodesCandles(t *testing.T) {
	var gotPath, gotAuth, gotVersion string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query()
		gotAuth = r.Header.Get("Authorization")
		gotVersion = r.Header.Get("X-Kite-Version")
		_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[
			["2017-12-15T09:15:00+0530",1704.5,1705,1699.25,1702.8,2499],
			["2017-12-15T09:16:00+0530",1702,1702,1698.15,1698.15,1271,350]
		]}}`))
	}))
	defer srv.Close()

	c := newTestClient(srv)
	resp, err := c.FetchHistorical(context.Background(), broker.HistoricalRequest{
		Token:    5633,
		Interval: model.IntervalMinute,
		From:     time.Date(2017, 12, 15, 3, 45, 0, 0, time.UTC),
		To:       time.Date(2017, 12, 15, 10, 0, 0, 0, time.UTC),
		OI:       true,
	})
	require.NoError(t, err)

	assert.Equal(t, "/instruments/historical/5633/minute", gotPath)
	assert.Equal(t, "2017-12-15 09:15:00", gotQuery["from"][0])
	assert.Equal(t, "2017-12-15 15:30:00", gotQuery["to"][0])
	assert.Equal(t, "0", gotQuery["continuous"][0])
	assert.Equal(t, "1", gotQuery["oi"][0])
	assert.Equal(t, "token key:tok", gotAuth)
	assert.Equal(t, "3", gotVersion)

	assert.Equal(t, broker.StatusSuccess, resp.Status)
	require.Len(t, resp.Candles, 2)
	first := resp.Candles[0]
	assert.Equal(t, "2017-12-15T09:15:00+0530", first.Timestamp)
	assert.Equal(t, 1704.5, first.Open)
	assert.Equal(t, 1699.25, first.Low)
	assert.Equal(t, int64(2499), first.Volume)
	assert.Nil(t, first.OI)
	require.NotNil(t, resp.Candles[1].OI)
	assert.Equal(t, int64(350), *resp.Candles[1].OI)
}

func TestFetchHistorical_EmptyWindow(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[]}}`))
	}))
	defer srv.Close()

	resp, err := newTestClient(srv).FetchHistorical(context.Background(), broker.HistoricalRequest{
		Token: 1, Interval: model.IntervalDay, From: time.Now().Add(-time.Hour), To: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, broker.StatusSuccess, resp.Status)
	assert.Empty(t, resp.Candles)
}

func TestFetchHistorical_TokenException(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchHistorical(context.Background(), broker.HistoricalRequest{
		Token: 1, Interval: model.IntervalDay, From: time.Now().Add(-time.Hour), To: time.Now(),
	})
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.HTTPStatus)
	assert.Equal(t, "TokenException", apiErr.ErrorType)
	assert.EqualValues(t, 1, calls.Load())
}

type fakeSessions struct {
	session     broker.Session
	err         error
	resolved    atomic.Int32
	invalidated atomic.Int32
}

func (f *fakeSessions) Resolve(context.Context) (broker.Session, error) {
	f.resolved.Add(1)
	return f.session, f.err
}

func (f *fakeSessions) Invalidate() { f.invalidated.Add(1) }

func TestFetchHistorical_RejectedTokenInvalidatesSession(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"status":"error","message":"Token is invalid or has expired.","error_type":"TokenException"}`))
	}))
	defer srv.Close()

	sessions := &fakeSessions{session: broker.Session{APIKey: "rotated", AccessToken: "fresh"}}
	c := NewClient(Options{BaseURL: srv.URL, Sessions: sessions, HTTP: srv.Client(), RetryMax: 1}, nil)

	_, err := c.FetchHistorical(context.Background(), broker.HistoricalRequest{
		Token: 1, Interval: model.IntervalDay, From: time.Now().Add(-time.Hour), To: time.Now(),
	})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "token rotated:fresh", gotAuth)
	assert.EqualValues(t, 1, sessions.resolved.Load())
	assert.EqualValues(t, 1, sessions.invalidated.Load())
}

func TestFetchHistorical_OtherErrorsKeepSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","message":"invalid interval","error_type":"InputException"}`))
	}))
	defer srv.Close()

	sessions := &fakeSessions{session: broker.Session{APIKey: "key", AccessToken: "tok"}}
	c := NewClient(Options{BaseURL: srv.URL, Sessions: sessions, HTTP: srv.Client(), RetryMax: 1}, nil)

	_, err := c.FetchHistorical(context.Background(), broker.HistoricalRequest{
		Token: 1, Interval: model.IntervalDay, From: time.Now().Add(-time.Hour), To: time.Now(),
	})
	require.Error(t, err)
	assert.Zero(t, sessions.invalidated.Load())
}

func TestFetchHistorical_SessionUnavailable(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { calls.Add(1) }))
	defer srv.Close()

	sessions := &fakeSessions{err: errors.New("no session")}
	c := NewClient(Options{BaseURL: srv.URL, Sessions: sessions, HTTP: srv.Client()}, nil)

	_, err := c.FetchHistorical(context.Background(), broker.HistoricalRequest{Token: 1, Interval: model.IntervalDay})
	assert.ErrorContains(t, err, "no session")
	assert.Zero(t, calls.Load())
}

func TestFetchHistorical_MalformedCandle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":{"candles":[["2017-12-15T09:15:00+0530",1,2]]}}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).FetchHistorical(context.Background(), broker.HistoricalRequest{
		Token: 1, Interval: model.IntervalDay, From: time.Now().Add(-time.Hour), To: time.Now(),
	})
	assert.ErrorContains(t, err, "decode failed")
}

// ─── Instruments ─────────────────────────────────────────────────────────────

func TestListInstruments_ParsesCSV(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/instruments", r.URL.Path)
		w.Header().Set("Content-Type", "text/csv")
		_, _ = w.Write([]byte("instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange\n" +
			"408065,1594,INFY,INFOSYS,0,,0,0.05,1,EQ,NSE,NSE\n" +
			"5720322,22345,NIFTY24AUGFUT,NIFTY,0,2024-08-29,0,0.05,25,FUT,NFO-FUT,NFO\n"))
	}))
	defer srv.Close()

	rows, err := newTestClient(srv).ListInstruments(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "INFY", rows[0]["tradingsymbol"])
	assert.Equal(t, "NFO-FUT", rows[1]["segment"])
}

func TestListInstruments_JSONErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"status":"error","message":"session expired","error_type":"TokenException"}`))
	}))
	defer srv.Close()

	_, err := newTestClient(srv).ListInstruments(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "TokenException", apiErr.ErrorType)
}

func TestParseError_NonJSONBody(t *testing.T) {
	err := parseError(http.StatusBadRequest, []byte("bad things"))
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "bad things", apiErr.Message)
}
