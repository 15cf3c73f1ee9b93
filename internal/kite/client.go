package kite

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/broker"
	"github.com/Checker-Finance/kite-ingest/internal/httpclient"
	"github.com/Checker-Finance/kite-ingest/internal/tabular"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

const (
	DefaultBaseURL = "https://api.kite.trade"
	apiVersion     = "3"
	// requestLayout is how from/to are passed; Kite reads them as exchange-local time.
	requestLayout = "2006-01-02 15:04:05"

	// Rate limit keys.
	KeyHistorical  = "historical"
	KeyInstruments = "instruments"

	// ErrTokenException is the error_type Kite returns for an expired or revoked session.
	ErrTokenException = "TokenException"
)

// SessionSource supplies the session for each request; *secrets.SessionResolver satisfies it.
type SessionSource interface {
	Resolve(ctx context.Context) (broker.Session, error)
	Invalidate()
}

// Client talks to the Kite Connect REST API.
type Client struct {
	baseURL  string
	session  broker.Session
	sessions SessionSource
	loc      *time.Location
	exec     *httpclient.Executor
	logger   *zap.Logger
}

var _ broker.Broker = (*Client)(nil)

// Options configures a Client.
type Options struct {
	BaseURL string
	Session broker.Session
	// Sessions, when set, takes precedence over Session and is invalidated
	// when Kite rejects the token.
	Sessions SessionSource
	Location *time.Location // zone request windows are formatted in
	Limiter  httpclient.RateWaiter
	HTTP     *http.Client
	RetryMax int
	// HistoricalAdmitted is set when callers take a limiter slot per
	// historical call themselves; the client then gates only retries.
	HistoricalAdmitted bool
}

func NewClient(opts Options, logger *zap.Logger) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultBaseURL
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	exec := httpclient.New(logger, opts.Limiter, opts.HTTP, opts.RetryMax, "kite", parseError)
	if opts.HistoricalAdmitted {
		exec.Admitted(KeyHistorical)
	}
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		session:  opts.Session,
		sessions: opts.Sessions,
		loc:      opts.Location,
		exec:     exec,
		logger:   logger,
	}
}

func (c *Client) newRequest(ctx context.Context, path string, q url.Values) (*http.Request, error) {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	session := c.session
	if c.sessions != nil {
		if session, err = c.sessions.Resolve(ctx); err != nil {
			return nil, fmt.Errorf("kite: session: %w", err)
		}
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Authorization", "token "+session.APIKey+":"+session.AccessToken)
	return req, nil
}

// checkSession drops a rejected session so the next request resolves it again.
func (c *Client) checkSession(err error) {
	var apiErr *APIError
	if c.sessions == nil || !errors.As(err, &apiErr) || apiErr.ErrorType != ErrTokenException {
		return
	}
	c.logger.Warn("kite.session_rejected", zap.Int("status", apiErr.HTTPStatus), zap.String("message", apiErr.Message))
	c.sessions.Invalidate()
}

func boolParam(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

// FetchHistorical calls /instruments/historical/{token}/{interval}.
func (c *Client) FetchHistorical(ctx context.Context, hr broker.HistoricalRequest) (*broker.HistoricalResponse, error) {
	q := url.Values{}
	q.Set("from", hr.From.In(c.loc).Format(requestLayout))
	q.Set("to", hr.To.In(c.loc).Format(requestLayout))
	q.Set("continuous", boolParam(hr.Continuous))
	q.Set("oi", boolParam(hr.OI))

	path := fmt.Sprintf("/instruments/historical/%s/%s", strconv.FormatInt(hr.Token, 10), hr.Interval)
	req, err := c.newRequest(ctx, path, q)
	if err != nil {
		return nil, err
	}

	var env historicalEnvelope
	if err := c.exec.DoJSON(ctx, req, KeyHistorical, &env); err != nil {
		c.checkSession(err)
		return nil, err
	}

	out := &broker.HistoricalResponse{Status: env.Status, Candles: make([]model.Candle, len(env.Data.Candles))}
	for i, cr := range env.Data.Candles {
		out.Candles[i] = model.Candle(cr)
	}
	if env.Status != broker.StatusSuccess {
		c.logger.Warn("kite.historical_not_success",
			zap.Int64("token", hr.Token),
			zap.String("status", env.Status),
			zap.String("message", env.Message))
	}
	return out, nil
}

// ListInstruments downloads the full instrument dump (CSV).
func (c *Client) ListInstruments(ctx context.Context) ([]model.RawInstrument, error) {
	req, err := c.newRequest(ctx, "/instruments", nil)
	if err != nil {
		return nil, err
	}
	body, err := c.exec.Do(ctx, req, KeyInstruments)
	if err != nil {
		c.checkSession(err)
		return nil, err
	}
	// An error on this endpoint can come back as JSON with a 200.
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && trimmed[0] == '{' {
		var eb errorBody
		if json.Unmarshal(trimmed, &eb) == nil && eb.Status == "error" {
			err := &APIError{HTTPStatus: http.StatusOK, ErrorType: eb.ErrorType, Message: eb.Message}
			c.checkSession(err)
			return nil, err
		}
	}
	tbl, err := tabular.Read(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("kite: parse instruments: %w", err)
	}
	out := make([]model.RawInstrument, len(tbl.Rows))
	for i, r := range tbl.Rows {
		out[i] = model.RawInstrument(r)
	}
	c.logger.Info("kite.instruments_downloaded", zap.Int("rows", len(out)))
	return out, nil
}
