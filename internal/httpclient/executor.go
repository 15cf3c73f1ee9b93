package httpclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/metrics"
)

// Backoff returns the retry sleep duration for the given attempt number.
func Backoff(attempt int) time.Duration {
	switch attempt {
	case 0:
		return 100 * time.Millisecond
	case 1:
		return 250 * time.Millisecond
	default:
		return 500 * time.Millisecond
	}
}

// RateWaiter gates a call under a named quota. *rate.Manager satisfies it.
type RateWaiter interface {
	Wait(ctx context.Context, key string) error
}

// Executor handles rate-limited, retrying HTTP execution.
type Executor struct {
	logger       *zap.Logger
	limiter      RateWaiter
	http         *http.Client
	retryMax     int
	tag          string
	errorHandler func(status int, body []byte) error
	admitted     map[string]bool
}

// New creates an Executor. errorHandler is called on non-retryable 4xx
// responses to produce a broker-specific error. If nil, a default error is returned.
func New(
	logger *zap.Logger,
	limiter RateWaiter,
	httpClient *http.Client,
	retryMax int,
	tag string,
	errorHandler func(status int, body []byte) error,
) *Executor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{
		logger:       logger,
		limiter:      limiter,
		http:         httpClient,
		retryMax:     retryMax,
		tag:          tag,
		errorHandler: errorHandler,
	}
}

// Admitted marks keys whose callers take their own limiter slot before
// calling Do. For those keys only retries wait on the limiter.
func (e *Executor) Admitted(keys ...string) *Executor {
	if e.admitted == nil {
		e.admitted = make(map[string]bool, len(keys))
	}
	for _, k := range keys {
		e.admitted[k] = true
	}
	return e
}

func retryable(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Do executes req and returns the response body of the first 2xx attempt.
// Attempts take a slot from the limiter under rateLimitKey, so retries count
// against the same quota as first tries. For keys marked Admitted the caller
// already holds a slot for the first attempt and only retries wait. Network
// errors, 429 and 5xx are retried up to retryMax times.
func (e *Executor) Do(ctx context.Context, req *http.Request, rateLimitKey string) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retryMax; attempt++ {
		if e.limiter != nil && (attempt > 0 || !e.admitted[rateLimitKey]) {
			waitStart := time.Now()
			if err := e.limiter.Wait(ctx, rateLimitKey); err != nil {
				return nil, fmt.Errorf("rate limit wait: %w", err)
			}
			metrics.ObserveDuration(metrics.RateLimitWait, waitStart, rateLimitKey)
		}

		attemptReq := req.Clone(ctx)
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return nil, fmt.Errorf("rewind body: %w", err)
			}
			attemptReq.Body = body
		}

		start := time.Now()
		resp, err := e.http.Do(attemptReq)
		if err != nil {
			lastErr = err
			metrics.IncBrokerRequest(rateLimitKey, "error")
			e.logger.Warn(e.tag+".http_failed",
				zap.String("url", req.URL.String()),
				zap.Error(err),
				zap.Int("attempt", attempt))
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if err := sleep(ctx, Backoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		body, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		elapsed := time.Since(start)
		metrics.ObserveDuration(metrics.BrokerRequestDuration, start, rateLimitKey)
		metrics.IncBrokerRequest(rateLimitKey, strconv.Itoa(resp.StatusCode))

		if retryable(resp.StatusCode) {
			e.logger.Warn(e.tag+".server_error",
				zap.Int("status", resp.StatusCode),
				zap.String("url", req.URL.String()),
				zap.Duration("latency", elapsed),
				zap.Int("attempt", attempt))
			lastErr = fmt.Errorf("%s returned %d", e.tag, resp.StatusCode)
			if err := sleep(ctx, Backoff(attempt)); err != nil {
				return nil, err
			}
			continue
		}

		if resp.StatusCode >= 400 {
			if e.errorHandler != nil {
				return nil, e.errorHandler(resp.StatusCode, body)
			}
			return nil, fmt.Errorf("%s returned %d", e.tag, resp.StatusCode)
		}

		if readErr != nil {
			lastErr = fmt.Errorf("read body: %w", readErr)
			continue
		}

		e.logger.Debug(e.tag+".http_success",
			zap.String("url", req.URL.String()),
			zap.Int("status", resp.StatusCode),
			zap.Duration("elapsed", elapsed))
		return body, nil
	}

	return nil, fmt.Errorf("%s request failed after %d attempts: %w", e.tag, e.retryMax+1, lastErr)
}

// DoJSON executes req via Do, then JSON-decodes the response into out.
func (e *Executor) DoJSON(ctx context.Context, req *http.Request, rateLimitKey string, out any) error {
	body, err := e.Do(ctx, req, rateLimitKey)
	if err != nil {
		return err
	}
	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			e.logger.Warn(e.tag+".decode_failed",
				zap.Error(err),
				zap.String("url", req.URL.String()),
				zap.Int("body_len", len(body)))
			return fmt.Errorf("decode failed: %w", err)
		}
	}
	return nil
}
