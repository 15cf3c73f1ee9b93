// Package feed streams live ticks for a validated subscription set over the
// broker's ticker websocket.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/broker"
	"github.com/Checker-Finance/kite-ingest/internal/metrics"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// DefaultURL is the production ticker endpoint.
const DefaultURL = "wss://ws.kite.trade"

// TickHandler receives decoded ticks from the read loop.
type TickHandler func(Tick)

type control struct {
	Action string `json:"a"`
	Value  any    `json:"v"`
}

// textMessage is a non-binary frame: order updates, errors, notices.
type textMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Client subscribes tokens on the ticker and dispatches parsed ticks.
type Client struct {
	url            string
	session        broker.Session
	logger         *zap.Logger
	handler        TickHandler
	reconnectDelay time.Duration
	maxDelay       time.Duration

	mu     sync.Mutex
	counts map[int64]int64
}

// Option customizes a Client.
type Option func(*Client)

// WithReconnectDelay sets the first reconnect delay; it doubles up to max.
func WithReconnectDelay(first, max time.Duration) Option {
	return func(c *Client) { c.reconnectDelay, c.maxDelay = first, max }
}

func NewClient(rawURL string, session broker.Session, handler TickHandler, logger *zap.Logger, opts ...Option) *Client {
	if rawURL == "" {
		rawURL = DefaultURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		url:            rawURL,
		session:        session,
		logger:         logger,
		handler:        handler,
		reconnectDelay: 2 * time.Second,
		maxDelay:       time.Minute,
		counts:         make(map[int64]int64),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) endpoint() (string, error) {
	u, err := url.Parse(c.url)
	if err != nil {
		return "", fmt.Errorf("feed: bad url: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.session.APIKey)
	q.Set("access_token", c.session.AccessToken)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Counts returns the number of ticks received per token so far.
func (c *Client) Counts() map[int64]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[int64]int64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// SubscribeMessages builds the control frames for subs: one subscribe for
// every token, then one mode frame per mode. Output order is deterministic.
func SubscribeMessages(subs map[model.Mode][]int64) [][]byte {
	modes := make([]string, 0, len(subs))
	var all []int64
	for m, toks := range subs {
		if len(toks) == 0 {
			continue
		}
		modes = append(modes, string(m))
		all = append(all, toks...)
	}
	if len(all) == 0 {
		return nil
	}
	sort.Strings(modes)
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })

	out := make([][]byte, 0, len(modes)+1)
	b, _ := json.Marshal(control{Action: "subscribe", Value: all})
	out = append(out, b)
	for _, m := range modes {
		b, _ := json.Marshal(control{Action: "mode", Value: []any{m, subs[model.Mode(m)]}})
		out = append(out, b)
	}
	return out
}

// Run connects, subscribes and reads until ctx is done, reconnecting with
// doubling delays after connection loss. The delay starts over after any
// connection that got as far as subscribing.
func (c *Client) Run(ctx context.Context, subs map[model.Mode][]int64) error {
	frames := SubscribeMessages(subs)
	if len(frames) == 0 {
		return errors.New("feed: nothing to subscribe")
	}

	delay := c.reconnectDelay
	for {
		subscribed, err := c.connectOnce(ctx, frames)
		if ctx.Err() != nil {
			return nil
		}
		if subscribed {
			delay = c.reconnectDelay
		}
		c.logger.Warn("feed.disconnected", zap.Error(err), zap.Duration("retry_in", delay))
		metrics.IncError("feed", "disconnected")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
		delay = min(delay*2, c.maxDelay)
	}
}

// connectOnce runs one connection lifetime and reports whether the
// subscription frames were sent.
func (c *Client) connectOnce(ctx context.Context, frames [][]byte) (bool, error) {
	endpoint, err := c.endpoint()
	if err != nil {
		return false, err
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return false, fmt.Errorf("failed to connect to ticker: %w", err)
	}
	defer conn.Close()

	for _, f := range frames {
		if err := conn.WriteMessage(websocket.TextMessage, f); err != nil {
			return false, fmt.Errorf("failed to send subscription: %w", err)
		}
	}
	c.logger.Info("feed.subscribed", zap.Int("frames", len(frames)))

	// Unblock ReadMessage on shutdown.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		_ = conn.Close()
	})
	defer stop()

	for {
		kind, msg, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return true, nil
			}
			return true, err
		}
		switch kind {
		case websocket.BinaryMessage:
			c.dispatch(msg)
		case websocket.TextMessage:
			c.onText(msg)
		}
	}
}

func (c *Client) dispatch(msg []byte) {
	ticks, err := ParseMessage(msg)
	if err != nil {
		c.logger.Warn("feed.bad_frame", zap.Error(err), zap.Int("parsed", len(ticks)))
		metrics.IncError("feed", "bad_frame")
	}
	if len(ticks) == 0 {
		return
	}
	c.mu.Lock()
	for _, t := range ticks {
		c.counts[t.Token]++
	}
	c.mu.Unlock()
	for _, t := range ticks {
		metrics.FeedTicks.WithLabelValues(string(t.Mode)).Inc()
		if c.handler != nil {
			c.handler(t)
		}
	}
}

func (c *Client) onText(msg []byte) {
	var m textMessage
	if err := json.Unmarshal(msg, &m); err != nil {
		c.logger.Debug("feed.unparsed_text", zap.ByteString("payload", msg))
		return
	}
	switch m.Type {
	case "error":
		c.logger.Error("feed.broker_error", zap.ByteString("data", m.Data))
		metrics.IncError("feed", "broker_error")
	default:
		c.logger.Info("feed.message", zap.String("type", m.Type), zap.ByteString("data", m.Data))
	}
}
