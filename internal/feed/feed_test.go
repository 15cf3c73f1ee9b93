package feed

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Checker-Finance/kite-ingest/internal/broker"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// --- frame builders ---

func packet(words ...uint32) []byte {
	b := make([]byte, 4*len(words))
	for i, w := range words {
		binary.BigEndian.PutUint32(b[4*i:], w)
	}
	return b
}

func frame(packets ...[]byte) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, uint16(len(packets)))
	for _, p := range packets {
		l := make([]byte, 2)
		binary.BigEndian.PutUint16(l, uint16(len(p)))
		b = append(b, l...)
		b = append(b, p...)
	}
	return b
}

// NSE token: low byte 1.
const nseToken = 408065

// --- parsing ---

func TestParseMessage_LTPAndQuote(t *testing.T) {
	ltp := packet(nseToken, 123450)
	quote := packet(nseToken, 150000, 10, 149950, 5000, 100, 200, 148000, 151000, 147500, 140000)

	ticks, err := ParseMessage(frame(ltp, quote))
	require.NoError(t, err)
	require.Len(t, ticks, 2)

	assert.Equal(t, model.ModeLTP, ticks[0].Mode)
	assert.EqualValues(t, nseToken, ticks[0].Token)
	assert.InDelta(t, 1234.50, ticks[0].LastPrice, 1e-9)
	assert.True(t, ticks[0].Tradable)

	q := ticks[1]
	assert.Equal(t, model.ModeQuote, q.Mode)
	assert.InDelta(t, 1500.0, q.LastPrice, 1e-9)
	assert.EqualValues(t, 10, q.LastQuantity)
	assert.EqualValues(t, 5000, q.Volume)
	assert.InDelta(t, 1400.0, q.Close, 1e-9)
	assert.InDelta(t, 7.142857, q.Change, 1e-5)
}

func TestParseMessage_Full(t *testing.T) {
	words := []uint32{nseToken, 150000, 10, 149950, 5000, 100, 200, 148000, 151000, 147500, 140000,
		1722500000, 900, 950, 850, 1722500001}
	p := packet(words...)
	p = append(p, make([]byte, sizeFull-len(p))...)

	ticks, err := ParseMessage(frame(p))
	require.NoError(t, err)
	require.Len(t, ticks, 1)
	assert.Equal(t, model.ModeFull, ticks[0].Mode)
	assert.EqualValues(t, 900, ticks[0].OI)
	assert.Equal(t, time.Unix(1722500001, 0).UTC(), ticks[0].ExchangeTime)
}

func TestParseMessage_IndexAndCurrencyScaling(t *testing.T) {
	index := packet(256265, 2450000, 2460000, 2440000, 2445000, 2430000, 80) // segment 9
	cds := packet(0x100|segCDS, 835000000)                                   // 83.5 in 1e7 units

	ticks, err := ParseMessage(frame(index, cds))
	require.NoError(t, err)
	require.Len(t, ticks, 2)
	assert.False(t, ticks[0].Tradable)
	assert.Equal(t, model.ModeQuote, ticks[0].Mode)
	assert.InDelta(t, 24500.0, ticks[0].LastPrice, 1e-9)
	assert.InDelta(t, 83.5, ticks[1].LastPrice, 1e-9)
}

func TestParseMessage_Heartbeat(t *testing.T) {
	ticks, err := ParseMessage([]byte{0})
	assert.NoError(t, err)
	assert.Empty(t, ticks)
}

func TestParseMessage_Truncated(t *testing.T) {
	f := frame(packet(nseToken, 1))
	_, err := ParseMessage(f[:len(f)-2])
	assert.Error(t, err)

	_, err = ParseMessage(frame(make([]byte, 12)))
	assert.ErrorContains(t, err, "unexpected packet size 12")
}

// --- control frames ---

func TestSubscribeMessages(t *testing.T) {
	frames := SubscribeMessages(map[model.Mode][]int64{
		model.ModeQuote: {3},
		model.ModeFull:  {2, 1},
		model.ModeLTP:   nil,
	})
	require.Len(t, frames, 3)
	assert.JSONEq(t, `{"a":"subscribe","v":[1,2,3]}`, string(frames[0]))
	assert.JSONEq(t, `{"a":"mode","v":["full",[2,1]]}`, string(frames[1]))
	assert.JSONEq(t, `{"a":"mode","v":["quote",[3]]}`, string(frames[2]))

	assert.Nil(t, SubscribeMessages(nil))
}

// --- client against a local ticker ---

type fakeTicker struct {
	mu       sync.Mutex
	query    string
	received []string
}

func (f *fakeTicker) handler(t *testing.T) http.HandlerFunc {
	up := websocket.Upgrader{}
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.query = r.URL.RawQuery
		f.mu.Unlock()

		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()

		for i := 0; i < 2; i++ {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			f.mu.Lock()
			f.received = append(f.received, string(msg))
			f.mu.Unlock()
		}

		notice, _ := json.Marshal(map[string]any{"type": "message", "data": "hello"})
		_ = conn.WriteMessage(websocket.TextMessage, notice)
		_ = conn.WriteMessage(websocket.BinaryMessage, []byte{0})
		_ = conn.WriteMessage(websocket.BinaryMessage, frame(packet(nseToken, 100), packet(nseToken, 200)))

		// Hold the connection until the client closes it.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}

func TestClient_Run(t *testing.T) {
	ft := &fakeTicker{}
	srv := httptest.NewServer(ft.handler(t))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var (
		mu  sync.Mutex
		got []Tick
	)
	handler := func(tk Tick) {
		mu.Lock()
		got = append(got, tk)
		n := len(got)
		mu.Unlock()
		if n == 2 {
			cancel()
		}
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	c := NewClient(wsURL, broker.Session{APIKey: "key", AccessToken: "tok"}, handler, nil)
	err := c.Run(ctx, map[model.Mode][]int64{model.ModeLTP: {nseToken}})
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 2)
	assert.InDelta(t, 1.0, got[0].LastPrice, 1e-9)
	assert.InDelta(t, 2.0, got[1].LastPrice, 1e-9)
	assert.Equal(t, map[int64]int64{nseToken: 2}, c.Counts())

	ft.mu.Lock()
	defer ft.mu.Unlock()
	assert.Contains(t, ft.query, "api_key=key")
	assert.Contains(t, ft.query, "access_token=tok")
	require.Len(t, ft.received, 2)
	assert.JSONEq(t, `{"a":"subscribe","v":[408065]}`, ft.received[0])
	assert.JSONEq(t, `{"a":"mode","v":["ltp",[408065]]}`, ft.received[1])
}

func TestClient_RunNothingToSubscribe(t *testing.T) {
	c := NewClient("", broker.Session{}, nil, nil)
	assert.Error(t, c.Run(context.Background(), map[model.Mode][]int64{}))
}

func TestClient_RunReconnectsUntilCancelled(t *testing.T) {
	var (
		mu    sync.Mutex
		dials int
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		http.Error(w, "forbidden", http.StatusForbidden)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), broker.Session{}, nil, nil,
		WithReconnectDelay(10*time.Millisecond, 40*time.Millisecond))
	require.NoError(t, c.Run(ctx, map[model.Mode][]int64{model.ModeFull: {1}}))

	mu.Lock()
	defer mu.Unlock()
	assert.Greater(t, dials, 1)
}

func TestClient_RunResetsDelayAfterSubscribing(t *testing.T) {
	const want = 8
	var (
		mu    sync.Mutex
		dials int
	)
	enough := make(chan struct{})
	up := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		// Accept the subscription, then drop the connection.
		for i := 0; i < 2; i++ {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
		mu.Lock()
		dials++
		if dials == want {
			close(enough)
		}
		mu.Unlock()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Without a reset, want reconnects would need 20ms * (2^7 - 1) ≈ 2.5s.
	c := NewClient("ws"+strings.TrimPrefix(srv.URL, "http"), broker.Session{}, nil, nil,
		WithReconnectDelay(20*time.Millisecond, 5*time.Second))
	done := make(chan error, 1)
	start := time.Now()
	go func() { done <- c.Run(ctx, map[model.Mode][]int64{model.ModeFull: {1}}) }()

	select {
	case <-enough:
	case <-time.After(1500 * time.Millisecond):
		t.Fatal("reconnect delay kept growing across subscribed sessions")
	}
	assert.Less(t, time.Since(start), 1500*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
