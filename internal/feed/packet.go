package feed

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// Exchange segment ids carried in the low byte of an instrument token.
const (
	segNSE = iota + 1
	segNFO
	segCDS
	segBSE
	segBFO
	segBCD
	segMCX
	segMCXSX
	segIndices
)

// Packet sizes per mode. Index packets are shorter than tradeable ones.
const (
	sizeLTP        = 8
	sizeIndexQuote = 28
	sizeIndexFull  = 32
	sizeQuote      = 44
	sizeFull       = 184
)

// Tick is one decoded ticker packet. Fields beyond the packet's mode are zero.
// Market depth in full packets is not decoded.
type Tick struct {
	Token         int64
	Mode          model.Mode
	Tradable      bool
	LastPrice     float64
	LastQuantity  int64
	AveragePrice  float64
	Volume        int64
	BuyQuantity   int64
	SellQuantity  int64
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Change        float64
	OI            int64
	OIDayHigh     int64
	OIDayLow      int64
	LastTradeTime time.Time
	ExchangeTime  time.Time
}

func divisor(segment uint32) float64 {
	switch segment {
	case segCDS:
		return 10_000_000
	case segBCD:
		return 10_000
	default:
		return 100
	}
}

// ParseMessage splits a binary frame into ticks. A frame is a big-endian
// uint16 packet count followed by length-prefixed packets. Frames shorter
// than two bytes are heartbeats and yield nothing.
func ParseMessage(b []byte) ([]Tick, error) {
	if len(b) < 2 {
		return nil, nil
	}
	n := int(binary.BigEndian.Uint16(b[0:2]))
	ticks := make([]Tick, 0, n)
	off := 2
	for i := 0; i < n; i++ {
		if off+2 > len(b) {
			return ticks, fmt.Errorf("feed: frame truncated at packet %d", i)
		}
		size := int(binary.BigEndian.Uint16(b[off : off+2]))
		off += 2
		if off+size > len(b) {
			return ticks, fmt.Errorf("feed: packet %d wants %d bytes, %d left", i, size, len(b)-off)
		}
		t, err := parsePacket(b[off : off+size])
		if err != nil {
			return ticks, err
		}
		ticks = append(ticks, t)
		off += size
	}
	return ticks, nil
}

func parsePacket(p []byte) (Tick, error) {
	if len(p) < 4 {
		return Tick{}, fmt.Errorf("feed: packet of %d bytes", len(p))
	}
	u32 := func(i int) uint32 { return binary.BigEndian.Uint32(p[i : i+4]) }
	i64 := func(i int) int64 { return int64(u32(i)) }

	token := u32(0)
	seg := token & 0xff
	div := divisor(seg)
	price := func(i int) float64 { return float64(int32(u32(i))) / div }
	unix := func(i int) time.Time {
		if v := u32(i); v > 0 {
			return time.Unix(int64(v), 0).UTC()
		}
		return time.Time{}
	}

	t := Tick{Token: int64(token), Tradable: seg != segIndices}
	switch len(p) {
	case sizeLTP:
		t.Mode = model.ModeLTP
		t.LastPrice = price(4)

	case sizeIndexQuote, sizeIndexFull:
		t.Mode = model.ModeQuote
		t.LastPrice = price(4)
		t.High = price(8)
		t.Low = price(12)
		t.Open = price(16)
		t.Close = price(20)
		t.Change = price(24)
		if len(p) == sizeIndexFull {
			t.Mode = model.ModeFull
			t.ExchangeTime = unix(28)
		}

	case sizeQuote, sizeFull:
		t.Mode = model.ModeQuote
		t.LastPrice = price(4)
		t.LastQuantity = i64(8)
		t.AveragePrice = price(12)
		t.Volume = i64(16)
		t.BuyQuantity = i64(20)
		t.SellQuantity = i64(24)
		t.Open = price(28)
		t.High = price(32)
		t.Low = price(36)
		t.Close = price(40)
		if t.Close != 0 {
			t.Change = (t.LastPrice - t.Close) * 100 / t.Close
		}
		if len(p) == sizeFull {
			t.Mode = model.ModeFull
			t.LastTradeTime = unix(44)
			t.OI = i64(48)
			t.OIDayHigh = i64(52)
			t.OIDayLow = i64(56)
			t.ExchangeTime = unix(60)
		}

	default:
		return Tick{}, fmt.Errorf("feed: unexpected packet size %d for token %d", len(p), token)
	}
	return t, nil
}
