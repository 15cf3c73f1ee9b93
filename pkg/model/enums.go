package model

import (
	"fmt"
	"strings"
)

// Exchange is a broker exchange code.
type Exchange string

const (
	ExchangeNFO   Exchange = "NFO"
	ExchangeCDS   Exchange = "CDS"
	ExchangeNCO   Exchange = "NCO"
	ExchangeMCX   Exchange = "MCX"
	ExchangeNSE   Exchange = "NSE"
	ExchangeBCD   Exchange = "BCD"
	ExchangeNSEIX Exchange = "NSEIX"
	ExchangeBFO   Exchange = "BFO"
	ExchangeBSE   Exchange = "BSE"
)

var exchanges = set(ExchangeNFO, ExchangeCDS, ExchangeNCO, ExchangeMCX, ExchangeNSE,
	ExchangeBCD, ExchangeNSEIX, ExchangeBFO, ExchangeBSE)

// Segment is the broker market segment an instrument trades in.
type Segment string

const (
	SegmentNCOOPT  Segment = "NCO-OPT"
	SegmentBFOOPT  Segment = "BFO-OPT"
	SegmentNFOFUT  Segment = "NFO-FUT"
	SegmentBSE     Segment = "BSE"
	SegmentBCDFUT  Segment = "BCD-FUT"
	SegmentBCDOPT  Segment = "BCD-OPT"
	SegmentMCXFUT  Segment = "MCX-FUT"
	SegmentMCXOPT  Segment = "MCX-OPT"
	SegmentCDSOPT  Segment = "CDS-OPT"
	SegmentNFOOPT  Segment = "NFO-OPT"
	SegmentNCO     Segment = "NCO"
	SegmentNCOFUT  Segment = "NCO-FUT"
	SegmentNSE     Segment = "NSE"
	SegmentBFOFUT  Segment = "BFO-FUT"
	SegmentIndices Segment = "INDICES"
	SegmentCDSFUT  Segment = "CDS-FUT"
)

var segments = set(SegmentNCOOPT, SegmentBFOOPT, SegmentNFOFUT, SegmentBSE, SegmentBCDFUT,
	SegmentBCDOPT, SegmentMCXFUT, SegmentMCXOPT, SegmentCDSOPT, SegmentNFOOPT, SegmentNCO,
	SegmentNCOFUT, SegmentNSE, SegmentBFOFUT, SegmentIndices, SegmentCDSFUT)

// InstrumentType distinguishes equities, options and futures.
type InstrumentType string

const (
	InstrumentEQ  InstrumentType = "EQ"
	InstrumentPE  InstrumentType = "PE"
	InstrumentCE  InstrumentType = "CE"
	InstrumentFUT InstrumentType = "FUT"
)

var instrumentTypes = set(InstrumentEQ, InstrumentPE, InstrumentCE, InstrumentFUT)

// Mode is the ticker streaming mode for a subscription.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeLTP   Mode = "ltp"
	ModeQuote Mode = "quote"
)

var modes = set(ModeFull, ModeLTP, ModeQuote)

// Interval is a historical candle granularity.
type Interval string

const (
	IntervalMinute   Interval = "minute"
	Interval3Minute  Interval = "3minute"
	Interval5Minute  Interval = "5minute"
	Interval10Minute Interval = "10minute"
	Interval15Minute Interval = "15minute"
	Interval30Minute Interval = "30minute"
	Interval60Minute Interval = "60minute"
	IntervalDay      Interval = "day"
)

// Intervals lists every supported interval, finest first.
var Intervals = []Interval{
	IntervalMinute, Interval3Minute, Interval5Minute, Interval10Minute,
	Interval15Minute, Interval30Minute, Interval60Minute, IntervalDay,
}

func set[T ~string](vals ...T) map[T]struct{} {
	m := make(map[T]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}

func parse[T ~string](kind, raw string, allowed map[T]struct{}) (T, error) {
	v := T(strings.TrimSpace(raw))
	if _, ok := allowed[v]; !ok {
		return "", fmt.Errorf("invalid %s %q", kind, raw)
	}
	return v, nil
}

func ParseExchange(s string) (Exchange, error) { return parse("exchange", s, exchanges) }

func ParseSegment(s string) (Segment, error) { return parse("segment", s, segments) }

func ParseInstrumentType(s string) (InstrumentType, error) {
	return parse("instrument_type", s, instrumentTypes)
}

// ParseMode accepts the mode case-insensitively; subscription files tend to carry "FULL".
func ParseMode(s string) (Mode, error) {
	return parse("mode", strings.ToLower(s), modes)
}

func ParseInterval(s string) (Interval, error) {
	for _, iv := range Intervals {
		if string(iv) == strings.TrimSpace(s) {
			return iv, nil
		}
	}
	return "", fmt.Errorf("invalid interval %q", s)
}
