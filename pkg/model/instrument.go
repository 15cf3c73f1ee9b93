package model

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// RawInstrument is one row of a broker instrument dump, keyed by column name.
type RawInstrument map[string]string

// Instrument is a validated, tradeable instrument.
type Instrument struct {
	Token          int64           `json:"instrument_token"`
	ExchangeToken  int64           `json:"exchange_token,omitempty"`
	Symbol         string          `json:"tradingsymbol"`
	Name           string          `json:"name"`
	Exchange       Exchange        `json:"exchange"`
	Segment        Segment         `json:"segment"`
	InstrumentType InstrumentType  `json:"instrument_type"`
	Expiry         string          `json:"expiry,omitempty"`
	Strike         decimal.Decimal `json:"strike"`
	TickSize       decimal.Decimal `json:"tick_size"`
	LotSize        int             `json:"lot_size"`
}

type catalogKey struct {
	exchange Exchange
	symbol   string
}

// Catalog is the validated instrument universe for one capture date.
// It is never mutated after construction; a later run builds a new one.
type Catalog struct {
	capturedOn  time.Time
	instruments []Instrument
	index       map[catalogKey]int
}

// NewCatalog builds a catalog. Callers guarantee (exchange, symbol) uniqueness.
func NewCatalog(capturedOn time.Time, instruments []Instrument) *Catalog {
	items := make([]Instrument, len(instruments))
	copy(items, instruments)
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Exchange != items[j].Exchange {
			return items[i].Exchange < items[j].Exchange
		}
		return items[i].Symbol < items[j].Symbol
	})

	idx := make(map[catalogKey]int, len(items))
	for i, in := range items {
		idx[catalogKey{in.Exchange, in.Symbol}] = i
	}
	y, m, d := capturedOn.Date()
	return &Catalog{
		capturedOn:  time.Date(y, m, d, 0, 0, 0, 0, capturedOn.Location()),
		instruments: items,
		index:       idx,
	}
}

func (c *Catalog) CapturedOn() time.Time { return c.capturedOn }

func (c *Catalog) Len() int { return len(c.instruments) }

// Lookup finds the instrument listed as symbol on exchange.
func (c *Catalog) Lookup(exchange Exchange, symbol string) (Instrument, bool) {
	i, ok := c.index[catalogKey{exchange, symbol}]
	if !ok {
		return Instrument{}, false
	}
	return c.instruments[i], true
}

// Instruments returns a copy of the catalog contents ordered by exchange then symbol.
func (c *Catalog) Instruments() []Instrument {
	out := make([]Instrument, len(c.instruments))
	copy(out, c.instruments)
	return out
}

// Filter returns the instruments listed on exchange.
func (c *Catalog) Filter(exchange Exchange) []Instrument {
	var out []Instrument
	for _, in := range c.instruments {
		if in.Exchange == exchange {
			out = append(out, in)
		}
	}
	return out
}

type catalogJSON struct {
	CapturedOn  time.Time    `json:"captured_on"`
	Instruments []Instrument `json:"instruments"`
}

func (c *Catalog) MarshalJSON() ([]byte, error) {
	return json.Marshal(catalogJSON{CapturedOn: c.capturedOn, Instruments: c.instruments})
}

func (c *Catalog) UnmarshalJSON(data []byte) error {
	var raw catalogJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = *NewCatalog(raw.CapturedOn, raw.Instruments)
	return nil
}
