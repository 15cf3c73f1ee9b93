// Package catalog validates broker instrument dumps into a dated catalog.
package catalog

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// Column names of the broker instrument dump.
const (
	ColToken          = "instrument_token"
	ColExchangeToken  = "exchange_token"
	ColSymbol         = "tradingsymbol"
	ColName           = "name"
	ColLastPrice      = "last_price"
	ColExpiry         = "expiry"
	ColStrike         = "strike"
	ColTickSize       = "tick_size"
	ColLotSize        = "lot_size"
	ColInstrumentType = "instrument_type"
	ColSegment        = "segment"
	ColExchange       = "exchange"
)

// EnumValidationError rejects a snapshot that carries a value outside a closed set.
// It usually means the broker added a new exchange, segment or type.
type EnumValidationError struct {
	Field string
	Value string
	Row   int
}

func (e *EnumValidationError) Error() string {
	return fmt.Sprintf("catalog: row %d: %s %q is not a known value", e.Row, e.Field, e.Value)
}

// FieldError rejects a snapshot with a field that cannot be parsed.
type FieldError struct {
	Field string
	Value string
	Row   int
	Err   error
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("catalog: row %d: %s %q: %v", e.Row, e.Field, e.Value, e.Err)
}

func (e *FieldError) Unwrap() error { return e.Err }

// Validator turns raw snapshots into catalogs.
type Validator struct {
	logger *zap.Logger
	now    func() time.Time
}

func NewValidator(logger *zap.Logger) *Validator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{logger: logger, now: time.Now}
}

func parseDecimal(row int, field, v string) (decimal.Decimal, error) {
	if v == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, &FieldError{Field: field, Value: v, Row: row, Err: err}
	}
	return d, nil
}

func parseInt(row int, field, v string, required bool) (int64, error) {
	if v == "" && !required {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, &FieldError{Field: field, Value: v, Row: row, Err: err}
	}
	return n, nil
}

// convert types one raw row. last_price is never read: it is stale by the
// time a snapshot is validated.
func convert(row int, raw model.RawInstrument) (model.Instrument, error) {
	var in model.Instrument
	var err error

	if in.Exchange, err = model.ParseExchange(raw[ColExchange]); err != nil {
		return in, &EnumValidationError{Field: ColExchange, Value: raw[ColExchange], Row: row}
	}
	if in.Segment, err = model.ParseSegment(raw[ColSegment]); err != nil {
		return in, &EnumValidationError{Field: ColSegment, Value: raw[ColSegment], Row: row}
	}
	if in.InstrumentType, err = model.ParseInstrumentType(raw[ColInstrumentType]); err != nil {
		return in, &EnumValidationError{Field: ColInstrumentType, Value: raw[ColInstrumentType], Row: row}
	}

	if in.Token, err = parseInt(row, ColToken, raw[ColToken], true); err != nil {
		return in, err
	}
	if in.ExchangeToken, err = parseInt(row, ColExchangeToken, raw[ColExchangeToken], false); err != nil {
		return in, err
	}
	lot, err := parseInt(row, ColLotSize, raw[ColLotSize], false)
	if err != nil {
		return in, err
	}
	in.LotSize = int(lot)
	if in.Strike, err = parseDecimal(row, ColStrike, raw[ColStrike]); err != nil {
		return in, err
	}
	if in.TickSize, err = parseDecimal(row, ColTickSize, raw[ColTickSize]); err != nil {
		return in, err
	}

	in.Symbol = strings.TrimSpace(raw[ColSymbol])
	if in.Symbol == "" {
		return in, &FieldError{Field: ColSymbol, Row: row, Err: fmt.Errorf("empty")}
	}
	in.Name = strings.TrimSpace(raw[ColName])
	in.Expiry = strings.TrimSpace(raw[ColExpiry])
	return in, nil
}

type groupKey struct {
	exchange model.Exchange
	symbol   string
}

type rowKey struct {
	groupKey
	token int64
}

// Validate returns the catalog of unambiguous instruments and the rows it
// excluded. Enum drift or an unparseable field fails the whole snapshot.
// Repeated identical (exchange, symbol, token) rows count once; for the rest
// catalog.Len() + len(invalid) equals the number of distinct rows.
func (v *Validator) Validate(raw []model.RawInstrument) (*model.Catalog, []model.Instrument, error) {
	var (
		distinct []model.Instrument
		seen     = make(map[rowKey]struct{}, len(raw))
		tokens   = make(map[groupKey]map[int64]struct{})
		repeats  int
	)
	for i, r := range raw {
		in, err := convert(i+1, r)
		if err != nil {
			v.logger.Error("catalog.validation_failed", zap.Error(err))
			return nil, nil, err
		}
		gk := groupKey{in.Exchange, in.Symbol}
		rk := rowKey{gk, in.Token}
		if _, dup := seen[rk]; dup {
			repeats++
			continue
		}
		seen[rk] = struct{}{}
		distinct = append(distinct, in)
		if tokens[gk] == nil {
			tokens[gk] = make(map[int64]struct{})
		}
		tokens[gk][in.Token] = struct{}{}
	}

	var valid, invalid []model.Instrument
	ambiguous := make(map[groupKey][]int64)
	for _, in := range distinct {
		gk := groupKey{in.Exchange, in.Symbol}
		if len(tokens[gk]) != 1 {
			invalid = append(invalid, in)
			ambiguous[gk] = append(ambiguous[gk], in.Token)
			continue
		}
		valid = append(valid, in)
	}

	if len(ambiguous) > 0 {
		keys := make([]groupKey, 0, len(ambiguous))
		for k := range ambiguous {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			if keys[i].exchange != keys[j].exchange {
				return keys[i].exchange < keys[j].exchange
			}
			return keys[i].symbol < keys[j].symbol
		})
		for _, k := range keys {
			v.logger.Warn("catalog.ambiguous_tokens",
				zap.String("exchange", string(k.exchange)),
				zap.String("tradingsymbol", k.symbol),
				zap.Int64s("tokens", ambiguous[k]))
		}
	}

	cat := model.NewCatalog(v.now(), valid)
	v.logger.Info("catalog.validated",
		zap.Int("input_rows", len(raw)),
		zap.Int("repeated_rows", repeats),
		zap.Int("instruments", cat.Len()),
		zap.Int("excluded", len(invalid)),
		zap.String("captured_on", cat.CapturedOn().Format(time.DateOnly)))
	return cat, invalid, nil
}
