// Package subscription validates user subscription lists against a catalog.
package subscription

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/internal/tabular"
	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// Column names of a subscription file.
const (
	ColSymbol   = "Symbol"
	ColExchange = "Exchange"
	ColMode     = "MODE"
)

// DefaultLimit is the most instruments one ticker connection may subscribe.
const DefaultLimit = 3000

// SchemaError rejects a subscription file that is structurally invalid.
type SchemaError struct {
	Row     int // 0 when the problem is the header
	Field   string
	Value   string
	Missing []string
}

func (e *SchemaError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("subscription: missing columns %s", strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("subscription: row %d: invalid %s %q", e.Row, e.Field, e.Value)
}

// LimitExceededError rejects a list longer than the connection allows.
type LimitExceededError struct {
	Count int
	Limit int
}

func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("subscription: %d instruments exceeds the limit of %d", e.Count, e.Limit)
}

// FromTable maps a parsed subscription file onto raw rows.
func FromTable(tbl *tabular.Table) ([]model.RawSubscription, error) {
	if missing := tbl.Missing(ColSymbol, ColExchange, ColMode); len(missing) > 0 {
		return nil, &SchemaError{Missing: missing}
	}
	out := make([]model.RawSubscription, len(tbl.Rows))
	for i, r := range tbl.Rows {
		out[i] = model.RawSubscription{Symbol: r[ColSymbol], Exchange: r[ColExchange], Mode: r[ColMode]}
	}
	return out, nil
}

// ReadFile loads a subscription CSV with Symbol, Exchange and MODE columns.
func ReadFile(path string) ([]model.RawSubscription, error) {
	tbl, err := tabular.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromTable(tbl)
}

type Validator struct {
	limit  int
	logger *zap.Logger
}

// NewValidator returns a Validator enforcing limit; limit <= 0 means DefaultLimit.
func NewValidator(limit int, logger *zap.Logger) *Validator {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{limit: limit, logger: logger}
}

type parsed struct {
	symbol   string
	exchange model.Exchange
	mode     model.Mode
	raw      model.RawSubscription
}

// Validate checks schema, then duplicates, then the length cap, then
// tradeability, and returns the subscriptions that survive all four.
// The first row for a symbol wins; later rows for it are dropped.
func (v *Validator) Validate(rows []model.RawSubscription, cat *model.Catalog) (*model.SubscriptionSet, error) {
	all := make([]parsed, 0, len(rows))
	for i, r := range rows {
		sym := strings.TrimSpace(r.Symbol)
		if sym == "" {
			return nil, &SchemaError{Row: i + 1, Field: ColSymbol, Value: r.Symbol}
		}
		ex, err := model.ParseExchange(r.Exchange)
		if err != nil {
			return nil, &SchemaError{Row: i + 1, Field: ColExchange, Value: r.Exchange}
		}
		mode, err := model.ParseMode(r.Mode)
		if err != nil {
			return nil, &SchemaError{Row: i + 1, Field: ColMode, Value: r.Mode}
		}
		all = append(all, parsed{symbol: sym, exchange: ex, mode: mode, raw: r})
	}

	unique := make([]parsed, 0, len(all))
	firstSeen := make(map[string]struct{}, len(all))
	dups := make(map[string]int)
	for _, p := range all {
		if _, ok := firstSeen[p.symbol]; ok {
			dups[p.symbol]++
			continue
		}
		firstSeen[p.symbol] = struct{}{}
		unique = append(unique, p)
	}
	if len(dups) > 0 {
		syms := make([]string, 0, len(dups))
		for s := range dups {
			syms = append(syms, s)
		}
		sort.Strings(syms)
		for _, s := range syms {
			v.logger.Warn("subscription.duplicate_dropped",
				zap.String("symbol", s),
				zap.Int("discarded", dups[s]))
		}
	}

	if len(unique) > v.limit {
		return nil, &LimitExceededError{Count: len(unique), Limit: v.limit}
	}

	set := &model.SubscriptionSet{Duplicates: dups}
	for _, p := range unique {
		in, ok := cat.Lookup(p.exchange, p.symbol)
		if !ok {
			set.NonTradeable = append(set.NonTradeable, p.raw)
			v.logger.Warn("subscription.not_tradeable",
				zap.String("symbol", p.symbol),
				zap.String("exchange", string(p.exchange)))
			continue
		}
		set.Items = append(set.Items, model.Subscription{
			TradingSymbol: in.Symbol,
			Exchange:      in.Exchange,
			Token:         in.Token,
			Mode:          p.mode,
		})
	}

	v.logger.Info("subscription.validated",
		zap.Int("rows", len(rows)),
		zap.Int("subscribed", len(set.Items)),
		zap.Int("non_tradeable", len(set.NonTradeable)))
	return set, nil
}
