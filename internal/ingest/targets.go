package ingest

import (
	"time"

	"go.uber.org/zap"

	"github.com/Checker-Finance/kite-ingest/pkg/model"
)

// InstrumentRef names an instrument to backfill.
type InstrumentRef struct {
	Symbol string
	Token  int64
}

// FromInstruments lists catalog instruments as refs.
func FromInstruments(ins []model.Instrument) []InstrumentRef {
	out := make([]InstrumentRef, len(ins))
	for i, in := range ins {
		out[i] = InstrumentRef{Symbol: in.Symbol, Token: in.Token}
	}
	return out
}

// FromSubscriptions lists validated subscriptions as refs.
func FromSubscriptions(set *model.SubscriptionSet) []InstrumentRef {
	out := make([]InstrumentRef, len(set.Items))
	for i, it := range set.Items {
		out[i] = InstrumentRef{Symbol: it.TradingSymbol, Token: it.Token}
	}
	return out
}

// ResolveTargets picks each instrument's start date: its listing date when
// known, otherwise fallback. Instruments with neither are skipped.
func ResolveTargets(refs []InstrumentRef, listing map[string]time.Time, fallback time.Time, logger *zap.Logger) []Target {
	if logger == nil {
		logger = zap.NewNop()
	}
	out := make([]Target, 0, len(refs))
	skipped := 0
	for _, r := range refs {
		from, ok := listing[r.Symbol]
		if !ok || from.IsZero() {
			from = fallback
		}
		if from.IsZero() {
			skipped++
			logger.Warn("ingest.no_start_date", zap.String("symbol", r.Symbol), zap.Int64("token", r.Token))
			continue
		}
		out = append(out, Target{Symbol: r.Symbol, Token: r.Token, From: from})
	}
	if skipped > 0 {
		logger.Warn("ingest.targets_skipped", zap.Int("count", skipped))
	}
	return out
}

// ResumeAfter moves each target's start past the newest row already stored
// for its symbol, so repeated runs append only new candles.
func ResumeAfter(targets []Target, latest map[string]time.Time) []Target {
	out := make([]Target, len(targets))
	for i, t := range targets {
		if last, ok := latest[t.Symbol]; ok && !last.Before(t.From) {
			t.From = last.Add(time.Second)
		}
		out[i] = t
	}
	return out
}
