package model

// RawSubscription is one unvalidated row of a subscription file.
type RawSubscription struct {
	Symbol   string
	Exchange string
	Mode     string
}

// Subscription is a validated, tradeable ticker subscription.
type Subscription struct {
	TradingSymbol string   `json:"tradingsymbol"`
	Exchange      Exchange `json:"exchange"`
	Token         int64    `json:"instrument_token"`
	Mode          Mode     `json:"mode"`
}

// SubscriptionSet is the outcome of subscription validation.
type SubscriptionSet struct {
	Items []Subscription
	// Duplicates counts discarded repeat rows per symbol.
	Duplicates map[string]int
	// NonTradeable holds the requests that matched nothing in the catalog.
	NonTradeable []RawSubscription
}

// Tokens groups subscription tokens by mode, preserving item order.
func (s *SubscriptionSet) Tokens() map[Mode][]int64 {
	out := make(map[Mode][]int64)
	for _, it := range s.Items {
		out[it.Mode] = append(out[it.Mode], it.Token)
	}
	return out
}
