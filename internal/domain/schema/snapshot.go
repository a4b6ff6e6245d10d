package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// AccountSnapshot is the bridge's account equity/cash view.
type AccountSnapshot struct {
	Entity    string          `json:"entity"`
	Cash      decimal.Decimal `json:"cash"`
	Equity    decimal.Decimal `json:"equity"`
	Currency  string          `json:"currency,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// PositionSnapshot is one held symbol as reported by the bridge.
type PositionSnapshot struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AvgCost     decimal.Decimal `json:"avgCost"`
	MarketValue decimal.Decimal `json:"marketValue"`
	Timestamp   time.Time       `json:"timestamp"`
}

// LastKnownPrice derives a price from market value, falling back to average cost.
func (p PositionSnapshot) LastKnownPrice() decimal.Decimal {
	if !p.Quantity.IsZero() && !p.MarketValue.IsZero() {
		return p.MarketValue.Div(p.Quantity).Abs()
	}
	return p.AvgCost
}

// Quote is the latest bid/ask/last for a symbol.
type Quote struct {
	Symbol    string          `json:"symbol"`
	Bid       decimal.Decimal `json:"bid"`
	Ask       decimal.Decimal `json:"ask"`
	Last      decimal.Decimal `json:"last"`
	Timestamp time.Time       `json:"timestamp"`
}

// Price returns the last trade price, or the bid/ask mid when no trade is reported.
func (q Quote) Price() decimal.Decimal {
	if q.Last.IsPositive() {
		return q.Last
	}
	if q.Bid.IsPositive() && q.Ask.IsPositive() {
		return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
	}
	if q.Bid.IsPositive() {
		return q.Bid
	}
	return q.Ask
}

// Snapshot bundles the account, positions and quotes read at one point in time.
type Snapshot struct {
	Account   AccountSnapshot    `json:"account"`
	Positions []PositionSnapshot `json:"positions"`
	Quotes    map[string]Quote   `json:"quotes"`
	FetchedAt time.Time          `json:"fetchedAt"`
}
