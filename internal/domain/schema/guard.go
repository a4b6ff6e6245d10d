package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// GuardStatus enumerates intraday guard states.
type GuardStatus string

const (
	// GuardActive allows new submissions.
	GuardActive GuardStatus = "active"
	// GuardHalted blocks new submissions until an operator reset.
	GuardHalted GuardStatus = "halted"
)

// ValuationSource tags where an equity figure came from.
type ValuationSource string

const (
	// ValuationPrimary is the live bridge feed.
	ValuationPrimary ValuationSource = "primary"
	// ValuationLocal is the cached or locally priced fallback.
	ValuationLocal ValuationSource = "local"
)

// Guard halt reasons.
const (
	HaltDailyLoss           = "max_daily_loss"
	HaltDrawdown            = "max_intraday_drawdown"
	HaltOrderFailures       = "max_order_failures"
	HaltMarketDataErrors    = "max_market_data_errors"
	HaltRiskTriggers        = "max_risk_triggers"
	HaltValuationMissing    = "valuation_unavailable"
	HaltDayStartNonPositive = "day_start_equity_non_positive"
)

// GuardKey identifies one guard state record.
type GuardKey struct {
	Entity string `json:"entity"`
	Date   string `json:"date"`
	Mode   Mode   `json:"mode"`
}

// NewGuardKey builds the key for the trading date of ts in loc.
func NewGuardKey(entity string, mode Mode, ts time.Time, loc *time.Location) GuardKey {
	if loc == nil {
		loc = time.UTC
	}
	return GuardKey{
		Entity: strings.TrimSpace(entity),
		Date:   ts.In(loc).Format(time.DateOnly),
		Mode:   mode,
	}
}

func (k GuardKey) String() string {
	return fmt.Sprintf("%s|%s|%s", k.Entity, k.Date, k.Mode)
}

// GuardCounters tracks event counts that are checked against their own thresholds.
type GuardCounters struct {
	RiskTriggers     int `json:"riskTriggers"`
	OrderFailures    int `json:"orderFailures"`
	MarketDataErrors int `json:"marketDataErrors"`
}

// GuardState is the intraday protective state for one (entity, date, mode).
type GuardState struct {
	Key             GuardKey        `json:"key"`
	Status          GuardStatus     `json:"status"`
	HaltReasons     []string        `json:"haltReasons,omitempty"`
	Counters        GuardCounters   `json:"counters"`
	DayStartEquity  decimal.Decimal `json:"dayStartEquity"`
	PeakEquity      decimal.Decimal `json:"peakEquity"`
	LastEquity      decimal.Decimal `json:"lastEquity"`
	DailyLoss       decimal.Decimal `json:"dailyLoss"`
	Drawdown        decimal.Decimal `json:"drawdown"`
	Initialized     bool            `json:"initialized"`
	LastValuationAt *time.Time      `json:"lastValuationAt,omitempty"`
	ValuationSource ValuationSource `json:"valuationSource,omitempty"`
	ValuationErrors []string        `json:"valuationErrors,omitempty"`
	HaltedAt        *time.Time      `json:"haltedAt,omitempty"`
	CooldownUntil   *time.Time      `json:"cooldownUntil,omitempty"`
	ResetBy         string          `json:"resetBy,omitempty"`
	ResetAt         *time.Time      `json:"resetAt,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Halted reports whether the guard blocks submissions.
func (s GuardState) Halted() bool {
	return s.Status == GuardHalted
}

// Clone returns a deep copy.
func (s GuardState) Clone() GuardState {
	out := s
	out.HaltReasons = append([]string(nil), s.HaltReasons...)
	out.ValuationErrors = append([]string(nil), s.ValuationErrors...)
	out.LastValuationAt = cloneTime(s.LastValuationAt)
	out.HaltedAt = cloneTime(s.HaltedAt)
	out.CooldownUntil = cloneTime(s.CooldownUntil)
	out.ResetAt = cloneTime(s.ResetAt)
	return out
}

// RecoveryAttempt audits one automated cancel or replace step on a stalled order.
type RecoveryAttempt struct {
	ID                 string    `json:"id"`
	OrderID            string    `json:"orderId"`
	Trigger            string    `json:"trigger"`
	Action             string    `json:"action"`
	ReplacementOrderID string    `json:"replacementOrderId,omitempty"`
	Outcome            string    `json:"outcome"`
	Detail             string    `json:"detail,omitempty"`
	CreatedAt          time.Time `json:"createdAt"`
}

func cloneTime(ts *time.Time) *time.Time {
	if ts == nil {
		return nil
	}
	out := *ts
	return &out
}
