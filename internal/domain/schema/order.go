// Package schema defines the canonical order, fill, guard and run types shared across the engine.
package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Side captures the direction of an order.
type Side string

const (
	// SideBuy buys the symbol.
	SideBuy Side = "BUY"
	// SideSell sells the symbol.
	SideSell Side = "SELL"
)

// ParseSide normalises a textual side.
func ParseSide(value string) (Side, bool) {
	switch Side(strings.ToUpper(strings.TrimSpace(value))) {
	case SideBuy:
		return SideBuy, true
	case SideSell:
		return SideSell, true
	default:
		return "", false
	}
}

// OrderKind enumerates the supported order types.
type OrderKind string

const (
	// OrderKindMarket executes at the prevailing price.
	OrderKindMarket OrderKind = "MARKET"
	// OrderKindLimit executes at the limit price or better.
	OrderKindLimit OrderKind = "LIMIT"
)

// OrderState enumerates order lifecycle states.
type OrderState string

const (
	// OrderStateNew is a ledger-accepted order not yet acknowledged by the broker.
	OrderStateNew OrderState = "NEW"
	// OrderStateSubmitted is an order acknowledged by the broker.
	OrderStateSubmitted OrderState = "SUBMITTED"
	// OrderStatePartial is an order with some but not all quantity filled.
	OrderStatePartial OrderState = "PARTIAL"
	// OrderStateFilled is an order filled in full.
	OrderStateFilled OrderState = "FILLED"
	// OrderStateCanceled is an order cancelled before completion.
	OrderStateCanceled OrderState = "CANCELED"
	// OrderStateRejected is an order refused by the broker.
	OrderStateRejected OrderState = "REJECTED"
)

// Terminal reports whether no further transition may leave the state.
func (s OrderState) Terminal() bool {
	switch s {
	case OrderStateFilled, OrderStateCanceled, OrderStateRejected:
		return true
	default:
		return false
	}
}

// OpenStates lists the non-terminal states.
func OpenStates() []OrderState {
	return []OrderState{OrderStateNew, OrderStateSubmitted, OrderStatePartial}
}

// Mode separates paper and live trading books.
type Mode string

const (
	// ModePaper trades against the simulated execution channel.
	ModePaper Mode = "paper"
	// ModeLive trades against the live broker channel.
	ModeLive Mode = "live"
)

// ParseMode normalises a textual mode.
func ParseMode(value string) (Mode, bool) {
	switch Mode(strings.ToLower(strings.TrimSpace(value))) {
	case ModePaper:
		return ModePaper, true
	case ModeLive:
		return ModeLive, true
	default:
		return "", false
	}
}

// RejectGuardHalted is the reject reason of orders refused locally by a halted guard.
const RejectGuardHalted = "guard_halted"

// Metadata keys written onto orders.
const (
	MetaAutoRecoveryRequested = "auto_recovery_requested"
	MetaRecoveryReason        = "recovery_reason"
	MetaReplacedBy            = "replaced_by"
	MetaReplaces              = "replaces"
	MetaLateFill              = "late_fill"
)

// OrderSpec describes an order to be created by the ledger.
type OrderSpec struct {
	RunID           string           `json:"runId"`
	Entity          string           `json:"entity"`
	Mode            Mode             `json:"mode"`
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Kind            OrderKind        `json:"kind"`
	LimitPrice      *decimal.Decimal `json:"limitPrice,omitempty"`
	ReferencePrice  decimal.Decimal  `json:"referencePrice"`
	ReplacesOrderID string           `json:"replacesOrderId,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
}

// Order is one intended trade tracked by the ledger.
type Order struct {
	ID              string           `json:"id"`
	RunID           string           `json:"runId"`
	Entity          string           `json:"entity"`
	Mode            Mode             `json:"mode"`
	Symbol          string           `json:"symbol"`
	Side            Side             `json:"side"`
	Quantity        decimal.Decimal  `json:"quantity"`
	Kind            OrderKind        `json:"kind"`
	LimitPrice      *decimal.Decimal `json:"limitPrice,omitempty"`
	ReferencePrice  decimal.Decimal  `json:"referencePrice"`
	IdempotencyKey  string           `json:"idempotencyKey"`
	BaseKey         string           `json:"baseKey"`
	Attempt         int              `json:"attempt"`
	State           OrderState       `json:"state"`
	FilledQuantity  decimal.Decimal  `json:"filledQuantity"`
	AvgFillPrice    decimal.Decimal  `json:"avgFillPrice"`
	Commission      decimal.Decimal  `json:"commission"`
	ClientOrderID   string           `json:"clientOrderId"`
	BrokerOrderID   string           `json:"brokerOrderId,omitempty"`
	RejectReason    string           `json:"rejectReason,omitempty"`
	ReplacesOrderID string           `json:"replacesOrderId,omitempty"`
	Reason          string           `json:"reason,omitempty"`
	Metadata        map[string]any   `json:"metadata,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
	SubmittedAt     *time.Time       `json:"submittedAt,omitempty"`
	CompletedAt     *time.Time       `json:"completedAt,omitempty"`
}

// Remaining returns the unfilled quantity, never negative.
func (o Order) Remaining() decimal.Decimal {
	rem := o.Quantity.Sub(o.FilledQuantity)
	if rem.IsNegative() {
		return decimal.Zero
	}
	return rem
}

// Notional returns quantity × reference price.
func (o Order) Notional() decimal.Decimal {
	return o.Quantity.Mul(o.ReferencePrice)
}

// MetaBool reads a boolean metadata flag.
func (o Order) MetaBool(key string) bool {
	if o.Metadata == nil {
		return false
	}
	v, ok := o.Metadata[key].(bool)
	return ok && v
}

// Clone returns a deep copy safe to hand to other goroutines.
func (o Order) Clone() Order {
	out := o
	if o.LimitPrice != nil {
		lp := *o.LimitPrice
		out.LimitPrice = &lp
	}
	if o.SubmittedAt != nil {
		ts := *o.SubmittedAt
		out.SubmittedAt = &ts
	}
	if o.CompletedAt != nil {
		ts := *o.CompletedAt
		out.CompletedAt = &ts
	}
	if o.Metadata != nil {
		out.Metadata = make(map[string]any, len(o.Metadata))
		for k, v := range o.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Fill is an execution against an order. Fills are append-only and unique per ExecID.
type Fill struct {
	OrderID    string          `json:"orderId"`
	ExecID     string          `json:"execId"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  time.Time       `json:"timestamp"`
}
