package schema

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// BrokerEventType enumerates broker status changes and executions.
type BrokerEventType string

const (
	// BrokerEventSubmitted acknowledges an order and carries the broker order id.
	BrokerEventSubmitted BrokerEventType = "submitted"
	// BrokerEventPartial reports a partially filled status.
	BrokerEventPartial BrokerEventType = "partial"
	// BrokerEventFilled reports a fully filled status.
	BrokerEventFilled BrokerEventType = "filled"
	// BrokerEventCanceled confirms a cancellation.
	BrokerEventCanceled BrokerEventType = "canceled"
	// BrokerEventRejected reports a broker refusal.
	BrokerEventRejected BrokerEventType = "rejected"
	// BrokerEventFill carries an execution with an exec id.
	BrokerEventFill BrokerEventType = "fill"
	// BrokerEventCancelRejected reports a refused cancel request. The order keeps its state.
	BrokerEventCancelRejected BrokerEventType = "cancel_rejected"
)

// ParseBrokerEventType normalises a textual event type, accepting common broker spellings.
func ParseBrokerEventType(value string) (BrokerEventType, bool) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "submitted", "ack", "accepted", "new":
		return BrokerEventSubmitted, true
	case "partial", "partially_filled":
		return BrokerEventPartial, true
	case "filled":
		return BrokerEventFilled, true
	case "canceled", "cancelled":
		return BrokerEventCanceled, true
	case "rejected":
		return BrokerEventRejected, true
	case "fill", "execution", "trade":
		return BrokerEventFill, true
	case "cancel_rejected", "cancel_reject":
		return BrokerEventCancelRejected, true
	default:
		return "", false
	}
}

// BrokerEvent is a single status change or execution reported by the broker, keyed by client order id.
type BrokerEvent struct {
	Type          BrokerEventType `json:"type"`
	ClientOrderID string          `json:"clientOrderId"`
	BrokerOrderID string          `json:"brokerOrderId,omitempty"`
	ExecID        string          `json:"execId,omitempty"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Commission    decimal.Decimal `json:"commission"`
	Reason        string          `json:"reason,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
}

// IsExecution reports whether the event carries fill data.
func (e BrokerEvent) IsExecution() bool {
	return strings.TrimSpace(e.ExecID) != "" && e.Quantity.IsPositive()
}
