// Package execution hands orders to a broker channel and feeds broker events back into the ledger.
package execution

import (
	"context"
	"strings"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
)

const component = "execution"

// Channel is a broker connection. Submit and Cancel only hand the request over; acknowledgements,
// executions and cancel confirmations arrive on Events.
type Channel interface {
	Name() string
	Submit(ctx context.Context, order schema.Order) error
	Cancel(ctx context.Context, order schema.Order) error
	Events() <-chan schema.BrokerEvent
	Close() error
}

// Kind selects a channel implementation.
type Kind string

const (
	KindSimulated Kind = "simulated"
	KindLive      Kind = "live"
)

// ParseKind normalises a textual channel kind.
func ParseKind(value string) (Kind, bool) {
	switch Kind(strings.ToLower(strings.TrimSpace(value))) {
	case KindSimulated, "sim", "paper":
		return KindSimulated, true
	case KindLive:
		return KindLive, true
	default:
		return "", false
	}
}

// Rejected builds the error a channel returns for a synchronous broker refusal.
func Rejected(order schema.Order, reason string) error {
	return errs.New(component, errs.CodeOrderRejected,
		errs.WithMessage(reason),
		errs.WithField("client_order_id", order.ClientOrderID),
		errs.WithField("symbol", order.Symbol))
}

func disconnected(op string, cause error) error {
	opts := []errs.Option{errs.WithMessage(op + ": broker channel not connected")}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeConnectivity, opts...)
}
