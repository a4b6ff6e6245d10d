package execution

import (
	"context"

	"github.com/cespare/xxhash/v2"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

// EventHandler applies one broker event to the order it references.
type EventHandler interface {
	ApplyClientEvent(ctx context.Context, event schema.BrokerEvent) (schema.Order, error)
}

// Dispatcher fans broker events out to a fixed set of shards. Events for one client order id always land
// on the same shard, so each order has exactly one consumer and sees its events in arrival order.
type Dispatcher struct {
	handler EventHandler
	shards  int
	buffer  int
	logger  observability.Logger
	metrics *telemetry.Instruments
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger overrides the logger.
func WithDispatcherLogger(logger observability.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDispatcherInstruments attaches metric instruments.
func WithDispatcherInstruments(inst *telemetry.Instruments) DispatcherOption {
	return func(d *Dispatcher) { d.metrics = inst }
}

// NewDispatcher constructs a dispatcher with the given shard count and per-shard buffer.
func NewDispatcher(handler EventHandler, shards, buffer int, opts ...DispatcherOption) *Dispatcher {
	if shards <= 0 {
		shards = 8
	}
	if buffer <= 0 {
		buffer = 64
	}
	d := &Dispatcher{
		handler: handler,
		shards:  shards,
		buffer:  buffer,
		logger:  observability.Log(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// ShardFor returns the shard index for a client order id.
func (d *Dispatcher) ShardFor(clientOrderID string) int {
	return int(xxhash.Sum64String(clientOrderID) % uint64(d.shards))
}

// Run consumes events until the source closes or ctx ends, then drains the shards and returns.
func (d *Dispatcher) Run(ctx context.Context, events <-chan schema.BrokerEvent) error {
	queues := make([]chan schema.BrokerEvent, d.shards)
	var wg conc.WaitGroup
	for i := range queues {
		queue := make(chan schema.BrokerEvent, d.buffer)
		queues[i] = queue
		wg.Go(func() {
			for event := range queue {
				d.handle(ctx, event)
			}
		})
	}
	defer func() {
		for _, queue := range queues {
			close(queue)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if event.ClientOrderID == "" {
				d.metrics.BrokerEventDropped(ctx, "missing_client_order_id")
				continue
			}
			select {
			case queues[d.ShardFor(event.ClientOrderID)] <- event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (d *Dispatcher) handle(ctx context.Context, event schema.BrokerEvent) {
	ctx = context.WithoutCancel(ctx)
	_, err := d.handler.ApplyClientEvent(ctx, event)
	switch {
	case err == nil:
	case errs.Is(err, errs.CodeNotFound):
		d.metrics.BrokerEventDropped(ctx, "unknown_order")
		d.logger.Warn("broker event for unknown order",
			observability.F("client_order_id", event.ClientOrderID),
			observability.F("type", event.Type))
	case errs.Is(err, errs.CodeIllegalTransition):
		// already reported by the ledger
	default:
		d.metrics.BrokerEventDropped(ctx, "apply_failed")
		d.logger.Error("broker event not applied",
			observability.F("client_order_id", event.ClientOrderID),
			observability.F("type", event.Type),
			observability.F("error", err))
	}
}
