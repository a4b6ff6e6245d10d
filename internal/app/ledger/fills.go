package ledger

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/observability"
)

// FillInput is one execution reported by the broker.
type FillInput struct {
	ExecID     string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Commission decimal.Decimal
	Timestamp  time.Time
}

// FillAggregator folds executions into their orders: exec-id dedupe, VWAP and filled quantity.
type FillAggregator struct {
	ledger *Ledger
}

// NewFillAggregator binds an aggregator to the ledger that owns the orders.
func NewFillAggregator(l *Ledger) *FillAggregator {
	return &FillAggregator{ledger: l}
}

// ApplyFill records the execution and updates the order. A replayed exec id returns applied=false and
// changes nothing.
func (a *FillAggregator) ApplyFill(ctx context.Context, orderID string, input FillInput) (schema.Fill, bool, error) {
	_, fill, applied, err := a.ledger.applyFill(ctx, orderID, input)
	return fill, applied, err
}

func (l *Ledger) applyFill(ctx context.Context, orderID string, input FillInput) (schema.Order, schema.Fill, bool, error) {
	if err := validateFill(input); err != nil {
		return schema.Order{}, schema.Fill{}, false, err
	}

	unlock := l.locks.Lock(orderID)
	order, fill, applied, terminalNow, err := l.applyFillLocked(ctx, orderID, input)
	unlock()
	if err != nil {
		return order, fill, false, err
	}
	if terminalNow {
		l.notifyTerminal(ctx, order)
	}
	return order, fill, applied, nil
}

func (l *Ledger) applyFillLocked(ctx context.Context, orderID string, input FillInput) (schema.Order, schema.Fill, bool, bool, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, schema.Fill{}, false, false, err
	}
	fill := schema.Fill{
		OrderID:    order.ID,
		ExecID:     strings.TrimSpace(input.ExecID),
		Quantity:   input.Quantity,
		Price:      input.Price,
		Commission: input.Commission,
		Timestamp:  eventTime(schema.BrokerEvent{Timestamp: input.Timestamp}, l.now()),
	}

	newFilled := order.FilledQuantity.Add(fill.Quantity)
	if newFilled.GreaterThan(order.Quantity) {
		if dup, err := l.execRecorded(ctx, order.ID, fill.ExecID); err == nil && dup {
			l.metrics.FillApplied(ctx, order.Symbol, true)
			return order, fill, false, false, nil
		}
		return order, schema.Fill{}, false, false, errs.New(component, errs.CodeValidation,
			errs.WithMessage("fill exceeds requested quantity"),
			errs.WithField("order_id", order.ID),
			errs.WithField("exec_id", fill.ExecID),
			errs.WithField("filled", order.FilledQuantity.String()),
			errs.WithField("fill", fill.Quantity.String()),
			errs.WithField("requested", order.Quantity.String()))
	}

	from := order.State
	updated := order.Clone()
	// VWAP: avg' = (avg·filled + price·qty) / (filled + qty)
	updated.AvgFillPrice = order.AvgFillPrice.Mul(order.FilledQuantity).
		Add(fill.Price.Mul(fill.Quantity)).
		Div(newFilled)
	updated.FilledQuantity = newFilled
	updated.Commission = order.Commission.Add(fill.Commission)
	updated.UpdatedAt = l.now().UTC()

	target := schema.OrderStatePartial
	if newFilled.Equal(order.Quantity) {
		target = schema.OrderStateFilled
	}
	switch {
	case from.Terminal():
		// late fills on a terminal order are recorded and flagged, never state-changing
		if from != schema.OrderStateFilled {
			if updated.Metadata == nil {
				updated.Metadata = make(map[string]any, 1)
			}
			updated.Metadata[schema.MetaLateFill] = true
			l.logger.Warn("fill on terminal order",
				observability.F("order_id", order.ID),
				observability.F("state", from),
				observability.F("exec_id", fill.ExecID))
		}
	case CanTransition(from, target):
		updated.State = target
		if target.Terminal() {
			ts := fill.Timestamp.UTC()
			updated.CompletedAt = &ts
		}
	}

	applied := false
	err = l.store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		inserted, txErr := tx.RecordFill(ctx, fill)
		if txErr != nil || !inserted {
			return txErr
		}
		applied = true
		return tx.UpdateOrder(ctx, updated)
	})
	if err != nil {
		return order, schema.Fill{}, false, false, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("persist fill"), errs.WithCause(err))
	}
	if !applied {
		l.metrics.FillApplied(ctx, order.Symbol, true)
		l.logger.Debug("duplicate fill ignored",
			observability.F("order_id", order.ID),
			observability.F("exec_id", fill.ExecID))
		return order, fill, false, false, nil
	}

	l.metrics.FillApplied(ctx, order.Symbol, false)
	if updated.State != from {
		l.metrics.OrderTransition(ctx, string(from), string(updated.State))
	}
	l.logger.Info("fill applied",
		observability.F("order_id", order.ID),
		observability.F("exec_id", fill.ExecID),
		observability.F("quantity", fill.Quantity.String()),
		observability.F("price", fill.Price.String()),
		observability.F("filled", updated.FilledQuantity.String()),
		observability.F("state", updated.State))
	terminalNow := updated.State != from && updated.State.Terminal()
	return updated, fill, true, terminalNow, nil
}

func (l *Ledger) execRecorded(ctx context.Context, orderID, execID string) (bool, error) {
	fills, err := l.store.ListFills(ctx, orderID)
	if err != nil {
		return false, err
	}
	for _, f := range fills {
		if f.ExecID == execID {
			return true, nil
		}
	}
	return false, nil
}

func validateFill(input FillInput) error {
	var reasons []string
	if strings.TrimSpace(input.ExecID) == "" {
		reasons = append(reasons, "execId")
	}
	if !input.Quantity.IsPositive() {
		reasons = append(reasons, "quantity")
	}
	if !input.Price.IsPositive() {
		reasons = append(reasons, "price")
	}
	if input.Commission.IsNegative() {
		reasons = append(reasons, "commission")
	}
	if len(reasons) > 0 {
		return errs.New(component, errs.CodeValidation,
			errs.WithMessage("invalid fill"), errs.WithReasons(reasons...))
	}
	return nil
}
