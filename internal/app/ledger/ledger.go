// Package ledger owns order lifecycle state: idempotent creation, the state machine and fill aggregation.
package ledger

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/app/keyed"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

const component = "ledger"

// TerminalHook is invoked after an order reaches a terminal state.
type TerminalHook func(ctx context.Context, order schema.Order)

// CancelRejectedHook is invoked when the broker refuses to cancel an order.
type CancelRejectedHook func(ctx context.Context, order schema.Order, reason string)

// Ledger is the single writer of orders and fills. All mutations of one order are serialised on its id.
type Ledger struct {
	store   orderstore.Store
	locks   *keyed.Locker
	logger  observability.Logger
	metrics *telemetry.Instruments
	now     func() time.Time
	newID   func() string

	hooksMu     sync.RWMutex
	hooks       []TerminalHook
	cancelHooks []CancelRejectedHook
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithInstruments attaches metric instruments.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(l *Ledger) { l.metrics = inst }
}

// WithIDGenerator overrides order id generation.
func WithIDGenerator(fn func() string) Option {
	return func(l *Ledger) {
		if fn != nil {
			l.newID = fn
		}
	}
}

// WithTerminalHook registers a callback for orders reaching a terminal state.
func WithTerminalHook(hook TerminalHook) Option {
	return func(l *Ledger) {
		if hook != nil {
			l.hooks = append(l.hooks, hook)
		}
	}
}

// New constructs a ledger over store.
func New(store orderstore.Store, opts ...Option) *Ledger {
	l := &Ledger{
		store:   store,
		locks:   keyed.NewLocker(),
		logger:  observability.Log(),
		metrics: nil,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// AddTerminalHook registers a callback after construction, for collaborators that need the ledger first.
func (l *Ledger) AddTerminalHook(hook TerminalHook) {
	if hook == nil {
		return
	}
	l.hooksMu.Lock()
	l.hooks = append(l.hooks, hook)
	l.hooksMu.Unlock()
}

// AddCancelRejectedHook registers a callback for refused cancel requests.
func (l *Ledger) AddCancelRejectedHook(hook CancelRejectedHook) {
	if hook == nil {
		return
	}
	l.hooksMu.Lock()
	l.cancelHooks = append(l.cancelHooks, hook)
	l.hooksMu.Unlock()
}

// Store exposes the backing store for read paths.
func (l *Ledger) Store() orderstore.Store {
	return l.store
}

// Submit creates an order in NEW under key, or returns the existing order when the key was already used.
// An empty key derives the base key from the run, symbol and side. A spec that replaces another order
// continues that order's base key with the next attempt number.
func (l *Ledger) Submit(ctx context.Context, key string, spec schema.OrderSpec) (schema.Order, bool, error) {
	if err := validateSpec(spec); err != nil {
		return schema.Order{}, false, err
	}
	if spec.ReplacesOrderID != "" {
		return l.submitReplacement(ctx, spec)
	}
	base, attempt := SplitKey(strings.TrimSpace(key))
	if base == "" {
		base = BaseKey(spec.RunID, spec.Symbol, spec.Side)
	}
	order := l.newOrder(spec, base, attempt)
	stored, created, err := l.store.CreateOrder(ctx, order)
	if err != nil {
		return schema.Order{}, false, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("create order"), errs.WithCause(err))
	}
	if created {
		l.metrics.OrderSubmitted(ctx, stored.Entity, string(stored.Mode), stored.Symbol, string(stored.Side))
		l.logger.Info("order accepted",
			observability.F("order_id", stored.ID),
			observability.F("key", stored.IdempotencyKey),
			observability.F("symbol", stored.Symbol),
			observability.F("side", stored.Side),
			observability.F("quantity", stored.Quantity.String()))
	}
	return stored, created, nil
}

func (l *Ledger) submitReplacement(ctx context.Context, spec schema.OrderSpec) (schema.Order, bool, error) {
	unlock := l.locks.Lock(spec.ReplacesOrderID)
	defer unlock()

	original, err := l.store.GetOrder(ctx, spec.ReplacesOrderID)
	if err != nil {
		return schema.Order{}, false, err
	}
	order := l.newOrder(spec, original.BaseKey, original.Attempt+1)
	order.Metadata[schema.MetaReplaces] = original.ID

	var (
		stored  schema.Order
		created bool
	)
	err = l.store.WithTransaction(ctx, func(ctx context.Context, tx orderstore.Tx) error {
		var txErr error
		stored, created, txErr = tx.CreateOrder(ctx, order)
		if txErr != nil || !created {
			return txErr
		}
		updated := original.Clone()
		if updated.Metadata == nil {
			updated.Metadata = make(map[string]any, 1)
		}
		updated.Metadata[schema.MetaReplacedBy] = stored.ID
		updated.UpdatedAt = l.now().UTC()
		return tx.UpdateOrder(ctx, updated)
	})
	if err != nil {
		return schema.Order{}, false, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("create replacement order"), errs.WithCause(err))
	}
	if created {
		l.metrics.OrderSubmitted(ctx, stored.Entity, string(stored.Mode), stored.Symbol, string(stored.Side))
		l.logger.Info("replacement order accepted",
			observability.F("order_id", stored.ID),
			observability.F("replaces", original.ID),
			observability.F("key", stored.IdempotencyKey))
	}
	return stored, created, nil
}

func (l *Ledger) newOrder(spec schema.OrderSpec, base string, attempt int) schema.Order {
	now := l.now().UTC()
	id := l.newID()
	kind := spec.Kind
	if kind == "" {
		kind = schema.OrderKindMarket
	}
	metadata := make(map[string]any, len(spec.Metadata)+1)
	for k, v := range spec.Metadata {
		metadata[k] = v
	}
	return schema.Order{
		ID:              id,
		RunID:           spec.RunID,
		Entity:          strings.TrimSpace(spec.Entity),
		Mode:            spec.Mode,
		Symbol:          strings.ToUpper(strings.TrimSpace(spec.Symbol)),
		Side:            spec.Side,
		Quantity:        spec.Quantity,
		Kind:            kind,
		LimitPrice:      spec.LimitPrice,
		ReferencePrice:  spec.ReferencePrice,
		IdempotencyKey:  AttemptKey(base, attempt),
		BaseKey:         base,
		Attempt:         attempt,
		State:           schema.OrderStateNew,
		ClientOrderID:   id,
		ReplacesOrderID: spec.ReplacesOrderID,
		Reason:          spec.Reason,
		Metadata:        metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func validateSpec(spec schema.OrderSpec) error {
	var reasons []string
	if strings.TrimSpace(spec.Entity) == "" {
		reasons = append(reasons, "entity")
	}
	if strings.TrimSpace(spec.Symbol) == "" {
		reasons = append(reasons, "symbol")
	}
	if _, ok := schema.ParseSide(string(spec.Side)); !ok {
		reasons = append(reasons, "side")
	}
	if _, ok := schema.ParseMode(string(spec.Mode)); !ok {
		reasons = append(reasons, "mode")
	}
	if !spec.Quantity.IsPositive() {
		reasons = append(reasons, "quantity")
	}
	if spec.Kind == schema.OrderKindLimit && (spec.LimitPrice == nil || !spec.LimitPrice.IsPositive()) {
		reasons = append(reasons, "limitPrice")
	}
	if len(reasons) > 0 {
		return errs.New(component, errs.CodeValidation,
			errs.WithMessage("invalid order spec"), errs.WithReasons(reasons...))
	}
	return nil
}

// ApplyEvent advances the order by a broker event. Execution events are routed to fill aggregation.
// Re-delivery of the current state is a no-op; forbidden transitions return an illegal_transition
// error and leave the order unchanged. A refused cancel leaves the order as it is and only notifies
// the cancel-rejected hooks.
func (l *Ledger) ApplyEvent(ctx context.Context, orderID string, event schema.BrokerEvent) (schema.Order, error) {
	if event.Type == schema.BrokerEventCancelRejected {
		return l.cancelRejected(ctx, orderID, event)
	}
	if event.IsExecution() {
		order, _, _, err := l.applyFill(ctx, orderID, FillInput{
			ExecID:     event.ExecID,
			Quantity:   event.Quantity,
			Price:      event.Price,
			Commission: event.Commission,
			Timestamp:  event.Timestamp,
		})
		return order, err
	}
	target, ok := targetState(event.Type)
	if !ok {
		return schema.Order{}, errs.New(component, errs.CodeValidation,
			errs.WithMessage("unsupported broker event"), errs.WithField("type", string(event.Type)))
	}

	unlock := l.locks.Lock(orderID)
	order, changed, err := l.transitionLocked(ctx, orderID, target, event)
	unlock()
	if err != nil {
		return order, err
	}
	if changed && order.State.Terminal() {
		l.notifyTerminal(ctx, order)
	}
	return order, nil
}

func (l *Ledger) cancelRejected(ctx context.Context, orderID string, event schema.BrokerEvent) (schema.Order, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, err
	}
	reason := strings.TrimSpace(event.Reason)
	l.logger.Warn("cancel rejected by broker",
		observability.F("order_id", order.ID),
		observability.F("state", order.State),
		observability.F("reason", reason))
	l.hooksMu.RLock()
	hooks := append([]CancelRejectedHook(nil), l.cancelHooks...)
	l.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, order.Clone(), reason)
	}
	return order, nil
}

func (l *Ledger) transitionLocked(ctx context.Context, orderID string, target schema.OrderState, event schema.BrokerEvent) (schema.Order, bool, error) {
	order, err := l.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, false, err
	}
	from := order.State
	if from == target && target != schema.OrderStatePartial {
		if event.BrokerOrderID != "" && order.BrokerOrderID == "" {
			order.BrokerOrderID = event.BrokerOrderID
			order.UpdatedAt = l.now().UTC()
			if err := l.store.UpdateOrder(ctx, order); err != nil {
				return schema.Order{}, false, err
			}
		}
		return order, false, nil
	}
	if !CanTransition(from, target) {
		l.metrics.IllegalTransition(ctx, string(from), string(target))
		l.logger.Warn("illegal order transition",
			observability.F("order_id", order.ID),
			observability.F("from", from),
			observability.F("to", target),
			observability.F("event", event.Type))
		return order, false, errs.New(component, errs.CodeIllegalTransition,
			errs.WithMessage("transition not allowed"),
			errs.WithField("order_id", order.ID),
			errs.WithField("from", string(from)),
			errs.WithField("to", string(target)))
	}

	now := l.now().UTC()
	order.State = target
	order.UpdatedAt = now
	if event.BrokerOrderID != "" {
		order.BrokerOrderID = event.BrokerOrderID
	}
	switch target {
	case schema.OrderStateSubmitted:
		ts := eventTime(event, now)
		order.SubmittedAt = &ts
	case schema.OrderStateRejected:
		order.RejectReason = strings.TrimSpace(event.Reason)
	}
	if target.Terminal() {
		ts := eventTime(event, now)
		order.CompletedAt = &ts
	}
	if err := l.store.UpdateOrder(ctx, order); err != nil {
		return schema.Order{}, false, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("persist transition"), errs.WithCause(err))
	}
	l.metrics.OrderTransition(ctx, string(from), string(target))
	l.logger.Debug("order transition",
		observability.F("order_id", order.ID),
		observability.F("from", from),
		observability.F("to", target))
	return order, true, nil
}

// ApplyClientEvent resolves the order by the event's client order id and applies it.
func (l *Ledger) ApplyClientEvent(ctx context.Context, event schema.BrokerEvent) (schema.Order, error) {
	order, err := l.store.GetOrderByClientID(ctx, event.ClientOrderID)
	if err != nil {
		return schema.Order{}, err
	}
	return l.ApplyEvent(ctx, order.ID, event)
}

// MarkForRecovery annotates an order for automatic recovery only while it is still NEW, unacknowledged
// and unfilled. The check and the write happen under the order's lock, so an acknowledgement applied
// concurrently is never overwritten. ok is false when the order no longer qualifies.
func (l *Ledger) MarkForRecovery(ctx context.Context, orderID string, values map[string]any) (order schema.Order, ok bool, err error) {
	unlock := l.locks.Lock(orderID)
	defer unlock()
	order, err = l.store.GetOrder(ctx, orderID)
	if err != nil {
		return schema.Order{}, false, err
	}
	if order.State != schema.OrderStateNew || order.BrokerOrderID != "" || !order.FilledQuantity.IsZero() {
		return order, false, nil
	}
	if order.Metadata == nil {
		order.Metadata = make(map[string]any, len(values))
	}
	for k, v := range values {
		order.Metadata[k] = v
	}
	order.UpdatedAt = l.now().UTC()
	if err := l.store.UpdateOrder(ctx, order); err != nil {
		return schema.Order{}, false, err
	}
	return order, true, nil
}

// Get returns an order by id.
func (l *Ledger) Get(ctx context.Context, orderID string) (schema.Order, error) {
	return l.store.GetOrder(ctx, orderID)
}

// List returns orders matching the query.
func (l *Ledger) List(ctx context.Context, query orderstore.OrderQuery) ([]schema.Order, error) {
	return l.store.ListOrders(ctx, query)
}

// Fills returns the fills recorded against an order.
func (l *Ledger) Fills(ctx context.Context, orderID string) ([]schema.Fill, error) {
	return l.store.ListFills(ctx, orderID)
}

func (l *Ledger) notifyTerminal(ctx context.Context, order schema.Order) {
	l.hooksMu.RLock()
	hooks := append([]TerminalHook(nil), l.hooks...)
	l.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(ctx, order.Clone())
	}
}

func eventTime(event schema.BrokerEvent, fallback time.Time) time.Time {
	if event.Timestamp.IsZero() {
		return fallback
	}
	return event.Timestamp.UTC()
}
