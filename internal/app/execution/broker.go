package execution

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/app/ledger"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
	"github.com/coachpo/execguard/lib/async"
)

// GuardChecker is the pre-submission gate and failure sink.
type GuardChecker interface {
	Check(ctx context.Context, entity string, mode schema.Mode) error
	RecordOrderFailure(ctx context.Context, entity string, mode schema.Mode) error
}

// BrokerConfig tunes the submission queue.
type BrokerConfig struct {
	Workers       int
	Queue         int
	RateLimit     float64
	Burst         int
	CancelTimeout time.Duration
}

// Broker owns the submission queue and cancel confirmation for one channel.
type Broker struct {
	channel Channel
	ledger  *ledger.Ledger
	guard   GuardChecker
	pool    *async.Pool
	limiter *rate.Limiter
	cfg     BrokerConfig
	logger  observability.Logger
	metrics *telemetry.Instruments

	waitMu  sync.Mutex
	waiters map[string][]chan cancelOutcome
}

type cancelOutcome struct {
	order schema.Order
	err   error
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBrokerLogger overrides the logger.
func WithBrokerLogger(logger observability.Logger) BrokerOption {
	return func(b *Broker) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBrokerInstruments attaches metric instruments.
func WithBrokerInstruments(inst *telemetry.Instruments) BrokerOption {
	return func(b *Broker) { b.metrics = inst }
}

// NewBroker wires the channel to the ledger. It registers itself for terminal-state and refused-cancel
// notifications.
func NewBroker(channel Channel, l *ledger.Ledger, guard GuardChecker, cfg BrokerConfig, opts ...BrokerOption) (*Broker, error) {
	if channel == nil || l == nil || guard == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("channel, ledger and guard required"))
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 256
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = 30 * time.Second
	}
	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	b := &Broker{
		channel: channel,
		ledger:  l,
		guard:   guard,
		limiter: rate.NewLimiter(limit, cfg.Burst),
		cfg:     cfg,
		logger:  observability.Log(),
		waiters: make(map[string][]chan cancelOutcome),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	pool, err := async.NewPool(cfg.Workers, cfg.Queue,
		async.WithErrorHandler(func(err error) {
			b.logger.Warn("order submission failed", observability.F("error", err))
		}),
		async.WithPanicHandler(func(v any) {
			b.logger.Error("order submission panicked", observability.F("panic", v))
		}))
	if err != nil {
		return nil, err
	}
	b.pool = pool
	l.AddTerminalHook(b.onTerminal)
	l.AddCancelRejectedHook(b.onCancelRejected)
	return b, nil
}

// Channel returns the underlying broker channel.
func (b *Broker) Channel() Channel {
	return b.channel
}

// Enqueue schedules the order for submission and returns without waiting for the broker. A full queue
// returns an unavailable error and leaves the order in NEW for the recovery sweep.
func (b *Broker) Enqueue(ctx context.Context, order schema.Order) error {
	orderID := order.ID
	return b.pool.Submit(ctx, func(ctx context.Context) error {
		return b.submit(ctx, orderID)
	})
}

func (b *Broker) submit(ctx context.Context, orderID string) error {
	order, err := b.ledger.Get(ctx, orderID)
	if err != nil {
		return err
	}
	if order.State != schema.OrderStateNew || order.BrokerOrderID != "" {
		return nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	started := time.Now()
	channel := b.channel.Name()

	if err := b.guard.Check(ctx, order.Entity, order.Mode); err != nil {
		b.metrics.Submission(ctx, channel, telemetry.ResultBlocked, time.Since(started))
		b.logger.Warn("submission blocked by guard",
			observability.F("order_id", order.ID),
			observability.F("entity", order.Entity),
			observability.F("error", err))
		_, rejErr := b.ledger.ApplyEvent(ctx, order.ID, schema.BrokerEvent{
			Type:          schema.BrokerEventRejected,
			ClientOrderID: order.ClientOrderID,
			Reason:        schema.RejectGuardHalted,
		})
		return rejErr
	}

	err = b.channel.Submit(ctx, order)
	if err == nil {
		b.metrics.Submission(ctx, channel, telemetry.ResultSuccess, time.Since(started))
		b.logger.Debug("order sent to broker",
			observability.F("order_id", order.ID),
			observability.F("channel", channel))
		return nil
	}
	b.metrics.Submission(ctx, channel, telemetry.ResultError, time.Since(started))
	// rejections are counted by onTerminal once the ledger records them
	if errs.Is(err, errs.CodeOrderRejected) {
		reason := strings.TrimSpace(rejectReason(err))
		_, rejErr := b.ledger.ApplyEvent(ctx, order.ID, schema.BrokerEvent{
			Type:          schema.BrokerEventRejected,
			ClientOrderID: order.ClientOrderID,
			Reason:        reason,
		})
		b.logger.Warn("order rejected by broker",
			observability.F("order_id", order.ID),
			observability.F("reason", reason))
		return rejErr
	}
	b.recordFailure(ctx, order)
	// left in NEW; the recovery sweep picks it up once it times out
	return err
}

func (b *Broker) recordFailure(ctx context.Context, order schema.Order) {
	if err := b.guard.RecordOrderFailure(ctx, order.Entity, order.Mode); err != nil {
		b.logger.Warn("record order failure",
			observability.F("order_id", order.ID),
			observability.F("error", err))
	}
}

func rejectReason(err error) string {
	var e *errs.E
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	return err.Error()
}

// CancelAndWait requests cancellation and blocks until the order reaches a terminal state or the
// cancel timeout passes. Fills that complete the order first win. A cancel the broker refuses returns
// an order_rejected error with the order still live.
func (b *Broker) CancelAndWait(ctx context.Context, order schema.Order) (schema.Order, error) {
	ch := make(chan cancelOutcome, 1)
	b.addWaiter(order.ID, ch)
	defer b.removeWaiter(order.ID, ch)

	current, err := b.ledger.Get(ctx, order.ID)
	if err != nil {
		return schema.Order{}, err
	}
	if current.State.Terminal() {
		return current, nil
	}
	if err := b.channel.Cancel(ctx, current); err != nil {
		return current, err
	}

	timer := time.NewTimer(b.cfg.CancelTimeout)
	defer timer.Stop()
	select {
	case done := <-ch:
		return done.order, done.err
	case <-ctx.Done():
		return current, ctx.Err()
	case <-timer.C:
	}
	current, err = b.ledger.Get(ctx, order.ID)
	if err != nil {
		return schema.Order{}, err
	}
	if current.State.Terminal() {
		return current, nil
	}
	return current, errs.New(component, errs.CodeConnectivity,
		errs.WithMessage("cancel not confirmed"),
		errs.WithField("order_id", order.ID))
}

func (b *Broker) onTerminal(ctx context.Context, order schema.Order) {
	if order.State == schema.OrderStateRejected && order.RejectReason != schema.RejectGuardHalted {
		b.recordFailure(ctx, order)
	}
	b.wake(order.ID, cancelOutcome{order: order})
}

func (b *Broker) onCancelRejected(_ context.Context, order schema.Order, reason string) {
	if order.State.Terminal() {
		return
	}
	b.wake(order.ID, cancelOutcome{order: order, err: errs.New(component, errs.CodeOrderRejected,
		errs.WithMessage("cancel rejected"),
		errs.WithReasons(reason),
		errs.WithField("order_id", order.ID))})
}

func (b *Broker) wake(orderID string, outcome cancelOutcome) {
	b.waitMu.Lock()
	waiters := b.waiters[orderID]
	delete(b.waiters, orderID)
	b.waitMu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- outcome:
		default:
		}
	}
}

func (b *Broker) addWaiter(orderID string, ch chan cancelOutcome) {
	b.waitMu.Lock()
	b.waiters[orderID] = append(b.waiters[orderID], ch)
	b.waitMu.Unlock()
}

func (b *Broker) removeWaiter(orderID string, ch chan cancelOutcome) {
	b.waitMu.Lock()
	defer b.waitMu.Unlock()
	list := b.waiters[orderID]
	for i, candidate := range list {
		if candidate == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(b.waiters, orderID)
		return
	}
	b.waiters[orderID] = list
}

// Shutdown drains queued submissions.
func (b *Broker) Shutdown(ctx context.Context) error {
	return b.pool.Shutdown(ctx)
}
