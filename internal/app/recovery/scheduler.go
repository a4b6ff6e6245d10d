// Package recovery detects orders stuck unacknowledged and cancels, then conditionally replaces, them.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

const component = "recovery"

// Trigger and action vocabulary recorded on every attempt.
const (
	TriggerNewTimeout = "new_timeout"

	ActionMark    = "mark"
	ActionCancel  = "cancel"
	ActionReplace = "replace"

	OutcomeOK        = "ok"
	OutcomeConfirmed = "confirmed"
	OutcomeFilled    = "already_filled"
	OutcomeSubmitted = "submitted"
	OutcomeStopped   = "stopped"
	OutcomeFailed    = "failed"
)

// Reasons a cancelled order is not replaced.
const (
	StopPartialFill      = "partial_fill"
	StopRetriesExhausted = "retries_exhausted"
	StopPriceDeviation   = "price_deviation"
	StopPriceUnavailable = "price_unavailable"
	StopOutsideWindow    = "outside_trading_window"
)

// Reasons a timed-out order is left alone.
const (
	SkipAcknowledged     = "acknowledged"
	SkipPartialFill      = "partially_filled"
	SkipNotNew           = "no_longer_new"
	SkipGuardUnavailable = "guard_unavailable"
)

// Ledger is the order API the scheduler mutates through.
type Ledger interface {
	List(ctx context.Context, query orderstore.OrderQuery) ([]schema.Order, error)
	MarkForRecovery(ctx context.Context, orderID string, values map[string]any) (schema.Order, bool, error)
	Submit(ctx context.Context, key string, spec schema.OrderSpec) (schema.Order, bool, error)
}

// AttemptStore persists the audit trail.
type AttemptStore interface {
	RecordRecoveryAttempt(ctx context.Context, attempt schema.RecoveryAttempt) error
	ListRecoveryAttempts(ctx context.Context, query orderstore.RecoveryQuery) ([]schema.RecoveryAttempt, error)
}

// Broker cancels orders and queues replacements.
type Broker interface {
	CancelAndWait(ctx context.Context, order schema.Order) (schema.Order, error)
	Enqueue(ctx context.Context, order schema.Order) error
}

// GuardReader exposes guard status and takes market-data failures.
type GuardReader interface {
	State(ctx context.Context, entity string, mode schema.Mode) (schema.GuardState, error)
	RecordMarketDataError(ctx context.Context, entity string, mode schema.Mode) error
}

// Quoter supplies the current price used for the deviation check and as the replacement's reference.
type Quoter interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Config tunes the sweep.
type Config struct {
	Interval          time.Duration
	NewTimeout        time.Duration
	MaxRetries        int
	MaxPriceDeviation decimal.Decimal
	Window            Window
	BatchLimit        int
	Parallelism       int
}

// SweepResult counts what one sweep did.
type SweepResult struct {
	Cancelled int `json:"cancelled"`
	Replaced  int `json:"replaced"`
	Skipped   int `json:"skipped"`
	Failed    int `json:"failed"`
}

// Scheduler runs recovery sweeps. Sweeps never overlap.
type Scheduler struct {
	ledger   Ledger
	attempts AttemptStore
	broker   Broker
	guard    GuardReader
	quoter   Quoter
	cfg      Config
	logger   observability.Logger
	metrics  *telemetry.Instruments
	now      func() time.Time

	sweepMu sync.Mutex
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithInstruments attaches metric instruments.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(s *Scheduler) { s.metrics = inst }
}

// New constructs a scheduler.
func New(l Ledger, attempts AttemptStore, broker Broker, guard GuardReader, quoter Quoter, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.NewTimeout <= 0 {
		cfg.NewTimeout = 45 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 200
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	s := &Scheduler{
		ledger:   l,
		attempts: attempts,
		broker:   broker,
		guard:    guard,
		quoter:   quoter,
		cfg:      cfg,
		logger:   observability.Log(),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Attempts lists recorded recovery attempts, newest first.
func (s *Scheduler) Attempts(ctx context.Context, query orderstore.RecoveryQuery) ([]schema.RecoveryAttempt, error) {
	return s.attempts.ListRecoveryAttempts(ctx, query)
}

// Run sweeps every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.Sweep(ctx, s.now())
			if err != nil {
				s.logger.Warn("recovery sweep failed", observability.F("error", err))
				continue
			}
			if result != (SweepResult{}) {
				s.logger.Info("recovery sweep",
					observability.F("cancelled", result.Cancelled),
					observability.F("replaced", result.Replaced),
					observability.F("skipped", result.Skipped),
					observability.F("failed", result.Failed))
			}
		}
	}
}

// Sweep processes every order stuck in NEW for longer than the timeout as of now.
func (s *Scheduler) Sweep(ctx context.Context, now time.Time) (SweepResult, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()

	candidates, err := s.ledger.List(ctx, orderstore.OrderQuery{
		States:        []schema.OrderState{schema.OrderStateNew},
		CreatedBefore: now.Add(-s.cfg.NewTimeout),
		Limit:         s.cfg.BatchLimit,
	})
	if err != nil {
		return SweepResult{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("list stalled orders"), errs.WithCause(err))
	}

	var (
		mu     sync.Mutex
		result SweepResult
	)
	tally := func(fn func(*SweepResult)) {
		mu.Lock()
		fn(&result)
		mu.Unlock()
	}
	type guardStatus struct {
		halted bool
		err    error
	}
	guards := make(map[string]guardStatus)
	p := pool.New().WithMaxGoroutines(s.cfg.Parallelism)
	for _, order := range candidates {
		if reason := notStalled(order); reason != "" {
			s.record(ctx, order.ID, ActionMark, OutcomeStopped, "", reason)
			tally(func(r *SweepResult) { r.Skipped++ })
			continue
		}
		guardKey := order.Entity + "|" + string(order.Mode)
		status, seen := guards[guardKey]
		if !seen {
			state, err := s.guard.State(ctx, order.Entity, order.Mode)
			status = guardStatus{halted: err == nil && state.Halted(), err: err}
			guards[guardKey] = status
		}
		if status.err != nil {
			// fail closed: nothing is cancelled or replaced without a readable guard
			s.record(ctx, order.ID, ActionMark, OutcomeStopped, "", SkipGuardUnavailable+": "+status.err.Error())
			tally(func(r *SweepResult) { r.Skipped++ })
			continue
		}
		if status.halted {
			tally(func(r *SweepResult) { r.Skipped++ })
			continue
		}
		p.Go(func() {
			s.recover(ctx, order, now, tally)
		})
	}
	p.Wait()
	return result, nil
}

func (s *Scheduler) recover(ctx context.Context, order schema.Order, now time.Time, tally func(func(*SweepResult))) {
	age := now.Sub(order.CreatedAt).Truncate(time.Second)
	marked, ok, err := s.ledger.MarkForRecovery(ctx, order.ID, map[string]any{
		schema.MetaAutoRecoveryRequested: true,
		schema.MetaRecoveryReason:        TriggerNewTimeout,
	})
	if err != nil {
		s.record(ctx, order.ID, ActionMark, OutcomeFailed, "", err.Error())
		tally(func(r *SweepResult) { r.Failed++ })
		return
	}
	if !ok {
		// acknowledged or filled since the candidate list was read
		s.record(ctx, order.ID, ActionMark, OutcomeStopped, "", notStalled(marked))
		tally(func(r *SweepResult) { r.Skipped++ })
		return
	}
	order = marked
	s.record(ctx, order.ID, ActionMark, OutcomeOK, "", fmt.Sprintf("unacknowledged for %s", age))

	final, err := s.broker.CancelAndWait(ctx, order)
	if err != nil {
		s.record(ctx, order.ID, ActionCancel, OutcomeFailed, "", err.Error())
		tally(func(r *SweepResult) { r.Failed++ })
		s.logger.Warn("recovery cancel failed", observability.F("order_id", order.ID), observability.F("error", err))
		return
	}
	if final.State == schema.OrderStateFilled {
		s.record(ctx, order.ID, ActionCancel, OutcomeFilled, "", "order filled before cancel")
		tally(func(r *SweepResult) { r.Skipped++ })
		return
	}
	s.record(ctx, order.ID, ActionCancel, OutcomeConfirmed, "", string(final.State))
	tally(func(r *SweepResult) { r.Cancelled++ })

	price, reason := s.replaceDecision(ctx, final, now)
	if reason != "" {
		s.record(ctx, order.ID, ActionReplace, OutcomeStopped, "", reason)
		s.logger.Info("stalled order cancelled without replacement",
			observability.F("order_id", order.ID),
			observability.F("reason", reason))
		return
	}

	replacement, _, err := s.ledger.Submit(ctx, "", schema.OrderSpec{
		RunID:           final.RunID,
		Entity:          final.Entity,
		Mode:            final.Mode,
		Symbol:          final.Symbol,
		Side:            final.Side,
		Quantity:        final.Quantity,
		Kind:            final.Kind,
		LimitPrice:      final.LimitPrice,
		ReferencePrice:  price,
		ReplacesOrderID: final.ID,
		Reason:          TriggerNewTimeout,
	})
	if err == nil {
		err = s.broker.Enqueue(ctx, replacement)
	}
	if err != nil {
		s.record(ctx, order.ID, ActionReplace, OutcomeFailed, replacement.ID, err.Error())
		tally(func(r *SweepResult) { r.Failed++ })
		return
	}
	s.record(ctx, order.ID, ActionReplace, OutcomeSubmitted, replacement.ID, replacement.IdempotencyKey)
	tally(func(r *SweepResult) { r.Replaced++ })
	s.logger.Info("stalled order replaced",
		observability.F("order_id", order.ID),
		observability.F("replacement_id", replacement.ID),
		observability.F("attempt", replacement.Attempt))
}

// replaceDecision returns the current price, or the reason the order must not be replaced.
// A fill always wins over the cancel: any filled quantity stops the replacement.
func (s *Scheduler) replaceDecision(ctx context.Context, order schema.Order, now time.Time) (decimal.Decimal, string) {
	if order.FilledQuantity.IsPositive() {
		return decimal.Zero, StopPartialFill
	}
	if order.Attempt-1 >= s.cfg.MaxRetries {
		return decimal.Zero, StopRetriesExhausted
	}
	price := order.ReferencePrice
	if s.quoter != nil {
		quoted, err := s.quoter.Price(ctx, order.Symbol)
		if err != nil {
			if recErr := s.guard.RecordMarketDataError(ctx, order.Entity, order.Mode); recErr != nil {
				s.logger.Warn("market data error not counted",
					observability.F("order_id", order.ID),
					observability.F("error", recErr))
			}
			return decimal.Zero, StopPriceUnavailable
		}
		if !quoted.IsPositive() {
			return decimal.Zero, StopPriceUnavailable
		}
		price = quoted
	}
	if s.cfg.MaxPriceDeviation.IsPositive() && order.ReferencePrice.IsPositive() {
		deviation := price.Sub(order.ReferencePrice).Abs().Div(order.ReferencePrice)
		if deviation.GreaterThan(s.cfg.MaxPriceDeviation) {
			return decimal.Zero, StopPriceDeviation
		}
	}
	if !s.cfg.Window.Contains(now) {
		return decimal.Zero, StopOutsideWindow
	}
	return price, ""
}

// notStalled returns why an order no longer qualifies for recovery, or "" when it still does.
func notStalled(order schema.Order) string {
	switch {
	case order.BrokerOrderID != "":
		return SkipAcknowledged
	case !order.FilledQuantity.IsZero():
		return SkipPartialFill
	case order.State != schema.OrderStateNew:
		return SkipNotNew + ": " + string(order.State)
	default:
		return ""
	}
}

func (s *Scheduler) record(ctx context.Context, orderID, action, outcome, replacementID, detail string) {
	attempt := schema.RecoveryAttempt{
		ID:                 ulid.Make().String(),
		OrderID:            orderID,
		Trigger:            TriggerNewTimeout,
		Action:             action,
		ReplacementOrderID: replacementID,
		Outcome:            outcome,
		Detail:             detail,
		CreatedAt:          s.now().UTC(),
	}
	if err := s.attempts.RecordRecoveryAttempt(ctx, attempt); err != nil {
		s.logger.Error("record recovery attempt",
			observability.F("order_id", orderID),
			observability.F("action", action),
			observability.F("error", err))
	}
	s.metrics.RecoveryAction(ctx, action, outcome)
}
