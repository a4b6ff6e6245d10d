// Package guard owns the intraday protective state: equity tracking, breach detection and halts.
package guard

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/app/keyed"
	"github.com/coachpo/execguard/internal/app/valuation"
	"github.com/coachpo/execguard/internal/domain/guardstore"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

const component = "guard"

// Valuer supplies current equity.
type Valuer interface {
	CurrentEquity(ctx context.Context, entity string) (valuation.Valuation, error)
}

// Target is one (entity, mode) pair evaluated by the loop.
type Target struct {
	Entity string      `json:"entity"`
	Mode   schema.Mode `json:"mode"`
}

// Guard is the single writer of GuardState. Writes for one (entity, date, mode) are serialised on its key.
type Guard struct {
	store   guardstore.Store
	valuer  Valuer
	cfg     Config
	locks   *keyed.Locker
	logger  observability.Logger
	metrics *telemetry.Instruments
	now     func() time.Time

	mu      sync.RWMutex
	targets map[Target]struct{}
}

// Option configures a Guard.
type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithInstruments attaches metric instruments.
func WithInstruments(inst *telemetry.Instruments) Option {
	return func(g *Guard) { g.metrics = inst }
}

// New constructs a guard.
func New(store guardstore.Store, valuer Valuer, cfg Config, opts ...Option) *Guard {
	cfg.applyDefaults()
	g := &Guard{
		store:   store,
		valuer:  valuer,
		cfg:     cfg,
		locks:   keyed.NewLocker(),
		logger:  observability.Log(),
		now:     time.Now,
		targets: make(map[Target]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Register adds an (entity, mode) pair to the evaluation loop.
func (g *Guard) Register(entity string, mode schema.Mode) {
	g.mu.Lock()
	g.targets[Target{Entity: strings.TrimSpace(entity), Mode: mode}] = struct{}{}
	g.mu.Unlock()
}

// Targets lists the registered pairs.
func (g *Guard) Targets() []Target {
	g.mu.RLock()
	out := make([]Target, 0, len(g.targets))
	for t := range g.targets {
		out = append(out, t)
	}
	g.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Entity != out[j].Entity {
			return out[i].Entity < out[j].Entity
		}
		return out[i].Mode < out[j].Mode
	})
	return out
}

// Thresholds returns the configured limits.
func (g *Guard) Thresholds() Thresholds {
	return g.cfg.Thresholds
}

func (g *Guard) key(entity string, mode schema.Mode) schema.GuardKey {
	return schema.NewGuardKey(entity, mode, g.now(), g.cfg.Location)
}

// State returns today's state. A day without evaluations reads as active and uninitialised.
func (g *Guard) State(ctx context.Context, entity string, mode schema.Mode) (schema.GuardState, error) {
	key := g.key(entity, mode)
	state, found, err := g.store.LoadGuard(ctx, key)
	if err != nil {
		return schema.GuardState{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("load guard state"), errs.WithCause(err))
	}
	if !found {
		return freshState(key, g.now()), nil
	}
	return state, nil
}

// Evaluate values the entity and re-checks every threshold.
func (g *Guard) Evaluate(ctx context.Context, entity string, mode schema.Mode) (schema.GuardState, error) {
	return g.EvaluateWith(ctx, entity, mode, Policy{})
}

// EvaluateWith is Evaluate with threshold overrides for this evaluation only.
func (g *Guard) EvaluateWith(ctx context.Context, entity string, mode schema.Mode, policy Policy) (schema.GuardState, error) {
	if _, ok := schema.ParseMode(string(mode)); !ok || strings.TrimSpace(entity) == "" {
		return schema.GuardState{}, errs.New(component, errs.CodeValidation,
			errs.WithMessage("entity and mode required"), errs.WithField("mode", string(mode)))
	}
	thresholds := g.cfg.Thresholds.Apply(policy)
	key := g.key(entity, mode)

	unlock := g.locks.Lock(key.String())
	defer unlock()

	state, err := g.loadLocked(ctx, key)
	if err != nil {
		return schema.GuardState{}, err
	}
	wasHalted := state.Halted()
	now := g.now().UTC()

	val, valErr := g.valuer.CurrentEquity(ctx, entity)
	if valErr != nil {
		state.Counters.MarketDataErrors++
		state.ValuationErrors = []string{valErr.Error()}
		g.checkCounters(&state, thresholds)
		if err := g.persistLocked(ctx, &state, wasHalted, now); err != nil {
			return state, err
		}
		g.metrics.GuardEvaluation(ctx, entity, string(mode), "none", newReasons(wasHalted, state))
		g.logger.Warn("guard valuation failed",
			observability.F("entity", entity),
			observability.F("mode", mode),
			observability.F("market_data_errors", state.Counters.MarketDataErrors),
			observability.F("error", valErr))
		return state, errs.New(component, errs.CodeConnectivity,
			errs.WithMessage("valuation unavailable"), errs.WithCause(valErr))
	}

	ts := val.Timestamp
	if ts.IsZero() {
		ts = now
	}
	state.LastValuationAt = &ts
	state.ValuationSource = val.Source
	state.ValuationErrors = append([]string(nil), val.Errors...)
	if val.Source == schema.ValuationLocal && primaryFailed(val.Errors) {
		state.Counters.MarketDataErrors++
	}
	g.track(&state, val.Equity)
	g.checkEquity(&state, thresholds)
	g.checkCounters(&state, thresholds)

	if err := g.persistLocked(ctx, &state, wasHalted, now); err != nil {
		return state, err
	}
	g.metrics.GuardEvaluation(ctx, entity, string(mode), string(val.Source), newReasons(wasHalted, state))
	g.logger.Debug("guard evaluated",
		observability.F("key", key.String()),
		observability.F("equity", val.Equity.String()),
		observability.F("source", val.Source),
		observability.F("status", state.Status))
	return state, nil
}

// Check is the synchronous pre-submission gate. It fails closed: a halted guard, or one that cannot be
// evaluated, blocks the submission.
func (g *Guard) Check(ctx context.Context, entity string, mode schema.Mode) error {
	state, err := g.State(ctx, entity, mode)
	if err != nil {
		return blocked(entity, mode, []string{schema.HaltValuationMissing}, err)
	}
	if state.Halted() {
		return blocked(entity, mode, state.HaltReasons, nil)
	}
	fresh := g.cfg.CheckMaxAge > 0 && state.Initialized && !state.UpdatedAt.IsZero() &&
		g.now().Sub(state.UpdatedAt) < g.cfg.CheckMaxAge
	if !fresh {
		state, err = g.Evaluate(ctx, entity, mode)
		if err != nil {
			return blocked(entity, mode, []string{schema.HaltValuationMissing}, err)
		}
	}
	if state.Halted() {
		return blocked(entity, mode, state.HaltReasons, nil)
	}
	return nil
}

func blocked(entity string, mode schema.Mode, reasons []string, cause error) error {
	opts := []errs.Option{
		errs.WithMessage("submissions blocked by intraday guard"),
		errs.WithReasons(reasons...),
		errs.WithField("entity", entity),
		errs.WithField("mode", string(mode)),
	}
	if cause != nil {
		opts = append(opts, errs.WithCause(cause))
	}
	return errs.New(component, errs.CodeGuardHalted, opts...)
}

// RecordRiskTrigger counts a blocked risk decision.
func (g *Guard) RecordRiskTrigger(ctx context.Context, entity string, mode schema.Mode) error {
	return g.bump(ctx, entity, mode, func(c *schema.GuardCounters) { c.RiskTriggers++ })
}

// RecordOrderFailure counts a rejected or failed submission.
func (g *Guard) RecordOrderFailure(ctx context.Context, entity string, mode schema.Mode) error {
	return g.bump(ctx, entity, mode, func(c *schema.GuardCounters) { c.OrderFailures++ })
}

// RecordMarketDataError counts a bridge failure.
func (g *Guard) RecordMarketDataError(ctx context.Context, entity string, mode schema.Mode) error {
	return g.bump(ctx, entity, mode, func(c *schema.GuardCounters) { c.MarketDataErrors++ })
}

func (g *Guard) bump(ctx context.Context, entity string, mode schema.Mode, inc func(*schema.GuardCounters)) error {
	key := g.key(entity, mode)
	unlock := g.locks.Lock(key.String())
	defer unlock()

	state, err := g.loadLocked(ctx, key)
	if err != nil {
		return err
	}
	wasHalted := state.Halted()
	inc(&state.Counters)
	g.checkCounters(&state, g.cfg.Thresholds)
	if err := g.persistLocked(ctx, &state, wasHalted, g.now().UTC()); err != nil {
		return err
	}
	if reasons := newReasons(wasHalted, state); len(reasons) > 0 {
		g.metrics.GuardEvaluation(ctx, entity, string(mode), string(state.ValuationSource), reasons)
	}
	return nil
}

// Reset clears a halt. The next evaluation re-baselines day-start and peak equity at the current equity.
func (g *Guard) Reset(ctx context.Context, entity string, mode schema.Mode, operator string) (schema.GuardState, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return schema.GuardState{}, errs.New(component, errs.CodeValidation, errs.WithMessage("operator required"))
	}
	key := g.key(entity, mode)
	unlock := g.locks.Lock(key.String())
	defer unlock()

	state, err := g.loadLocked(ctx, key)
	if err != nil {
		return schema.GuardState{}, err
	}
	now := g.now().UTC()
	previous := state.HaltReasons
	state.Status = schema.GuardActive
	state.HaltReasons = nil
	state.Counters = schema.GuardCounters{}
	state.Initialized = false
	state.DailyLoss = decimal.Zero
	state.Drawdown = decimal.Zero
	state.HaltedAt = nil
	state.CooldownUntil = nil
	state.ResetBy = operator
	state.ResetAt = &now
	state.UpdatedAt = now
	if err := g.store.SaveGuard(ctx, state); err != nil {
		return schema.GuardState{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("save guard state"), errs.WithCause(err))
	}
	g.logger.Warn("guard reset by operator",
		observability.F("key", key.String()),
		observability.F("operator", operator),
		observability.F("previous_reasons", previous))
	return state, nil
}

// Run evaluates every registered target each interval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) error {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		g.evaluateAll(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (g *Guard) evaluateAll(ctx context.Context) {
	targets := g.Targets()
	if len(targets) == 0 {
		return
	}
	p := pool.New().WithMaxGoroutines(g.cfg.Parallelism)
	for _, target := range targets {
		p.Go(func() {
			if _, err := g.Evaluate(ctx, target.Entity, target.Mode); err != nil {
				g.logger.Warn("guard evaluation failed",
					observability.F("entity", target.Entity),
					observability.F("mode", target.Mode),
					observability.F("error", err))
			}
		})
	}
	p.Wait()
}

func (g *Guard) loadLocked(ctx context.Context, key schema.GuardKey) (schema.GuardState, error) {
	state, found, err := g.store.LoadGuard(ctx, key)
	if err != nil {
		return schema.GuardState{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("load guard state"), errs.WithCause(err))
	}
	if !found {
		return freshState(key, g.now()), nil
	}
	return state, nil
}

func (g *Guard) persistLocked(ctx context.Context, state *schema.GuardState, wasHalted bool, now time.Time) error {
	state.UpdatedAt = now
	if state.Halted() && !wasHalted {
		state.HaltedAt = &now
		until := now.Add(g.cfg.Cooldown)
		state.CooldownUntil = &until
		g.logger.Error("trading halted",
			observability.F("key", state.Key.String()),
			observability.F("reasons", state.HaltReasons),
			observability.F("daily_loss", state.DailyLoss.String()),
			observability.F("drawdown", state.Drawdown.String()))
	}
	if err := g.store.SaveGuard(ctx, *state); err != nil {
		return errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("save guard state"), errs.WithCause(err))
	}
	return nil
}

func (g *Guard) track(state *schema.GuardState, equity decimal.Decimal) {
	if !state.Initialized {
		state.DayStartEquity = equity
		state.PeakEquity = equity
		state.LastEquity = equity
		state.Initialized = true
	} else {
		if equity.GreaterThan(state.PeakEquity) {
			state.PeakEquity = equity
		}
		state.LastEquity = equity
	}
}

func (g *Guard) checkEquity(state *schema.GuardState, t Thresholds) {
	if !state.DayStartEquity.IsPositive() || !state.PeakEquity.IsPositive() {
		halt(state, schema.HaltDayStartNonPositive)
		return
	}
	state.DailyLoss = state.LastEquity.Sub(state.DayStartEquity).Div(state.DayStartEquity)
	state.Drawdown = state.LastEquity.Sub(state.PeakEquity).Div(state.PeakEquity)
	if !t.MaxDailyLoss.IsZero() && state.DailyLoss.LessThanOrEqual(lossLimit(t.MaxDailyLoss)) {
		halt(state, schema.HaltDailyLoss)
	}
	if !t.MaxDrawdown.IsZero() && state.Drawdown.LessThanOrEqual(lossLimit(t.MaxDrawdown)) {
		halt(state, schema.HaltDrawdown)
	}
}

func (g *Guard) checkCounters(state *schema.GuardState, t Thresholds) {
	if t.MaxOrderFailures > 0 && state.Counters.OrderFailures >= t.MaxOrderFailures {
		halt(state, schema.HaltOrderFailures)
	}
	if t.MaxMarketDataErrors > 0 && state.Counters.MarketDataErrors >= t.MaxMarketDataErrors {
		halt(state, schema.HaltMarketDataErrors)
	}
	if t.MaxRiskTriggers > 0 && state.Counters.RiskTriggers >= t.MaxRiskTriggers {
		halt(state, schema.HaltRiskTriggers)
	}
}

func halt(state *schema.GuardState, reason string) {
	state.Status = schema.GuardHalted
	for _, existing := range state.HaltReasons {
		if existing == reason {
			return
		}
	}
	state.HaltReasons = append(state.HaltReasons, reason)
}

func newReasons(wasHalted bool, state schema.GuardState) []string {
	if wasHalted || !state.Halted() {
		return nil
	}
	return state.HaltReasons
}

func primaryFailed(notes []string) bool {
	for _, note := range notes {
		if strings.HasPrefix(note, "primary_unavailable") {
			return true
		}
	}
	return false
}

func freshState(key schema.GuardKey, now time.Time) schema.GuardState {
	return schema.GuardState{
		Key:       key,
		Status:    schema.GuardActive,
		UpdatedAt: now.UTC(),
	}
}
