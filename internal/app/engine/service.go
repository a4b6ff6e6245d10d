// Package engine orchestrates runs: sizing target weights, gating them through risk and the guard,
// entering accepted orders into the ledger and handing them to the broker.
package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/app/guard"
	"github.com/coachpo/execguard/internal/app/keyed"
	"github.com/coachpo/execguard/internal/app/ledger"
	"github.com/coachpo/execguard/internal/app/recovery"
	"github.com/coachpo/execguard/internal/app/risk"
	"github.com/coachpo/execguard/internal/app/valuation"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/runstore"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/observability"
)

const component = "engine"

// Valuer supplies current equity.
type Valuer interface {
	CurrentEquity(ctx context.Context, entity string) (valuation.Valuation, error)
}

// QuoteReader prices symbols the entity does not hold yet.
type QuoteReader interface {
	Quotes(ctx context.Context, symbols []string) (map[string]schema.Quote, error)
}

// Submitter queues an order for the broker.
type Submitter interface {
	Enqueue(ctx context.Context, order schema.Order) error
}

// Recovery runs on-demand sweeps and exposes the audit trail.
type Recovery interface {
	Sweep(ctx context.Context, now time.Time) (recovery.SweepResult, error)
	Attempts(ctx context.Context, query orderstore.RecoveryQuery) ([]schema.RecoveryAttempt, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Runs      runstore.Store
	Ledger    *ledger.Ledger
	Gate      *risk.Gate
	Guard     *guard.Guard
	Valuer    Valuer
	Quotes    QuoteReader
	Submitter Submitter
	Recovery  Recovery
}

// Service is the engine's external API.
type Service struct {
	Deps
	locks  *keyed.Locker
	logger observability.Logger
	now    func() time.Time
	newID  func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// New validates the collaborators and registers the run-completion hook on the ledger.
func New(deps Deps, opts ...Option) (*Service, error) {
	var missing []string
	if deps.Runs == nil {
		missing = append(missing, "runs")
	}
	if deps.Ledger == nil {
		missing = append(missing, "ledger")
	}
	if deps.Gate == nil {
		missing = append(missing, "gate")
	}
	if deps.Guard == nil {
		missing = append(missing, "guard")
	}
	if deps.Valuer == nil {
		missing = append(missing, "valuer")
	}
	if deps.Submitter == nil {
		missing = append(missing, "submitter")
	}
	if len(missing) > 0 {
		return nil, errs.New(component, errs.CodeInvalid,
			errs.WithMessage("missing dependencies"), errs.WithReasons(missing...))
	}
	s := &Service{
		Deps:   deps,
		locks:  keyed.NewLocker(),
		logger: observability.Log(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	deps.Ledger.AddTerminalHook(s.onOrderTerminal)
	return s, nil
}

// CreateRunRequest describes a run to create.
type CreateRunRequest struct {
	Entity         string                     `json:"entity"`
	Mode           schema.Mode                `json:"mode"`
	TargetWeights  map[string]decimal.Decimal `json:"targetWeights"`
	Policy         *schema.RiskPolicy         `json:"policy,omitempty"`
	IdempotencyKey string                     `json:"idempotencyKey,omitempty"`
}

// RunView is a run together with its orders and risk decisions.
type RunView struct {
	Run       schema.Run            `json:"run"`
	Orders    []schema.Order        `json:"orders"`
	Decisions []schema.RiskDecision `json:"decisions,omitempty"`
}

// CreateRun records a run in CREATED. Retrying with the same entity and idempotency key returns the
// stored run with created=false.
func (s *Service) CreateRun(ctx context.Context, req CreateRunRequest) (schema.Run, bool, error) {
	entity := strings.TrimSpace(req.Entity)
	mode, modeOK := schema.ParseMode(string(req.Mode))
	weights, invalid := normaliseWeights(req.TargetWeights)
	if entity == "" {
		invalid = append(invalid, "entity")
	}
	if !modeOK {
		invalid = append(invalid, "mode")
	}
	if len(invalid) > 0 {
		return schema.Run{}, false, errs.New(component, errs.CodeValidation,
			errs.WithMessage("invalid run request"), errs.WithReasons(invalid...))
	}
	key := strings.TrimSpace(req.IdempotencyKey)
	id := s.newID()
	if key == "" {
		key = id
	}
	now := s.now().UTC()
	run := schema.Run{
		ID:             id,
		Entity:         entity,
		Mode:           mode,
		IdempotencyKey: key,
		TargetWeights:  weights,
		Override:       req.Policy,
		Status:         schema.RunCreated,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	stored, created, err := s.Runs.CreateRun(ctx, run)
	if err != nil {
		return schema.Run{}, false, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("create run"), errs.WithCause(err))
	}
	s.Guard.Register(stored.Entity, stored.Mode)
	if created {
		s.logger.Info("run created",
			observability.F("run_id", stored.ID),
			observability.F("entity", stored.Entity),
			observability.F("mode", stored.Mode),
			observability.F("symbols", len(stored.TargetWeights)))
	}
	return stored, created, nil
}

// ExecuteRun evaluates and submits a CREATED run. Calling it again returns the recorded outcome:
// a blocked run keeps returning its blocking error and no orders are ever duplicated. Retryable
// failures (bridge down, missing prices) leave the run in CREATED.
func (s *Service) ExecuteRun(ctx context.Context, runID string) (RunView, error) {
	run, queued, err := s.executeLocked(ctx, runID)
	if err != nil {
		if run.ID == "" {
			return RunView{}, err
		}
		view, viewErr := s.view(ctx, run)
		if viewErr != nil {
			return RunView{Run: run}, err
		}
		return view, err
	}
	for _, order := range queued {
		if err := s.Submitter.Enqueue(ctx, order); err != nil {
			s.logger.Warn("order not queued; left for recovery",
				observability.F("order_id", order.ID),
				observability.F("error", err))
		}
	}
	return s.view(ctx, run)
}

func (s *Service) executeLocked(ctx context.Context, runID string) (schema.Run, []schema.Order, error) {
	unlock := s.locks.Lock(runID)
	defer unlock()

	run, err := s.Runs.GetRun(ctx, runID)
	if err != nil {
		return schema.Run{}, nil, err
	}
	if run.Status != schema.RunCreated {
		return run, nil, outcomeError(run)
	}

	if err := s.Guard.Check(ctx, run.Entity, run.Mode); err != nil {
		state, stateErr := s.Guard.State(ctx, run.Entity, run.Mode)
		if stateErr != nil || !state.Halted() {
			return run, nil, err
		}
		run.Reasons = append([]string{"guard_halted"}, state.HaltReasons...)
		return s.finish(ctx, run, schema.RunBlocked, err)
	}

	val, err := s.Valuer.CurrentEquity(ctx, run.Entity)
	if err != nil {
		s.marketDataError(ctx, run, err)
		return run, nil, err
	}
	prices, err := s.prices(ctx, run, val)
	if err != nil {
		s.marketDataError(ctx, run, err)
		return run, nil, err
	}
	lines := sizeLines(run.TargetWeights, val.Equity, val.Positions, prices)

	committed, err := s.committed(ctx, run)
	if err != nil {
		return run, nil, err
	}
	holdings := make(map[string]decimal.Decimal, len(val.Positions))
	for symbol := range val.Positions {
		holdings[symbol] = val.MarketValue(symbol)
	}
	batch := risk.Batch{
		RunID:     run.ID,
		Entity:    run.Entity,
		Mode:      run.Mode,
		Lines:     lines,
		Holdings:  holdings,
		Committed: committed,
	}
	layers := []schema.RiskPolicy{{PortfolioValue: &val.Equity, AvailableCash: &val.Cash}}
	if run.Override != nil {
		layers = append(layers, *run.Override)
	}
	decision, err := s.Gate.Check(ctx, batch, layers...)
	if err != nil {
		if !errs.Is(err, errs.CodeRiskBlocked) && !errs.Is(err, errs.CodeValidation) {
			return run, nil, err
		}
		run.Decision = &decision
		run.Reasons = decision.Rules()
		return s.finish(ctx, run, schema.RunBlocked, err)
	}
	run.Decision = &decision

	orders := make([]schema.Order, 0, len(lines))
	for _, line := range lines {
		order, _, err := s.Ledger.Submit(ctx, "", schema.OrderSpec{
			RunID:          run.ID,
			Entity:         run.Entity,
			Mode:           run.Mode,
			Symbol:         line.Symbol,
			Side:           line.Side,
			Quantity:       line.Quantity,
			Kind:           schema.OrderKindMarket,
			ReferencePrice: line.Price,
			Reason:         "run",
		})
		if err != nil {
			return run, nil, err
		}
		orders = append(orders, order)
		run.OrderIDs = append(run.OrderIDs, order.ID)
	}
	status := schema.RunSubmitted
	if len(orders) == 0 {
		status = schema.RunCompleted
	}
	run, _, err = s.finish(ctx, run, status, nil)
	if err != nil {
		return run, nil, err
	}
	queued := orders[:0]
	for _, order := range orders {
		if order.State == schema.OrderStateNew && order.BrokerOrderID == "" {
			queued = append(queued, order)
		}
	}
	s.logger.Info("run submitted",
		observability.F("run_id", run.ID),
		observability.F("orders", len(orders)),
		observability.F("equity", val.Equity.String()),
		observability.F("valuation_source", val.Source))
	return run, queued, nil
}

func (s *Service) finish(ctx context.Context, run schema.Run, status schema.RunStatus, cause error) (schema.Run, []schema.Order, error) {
	now := s.now().UTC()
	run.Status = status
	run.UpdatedAt = now
	run.ExecutedAt = &now
	if err := s.Runs.UpdateRun(ctx, run); err != nil {
		return run, nil, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("update run"), errs.WithCause(err))
	}
	if status == schema.RunBlocked {
		s.logger.Warn("run blocked",
			observability.F("run_id", run.ID),
			observability.F("reasons", run.Reasons))
	}
	return run, nil, cause
}

// outcomeError reproduces the error of a run that already finished evaluation.
func outcomeError(run schema.Run) error {
	if run.Status != schema.RunBlocked {
		return nil
	}
	code := errs.CodeRiskBlocked
	if len(run.Reasons) > 0 && run.Reasons[0] == "guard_halted" {
		code = errs.CodeGuardHalted
	} else if len(run.Reasons) == 1 && run.Reasons[0] == risk.RuleMissingField {
		code = errs.CodeValidation
	}
	opts := []errs.Option{
		errs.WithMessage("run was blocked"),
		errs.WithReasons(run.Reasons...),
		errs.WithField("run_id", run.ID),
	}
	if run.Decision != nil {
		opts = append(opts, errs.WithField("decision_id", run.Decision.ID))
		for _, v := range run.Decision.Violations {
			key := v.Rule
			if v.Symbol != "" {
				key += "." + v.Symbol
			}
			opts = append(opts, errs.WithField(key, v.Message))
		}
	}
	return errs.New(component, code, opts...)
}

func (s *Service) prices(ctx context.Context, run schema.Run, val valuation.Valuation) (map[string]decimal.Decimal, error) {
	prices := make(map[string]decimal.Decimal, len(run.TargetWeights))
	var missing []string
	for symbol := range run.TargetWeights {
		if p, ok := val.Prices[symbol]; ok && p.IsPositive() {
			prices[symbol] = p
			continue
		}
		missing = append(missing, symbol)
	}
	if len(missing) == 0 {
		return prices, nil
	}
	if s.Quotes != nil {
		quotes, err := s.Quotes.Quotes(ctx, missing)
		if err != nil {
			return nil, errs.New(component, errs.CodeConnectivity,
				errs.WithMessage("quote lookup failed"), errs.WithCause(err))
		}
		unresolved := missing[:0]
		for _, symbol := range missing {
			if p := quotes[symbol].Price(); p.IsPositive() {
				prices[symbol] = p
				continue
			}
			unresolved = append(unresolved, symbol)
		}
		missing = unresolved
	}
	if len(missing) > 0 {
		return nil, errs.New(component, errs.CodeStaleData,
			errs.WithMessage("no price for target symbols"),
			errs.WithReasons(missing...),
			errs.WithField("run_id", run.ID))
	}
	return prices, nil
}

// marketDataError counts a failed valuation or quote read against the run's guard.
func (s *Service) marketDataError(ctx context.Context, run schema.Run, cause error) {
	if err := s.Guard.RecordMarketDataError(ctx, run.Entity, run.Mode); err != nil {
		s.logger.Warn("market data error not counted",
			observability.F("run_id", run.ID),
			observability.F("entity", run.Entity),
			observability.F("cause", cause),
			observability.F("error", err))
	}
}

// committed is the remaining notional of the entity's open orders in this mode.
func (s *Service) committed(ctx context.Context, run schema.Run) (decimal.Decimal, error) {
	open, err := s.Ledger.List(ctx, orderstore.OrderQuery{
		Entity: run.Entity,
		Mode:   run.Mode,
		States: schema.OpenStates(),
	})
	if err != nil {
		return decimal.Zero, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("list open orders"), errs.WithCause(err))
	}
	total := decimal.Zero
	for _, order := range open {
		total = total.Add(order.Remaining().Mul(order.ReferencePrice))
	}
	return total, nil
}

func (s *Service) onOrderTerminal(ctx context.Context, order schema.Order) {
	if order.RunID == "" {
		return
	}
	unlock := s.locks.Lock(order.RunID)
	defer unlock()

	run, err := s.Runs.GetRun(ctx, order.RunID)
	if err != nil || run.Status != schema.RunSubmitted {
		return
	}
	orders, err := s.Ledger.List(ctx, orderstore.OrderQuery{RunID: run.ID})
	if err != nil {
		s.logger.Warn("run completion check failed", observability.F("run_id", run.ID), observability.F("error", err))
		return
	}
	for _, o := range orders {
		if !o.State.Terminal() {
			return
		}
	}
	run.Status = schema.RunCompleted
	run.UpdatedAt = s.now().UTC()
	if err := s.Runs.UpdateRun(ctx, run); err != nil {
		s.logger.Warn("run completion not saved", observability.F("run_id", run.ID), observability.F("error", err))
		return
	}
	s.logger.Info("run completed", observability.F("run_id", run.ID), observability.F("orders", len(orders)))
}

// RunStatus returns the run with its orders and risk decisions.
func (s *Service) RunStatus(ctx context.Context, runID string) (RunView, error) {
	run, err := s.Runs.GetRun(ctx, runID)
	if err != nil {
		return RunView{}, err
	}
	return s.view(ctx, run)
}

func (s *Service) view(ctx context.Context, run schema.Run) (RunView, error) {
	orders, err := s.Ledger.List(ctx, orderstore.OrderQuery{RunID: run.ID})
	if err != nil {
		return RunView{}, err
	}
	decisions, err := s.Runs.ListDecisions(ctx, run.ID)
	if err != nil {
		return RunView{}, err
	}
	return RunView{Run: run, Orders: orders, Decisions: decisions}, nil
}

// ListOrders returns the orders of a run, replacements included.
func (s *Service) ListOrders(ctx context.Context, runID string) ([]schema.Order, error) {
	if _, err := s.Runs.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return s.Ledger.List(ctx, orderstore.OrderQuery{RunID: runID})
}

// GuardState returns today's guard state.
func (s *Service) GuardState(ctx context.Context, entity string, mode schema.Mode) (schema.GuardState, error) {
	return s.Guard.State(ctx, entity, mode)
}

// EvaluateGuard runs an immediate evaluation with optional threshold overrides.
func (s *Service) EvaluateGuard(ctx context.Context, entity string, mode schema.Mode, policy guard.Policy) (schema.GuardState, error) {
	s.Guard.Register(entity, mode)
	return s.Guard.EvaluateWith(ctx, entity, mode, policy)
}

// ResetGuard clears a halt on behalf of an operator.
func (s *Service) ResetGuard(ctx context.Context, entity string, mode schema.Mode, operator string) (schema.GuardState, error) {
	return s.Guard.Reset(ctx, entity, mode, operator)
}

// TriggerRecoverySweep runs one recovery sweep now.
func (s *Service) TriggerRecoverySweep(ctx context.Context) (recovery.SweepResult, error) {
	if s.Recovery == nil {
		return recovery.SweepResult{}, errs.New(component, errs.CodeUnavailable, errs.WithMessage("recovery disabled"))
	}
	return s.Recovery.Sweep(ctx, s.now())
}

// RecoveryAttempts lists the recovery audit trail.
func (s *Service) RecoveryAttempts(ctx context.Context, query orderstore.RecoveryQuery) ([]schema.RecoveryAttempt, error) {
	if s.Recovery == nil {
		return nil, errs.New(component, errs.CodeUnavailable, errs.WithMessage("recovery disabled"))
	}
	return s.Recovery.Attempts(ctx, query)
}

// RiskDefaults returns the persisted global risk policy.
func (s *Service) RiskDefaults(ctx context.Context) (schema.RiskPolicy, error) {
	return s.Gate.Defaults(ctx)
}

// UpdateRiskDefaults replaces the global risk policy.
func (s *Service) UpdateRiskDefaults(ctx context.Context, policy schema.RiskPolicy) (schema.RiskPolicy, error) {
	return s.Gate.UpdateDefaults(ctx, policy)
}
