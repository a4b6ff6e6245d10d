package risk

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

const component = "risk"

// PolicyStore persists global defaults and the decision audit trail.
type PolicyStore interface {
	LoadRiskDefaults(ctx context.Context) (schema.RiskPolicy, bool, error)
	SaveRiskDefaults(ctx context.Context, policy schema.RiskPolicy) error
	RecordDecision(ctx context.Context, decision schema.RiskDecision) error
}

// TriggerRecorder receives a notification for every blocked batch.
type TriggerRecorder interface {
	RecordRiskTrigger(ctx context.Context, entity string, mode schema.Mode) error
}

// Gate merges policies, evaluates batches and audits every decision.
type Gate struct {
	store    PolicyStore
	seed     schema.RiskPolicy
	triggers TriggerRecorder
	logger   observability.Logger
	metrics  *telemetry.Instruments
	now      func() time.Time
}

// GateOption configures a Gate.
type GateOption func(*Gate)

// WithSeedDefaults sets the defaults used while none are persisted.
func WithSeedDefaults(policy schema.RiskPolicy) GateOption {
	return func(g *Gate) { g.seed = policy }
}

// WithTriggerRecorder wires the guard's risk-trigger counter.
func WithTriggerRecorder(rec TriggerRecorder) GateOption {
	return func(g *Gate) { g.triggers = rec }
}

// WithGateLogger overrides the logger.
func WithGateLogger(logger observability.Logger) GateOption {
	return func(g *Gate) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithGateInstruments attaches metric instruments.
func WithGateInstruments(inst *telemetry.Instruments) GateOption {
	return func(g *Gate) { g.metrics = inst }
}

// WithGateClock overrides the time source.
func WithGateClock(now func() time.Time) GateOption {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// NewGate constructs a gate over store.
func NewGate(store PolicyStore, opts ...GateOption) *Gate {
	g := &Gate{
		store:  store,
		logger: observability.Log(),
		now:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	return g
}

// Defaults returns the persisted global defaults, or the seed when nothing is persisted.
func (g *Gate) Defaults(ctx context.Context) (schema.RiskPolicy, error) {
	policy, found, err := g.store.LoadRiskDefaults(ctx)
	if err != nil {
		return schema.RiskPolicy{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("load risk defaults"), errs.WithCause(err))
	}
	if !found {
		return g.seed, nil
	}
	return policy, nil
}

// UpdateDefaults replaces the persisted global defaults. Runtime inputs are not accepted as defaults.
func (g *Gate) UpdateDefaults(ctx context.Context, policy schema.RiskPolicy) (schema.RiskPolicy, error) {
	var reasons []string
	reasons = append(reasons, policy.Invalid...)
	if policy.PortfolioValue != nil {
		reasons = append(reasons, schema.PolicyPortfolioValue)
	}
	if policy.AvailableCash != nil {
		reasons = append(reasons, schema.PolicyAvailableCash)
	}
	limits := []struct {
		name  string
		value *decimal.Decimal
	}{
		{schema.PolicyMaxOrderNotional, policy.MaxOrderNotional},
		{schema.PolicyMaxPositionRatio, policy.MaxPositionRatio},
		{schema.PolicyMaxRunNotional, policy.MaxRunNotional},
		{schema.PolicyMinCashBufferRatio, policy.MinCashBufferRatio},
	}
	for _, limit := range limits {
		if limit.value != nil && limit.value.IsNegative() {
			reasons = append(reasons, limit.name)
		}
	}
	if policy.MaxSymbolCount != nil && *policy.MaxSymbolCount < 0 {
		reasons = append(reasons, schema.PolicyMaxSymbolCount)
	}
	if len(reasons) > 0 {
		return schema.RiskPolicy{}, errs.New(component, errs.CodeValidation,
			errs.WithMessage("invalid risk defaults"), errs.WithReasons(reasons...))
	}
	if err := g.store.SaveRiskDefaults(ctx, policy); err != nil {
		return schema.RiskPolicy{}, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("save risk defaults"), errs.WithCause(err))
	}
	g.logger.Info("risk defaults updated")
	return policy, nil
}

// Check evaluates the batch under defaults merged with the given layers (later layers win), records
// the decision and, when blocked, bumps the guard's risk-trigger counter. A blocked batch returns the
// decision together with a risk_blocked (or validation, for missing inputs) error.
func (g *Gate) Check(ctx context.Context, batch Batch, layers ...schema.RiskPolicy) (schema.RiskDecision, error) {
	policy, err := g.Defaults(ctx)
	if err != nil {
		return schema.RiskDecision{}, err
	}
	for _, layer := range layers {
		policy = Merge(policy, layer)
	}

	decision := Evaluate(batch, policy)
	decision.ID = ulid.Make().String()
	decision.DecidedAt = g.now().UTC()

	if err := g.store.RecordDecision(ctx, decision); err != nil {
		// an unaudited decision must not let orders through
		return decision, errs.New(component, errs.CodeUnavailable,
			errs.WithMessage("record risk decision"), errs.WithCause(err))
	}
	rules := decision.Rules()
	g.metrics.RiskDecision(ctx, batch.Entity, decision.Accepted, rules)
	if decision.Accepted {
		g.logger.Info("risk batch accepted",
			observability.F("run_id", batch.RunID),
			observability.F("decision_id", decision.ID),
			observability.F("orders", len(batch.Lines)))
		return decision, nil
	}

	g.logger.Warn("risk batch blocked",
		observability.F("run_id", batch.RunID),
		observability.F("decision_id", decision.ID),
		observability.F("rules", rules))
	if g.triggers != nil {
		if err := g.triggers.RecordRiskTrigger(ctx, batch.Entity, batch.Mode); err != nil {
			g.logger.Error("record risk trigger", observability.F("entity", batch.Entity), observability.F("error", err))
		}
	}
	code := errs.CodeRiskBlocked
	if len(rules) == 1 && rules[0] == RuleMissingField {
		code = errs.CodeValidation
	}
	opts := []errs.Option{
		errs.WithMessage("batch blocked by risk policy"),
		errs.WithReasons(rules...),
		errs.WithField("run_id", batch.RunID),
		errs.WithField("decision_id", decision.ID),
	}
	for _, v := range decision.Violations {
		key := v.Rule
		if v.Symbol != "" {
			key += "." + v.Symbol
		} else if v.Field != "" && v.Rule == RuleMissingField {
			key += "." + v.Field
		}
		opts = append(opts, errs.WithField(key, v.Message))
	}
	return decision, errs.New(component, code, opts...)
}
