package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments groups the engine's counters and histograms. A nil *Instruments records nothing.
type Instruments struct {
	ordersSubmitted     metric.Int64Counter
	orderTransitions    metric.Int64Counter
	illegalTransitions  metric.Int64Counter
	fillsApplied        metric.Int64Counter
	fillsDuplicate      metric.Int64Counter
	riskDecisions       metric.Int64Counter
	riskViolations      metric.Int64Counter
	guardEvaluations    metric.Int64Counter
	guardHalts          metric.Int64Counter
	valuationFallbacks  metric.Int64Counter
	valuationLatency    metric.Float64Histogram
	recoveryActions     metric.Int64Counter
	submitLatency       metric.Float64Histogram
	brokerEventsDropped metric.Int64Counter
}

// NewInstruments registers the engine instruments on meter. A nil meter uses the global provider.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	if meter == nil {
		meter = otel.Meter("execguard")
	}
	var (
		inst Instruments
		err  error
	)
	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&inst.ordersSubmitted, MetricOrdersSubmitted, "Orders accepted into the ledger"},
		{&inst.orderTransitions, MetricOrderTransitions, "Applied order state transitions"},
		{&inst.illegalTransitions, MetricIllegalTransitions, "Rejected order state transitions"},
		{&inst.fillsApplied, MetricFillsApplied, "Fills applied to orders"},
		{&inst.fillsDuplicate, MetricFillsDuplicate, "Fills ignored because the exec id was already recorded"},
		{&inst.riskDecisions, MetricRiskDecisions, "Risk gate decisions"},
		{&inst.riskViolations, MetricRiskViolations, "Triggered risk rules"},
		{&inst.guardEvaluations, MetricGuardEvaluations, "Intraday guard evaluations"},
		{&inst.guardHalts, MetricGuardHalts, "Intraday guard halts"},
		{&inst.valuationFallbacks, MetricValuationFallbacks, "Valuations served from the local fallback"},
		{&inst.recoveryActions, MetricRecoveryActions, "Recovery scheduler actions"},
		{&inst.brokerEventsDropped, MetricBrokerEventsDropped, "Broker events dropped because no order matched"},
	}
	for _, c := range counters {
		*c.target, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("1"))
		if err != nil {
			return nil, err
		}
	}
	inst.valuationLatency, err = meter.Float64Histogram(MetricValuationLatency,
		metric.WithDescription("Valuation fetch duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	inst.submitLatency, err = meter.Float64Histogram(MetricSubmitLatency,
		metric.WithDescription("Broker submission duration"), metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	return &inst, nil
}

func add(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(WithEnvironment(attrs...)...))
}

// OrderSubmitted counts an order accepted into the ledger.
func (i *Instruments) OrderSubmitted(ctx context.Context, entity, mode, symbol, side string) {
	if i == nil {
		return
	}
	i.ordersSubmitted.Add(ctx, 1, metric.WithAttributes(OrderAttributes(entity, mode, symbol, side)...))
}

// OrderTransition counts an applied state change.
func (i *Instruments) OrderTransition(ctx context.Context, from, to string) {
	if i == nil {
		return
	}
	add(ctx, i.orderTransitions, AttrFromState.String(from), AttrOrderState.String(to))
}

// IllegalTransition counts a refused state change.
func (i *Instruments) IllegalTransition(ctx context.Context, from, to string) {
	if i == nil {
		return
	}
	add(ctx, i.illegalTransitions, AttrFromState.String(from), AttrOrderState.String(to))
}

// FillApplied counts an applied or duplicate fill.
func (i *Instruments) FillApplied(ctx context.Context, symbol string, duplicate bool) {
	if i == nil {
		return
	}
	if duplicate {
		add(ctx, i.fillsDuplicate, AttrSymbol.String(symbol))
		return
	}
	add(ctx, i.fillsApplied, AttrSymbol.String(symbol))
}

// RiskDecision counts a decision and each of its triggered rules.
func (i *Instruments) RiskDecision(ctx context.Context, entity string, accepted bool, rules []string) {
	if i == nil {
		return
	}
	result := ResultSuccess
	if !accepted {
		result = ResultBlocked
	}
	add(ctx, i.riskDecisions, AttrEntity.String(entity), AttrResult.String(result))
	for _, rule := range rules {
		add(ctx, i.riskViolations, AttrEntity.String(entity), AttrRule.String(rule))
	}
}

// GuardEvaluation counts a guard evaluation and, when halted, each halt reason.
func (i *Instruments) GuardEvaluation(ctx context.Context, entity, mode, source string, haltReasons []string) {
	if i == nil {
		return
	}
	add(ctx, i.guardEvaluations, AttrEntity.String(entity), AttrMode.String(mode), AttrSource.String(source))
	for _, reason := range haltReasons {
		add(ctx, i.guardHalts, AttrEntity.String(entity), AttrMode.String(mode), AttrReason.String(reason))
	}
}

// Valuation records a valuation fetch and whether it fell back to the local source.
func (i *Instruments) Valuation(ctx context.Context, entity, source string, elapsed time.Duration, fallback bool) {
	if i == nil {
		return
	}
	attrs := WithEnvironment(AttrEntity.String(entity), AttrSource.String(source))
	i.valuationLatency.Record(ctx, float64(elapsed.Microseconds())/1000, metric.WithAttributes(attrs...))
	if fallback {
		i.valuationFallbacks.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecoveryAction counts a recovery step.
func (i *Instruments) RecoveryAction(ctx context.Context, action, result string) {
	if i == nil {
		return
	}
	add(ctx, i.recoveryActions, AttrAction.String(action), AttrResult.String(result))
}

// Submission records a broker submission round trip.
func (i *Instruments) Submission(ctx context.Context, channel, result string, elapsed time.Duration) {
	if i == nil {
		return
	}
	i.submitLatency.Record(ctx, float64(elapsed.Microseconds())/1000,
		metric.WithAttributes(WithEnvironment(AttrChannel.String(channel), AttrResult.String(result))...))
}

// BrokerEventDropped counts an event that matched no order.
func (i *Instruments) BrokerEventDropped(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	add(ctx, i.brokerEventsDropped, AttrReason.String(reason))
}
