package telemetry

import "go.opentelemetry.io/otel/attribute"

// Attribute keys attached to engine metrics.
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrEntity identifies the account or book.
	AttrEntity = attribute.Key("entity")
	// AttrMode separates paper and live books.
	AttrMode = attribute.Key("mode")
	// AttrSymbol captures the tradable instrument symbol.
	AttrSymbol = attribute.Key("symbol")
	// AttrOrderSide labels order telemetry with BUY/SELL intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderState captures the lifecycle state an order moved into.
	AttrOrderState = attribute.Key("order.state")
	// AttrFromState captures the state an order left.
	AttrFromState = attribute.Key("order.from_state")
	// AttrRule names a triggered risk rule.
	AttrRule = attribute.Key("risk.rule")
	// AttrReason provides the halt or recovery reason.
	AttrReason = attribute.Key("reason")
	// AttrAction names a recovery action (cancel, replace, report).
	AttrAction = attribute.Key("action")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrSource tags the valuation source (primary, local).
	AttrSource = attribute.Key("valuation.source")
	// AttrChannel names the execution channel (simulated, live).
	AttrChannel = attribute.Key("channel")
	// AttrPool names a database connection pool.
	AttrPool = attribute.Key("db.pool")
	// AttrConnState labels pool connections as idle, acquired or constructing.
	AttrConnState = attribute.Key("db.conn.state")
)

// Metric names.
const (
	MetricOrdersSubmitted     = "execguard.orders.submitted"
	MetricOrderTransitions    = "execguard.orders.transitions"
	MetricIllegalTransitions  = "execguard.orders.illegal_transitions"
	MetricFillsApplied        = "execguard.fills.applied"
	MetricFillsDuplicate      = "execguard.fills.duplicate"
	MetricRiskDecisions       = "execguard.risk.decisions"
	MetricRiskViolations      = "execguard.risk.violations"
	MetricGuardEvaluations    = "execguard.guard.evaluations"
	MetricGuardHalts          = "execguard.guard.halts"
	MetricValuationFallbacks  = "execguard.valuation.fallbacks"
	MetricValuationLatency    = "execguard.valuation.duration"
	MetricRecoveryActions     = "execguard.recovery.actions"
	MetricSubmitLatency       = "execguard.execution.submit.duration"
	MetricBrokerEventsDropped = "execguard.execution.events_dropped"
	MetricMigrationsApplied   = "execguard.migrations.applied"
	MetricPoolConnections     = "execguard.db.pool.connections"
	MetricPoolMaxConnections  = "execguard.db.pool.max_connections"
	MetricPoolEmptyAcquires   = "execguard.db.pool.empty_acquires"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultBlocked = "blocked"
	ResultSkipped = "skipped"
)

// WithEnvironment prepends the environment attribute.
func WithEnvironment(attrs ...attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs)+1)
	out = append(out, AttrEnvironment.String(Environment()))
	return append(out, attrs...)
}

// OrderAttributes returns attributes for order metrics.
func OrderAttributes(entity, mode, symbol, side string) []attribute.KeyValue {
	attrs := WithEnvironment(AttrEntity.String(entity), AttrMode.String(mode))
	if symbol != "" {
		attrs = append(attrs, AttrSymbol.String(symbol))
	}
	if side != "" {
		attrs = append(attrs, AttrOrderSide.String(side))
	}
	return attrs
}
