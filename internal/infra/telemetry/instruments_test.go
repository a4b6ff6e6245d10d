package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInstrumentsRecordCounters(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	inst, err := NewInstruments(provider.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	inst.OrderTransition(ctx, "NEW", "SUBMITTED")
	inst.RiskDecision(ctx, "acct", false, []string{"max_order_notional", "min_cash_buffer"})
	inst.Valuation(ctx, "acct", "local", 5*time.Millisecond, true)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))
	names := make(map[string]bool)
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			names[m.Name] = true
		}
	}
	require.True(t, names[MetricOrderTransitions])
	require.True(t, names[MetricRiskViolations])
	require.True(t, names[MetricValuationFallbacks])
	require.False(t, names[MetricGuardHalts])
}

func TestNilInstrumentsAreNoops(t *testing.T) {
	var inst *Instruments
	inst.OrderSubmitted(context.Background(), "acct", "paper", "AAPL", "BUY")
	inst.RecoveryAction(context.Background(), "cancel", ResultSuccess)
}
