package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/internal/domain/schema"
)

func basePolicy() schema.RiskPolicy {
	return schema.RiskPolicy{
		PortfolioValue: schema.Dec("100000"),
		AvailableCash:  schema.Dec("60000"),
	}
}

func buy(symbol string, qty, price int64) Line {
	return Line{Symbol: symbol, Side: schema.SideBuy, Quantity: decimal.NewFromInt(qty), Price: decimal.NewFromInt(price)}
}

func TestEvaluateBlocksOrderNotional(t *testing.T) {
	policy := basePolicy()
	policy.MaxOrderNotional = schema.Dec("20000")

	decision := Evaluate(Batch{RunID: "r", Lines: []Line{buy("AAPL", 500, 100)}}, policy)
	require.False(t, decision.Accepted)
	require.Equal(t, []string{RuleMaxOrderNotional}, decision.Rules())
	require.Equal(t, "50000", decision.Violations[0].Value)
	require.Equal(t, "20000", decision.Violations[0].Limit)
	require.Equal(t, "AAPL", decision.Violations[0].Symbol)
}

func TestEvaluateMissingFieldStopsEvaluation(t *testing.T) {
	policy := schema.RiskPolicy{
		AvailableCash:    schema.Dec("10"),
		MaxOrderNotional: schema.Dec("1"),
		Invalid:          []string{schema.PolicyPortfolioValue},
	}
	decision := Evaluate(Batch{Lines: []Line{buy("AAPL", 500, 100)}}, policy)
	require.False(t, decision.Accepted)
	require.Equal(t, []string{RuleMissingField}, decision.Rules())
	require.Len(t, decision.Violations, 1)
	require.Equal(t, schema.PolicyPortfolioValue, decision.Violations[0].Field)
}

func TestEvaluateMissingBothInputs(t *testing.T) {
	decision := Evaluate(Batch{}, schema.RiskPolicy{})
	require.Len(t, decision.Violations, 2)
}

func TestEvaluateCollectsAllViolations(t *testing.T) {
	policy := basePolicy()
	policy.MaxOrderNotional = schema.Dec("20000")
	policy.MaxPositionRatio = schema.Dec("0.2")
	policy.MaxRunNotional = schema.Dec("40000")
	policy.MaxSymbolCount = schema.Int(1)
	policy.MinCashBufferRatio = schema.Dec("0.1")

	batch := Batch{
		Lines: []Line{buy("AAPL", 300, 100), buy("MSFT", 100, 300)},
		Holdings: map[string]decimal.Decimal{
			"AAPL": decimal.NewFromInt(5000),
		},
		Committed: decimal.NewFromInt(5000),
	}
	decision := Evaluate(batch, policy)
	require.False(t, decision.Accepted)
	require.Equal(t, []string{
		RuleMaxOrderNotional,
		RuleMaxPositionRatio,
		RuleMaxRunNotional,
		RuleMaxSymbolCount,
		RuleMinCashBuffer,
	}, decision.Rules())
	require.Equal(t, "60000", decision.Values["runNotional"])
	require.Equal(t, "5000", decision.Values["committedNotional"])
	require.Equal(t, "0", decision.Values["cashAfter"])
	require.Equal(t, "2", decision.Values["symbolCount"])
}

func TestEvaluateAcceptsWithinLimits(t *testing.T) {
	policy := basePolicy()
	policy.MaxOrderNotional = schema.Dec("20000")
	policy.MaxPositionRatio = schema.Dec("0.3")
	policy.MinCashBufferRatio = schema.Dec("0.05")

	decision := Evaluate(Batch{Lines: []Line{buy("AAPL", 100, 150)}}, policy)
	require.True(t, decision.Accepted)
	require.Empty(t, decision.Violations)
	require.Equal(t, "0.150000", decision.Values["positionRatio.AAPL"])
}

func TestSellsRestoreCashBuffer(t *testing.T) {
	policy := basePolicy()
	policy.AvailableCash = schema.Dec("0")
	policy.MinCashBufferRatio = schema.Dec("0.05")

	sell := Line{Symbol: "AAPL", Side: schema.SideSell, Quantity: decimal.NewFromInt(100), Price: decimal.NewFromInt(100)}
	decision := Evaluate(Batch{
		Lines:    []Line{sell},
		Holdings: map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(20000)},
	}, policy)
	require.True(t, decision.Accepted, decision.Violations)
	require.Equal(t, "10000", decision.Values["cashAfter"])
}
