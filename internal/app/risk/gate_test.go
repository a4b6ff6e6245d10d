package risk

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/persistence/memory"
)

type triggerCounter struct {
	calls int
}

func (c *triggerCounter) RecordRiskTrigger(context.Context, string, schema.Mode) error {
	c.calls++
	return nil
}

type failingDecisionStore struct {
	*memory.RunStore
}

func (failingDecisionStore) RecordDecision(context.Context, schema.RiskDecision) error {
	return errors.New("disk full")
}

func TestGateBlocksAndRecords(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	triggers := &triggerCounter{}
	gate := NewGate(store,
		WithSeedDefaults(schema.RiskPolicy{MaxOrderNotional: schema.Dec("20000")}),
		WithTriggerRecorder(triggers))

	decision, err := gate.Check(ctx,
		Batch{RunID: "run-1", Entity: "acct", Mode: schema.ModePaper, Lines: []Line{buy("AAPL", 500, 100)}},
		basePolicy())
	require.Error(t, err)
	require.True(t, errs.Is(err, errs.CodeRiskBlocked))
	require.False(t, decision.Accepted)
	require.NotEmpty(t, decision.ID)
	require.Equal(t, 1, triggers.calls)

	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, []string{RuleMaxOrderNotional}, e.Reasons)
	require.Contains(t, e.Fields, "max_order_notional.AAPL")

	recorded, err := store.ListDecisions(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, recorded, 1)
	require.Equal(t, decision.ID, recorded[0].ID)
}

func TestGateLayersOverridePersistedDefaults(t *testing.T) {
	ctx := context.Background()
	store := memory.NewRunStore()
	gate := NewGate(store, WithSeedDefaults(schema.RiskPolicy{MaxOrderNotional: schema.Dec("1")}))

	_, err := gate.UpdateDefaults(ctx, schema.RiskPolicy{MaxOrderNotional: schema.Dec("20000")})
	require.NoError(t, err)

	override := basePolicy()
	override.MaxOrderNotional = schema.Dec("60000")
	decision, err := gate.Check(ctx, Batch{RunID: "run-2", Lines: []Line{buy("AAPL", 500, 100)}}, override)
	require.NoError(t, err)
	require.True(t, decision.Accepted)
}

func TestGateMissingInputsIsValidation(t *testing.T) {
	gate := NewGate(memory.NewRunStore())
	_, err := gate.Check(context.Background(), Batch{RunID: "run-3"})
	require.True(t, errs.Is(err, errs.CodeValidation))
}

func TestGateFailsClosedWhenAuditFails(t *testing.T) {
	gate := NewGate(failingDecisionStore{memory.NewRunStore()})
	_, err := gate.Check(context.Background(), Batch{RunID: "run-4", Lines: []Line{buy("AAPL", 1, 1)}}, basePolicy())
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestUpdateDefaultsRejectsRuntimeInputs(t *testing.T) {
	gate := NewGate(memory.NewRunStore())
	_, err := gate.UpdateDefaults(context.Background(), schema.RiskPolicy{
		PortfolioValue:   schema.Dec("1"),
		MaxPositionRatio: schema.Dec("-0.1"),
	})
	require.True(t, errs.Is(err, errs.CodeValidation))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.ElementsMatch(t, []string{schema.PolicyPortfolioValue, schema.PolicyMaxPositionRatio}, e.Reasons)
}
