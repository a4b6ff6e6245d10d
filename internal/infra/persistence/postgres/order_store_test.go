package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/internal/domain/guardstore"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/schema"
)

func TestStoresRejectNilPool(t *testing.T) {
	ctx := context.Background()
	orders := NewOrderStore(nil)
	order := schema.Order{ID: "o-1", IdempotencyKey: "run|AAPL|BUY#1", Quantity: decimal.NewFromInt(1)}

	_, _, err := orders.CreateOrder(ctx, order)
	require.Error(t, err)
	require.Error(t, orders.UpdateOrder(ctx, order))
	_, err = orders.RecordFill(ctx, schema.Fill{OrderID: "o-1", ExecID: "E-1"})
	require.Error(t, err)
	require.Error(t, orders.RecordRecoveryAttempt(ctx, schema.RecoveryAttempt{ID: "a-1"}))
	require.Error(t, orders.WithTransaction(ctx, func(context.Context, orderstore.Tx) error { return nil }))
	_, err = orders.ListOrders(ctx, orderstore.OrderQuery{})
	require.Error(t, err)
	_, err = orders.ListRecoveryAttempts(ctx, orderstore.RecoveryQuery{})
	require.Error(t, err)

	runs := NewRunStore(nil)
	_, _, err = runs.CreateRun(ctx, schema.Run{ID: "r-1"})
	require.Error(t, err)
	_, _, err = runs.LoadRiskDefaults(ctx)
	require.Error(t, err)

	guards := NewGuardStore(nil)
	_, _, err = guards.LoadGuard(ctx, schema.GuardKey{Entity: "acct-1"})
	require.Error(t, err)
	_, err = guards.ListGuards(ctx, guardstore.Query{})
	require.Error(t, err)
}

func TestOrderArgsEncodesOptionalColumns(t *testing.T) {
	limit := decimal.RequireFromString("101.25")
	now := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	args, err := orderArgs(schema.Order{
		ID:             "o-1",
		Quantity:       decimal.NewFromInt(10),
		LimitPrice:     &limit,
		ReferencePrice: decimal.RequireFromString("100.5"),
		CreatedAt:      now,
		SubmittedAt:    &now,
		Metadata:       map[string]any{schema.MetaReplaces: "o-0"},
	})
	require.NoError(t, err)
	require.Equal(t, "10", args["quantity"])
	require.Equal(t, "101.25", args["limit_price"])
	require.Equal(t, "100.5", args["reference_price"])
	require.Nil(t, args["broker_order_id"])
	require.Nil(t, args["completed_at"])
	require.Equal(t, now, args["submitted_at"])
	require.JSONEq(t, `{"replaces":"o-0"}`, string(args["metadata"].([]byte)))
}

func TestClampLimitAndStates(t *testing.T) {
	require.Equal(t, 50, clampLimit(0, 50, 100))
	require.Equal(t, 100, clampLimit(500, 50, 100))
	require.Equal(t, 7, clampLimit(7, 50, 100))
	require.Equal(t, []string{"NEW", "PARTIAL"}, normalizedStates([]schema.OrderState{"new", " ", schema.OrderStatePartial}))
	require.Nil(t, normalizedStates(nil))
}
