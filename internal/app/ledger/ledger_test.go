package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/persistence/memory"
)

func newTestLedger(t *testing.T, opts ...Option) (*Ledger, *memory.OrderStore) {
	t.Helper()
	store := memory.NewOrderStore()
	var seq int
	var mu sync.Mutex
	base := []Option{
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			seq++
			return fmt.Sprintf("ord-%d", seq)
		}),
		WithClock(func() time.Time { return time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC) }),
	}
	return New(store, append(base, opts...)...), store
}

func buySpec(qty int64) schema.OrderSpec {
	return schema.OrderSpec{
		RunID:          "run-1",
		Entity:         "acct",
		Mode:           schema.ModePaper,
		Symbol:         "aapl",
		Side:           schema.SideBuy,
		Quantity:       decimal.NewFromInt(qty),
		ReferencePrice: decimal.NewFromInt(100),
	}
}

func TestSubmitIsIdempotentPerKey(t *testing.T) {
	ctx := context.Background()
	l, store := newTestLedger(t)

	first, created, err := l.Submit(ctx, "rebalance-42", buySpec(20))
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, "rebalance-42#1", first.IdempotencyKey)
	require.Equal(t, schema.OrderStateNew, first.State)
	require.Equal(t, "AAPL", first.Symbol)

	second, created, err := l.Submit(ctx, "rebalance-42", buySpec(20))
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)

	all, err := store.ListOrders(ctx, orderQueryAll())
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSubmitDerivesBaseKey(t *testing.T) {
	l, _ := newTestLedger(t)
	order, _, err := l.Submit(context.Background(), "", buySpec(5))
	require.NoError(t, err)
	require.Equal(t, "run-1:AAPL:BUY", order.BaseKey)
	require.Equal(t, "run-1:AAPL:BUY#1", order.IdempotencyKey)
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	l, _ := newTestLedger(t)
	spec := buySpec(0)
	spec.Side = "HOLD"
	_, _, err := l.Submit(context.Background(), "", spec)
	require.True(t, errs.Is(err, errs.CodeValidation))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.ElementsMatch(t, []string{"side", "quantity"}, e.Reasons)
}

func TestReplacementUsesNextAttempt(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	original, _, err := l.Submit(ctx, "", buySpec(10))
	require.NoError(t, err)

	spec := buySpec(10)
	spec.ReplacesOrderID = original.ID
	replacement, created, err := l.Submit(ctx, "", spec)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, 2, replacement.Attempt)
	require.Equal(t, original.BaseKey+"#2", replacement.IdempotencyKey)
	require.Equal(t, original.ID, replacement.Metadata[schema.MetaReplaces])

	reloaded, err := l.Get(ctx, original.ID)
	require.NoError(t, err)
	require.Equal(t, replacement.ID, reloaded.Metadata[schema.MetaReplacedBy])

	again, created, err := l.Submit(ctx, "", spec)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, replacement.ID, again.ID)
}

func TestApplyEventStateMachine(t *testing.T) {
	ctx := context.Background()
	var terminal []string
	l, _ := newTestLedger(t, WithTerminalHook(func(_ context.Context, o schema.Order) {
		terminal = append(terminal, o.ID)
	}))
	order, _, err := l.Submit(ctx, "", buySpec(10))
	require.NoError(t, err)

	ack, err := l.ApplyEvent(ctx, order.ID, schema.BrokerEvent{Type: schema.BrokerEventSubmitted, BrokerOrderID: "B-1"})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateSubmitted, ack.State)
	require.Equal(t, "B-1", ack.BrokerOrderID)
	require.NotNil(t, ack.SubmittedAt)

	dup, err := l.ApplyEvent(ctx, order.ID, schema.BrokerEvent{Type: schema.BrokerEventSubmitted})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateSubmitted, dup.State)

	canceled, err := l.ApplyEvent(ctx, order.ID, schema.BrokerEvent{Type: schema.BrokerEventCanceled})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateCanceled, canceled.State)
	require.NotNil(t, canceled.CompletedAt)
	require.Equal(t, []string{order.ID}, terminal)

	_, err = l.ApplyEvent(ctx, order.ID, schema.BrokerEvent{Type: schema.BrokerEventSubmitted})
	require.True(t, errs.Is(err, errs.CodeIllegalTransition))

	stored, err := l.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateCanceled, stored.State)
}

func TestRejectRecordsReason(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	order, _, err := l.Submit(ctx, "", buySpec(10))
	require.NoError(t, err)

	rejected, err := l.ApplyEvent(ctx, order.ID, schema.BrokerEvent{Type: schema.BrokerEventRejected, Reason: "insufficient buying power"})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateRejected, rejected.State)
	require.Equal(t, "insufficient buying power", rejected.RejectReason)
}

func TestCancelRejectedKeepsStateAndNotifies(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	var (
		mu      sync.Mutex
		reasons []string
	)
	l.AddCancelRejectedHook(func(_ context.Context, order schema.Order, reason string) {
		mu.Lock()
		reasons = append(reasons, order.ID+":"+reason)
		mu.Unlock()
	})
	terminal := 0
	l.AddTerminalHook(func(context.Context, schema.Order) { terminal++ })

	order, _, err := l.Submit(ctx, "", buySpec(10))
	require.NoError(t, err)
	_, err = l.ApplyEvent(ctx, order.ID, schema.BrokerEvent{Type: schema.BrokerEventSubmitted, BrokerOrderID: "B-9"})
	require.NoError(t, err)

	got, err := l.ApplyClientEvent(ctx, schema.BrokerEvent{
		Type:          schema.BrokerEventCancelRejected,
		ClientOrderID: order.ClientOrderID,
		Reason:        " too late to cancel ",
	})
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateSubmitted, got.State)
	require.Empty(t, got.RejectReason)
	require.Zero(t, terminal)
	mu.Lock()
	require.Equal(t, []string{order.ID + ":too late to cancel"}, reasons)
	mu.Unlock()
}

func TestMarkForRecoveryRechecksUnderLock(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLedger(t)
	values := map[string]any{schema.MetaAutoRecoveryRequested: true}

	fresh, _, err := l.Submit(ctx, "fresh", buySpec(10))
	require.NoError(t, err)
	marked, ok, err := l.MarkForRecovery(ctx, fresh.ID, values)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, marked.MetaBool(schema.MetaAutoRecoveryRequested))

	acked, _, err := l.Submit(ctx, "acked", buySpec(10))
	require.NoError(t, err)
	_, err = l.ApplyEvent(ctx, acked.ID, schema.BrokerEvent{Type: schema.BrokerEventSubmitted, BrokerOrderID: "B-1"})
	require.NoError(t, err)
	got, ok, err := l.MarkForRecovery(ctx, acked.ID, values)
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, schema.OrderStateSubmitted, got.State)
	require.False(t, got.MetaBool(schema.MetaAutoRecoveryRequested))

	rejected, _, err := l.Submit(ctx, "rejected", buySpec(10))
	require.NoError(t, err)
	_, err = l.ApplyEvent(ctx, rejected.ID, schema.BrokerEvent{Type: schema.BrokerEventRejected, Reason: "x"})
	require.NoError(t, err)
	_, ok, err = l.MarkForRecovery(ctx, rejected.ID, values)
	require.NoError(t, err)
	require.False(t, ok)

	_, _, err = l.MarkForRecovery(ctx, "missing", values)
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to schema.OrderState
		ok       bool
	}{
		{schema.OrderStateNew, schema.OrderStateSubmitted, true},
		{schema.OrderStateSubmitted, schema.OrderStatePartial, true},
		{schema.OrderStatePartial, schema.OrderStatePartial, true},
		{schema.OrderStatePartial, schema.OrderStateFilled, true},
		{schema.OrderStatePartial, schema.OrderStateSubmitted, false},
		{schema.OrderStateFilled, schema.OrderStateCanceled, false},
		{schema.OrderStateRejected, schema.OrderStateSubmitted, false},
		{schema.OrderStateCanceled, schema.OrderStateFilled, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.ok, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestSplitKey(t *testing.T) {
	base, attempt := SplitKey("run:AAPL:BUY#3")
	require.Equal(t, "run:AAPL:BUY", base)
	require.Equal(t, 3, attempt)

	base, attempt = SplitKey("plain")
	require.Equal(t, "plain", base)
	require.Equal(t, 1, attempt)
}
