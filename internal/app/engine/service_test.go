package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/app/bridge"
	"github.com/coachpo/execguard/internal/app/guard"
	"github.com/coachpo/execguard/internal/app/ledger"
	"github.com/coachpo/execguard/internal/app/risk"
	"github.com/coachpo/execguard/internal/app/valuation"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/persistence/memory"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	orders []schema.Order
}

func (r *recordingSubmitter) Enqueue(_ context.Context, order schema.Order) error {
	r.mu.Lock()
	r.orders = append(r.orders, order)
	r.mu.Unlock()
	return nil
}

func (r *recordingSubmitter) queued() []schema.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]schema.Order(nil), r.orders...)
}

type harness struct {
	svc       *Service
	reader    *bridge.Static
	guard     *guard.Guard
	ledger    *ledger.Ledger
	guards    *memory.GuardStore
	submitter *recordingSubmitter
}

var testNow = time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, thresholds guard.Thresholds) *harness {
	t.Helper()
	reader := bridge.NewStatic()
	reader.SetAccount(schema.AccountSnapshot{Entity: "acct-1", Cash: decimal.NewFromInt(100000), Equity: decimal.NewFromInt(100000)})
	reader.SetQuote(schema.Quote{Symbol: "AAPL", Last: decimal.NewFromInt(100), Timestamp: testNow})
	reader.SetQuote(schema.Quote{Symbol: "MSFT", Last: decimal.NewFromInt(250), Timestamp: testNow})

	clock := func() time.Time { return testNow }
	source := valuation.NewSource(reader, 0, valuation.WithClock(clock))
	guards := memory.NewGuardStore()
	g := guard.New(guards, source, guard.Config{Thresholds: thresholds}, guard.WithClock(clock))
	runs := memory.NewRunStore()
	gate := risk.NewGate(runs, risk.WithTriggerRecorder(g), risk.WithGateClock(clock))
	l := ledger.New(memory.NewOrderStore(), ledger.WithClock(clock))
	sub := &recordingSubmitter{}

	svc, err := New(Deps{
		Runs:      runs,
		Ledger:    l,
		Gate:      gate,
		Guard:     g,
		Valuer:    source,
		Quotes:    reader,
		Submitter: sub,
	}, WithClock(clock))
	require.NoError(t, err)
	return &harness{svc: svc, reader: reader, guard: g, ledger: l, guards: guards, submitter: sub}
}

func weights(pairs ...string) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i]] = decimal.RequireFromString(pairs[i+1])
	}
	return out
}

func TestOversizedOrderBlocksRunWithoutOrders(t *testing.T) {
	h := newHarness(t, guard.Thresholds{})
	ctx := context.Background()

	run, created, err := h.svc.CreateRun(ctx, CreateRunRequest{
		Entity:        "acct-1",
		Mode:          schema.ModePaper,
		TargetWeights: weights("aapl", "0.5"),
		Policy:        &schema.RiskPolicy{MaxOrderNotional: schema.Dec("20000")},
	})
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, schema.RunCreated, run.Status)

	view, err := h.svc.ExecuteRun(ctx, run.ID)
	require.True(t, errs.Is(err, errs.CodeRiskBlocked))
	require.Equal(t, schema.RunBlocked, view.Run.Status)
	require.Contains(t, view.Run.Reasons, risk.RuleMaxOrderNotional)
	require.Empty(t, view.Orders)
	require.Len(t, view.Decisions, 1)
	require.False(t, view.Decisions[0].Accepted)
	require.Equal(t, "50000", view.Decisions[0].Values["orderNotional.AAPL"])
	require.Empty(t, h.submitter.queued())

	state, err := h.guard.State(ctx, "acct-1", schema.ModePaper)
	require.NoError(t, err)
	require.Equal(t, 1, state.Counters.RiskTriggers)

	// a blocked run is never retried
	again, err := h.svc.ExecuteRun(ctx, run.ID)
	require.True(t, errs.Is(err, errs.CodeRiskBlocked))
	require.Equal(t, schema.RunBlocked, again.Run.Status)
	require.Len(t, again.Decisions, 1)
}

func TestAcceptedRunSubmitsOrdersOnce(t *testing.T) {
	h := newHarness(t, guard.Thresholds{})
	ctx := context.Background()

	run, _, err := h.svc.CreateRun(ctx, CreateRunRequest{
		Entity:         "acct-1",
		Mode:           schema.ModePaper,
		TargetWeights:  weights("AAPL", "0.1", "MSFT", "0.05"),
		IdempotencyKey: "rebalance-1",
	})
	require.NoError(t, err)

	dup, created, err := h.svc.CreateRun(ctx, CreateRunRequest{
		Entity:         "acct-1",
		Mode:           schema.ModePaper,
		TargetWeights:  weights("AAPL", "0.2"),
		IdempotencyKey: "rebalance-1",
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, run.ID, dup.ID)

	view, err := h.svc.ExecuteRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunSubmitted, view.Run.Status)
	require.Len(t, view.Orders, 2)
	require.NotNil(t, view.Run.Decision)
	require.True(t, view.Run.Decision.Accepted)

	quantities := map[string]string{}
	for _, order := range view.Orders {
		require.Equal(t, schema.SideBuy, order.Side)
		require.Equal(t, schema.OrderStateNew, order.State)
		quantities[order.Symbol] = order.Quantity.String()
	}
	require.Equal(t, map[string]string{"AAPL": "100", "MSFT": "20"}, quantities)
	require.Len(t, h.submitter.queued(), 2)

	again, err := h.svc.ExecuteRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, again.Orders, 2)
	require.Len(t, h.submitter.queued(), 2)
}

func TestHaltedGuardBlocksRun(t *testing.T) {
	h := newHarness(t, guard.Thresholds{MaxDailyLoss: decimal.RequireFromString("-0.02")})
	ctx := context.Background()

	_, err := h.guard.Evaluate(ctx, "acct-1", schema.ModePaper)
	require.NoError(t, err)
	h.reader.SetAccount(schema.AccountSnapshot{Entity: "acct-1", Cash: decimal.NewFromInt(95000), Equity: decimal.NewFromInt(95000)})
	state, err := h.guard.Evaluate(ctx, "acct-1", schema.ModePaper)
	require.NoError(t, err)
	require.True(t, state.Halted())

	run, _, err := h.svc.CreateRun(ctx, CreateRunRequest{Entity: "acct-1", Mode: schema.ModePaper, TargetWeights: weights("AAPL", "0.1")})
	require.NoError(t, err)
	view, err := h.svc.ExecuteRun(ctx, run.ID)
	require.True(t, errs.Is(err, errs.CodeGuardHalted))
	require.Equal(t, schema.RunBlocked, view.Run.Status)
	require.Contains(t, view.Run.Reasons, "guard_halted")
	require.Contains(t, view.Run.Reasons, schema.HaltDailyLoss)
	require.Empty(t, view.Orders)

	_, err = h.svc.ExecuteRun(ctx, run.ID)
	require.True(t, errs.Is(err, errs.CodeGuardHalted))
}

func TestBridgeOutageLeavesRunRetryable(t *testing.T) {
	h := newHarness(t, guard.Thresholds{})
	ctx := context.Background()

	run, _, err := h.svc.CreateRun(ctx, CreateRunRequest{Entity: "acct-1", Mode: schema.ModePaper, TargetWeights: weights("NVDA", "0.1")})
	require.NoError(t, err)

	_, err = h.svc.ExecuteRun(ctx, run.ID)
	require.True(t, errs.Is(err, errs.CodeStaleData))
	status, err := h.svc.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunCreated, status.Run.Status)
	state, err := h.guard.State(ctx, "acct-1", schema.ModePaper)
	require.NoError(t, err)
	require.Equal(t, 1, state.Counters.MarketDataErrors)

	h.reader.SetQuote(schema.Quote{Symbol: "NVDA", Last: decimal.NewFromInt(500), Timestamp: testNow})
	view, err := h.svc.ExecuteRun(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunSubmitted, view.Run.Status)
	require.Len(t, view.Orders, 1)
	require.True(t, view.Orders[0].Quantity.Equal(decimal.NewFromInt(20)))
}

type failingQuotes struct{ err error }

func (f failingQuotes) Quotes(context.Context, []string) (map[string]schema.Quote, error) {
	return nil, f.err
}

type failingValuer struct{ err error }

func (f failingValuer) CurrentEquity(context.Context, string) (valuation.Valuation, error) {
	return valuation.Valuation{}, f.err
}

func TestQuoteFailureCountsMarketDataError(t *testing.T) {
	h := newHarness(t, guard.Thresholds{MaxMarketDataErrors: 2})
	h.svc.Quotes = failingQuotes{err: errs.New("bridge", errs.CodeConnectivity, errs.WithMessage("bridge down"))}
	ctx := context.Background()

	run, _, err := h.svc.CreateRun(ctx, CreateRunRequest{Entity: "acct-1", Mode: schema.ModePaper, TargetWeights: weights("NVDA", "0.1")})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err = h.svc.ExecuteRun(ctx, run.ID)
		require.Error(t, err)
	}
	state, err := h.guard.State(ctx, "acct-1", schema.ModePaper)
	require.NoError(t, err)
	require.Equal(t, 2, state.Counters.MarketDataErrors)
	require.True(t, state.Halted())
	require.Contains(t, state.HaltReasons, schema.HaltMarketDataErrors)

	_, err = h.svc.ExecuteRun(ctx, run.ID)
	require.True(t, errs.Is(err, errs.CodeGuardHalted))
}

func TestValuationFailureCountsMarketDataError(t *testing.T) {
	h := newHarness(t, guard.Thresholds{})
	ctx := context.Background()

	run, _, err := h.svc.CreateRun(ctx, CreateRunRequest{Entity: "acct-1", Mode: schema.ModePaper, TargetWeights: weights("AAPL", "0.1")})
	require.NoError(t, err)
	_, err = h.guard.Evaluate(ctx, "acct-1", schema.ModePaper)
	require.NoError(t, err)

	h.svc.Valuer = failingValuer{err: errs.New("valuation", errs.CodeConnectivity, errs.WithMessage("bridge down"))}
	_, err = h.svc.ExecuteRun(ctx, run.ID)
	require.True(t, errs.Is(err, errs.CodeConnectivity))

	state, err := h.guard.State(ctx, "acct-1", schema.ModePaper)
	require.NoError(t, err)
	require.Equal(t, 1, state.Counters.MarketDataErrors)
	status, err := h.svc.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunCreated, status.Run.Status)
}

func TestRunCompletesWhenOrdersTerminal(t *testing.T) {
	h := newHarness(t, guard.Thresholds{})
	ctx := context.Background()

	run, _, err := h.svc.CreateRun(ctx, CreateRunRequest{Entity: "acct-1", Mode: schema.ModePaper, TargetWeights: weights("AAPL", "0.1", "MSFT", "0.05")})
	require.NoError(t, err)
	view, err := h.svc.ExecuteRun(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, view.Orders, 2)

	first, second := view.Orders[0], view.Orders[1]
	_, err = h.ledger.ApplyEvent(ctx, first.ID, schema.BrokerEvent{
		Type:     schema.BrokerEventFill,
		ExecID:   "E-1",
		Quantity: first.Quantity,
		Price:    first.ReferencePrice,
	})
	require.NoError(t, err)

	status, err := h.svc.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunSubmitted, status.Run.Status)

	_, err = h.ledger.ApplyEvent(ctx, second.ID, schema.BrokerEvent{Type: schema.BrokerEventRejected, Reason: "no liquidity"})
	require.NoError(t, err)

	status, err = h.svc.RunStatus(ctx, run.ID)
	require.NoError(t, err)
	require.Equal(t, schema.RunCompleted, status.Run.Status)
}

func TestCreateRunValidation(t *testing.T) {
	h := newHarness(t, guard.Thresholds{})
	ctx := context.Background()

	_, _, err := h.svc.CreateRun(ctx, CreateRunRequest{Entity: "", Mode: "demo", TargetWeights: weights("AAPL", "0.7", "MSFT", "0.6")})
	require.True(t, errs.Is(err, errs.CodeValidation))
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.ElementsMatch(t, []string{"entity", "mode", "targetWeights.total"}, e.Reasons)

	_, err = h.svc.ExecuteRun(ctx, "missing")
	require.True(t, errs.Is(err, errs.CodeNotFound))
}

func TestRiskDefaultsRoundTrip(t *testing.T) {
	h := newHarness(t, guard.Thresholds{})
	ctx := context.Background()

	_, err := h.svc.UpdateRiskDefaults(ctx, schema.RiskPolicy{MaxSymbolCount: schema.Int(-1)})
	require.True(t, errs.Is(err, errs.CodeValidation))

	_, err = h.svc.UpdateRiskDefaults(ctx, schema.RiskPolicy{MaxOrderNotional: schema.Dec("5000"), MaxSymbolCount: schema.Int(3)})
	require.NoError(t, err)
	policy, err := h.svc.RiskDefaults(ctx)
	require.NoError(t, err)
	require.True(t, policy.MaxOrderNotional.Equal(decimal.NewFromInt(5000)))
	require.Equal(t, 3, *policy.MaxSymbolCount)

	_, err = h.svc.TriggerRecoverySweep(ctx)
	require.True(t, errs.Is(err, errs.CodeUnavailable))
}

func TestSizeLines(t *testing.T) {
	lines := sizeLines(
		weights("AAPL", "0.1", "MSFT", "0", "TSLA", "0.2"),
		decimal.NewFromInt(100000),
		map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(150), "MSFT": decimal.NewFromInt(10)},
		map[string]decimal.Decimal{"AAPL": decimal.NewFromInt(100), "MSFT": decimal.NewFromInt(250), "TSLA": decimal.NewFromInt(300)},
	)
	require.Len(t, lines, 3)
	require.Equal(t, "AAPL", lines[0].Symbol)
	require.Equal(t, schema.SideSell, lines[0].Side)
	require.True(t, lines[0].Quantity.Equal(decimal.NewFromInt(50)))
	require.Equal(t, "MSFT", lines[1].Symbol)
	require.Equal(t, schema.SideSell, lines[1].Side)
	require.True(t, lines[1].Quantity.Equal(decimal.NewFromInt(10)))
	require.Equal(t, "TSLA", lines[2].Symbol)
	require.Equal(t, schema.SideBuy, lines[2].Side)
	require.True(t, lines[2].Quantity.Equal(decimal.NewFromInt(66)))
}
