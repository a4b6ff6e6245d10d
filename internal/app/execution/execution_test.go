package execution

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/app/ledger"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/persistence/memory"
)

type fakeGuard struct {
	mu       sync.Mutex
	blocked  bool
	failures int
}

func (g *fakeGuard) Check(context.Context, string, schema.Mode) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.blocked {
		return errs.New("guard", errs.CodeGuardHalted, errs.WithReasons(schema.HaltDailyLoss))
	}
	return nil
}

func (g *fakeGuard) RecordOrderFailure(context.Context, string, schema.Mode) error {
	g.mu.Lock()
	g.failures++
	g.mu.Unlock()
	return nil
}

func (g *fakeGuard) failureCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

func spec(symbol string, qty int64) schema.OrderSpec {
	return schema.OrderSpec{
		RunID:          "run-1",
		Entity:         "acct",
		Mode:           schema.ModePaper,
		Symbol:         symbol,
		Side:           schema.SideBuy,
		Quantity:       decimal.NewFromInt(qty),
		ReferencePrice: decimal.NewFromInt(50),
	}
}

type harness struct {
	ledger  *ledger.Ledger
	channel *Simulated
	broker  *Broker
	guard   *fakeGuard
	cancel  context.CancelFunc
	done    chan struct{}
}

func newHarness(t *testing.T, sim SimulatedConfig) *harness {
	t.Helper()
	l := ledger.New(memory.NewOrderStore())
	channel := NewSimulated(sim, nil)
	guard := &fakeGuard{}
	broker, err := NewBroker(channel, l, guard, BrokerConfig{Workers: 2, Queue: 16, CancelTimeout: 2 * time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewDispatcher(l, 4, 16).Run(ctx, channel.Events())
	}()
	h := &harness{ledger: l, channel: channel, broker: broker, guard: guard, cancel: cancel, done: done}
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = broker.Shutdown(shutdownCtx)
		_ = channel.Close()
		cancel()
		<-done
	})
	return h
}

func (h *harness) waitState(t *testing.T, orderID string, state schema.OrderState) schema.Order {
	t.Helper()
	var order schema.Order
	require.Eventually(t, func() bool {
		var err error
		order, err = h.ledger.Get(context.Background(), orderID)
		return err == nil && order.State == state
	}, 2*time.Second, 5*time.Millisecond)
	return order
}

func TestBrokerSubmitsAndFills(t *testing.T) {
	h := newHarness(t, SimulatedConfig{CommissionPerShare: decimal.RequireFromString("0.01")})
	ctx := context.Background()
	order, _, err := h.ledger.Submit(ctx, "", spec("MSFT", 10))
	require.NoError(t, err)

	require.NoError(t, h.broker.Enqueue(ctx, order))
	filled := h.waitState(t, order.ID, schema.OrderStateFilled)
	require.True(t, filled.FilledQuantity.Equal(decimal.NewFromInt(10)))
	require.True(t, filled.AvgFillPrice.Equal(decimal.NewFromInt(50)))
	require.True(t, filled.Commission.Equal(decimal.RequireFromString("0.1")))
	require.NotEmpty(t, filled.BrokerOrderID)
}

func TestBrokerRejectsWhenGuardHalted(t *testing.T) {
	h := newHarness(t, SimulatedConfig{})
	h.guard.blocked = true
	ctx := context.Background()
	order, _, err := h.ledger.Submit(ctx, "", spec("MSFT", 10))
	require.NoError(t, err)

	require.NoError(t, h.broker.Enqueue(ctx, order))
	rejected := h.waitState(t, order.ID, schema.OrderStateRejected)
	require.Equal(t, "guard_halted", rejected.RejectReason)
	require.Zero(t, h.guard.failureCount())
}

func TestBrokerRecordsBrokerRejection(t *testing.T) {
	h := newHarness(t, SimulatedConfig{Reject: []string{"HALT"}})
	ctx := context.Background()
	order, _, err := h.ledger.Submit(ctx, "", spec("HALT", 5))
	require.NoError(t, err)

	require.NoError(t, h.broker.Enqueue(ctx, order))
	rejected := h.waitState(t, order.ID, schema.OrderStateRejected)
	require.Equal(t, "symbol not tradable", rejected.RejectReason)
	require.Equal(t, 1, h.guard.failureCount())
}

func TestCancelAndWaitConfirmsUnsentOrder(t *testing.T) {
	h := newHarness(t, SimulatedConfig{})
	ctx := context.Background()
	order, _, err := h.ledger.Submit(ctx, "", spec("MSFT", 10))
	require.NoError(t, err)

	cancelled, err := h.broker.CancelAndWait(ctx, order)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateCanceled, cancelled.State)

	again, err := h.broker.CancelAndWait(ctx, cancelled)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateCanceled, again.State)
}

func TestDispatcherAppliesEventsInOrderPerOrder(t *testing.T) {
	ctx := context.Background()
	l := ledger.New(memory.NewOrderStore())
	order, _, err := l.Submit(ctx, "", spec("AAPL", 20))
	require.NoError(t, err)

	events := make(chan schema.BrokerEvent, 8)
	events <- schema.BrokerEvent{Type: schema.BrokerEventSubmitted, ClientOrderID: order.ClientOrderID, BrokerOrderID: "B-1"}
	events <- schema.BrokerEvent{Type: schema.BrokerEventFill, ClientOrderID: order.ClientOrderID, ExecID: "E-1",
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100)}
	events <- schema.BrokerEvent{Type: schema.BrokerEventFill, ClientOrderID: order.ClientOrderID, ExecID: "E-1",
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(100)}
	events <- schema.BrokerEvent{Type: schema.BrokerEventFill, ClientOrderID: order.ClientOrderID, ExecID: "E-2",
		Quantity: decimal.NewFromInt(10), Price: decimal.NewFromInt(110)}
	events <- schema.BrokerEvent{Type: schema.BrokerEventFilled, ClientOrderID: "unknown"}
	events <- schema.BrokerEvent{Type: schema.BrokerEventFilled}
	close(events)

	require.NoError(t, NewDispatcher(l, 3, 4).Run(ctx, events))

	got, err := l.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateFilled, got.State)
	require.True(t, got.AvgFillPrice.Equal(decimal.NewFromInt(105)))
	require.Equal(t, "B-1", got.BrokerOrderID)
}

func TestShardForIsStable(t *testing.T) {
	d := NewDispatcher(nil, 5, 1)
	first := d.ShardFor("client-123")
	for i := 0; i < 10; i++ {
		require.Equal(t, first, d.ShardFor("client-123"))
	}
	require.GreaterOrEqual(t, first, 0)
	require.Less(t, first, 5)
}

func TestParseKind(t *testing.T) {
	kind, ok := ParseKind(" Paper ")
	require.True(t, ok)
	require.Equal(t, KindSimulated, kind)
	kind, ok = ParseKind("live")
	require.True(t, ok)
	require.Equal(t, KindLive, kind)
	_, ok = ParseKind("fix")
	require.False(t, ok)
}

// scriptedChannel answers requests with the events its callbacks return. Submit blocks while gate is
// non-nil and open.
type scriptedChannel struct {
	events   chan schema.BrokerEvent
	onSubmit func(schema.Order) []schema.BrokerEvent
	onCancel func(schema.Order) []schema.BrokerEvent
	started  chan struct{}
	gate     chan struct{}
}

func newScriptedChannel() *scriptedChannel {
	return &scriptedChannel{events: make(chan schema.BrokerEvent, 16), started: make(chan struct{}, 16)}
}

func (c *scriptedChannel) Name() string { return "scripted" }

func (c *scriptedChannel) Events() <-chan schema.BrokerEvent { return c.events }

func (c *scriptedChannel) Close() error { return nil }

func (c *scriptedChannel) Submit(_ context.Context, order schema.Order) error {
	c.started <- struct{}{}
	if c.gate != nil {
		<-c.gate
	}
	if c.onSubmit != nil {
		for _, event := range c.onSubmit(order) {
			c.events <- event
		}
	}
	return nil
}

func (c *scriptedChannel) Cancel(_ context.Context, order schema.Order) error {
	if c.onCancel != nil {
		for _, event := range c.onCancel(order) {
			c.events <- event
		}
	}
	return nil
}

func runBroker(t *testing.T, channel Channel, cfg BrokerConfig) (*ledger.Ledger, *Broker, *fakeGuard) {
	t.Helper()
	l := ledger.New(memory.NewOrderStore())
	guard := &fakeGuard{}
	broker, err := NewBroker(channel, l, guard, cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = NewDispatcher(l, 2, 16).Run(ctx, channel.Events())
	}()
	t.Cleanup(func() {
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		_ = broker.Shutdown(shutdownCtx)
		cancel()
		<-done
	})
	return l, broker, guard
}

func TestBrokerCountsAsyncRejection(t *testing.T) {
	channel := newScriptedChannel()
	channel.onSubmit = func(order schema.Order) []schema.BrokerEvent {
		return []schema.BrokerEvent{{Type: schema.BrokerEventRejected, ClientOrderID: order.ClientOrderID, Reason: "margin"}}
	}
	l, broker, guard := runBroker(t, channel, BrokerConfig{Workers: 1, Queue: 4, CancelTimeout: time.Second})
	ctx := context.Background()

	order, _, err := l.Submit(ctx, "", spec("MSFT", 10))
	require.NoError(t, err)
	require.NoError(t, broker.Enqueue(ctx, order))
	require.Eventually(t, func() bool { return guard.failureCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	got, err := l.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateRejected, got.State)
	require.Equal(t, "margin", got.RejectReason)
}

func TestCancelAndWaitReportsRefusedCancel(t *testing.T) {
	channel := newScriptedChannel()
	channel.onCancel = func(order schema.Order) []schema.BrokerEvent {
		return []schema.BrokerEvent{{Type: schema.BrokerEventCancelRejected, ClientOrderID: order.ClientOrderID, Reason: "too late"}}
	}
	l, broker, _ := runBroker(t, channel, BrokerConfig{Workers: 1, Queue: 4, CancelTimeout: 2 * time.Second})
	ctx := context.Background()

	order, _, err := l.Submit(ctx, "", spec("MSFT", 10))
	require.NoError(t, err)
	_, err = l.ApplyEvent(ctx, order.ID, schema.BrokerEvent{Type: schema.BrokerEventSubmitted, BrokerOrderID: "B-1"})
	require.NoError(t, err)

	got, err := broker.CancelAndWait(ctx, order)
	require.True(t, errs.Is(err, errs.CodeOrderRejected))
	require.Equal(t, schema.OrderStateSubmitted, got.State)
	var e *errs.E
	require.ErrorAs(t, err, &e)
	require.Equal(t, []string{"too late"}, e.Reasons)

	stored, err := l.Get(ctx, order.ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateSubmitted, stored.State)
}

func TestEnqueueRejectsWhenQueueFull(t *testing.T) {
	channel := newScriptedChannel()
	channel.gate = make(chan struct{})
	l, broker, _ := runBroker(t, channel, BrokerConfig{Workers: 1, Queue: 1, CancelTimeout: time.Second})
	ctx := context.Background()

	var orders []schema.Order
	for _, symbol := range []string{"AAPL", "MSFT", "NVDA"} {
		order, _, err := l.Submit(ctx, "", spec(symbol, 1))
		require.NoError(t, err)
		orders = append(orders, order)
	}
	require.NoError(t, broker.Enqueue(ctx, orders[0]))
	select {
	case <-channel.started:
	case <-time.After(2 * time.Second):
		t.Fatal("first submission never reached the channel")
	}
	require.NoError(t, broker.Enqueue(ctx, orders[1]))

	err := broker.Enqueue(ctx, orders[2])
	require.True(t, errs.Is(err, errs.CodeUnavailable))
	close(channel.gate)

	left, err := l.Get(ctx, orders[2].ID)
	require.NoError(t, err)
	require.Equal(t, schema.OrderStateNew, left.State)
}

func TestSimulatedCloseRacesSubmit(t *testing.T) {
	channel := NewSimulated(SimulatedConfig{Buffer: 1024}, nil)
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				order := schema.Order{
					ClientOrderID:  fmt.Sprintf("c-%d-%d", i, j),
					Symbol:         "AAPL",
					Quantity:       decimal.NewFromInt(1),
					ReferencePrice: decimal.NewFromInt(10),
				}
				if err := channel.Submit(ctx, order); err != nil && !errs.Is(err, errs.CodeConnectivity) {
					t.Errorf("submit %s: %v", order.ClientOrderID, err)
				}
				_ = channel.Cancel(ctx, order)
			}
		}(i)
	}
	require.NoError(t, channel.Close())
	wg.Wait()

	err := channel.Submit(ctx, schema.Order{ClientOrderID: "late", ReferencePrice: decimal.NewFromInt(1), Quantity: decimal.NewFromInt(1)})
	require.True(t, errs.Is(err, errs.CodeConnectivity))
	err = channel.Cancel(ctx, schema.Order{ClientOrderID: "late"})
	require.True(t, errs.Is(err, errs.CodeConnectivity))
}
