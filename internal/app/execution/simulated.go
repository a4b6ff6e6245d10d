package execution

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
)

var errClosed = errors.New("simulated channel closed")

// Quoter supplies a current price for simulated fills.
type Quoter interface {
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// SimulatedConfig tunes the paper channel.
type SimulatedConfig struct {
	// Latency delays the acknowledgement and each execution.
	Latency time.Duration
	// FillRatio is the fraction of the order filled, in (0, 1]. Anything else means a full fill.
	FillRatio decimal.Decimal
	// CommissionPerShare is charged on every simulated execution.
	CommissionPerShare decimal.Decimal
	// Buffer sizes the event channel.
	Buffer int
	// Reject lists symbols the simulated broker refuses.
	Reject []string
}

type simOrder struct {
	order     schema.Order
	remaining decimal.Decimal
	done      bool
}

// Simulated acknowledges and fills orders locally at the limit price, the quoted price or the order's
// reference price, in that order of preference.
type Simulated struct {
	cfg    SimulatedConfig
	quoter Quoter
	events chan schema.BrokerEvent
	reject map[string]struct{}
	now    func() time.Time

	mu     sync.Mutex
	orders map[string]*simOrder
	closed bool
	seq    atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSimulated constructs a paper channel. quoter may be nil.
func NewSimulated(cfg SimulatedConfig, quoter Quoter) *Simulated {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	if !cfg.FillRatio.IsPositive() || cfg.FillRatio.GreaterThan(decimal.NewFromInt(1)) {
		cfg.FillRatio = decimal.NewFromInt(1)
	}
	reject := make(map[string]struct{}, len(cfg.Reject))
	for _, symbol := range cfg.Reject {
		reject[strings.ToUpper(strings.TrimSpace(symbol))] = struct{}{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Simulated{
		cfg:    cfg,
		quoter: quoter,
		events: make(chan schema.BrokerEvent, cfg.Buffer),
		reject: reject,
		now:    time.Now,
		orders: make(map[string]*simOrder),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Simulated) Name() string { return string(KindSimulated) }

func (s *Simulated) Events() <-chan schema.BrokerEvent { return s.events }

// Submit accepts the order and schedules its acknowledgement and executions.
func (s *Simulated) Submit(ctx context.Context, order schema.Order) error {
	if err := s.ctx.Err(); err != nil {
		return disconnected("submit", err)
	}
	if _, refused := s.reject[order.Symbol]; refused {
		return Rejected(order, "symbol not tradable")
	}
	price, err := s.fillPrice(ctx, order)
	if err != nil {
		return err
	}

	brokerID := fmt.Sprintf("SIM-%06d", s.seq.Add(1))
	qty := order.Remaining().Mul(s.cfg.FillRatio).Floor()
	if qty.IsZero() && order.Remaining().IsPositive() {
		qty = order.Remaining()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return disconnected("submit", errClosed)
	}
	if _, exists := s.orders[order.ClientOrderID]; exists {
		s.mu.Unlock()
		return nil
	}
	entry := &simOrder{order: order.Clone(), remaining: order.Remaining()}
	s.orders[order.ClientOrderID] = entry
	// registered under mu so Close never waits on a group that is still growing
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if !s.sleep() {
			return
		}
		s.emit(schema.BrokerEvent{
			Type:          schema.BrokerEventSubmitted,
			ClientOrderID: order.ClientOrderID,
			BrokerOrderID: brokerID,
			Timestamp:     s.now().UTC(),
		})
		if !s.sleep() {
			return
		}
		s.mu.Lock()
		if entry.done || !entry.remaining.IsPositive() {
			s.mu.Unlock()
			return
		}
		entry.remaining = entry.remaining.Sub(qty)
		if !entry.remaining.IsPositive() {
			entry.done = true
		}
		s.mu.Unlock()
		s.emit(schema.BrokerEvent{
			Type:          schema.BrokerEventFill,
			ClientOrderID: order.ClientOrderID,
			BrokerOrderID: brokerID,
			ExecID:        fmt.Sprintf("%s-X1", brokerID),
			Quantity:      qty,
			Price:         price,
			Commission:    s.cfg.CommissionPerShare.Mul(qty),
			Timestamp:     s.now().UTC(),
		})
	}()
	return nil
}

// Cancel confirms cancellation of anything not fully filled. Orders the simulator never saw are
// confirmed as well.
func (s *Simulated) Cancel(_ context.Context, order schema.Order) error {
	if err := s.ctx.Err(); err != nil {
		return disconnected("cancel", err)
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return disconnected("cancel", errClosed)
	}
	entry, ok := s.orders[order.ClientOrderID]
	if ok {
		if entry.done {
			s.mu.Unlock()
			return errs.New(component, errs.CodeConflict,
				errs.WithMessage("order already completed"),
				errs.WithField("client_order_id", order.ClientOrderID))
		}
		entry.done = true
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		if !s.sleep() {
			return
		}
		s.emit(schema.BrokerEvent{
			Type:          schema.BrokerEventCanceled,
			ClientOrderID: order.ClientOrderID,
			BrokerOrderID: order.BrokerOrderID,
			Timestamp:     s.now().UTC(),
		})
	}()
	return nil
}

// Close stops pending deliveries and closes the event channel.
func (s *Simulated) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

func (s *Simulated) fillPrice(ctx context.Context, order schema.Order) (decimal.Decimal, error) {
	if order.Kind == schema.OrderKindLimit && order.LimitPrice != nil && order.LimitPrice.IsPositive() {
		return *order.LimitPrice, nil
	}
	if s.quoter != nil {
		price, err := s.quoter.Price(ctx, order.Symbol)
		if err == nil && price.IsPositive() {
			return price, nil
		}
	}
	if order.ReferencePrice.IsPositive() {
		return order.ReferencePrice, nil
	}
	return decimal.Zero, Rejected(order, "no price available")
}

func (s *Simulated) sleep() bool {
	if s.cfg.Latency <= 0 {
		return s.ctx.Err() == nil
	}
	timer := time.NewTimer(s.cfg.Latency)
	defer timer.Stop()
	select {
	case <-s.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Simulated) emit(event schema.BrokerEvent) {
	select {
	case <-s.ctx.Done():
	case s.events <- event:
	}
}
