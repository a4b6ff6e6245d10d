package execution

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

const (
	liveDefaultDialTimeout     = 10 * time.Second
	liveDefaultWriteTimeout    = 5 * time.Second
	liveDefaultPingInterval    = 20 * time.Second
	liveDefaultMaxReconnect    = 20 * time.Second
	liveDefaultReadLimit       = 1 << 20
	liveDefaultEventBufferSize = 1024
)

// LiveConfig configures the websocket broker channel.
type LiveConfig struct {
	URL                  string
	Header               http.Header
	DialTimeout          time.Duration
	WriteTimeout         time.Duration
	PingInterval         time.Duration
	MaxReconnectInterval time.Duration
	Buffer               int
	ReadLimit            int64
}

type wireOrder struct {
	ClientOrderID string           `json:"clientOrderId"`
	BrokerOrderID string           `json:"brokerOrderId,omitempty"`
	Entity        string           `json:"entity,omitempty"`
	Symbol        string           `json:"symbol,omitempty"`
	Side          string           `json:"side,omitempty"`
	Kind          string           `json:"kind,omitempty"`
	Quantity      *decimal.Decimal `json:"quantity,omitempty"`
	LimitPrice    *decimal.Decimal `json:"limitPrice,omitempty"`
}

type wireRequest struct {
	ID    string    `json:"id"`
	Op    string    `json:"op"`
	Order wireOrder `json:"order"`
}

type wireEvent struct {
	ID            string          `json:"id"`
	Op            string          `json:"op"`
	Event         string          `json:"event"`
	ClientOrderID string          `json:"clientOrderId"`
	BrokerOrderID string          `json:"brokerOrderId"`
	ExecID        string          `json:"execId"`
	Quantity      decimal.Decimal `json:"quantity"`
	Price         decimal.Decimal `json:"price"`
	Commission    decimal.Decimal `json:"commission"`
	Reason        string          `json:"reason"`
	Timestamp     time.Time       `json:"timestamp"`
	Code          string          `json:"code"`
	Msg           string          `json:"msg"`
}

// Live streams order requests to a broker gateway over a websocket and reads back status and execution
// events. The connection is re-established with exponential backoff.
type Live struct {
	cfg     LiveConfig
	logger  observability.Logger
	metrics *telemetry.Instruments

	ctx    context.Context
	cancel context.CancelFunc

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	msgID   atomic.Uint64
	started atomic.Bool
	events  chan schema.BrokerEvent

	// outstanding cancel request ids by client order id
	cancelMu sync.Mutex
	cancels  map[string]string

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	closeOnce sync.Once
}

// LiveOption configures a Live channel.
type LiveOption func(*Live)

// WithLiveLogger overrides the logger.
func WithLiveLogger(logger observability.Logger) LiveOption {
	return func(l *Live) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithLiveInstruments attaches metric instruments.
func WithLiveInstruments(inst *telemetry.Instruments) LiveOption {
	return func(l *Live) { l.metrics = inst }
}

// NewLive constructs an unconnected live channel.
func NewLive(cfg LiveConfig, opts ...LiveOption) (*Live, error) {
	cfg.URL = strings.TrimSpace(cfg.URL)
	if cfg.URL == "" {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("live channel url required"))
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = liveDefaultDialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = liveDefaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = liveDefaultPingInterval
	}
	if cfg.MaxReconnectInterval <= 0 {
		cfg.MaxReconnectInterval = liveDefaultMaxReconnect
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = liveDefaultEventBufferSize
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = liveDefaultReadLimit
	}
	ctx, cancel := context.WithCancel(context.Background())
	l := &Live{
		cfg:     cfg,
		logger:  observability.Log(),
		ctx:     ctx,
		cancel:  cancel,
		events:  make(chan schema.BrokerEvent, cfg.Buffer),
		cancels: make(map[string]string),
		ready:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l, nil
}

func (l *Live) Name() string { return string(KindLive) }

func (l *Live) Events() <-chan schema.BrokerEvent { return l.events }

// Start launches the connection loop and waits for the first successful dial.
func (l *Live) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return errs.New(component, errs.CodeConflict, errs.WithMessage("live channel already started"))
	}
	go func() {
		defer close(l.done)
		l.connectLoop()
	}()
	timer := time.NewTimer(l.cfg.DialTimeout)
	defer timer.Stop()
	select {
	case <-l.ready:
		return nil
	case <-timer.C:
		return disconnected("start", errors.New("timeout waiting for broker websocket"))
	case <-ctx.Done():
		return fmt.Errorf("live channel start: %w", ctx.Err())
	case <-l.ctx.Done():
		return disconnected("start", l.ctx.Err())
	}
}

// Submit sends a new-order request.
func (l *Live) Submit(ctx context.Context, order schema.Order) error {
	qty := order.Remaining()
	return l.send(ctx, l.nextID(), "submit", wireOrder{
		ClientOrderID: order.ClientOrderID,
		Entity:        order.Entity,
		Symbol:        order.Symbol,
		Side:          string(order.Side),
		Kind:          string(order.Kind),
		Quantity:      &qty,
		LimitPrice:    order.LimitPrice,
	})
}

// Cancel sends a cancel request. Confirmation arrives as a canceled event, a refusal as cancel_rejected.
func (l *Live) Cancel(ctx context.Context, order schema.Order) error {
	id := l.nextID()
	l.cancelMu.Lock()
	l.cancels[order.ClientOrderID] = id
	l.cancelMu.Unlock()
	err := l.send(ctx, id, "cancel", wireOrder{
		ClientOrderID: order.ClientOrderID,
		BrokerOrderID: order.BrokerOrderID,
	})
	if err != nil {
		l.cancelMu.Lock()
		if l.cancels[order.ClientOrderID] == id {
			delete(l.cancels, order.ClientOrderID)
		}
		l.cancelMu.Unlock()
	}
	return err
}

// Close stops reconnecting, closes the socket and the event channel.
func (l *Live) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.connMu.Lock()
		if l.conn != nil {
			_ = l.conn.Close(websocket.StatusNormalClosure, "shutdown")
			l.conn = nil
		}
		l.connMu.Unlock()
		if l.started.Load() {
			<-l.done
		}
		close(l.events)
	})
	return nil
}

func (l *Live) nextID() string {
	return strconv.FormatUint(l.msgID.Add(1), 10)
}

func (l *Live) send(ctx context.Context, id, op string, order wireOrder) error {
	l.connMu.RLock()
	conn := l.conn
	l.connMu.RUnlock()
	if conn == nil {
		return disconnected(op, nil)
	}
	data, err := json.Marshal(wireRequest{
		ID:    id,
		Op:    op,
		Order: order,
	})
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", op, err)
	}
	writeCtx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
	defer cancel()
	l.writeMu.Lock()
	err = conn.Write(writeCtx, websocket.MessageText, data)
	l.writeMu.Unlock()
	if err != nil {
		return disconnected(op, err)
	}
	return nil
}

func (l *Live) connectLoop() {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = l.cfg.MaxReconnectInterval

	for {
		if l.ctx.Err() != nil {
			return
		}
		dialCtx, cancel := context.WithTimeout(l.ctx, l.cfg.DialTimeout)
		conn, _, err := websocket.Dial(dialCtx, l.cfg.URL, &websocket.DialOptions{HTTPHeader: l.cfg.Header})
		cancel()
		if err != nil {
			l.logger.Warn("broker websocket dial failed", observability.F("url", l.cfg.URL), observability.F("error", err))
			if !l.wait(policy) {
				return
			}
			continue
		}
		conn.SetReadLimit(l.cfg.ReadLimit)

		l.connMu.Lock()
		l.conn = conn
		l.connMu.Unlock()
		l.readyOnce.Do(func() { close(l.ready) })
		policy.Reset()
		l.logger.Info("broker websocket connected", observability.F("url", l.cfg.URL))

		connCtx, connCancel := context.WithCancel(l.ctx)
		errCh := make(chan error, 2)
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			errCh <- l.readLoop(connCtx, conn)
		}()
		go func() {
			defer wg.Done()
			errCh <- l.pingLoop(connCtx, conn)
		}()

		firstErr := <-errCh
		connCancel()
		l.connMu.Lock()
		if l.conn == conn {
			l.conn = nil
		}
		l.connMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		wg.Wait()

		if l.ctx.Err() != nil {
			return
		}
		l.logger.Warn("broker websocket disconnected", observability.F("error", firstErr))
		if !l.wait(policy) {
			return
		}
	}
}

func (l *Live) wait(policy *backoff.ExponentialBackOff) bool {
	sleep := policy.NextBackOff()
	if sleep == backoff.Stop {
		sleep = l.cfg.MaxReconnectInterval
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-l.ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (l *Live) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("read websocket: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		event, ok := l.decode(ctx, data)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l.events <- event:
		}
	}
}

func (l *Live) decode(ctx context.Context, data []byte) (schema.BrokerEvent, bool) {
	var frame wireEvent
	if err := json.Unmarshal(data, &frame); err != nil {
		l.metrics.BrokerEventDropped(ctx, "decode")
		l.logger.Warn("broker frame decode failed", observability.F("error", err))
		return schema.BrokerEvent{}, false
	}
	if strings.EqualFold(frame.Event, "error") {
		l.logger.Warn("broker error frame",
			observability.F("id", frame.ID),
			observability.F("op", frame.Op),
			observability.F("code", frame.Code),
			observability.F("msg", frame.Msg),
			observability.F("client_order_id", frame.ClientOrderID))
		if frame.ClientOrderID == "" {
			return schema.BrokerEvent{}, false
		}
		frame.Event = string(schema.BrokerEventRejected)
		if l.cancelRefused(frame) {
			frame.Event = string(schema.BrokerEventCancelRejected)
		}
		if frame.Reason == "" {
			frame.Reason = strings.TrimSpace(frame.Code + " " + frame.Msg)
		}
	}
	if strings.EqualFold(frame.Event, "pong") {
		return schema.BrokerEvent{}, false
	}
	kind, ok := schema.ParseBrokerEventType(frame.Event)
	if !ok || frame.ClientOrderID == "" {
		l.metrics.BrokerEventDropped(ctx, "unknown_event")
		return schema.BrokerEvent{}, false
	}
	switch kind {
	case schema.BrokerEventCanceled, schema.BrokerEventFilled, schema.BrokerEventRejected, schema.BrokerEventCancelRejected:
		l.cancelMu.Lock()
		delete(l.cancels, frame.ClientOrderID)
		l.cancelMu.Unlock()
	}
	return schema.BrokerEvent{
		Type:          kind,
		ClientOrderID: frame.ClientOrderID,
		BrokerOrderID: frame.BrokerOrderID,
		ExecID:        frame.ExecID,
		Quantity:      frame.Quantity,
		Price:         frame.Price,
		Commission:    frame.Commission,
		Reason:        frame.Reason,
		Timestamp:     frame.Timestamp,
	}, true
}

// cancelRefused reports whether an error frame answers a cancel request. Frames that name their
// operation are taken at their word. Otherwise the request id is matched against the outstanding cancel,
// and a frame with neither is attributed to a cancel when one is outstanding for the order.
func (l *Live) cancelRefused(frame wireEvent) bool {
	l.cancelMu.Lock()
	defer l.cancelMu.Unlock()
	pending, outstanding := l.cancels[frame.ClientOrderID]
	switch {
	case strings.EqualFold(frame.Op, "cancel"):
		return true
	case frame.Op != "":
		return false
	case frame.ID != "":
		return outstanding && pending == frame.ID
	default:
		return outstanding
	}
}

func (l *Live) pingLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(l.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, l.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("ping: %w", err)
			}
		}
	}
}
