// Package memory provides in-process implementations of the domain stores for tests and database-less runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/coachpo/execguard/errs"
	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/schema"
)

// OrderStore is an in-memory implementation of orderstore.Store.
type OrderStore struct {
	txMu sync.Mutex

	mu       sync.RWMutex
	orders   map[string]schema.Order
	byKey    map[string]string
	byClient map[string]string
	fills    map[string][]schema.Fill
	execIDs  map[string]struct{}
	attempts []schema.RecoveryAttempt
}

var _ orderstore.Store = (*OrderStore)(nil)

// NewOrderStore constructs an empty store.
func NewOrderStore() *OrderStore {
	return &OrderStore{
		orders:   make(map[string]schema.Order),
		byKey:    make(map[string]string),
		byClient: make(map[string]string),
		fills:    make(map[string][]schema.Fill),
		execIDs:  make(map[string]struct{}),
	}
}

// CreateOrder inserts the order unless its idempotency key already exists.
func (s *OrderStore) CreateOrder(ctx context.Context, order schema.Order) (schema.Order, bool, error) {
	if err := ctxErr(ctx, "create order"); err != nil {
		return schema.Order{}, false, err
	}
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.IdempotencyKey) == "" {
		return schema.Order{}, false, fmt.Errorf("order store: order id and idempotency key required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byKey[order.IdempotencyKey]; ok {
		return s.orders[id].Clone(), false, nil
	}
	if _, ok := s.orders[order.ID]; ok {
		return schema.Order{}, false, errs.New("orderstore", errs.CodeConflict,
			errs.WithMessage("order id already exists"), errs.WithField("order_id", order.ID))
	}
	stored := order.Clone()
	s.orders[order.ID] = stored
	s.byKey[order.IdempotencyKey] = order.ID
	if order.ClientOrderID != "" {
		s.byClient[order.ClientOrderID] = order.ID
	}
	return stored.Clone(), true, nil
}

// UpdateOrder replaces the mutable fields of an existing order.
func (s *OrderStore) UpdateOrder(ctx context.Context, order schema.Order) error {
	if err := ctxErr(ctx, "update order"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.orders[order.ID]
	if !ok {
		return notFound("order", order.ID)
	}
	// identity fields are immutable
	order.IdempotencyKey = current.IdempotencyKey
	order.BaseKey = current.BaseKey
	order.CreatedAt = current.CreatedAt
	s.orders[order.ID] = order.Clone()
	if order.ClientOrderID != "" {
		s.byClient[order.ClientOrderID] = order.ID
	}
	return nil
}

// RecordFill appends the fill unless its exec id is already recorded.
func (s *OrderStore) RecordFill(ctx context.Context, fill schema.Fill) (bool, error) {
	if err := ctxErr(ctx, "record fill"); err != nil {
		return false, err
	}
	execID := strings.TrimSpace(fill.ExecID)
	if execID == "" {
		return false, fmt.Errorf("order store: exec id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[fill.OrderID]; !ok {
		return false, notFound("order", fill.OrderID)
	}
	if _, dup := s.execIDs[execID]; dup {
		return false, nil
	}
	s.execIDs[execID] = struct{}{}
	s.fills[fill.OrderID] = append(s.fills[fill.OrderID], fill)
	return true, nil
}

// RecordRecoveryAttempt appends an audit record.
func (s *OrderStore) RecordRecoveryAttempt(ctx context.Context, attempt schema.RecoveryAttempt) error {
	if err := ctxErr(ctx, "record recovery attempt"); err != nil {
		return err
	}
	s.mu.Lock()
	s.attempts = append(s.attempts, attempt)
	s.mu.Unlock()
	return nil
}

// WithTransaction serialises fn against other transactions. Writes are not rolled back on error.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return fn(ctx, s)
}

// GetOrder returns the order with the given id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	if err := ctxErr(ctx, "get order"); err != nil {
		return schema.Order{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	order, ok := s.orders[id]
	if !ok {
		return schema.Order{}, notFound("order", id)
	}
	return order.Clone(), nil
}

// GetOrderByClientID resolves an order by the client order id sent to the broker.
func (s *OrderStore) GetOrderByClientID(ctx context.Context, clientOrderID string) (schema.Order, error) {
	s.mu.RLock()
	id, ok := s.byClient[clientOrderID]
	s.mu.RUnlock()
	if !ok {
		return schema.Order{}, notFound("client order", clientOrderID)
	}
	return s.GetOrder(ctx, id)
}

// GetOrderByKey resolves an order by idempotency key.
func (s *OrderStore) GetOrderByKey(ctx context.Context, idempotencyKey string) (schema.Order, error) {
	s.mu.RLock()
	id, ok := s.byKey[idempotencyKey]
	s.mu.RUnlock()
	if !ok {
		return schema.Order{}, notFound("idempotency key", idempotencyKey)
	}
	return s.GetOrder(ctx, id)
}

// ListOrders returns orders matching the query, oldest first.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.OrderQuery) ([]schema.Order, error) {
	if err := ctxErr(ctx, "list orders"); err != nil {
		return nil, err
	}
	states := make(map[schema.OrderState]struct{}, len(query.States))
	for _, st := range query.States {
		states[st] = struct{}{}
	}
	s.mu.RLock()
	out := make([]schema.Order, 0, len(s.orders))
	for _, order := range s.orders {
		if query.Entity != "" && order.Entity != query.Entity {
			continue
		}
		if query.Mode != "" && order.Mode != query.Mode {
			continue
		}
		if query.RunID != "" && order.RunID != query.RunID {
			continue
		}
		if len(states) > 0 {
			if _, ok := states[order.State]; !ok {
				continue
			}
		}
		if !query.CreatedBefore.IsZero() && !order.CreatedAt.Before(query.CreatedBefore) {
			continue
		}
		out = append(out, order.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].IdempotencyKey < out[j].IdempotencyKey
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}

// ListFills returns the fills of an order in arrival order.
func (s *OrderStore) ListFills(ctx context.Context, orderID string) ([]schema.Fill, error) {
	if err := ctxErr(ctx, "list fills"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]schema.Fill(nil), s.fills[orderID]...), nil
}

// ListRecoveryAttempts returns audit records, newest first.
func (s *OrderStore) ListRecoveryAttempts(ctx context.Context, query orderstore.RecoveryQuery) ([]schema.RecoveryAttempt, error) {
	if err := ctxErr(ctx, "list recovery attempts"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]schema.RecoveryAttempt, 0, len(s.attempts))
	for i := len(s.attempts) - 1; i >= 0; i-- {
		attempt := s.attempts[i]
		if query.OrderID != "" && attempt.OrderID != query.OrderID {
			continue
		}
		out = append(out, attempt)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out, nil
}

func ctxErr(ctx context.Context, op string) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("memory store %s context: %w", op, ctx.Err())
	default:
		return nil
	}
}

func notFound(kind, id string) error {
	return errs.New("memory/not-found", errs.CodeNotFound,
		errs.WithMessage(kind+" not found"), errs.WithField("id", id))
}
