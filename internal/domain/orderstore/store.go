// Package orderstore defines persistence contracts for order lifecycle state.
package orderstore

import (
	"context"
	"time"

	"github.com/coachpo/execguard/internal/domain/schema"
)

// OrderQuery scopes order lookups. Zero values disable the corresponding filter.
type OrderQuery struct {
	Entity        string              `json:"entity,omitempty"`
	Mode          schema.Mode         `json:"mode,omitempty"`
	RunID         string              `json:"runId,omitempty"`
	States        []schema.OrderState `json:"states,omitempty"`
	CreatedBefore time.Time           `json:"createdBefore,omitempty"`
	Limit         int                 `json:"limit,omitempty"`
}

// RecoveryQuery scopes recovery attempt lookups.
type RecoveryQuery struct {
	OrderID string `json:"orderId,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Tx encapsulates order persistence operations executed within a single transaction.
type Tx interface {
	// CreateOrder inserts the order unless its idempotency key exists, in which case the stored order
	// is returned and created is false.
	CreateOrder(ctx context.Context, order schema.Order) (stored schema.Order, created bool, err error)
	UpdateOrder(ctx context.Context, order schema.Order) error
	// RecordFill appends the fill unless its exec id exists, in which case inserted is false.
	RecordFill(ctx context.Context, fill schema.Fill) (inserted bool, err error)
	RecordRecoveryAttempt(ctx context.Context, attempt schema.RecoveryAttempt) error
}

// Store defines the contract for order persistence operations.
type Store interface {
	Tx
	WithTransaction(ctx context.Context, fn func(context.Context, Tx) error) error
	GetOrder(ctx context.Context, id string) (schema.Order, error)
	GetOrderByClientID(ctx context.Context, clientOrderID string) (schema.Order, error)
	GetOrderByKey(ctx context.Context, idempotencyKey string) (schema.Order, error)
	ListOrders(ctx context.Context, query OrderQuery) ([]schema.Order, error)
	ListFills(ctx context.Context, orderID string) ([]schema.Fill, error)
	ListRecoveryAttempts(ctx context.Context, query RecoveryQuery) ([]schema.RecoveryAttempt, error)
}
