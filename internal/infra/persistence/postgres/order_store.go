package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/execguard/internal/domain/orderstore"
	"github.com/coachpo/execguard/internal/domain/schema"
)

// OrderStore persists orders, fills and recovery attempts.
type OrderStore struct {
	pool *pgxpool.Pool
}

var _ orderstore.Store = (*OrderStore)(nil)

// NewOrderStore constructs an OrderStore backed by the provided pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

const (
	orderInsertSQL = `
INSERT INTO orders (
    id,
    run_id,
    entity,
    mode,
    symbol,
    side,
    kind,
    quantity,
    limit_price,
    reference_price,
    idempotency_key,
    base_key,
    attempt,
    state,
    filled_quantity,
    avg_fill_price,
    commission,
    client_order_id,
    broker_order_id,
    reject_reason,
    replaces_order_id,
    reason,
    metadata,
    created_at,
    updated_at,
    submitted_at,
    completed_at
)
VALUES (
    @id,
    @run_id,
    @entity,
    @mode,
    @symbol,
    @side,
    @kind,
    @quantity::numeric,
    @limit_price::numeric,
    @reference_price::numeric,
    @idempotency_key,
    @base_key,
    @attempt,
    @state,
    @filled_quantity::numeric,
    @avg_fill_price::numeric,
    @commission::numeric,
    @client_order_id,
    @broker_order_id,
    @reject_reason,
    @replaces_order_id,
    @reason,
    @metadata::jsonb,
    @created_at,
    @updated_at,
    @submitted_at,
    @completed_at
)
ON CONFLICT (idempotency_key) DO NOTHING;
`

	orderUpdateSQL = `
UPDATE orders
SET state = @state,
    limit_price = @limit_price::numeric,
    reference_price = @reference_price::numeric,
    filled_quantity = @filled_quantity::numeric,
    avg_fill_price = @avg_fill_price::numeric,
    commission = @commission::numeric,
    client_order_id = @client_order_id,
    broker_order_id = @broker_order_id,
    reject_reason = @reject_reason,
    reason = @reason,
    metadata = @metadata::jsonb,
    updated_at = @updated_at,
    submitted_at = @submitted_at,
    completed_at = @completed_at
WHERE id = @id;
`

	fillInsertSQL = `
INSERT INTO fills (exec_id, order_id, quantity, price, commission, traded_at)
VALUES (@exec_id, @order_id, @quantity::numeric, @price::numeric, @commission::numeric, @traded_at)
ON CONFLICT (exec_id) DO NOTHING;
`

	recoveryInsertSQL = `
INSERT INTO recovery_attempts (id, order_id, trigger, action, replacement_order_id, outcome, detail, created_at)
VALUES (@id, @order_id, @trigger, @action, @replacement_order_id, @outcome, @detail, @created_at);
`

	orderSelectBase = `
SELECT
    id,
    run_id,
    entity,
    mode,
    symbol,
    side,
    kind,
    quantity::text,
    limit_price::text,
    reference_price::text,
    idempotency_key,
    base_key,
    attempt,
    state,
    filled_quantity::text,
    avg_fill_price::text,
    commission::text,
    client_order_id,
    broker_order_id,
    reject_reason,
    replaces_order_id,
    reason,
    metadata,
    created_at,
    updated_at,
    submitted_at,
    completed_at
FROM orders
`

	fillSelectSQL = `
SELECT order_id, exec_id, quantity::text, price::text, commission::text, traded_at
FROM fills
WHERE order_id = $1
ORDER BY seq ASC;
`

	recoverySelectBase = `
SELECT id, order_id, trigger, action, replacement_order_id, outcome, detail, created_at
FROM recovery_attempts
`

	defaultOrderLimit    = 500
	maxOrderLimit        = 5000
	defaultRecoveryLimit = 100
	maxRecoveryLimit     = 1000

	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type orderTx struct {
	tx    pgx.Tx
	store *OrderStore
}

func (s *OrderStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("order store: nil pool")
	}
	return s.pool, nil
}

func orderArgs(order schema.Order) (pgx.NamedArgs, error) {
	metadata, err := encodeJSON(order.Metadata, "{}")
	if err != nil {
		return nil, fmt.Errorf("order store: encode metadata: %w", err)
	}
	return pgx.NamedArgs{
		"id":                order.ID,
		"run_id":            order.RunID,
		"entity":            order.Entity,
		"mode":              string(order.Mode),
		"symbol":            order.Symbol,
		"side":              string(order.Side),
		"kind":              string(order.Kind),
		"quantity":          order.Quantity.String(),
		"limit_price":       nullableDecimal(order.LimitPrice),
		"reference_price":   order.ReferencePrice.String(),
		"idempotency_key":   order.IdempotencyKey,
		"base_key":          order.BaseKey,
		"attempt":           order.Attempt,
		"state":             string(order.State),
		"filled_quantity":   order.FilledQuantity.String(),
		"avg_fill_price":    order.AvgFillPrice.String(),
		"commission":        order.Commission.String(),
		"client_order_id":   order.ClientOrderID,
		"broker_order_id":   nullableString(order.BrokerOrderID),
		"reject_reason":     nullableString(order.RejectReason),
		"replaces_order_id": nullableString(order.ReplacesOrderID),
		"reason":            nullableString(order.Reason),
		"metadata":          metadata,
		"created_at":        order.CreatedAt.UTC(),
		"updated_at":        order.UpdatedAt.UTC(),
		"submitted_at":      nullableTime(order.SubmittedAt),
		"completed_at":      nullableTime(order.CompletedAt),
	}, nil
}

func (s *OrderStore) createOrderWith(ctx context.Context, q querier, order schema.Order) (schema.Order, bool, error) {
	if strings.TrimSpace(order.ID) == "" || strings.TrimSpace(order.IdempotencyKey) == "" {
		return schema.Order{}, false, fmt.Errorf("order store: order id and idempotency key required")
	}
	args, err := orderArgs(order)
	if err != nil {
		return schema.Order{}, false, err
	}
	tag, err := q.Exec(ctx, orderInsertSQL, args)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return schema.Order{}, false, conflict("order", order.ID, err)
		}
		return schema.Order{}, false, fmt.Errorf("order store: insert order: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return order.Clone(), true, nil
	}
	stored, err := getOrderWith(ctx, q, "idempotency_key", order.IdempotencyKey)
	if err != nil {
		return schema.Order{}, false, err
	}
	return stored, false, nil
}

func (s *OrderStore) updateOrderWith(ctx context.Context, q querier, order schema.Order) error {
	args, err := orderArgs(order)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, orderUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("order store: update order: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("order", order.ID)
	}
	return nil
}

func (s *OrderStore) recordFillWith(ctx context.Context, q querier, fill schema.Fill) (bool, error) {
	execID := strings.TrimSpace(fill.ExecID)
	if execID == "" {
		return false, fmt.Errorf("order store: exec id required")
	}
	args := pgx.NamedArgs{
		"exec_id":    execID,
		"order_id":   fill.OrderID,
		"quantity":   fill.Quantity.String(),
		"price":      fill.Price.String(),
		"commission": fill.Commission.String(),
		"traded_at":  fill.Timestamp.UTC(),
	}
	tag, err := q.Exec(ctx, fillInsertSQL, args)
	if err != nil {
		if isPgCode(err, pgForeignKeyViolation) {
			return false, notFound("order", fill.OrderID)
		}
		return false, fmt.Errorf("order store: insert fill: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *OrderStore) recordAttemptWith(ctx context.Context, q querier, attempt schema.RecoveryAttempt) error {
	args := pgx.NamedArgs{
		"id":                   attempt.ID,
		"order_id":             attempt.OrderID,
		"trigger":              attempt.Trigger,
		"action":               attempt.Action,
		"replacement_order_id": nullableString(attempt.ReplacementOrderID),
		"outcome":              attempt.Outcome,
		"detail":               nullableString(attempt.Detail),
		"created_at":           attempt.CreatedAt.UTC(),
	}
	if _, err := q.Exec(ctx, recoveryInsertSQL, args); err != nil {
		return fmt.Errorf("order store: insert recovery attempt: %w", err)
	}
	return nil
}

// CreateOrder inserts the order unless its idempotency key exists.
func (s *OrderStore) CreateOrder(ctx context.Context, order schema.Order) (schema.Order, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, false, err
	}
	return s.createOrderWith(ctx, pool, order)
}

// UpdateOrder replaces the mutable fields of an order.
func (s *OrderStore) UpdateOrder(ctx context.Context, order schema.Order) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.updateOrderWith(ctx, pool, order)
}

// RecordFill appends a fill unless its exec id is already stored.
func (s *OrderStore) RecordFill(ctx context.Context, fill schema.Fill) (bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return false, err
	}
	return s.recordFillWith(ctx, pool, fill)
}

// RecordRecoveryAttempt appends an audit record.
func (s *OrderStore) RecordRecoveryAttempt(ctx context.Context, attempt schema.RecoveryAttempt) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	return s.recordAttemptWith(ctx, pool, attempt)
}

// WithTransaction executes the supplied callback within a database transaction.
func (s *OrderStore) WithTransaction(ctx context.Context, fn func(context.Context, orderstore.Tx) error) error {
	if fn == nil {
		return fmt.Errorf("order store: transaction callback required")
	}
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	var txOptions pgx.TxOptions
	txOptions.IsoLevel = pgx.ReadCommitted
	txOptions.AccessMode = pgx.ReadWrite
	txOptions.DeferrableMode = pgx.NotDeferrable

	tx, err := pool.BeginTx(ctx, txOptions)
	if err != nil {
		return fmt.Errorf("order store: begin tx: %w", err)
	}
	wrapped := &orderTx{tx: tx, store: s}
	runErr := fn(ctx, wrapped)
	if runErr != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return fmt.Errorf("order store: rollback tx: %w (original error: %v)", rbErr, runErr)
		}
		return runErr
	}
	if err := tx.Commit(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("order store: commit tx: %w", err)
	}
	return nil
}

// GetOrder returns the order with the given id.
func (s *OrderStore) GetOrder(ctx context.Context, id string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	return getOrderWith(ctx, pool, "id", id)
}

// GetOrderByClientID resolves an order by the client order id sent to the broker.
func (s *OrderStore) GetOrderByClientID(ctx context.Context, clientOrderID string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	return getOrderWith(ctx, pool, "client_order_id", clientOrderID)
}

// GetOrderByKey resolves an order by idempotency key.
func (s *OrderStore) GetOrderByKey(ctx context.Context, idempotencyKey string) (schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Order{}, err
	}
	return getOrderWith(ctx, pool, "idempotency_key", idempotencyKey)
}

func getOrderWith(ctx context.Context, q querier, column, value string) (schema.Order, error) {
	rows, err := q.Query(ctx, orderSelectBase+" WHERE "+column+" = $1", value)
	if err != nil {
		return schema.Order{}, fmt.Errorf("order store: get order: %w", err)
	}
	orders, err := collectOrders(rows)
	if err != nil {
		return schema.Order{}, err
	}
	if len(orders) == 0 {
		return schema.Order{}, notFound("order", value)
	}
	return orders[0], nil
}

// ListOrders returns orders matching the query, oldest first.
func (s *OrderStore) ListOrders(ctx context.Context, query orderstore.OrderQuery) ([]schema.Order, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultOrderLimit, maxOrderLimit)

	builder := strings.Builder{}
	builder.WriteString(orderSelectBase)
	builder.WriteString(" WHERE 1=1")

	args := make([]any, 0, 6)
	argPos := 1

	if trimmed := strings.TrimSpace(query.Entity); trimmed != "" {
		fmt.Fprintf(&builder, " AND entity = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.Mode != "" {
		fmt.Fprintf(&builder, " AND mode = $%d", argPos)
		args = append(args, string(query.Mode))
		argPos++
	}
	if trimmed := strings.TrimSpace(query.RunID); trimmed != "" {
		fmt.Fprintf(&builder, " AND run_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if states := normalizedStates(query.States); len(states) > 0 {
		fmt.Fprintf(&builder, " AND state = ANY($%d)", argPos)
		args = append(args, states)
		argPos++
	}
	if !query.CreatedBefore.IsZero() {
		fmt.Fprintf(&builder, " AND created_at < $%d", argPos)
		args = append(args, query.CreatedBefore.UTC())
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY created_at ASC, idempotency_key ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list orders: %w", err)
	}
	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]schema.Order, error) {
	defer rows.Close()
	var out []schema.Order
	for rows.Next() {
		var (
			order          schema.Order
			mode           string
			side           string
			kind           string
			state          string
			quantity       string
			limitPrice     pgtype.Text
			referencePrice string
			filled         string
			avgPrice       string
			commission     string
			brokerID       pgtype.Text
			rejectReason   pgtype.Text
			replaces       pgtype.Text
			reason         pgtype.Text
			metadataBytes  []byte
			submittedAt    pgtype.Timestamptz
			completedAt    pgtype.Timestamptz
		)
		if err := rows.Scan(
			&order.ID,
			&order.RunID,
			&order.Entity,
			&mode,
			&order.Symbol,
			&side,
			&kind,
			&quantity,
			&limitPrice,
			&referencePrice,
			&order.IdempotencyKey,
			&order.BaseKey,
			&order.Attempt,
			&state,
			&filled,
			&avgPrice,
			&commission,
			&order.ClientOrderID,
			&brokerID,
			&rejectReason,
			&replaces,
			&reason,
			&metadataBytes,
			&order.CreatedAt,
			&order.UpdatedAt,
			&submittedAt,
			&completedAt,
		); err != nil {
			return nil, fmt.Errorf("order store: scan order: %w", err)
		}
		order.Mode = schema.Mode(mode)
		order.Side = schema.Side(side)
		order.Kind = schema.OrderKind(kind)
		order.State = schema.OrderState(state)
		var err error
		if order.Quantity, err = parseDecimal(quantity); err != nil {
			return nil, err
		}
		if order.ReferencePrice, err = parseDecimal(referencePrice); err != nil {
			return nil, err
		}
		if order.FilledQuantity, err = parseDecimal(filled); err != nil {
			return nil, err
		}
		if order.AvgFillPrice, err = parseDecimal(avgPrice); err != nil {
			return nil, err
		}
		if order.Commission, err = parseDecimal(commission); err != nil {
			return nil, err
		}
		if order.LimitPrice, err = parseOptionalDecimal(limitPrice); err != nil {
			return nil, err
		}
		order.BrokerOrderID = brokerID.String
		order.RejectReason = rejectReason.String
		order.ReplacesOrderID = replaces.String
		order.Reason = reason.String
		order.SubmittedAt = timePtr(submittedAt)
		order.CompletedAt = timePtr(completedAt)
		order.CreatedAt = order.CreatedAt.UTC()
		order.UpdatedAt = order.UpdatedAt.UTC()
		if order.Metadata, err = decodeMetadata(metadataBytes); err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate orders: %w", err)
	}
	return out, nil
}

// ListFills returns the fills of an order in arrival order.
func (s *OrderStore) ListFills(ctx context.Context, orderID string) ([]schema.Fill, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, fillSelectSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("order store: list fills: %w", err)
	}
	defer rows.Close()

	var fills []schema.Fill
	for rows.Next() {
		var (
			fill                        schema.Fill
			quantity, price, commission string
			tradedAt                    time.Time
		)
		if err := rows.Scan(&fill.OrderID, &fill.ExecID, &quantity, &price, &commission, &tradedAt); err != nil {
			return nil, fmt.Errorf("order store: scan fill: %w", err)
		}
		if fill.Quantity, err = parseDecimal(quantity); err != nil {
			return nil, err
		}
		if fill.Price, err = parseDecimal(price); err != nil {
			return nil, err
		}
		if fill.Commission, err = parseDecimal(commission); err != nil {
			return nil, err
		}
		fill.Timestamp = tradedAt.UTC()
		fills = append(fills, fill)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate fills: %w", err)
	}
	return fills, nil
}

// ListRecoveryAttempts returns audit records, newest first.
func (s *OrderStore) ListRecoveryAttempts(ctx context.Context, query orderstore.RecoveryQuery) ([]schema.RecoveryAttempt, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultRecoveryLimit, maxRecoveryLimit)

	builder := strings.Builder{}
	builder.WriteString(recoverySelectBase)
	args := make([]any, 0, 2)
	argPos := 1
	if trimmed := strings.TrimSpace(query.OrderID); trimmed != "" {
		fmt.Fprintf(&builder, " WHERE order_id = $%d", argPos)
		args = append(args, trimmed)
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY seq DESC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("order store: list recovery attempts: %w", err)
	}
	defer rows.Close()

	var out []schema.RecoveryAttempt
	for rows.Next() {
		var (
			attempt     schema.RecoveryAttempt
			replacement pgtype.Text
			detail      pgtype.Text
		)
		if err := rows.Scan(&attempt.ID, &attempt.OrderID, &attempt.Trigger, &attempt.Action,
			&replacement, &attempt.Outcome, &detail, &attempt.CreatedAt); err != nil {
			return nil, fmt.Errorf("order store: scan recovery attempt: %w", err)
		}
		attempt.ReplacementOrderID = replacement.String
		attempt.Detail = detail.String
		attempt.CreatedAt = attempt.CreatedAt.UTC()
		out = append(out, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order store: iterate recovery attempts: %w", err)
	}
	return out, nil
}

func (t *orderTx) CreateOrder(ctx context.Context, order schema.Order) (schema.Order, bool, error) {
	if t == nil {
		return schema.Order{}, false, fmt.Errorf("order store: nil transaction")
	}
	return t.store.createOrderWith(ctx, t.tx, order)
}

func (t *orderTx) UpdateOrder(ctx context.Context, order schema.Order) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.updateOrderWith(ctx, t.tx, order)
}

func (t *orderTx) RecordFill(ctx context.Context, fill schema.Fill) (bool, error) {
	if t == nil {
		return false, fmt.Errorf("order store: nil transaction")
	}
	return t.store.recordFillWith(ctx, t.tx, fill)
}

func (t *orderTx) RecordRecoveryAttempt(ctx context.Context, attempt schema.RecoveryAttempt) error {
	if t == nil {
		return fmt.Errorf("order store: nil transaction")
	}
	return t.store.recordAttemptWith(ctx, t.tx, attempt)
}

func encodeJSON(value any, empty string) ([]byte, error) {
	if value == nil {
		return []byte(empty), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return []byte(empty), nil
	}
	return data, nil
}

func decodeMetadata(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("order store: decode metadata: %w", err)
	}
	if len(meta) == 0 {
		return nil, nil
	}
	return meta, nil
}

func nullableString(value string) any {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return trimmed
}

func nullableTime(ts *time.Time) any {
	if ts == nil {
		return nil
	}
	return ts.UTC()
}

func timePtr(ts pgtype.Timestamptz) *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time.UTC()
	return &t
}

func clampLimit(value, fallback, maximum int) int {
	if value <= 0 {
		return fallback
	}
	if value > maximum {
		return maximum
	}
	return value
}

func normalizedStates(states []schema.OrderState) []string {
	if len(states) == 0 {
		return nil
	}
	out := make([]string, 0, len(states))
	for _, state := range states {
		trimmed := strings.ToUpper(strings.TrimSpace(string(state)))
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
