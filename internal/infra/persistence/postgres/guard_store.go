package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/execguard/internal/domain/guardstore"
	"github.com/coachpo/execguard/internal/domain/schema"
)

// GuardStore persists one guard state per (entity, trading date, mode).
type GuardStore struct {
	pool *pgxpool.Pool
}

var _ guardstore.Store = (*GuardStore)(nil)

// NewGuardStore constructs a GuardStore backed by the provided pool.
func NewGuardStore(pool *pgxpool.Pool) *GuardStore {
	return &GuardStore{pool: pool}
}

const (
	guardUpsertSQL = `
INSERT INTO guard_states (entity, trade_date, mode, status, state, updated_at)
VALUES (@entity, @trade_date::date, @mode, @status, @state::jsonb, @updated_at)
ON CONFLICT (entity, trade_date, mode) DO UPDATE SET
    status = EXCLUDED.status,
    state = EXCLUDED.state,
    updated_at = EXCLUDED.updated_at;
`

	guardSelectBase = `SELECT state FROM guard_states`

	defaultGuardLimit = 100
	maxGuardLimit     = 1000
)

func (s *GuardStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("guard store: nil pool")
	}
	return s.pool, nil
}

// LoadGuard returns the state stored for key.
func (s *GuardStore) LoadGuard(ctx context.Context, key schema.GuardKey) (schema.GuardState, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.GuardState{}, false, err
	}
	var raw []byte
	err = pool.QueryRow(ctx, guardSelectBase+" WHERE entity = $1 AND trade_date = $2::date AND mode = $3",
		key.Entity, key.Date, string(key.Mode)).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.GuardState{}, false, nil
		}
		return schema.GuardState{}, false, fmt.Errorf("guard store: load guard: %w", err)
	}
	state, err := decodeGuard(raw)
	if err != nil {
		return schema.GuardState{}, false, err
	}
	return state, true, nil
}

// SaveGuard upserts the state under its key.
func (s *GuardStore) SaveGuard(ctx context.Context, state schema.GuardState) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("guard store: encode state: %w", err)
	}
	args := pgx.NamedArgs{
		"entity":     state.Key.Entity,
		"trade_date": state.Key.Date,
		"mode":       string(state.Key.Mode),
		"status":     string(state.Status),
		"state":      raw,
		"updated_at": state.UpdatedAt.UTC(),
	}
	if _, err := pool.Exec(ctx, guardUpsertSQL, args); err != nil {
		return fmt.Errorf("guard store: save guard: %w", err)
	}
	return nil
}

// ListGuards returns states matching the query, newest date first.
func (s *GuardStore) ListGuards(ctx context.Context, query guardstore.Query) ([]schema.GuardState, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	limit := clampLimit(query.Limit, defaultGuardLimit, maxGuardLimit)

	builder := strings.Builder{}
	builder.WriteString(guardSelectBase)
	builder.WriteString(" WHERE 1=1")
	args := make([]any, 0, 5)
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
	if trimmed := strings.TrimSpace(query.Date); trimmed != "" {
		fmt.Fprintf(&builder, " AND trade_date = $%d::date", argPos)
		args = append(args, trimmed)
		argPos++
	}
	if query.Status != "" {
		fmt.Fprintf(&builder, " AND status = $%d", argPos)
		args = append(args, string(query.Status))
		argPos++
	}
	fmt.Fprintf(&builder, " ORDER BY trade_date DESC, entity ASC, mode ASC LIMIT $%d", argPos)
	args = append(args, limit)

	rows, err := pool.Query(ctx, builder.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("guard store: list guards: %w", err)
	}
	defer rows.Close()

	var out []schema.GuardState
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("guard store: scan guard: %w", err)
		}
		state, err := decodeGuard(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("guard store: iterate guards: %w", err)
	}
	return out, nil
}

func decodeGuard(raw []byte) (schema.GuardState, error) {
	var state schema.GuardState
	if err := json.Unmarshal(raw, &state); err != nil {
		return schema.GuardState{}, fmt.Errorf("guard store: decode state: %w", err)
	}
	return state, nil
}
