package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/internal/domain/runstore"
	"github.com/coachpo/execguard/internal/domain/schema"
)

// RunStore persists runs, risk decisions and the global risk defaults.
type RunStore struct {
	pool *pgxpool.Pool
}

var _ runstore.Store = (*RunStore)(nil)

// NewRunStore constructs a RunStore backed by the provided pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

const (
	runInsertSQL = `
INSERT INTO runs (
    id, entity, mode, idempotency_key, target_weights, override, status,
    reasons, decision, order_ids, created_at, updated_at, executed_at
)
VALUES (
    @id, @entity, @mode, @idempotency_key, @target_weights::jsonb, @override::jsonb, @status,
    @reasons, @decision::jsonb, @order_ids, @created_at, @updated_at, @executed_at
)
ON CONFLICT (entity, idempotency_key) DO NOTHING;
`

	runUpdateSQL = `
UPDATE runs
SET status = @status,
    reasons = @reasons,
    decision = @decision::jsonb,
    order_ids = @order_ids,
    updated_at = @updated_at,
    executed_at = @executed_at
WHERE id = @id;
`

	runSelectBase = `
SELECT id, entity, mode, idempotency_key, target_weights, override, status,
       reasons, decision, order_ids, created_at, updated_at, executed_at
FROM runs
`

	decisionInsertSQL = `
INSERT INTO risk_decisions (id, run_id, entity, accepted, violations, inputs, decided_at)
VALUES (@id, @run_id, @entity, @accepted, @violations::jsonb, @inputs::jsonb, @decided_at);
`

	decisionSelectSQL = `
SELECT id, run_id, entity, accepted, violations, inputs, decided_at
FROM risk_decisions
WHERE run_id = $1
ORDER BY decided_at ASC, id ASC;
`

	defaultsUpsertSQL = `
INSERT INTO risk_defaults (id, policy, updated_at)
VALUES (1, @policy::jsonb, NOW())
ON CONFLICT (id) DO UPDATE SET policy = EXCLUDED.policy, updated_at = NOW();
`

	defaultsSelectSQL = `SELECT policy FROM risk_defaults WHERE id = 1;`
)

func (s *RunStore) ensurePool() (*pgxpool.Pool, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("run store: nil pool")
	}
	return s.pool, nil
}

func runArgs(run schema.Run) (pgx.NamedArgs, error) {
	weights, err := encodeJSON(run.TargetWeights, "{}")
	if err != nil {
		return nil, fmt.Errorf("run store: encode weights: %w", err)
	}
	var override, decision []byte
	if run.Override != nil {
		if override, err = json.Marshal(run.Override); err != nil {
			return nil, fmt.Errorf("run store: encode override: %w", err)
		}
	}
	if run.Decision != nil {
		if decision, err = json.Marshal(run.Decision); err != nil {
			return nil, fmt.Errorf("run store: encode decision: %w", err)
		}
	}
	return pgx.NamedArgs{
		"id":              run.ID,
		"entity":          run.Entity,
		"mode":            string(run.Mode),
		"idempotency_key": run.IdempotencyKey,
		"target_weights":  weights,
		"override":        nullableBytes(override),
		"status":          string(run.Status),
		"reasons":         nonNilStrings(run.Reasons),
		"decision":        nullableBytes(decision),
		"order_ids":       nonNilStrings(run.OrderIDs),
		"created_at":      run.CreatedAt.UTC(),
		"updated_at":      run.UpdatedAt.UTC(),
		"executed_at":     nullableTime(run.ExecutedAt),
	}, nil
}

// CreateRun inserts the run unless the entity already has a run under the same idempotency key.
func (s *RunStore) CreateRun(ctx context.Context, run schema.Run) (schema.Run, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Run{}, false, err
	}
	if strings.TrimSpace(run.ID) == "" {
		return schema.Run{}, false, fmt.Errorf("run store: run id required")
	}
	if run.IdempotencyKey == "" {
		run.IdempotencyKey = run.ID
	}
	args, err := runArgs(run)
	if err != nil {
		return schema.Run{}, false, err
	}
	tag, err := pool.Exec(ctx, runInsertSQL, args)
	if err != nil {
		if isPgCode(err, pgUniqueViolation) {
			return schema.Run{}, false, conflict("run", run.ID, err)
		}
		return schema.Run{}, false, fmt.Errorf("run store: insert run: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return run, true, nil
	}
	stored, err := s.queryRun(ctx, pool, " WHERE entity = $1 AND idempotency_key = $2", run.Entity, run.IdempotencyKey)
	if err != nil {
		return schema.Run{}, false, err
	}
	return stored, false, nil
}

// GetRun returns the run with the given id.
func (s *RunStore) GetRun(ctx context.Context, id string) (schema.Run, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.Run{}, err
	}
	return s.queryRun(ctx, pool, " WHERE id = $1", id)
}

func (s *RunStore) queryRun(ctx context.Context, pool *pgxpool.Pool, where string, args ...any) (schema.Run, error) {
	var (
		run          schema.Run
		mode, status string
		weights      []byte
		override     []byte
		decision     []byte
		executedAt   pgtype.Timestamptz
	)
	err := pool.QueryRow(ctx, runSelectBase+where, args...).Scan(
		&run.ID,
		&run.Entity,
		&mode,
		&run.IdempotencyKey,
		&weights,
		&override,
		&status,
		&run.Reasons,
		&decision,
		&run.OrderIDs,
		&run.CreatedAt,
		&run.UpdatedAt,
		&executedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.Run{}, notFound("run", fmt.Sprint(args...))
		}
		return schema.Run{}, fmt.Errorf("run store: get run: %w", err)
	}
	run.Mode = schema.Mode(mode)
	run.Status = schema.RunStatus(status)
	run.CreatedAt = run.CreatedAt.UTC()
	run.UpdatedAt = run.UpdatedAt.UTC()
	run.ExecutedAt = timePtr(executedAt)
	if len(run.Reasons) == 0 {
		run.Reasons = nil
	}
	if len(run.OrderIDs) == 0 {
		run.OrderIDs = nil
	}
	run.TargetWeights = make(map[string]decimal.Decimal)
	if err := json.Unmarshal(weights, &run.TargetWeights); err != nil {
		return schema.Run{}, fmt.Errorf("run store: decode weights: %w", err)
	}
	if len(override) > 0 {
		var policy schema.RiskPolicy
		if err := json.Unmarshal(override, &policy); err != nil {
			return schema.Run{}, fmt.Errorf("run store: decode override: %w", err)
		}
		run.Override = &policy
	}
	if len(decision) > 0 {
		var d schema.RiskDecision
		if err := json.Unmarshal(decision, &d); err != nil {
			return schema.Run{}, fmt.Errorf("run store: decode decision: %w", err)
		}
		run.Decision = &d
	}
	return run, nil
}

// UpdateRun replaces the mutable fields of a run.
func (s *RunStore) UpdateRun(ctx context.Context, run schema.Run) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	args, err := runArgs(run)
	if err != nil {
		return err
	}
	tag, err := pool.Exec(ctx, runUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("run store: update run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("run", run.ID)
	}
	return nil
}

// RecordDecision appends a risk decision to the audit trail.
func (s *RunStore) RecordDecision(ctx context.Context, decision schema.RiskDecision) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	violations, err := encodeJSON(decision.Violations, "[]")
	if err != nil {
		return fmt.Errorf("run store: encode violations: %w", err)
	}
	inputs, err := encodeJSON(decision.Values, "{}")
	if err != nil {
		return fmt.Errorf("run store: encode inputs: %w", err)
	}
	args := pgx.NamedArgs{
		"id":         decision.ID,
		"run_id":     decision.RunID,
		"entity":     decision.Entity,
		"accepted":   decision.Accepted,
		"violations": violations,
		"inputs":     inputs,
		"decided_at": decision.DecidedAt.UTC(),
	}
	if _, err := pool.Exec(ctx, decisionInsertSQL, args); err != nil {
		return fmt.Errorf("run store: insert decision: %w", err)
	}
	return nil
}

// ListDecisions returns the decisions of a run in the order they were made.
func (s *RunStore) ListDecisions(ctx context.Context, runID string) ([]schema.RiskDecision, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, decisionSelectSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("run store: list decisions: %w", err)
	}
	defer rows.Close()

	var out []schema.RiskDecision
	for rows.Next() {
		var (
			decision   schema.RiskDecision
			violations []byte
			inputs     []byte
			decidedAt  time.Time
		)
		if err := rows.Scan(&decision.ID, &decision.RunID, &decision.Entity, &decision.Accepted,
			&violations, &inputs, &decidedAt); err != nil {
			return nil, fmt.Errorf("run store: scan decision: %w", err)
		}
		if err := json.Unmarshal(violations, &decision.Violations); err != nil {
			return nil, fmt.Errorf("run store: decode violations: %w", err)
		}
		if err := json.Unmarshal(inputs, &decision.Values); err != nil {
			return nil, fmt.Errorf("run store: decode inputs: %w", err)
		}
		if len(decision.Violations) == 0 {
			decision.Violations = nil
		}
		decision.DecidedAt = decidedAt.UTC()
		out = append(out, decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("run store: iterate decisions: %w", err)
	}
	return out, nil
}

// LoadRiskDefaults returns the persisted global defaults.
func (s *RunStore) LoadRiskDefaults(ctx context.Context) (schema.RiskPolicy, bool, error) {
	pool, err := s.ensurePool()
	if err != nil {
		return schema.RiskPolicy{}, false, err
	}
	var raw []byte
	if err := pool.QueryRow(ctx, defaultsSelectSQL).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schema.RiskPolicy{}, false, nil
		}
		return schema.RiskPolicy{}, false, fmt.Errorf("run store: load risk defaults: %w", err)
	}
	var policy schema.RiskPolicy
	if err := json.Unmarshal(raw, &policy); err != nil {
		return schema.RiskPolicy{}, false, fmt.Errorf("run store: decode risk defaults: %w", err)
	}
	return policy, true, nil
}

// SaveRiskDefaults replaces the persisted global defaults.
func (s *RunStore) SaveRiskDefaults(ctx context.Context, policy schema.RiskPolicy) error {
	pool, err := s.ensurePool()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(policy)
	if err != nil {
		return fmt.Errorf("run store: encode risk defaults: %w", err)
	}
	if _, err := pool.Exec(ctx, defaultsUpsertSQL, pgx.NamedArgs{"policy": raw}); err != nil {
		return fmt.Errorf("run store: save risk defaults: %w", err)
	}
	return nil
}

func nullableBytes(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
