package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/execguard/internal/domain/runstore"
	"github.com/coachpo/execguard/internal/domain/schema"
	"github.com/shopspring/decimal"
)

// RunStore is an in-memory implementation of runstore.Store.
type RunStore struct {
	mu        sync.RWMutex
	runs      map[string]schema.Run
	byKey     map[string]string
	decisions map[string][]schema.RiskDecision
	defaults  *schema.RiskPolicy
}

var _ runstore.Store = (*RunStore)(nil)

// NewRunStore constructs an empty store.
func NewRunStore() *RunStore {
	return &RunStore{
		runs:      make(map[string]schema.Run),
		byKey:     make(map[string]string),
		decisions: make(map[string][]schema.RiskDecision),
	}
}

func runKey(entity, key string) string {
	return entity + "|" + key
}

// CreateRun inserts the run unless the entity already has a run under the same idempotency key.
func (s *RunStore) CreateRun(ctx context.Context, run schema.Run) (schema.Run, bool, error) {
	if err := ctxErr(ctx, "create run"); err != nil {
		return schema.Run{}, false, err
	}
	if strings.TrimSpace(run.ID) == "" {
		return schema.Run{}, false, fmt.Errorf("run store: run id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.IdempotencyKey != "" {
		if id, ok := s.byKey[runKey(run.Entity, run.IdempotencyKey)]; ok {
			return cloneRun(s.runs[id]), false, nil
		}
		s.byKey[runKey(run.Entity, run.IdempotencyKey)] = run.ID
	}
	s.runs[run.ID] = cloneRun(run)
	return cloneRun(run), true, nil
}

// GetRun returns the run with the given id.
func (s *RunStore) GetRun(ctx context.Context, id string) (schema.Run, error) {
	if err := ctxErr(ctx, "get run"); err != nil {
		return schema.Run{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return schema.Run{}, notFound("run", id)
	}
	return cloneRun(run), nil
}

// UpdateRun replaces a stored run.
func (s *RunStore) UpdateRun(ctx context.Context, run schema.Run) error {
	if err := ctxErr(ctx, "update run"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return notFound("run", run.ID)
	}
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// RecordDecision appends a risk decision to the run's audit trail.
func (s *RunStore) RecordDecision(ctx context.Context, decision schema.RiskDecision) error {
	if err := ctxErr(ctx, "record decision"); err != nil {
		return err
	}
	s.mu.Lock()
	s.decisions[decision.RunID] = append(s.decisions[decision.RunID], decision)
	s.mu.Unlock()
	return nil
}

// ListDecisions returns the decisions of a run in the order they were made.
func (s *RunStore) ListDecisions(ctx context.Context, runID string) ([]schema.RiskDecision, error) {
	if err := ctxErr(ctx, "list decisions"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]schema.RiskDecision(nil), s.decisions[runID]...), nil
}

// LoadRiskDefaults returns the persisted global defaults.
func (s *RunStore) LoadRiskDefaults(ctx context.Context) (schema.RiskPolicy, bool, error) {
	if err := ctxErr(ctx, "load risk defaults"); err != nil {
		return schema.RiskPolicy{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.defaults == nil {
		return schema.RiskPolicy{}, false, nil
	}
	return *s.defaults, true, nil
}

// SaveRiskDefaults replaces the persisted global defaults.
func (s *RunStore) SaveRiskDefaults(ctx context.Context, policy schema.RiskPolicy) error {
	if err := ctxErr(ctx, "save risk defaults"); err != nil {
		return err
	}
	s.mu.Lock()
	s.defaults = &policy
	s.mu.Unlock()
	return nil
}

func cloneRun(run schema.Run) schema.Run {
	out := run
	if run.TargetWeights != nil {
		out.TargetWeights = make(map[string]decimal.Decimal, len(run.TargetWeights))
		for k, v := range run.TargetWeights {
			out.TargetWeights[k] = v
		}
	}
	out.Reasons = append([]string(nil), run.Reasons...)
	out.OrderIDs = append([]string(nil), run.OrderIDs...)
	if run.Decision != nil {
		d := *run.Decision
		out.Decision = &d
	}
	return out
}
