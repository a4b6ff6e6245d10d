package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/coachpo/execguard/internal/domain/guardstore"
	"github.com/coachpo/execguard/internal/domain/schema"
)

// GuardStore is an in-memory implementation of guardstore.Store.
type GuardStore struct {
	mu     sync.RWMutex
	states map[schema.GuardKey]schema.GuardState
}

var _ guardstore.Store = (*GuardStore)(nil)

// NewGuardStore constructs an empty store.
func NewGuardStore() *GuardStore {
	return &GuardStore{states: make(map[schema.GuardKey]schema.GuardState)}
}

// LoadGuard returns the state stored for key.
func (s *GuardStore) LoadGuard(ctx context.Context, key schema.GuardKey) (schema.GuardState, bool, error) {
	if err := ctxErr(ctx, "load guard"); err != nil {
		return schema.GuardState{}, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[key]
	if !ok {
		return schema.GuardState{}, false, nil
	}
	return state.Clone(), true, nil
}

// SaveGuard upserts the state under its key.
func (s *GuardStore) SaveGuard(ctx context.Context, state schema.GuardState) error {
	if err := ctxErr(ctx, "save guard"); err != nil {
		return err
	}
	s.mu.Lock()
	s.states[state.Key] = state.Clone()
	s.mu.Unlock()
	return nil
}

// ListGuards returns states matching the query, newest date first.
func (s *GuardStore) ListGuards(ctx context.Context, query guardstore.Query) ([]schema.GuardState, error) {
	if err := ctxErr(ctx, "list guards"); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]schema.GuardState, 0, len(s.states))
	for key, state := range s.states {
		if query.Entity != "" && key.Entity != query.Entity {
			continue
		}
		if query.Mode != "" && key.Mode != query.Mode {
			continue
		}
		if query.Date != "" && key.Date != query.Date {
			continue
		}
		if query.Status != "" && state.Status != query.Status {
			continue
		}
		out = append(out, state.Clone())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Date != out[j].Key.Date {
			return out[i].Key.Date > out[j].Key.Date
		}
		return out[i].Key.String() < out[j].Key.String()
	})
	if query.Limit > 0 && len(out) > query.Limit {
		out = out[:query.Limit]
	}
	return out, nil
}
