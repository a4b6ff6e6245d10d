// Package guardstore defines persistence contracts for intraday guard state.
package guardstore

import (
	"context"

	"github.com/coachpo/execguard/internal/domain/schema"
)

// Query scopes guard state lookups.
type Query struct {
	Entity string             `json:"entity,omitempty"`
	Mode   schema.Mode        `json:"mode,omitempty"`
	Date   string             `json:"date,omitempty"`
	Status schema.GuardStatus `json:"status,omitempty"`
	Limit  int                `json:"limit,omitempty"`
}

// Store persists one record per (entity, date, mode). Records are never deleted.
type Store interface {
	LoadGuard(ctx context.Context, key schema.GuardKey) (state schema.GuardState, found bool, err error)
	SaveGuard(ctx context.Context, state schema.GuardState) error
	ListGuards(ctx context.Context, query Query) ([]schema.GuardState, error)
}
