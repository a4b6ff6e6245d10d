// Package runstore defines persistence contracts for runs, risk decisions and risk defaults.
package runstore

import (
	"context"

	"github.com/coachpo/execguard/internal/domain/schema"
)

// Store persists runs and their audit trail.
type Store interface {
	// CreateRun inserts the run unless a run with the same entity and idempotency key exists, in which
	// case the stored run is returned and created is false.
	CreateRun(ctx context.Context, run schema.Run) (stored schema.Run, created bool, err error)
	GetRun(ctx context.Context, id string) (schema.Run, error)
	UpdateRun(ctx context.Context, run schema.Run) error

	RecordDecision(ctx context.Context, decision schema.RiskDecision) error
	ListDecisions(ctx context.Context, runID string) ([]schema.RiskDecision, error)

	LoadRiskDefaults(ctx context.Context) (policy schema.RiskPolicy, found bool, err error)
	SaveRiskDefaults(ctx context.Context, policy schema.RiskPolicy) error
}
