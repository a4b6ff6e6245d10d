package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// RunStatus enumerates run lifecycle states.
type RunStatus string

const (
	// RunCreated is a run accepted for later execution.
	RunCreated RunStatus = "CREATED"
	// RunBlocked is a run rejected by the risk gate or the guard. Never retried.
	RunBlocked RunStatus = "BLOCKED"
	// RunSubmitted is a run whose orders entered the ledger.
	RunSubmitted RunStatus = "SUBMITTED"
	// RunCompleted is a run whose orders all reached a terminal state.
	RunCompleted RunStatus = "COMPLETED"
	// RunFailed is a run that could not be evaluated (e.g. no valuation).
	RunFailed RunStatus = "FAILED"
)

// Terminal reports whether the run outcome is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunBlocked, RunCompleted, RunFailed:
		return true
	default:
		return false
	}
}

// Run is one batch of intended trades derived from a single weight snapshot.
type Run struct {
	ID             string                     `json:"id"`
	Entity         string                     `json:"entity"`
	Mode           Mode                       `json:"mode"`
	IdempotencyKey string                     `json:"idempotencyKey"`
	TargetWeights  map[string]decimal.Decimal `json:"targetWeights"`
	Override       *RiskPolicy                `json:"override,omitempty"`
	Status         RunStatus                  `json:"status"`
	Reasons        []string                   `json:"reasons,omitempty"`
	Decision       *RiskDecision              `json:"decision,omitempty"`
	OrderIDs       []string                   `json:"orderIds,omitempty"`
	CreatedAt      time.Time                  `json:"createdAt"`
	UpdatedAt      time.Time                  `json:"updatedAt"`
	ExecutedAt     *time.Time                 `json:"executedAt,omitempty"`
}

// RiskViolation is one triggered risk rule together with the exact values compared.
type RiskViolation struct {
	Rule    string `json:"rule"`
	Symbol  string `json:"symbol,omitempty"`
	Field   string `json:"field,omitempty"`
	Value   string `json:"value,omitempty"`
	Limit   string `json:"limit,omitempty"`
	Message string `json:"message"`
}

// RiskDecision is the audited outcome of one risk evaluation.
type RiskDecision struct {
	ID         string            `json:"id"`
	RunID      string            `json:"runId"`
	Entity     string            `json:"entity"`
	Accepted   bool              `json:"accepted"`
	Violations []RiskViolation   `json:"violations,omitempty"`
	Values     map[string]string `json:"values,omitempty"`
	DecidedAt  time.Time         `json:"decidedAt"`
}

// Rules returns the distinct rule names of the violations in order of first appearance.
func (d RiskDecision) Rules() []string {
	seen := make(map[string]struct{}, len(d.Violations))
	out := make([]string, 0, len(d.Violations))
	for _, v := range d.Violations {
		if _, ok := seen[v.Rule]; ok {
			continue
		}
		seen[v.Rule] = struct{}{}
		out = append(out, v.Rule)
	}
	return out
}
