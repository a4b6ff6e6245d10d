// Package risk evaluates run batches against layered pre-trade limits.
package risk

import (
	"sort"

	"github.com/coachpo/execguard/internal/domain/schema"
)

// Merge returns the effective policy: every field set on override wins, unset fields fall back to defaults.
// Neither argument is modified.
func Merge(defaults, override schema.RiskPolicy) schema.RiskPolicy {
	out := schema.RiskPolicy{
		MaxOrderNotional:   pick(override.MaxOrderNotional, defaults.MaxOrderNotional),
		MaxPositionRatio:   pick(override.MaxPositionRatio, defaults.MaxPositionRatio),
		MaxRunNotional:     pick(override.MaxRunNotional, defaults.MaxRunNotional),
		MaxSymbolCount:     pick(override.MaxSymbolCount, defaults.MaxSymbolCount),
		MinCashBufferRatio: pick(override.MinCashBufferRatio, defaults.MinCashBufferRatio),
		PortfolioValue:     pick(override.PortfolioValue, defaults.PortfolioValue),
		AvailableCash:      pick(override.AvailableCash, defaults.AvailableCash),
	}
	// an invalid override value shadows the default; an invalid default survives only if not overridden
	invalid := make(map[string]struct{})
	for _, field := range override.Invalid {
		invalid[field] = struct{}{}
	}
	for _, field := range defaults.Invalid {
		if !overrideSets(override, field) {
			invalid[field] = struct{}{}
		}
	}
	for field := range invalid {
		out.Invalid = append(out.Invalid, field)
	}
	sort.Strings(out.Invalid)
	return out
}

func pick[T any](override, fallback *T) *T {
	if override != nil {
		v := *override
		return &v
	}
	if fallback != nil {
		v := *fallback
		return &v
	}
	return nil
}

func overrideSets(p schema.RiskPolicy, field string) bool {
	switch field {
	case schema.PolicyMaxOrderNotional:
		return p.MaxOrderNotional != nil
	case schema.PolicyMaxPositionRatio:
		return p.MaxPositionRatio != nil
	case schema.PolicyMaxRunNotional:
		return p.MaxRunNotional != nil
	case schema.PolicyMaxSymbolCount:
		return p.MaxSymbolCount != nil
	case schema.PolicyMinCashBufferRatio:
		return p.MinCashBufferRatio != nil
	case schema.PolicyPortfolioValue:
		return p.PortfolioValue != nil
	case schema.PolicyAvailableCash:
		return p.AvailableCash != nil
	default:
		return false
	}
}
