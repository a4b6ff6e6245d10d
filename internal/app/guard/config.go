package guard

import (
	"time"

	"github.com/shopspring/decimal"
)

// Thresholds are the halt limits. Loss limits are fractions of equity and are compared as negatives
// (0.02 and -0.02 both mean a 2% loss). Zero disables a limit.
type Thresholds struct {
	MaxDailyLoss        decimal.Decimal `json:"maxDailyLoss"`
	MaxDrawdown         decimal.Decimal `json:"maxDrawdown"`
	MaxOrderFailures    int             `json:"maxOrderFailures"`
	MaxMarketDataErrors int             `json:"maxMarketDataErrors"`
	MaxRiskTriggers     int             `json:"maxRiskTriggers"`
}

// Policy overrides individual thresholds for one evaluation.
type Policy struct {
	MaxDailyLoss        *decimal.Decimal `json:"maxDailyLoss,omitempty"`
	MaxDrawdown         *decimal.Decimal `json:"maxDrawdown,omitempty"`
	MaxOrderFailures    *int             `json:"maxOrderFailures,omitempty"`
	MaxMarketDataErrors *int             `json:"maxMarketDataErrors,omitempty"`
	MaxRiskTriggers     *int             `json:"maxRiskTriggers,omitempty"`
}

// Apply returns t with every field set on p replaced.
func (t Thresholds) Apply(p Policy) Thresholds {
	if p.MaxDailyLoss != nil {
		t.MaxDailyLoss = *p.MaxDailyLoss
	}
	if p.MaxDrawdown != nil {
		t.MaxDrawdown = *p.MaxDrawdown
	}
	if p.MaxOrderFailures != nil {
		t.MaxOrderFailures = *p.MaxOrderFailures
	}
	if p.MaxMarketDataErrors != nil {
		t.MaxMarketDataErrors = *p.MaxMarketDataErrors
	}
	if p.MaxRiskTriggers != nil {
		t.MaxRiskTriggers = *p.MaxRiskTriggers
	}
	return t
}

// Config controls the guard loop.
type Config struct {
	Thresholds Thresholds
	// Interval is the evaluation cadence of Run.
	Interval time.Duration
	// Cooldown is added to the halt time and exposed as CooldownUntil.
	Cooldown time.Duration
	// CheckMaxAge lets Check reuse an evaluation younger than this instead of revaluing.
	CheckMaxAge time.Duration
	// Location defines the trading date boundary.
	Location *time.Location
	// Parallelism bounds concurrent evaluations in Run.
	Parallelism int
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	if c.CheckMaxAge < 0 {
		c.CheckMaxAge = 0
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
}

func lossLimit(limit decimal.Decimal) decimal.Decimal {
	return limit.Abs().Neg()
}
