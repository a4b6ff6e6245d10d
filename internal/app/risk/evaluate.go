package risk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/internal/domain/schema"
)

// Rule names reported in violations.
const (
	RuleMissingField     = "missing_field"
	RuleMaxOrderNotional = "max_order_notional"
	RuleMaxPositionRatio = "max_position_ratio"
	RuleMaxRunNotional   = "max_run_notional"
	RuleMaxSymbolCount   = "max_symbol_count"
	RuleMinCashBuffer    = "min_cash_buffer"
)

// Line is one intended order of a batch.
type Line struct {
	Symbol   string          `json:"symbol"`
	Side     schema.Side     `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Notional returns |quantity × price|.
func (l Line) Notional() decimal.Decimal {
	return l.Quantity.Mul(l.Price).Abs()
}

func (l Line) signedNotional() decimal.Decimal {
	if l.Side == schema.SideSell {
		return l.Notional().Neg()
	}
	return l.Notional()
}

// Batch is the set of orders a run wants to place, with the context needed to judge it.
type Batch struct {
	RunID  string      `json:"runId"`
	Entity string      `json:"entity"`
	Mode   schema.Mode `json:"mode"`
	Lines  []Line      `json:"lines"`
	// Holdings is the current market value per symbol, signed.
	Holdings map[string]decimal.Decimal `json:"holdings,omitempty"`
	// Committed is the remaining notional of the entity's in-flight orders.
	Committed decimal.Decimal `json:"committed"`
}

// Evaluate applies the rules in order. Missing or non-numeric required inputs stop evaluation with
// missing_field; every other violated rule is collected. Any violation blocks the whole batch.
// The returned decision carries no id or timestamp.
func Evaluate(batch Batch, policy schema.RiskPolicy) schema.RiskDecision {
	decision := schema.RiskDecision{
		RunID:    batch.RunID,
		Entity:   batch.Entity,
		Accepted: false,
		Values:   make(map[string]string),
	}

	if missing := missingFields(policy); len(missing) > 0 {
		decision.Violations = missing
		return decision
	}
	portfolio := *policy.PortfolioValue
	cash := *policy.AvailableCash
	decision.Values[schema.PolicyPortfolioValue] = portfolio.String()
	decision.Values[schema.PolicyAvailableCash] = cash.String()

	var violations []schema.RiskViolation

	// (2) per-order notional
	runNotional := decimal.Zero
	buys, sells := decimal.Zero, decimal.Zero
	targets := make(map[string]decimal.Decimal, len(batch.Holdings)+len(batch.Lines))
	for symbol, value := range batch.Holdings {
		targets[symbol] = value
	}
	for _, line := range batch.Lines {
		notional := line.Notional()
		runNotional = runNotional.Add(notional)
		if line.Side == schema.SideSell {
			sells = sells.Add(notional)
		} else {
			buys = buys.Add(notional)
		}
		targets[line.Symbol] = targets[line.Symbol].Add(line.signedNotional())
		decision.Values["orderNotional."+line.Symbol] = notional.String()
		if policy.MaxOrderNotional != nil && notional.GreaterThan(*policy.MaxOrderNotional) {
			violations = append(violations, violation(RuleMaxOrderNotional, line.Symbol,
				schema.PolicyMaxOrderNotional, notional, *policy.MaxOrderNotional,
				"order notional %s exceeds %s"))
		}
	}

	// (3) per-symbol position ratio after execution
	for _, symbol := range batchSymbols(batch.Lines) {
		ratio := targets[symbol].Abs().Div(portfolio)
		decision.Values["positionRatio."+symbol] = ratio.StringFixed(6)
		if policy.MaxPositionRatio != nil && ratio.GreaterThan(*policy.MaxPositionRatio) {
			violations = append(violations, violation(RuleMaxPositionRatio, symbol,
				schema.PolicyMaxPositionRatio, ratio.Round(6), *policy.MaxPositionRatio,
				"position ratio %s exceeds %s"))
		}
	}

	// (4) aggregate notional against committed capital
	committed := batch.Committed.Abs()
	aggregate := runNotional.Add(committed)
	decision.Values["runNotional"] = runNotional.String()
	decision.Values["committedNotional"] = committed.String()
	if policy.MaxRunNotional != nil && aggregate.GreaterThan(*policy.MaxRunNotional) {
		violations = append(violations, violation(RuleMaxRunNotional, "",
			schema.PolicyMaxRunNotional, aggregate, *policy.MaxRunNotional,
			"run notional %s (including in-flight orders) exceeds %s"))
	}

	// (5) symbols held after execution
	count := 0
	for _, value := range targets {
		if !value.IsZero() {
			count++
		}
	}
	decision.Values["symbolCount"] = strconv.Itoa(count)
	if policy.MaxSymbolCount != nil && count > *policy.MaxSymbolCount {
		violations = append(violations, violation(RuleMaxSymbolCount, "",
			schema.PolicyMaxSymbolCount, decimal.NewFromInt(int64(count)), decimal.NewFromInt(int64(*policy.MaxSymbolCount)),
			"symbol count %s exceeds %s"))
	}

	// (6) cash buffer after hypothetical execution
	cashAfter := cash.Sub(buys).Add(sells)
	bufferRatio := cashAfter.Div(portfolio)
	decision.Values["cashAfter"] = cashAfter.String()
	decision.Values["cashBufferRatio"] = bufferRatio.StringFixed(6)
	if policy.MinCashBufferRatio != nil && bufferRatio.LessThan(*policy.MinCashBufferRatio) {
		violations = append(violations, violation(RuleMinCashBuffer, "",
			schema.PolicyMinCashBufferRatio, bufferRatio.Round(6), *policy.MinCashBufferRatio,
			"cash buffer ratio %s below %s"))
	}

	decision.Violations = violations
	decision.Accepted = len(violations) == 0
	return decision
}

func missingFields(policy schema.RiskPolicy) []schema.RiskViolation {
	var out []schema.RiskViolation
	invalid := make(map[string]struct{}, len(policy.Invalid))
	for _, field := range policy.Invalid {
		invalid[field] = struct{}{}
		out = append(out, schema.RiskViolation{
			Rule:    RuleMissingField,
			Field:   field,
			Message: fmt.Sprintf("%s is not numeric", field),
		})
	}
	required := []struct {
		name  string
		value *decimal.Decimal
	}{
		{schema.PolicyPortfolioValue, policy.PortfolioValue},
		{schema.PolicyAvailableCash, policy.AvailableCash},
	}
	for _, req := range required {
		if _, ok := invalid[req.name]; ok {
			continue
		}
		if req.value == nil {
			out = append(out, schema.RiskViolation{Rule: RuleMissingField, Field: req.name, Message: req.name + " is required"})
		}
	}
	if policy.PortfolioValue != nil && !policy.PortfolioValue.IsPositive() {
		out = append(out, schema.RiskViolation{
			Rule:    RuleMissingField,
			Field:   schema.PolicyPortfolioValue,
			Value:   policy.PortfolioValue.String(),
			Message: "portfolioValue must be positive",
		})
	}
	return out
}

func violation(rule, symbol, field string, value, limit decimal.Decimal, format string) schema.RiskViolation {
	msg := fmt.Sprintf(format, value.String(), limit.String())
	if symbol != "" {
		msg = symbol + ": " + msg
	}
	return schema.RiskViolation{
		Rule:    rule,
		Symbol:  symbol,
		Field:   field,
		Value:   value.String(),
		Limit:   limit.String(),
		Message: msg,
	}
}

func batchSymbols(lines []Line) []string {
	seen := make(map[string]struct{}, len(lines))
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		symbol := strings.TrimSpace(line.Symbol)
		if _, ok := seen[symbol]; ok {
			continue
		}
		seen[symbol] = struct{}{}
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
