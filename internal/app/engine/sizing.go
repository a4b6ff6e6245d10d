package engine

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/coachpo/execguard/internal/app/risk"
	"github.com/coachpo/execguard/internal/domain/schema"
)

var weightTolerance = decimal.RequireFromString("0.000001")

// normaliseWeights upper-cases symbols and validates every weight is within [0, 1] and the total does
// not exceed 1. It returns the offending fields.
func normaliseWeights(weights map[string]decimal.Decimal) (map[string]decimal.Decimal, []string) {
	out := make(map[string]decimal.Decimal, len(weights))
	var invalid []string
	total := decimal.Zero
	one := decimal.NewFromInt(1)
	for symbol, weight := range weights {
		key := strings.ToUpper(strings.TrimSpace(symbol))
		if key == "" {
			invalid = append(invalid, "targetWeights")
			continue
		}
		if weight.IsNegative() || weight.GreaterThan(one) {
			invalid = append(invalid, "targetWeights."+key)
			continue
		}
		out[key] = out[key].Add(weight)
		total = total.Add(weight)
	}
	if len(weights) == 0 {
		invalid = append(invalid, "targetWeights")
	}
	if total.Sub(one).GreaterThan(weightTolerance) {
		invalid = append(invalid, "targetWeights.total")
	}
	sort.Strings(invalid)
	return out, invalid
}

// sizeLines converts target weights into share deltas: floor(weight × equity / price) minus the
// current position. Symbols already at target produce no line.
func sizeLines(weights map[string]decimal.Decimal, equity decimal.Decimal, positions, prices map[string]decimal.Decimal) []risk.Line {
	symbols := make([]string, 0, len(weights))
	for symbol := range weights {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	lines := make([]risk.Line, 0, len(symbols))
	for _, symbol := range symbols {
		price := prices[symbol]
		if !price.IsPositive() {
			continue
		}
		target := weights[symbol].Mul(equity).Div(price).Floor()
		delta := target.Sub(positions[symbol])
		switch {
		case delta.IsPositive():
			lines = append(lines, risk.Line{Symbol: symbol, Side: schema.SideBuy, Quantity: delta, Price: price})
		case delta.IsNegative():
			lines = append(lines, risk.Line{Symbol: symbol, Side: schema.SideSell, Quantity: delta.Abs(), Price: price})
		}
	}
	return lines
}
