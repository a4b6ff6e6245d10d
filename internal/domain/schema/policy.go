package schema

import (
	"fmt"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// Policy field names, used both as JSON keys and as missing_field reasons.
const (
	PolicyMaxOrderNotional   = "maxOrderNotional"
	PolicyMaxPositionRatio   = "maxPositionRatio"
	PolicyMaxRunNotional     = "maxRunNotional"
	PolicyMaxSymbolCount     = "maxSymbolCount"
	PolicyMinCashBufferRatio = "minCashBufferRatio"
	PolicyPortfolioValue     = "portfolioValue"
	PolicyAvailableCash      = "availableCash"
)

// RiskPolicy is a risk configuration where every field is optional. Unset (nil) fields fall back to the
// other side of a merge; Invalid lists fields that were supplied but were not numeric.
type RiskPolicy struct {
	MaxOrderNotional   *decimal.Decimal `json:"maxOrderNotional,omitempty"`
	MaxPositionRatio   *decimal.Decimal `json:"maxPositionRatio,omitempty"`
	MaxRunNotional     *decimal.Decimal `json:"maxRunNotional,omitempty"`
	MaxSymbolCount     *int             `json:"maxSymbolCount,omitempty"`
	MinCashBufferRatio *decimal.Decimal `json:"minCashBufferRatio,omitempty"`
	PortfolioValue     *decimal.Decimal `json:"portfolioValue,omitempty"`
	AvailableCash      *decimal.Decimal `json:"availableCash,omitempty"`

	Invalid []string `json:"invalid,omitempty"`
}

// UnmarshalJSON accepts numbers or numeric strings per field and records non-numeric values in Invalid
// instead of failing the whole document.
func (p *RiskPolicy) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("risk policy: %w", err)
	}
	decoded, err := DecodeRiskPolicy(raw)
	if err != nil {
		return err
	}
	*p = decoded
	return nil
}

// DecodeRiskPolicy builds a policy from a loosely typed map (JSON or YAML sourced).
func DecodeRiskPolicy(raw map[string]any) (RiskPolicy, error) {
	var out RiskPolicy
	for key, value := range raw {
		switch key {
		case PolicyMaxOrderNotional:
			out.MaxOrderNotional = out.decimalField(key, value)
		case PolicyMaxPositionRatio:
			out.MaxPositionRatio = out.decimalField(key, value)
		case PolicyMaxRunNotional:
			out.MaxRunNotional = out.decimalField(key, value)
		case PolicyMinCashBufferRatio:
			out.MinCashBufferRatio = out.decimalField(key, value)
		case PolicyPortfolioValue:
			out.PortfolioValue = out.decimalField(key, value)
		case PolicyAvailableCash:
			out.AvailableCash = out.decimalField(key, value)
		case PolicyMaxSymbolCount:
			if d := out.decimalField(key, value); d != nil {
				if !d.IsInteger() {
					out.Invalid = append(out.Invalid, key)
					continue
				}
				n := int(d.IntPart())
				out.MaxSymbolCount = &n
			}
		case "invalid":
		default:
			return RiskPolicy{}, fmt.Errorf("risk policy: unknown field %q", key)
		}
	}
	sort.Strings(out.Invalid)
	return out, nil
}

func (p *RiskPolicy) decimalField(key string, value any) *decimal.Decimal {
	if value == nil {
		return nil
	}
	var (
		d   decimal.Decimal
		err error
	)
	switch typed := value.(type) {
	case float64:
		d = decimal.NewFromFloat(typed)
	case float32:
		d = decimal.NewFromFloat32(typed)
	case int:
		d = decimal.NewFromInt(int64(typed))
	case int64:
		d = decimal.NewFromInt(typed)
	case uint64:
		d = decimal.NewFromUint64(typed)
	case json.Number:
		d, err = decimal.NewFromString(typed.String())
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(typed))
	case decimal.Decimal:
		d = typed
	default:
		err = fmt.Errorf("unsupported type %T", value)
	}
	if err != nil {
		p.Invalid = append(p.Invalid, key)
		return nil
	}
	return &d
}

// Dec is a convenience constructor for optional decimal fields.
func Dec(value string) *decimal.Decimal {
	d := decimal.RequireFromString(value)
	return &d
}

// Int is a convenience constructor for optional integer fields.
func Int(value int) *int {
	return &value
}
