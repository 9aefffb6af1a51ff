package domain

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// SpendCap returns the maximum number of points payable on a bill:
// floor(bill * percentage). Negative inputs yield zero.
func SpendCap(totalBill int64, percentage decimal.Decimal) int64 {
	if totalBill <= 0 || !percentage.IsPositive() {
		return 0
	}
	return decimal.NewFromInt(totalBill).Mul(percentage).Floor().IntPart()
}

// CalculatePoints returns the cashback earned on a paid amount, truncated
// towards zero.
func CalculatePoints(amount, percentage decimal.Decimal) int64 {
	if !amount.IsPositive() || !percentage.IsPositive() {
		return 0
	}
	return amount.Mul(percentage).Truncate(0).IntPart()
}

// CoercePoints converts a loosely typed CRM value (number, numeric string,
// json.Number) into an integer point count. Unparsable values become 0.
func CoercePoints(v any) int64 {
	switch val := v.(type) {
	case nil:
		return 0
	case bool:
		return 0
	case int:
		return int64(val)
	case int32:
		return int64(val)
	case int64:
		return val
	case float32:
		return decimal.NewFromFloat32(val).Truncate(0).IntPart()
	case float64:
		return decimal.NewFromFloat(val).Truncate(0).IntPart()
	case json.Number:
		return coerceString(val.String())
	case string:
		return coerceString(val)
	default:
		return 0
	}
}

func coerceString(s string) int64 {
	s = strings.TrimSpace(strings.ReplaceAll(s, ",", "."))
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return d.Truncate(0).IntPart()
}

// ParsePercentage parses a fraction such as "0.3". Values above 1 are
// treated as whole percents ("30" == 0.3).
func ParsePercentage(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return decimal.Zero, err
	}
	if d.GreaterThan(decimal.NewFromInt(1)) {
		d = d.Div(decimal.NewFromInt(100))
	}
	return d, nil
}
