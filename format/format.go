package format

import (
	"fmt"
	"strings"
)

const (
	Thousand = 1000
	Million  = Thousand * 1000
	Billion  = Million * 1000
	Trillion = Billion * 1000
)

// Parameters formats a parameter count with three significant figures.
func Parameters(b uint64) string {
	switch {
	case b >= Trillion:
		return fmt.Sprintf("%sT", decimalPlace(float64(b)/Trillion))
	case b >= Billion:
		return fmt.Sprintf("%sB", decimalPlace(float64(b)/Billion))
	case b >= Million:
		return fmt.Sprintf("%sM", decimalPlace(float64(b)/Million))
	case b >= Thousand:
		return fmt.Sprintf("%sK", decimalPlace(float64(b)/Thousand))
	default:
		return fmt.Sprintf("%d", b)
	}
}

// RoundedParameter is Parameters with trailing zeros trimmed, for
// compact model-size labels.
func RoundedParameter(b uint64) string {
	var value float64
	var unit string

	switch {
	case b >= Billion:
		value, unit = float64(b)/Billion, "B"
	case b >= Million:
		value, unit = float64(b)/Million, "M"
	case b >= Thousand:
		value, unit = float64(b)/Thousand, "K"
	default:
		return fmt.Sprintf("%d", b)
	}

	if value >= 100 {
		return strings.TrimSuffix(fmt.Sprintf("%.2f", value), ".00") + unit
	}
	return strings.TrimSuffix(fmt.Sprintf("%.1f", value), ".0") + unit
}

func decimalPlace(number float64) string {
	switch {
	case number >= 100:
		return fmt.Sprintf("%.0f", number)
	case number >= 10:
		return fmt.Sprintf("%.1f", number)
	default:
		return fmt.Sprintf("%.2f", number)
	}
}
