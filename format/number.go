package format

import "fmt"

// HumanNumber renders a count with a K/M/B/T suffix, three significant
// digits.
func HumanNumber(n uint64) string {
	const (
		Thousand = 1000
		Million  = Thousand * 1000
		Billion  = Million * 1000
		Trillion = Billion * 1000
	)

	switch {
	case n >= Trillion:
		return fmt.Sprintf("%sT", decimalPlace(float64(n)/Trillion))
	case n >= Billion:
		return fmt.Sprintf("%sB", decimalPlace(float64(n)/Billion))
	case n >= Million:
		return fmt.Sprintf("%sM", decimalPlace(float64(n)/Million))
	case n >= Thousand:
		return fmt.Sprintf("%sK", decimalPlace(float64(n)/Thousand))
	default:
		return fmt.Sprintf("%d", n)
	}
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
