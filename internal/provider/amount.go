package provider

import "fmt"

// FormatMinor renders a minor-unit amount as the two-decimal string most
// provider APIs expect. All supported currencies use exponent 2.
func FormatMinor(amountMinor int64) string {
	sign := ""
	if amountMinor < 0 {
		sign = "-"
		amountMinor = -amountMinor
	}
	return fmt.Sprintf("%s%d.%02d", sign, amountMinor/100, amountMinor%100)
}
