package utils

import (
	"strings"
)

// CIKLength is the width of a canonical EDGAR Central Index Key.
const CIKLength = 10

// IsDigits reports whether s is non-empty and only contains ASCII digits.
func IsDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}

// IsCIK reports whether s is a canonical 10-digit identifier.
func IsCIK(s string) bool {
	return len(s) == CIKLength && IsDigits(s)
}

// PadCIK pads a numeric CIK to 10 digits with leading zeros.
// Non-numeric input is returned unchanged.
func PadCIK(cik string) string {
	cik = strings.TrimSpace(cik)
	if !IsDigits(cik) || len(cik) >= CIKLength {
		return cik
	}
	return strings.Repeat("0", CIKLength-len(cik)) + cik
}

// TrimCIK strips leading zeros, the form EDGAR uses in archive paths.
func TrimCIK(cik string) string {
	t := strings.TrimLeft(strings.TrimSpace(cik), "0")
	if t == "" && cik != "" {
		return "0"
	}
	return t
}

// NormalizeTicker upper-cases and trims a ticker or company term for
// table lookups.
//
//	" aapl " → "AAPL"
//	"$msft"  → "MSFT"
func NormalizeTicker(term string) string {
	t := strings.ToUpper(strings.TrimSpace(term))
	return strings.TrimPrefix(t, "$")
}
