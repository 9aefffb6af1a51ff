package domain

import (
	"regexp"
	"strings"
)

var canonicalPhone = regexp.MustCompile(`^\+7\d{10}$`)

// NormalizePhone converts a Russian phone number to +7XXXXXXXXXX.
// It returns an empty string when the input cannot be normalized.
func NormalizePhone(phone string) string {
	digits := DigitsOnly(phone)
	if len(digits) == 11 && strings.HasPrefix(digits, "8") {
		digits = "7" + digits[1:]
	}
	if len(digits) == 10 {
		digits = "7" + digits
	}
	if len(digits) != 11 || !strings.HasPrefix(digits, "7") {
		return ""
	}

	normalized := "+" + digits
	if !canonicalPhone.MatchString(normalized) {
		return ""
	}
	return normalized
}

// DigitsOnly strips everything but ASCII digits.
func DigitsOnly(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
