package phoneverify

import "strings"

// NormalizePhone maps US-style input to E.164 on a best-effort basis. Input
// it cannot place is returned unchanged.
func NormalizePhone(phone string) string {
	cleaned := stripNonDigits(phone)

	switch {
	case strings.HasPrefix(phone, "+") && len(cleaned) == 11:
		return phone
	case len(cleaned) == 10:
		return "+1" + cleaned
	case len(cleaned) == 11 && cleaned[0] == '1':
		return "+" + cleaned
	default:
		return phone
	}
}

func stripNonDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
