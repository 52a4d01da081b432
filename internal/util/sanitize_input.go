package util

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// SanitizeLogField strips control characters from caller-supplied strings
// before they are embedded in log messages, so a crafted user agent or
// endpoint cannot forge extra log lines.
func SanitizeLogField(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}

// Truncate caps s at max runes. Attack payloads are stored truncated so
// log records stay bounded.
func Truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
