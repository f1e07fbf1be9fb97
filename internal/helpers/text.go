package helpers

import "unicode/utf8"

// TruncateBytes cuts s to at most max bytes, backing the cut off to a UTF-8
// rune boundary so the result is always valid UTF-8.
func TruncateBytes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
