package middleware

import "strings"

// MaskSessionID hides all but the first characters of a session id in logs.
func MaskSessionID(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 4 {
		return "****"
	}
	return s[:4] + "***"
}
