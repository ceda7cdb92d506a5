package extract

import "strings"

// Normalize lowercases a name and collapses internal whitespace. Accents are
// kept: "papà" and "papa" are different tokens on purpose.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}
