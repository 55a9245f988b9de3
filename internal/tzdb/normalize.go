package tzdb

import "strings"

// Normalize prepares a lookup key or request token: trim surrounding
// whitespace, uppercase, and replace spaces with underscores. Applied
// to every index key on insertion and every incoming token, so lookups
// are case- and whitespace-insensitive.
func Normalize(s string) string {
	return strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), " ", "_")
}
