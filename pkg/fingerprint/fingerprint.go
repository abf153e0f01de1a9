// Package fingerprint turns free-text queries into stable cache keys.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// Normalize lower-cases the query, replaces punctuation and symbols with
// spaces, and collapses whitespace runs.
func Normalize(query string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsPunct(r) || unicode.IsSymbol(r) {
			return ' '
		}
		return unicode.ToLower(r)
	}, query)
	return strings.Join(strings.Fields(mapped), " ")
}

// Fingerprint returns the hex SHA-256 of the normalized query. Queries that
// differ only by case, punctuation or spacing share a fingerprint.
func Fingerprint(query string) string {
	sum := sha256.Sum256([]byte(Normalize(query)))
	return hex.EncodeToString(sum[:])
}
