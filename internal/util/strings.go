package util

import (
	"strings"
	"unicode"
)

// ParseScopes splits a scope list separated by spaces and/or commas, dropping
// empty entries and duplicates while keeping first-seen order. Query strings
// and environment variables use both separators in practice.
//
// Example:
//
//	ParseScopes("accounts transactions")   // Returns: ["accounts", "transactions"]
//	ParseScopes("accounts,transactions ,") // Returns: ["accounts", "transactions"]
//	ParseScopes("")                        // Returns: nil
func ParseScopes(raw string) []string {
	fields := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || unicode.IsSpace(r)
	})
	if len(fields) == 0 {
		return nil
	}
	out := fields[:0]
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// NormalizeURL normalizes a URL for comparison by removing trailing slashes.
//
// Example:
//
//	NormalizeURL("https://bank.example/")   // Returns: "https://bank.example"
//	NormalizeURL("https://bank.example///") // Returns: "https://bank.example"
func NormalizeURL(url string) string {
	return strings.TrimRight(url, "/")
}
