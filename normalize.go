package banter

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// canonicalValues maps surface spellings to a comparison-stable canonical
// form. Lookup happens after NFC + trim + lowercase, so only lowercase keys
// belong here.
var canonicalValues = map[string]string{
	// locations
	"kiev":      "kyiv",
	"київ":      "kyiv",
	"києва":     "kyiv",
	"києві":     "kyiv",
	"киев":      "kyiv",
	"lviv":      "lviv",
	"львів":     "lviv",
	"львова":    "lviv",
	"odesa":     "odesa",
	"odessa":    "odesa",
	"одеса":     "odesa",
	"warsaw":    "warsaw",
	"варшава":   "warsaw",
	"berlin":    "berlin",
	"берлін":    "berlin",
	// languages / tech
	"js":         "javascript",
	"ts":         "typescript",
	"golang":     "go",
	"py":         "python",
	"пайтон":     "python",
	"джава":      "java",
	// professions
	"dev":        "developer",
	"розробник":  "developer",
	"программист": "developer",
	"програміст": "developer",
	"pm":         "manager",
	"менеджер":   "manager",
	"вчитель":    "teacher",
	"лікар":      "doctor",
}

// NormalizeText applies NFC normalization, trims whitespace, and lowercases.
// Idempotent. Used both for canonical fact values and for embedding-cache keys.
func NormalizeText(s string) string {
	return strings.ToLower(strings.TrimSpace(norm.NFC.String(s)))
}

// CanonicalValue produces the canonical form of a raw fact value: normalize,
// then map through the static table; unknown values pass through normalized.
// Trailing punctuation and emoji are stripped before lookup so "Київ ❤️"
// still lands on "kyiv".
func CanonicalValue(raw string) string {
	v := NormalizeText(raw)
	v = strings.TrimFunc(v, func(r rune) bool {
		return !isWordRune(r)
	})
	if mapped, ok := canonicalValues[v]; ok {
		return mapped
	}
	// Multi-word values: canonicalize each token so "senior js dev" and
	// "senior javascript developer" collide.
	fields := strings.Fields(v)
	if len(fields) > 1 {
		for i, f := range fields {
			if mapped, ok := canonicalValues[f]; ok {
				fields[i] = mapped
			}
		}
		return strings.Join(fields, " ")
	}
	return v
}
