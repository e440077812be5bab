package locationcache

import (
	"regexp"
	"strings"
)

var (
	whitespace       = regexp.MustCompile(`\s+`)
	countySuffix     = regexp.MustCompile(`(s )?län$`)
	disallowedChars  = regexp.MustCompile(`[^\wåäö ]`)
	trailingSPattern = regexp.MustCompile(`s$`)
)

// Normalize reduces a free-text place-name variant to the key used to join
// ingestion-time text against stored mappings: lowercase, trimmed, internal
// whitespace collapsed, a trailing "län" (optionally preceded by a possessive
// "s ") removed, a single trailing possessive "s" removed, and everything but
// word characters, spaces, å, ä and ö stripped.
//
// "Stockholms län", "Stockholms" and "Stockholm" all normalize to
// "stockholm".
func Normalize(variant string) string {
	key := strings.ToLower(strings.TrimSpace(variant))
	key = whitespace.ReplaceAllString(key, " ")
	key = countySuffix.ReplaceAllString(key, "")
	key = strings.TrimSpace(key)
	key = trailingSPattern.ReplaceAllString(key, "")
	key = disallowedChars.ReplaceAllString(key, "")
	return strings.TrimSpace(key)
}
