package httpserver

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var idChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeID strips anything outside [a-zA-Z0-9_-] from an identifier
// and caps its length. Deal and document ids are UUIDs or slugs; the
// rest is noise.
func SanitizeID(id string) string {
	id = idChars.ReplaceAllString(id, "")
	if len(id) > 100 {
		id = id[:100]
	}
	return id
}

// SanitizeString trims a free-text input: null bytes out, whitespace
// trimmed, length capped, valid UTF-8 guaranteed.
func SanitizeString(input string) string {
	input = strings.ReplaceAll(input, "\x00", "")
	input = strings.TrimSpace(input)
	if len(input) > 1000 {
		input = input[:1000]
	}
	if !utf8.ValidString(input) {
		input = strings.ToValidUTF8(input, "")
	}
	return input
}
