package neo4j

import (
	"regexp"
	"strings"
)

// Legal-suffix variants stripped during company-name normalization so
// "ABC Corp", "ABC Inc." and "ABC LLC" merge onto one node.
var legalSuffixes = []string{
	"corporation", "incorporated", "limited", "holdings", "holding",
	"company", "corp", "inc", "llc", "ltd", "gmbh", "plc", "group",
	"ag", "sa", "se", "kg", "co",
}

var (
	punctRe      = regexp.MustCompile(`[.,;:!?'"()\[\]]+`)
	spaceRe      = regexp.MustCompile(`\s+`)
	parenTitleRe = regexp.MustCompile(`\s*\([^)]*\)`)
)

// protectedMetricNames are semantically distinct even when normalization
// would collide them; they never auto-merge with anything else.
var protectedMetricNames = map[string]bool{
	"revenue":          true,
	"net revenue":      true,
	"gross revenue":    true,
	"recurring revenue": true,
	"arr":              true,
	"mrr":              true,
	"gross margin":     true,
	"ebitda margin":    true,
	"operating margin": true,
	"net margin":       true,
}

// normalizeCompanyName lowercases, strips punctuation, and drops legal
// suffixes from the tail.
func normalizeCompanyName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	n = punctRe.ReplaceAllString(n, " ")
	n = spaceRe.ReplaceAllString(n, " ")
	n = strings.TrimSpace(n)

	words := strings.Fields(n)
	for len(words) > 1 {
		last := words[len(words)-1]
		if !isLegalSuffix(last) {
			break
		}
		words = words[:len(words)-1]
	}
	return strings.Join(words, " ")
}

func isLegalSuffix(w string) bool {
	for _, s := range legalSuffixes {
		if w == s {
			return true
		}
	}
	return false
}

// normalizePersonName strips parenthesized titles and collapses
// whitespace; initials survive untouched.
func normalizePersonName(name string) string {
	n := parenTitleRe.ReplaceAllString(name, "")
	n = spaceRe.ReplaceAllString(n, " ")
	return strings.ToLower(strings.TrimSpace(n))
}

// resolveKey produces the merge key for an entity. Protected metric
// names resolve to themselves so they never collide.
func resolveKey(entityType, name string) string {
	switch entityType {
	case EntityCompany:
		return normalizeCompanyName(name)
	case EntityPerson:
		return normalizePersonName(name)
	case EntityFinancialMetric:
		n := strings.ToLower(strings.TrimSpace(name))
		if protectedMetricNames[n] {
			return n
		}
		return spaceRe.ReplaceAllString(n, " ")
	default:
		n := strings.ToLower(strings.TrimSpace(name))
		return spaceRe.ReplaceAllString(n, " ")
	}
}
