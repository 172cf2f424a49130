// Package financial detects and extracts financial metrics from document
// chunks without LLM involvement. Detection is a weighted pattern score;
// extraction is synonym-table and regex driven and understands both
// English and German statement vocabulary.
package financial

import (
	"regexp"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// DefaultDetectionThreshold is the minimum detector score at which the
// extractor runs at all.
const DefaultDetectionThreshold = 30

// Detector scores how strongly a document's chunks look like financial
// statements.
type Detector struct {
	Threshold int
}

// NewDetector constructs a Detector; threshold <= 0 uses the default.
func NewDetector(threshold int) *Detector {
	if threshold <= 0 {
		threshold = DefaultDetectionThreshold
	}
	return &Detector{Threshold: threshold}
}

var headerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)income statement|profit (and|&) loss|p&l`),
	regexp.MustCompile(`(?i)balance sheet|bilanz`),
	regexp.MustCompile(`(?i)cash ?flow|kapitalfluss`),
	regexp.MustCompile(`(?i)revenue|sales|umsatz|umsatzerl(ö|oe)se`),
	regexp.MustCompile(`(?i)ebitda|ebit\b`),
	regexp.MustCompile(`(?i)gross (profit|margin)|rohertrag`),
	regexp.MustCompile(`(?i)net (income|profit|loss)|jahres(ü|ue)berschuss`),
	regexp.MustCompile(`(?i)total assets|total liabilities|equity|eigenkapital`),
	regexp.MustCompile(`(?i)fiscal year|gesch(ä|ae)ftsjahr|fy\s?20\d{2}`),
}

var currencyPattern = regexp.MustCompile(`[$€£¥]\s?\d|(?i)\b(usd|eur|gbp|jpy|chf)\b`)
var percentPattern = regexp.MustCompile(`\d+(\.\d+)?\s?%`)

// Score computes the weighted detection score over chunks:
// 10 per distinct financial header matched, 5 when currency values are
// present, 5 for percentages, 10 per table chunk (capped at 30), and 15
// when any formula chunk exists.
func (d *Detector) Score(chunks []domain.Chunk) int {
	score := 0
	matchedHeaders := make([]bool, len(headerPatterns))
	hasCurrency := false
	hasPercent := false
	tableChunks := 0
	hasFormula := false

	for _, c := range chunks {
		for i, p := range headerPatterns {
			if !matchedHeaders[i] && p.MatchString(c.Content) {
				matchedHeaders[i] = true
				score += 10
			}
		}
		if !hasCurrency && currencyPattern.MatchString(c.Content) {
			hasCurrency = true
			score += 5
		}
		if !hasPercent && percentPattern.MatchString(c.Content) {
			hasPercent = true
			score += 5
		}
		switch c.ChunkType {
		case domain.ChunkTypeTable:
			tableChunks++
		case domain.ChunkTypeFormula:
			if !hasFormula {
				hasFormula = true
				score += 15
			}
		}
	}
	if tableChunks > 3 {
		tableChunks = 3
	}
	score += tableChunks * 10
	return score
}

// IsFinancial reports whether the chunks clear the detection threshold.
func (d *Detector) IsFinancial(chunks []domain.Chunk) (bool, int) {
	s := d.Score(chunks)
	return s >= d.Threshold, s
}
