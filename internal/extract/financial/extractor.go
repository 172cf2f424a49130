package financial

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dealgraph/dealgraph/internal/domain"
)

// metricDef binds a synonym pattern to a canonical metric.
type metricDef struct {
	re       *regexp.Regexp
	name     string
	category domain.MetricCategory
}

// Synonym table, English and German. Specific entries come before entries
// whose pattern is a substring of them (gross margin before margin,
// ebitda before ebit).
var metricDefs = []metricDef{
	{regexp.MustCompile(`(?i)\bgross margin\b|\bbruttomarge\b`), "gross_margin", domain.CategoryRatio},
	{regexp.MustCompile(`(?i)\bebitda margin\b`), "ebitda_margin", domain.CategoryRatio},
	{regexp.MustCompile(`(?i)\boperating margin\b`), "operating_margin", domain.CategoryRatio},
	{regexp.MustCompile(`(?i)\bnet margin\b|\bnettomarge\b`), "net_margin", domain.CategoryRatio},
	{regexp.MustCompile(`(?i)\bgross profit\b|\brohertrag\b`), "gross_profit", domain.CategoryIncomeStatement},
	{regexp.MustCompile(`(?i)\bnet (income|profit|loss)\b|\bjahres(ü|ue)berschuss\b`), "net_income", domain.CategoryIncomeStatement},
	{regexp.MustCompile(`(?i)\bebitda\b`), "ebitda", domain.CategoryIncomeStatement},
	{regexp.MustCompile(`(?i)\bebit\b`), "ebit", domain.CategoryIncomeStatement},
	{regexp.MustCompile(`(?i)\brevenue\b|\bsales\b|\bumsatz(erl(ö|oe)se)?\b|\bturnover\b`), "revenue", domain.CategoryIncomeStatement},
	{regexp.MustCompile(`(?i)\bcogs\b|\bcost of (goods sold|sales)\b|\bherstellungskosten\b`), "cogs", domain.CategoryIncomeStatement},
	{regexp.MustCompile(`(?i)\boperating expenses\b|\bopex\b|\bbetriebsaufwand\b`), "operating_expenses", domain.CategoryIncomeStatement},
	{regexp.MustCompile(`(?i)\btotal assets\b|\bbilanzsumme\b`), "total_assets", domain.CategoryBalanceSheet},
	{regexp.MustCompile(`(?i)\btotal liabilities\b|\bverbindlichkeiten\b`), "total_liabilities", domain.CategoryBalanceSheet},
	{regexp.MustCompile(`(?i)\b(shareholders.? )?equity\b|\beigenkapital\b`), "equity", domain.CategoryBalanceSheet},
	{regexp.MustCompile(`(?i)\bcash (and cash equivalents|position)\b|\bliquide mittel\b`), "cash", domain.CategoryBalanceSheet},
	{regexp.MustCompile(`(?i)\binventory\b|\bvorr(ä|ae)te\b`), "inventory", domain.CategoryBalanceSheet},
	{regexp.MustCompile(`(?i)\b(accounts )?receivables?\b|\bforderungen\b`), "accounts_receivable", domain.CategoryBalanceSheet},
	{regexp.MustCompile(`(?i)\boperating cash ?flow\b|\boperativer cash ?flow\b`), "operating_cash_flow", domain.CategoryCashFlow},
	{regexp.MustCompile(`(?i)\bfree cash ?flow\b|\bfcf\b`), "free_cash_flow", domain.CategoryCashFlow},
	{regexp.MustCompile(`(?i)\bcapex\b|\bcapital expenditures?\b|\binvestitionen\b`), "capex", domain.CategoryCashFlow},
	{regexp.MustCompile(`(?i)\bworking capital\b|\bumlaufverm(ö|oe)gen\b`), "working_capital", domain.CategoryBalanceSheet},
}

// lookupMetric resolves a label to its canonical metric, if any.
func lookupMetric(label string) (string, domain.MetricCategory, bool) {
	for _, d := range metricDefs {
		if d.re.MatchString(label) {
			return d.name, d.category, true
		}
	}
	return "", "", false
}

// period is a detected reporting period.
type period struct {
	periodType domain.PeriodType
	year       int
	quarter    int
	isActual   bool
	found      bool
}

var yearSuffixRe = regexp.MustCompile(`\b(20\d{2})\s?([AEFP])\b`)
var quarterRe = regexp.MustCompile(`(?i)\bQ([1-4])[\s/-]?(20\d{2})\b`)
var fiscalYearRe = regexp.MustCompile(`(?i)\b(?:FY\s?)?(20\d{2})\b`)
var monthRe = regexp.MustCompile(`(?i)\b(january|february|march|april|may|june|july|august|september|october|november|december|januar|februar|m(ä|ae)rz|mai|juni|juli|oktober|dezember)\b[\s,]*(20\d{2})?`)

// detectPeriod finds the reporting period in a text fragment. Suffix years
// (2023A, 2024E) decide actual vs projection; plain years default to
// actual.
func detectPeriod(text string) period {
	if m := quarterRe.FindStringSubmatch(text); m != nil {
		q, _ := strconv.Atoi(m[1])
		y, _ := strconv.Atoi(m[2])
		return period{periodType: domain.PeriodQuarterly, year: y, quarter: q, isActual: true, found: true}
	}
	if m := yearSuffixRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		return period{periodType: domain.PeriodAnnual, year: y, isActual: m[2] == "A", found: true}
	}
	if m := monthRe.FindStringSubmatch(text); m != nil {
		p := period{periodType: domain.PeriodMonthly, isActual: true, found: true}
		if m[len(m)-1] != "" {
			p.year, _ = strconv.Atoi(m[len(m)-1])
		}
		return p
	}
	if m := fiscalYearRe.FindStringSubmatch(text); m != nil {
		y, _ := strconv.Atoi(m[1])
		return period{periodType: domain.PeriodAnnual, year: y, isActual: true, found: true}
	}
	return period{}
}

var currencyISO = map[string]string{"$": "USD", "€": "EUR", "£": "GBP", "¥": "JPY"}

var valueRe = regexp.MustCompile(`\(?-?\s?[$€£¥]?\s?\d[\d.,]*\s?(%|K\b|M\b|B\b|mn\b|bn\b|k\b|m\b|b\b)?\)?`)

// parseValue parses one numeric token: currency symbols map to ISO codes,
// `%` becomes the unit, thousand separators (both 1,234.5 and 1.234,5
// conventions) are normalized, parentheses mean accounting negatives, and
// K/M/B/mn/bn suffixes multiply.
func parseValue(raw string) (float64, *string, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil, false
	}
	negative := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		negative = true
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	if strings.HasPrefix(s, "-") {
		negative = true
		s = strings.TrimSpace(s[1:])
	}
	var unit *string
	for sym, iso := range currencyISO {
		if strings.Contains(s, sym) {
			u := iso
			unit = &u
			s = strings.TrimSpace(strings.ReplaceAll(s, sym, ""))
			break
		}
	}
	if strings.HasSuffix(s, "%") {
		u := "%"
		unit = &u
		s = strings.TrimSpace(strings.TrimSuffix(s, "%"))
	}
	multiplier := 1.0
	lower := strings.ToLower(s)
	switch {
	case strings.HasSuffix(lower, "bn"):
		multiplier = 1e9
		s = s[:len(s)-2]
	case strings.HasSuffix(lower, "mn"):
		multiplier = 1e6
		s = s[:len(s)-2]
	case strings.HasSuffix(lower, "k"):
		multiplier = 1e3
		s = s[:len(s)-1]
	case strings.HasSuffix(lower, "m"):
		multiplier = 1e6
		s = s[:len(s)-1]
	case strings.HasSuffix(lower, "b"):
		multiplier = 1e9
		s = s[:len(s)-1]
	}
	s = strings.TrimSpace(s)
	s = normalizeSeparators(s)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, nil, false
	}
	if negative {
		v = -v
	}
	return v * multiplier, unit, true
}

var usSeparators = regexp.MustCompile(`^\d{1,3}(,\d{3})+(\.\d+)?$`)
var deSeparators = regexp.MustCompile(`^\d{1,3}(\.\d{3})+(,\d+)?$`)

func normalizeSeparators(s string) string {
	switch {
	case usSeparators.MatchString(s):
		return strings.ReplaceAll(s, ",", "")
	case deSeparators.MatchString(s):
		s = strings.ReplaceAll(s, ".", "")
		return strings.ReplaceAll(s, ",", ".")
	case strings.Count(s, ",") == 1 && !strings.Contains(s, "."):
		return strings.ReplaceAll(s, ",", ".")
	default:
		return strings.ReplaceAll(s, ",", "")
	}
}

// CellReference builds an Excel-style reference from 1-based row/column
// (row 5, col 2 → B5; col 27 → AA).
func CellReference(row, col int) string {
	if row < 1 || col < 1 {
		return ""
	}
	letters := ""
	for col > 0 {
		col--
		letters = string(rune('A'+col%26)) + letters
		col /= 26
	}
	return letters + strconv.Itoa(row)
}

// Extractor turns chunks into financial metrics.
type Extractor struct {
	formulas map[string]string
}

// NewExtractor constructs an Extractor. Formula chunks seen during
// extraction feed the (sheet, cell) → formula lookup used for source
// attribution.
func NewExtractor() *Extractor {
	return &Extractor{formulas: map[string]string{}}
}

const (
	tableConfidence = 0.8
	cellConfidence  = 0.75
	textConfidence  = 0.6
)

// Extract scans table and text chunks for metrics. Formula chunks are
// indexed first so table and cell hits can link their originating formula.
func (e *Extractor) Extract(documentID string, chunks []domain.Chunk) []domain.FinancialMetric {
	for _, c := range chunks {
		if c.ChunkType == domain.ChunkTypeFormula && c.CellReference != nil && c.SheetName != nil {
			e.formulas[formulaKey(*c.SheetName, *c.CellReference)] = formulaFromContent(c.Content)
		}
	}
	var out []domain.FinancialMetric
	for _, c := range chunks {
		switch c.ChunkType {
		case domain.ChunkTypeTable:
			out = append(out, e.extractTable(documentID, c)...)
		case domain.ChunkTypeText:
			out = append(out, e.extractText(documentID, c)...)
		}
	}
	return out
}

// extractTable parses pipe-delimited rows. The header row supplies
// per-column periods; the first cell of each body row is the metric label.
func (e *Extractor) extractTable(documentID string, c domain.Chunk) []domain.FinancialMetric {
	lines := strings.Split(c.Content, "\n")
	var header []string
	var columnPeriods []period
	var out []domain.FinancialMetric
	rowNum := 0
	for _, line := range lines {
		cells := splitTableRow(line)
		if len(cells) == 0 || isSeparatorRow(cells) {
			continue
		}
		rowNum++
		if header == nil {
			header = cells
			columnPeriods = make([]period, len(cells))
			for i, h := range cells {
				columnPeriods[i] = detectPeriod(h)
			}
			continue
		}
		label := cells[0]
		name, category, ok := lookupMetric(label)
		if !ok {
			continue
		}
		for i := 1; i < len(cells); i++ {
			v, unit, parsed := parseValue(cells[i])
			if !parsed {
				continue
			}
			p := period{}
			if i < len(columnPeriods) {
				p = columnPeriods[i]
			}
			if !p.found {
				p = detectPeriod(label)
			}
			m := e.buildMetric(documentID, c, name, category, v, unit, p, tableConfidence)
			// Spreadsheet tables attribute each value to its grid cell.
			if c.SheetName != nil {
				e.attachCell(&m, CellReference(rowNum, i+1))
			}
			out = append(out, m)
		}
	}
	return out
}

var sheetLineRe = regexp.MustCompile(`^([A-Z]{1,3})(\d+):\s*(.+)$`)

// extractText scans text lines for a metric label and a value on the same
// line. Sheet-cell lines ("B2: 120000") keep their cell reference: header
// cells holding a bare period bind that period to their column, a label
// cell opens a pending row, and every later value cell in the same row
// becomes one metric under the column's period.
func (e *Extractor) extractText(documentID string, c domain.Chunk) []domain.FinancialMetric {
	var out []domain.FinancialMetric
	columnPeriods := map[string]period{}
	var pendingLabel string
	var pendingName string
	var pendingCategory domain.MetricCategory
	pendingRow := 0
	for _, line := range strings.Split(c.Content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		cellRef, col, row := "", "", 0
		body := line
		if c.SheetName != nil {
			if m := sheetLineRe.FindStringSubmatch(line); m != nil {
				cellRef = m[1] + m[2]
				col = m[1]
				row, _ = strconv.Atoi(m[2])
				body = m[3]
			}
		}
		name, category, ok := lookupMetric(body)
		if ok {
			v, unit, hasValue := findValue(stripLabel(body))
			if !hasValue {
				if c.SheetName != nil {
					// Spreadsheet label cell; the values follow in the
					// same row.
					pendingLabel, pendingName, pendingCategory, pendingRow = body, name, category, row
				}
				continue
			}
			p := detectPeriod(body)
			confidence := textConfidence
			if cellRef != "" {
				confidence = cellConfidence
			}
			m := e.buildMetric(documentID, c, name, category, v, unit, p, confidence)
			if cellRef != "" {
				e.attachCell(&m, cellRef)
			}
			out = append(out, m)
			continue
		}
		if cellRef != "" && isBarePeriod(body) {
			columnPeriods[col] = detectPeriod(body)
			continue
		}
		if pendingName == "" {
			continue
		}
		if row != pendingRow {
			// The row ended without more values; drop the pending label.
			pendingLabel, pendingName, pendingCategory, pendingRow = "", "", "", 0
			continue
		}
		if v, unit, hasValue := findValue(body); hasValue {
			p, bound := columnPeriods[col]
			if !bound || !p.found {
				p = detectPeriod(pendingLabel + " " + body)
			}
			m := e.buildMetric(documentID, c, pendingName, pendingCategory, v, unit, p, cellConfidence)
			if cellRef != "" {
				e.attachCell(&m, cellRef)
			}
			out = append(out, m)
		}
	}
	return out
}

// attachCell binds a metric to its grid cell and links the cell's
// formula when one was indexed.
func (e *Extractor) attachCell(m *domain.FinancialMetric, ref string) {
	m.SourceCell = &ref
	if m.SourceSheet != nil {
		if f, ok := e.formulas[formulaKey(*m.SourceSheet, ref)]; ok && f != "" {
			m.SourceFormula = &f
		}
	}
}

// isBarePeriod reports whether a cell holds only a reporting period
// ("2023", "2024E", "FY2023", "Q1 2024") and no other numbers, which
// marks it as a header cell rather than a value.
func isBarePeriod(body string) bool {
	if !detectPeriod(body).found {
		return false
	}
	rest := quarterRe.ReplaceAllString(body, "")
	rest = yearSuffixRe.ReplaceAllString(rest, "")
	rest = fiscalYearRe.ReplaceAllString(rest, "")
	return !strings.ContainsAny(rest, "0123456789")
}

func (e *Extractor) buildMetric(documentID string, c domain.Chunk, name string, category domain.MetricCategory, value float64, unit *string, p period, confidence float64) domain.FinancialMetric {
	m := domain.FinancialMetric{
		DocumentID:     documentID,
		MetricName:     name,
		MetricCategory: category,
		Value:          value,
		Unit:           unit,
		IsActual:       true,
		Confidence:     confidence,
		SourcePage:     c.PageNumber,
		SourceSheet:    c.SheetName,
		SourceCell:     c.CellReference,
		CreatedAt:      time.Now().UTC(),
	}
	if p.found {
		pt := p.periodType
		m.PeriodType = &pt
		if p.year > 0 {
			y := p.year
			m.FiscalYear = &y
		}
		if p.quarter > 0 {
			q := p.quarter
			m.FiscalQuarter = &q
		}
		m.IsActual = p.isActual
	}
	if m.SourceSheet != nil && m.SourceCell != nil {
		if f, ok := e.formulas[formulaKey(*m.SourceSheet, *m.SourceCell)]; ok && f != "" {
			m.SourceFormula = &f
		}
	}
	return m
}

// findValue locates the first parseable numeric token in a fragment.
func findValue(text string) (float64, *string, bool) {
	for _, match := range valueRe.FindAllString(text, -1) {
		// Skip bare fiscal years masquerading as values.
		if fiscalYearRe.MatchString(match) && !strings.ContainsAny(match, "$€£¥%.,") {
			continue
		}
		if v, unit, ok := parseValue(match); ok {
			return v, unit, true
		}
	}
	return 0, nil, false
}

// stripLabel drops the leading metric label so its digits (EBITDA has
// none, but e.g. "FY2023 Revenue") don't parse as values.
func stripLabel(line string) string {
	if i := strings.IndexAny(line, ":="); i >= 0 {
		return line[i+1:]
	}
	return line
}

func splitTableRow(line string) []string {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "|") {
		return nil
	}
	parts := strings.Split(strings.Trim(line, "|"), "|")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func isSeparatorRow(cells []string) bool {
	for _, c := range cells {
		if strings.Trim(c, "-: ") != "" {
			return false
		}
	}
	return true
}

func formulaKey(sheet, cell string) string { return sheet + "!" + cell }

// formulaFromContent pulls the formula text out of a formula chunk body
// shaped like "Sheet!B14: =SUM(B2:B13) = 745000".
func formulaFromContent(content string) string {
	if i := strings.Index(content, "="); i >= 0 {
		rest := content[i:]
		if j := strings.LastIndex(rest, " = "); j > 0 {
			return strings.TrimSpace(rest[:j])
		}
		return strings.TrimSpace(rest)
	}
	return ""
}
