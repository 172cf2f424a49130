// Package chunk turns parser output into token-bounded document chunks.
//
// Chunking is paragraph-first: paragraphs are packed into chunks up to the
// max token budget, paragraphs over the budget are split at sentence
// boundaries, and pathological sentences fall back to a token-window split
// with overlap. Tables are kept whole when they fit and otherwise split
// with the header row repeated per part. Spreadsheets preserve formulas as
// text and contribute one formula-summary chunk per document.
package chunk

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// TokenCounter counts model tokens in a text. Implemented by the
// tokencount adapter.
type TokenCounter interface {
	Count(text string) int
}

// Chunker builds chunks from a ParseResult under configured token budgets.
type Chunker struct {
	counter TokenCounter
	policy  config.ChunkingPolicy
}

// New constructs a Chunker.
func New(counter TokenCounter, policy config.ChunkingPolicy) *Chunker {
	return &Chunker{counter: counter, policy: policy}
}

// Build produces the full chunk set for a document. ChunkIndex is dense,
// zero-based, and ordered text pages, tables, sheets, formula summary.
func (c *Chunker) Build(result domain.ParseResult) []domain.Chunk {
	var out []domain.Chunk
	for _, page := range result.Pages {
		n := page.Number
		for _, content := range c.splitText(page.Text) {
			out = append(out, domain.Chunk{
				Content:    content,
				ChunkType:  domain.ChunkTypeText,
				PageNumber: intPtr(n),
				TokenCount: c.counter.Count(content),
			})
		}
	}
	for _, table := range result.Tables {
		out = append(out, c.tableChunks(table)...)
	}
	for _, sheet := range result.Sheets {
		out = append(out, c.sheetChunks(sheet)...)
	}
	if summary := formulaSummary(result.Formulas); summary != "" {
		out = append(out, domain.Chunk{
			Content:    summary,
			ChunkType:  domain.ChunkTypeFormula,
			TokenCount: c.counter.Count(summary),
		})
	}
	for i := range out {
		out[i].ChunkIndex = i
	}
	return out
}

var paragraphSplit = regexp.MustCompile(`\n\s*\n`)
var sentenceEnd = regexp.MustCompile(`(?:[.!?])\s+`)

// splitText packs paragraphs into chunks bounded by the max token budget.
// Paragraphs are merged until the next one would push the chunk over the
// budget; an oversized paragraph is split by sentence, then by window.
func (c *Chunker) splitText(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	var chunks []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
			currentTokens = 0
		}
	}

	for _, para := range paragraphSplit.Split(text, -1) {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		tokens := c.counter.Count(para)
		if tokens > c.policy.MaxTokens {
			flush()
			chunks = append(chunks, c.splitOversized(para)...)
			continue
		}
		if currentTokens+tokens > c.policy.MaxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString("\n\n")
		}
		current.WriteString(para)
		currentTokens += tokens
		if currentTokens >= c.policy.MinTokens {
			flush()
		}
	}
	flush()
	return chunks
}

// splitOversized breaks a paragraph that exceeds the max budget, first at
// sentence boundaries, then with a token-window fallback per sentence.
func (c *Chunker) splitOversized(para string) []string {
	var chunks []string
	var current strings.Builder
	currentTokens := 0

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, strings.TrimSpace(current.String()))
			current.Reset()
			currentTokens = 0
		}
	}

	for _, sentence := range splitSentences(para) {
		tokens := c.counter.Count(sentence)
		if tokens > c.policy.MaxTokens {
			flush()
			chunks = append(chunks, c.windowSplit(sentence)...)
			continue
		}
		if currentTokens+tokens > c.policy.MaxTokens {
			flush()
		}
		if current.Len() > 0 {
			current.WriteString(" ")
		}
		current.WriteString(sentence)
		currentTokens += tokens
	}
	flush()
	return chunks
}

func splitSentences(text string) []string {
	idxs := sentenceEnd.FindAllStringIndex(text, -1)
	var out []string
	start := 0
	for _, loc := range idxs {
		s := strings.TrimSpace(text[start:loc[1]])
		if s != "" {
			out = append(out, s)
		}
		start = loc[1]
	}
	if rest := strings.TrimSpace(text[start:]); rest != "" {
		out = append(out, rest)
	}
	return out
}

// windowSplit is the last-resort split: accumulate words up to the max
// budget, carrying an overlap tail between consecutive windows.
func (c *Chunker) windowSplit(text string) []string {
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	var chunks []string
	var window []string
	windowTokens := 0
	for i := 0; i < len(words); i++ {
		w := words[i]
		tokens := c.counter.Count(w)
		if windowTokens+tokens > c.policy.MaxTokens && len(window) > 0 {
			chunks = append(chunks, strings.Join(window, " "))
			window = c.overlapTail(window)
			windowTokens = c.counter.Count(strings.Join(window, " "))
		}
		window = append(window, w)
		windowTokens += tokens
	}
	if len(window) > 0 {
		chunks = append(chunks, strings.Join(window, " "))
	}
	return chunks
}

// overlapTail returns the trailing words of a window worth roughly the
// overlap token budget.
func (c *Chunker) overlapTail(window []string) []string {
	tokens := 0
	i := len(window)
	for i > 0 {
		t := c.counter.Count(window[i-1])
		if tokens+t > c.policy.OverlapTokens {
			break
		}
		tokens += t
		i--
	}
	tail := make([]string, len(window)-i)
	copy(tail, window[i:])
	return tail
}

// tableChunks renders a table as pipe-delimited rows. Tables under the max
// budget stay whole; larger ones are split into parts that each repeat the
// header row and separator and carry part metadata.
func (c *Chunker) tableChunks(table domain.ParsedTable) []domain.Chunk {
	if len(table.Rows) == 0 {
		return nil
	}
	var page *int
	if table.PageNumber > 0 {
		page = intPtr(table.PageNumber)
	}
	var sheet *string
	if table.SheetName != "" {
		sheet = strPtr(table.SheetName)
	}

	full := renderRows(table.Rows, table.HasHeader)
	if c.counter.Count(full) <= c.policy.MaxTokens {
		return []domain.Chunk{{
			Content:    full,
			ChunkType:  domain.ChunkTypeTable,
			PageNumber: page,
			SheetName:  sheet,
			TokenCount: c.counter.Count(full),
			Metadata:   map[string]any{"is_complete_table": true},
		}}
	}

	header := ""
	body := table.Rows
	if table.HasHeader {
		header = renderRows(table.Rows[:1], true)
		body = table.Rows[1:]
	}
	headerTokens := c.counter.Count(header)

	var chunks []domain.Chunk
	var rows []string
	rowTokens := 0
	part := 1
	flush := func() {
		if len(rows) == 0 {
			return
		}
		content := strings.TrimSpace(header + "\n" + strings.Join(rows, "\n"))
		chunks = append(chunks, domain.Chunk{
			Content:    content,
			ChunkType:  domain.ChunkTypeTable,
			PageNumber: page,
			SheetName:  sheet,
			TokenCount: c.counter.Count(content),
			Metadata:   map[string]any{"is_complete_table": false, "table_part": part},
		})
		part++
		rows = nil
		rowTokens = 0
	}
	for _, r := range body {
		line := renderRow(r)
		tokens := c.counter.Count(line)
		if headerTokens+rowTokens+tokens > c.policy.MaxTokens && len(rows) > 0 {
			flush()
		}
		rows = append(rows, line)
		rowTokens += tokens
	}
	flush()
	return chunks
}

func renderRows(rows [][]string, hasHeader bool) string {
	var b strings.Builder
	for i, r := range rows {
		b.WriteString(renderRow(r))
		if i == 0 && hasHeader {
			b.WriteString("\n")
			b.WriteString(renderSeparator(len(r)))
		}
		if i < len(rows)-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

func renderRow(cells []string) string {
	return "| " + strings.Join(cells, " | ") + " |"
}

func renderSeparator(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = "---"
	}
	return "| " + strings.Join(parts, " | ") + " |"
}

// sheetChunks renders spreadsheet cells as reference-prefixed lines,
// preserving formulas as text. Cell lines are packed under the max budget;
// every chunk carries the sheet name, and single-formula cells keep their
// cell reference.
func (c *Chunker) sheetChunks(sheet domain.ParsedSheet) []domain.Chunk {
	var chunks []domain.Chunk
	var lines []string
	lineTokens := 0
	sheetName := sheet.Name

	flush := func() {
		if len(lines) == 0 {
			return
		}
		content := strings.Join(lines, "\n")
		chunks = append(chunks, domain.Chunk{
			Content:    content,
			ChunkType:  domain.ChunkTypeText,
			SheetName:  strPtr(sheetName),
			TokenCount: c.counter.Count(content),
		})
		lines = nil
		lineTokens = 0
	}

	for _, cell := range sheet.Cells {
		if cell.Value == "" && cell.Formula == "" {
			continue
		}
		if cell.Formula != "" {
			// Formula cells become standalone chunks so the cell
			// reference survives on the row.
			flush()
			content := fmt.Sprintf("%s!%s: %s = %s", sheetName, cell.Reference, cell.Formula, cell.Value)
			chunks = append(chunks, domain.Chunk{
				Content:       content,
				ChunkType:     domain.ChunkTypeFormula,
				SheetName:     strPtr(sheetName),
				CellReference: strPtr(cell.Reference),
				TokenCount:    c.counter.Count(content),
			})
			continue
		}
		line := fmt.Sprintf("%s: %s", cell.Reference, cell.Value)
		tokens := c.counter.Count(line)
		if lineTokens+tokens > c.policy.MaxTokens && len(lines) > 0 {
			flush()
		}
		lines = append(lines, line)
		lineTokens += tokens
	}
	flush()
	return chunks
}

// formulaSummary aggregates every preserved formula into one summary
// chunk body. Empty when the document has no formulas.
func formulaSummary(formulas []domain.ParsedFormula) string {
	if len(formulas) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Formulas in this document:\n")
	for _, f := range formulas {
		fmt.Fprintf(&b, "%s!%s: %s\n", f.SheetName, f.Cell, f.Formula)
	}
	return strings.TrimSpace(b.String())
}

func intPtr(n int) *int       { return &n }
func strPtr(s string) *string { return &s }
