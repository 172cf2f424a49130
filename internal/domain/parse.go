package domain

import (
	"io"
	"strings"
)

// FileCategory groups mime types by parser dispatch.
type FileCategory string

const (
	CategoryPDF         FileCategory = "pdf"
	CategorySpreadsheet FileCategory = "spreadsheet"
	CategoryWord        FileCategory = "word"
	CategoryImage       FileCategory = "image"
	CategoryUnknown     FileCategory = "unknown"
)

// CategoryForMime maps a mime type (or file extension fallback) to its
// parser category.
func CategoryForMime(mime string) FileCategory {
	m := strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.Contains(m, "pdf"):
		return CategoryPDF
	case strings.Contains(m, "spreadsheet"), strings.Contains(m, "excel"),
		strings.HasSuffix(m, "csv"), strings.Contains(m, "ms-excel"):
		return CategorySpreadsheet
	case strings.Contains(m, "word"), strings.Contains(m, "officedocument.wordprocessingml"),
		strings.Contains(m, "rtf"), strings.Contains(m, "opendocument.text"):
		return CategoryWord
	case strings.HasPrefix(m, "image/"):
		return CategoryImage
	default:
		return CategoryUnknown
	}
}

// IsSpreadsheet reports whether the mime type routes to the spreadsheet
// parser (drives the PRO model tier and the financial-extraction branch).
func IsSpreadsheet(mime string) bool {
	return CategoryForMime(mime) == CategorySpreadsheet
}

// BlobStore is the object-store port. Download streams the blob at path;
// callers own closing the reader.
type BlobStore interface {
	Download(ctx Context, blobPath string) (io.ReadCloser, error)
}

// ParsedPage is one page of extracted text.
type ParsedPage struct {
	Number int
	Text   string
}

// ParsedTable is a table in row-major order. Header is row 0 when
// HasHeader is set.
type ParsedTable struct {
	PageNumber int
	SheetName  string
	Rows       [][]string
	HasHeader  bool
}

// ParsedCell is a single spreadsheet cell with its Excel-style reference.
type ParsedCell struct {
	Reference string
	Row       int
	Column    int
	Value     string
	Formula   string
}

// ParsedSheet is one spreadsheet tab.
type ParsedSheet struct {
	Name  string
	Cells []ParsedCell
}

// ParsedFormula records a preserved formula and where it came from.
type ParsedFormula struct {
	SheetName string
	Cell      string
	Formula   string
}

// ParseResult is the parser service output for one document.
type ParseResult struct {
	Pages       []ParsedPage
	Tables      []ParsedTable
	Sheets      []ParsedSheet
	Formulas    []ParsedFormula
	Metadata    map[string]any
	TotalPages  int
	TotalSheets int
	ParseTimeMS int64
	Errors      []string
	Warnings    []string
}

// ParseRequest identifies the scratch file to parse.
type ParseRequest struct {
	Path     string
	FileName string
	MimeType string
	Category FileCategory
}

// DocumentParser is the parse-service port (Docling-equivalent).
type DocumentParser interface {
	Parse(ctx Context, req ParseRequest) (ParseResult, error)
}
