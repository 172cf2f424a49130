// Package docling is the HTTP client for the document parse service.
// The service converts PDFs, spreadsheets, Word documents and images
// into structured pages, tables, sheets and preserved formulas.
package docling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/dealgraph/dealgraph/internal/config"
	"github.com/dealgraph/dealgraph/internal/domain"
)

// Client talks to the parse service over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New constructs a Client from configuration.
func New(cfg config.Config) *Client {
	timeout := cfg.ParserTimeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Client{
		baseURL: cfg.DoclingURL,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// WithBaseURL overrides the service endpoint (tests).
func (c *Client) WithBaseURL(u string) *Client {
	c.baseURL = u
	return c
}

// wire types mirror the parse service response.

type parseResponse struct {
	Pages []struct {
		Number int    `json:"number"`
		Text   string `json:"text"`
	} `json:"pages"`
	Tables []struct {
		PageNumber int        `json:"page_number"`
		SheetName  string     `json:"sheet_name,omitempty"`
		Rows       [][]string `json:"rows"`
		HasHeader  bool       `json:"has_header"`
	} `json:"tables"`
	Sheets []struct {
		Name  string `json:"name"`
		Cells []struct {
			Reference string `json:"reference"`
			Row       int    `json:"row"`
			Column    int    `json:"column"`
			Value     string `json:"value"`
			Formula   string `json:"formula,omitempty"`
		} `json:"cells"`
	} `json:"sheets"`
	Formulas []struct {
		SheetName string `json:"sheet_name"`
		Cell      string `json:"cell"`
		Formula   string `json:"formula"`
	} `json:"formulas"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	TotalPages  int            `json:"total_pages"`
	TotalSheets int            `json:"total_sheets"`
	ParseTimeMS int64          `json:"parse_time_ms"`
	Errors      []string       `json:"errors,omitempty"`
	Warnings    []string       `json:"warnings,omitempty"`
}

// Parse uploads the scratch file and returns the structured result.
// 4xx responses map to permanent classifier inputs; 5xx and transport
// errors stay transient.
func (c *Client) Parse(ctx domain.Context, req domain.ParseRequest) (domain.ParseResult, error) {
	tracer := otel.Tracer("parser.docling")
	ctx, span := tracer.Start(ctx, "Client.Parse")
	defer span.End()
	span.SetAttributes(
		attribute.String("parse.category", string(req.Category)),
		attribute.String("parse.mime", req.MimeType),
	)

	payload, contentType, err := c.buildBody(req)
	if err != nil {
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/parse", payload)
	if err != nil {
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: %w", err)
	}
	httpReq.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.ParseResult{}, fmt.Errorf("op=docling.parse: %w: %v", domain.ErrUpstreamTimeout, err)
		}
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: connection error: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 256<<20))
	if err != nil {
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: unsupported format: %s", summarize(raw))
	case resp.StatusCode == http.StatusRequestEntityTooLarge:
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: file too large")
	case resp.StatusCode >= 500:
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: server error %d", resp.StatusCode)
	case resp.StatusCode >= 400:
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: invalid file: status %d: %s", resp.StatusCode, summarize(raw))
	}

	var wire parseResponse
	if err := json.Unmarshal(raw, &wire); err != nil {
		return domain.ParseResult{}, fmt.Errorf("op=docling.parse: %w: %v", domain.ErrSchemaInvalid, err)
	}
	return toDomain(wire), nil
}

func (c *Client) buildBody(req domain.ParseRequest) (io.Reader, string, error) {
	f, err := os.ReadFile(filepath.Clean(req.Path))
	if err != nil {
		return nil, "", err
	}
	// Upload notifications sometimes arrive without a usable MIME type;
	// sniff the bytes so the parse service sees a concrete one.
	mime := req.MimeType
	if mime == "" || mime == "application/octet-stream" {
		mime = mimetype.Detect(f).String()
	}
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("file", req.FileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(f); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("mime_type", mime); err != nil {
		return nil, "", err
	}
	if err := w.WriteField("category", string(req.Category)); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func toDomain(wire parseResponse) domain.ParseResult {
	out := domain.ParseResult{
		Metadata:    wire.Metadata,
		TotalPages:  wire.TotalPages,
		TotalSheets: wire.TotalSheets,
		ParseTimeMS: wire.ParseTimeMS,
		Errors:      wire.Errors,
		Warnings:    wire.Warnings,
	}
	for _, p := range wire.Pages {
		out.Pages = append(out.Pages, domain.ParsedPage{Number: p.Number, Text: p.Text})
	}
	for _, t := range wire.Tables {
		out.Tables = append(out.Tables, domain.ParsedTable{
			PageNumber: t.PageNumber, SheetName: t.SheetName,
			Rows: t.Rows, HasHeader: t.HasHeader,
		})
	}
	for _, s := range wire.Sheets {
		sheet := domain.ParsedSheet{Name: s.Name}
		for _, cell := range s.Cells {
			sheet.Cells = append(sheet.Cells, domain.ParsedCell{
				Reference: cell.Reference, Row: cell.Row, Column: cell.Column,
				Value: cell.Value, Formula: cell.Formula,
			})
		}
		out.Sheets = append(out.Sheets, sheet)
	}
	for _, f := range wire.Formulas {
		out.Formulas = append(out.Formulas, domain.ParsedFormula{
			SheetName: f.SheetName, Cell: f.Cell, Formula: f.Formula,
		})
	}
	return out
}

func summarize(raw []byte) string {
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
