package loader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/apperr"
)

// DocIntelClient calls the remote document-intelligence service used by the
// layout and read loading strategies.
type DocIntelClient struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	pollEvery  time.Duration
}

// NewDocIntelClient builds the client.
func NewDocIntelClient(cfg config.DocIntelConfig) (*DocIntelClient, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("document intelligence endpoint not configured")
	}
	return &DocIntelClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		pollEvery:  2 * time.Second,
	}, nil
}

type diParagraph struct {
	Content         string `json:"content"`
	Role            string `json:"role"`
	BoundingRegions []struct {
		PageNumber int `json:"pageNumber"`
	} `json:"boundingRegions"`
}

// TableCell is one cell of a recognised table.
type TableCell struct {
	RowIndex    int    `json:"rowIndex"`
	ColumnIndex int    `json:"columnIndex"`
	Content     string `json:"content"`
	Kind        string `json:"kind"`
}

type diTable struct {
	RowCount        int         `json:"rowCount"`
	ColumnCount     int         `json:"columnCount"`
	Cells           []TableCell `json:"cells"`
	BoundingRegions []struct {
		PageNumber int `json:"pageNumber"`
	} `json:"boundingRegions"`
}

type analyzeResult struct {
	Paragraphs []diParagraph `json:"paragraphs"`
	Tables     []diTable     `json:"tables"`
}

// Analyze submits the document URL to the given model and polls the
// long-running operation until it finishes.
func (c *DocIntelClient) Analyze(ctx context.Context, model, sourceURL string) (*analyzeResult, error) {
	body, err := json.Marshal(map[string]string{"urlSource": sourceURL})
	if err != nil {
		return nil, err
	}
	u := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=2024-02-29-preview", c.endpoint, model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "docintel.analyze", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "docintel.analyze", "status %d", resp.StatusCode)
	}
	opLocation := resp.Header.Get("Operation-Location")
	if opLocation == "" {
		return nil, apperr.Newf(apperr.KindUpstreamBadResponse, "docintel.analyze", "missing Operation-Location header")
	}
	return c.poll(ctx, opLocation)
}

func (c *DocIntelClient) poll(ctx context.Context, opLocation string) (*analyzeResult, error) {
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, opLocation, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, apperr.New(apperr.KindUpstreamUnavailable, "docintel.poll", err)
		}
		var out struct {
			Status        string        `json:"status"`
			AnalyzeResult analyzeResult `json:"analyzeResult"`
			Error         struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		err = json.NewDecoder(resp.Body).Decode(&out)
		resp.Body.Close()
		if err != nil {
			return nil, apperr.New(apperr.KindUpstreamBadResponse, "docintel.poll", err)
		}
		switch out.Status {
		case "succeeded":
			return &out.AnalyzeResult, nil
		case "failed":
			return nil, apperr.Newf(apperr.KindUpstreamBadResponse, "docintel.poll", "analysis failed: %s", out.Error.Message)
		}
	}
}

// TableToHTML renders a recognised table as an HTML table. Cells are sorted
// by (row, column) and their content is HTML-escaped, so the rendering is
// deterministic for a given table.
func TableToHTML(cells []TableCell, rowCount, columnCount int) string {
	sorted := make([]TableCell, len(cells))
	copy(sorted, cells)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].RowIndex != sorted[j].RowIndex {
			return sorted[i].RowIndex < sorted[j].RowIndex
		}
		return sorted[i].ColumnIndex < sorted[j].ColumnIndex
	})
	var b strings.Builder
	b.WriteString("<table>")
	row := -1
	for _, cell := range sorted {
		if cell.RowIndex != row {
			if row >= 0 {
				b.WriteString("</tr>")
			}
			b.WriteString("<tr>")
			row = cell.RowIndex
		}
		tag := "td"
		if cell.Kind == "columnHeader" || cell.Kind == "rowHeader" {
			tag = "th"
		}
		b.WriteString("<" + tag + ">")
		b.WriteString(html.EscapeString(cell.Content))
		b.WriteString("</" + tag + ">")
	}
	if row >= 0 {
		b.WriteString("</tr>")
	}
	b.WriteString("</table>")
	return b.String()
}

// docIntelLoader runs the layout or read model and assembles page records.
type docIntelLoader struct {
	client *DocIntelClient
	model  string
}

func (l *docIntelLoader) Load(ctx context.Context, sourceURL string) ([]Page, error) {
	if l.client == nil {
		return nil, fmt.Errorf("document intelligence client not configured")
	}
	result, err := l.client.Analyze(ctx, l.model, sourceURL)
	if err != nil {
		return nil, err
	}
	texts := map[int]*strings.Builder{}
	var pageNumbers []int
	appendText := func(page int, text string) {
		b, ok := texts[page]
		if !ok {
			b = &strings.Builder{}
			texts[page] = b
			pageNumbers = append(pageNumbers, page)
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(text)
	}
	for _, p := range result.Paragraphs {
		page := 1
		if len(p.BoundingRegions) > 0 {
			page = p.BoundingRegions[0].PageNumber
		}
		appendText(page, l.formatParagraph(p))
	}
	for _, t := range result.Tables {
		page := 1
		if len(t.BoundingRegions) > 0 {
			page = t.BoundingRegions[0].PageNumber
		}
		appendText(page, TableToHTML(t.Cells, t.RowCount, t.ColumnCount))
	}
	sort.Ints(pageNumbers)
	pages := make([]Page, 0, len(pageNumbers))
	for _, n := range pageNumbers {
		pages = append(pages, Page{Text: texts[n].String(), PageNumber: n, Source: sourceURL})
	}
	return assignOffsets(pages), nil
}

// formatParagraph maps layout roles onto markdown headings; the read model
// returns paragraphs without roles and passes through unchanged.
func (l *docIntelLoader) formatParagraph(p diParagraph) string {
	if l.model != "prebuilt-layout" {
		return p.Content
	}
	switch p.Role {
	case "title":
		return "# " + p.Content
	case "sectionHeading":
		return "## " + p.Content
	default:
		return p.Content
	}
}
