package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/lu4p/cat"

	"github.com/hessamz/docuchat/internal/apperr"
)

// docxLoader downloads a word-processing archive and extracts its text.
type docxLoader struct {
	httpClient *http.Client
}

func (l *docxLoader) Load(ctx context.Context, sourceURL string) ([]Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return nil, apperr.New(apperr.KindUpstreamUnavailable, "loader.docx", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apperr.Newf(apperr.KindUpstreamUnavailable, "loader.docx", "status %d for %s", resp.StatusCode, sourceURL)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	text, err := cat.FromBytes(data)
	if err != nil {
		return nil, apperr.New(apperr.KindIngestionFailed, "loader.docx", err)
	}
	text = CleanText(text)
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Newf(apperr.KindIngestionFailed, "loader.docx", "no text extracted from %s", sourceURL)
	}
	return assignOffsets([]Page{{Text: text, PageNumber: 1, Source: sourceURL}}), nil
}
