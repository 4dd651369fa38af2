// Package loader turns a source URL into an ordered sequence of page-scoped
// text records, using the strategy configured for the document type.
package loader

import (
	"context"
	"net/http"
	"time"

	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/apperr"
)

// Page is one page-scoped text record. Offset is the byte offset of the
// page within the concatenated document content; pages form a
// non-overlapping, monotonically increasing cover.
type Page struct {
	Text       string
	PageNumber int
	Offset     int
	Source     string
}

// Loader produces page records for a source URL.
type Loader interface {
	Load(ctx context.Context, sourceURL string) ([]Page, error)
}

// Deps carries the clients the strategies need.
type Deps struct {
	DocIntel *DocIntelClient
	HTTP     *http.Client
	RenderJS bool
}

// ForStrategy resolves a loading strategy name to its implementation.
func ForStrategy(strategy string, deps Deps) (Loader, error) {
	httpClient := deps.HTTP
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	switch strategy {
	case appconfig.LoadingLayout:
		return &docIntelLoader{client: deps.DocIntel, model: "prebuilt-layout"}, nil
	case appconfig.LoadingRead:
		return &docIntelLoader{client: deps.DocIntel, model: "prebuilt-read"}, nil
	case appconfig.LoadingWeb:
		return &webLoader{httpClient: httpClient, renderJS: deps.RenderJS}, nil
	case appconfig.LoadingDocx:
		return &docxLoader{httpClient: httpClient}, nil
	default:
		return nil, apperr.Newf(apperr.KindUnsupported, "loader", "unknown loading strategy %q", strategy)
	}
}

// assignOffsets fills each page's Offset with the cumulative length of the
// preceding pages' text.
func assignOffsets(pages []Page) []Page {
	offset := 0
	for i := range pages {
		pages[i].Offset = offset
		offset += len(pages[i].Text)
	}
	return pages
}
