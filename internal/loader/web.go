package loader

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/chromedp/chromedp"
	readability "github.com/go-shiori/go-readability"

	"github.com/hessamz/docuchat/internal/apperr"
)

// webLoader fetches a page and extracts readable text. With renderJS a
// headless browser renders the page first; otherwise a plain GET suffices.
type webLoader struct {
	httpClient *http.Client
	renderJS   bool
}

func (l *webLoader) Load(ctx context.Context, sourceURL string) ([]Page, error) {
	var htmlBody string
	var err error
	if l.renderJS {
		htmlBody, err = renderHTML(ctx, sourceURL)
	} else {
		htmlBody, err = l.fetchHTML(ctx, sourceURL)
	}
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(sourceURL)
	if err != nil {
		parsed = &url.URL{}
	}
	text := htmlBody
	if article, err := readability.FromReader(strings.NewReader(htmlBody), parsed); err == nil && strings.TrimSpace(article.TextContent) != "" {
		text = article.TextContent
	}
	text = CleanText(text)
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Newf(apperr.KindIngestionFailed, "loader.web", "no text extracted from %s", sourceURL)
	}
	return assignOffsets([]Page{{Text: text, PageNumber: 1, Source: sourceURL}}), nil
}

func (l *webLoader) fetchHTML(ctx context.Context, sourceURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sourceURL, nil)
	if err != nil {
		return "", fmt.Errorf("request: %w", err)
	}
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return "", apperr.New(apperr.KindUpstreamUnavailable, "loader.web", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", apperr.Newf(apperr.KindUpstreamUnavailable, "loader.web", "status %d for %s", resp.StatusCode, sourceURL)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func renderHTML(ctx context.Context, sourceURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var htmlBody string
	err := chromedp.Run(bctx,
		chromedp.Navigate(sourceURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &htmlBody, chromedp.ByQuery),
	)
	if err != nil {
		return "", apperr.New(apperr.KindUpstreamUnavailable, "loader.render", err)
	}
	return htmlBody, nil
}

var excessNewlines = regexp.MustCompile(`\n{3,}`)

// CleanText collapses runs of three or more newlines to two and strips
// control-range code points, keeping tabs and newlines.
func CleanText(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			b.WriteRune(r)
			continue
		}
		if r < 0x20 || (r >= 0x7f && r < 0xa0) {
			continue
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(excessNewlines.ReplaceAllString(b.String(), "\n\n"))
}
