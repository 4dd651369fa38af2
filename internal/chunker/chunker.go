// Package chunker splits loaded page records into deterministic chunks with
// stable ids. Sizes are measured in tokens produced by a local
// approximation: maximal runs of letters or digits count as one token, and
// every other non-space rune counts as one.
package chunker

import (
	"strings"
	"unicode"

	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/loader"
	"github.com/hessamz/docuchat/models"
)

// Chunker turns page records into source documents. The source URL passed
// in must already be canonical (token replaced by the SAS placeholder).
type Chunker interface {
	Chunk(pages []loader.Page, source string) ([]models.SourceDocument, error)
}

// New resolves a chunking strategy name to its implementation.
func New(cfg appconfig.Chunking) (Chunker, error) {
	if cfg.Size <= 0 || cfg.Overlap >= cfg.Size {
		return nil, apperr.Newf(apperr.KindConfigMalformed, "chunker", "overlap %d must be smaller than size %d", cfg.Overlap, cfg.Size)
	}
	switch cfg.Strategy {
	case appconfig.ChunkingLayout:
		return &layoutChunker{size: cfg.Size}, nil
	case appconfig.ChunkingPage:
		return &pageChunker{size: cfg.Size, overlap: cfg.Overlap}, nil
	case appconfig.ChunkingFixedSizeOverlap:
		return &fixedChunker{size: cfg.Size, overlap: cfg.Overlap}, nil
	case appconfig.ChunkingParagraph:
		return nil, apperr.Newf(apperr.KindUnsupported, "chunker", "paragraph chunking is reserved and not implemented")
	default:
		return nil, apperr.Newf(apperr.KindConfigMalformed, "chunker", "unknown chunking strategy %q", cfg.Strategy)
	}
}

type span struct{ start, end int }

// tokenSpans returns the byte spans of each token in s.
func tokenSpans(s string) []span {
	var spans []span
	start := -1
	for i, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			if start < 0 {
				start = i
			}
		case unicode.IsSpace(r):
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
		default:
			if start >= 0 {
				spans = append(spans, span{start, i})
				start = -1
			}
			spans = append(spans, span{i, i + len(string(r))})
		}
	}
	if start >= 0 {
		spans = append(spans, span{start, len(s)})
	}
	return spans
}

// makeDoc assembles a chunk record with the stable id derived from the
// canonical source URL and chunk index.
func makeDoc(source, content string, chunkIndex, offset int, pageNumber *int) models.SourceDocument {
	id := models.DocumentID(source, chunkIndex)
	return models.SourceDocument{
		ID:         id,
		ChunkID:    id,
		Content:    content,
		Source:     source,
		Title:      models.TitleFromSource(source),
		Chunk:      chunkIndex,
		Offset:     offset,
		PageNumber: pageNumber,
	}
}

func concatenate(pages []loader.Page) string {
	var b strings.Builder
	for _, p := range pages {
		b.WriteString(p.Text)
	}
	return b.String()
}

// layoutChunker concatenates page content and packs layout blocks
// (blank-line separated) greedily up to the target token count. A single
// block exceeding the target is split by token window.
type layoutChunker struct {
	size int
}

func (c *layoutChunker) Chunk(pages []loader.Page, source string) ([]models.SourceDocument, error) {
	content := concatenate(pages)
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	type block struct {
		start, end int
	}
	var blocks []block
	pos := 0
	for _, part := range strings.Split(content, "\n\n") {
		blocks = append(blocks, block{pos, pos + len(part)})
		pos += len(part) + 2
	}

	var docs []models.SourceDocument
	chunkIdx := 0
	emit := func(start, end int) {
		text := strings.TrimSpace(content[start:end])
		if text == "" {
			return
		}
		docs = append(docs, makeDoc(source, text, chunkIdx, start, nil))
		chunkIdx++
	}

	curStart, curTokens := -1, 0
	flush := func(end int) {
		if curStart >= 0 {
			emit(curStart, end)
			curStart, curTokens = -1, 0
		}
	}
	for _, b := range blocks {
		text := content[b.start:b.end]
		n := len(tokenSpans(text))
		if n == 0 {
			continue
		}
		if n > c.size {
			flush(b.start)
			// oversized block: fall back to a token window
			for _, w := range windows(tokenSpans(text), c.size, 0) {
				emit(b.start+w.start, b.start+w.end)
			}
			continue
		}
		if curStart < 0 {
			curStart, curTokens = b.start, n
			continue
		}
		if curTokens+n > c.size {
			flush(b.start)
			curStart, curTokens = b.start, n
			continue
		}
		curTokens += n
	}
	flush(len(content))
	return docs, nil
}

// pageChunker chunks each page independently and preserves the page number.
type pageChunker struct {
	size, overlap int
}

func (c *pageChunker) Chunk(pages []loader.Page, source string) ([]models.SourceDocument, error) {
	var docs []models.SourceDocument
	chunkIdx := 0
	for _, p := range pages {
		page := p.PageNumber
		for _, w := range windows(tokenSpans(p.Text), c.size, c.overlap) {
			text := strings.TrimSpace(p.Text[w.start:w.end])
			if text == "" {
				continue
			}
			docs = append(docs, makeDoc(source, text, chunkIdx, p.Offset+w.start, &page))
			chunkIdx++
		}
	}
	return docs, nil
}

// fixedChunker slides a token window of size with overlap tokens reused
// across adjacent chunks, over the concatenated content.
type fixedChunker struct {
	size, overlap int
}

func (c *fixedChunker) Chunk(pages []loader.Page, source string) ([]models.SourceDocument, error) {
	content := concatenate(pages)
	var docs []models.SourceDocument
	chunkIdx := 0
	for _, w := range windows(tokenSpans(content), c.size, c.overlap) {
		text := strings.TrimSpace(content[w.start:w.end])
		if text == "" {
			continue
		}
		docs = append(docs, makeDoc(source, text, chunkIdx, w.start, nil))
		chunkIdx++
	}
	return docs, nil
}

// windows slices token spans into byte ranges of up to size tokens,
// stepping size-overlap tokens each time.
func windows(spans []span, size, overlap int) []span {
	if len(spans) == 0 {
		return nil
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out []span
	for start := 0; start < len(spans); start += step {
		end := start + size
		if end > len(spans) {
			end = len(spans)
		}
		out = append(out, span{spans[start].start, spans[end-1].end})
		if end == len(spans) {
			break
		}
	}
	return out
}
