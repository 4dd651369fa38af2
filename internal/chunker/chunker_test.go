package chunker

import (
	"strings"
	"testing"

	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/loader"
	"github.com/hessamz/docuchat/models"
)

const source = "https://acct.blob.example.net/docs/report.pdf?" + models.SASTokenPlaceholder

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(appconfig.Chunking{Strategy: appconfig.ChunkingLayout, Size: 10, Overlap: 10}); err == nil {
		t.Fatalf("overlap equal to size must be rejected")
	}
	if _, err := New(appconfig.Chunking{Strategy: "bogus", Size: 10}); err == nil {
		t.Fatalf("unknown strategy must be rejected")
	}
}

func TestParagraphUnsupported(t *testing.T) {
	_, err := New(appconfig.Chunking{Strategy: appconfig.ChunkingParagraph, Size: 10})
	if !apperr.IsKind(err, apperr.KindUnsupported) {
		t.Fatalf("paragraph strategy: got %v, want unsupported kind", err)
	}
}

func TestFixedSizeOverlap(t *testing.T) {
	c, err := New(appconfig.Chunking{Strategy: appconfig.ChunkingFixedSizeOverlap, Size: 4, Overlap: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pages := []loader.Page{{Text: "one two three four five six seven"}}
	docs, err := c.Chunk(pages, source)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(docs), docs)
	}
	if docs[0].Content != "one two three four" {
		t.Fatalf("first chunk = %q", docs[0].Content)
	}
	// the last token of one window starts the next
	if !strings.HasPrefix(docs[1].Content, "four") {
		t.Fatalf("second chunk = %q, want overlap from previous", docs[1].Content)
	}
	for i, d := range docs {
		if d.Chunk != i {
			t.Fatalf("chunk index %d stored as %d", i, d.Chunk)
		}
		if d.ID != models.DocumentID(source, i) {
			t.Fatalf("chunk %d id mismatch", i)
		}
		if d.Title != "/docs/report.pdf" {
			t.Fatalf("chunk %d title = %q", i, d.Title)
		}
	}
}

func TestFixedChunkerOffsets(t *testing.T) {
	c, _ := New(appconfig.Chunking{Strategy: appconfig.ChunkingFixedSizeOverlap, Size: 2, Overlap: 0})
	text := "alpha beta gamma delta"
	docs, err := c.Chunk([]loader.Page{{Text: text}}, source)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	for _, d := range docs {
		if !strings.HasPrefix(text[d.Offset:], strings.Fields(d.Content)[0]) {
			t.Fatalf("offset %d does not point at chunk start %q", d.Offset, d.Content)
		}
	}
}

func TestPageChunkerPreservesPageNumbers(t *testing.T) {
	c, err := New(appconfig.Chunking{Strategy: appconfig.ChunkingPage, Size: 100, Overlap: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pages := []loader.Page{
		{Text: "first page text", PageNumber: 1, Offset: 0},
		{Text: "second page text", PageNumber: 2, Offset: 15},
	}
	docs, err := c.Chunk(pages, source)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected one chunk per page, got %d", len(docs))
	}
	if docs[0].PageNumber == nil || *docs[0].PageNumber != 1 {
		t.Fatalf("first chunk page = %v", docs[0].PageNumber)
	}
	if docs[1].PageNumber == nil || *docs[1].PageNumber != 2 {
		t.Fatalf("second chunk page = %v", docs[1].PageNumber)
	}
	if docs[1].Chunk != 1 {
		t.Fatalf("chunk indexes must be sequential across pages, got %d", docs[1].Chunk)
	}
}

func TestLayoutChunkerPacksBlocks(t *testing.T) {
	c, err := New(appconfig.Chunking{Strategy: appconfig.ChunkingLayout, Size: 6, Overlap: 0})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	text := "alpha beta gamma\n\ndelta epsilon\n\nzeta eta theta iota"
	docs, err := c.Chunk([]loader.Page{{Text: text}}, source)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("expected 2 chunks, got %d: %+v", len(docs), docs)
	}
	if !strings.Contains(docs[0].Content, "alpha") || !strings.Contains(docs[0].Content, "epsilon") {
		t.Fatalf("first chunk should pack the first two blocks: %q", docs[0].Content)
	}
	if !strings.HasPrefix(docs[1].Content, "zeta") {
		t.Fatalf("second chunk = %q", docs[1].Content)
	}
}

func TestLayoutChunkerSplitsOversizedBlock(t *testing.T) {
	c, _ := New(appconfig.Chunking{Strategy: appconfig.ChunkingLayout, Size: 3, Overlap: 0})
	docs, err := c.Chunk([]loader.Page{{Text: "one two three four five"}}, source)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if len(docs) != 2 {
		t.Fatalf("oversized block should split into 2 chunks, got %d", len(docs))
	}
}

func TestChunkDeterminism(t *testing.T) {
	c, _ := New(appconfig.Chunking{Strategy: appconfig.ChunkingLayout, Size: 5, Overlap: 0})
	pages := []loader.Page{{Text: "stable content\n\nsecond block here"}}
	a, err := c.Chunk(pages, source)
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	b, _ := c.Chunk(pages, source)
	if len(a) != len(b) {
		t.Fatalf("chunk counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Content != b[i].Content || a[i].Offset != b[i].Offset {
			t.Fatalf("chunk %d differs between runs", i)
		}
	}
}
