package search

import (
	"testing"

	"github.com/hessamz/docuchat/models"
)

func doc(id, title string, chunk int) models.SourceDocument {
	return models.SourceDocument{ID: id, Title: title, Chunk: chunk}
}

func TestFuseRRFPrefersDocsInBothLists(t *testing.T) {
	a := []models.SourceDocument{doc("x", "/a.pdf", 0), doc("y", "/b.pdf", 0)}
	b := []models.SourceDocument{doc("y", "/b.pdf", 0), doc("z", "/c.pdf", 0)}

	out := fuseRRF(a, b, 3)
	if len(out) != 3 {
		t.Fatalf("expected 3 results, got %d", len(out))
	}
	if out[0].ID != "y" {
		t.Fatalf("doc present in both lists should rank first, got %s", out[0].ID)
	}
}

func TestFuseRRFRespectsK(t *testing.T) {
	a := []models.SourceDocument{doc("x", "/a.pdf", 0), doc("y", "/b.pdf", 0), doc("z", "/c.pdf", 0)}
	out := fuseRRF(a, nil, 2)
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
}

func TestSortScoredTieBreakDeterministic(t *testing.T) {
	// identical scores: order must fall back to (title, chunk)
	scored := []scoredDoc{
		{doc: doc("c", "/b.pdf", 1), score: 0.5},
		{doc: doc("a", "/a.pdf", 2), score: 0.5},
		{doc: doc("b", "/a.pdf", 0), score: 0.5},
	}
	sortScored(scored)
	if scored[0].doc.ID != "b" || scored[1].doc.ID != "a" || scored[2].doc.ID != "c" {
		t.Fatalf("tie-break order wrong: %s %s %s", scored[0].doc.ID, scored[1].doc.ID, scored[2].doc.ID)
	}
}

func TestSortScoredRoundsTinyDifferences(t *testing.T) {
	// a difference below 1e-6 counts as a tie
	scored := []scoredDoc{
		{doc: doc("later", "/z.pdf", 0), score: 0.5000000001},
		{doc: doc("first", "/a.pdf", 0), score: 0.5},
	}
	sortScored(scored)
	if scored[0].doc.ID != "first" {
		t.Fatalf("sub-epsilon score difference must not decide order, got %s first", scored[0].doc.ID)
	}
}
