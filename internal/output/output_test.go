package output

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/hessamz/docuchat/models"
)

type staticSigner struct{}

func (staticSigner) SignedReadURL(stored string) string {
	return strings.Replace(stored, models.SASTokenPlaceholder, "sig=abc", 1)
}

func docs(n int) []models.SourceDocument {
	out := make([]models.SourceDocument, n)
	for i := range out {
		out[i] = models.SourceDocument{
			ID:      models.DocumentID("https://acct.blob.example.net/docs/a.pdf?"+models.SASTokenPlaceholder, i),
			Content: "content " + string(rune('a'+i)),
			Source:  "https://acct.blob.example.net/docs/a.pdf?" + models.SASTokenPlaceholder,
			Title:   "/docs/a.pdf",
			Chunk:   i,
		}
	}
	return out
}

func assistant(t *testing.T, msgs []Message) Message {
	t.Helper()
	if len(msgs) != 2 {
		t.Fatalf("expected tool + assistant messages, got %d", len(msgs))
	}
	if msgs[0].Role != models.RoleTool || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("unexpected roles: %s, %s", msgs[0].Role, msgs[1].Role)
	}
	if !msgs[1].EndTurn {
		t.Fatalf("assistant message must end the turn")
	}
	return msgs[1]
}

func toolCitations(t *testing.T, msgs []Message) toolContent {
	t.Helper()
	var tc toolContent
	if err := json.Unmarshal([]byte(msgs[0].Content), &tc); err != nil {
		t.Fatalf("tool message is not JSON: %v", err)
	}
	return tc
}

func TestParseRenumbersByFirstAppearance(t *testing.T) {
	p := NewParser(staticSigner{})
	msgs, err := p.Parse(models.Answer{
		Question:        "q",
		Answer:          "See [doc2] and [doc3], then [doc1] and [doc2] again.",
		SourceDocuments: docs(3),
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := assistant(t, msgs).Content
	want := "See [doc1] and [doc2], then [doc3] and [doc1] again."
	if got != want {
		t.Fatalf("renumbered text = %q, want %q", got, want)
	}
	tc := toolCitations(t, msgs)
	if len(tc.Citations) != 3 {
		t.Fatalf("expected 3 citations, got %d", len(tc.Citations))
	}
	// [doc1] now refers to what the model called [doc2]
	if !strings.Contains(tc.Citations[0].Content, "content b") {
		t.Fatalf("citation order does not follow first appearance: %q", tc.Citations[0].Content)
	}
	if tc.Intent != "q" {
		t.Fatalf("intent = %q, want q", tc.Intent)
	}
}

func TestParseDropsOutOfRangeReferences(t *testing.T) {
	p := NewParser(staticSigner{})
	msgs, err := p.Parse(models.Answer{
		Answer:          "Valid [doc1], invalid [doc7].",
		SourceDocuments: docs(2),
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := assistant(t, msgs).Content
	if got != "Valid [doc1], invalid ." {
		t.Fatalf("out-of-range reference survived: %q", got)
	}
	if n := len(toolCitations(t, msgs).Citations); n != 1 {
		t.Fatalf("expected 1 citation, got %d", n)
	}
}

func TestParseStripsAllWhenNoDocuments(t *testing.T) {
	p := NewParser(staticSigner{})
	msgs, err := p.Parse(models.Answer{Answer: "Cites [doc1] and [doc2]."})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	got := assistant(t, msgs).Content
	if strings.Contains(got, "[doc") {
		t.Fatalf("references survived with no documents: %q", got)
	}
	if n := len(toolCitations(t, msgs).Citations); n != 0 {
		t.Fatalf("expected no citations, got %d", n)
	}
}

func TestParseCollapsesSpaces(t *testing.T) {
	p := NewParser(staticSigner{})
	msgs, err := p.Parse(models.Answer{Answer: "too   many    spaces"})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := assistant(t, msgs).Content; got != "too many spaces" {
		t.Fatalf("spaces not collapsed: %q", got)
	}
}

func TestParseIdempotent(t *testing.T) {
	p := NewParser(staticSigner{})
	answer := models.Answer{
		Question:        "q",
		Answer:          "See [doc2] then [doc1].",
		SourceDocuments: docs(2),
	}
	first, err := p.Parse(answer)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	// feed the rewritten text back with citations reordered to match
	again := models.Answer{
		Question:        "q",
		Answer:          assistant(t, first).Content,
		SourceDocuments: []models.SourceDocument{answer.SourceDocuments[1], answer.SourceDocuments[0]},
	}
	second, err := p.Parse(again)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if assistant(t, first).Content != assistant(t, second).Content {
		t.Fatalf("reparsing changed the text: %q vs %q", assistant(t, first).Content, assistant(t, second).Content)
	}
}

func TestCitationContentShape(t *testing.T) {
	p := NewParser(staticSigner{})
	msgs, err := p.Parse(models.Answer{
		Answer:          "From [doc1].",
		SourceDocuments: docs(1),
	})
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c := toolCitations(t, msgs).Citations[0]
	if !strings.HasPrefix(c.Content, "[/docs/a.pdf](https://acct.blob.example.net/docs/a.pdf?sig=abc)\n\n\n") {
		t.Fatalf("citation content missing signed markdown link header: %q", c.Content)
	}
	if strings.Contains(c.URL, models.SASTokenPlaceholder) {
		t.Fatalf("placeholder leaked into citation url: %q", c.URL)
	}
	if c.FilePath != "a.pdf" {
		t.Fatalf("filepath = %q, want the path without the container", c.FilePath)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(c.Metadata, &meta); err != nil {
		t.Fatalf("metadata is not a JSON object: %v", err)
	}
	if meta["chunk"] != float64(0) {
		t.Fatalf("metadata chunk = %v", meta["chunk"])
	}
	if _, ok := meta["offset"]; !ok {
		t.Fatalf("metadata missing offset: %v", meta)
	}
}

func TestFilePathStripsContainerPrefix(t *testing.T) {
	cases := []struct {
		source string
		want   string
	}{
		{"https://acct.blob.example.net/docs/a.pdf?" + models.SASTokenPlaceholder, "a.pdf"},
		{"https://acct.blob.example.net/docs/reports/q1.pdf", "reports/q1.pdf"},
		{"https://acct.blob.example.net/a.pdf", "a.pdf"},
	}
	for _, c := range cases {
		if got := filePathOf(c.source); got != c.want {
			t.Errorf("filePathOf(%q) = %q, want %q", c.source, got, c.want)
		}
	}
}
