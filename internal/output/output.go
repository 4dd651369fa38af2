// Package output turns an orchestrator answer into the wire messages the
// conversation API returns: a tool message carrying citations followed by
// the assistant message with renumbered references.
package output

import (
	"encoding/json"
	"fmt"
	neturl "net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/hessamz/docuchat/models"
)

// URLSigner mints a readable URL for a stored canonical source URL.
type URLSigner interface {
	SignedReadURL(stored string) string
}

// Message is one element of the conversation response.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	EndTurn bool   `json:"end_turn"`
}

// Citation is one reference in the tool message, shaped like the
// on-your-data citation objects front ends already consume.
type Citation struct {
	Content  string          `json:"content"`
	ID       string          `json:"id"`
	ChunkID  string          `json:"chunk_id"`
	Title    string          `json:"title"`
	FilePath string          `json:"filepath"`
	URL      string          `json:"url"`
	Metadata json.RawMessage `json:"metadata"`
}

type toolContent struct {
	Citations []Citation `json:"citations"`
	Intent    string     `json:"intent"`
}

var (
	docRefPattern = regexp.MustCompile(`\[doc(\d+)\]`)
	multiSpace    = regexp.MustCompile(` {2,}`)
)

// Parser rewrites answers for the wire.
type Parser struct {
	signer URLSigner
}

func NewParser(signer URLSigner) *Parser {
	return &Parser{signer: signer}
}

// Parse produces the tool and assistant messages for an answer.
//
// Document references in the answer text are validated against the source
// documents, renumbered densely in order of first appearance, and references
// to documents that were never retrieved are removed. Parsing its own output
// again yields the same result.
func (p *Parser) Parse(answer models.Answer) ([]Message, error) {
	text := multiSpace.ReplaceAllString(answer.Answer, " ")
	docs := answer.SourceDocuments

	// first-seen order of valid references
	order := make([]int, 0, len(docs))
	seen := make(map[int]int) // original 1-based ref -> new 1-based ref
	for _, m := range docRefPattern.FindAllStringSubmatch(text, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(docs) {
			continue
		}
		if _, ok := seen[n]; !ok {
			order = append(order, n)
			seen[n] = len(order)
		}
	}

	text = docRefPattern.ReplaceAllStringFunc(text, func(ref string) string {
		n, _ := strconv.Atoi(docRefPattern.FindStringSubmatch(ref)[1])
		newN, ok := seen[n]
		if !ok {
			return ""
		}
		return fmt.Sprintf("[doc%d]", newN)
	})

	citations := make([]Citation, 0, len(order))
	for _, n := range order {
		doc := docs[n-1]
		citations = append(citations, p.citation(doc))
	}

	tool, err := json.Marshal(toolContent{Citations: citations, Intent: answer.Question})
	if err != nil {
		return nil, err
	}
	return []Message{
		{Role: models.RoleTool, Content: string(tool)},
		{Role: models.RoleAssistant, Content: strings.TrimSpace(text), EndTurn: true},
	}, nil
}

func (p *Parser) citation(doc models.SourceDocument) Citation {
	url := doc.Source
	if p.signer != nil {
		url = p.signer.SignedReadURL(doc.Source)
	}
	chunkID := doc.ChunkID
	if chunkID == "" {
		chunkID = doc.ID
	}
	meta, _ := json.Marshal(map[string]interface{}{
		"chunk":       doc.Chunk,
		"offset":      doc.Offset,
		"page_number": doc.PageNumber,
	})
	return Citation{
		Content:  fmt.Sprintf("[%s](%s)\n\n\n%s", doc.Title, url, doc.Content),
		ID:       doc.ID,
		ChunkID:  chunkID,
		Title:    doc.Title,
		FilePath: filePathOf(doc.Source),
		URL:      url,
		Metadata: meta,
	}
}

// filePathOf strips the container segment from the source URL's path, leaving
// the blob name relative to its container.
func filePathOf(source string) string {
	u, err := neturl.Parse(source)
	if err != nil || u.Path == "" {
		return source
	}
	p := strings.TrimPrefix(u.Path, "/")
	if i := strings.IndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}
