package models

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
)

// Chat message roles accepted on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// SASTokenPlaceholder is the sentinel substituted into persisted storage URLs
// in place of a bearer token. Read credentials are minted at response time;
// tokens are never stored.
const SASTokenPlaceholder = "_SAS_TOKEN_PLACEHOLDER_"

// SourceDocument is a chunk-level record stored in the search index.
type SourceDocument struct {
	ID         string `json:"id"`
	Content    string `json:"content"`
	Source     string `json:"source"`
	Title      string `json:"title"`
	Chunk      int    `json:"chunk"`
	Offset     int    `json:"offset"`
	PageNumber *int   `json:"page_number,omitempty"`
	ChunkID    string `json:"chunk_id,omitempty"`
}

// DocumentID derives the stable chunk id from the canonical source URL and
// the 0-based chunk index.
func DocumentID(source string, chunkIndex int) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%s_%d", source, chunkIndex)))
	return "doc_" + hex.EncodeToString(sum[:])
}

// TitleFromSource returns the path component of the source URL, which is used
// as the document title.
func TitleFromSource(source string) string {
	u, err := url.Parse(source)
	if err != nil || u.Path == "" {
		return source
	}
	return u.Path
}

// MaskSourceURL rewrites a storage URL so that any query string (a bearer
// token, typically) is replaced by the SAS placeholder sentinel.
func MaskSourceURL(source string) string {
	if i := strings.IndexByte(source, '?'); i >= 0 {
		source = source[:i]
	}
	return source + "?" + SASTokenPlaceholder
}

// Answer is the in-process result of a turn: text plus provenance and token
// counts.
type Answer struct {
	Question         string           `json:"question"`
	Answer           string           `json:"answer"`
	SourceDocuments  []SourceDocument `json:"source_documents"`
	PromptTokens     int              `json:"prompt_tokens"`
	CompletionTokens int              `json:"completion_tokens"`
}

// ChatMessage is a single role-tagged message.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatTurn is the request value for one conversation turn. The terminal
// message must carry the user role.
type ChatTurn struct {
	ConversationID string        `json:"conversation_id"`
	Messages       []ChatMessage `json:"messages"`
}

// LastUserMessage returns the content of the final user message, tolerating
// histories with adjacent user turns.
func (t ChatTurn) LastUserMessage() (string, bool) {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleUser {
			return t.Messages[i].Content, true
		}
	}
	return "", false
}

// History returns every message before the terminal user message.
func (t ChatTurn) History() []ChatMessage {
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Role == RoleUser {
			return t.Messages[:i]
		}
	}
	return t.Messages
}
