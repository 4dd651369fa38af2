// Package appconfig manages the versioned runtime configuration blob that
// parameterises prompts, chunking, loading, orchestration and safety.
package appconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/blob"
)

// ActiveKey is the object-storage key of the active config document.
const ActiveKey = "active.json"

// Chunking strategies.
const (
	ChunkingLayout           = "layout"
	ChunkingPage             = "page"
	ChunkingFixedSizeOverlap = "fixed_size_overlap"
	ChunkingParagraph        = "paragraph"
)

// Loading strategies.
const (
	LoadingLayout = "layout"
	LoadingRead   = "read"
	LoadingWeb    = "web"
	LoadingDocx   = "docx"
)

// Orchestration strategies.
const (
	StrategyFunctionCalling = "functioncalling"
	StrategyPlannerExecutor = "planner_executor"
	StrategyKernel          = "kernel"
)

// Prompts holds the prompt templates and their toggles.
type Prompts struct {
	AnsweringSystemPrompt     string `json:"answering_system_prompt"`
	AnsweringUserPrompt       string `json:"answering_user_prompt"`
	PostAnsweringPrompt       string `json:"post_answering_prompt"`
	EnablePostAnsweringPrompt bool   `json:"enable_post_answering_prompt"`
	EnableContentSafety       bool   `json:"enable_content_safety"`
	UseOnYourDataFormat       bool   `json:"use_on_your_data_format"`

	// AnsweringPrompt is the pre-split legacy field; mapped onto
	// AnsweringUserPrompt when the split fields are absent.
	AnsweringPrompt string `json:"answering_prompt,omitempty"`
}

// Messages holds operator-facing message templates.
type Messages struct {
	PostAnsweringFilter string `json:"post_answering_filter"`
}

// Example is the optional few-shot exemplar injected into the answering
// prompt.
type Example struct {
	Documents    string `json:"documents"`
	UserQuestion string `json:"user_question"`
	Answer       string `json:"answer"`
}

// Chunking configures one processor's chunking pass.
type Chunking struct {
	Strategy string `json:"strategy"`
	Size     int    `json:"size"`
	Overlap  int    `json:"overlap"`
}

// Loading configures one processor's loading pass.
type Loading struct {
	Strategy string `json:"strategy"`
}

// Processor binds a document type (file extension) to its pipeline.
type Processor struct {
	DocumentType               string   `json:"document_type"`
	Chunking                   Chunking `json:"chunking"`
	Loading                    Loading  `json:"loading"`
	UseAdvancedImageProcessing bool     `json:"use_advanced_image_processing"`
}

// Logging toggles user-interaction and token logging.
type Logging struct {
	LogUserInteractions bool `json:"log_user_interactions"`
	LogTokens           bool `json:"log_tokens"`
}

// Orchestrator selects the request-time strategy.
type Orchestrator struct {
	Strategy      string `json:"strategy"`
	MaxIterations int    `json:"max_iterations"`
}

// ActiveConfig is the full runtime configuration document.
type ActiveConfig struct {
	Prompts            Prompts      `json:"prompts"`
	Messages           Messages     `json:"messages"`
	Example            Example      `json:"example"`
	DocumentProcessors []Processor  `json:"document_processors"`
	Logging            Logging      `json:"logging"`
	Orchestrator       Orchestrator `json:"orchestrator"`
	EnableStreaming    bool         `json:"enable_streaming"`
}

// ProcessorFor resolves the processor for a file extension (without dot,
// case-insensitive). The bool is false when no processor covers the type.
func (c *ActiveConfig) ProcessorFor(ext string) (Processor, bool) {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, p := range c.DocumentProcessors {
		if strings.ToLower(p.DocumentType) == ext {
			return p, true
		}
	}
	return Processor{}, false
}

// Validate enforces the structural invariants of the document.
func (c *ActiveConfig) Validate() error {
	for i, p := range c.DocumentProcessors {
		switch p.Chunking.Strategy {
		case ChunkingLayout, ChunkingPage, ChunkingFixedSizeOverlap, ChunkingParagraph:
		default:
			return apperr.Newf(apperr.KindConfigMalformed, "appconfig.validate",
				"document_processors[%d]: unknown chunking strategy %q", i, p.Chunking.Strategy)
		}
		switch p.Loading.Strategy {
		case LoadingLayout, LoadingRead, LoadingWeb, LoadingDocx:
		default:
			return apperr.Newf(apperr.KindConfigMalformed, "appconfig.validate",
				"document_processors[%d]: unknown loading strategy %q", i, p.Loading.Strategy)
		}
		if p.Chunking.Size <= 0 {
			return apperr.Newf(apperr.KindConfigMalformed, "appconfig.validate",
				"document_processors[%d]: chunking size must be positive", i)
		}
		if p.Chunking.Overlap >= p.Chunking.Size {
			return apperr.Newf(apperr.KindConfigMalformed, "appconfig.validate",
				"document_processors[%d]: overlap %d must be smaller than size %d", i, p.Chunking.Overlap, p.Chunking.Size)
		}
	}
	switch c.Orchestrator.Strategy {
	case StrategyFunctionCalling, StrategyPlannerExecutor, StrategyKernel:
	default:
		return apperr.Newf(apperr.KindConfigMalformed, "appconfig.validate",
			"unknown orchestrator strategy %q", c.Orchestrator.Strategy)
	}
	return nil
}

// normalize applies the legacy shape mapping after decoding.
func (c *ActiveConfig) normalize() {
	if c.Prompts.AnsweringSystemPrompt == "" && c.Prompts.AnsweringUserPrompt == "" && c.Prompts.AnsweringPrompt != "" {
		c.Prompts.AnsweringUserPrompt = c.Prompts.AnsweringPrompt
		c.Prompts.UseOnYourDataFormat = false
	}
	c.Prompts.AnsweringPrompt = ""
	if c.Orchestrator.MaxIterations <= 0 {
		c.Orchestrator.MaxIterations = 5
	}
}

// BlobStore is the slice of the blob client the store needs.
type BlobStore interface {
	Get(ctx context.Context, container, name string) ([]byte, error)
	Put(ctx context.Context, container, name string, data []byte, contentType string) error
}

// Store is the read-through cached view of the active config.
type Store struct {
	blobs     BlobStore
	container string
	fromBlob  bool

	mu     sync.RWMutex
	cached *ActiveConfig
}

// NewStore builds the configuration store. When fromBlob is false the
// compiled-in default is always served.
func NewStore(blobs BlobStore, container string, fromBlob bool) *Store {
	return &Store{blobs: blobs, container: container, fromBlob: fromBlob}
}

// GetActiveOrDefault returns the active config, falling back to the default
// when no blob exists. The result is cached until SaveActive invalidates it.
func (s *Store) GetActiveOrDefault(ctx context.Context) (*ActiveConfig, error) {
	s.mu.RLock()
	if s.cached != nil {
		cfg := s.cached
		s.mu.RUnlock()
		return cfg, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil {
		return s.cached, nil
	}
	cfg, err := s.load(ctx)
	if err != nil {
		return nil, err
	}
	s.cached = cfg
	return cfg, nil
}

func (s *Store) load(ctx context.Context) (*ActiveConfig, error) {
	if !s.fromBlob || s.blobs == nil {
		return Default(), nil
	}
	raw, err := s.blobs.Get(ctx, s.container, ActiveKey)
	if errors.Is(err, blob.ErrNotFound) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load active config: %w", err)
	}
	cfg, err := Decode(raw)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Decode parses and validates a config document.
func Decode(raw []byte) (*ActiveConfig, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	var cfg ActiveConfig
	if err := dec.Decode(&cfg); err != nil {
		return nil, apperr.New(apperr.KindConfigMalformed, "appconfig.decode", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SaveActive validates and persists a new config document, then invalidates
// the cache. The JSON is written indented for reviewability.
func (s *Store) SaveActive(ctx context.Context, raw []byte) error {
	cfg, err := Decode(raw)
	if err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if s.fromBlob && s.blobs != nil {
		if err := s.blobs.Put(ctx, s.container, ActiveKey, pretty, "application/json"); err != nil {
			return fmt.Errorf("save active config: %w", err)
		}
	}
	s.mu.Lock()
	s.cached = cfg
	s.mu.Unlock()
	return nil
}
