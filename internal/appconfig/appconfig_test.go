package appconfig

import (
	"context"
	"strings"
	"testing"

	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/blob"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Orchestrator.Strategy != StrategyFunctionCalling {
		t.Fatalf("default strategy = %q", cfg.Orchestrator.Strategy)
	}
	if _, ok := cfg.ProcessorFor("pdf"); !ok {
		t.Fatalf("default config lacks a pdf processor")
	}
	if _, ok := cfg.ProcessorFor(".PDF"); !ok {
		t.Fatalf("extension matching must ignore case and leading dot")
	}
	if _, ok := cfg.ProcessorFor("exe"); ok {
		t.Fatalf("unexpected processor for exe")
	}
}

func TestDecodeLegacyAnsweringPrompt(t *testing.T) {
	raw := `{
		"prompts": {"answering_prompt": "Answer {question} from {sources}", "use_on_your_data_format": true},
		"document_processors": [],
		"orchestrator": {"strategy": "functioncalling"}
	}`
	cfg, err := Decode([]byte(raw))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if cfg.Prompts.AnsweringUserPrompt != "Answer {question} from {sources}" {
		t.Fatalf("legacy prompt not mapped: %q", cfg.Prompts.AnsweringUserPrompt)
	}
	if cfg.Prompts.UseOnYourDataFormat {
		t.Fatalf("legacy prompt must disable the on-your-data format")
	}
	if cfg.Orchestrator.MaxIterations != 5 {
		t.Fatalf("max iterations default = %d, want 5", cfg.Orchestrator.MaxIterations)
	}
}

func TestDecodeRejectsBadStrategy(t *testing.T) {
	cases := []string{
		`{"orchestrator": {"strategy": "divination"}}`,
		`{"orchestrator": {"strategy": "kernel"}, "document_processors": [{"document_type": "pdf", "chunking": {"strategy": "layout", "size": 0}, "loading": {"strategy": "layout"}}]}`,
		`{"orchestrator": {"strategy": "kernel"}, "document_processors": [{"document_type": "pdf", "chunking": {"strategy": "layout", "size": 100, "overlap": 100}, "loading": {"strategy": "layout"}}]}`,
		`{"orchestrator": {"strategy": "kernel"}, "document_processors": [{"document_type": "pdf", "chunking": {"strategy": "layout", "size": 100}, "loading": {"strategy": "osmosis"}}]}`,
	}
	for i, raw := range cases {
		_, err := Decode([]byte(raw))
		if !apperr.IsKind(err, apperr.KindConfigMalformed) {
			t.Fatalf("case %d: got %v, want config malformed", i, err)
		}
	}
}

type memBlobs struct {
	data map[string][]byte
}

func (m *memBlobs) Get(_ context.Context, _, name string) ([]byte, error) {
	if b, ok := m.data[name]; ok {
		return b, nil
	}
	return nil, blob.ErrNotFound
}

func (m *memBlobs) Put(_ context.Context, _, name string, data []byte, _ string) error {
	m.data[name] = data
	return nil
}

func TestStoreSaveAndReload(t *testing.T) {
	blobs := &memBlobs{data: map[string][]byte{}}
	store := NewStore(blobs, "config", true)
	ctx := context.Background()

	first, err := store.GetActiveOrDefault(ctx)
	if err != nil {
		t.Fatalf("GetActiveOrDefault: %v", err)
	}
	if first.Orchestrator.Strategy != StrategyFunctionCalling {
		t.Fatalf("expected default before any save")
	}

	raw := `{"orchestrator": {"strategy": "kernel"}, "enable_streaming": true}`
	if err := store.SaveActive(ctx, []byte(raw)); err != nil {
		t.Fatalf("SaveActive: %v", err)
	}
	if _, ok := blobs.data[ActiveKey]; !ok {
		t.Fatalf("save did not persist %s", ActiveKey)
	}

	second, err := store.GetActiveOrDefault(ctx)
	if err != nil {
		t.Fatalf("GetActiveOrDefault after save: %v", err)
	}
	if second.Orchestrator.Strategy != StrategyKernel || !second.EnableStreaming {
		t.Fatalf("saved config not served: %+v", second)
	}
}

func TestSaveActiveRejectsInvalid(t *testing.T) {
	store := NewStore(&memBlobs{data: map[string][]byte{}}, "config", true)
	err := store.SaveActive(context.Background(), []byte(`{"orchestrator": {"strategy": "nope"}}`))
	if !apperr.IsKind(err, apperr.KindConfigMalformed) {
		t.Fatalf("got %v, want config malformed", err)
	}
	if !strings.Contains(err.Error(), "nope") {
		t.Fatalf("error should name the bad strategy: %v", err)
	}
}
