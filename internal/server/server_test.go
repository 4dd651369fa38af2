package server

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/orchestrator"
	"github.com/hessamz/docuchat/internal/output"
	"github.com/hessamz/docuchat/internal/search"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/internal/tools"
	"github.com/hessamz/docuchat/models"
)

type listOnlyHandler struct {
	files map[string][]string
}

func (h *listOnlyHandler) Upsert(_ context.Context, _ []models.SourceDocument) (search.UpsertResult, error) {
	return search.UpsertResult{}, nil
}

func (h *listOnlyHandler) Query(_ context.Context, _ string, _ int, _ string) ([]models.SourceDocument, error) {
	return nil, nil
}

func (h *listOnlyHandler) DeleteBySource(_ context.Context, _ string) error { return nil }

func (h *listOnlyHandler) ListFiles(_ context.Context) (map[string][]string, error) {
	return h.files, nil
}

type passthroughSigner struct{}

func (passthroughSigner) SignedReadURL(stored string) string { return stored }

// testServer wires a Server whose model answers with the given text and whose
// config store serves the (optionally mutated) default.
func testServer(t *testing.T, modelReply string, mutate func(*appconfig.ActiveConfig)) *Server {
	t.Helper()
	llmSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]interface{}{"content": modelReply}},
			},
			"usage": map[string]int{"prompt_tokens": 3, "completion_tokens": 2},
		})
	}))
	t.Cleanup(llmSrv.Close)
	gateway, err := llm.New(config.LLMConfig{
		Endpoint:  llmSrv.URL,
		APIKey:    "k",
		ChatModel: "gpt-4",
		Timeout:   5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}

	store := appconfig.NewStore(nil, "", false)
	if mutate != nil {
		active := appconfig.Default()
		mutate(active)
		raw, err := json.Marshal(active)
		if err != nil {
			t.Fatalf("marshal config: %v", err)
		}
		store = appconfig.NewStore(staticBlobs{data: raw}, "config", true)
	}

	handler := &listOnlyHandler{files: map[string][]string{"a.pdf": {"doc_a0", "doc_a1"}}}
	tele := telemetry.New()
	registry := tools.NewRegistry(tele,
		tools.NewQuestionAnswerTool(gateway, handler, store, 2, tele),
		tools.NewTextProcessingTool(gateway, tele),
	)
	validator := tools.NewPostAnswerValidator(gateway, store, tele)
	parser := output.NewParser(passthroughSigner{})
	orch := orchestrator.New(store, gateway, registry, nil, validator, parser, tele)

	return &Server{
		cfg: &config.Config{
			Server: config.ServerConfig{TurnTimeout: 10 * time.Second},
			Speech: config.SpeechConfig{RecognizerLanguages: []string{"en-US", "it-IT"}},
		},
		store:     store,
		orch:      orch,
		handler:   handler,
		tele:      tele,
		chatModel: "gpt-4",
		logger:    log.New(log.Writer(), "[HTTP] ", log.LstdFlags),
	}
}

type staticBlobs struct{ data []byte }

func (b staticBlobs) Get(_ context.Context, _, _ string) ([]byte, error) { return b.data, nil }

func (b staticBlobs) Put(_ context.Context, _, _ string, _ []byte, _ string) error { return nil }

func request(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	e.HTTPErrorHandler = s.errorHandler
	s.Register(e)
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestConversationEnvelope(t *testing.T) {
	s := testServer(t, "Hello there.", nil)
	rec := request(t, s, http.MethodPost, "/api/conversation",
		`{"conversation_id":"conv-1","messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}

	var resp conversationResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Object != "extensions.chat.completion" {
		t.Fatalf("object = %q", resp.Object)
	}
	if resp.Model != "gpt-4" || resp.ID == "" || resp.Created == 0 {
		t.Fatalf("envelope = %+v", resp)
	}
	if len(resp.Choices) != 1 || len(resp.Choices[0].Messages) != 2 {
		t.Fatalf("choices = %+v", resp.Choices)
	}
	msgs := resp.Choices[0].Messages
	if msgs[0].Role != models.RoleTool || msgs[1].Role != models.RoleAssistant {
		t.Fatalf("message roles = %q, %q", msgs[0].Role, msgs[1].Role)
	}
	if msgs[1].Content != "Hello there." || !msgs[1].EndTurn {
		t.Fatalf("assistant = %+v", msgs[1])
	}
}

func TestConversationStreaming(t *testing.T) {
	s := testServer(t, "Streamed reply.", func(c *appconfig.ActiveConfig) {
		c.EnableStreaming = true
	})
	rec := request(t, s, http.MethodPost, "/api/conversation",
		`{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get(echo.HeaderContentType); ct != "application/json-lines" {
		t.Fatalf("content type = %q", ct)
	}

	lines := strings.Split(strings.TrimSpace(rec.Body.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d chunks, want 2", len(lines))
	}
	for i, line := range lines {
		var chunk conversationResponse
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			t.Fatalf("chunk %d: %v", i, err)
		}
		if chunk.Object != "extensions.chat.completion.chunk" {
			t.Fatalf("chunk %d object = %q", i, chunk.Object)
		}
		if len(chunk.Choices) != 1 || len(chunk.Choices[0].Messages) != 1 {
			t.Fatalf("chunk %d choices = %+v", i, chunk.Choices)
		}
	}
}

func TestConversationRejectsEmptyMessages(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodPost, "/api/conversation", `{"messages":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestConversationWithoutUserMessageIsBadRequest(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodPost, "/api/conversation",
		`{"messages":[{"role":"assistant","content":"hi"}]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Fatal("error body missing")
	}
	if body["code"] != "not_found" {
		t.Fatalf("error code = %q", body["code"])
	}
}

func TestIngestEventValidationHandshake(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodPost, "/api/ingest/event",
		`[{"eventType":"Microsoft.EventGrid.SubscriptionValidationEvent","data":{"validationCode":"code-123"}}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["validationResponse"] != "code-123" {
		t.Fatalf("validation response = %q", body["validationResponse"])
	}
}

func TestIngestEventSkipsEmptyURL(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodPost, "/api/ingest/event",
		`[{"eventType":"Microsoft.Storage.BlobCreated","data":{}}]`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body = %s", rec.Code, rec.Body.String())
	}
}

func TestIngestURLRequiresURL(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodPost, "/api/ingest/url", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestListFiles(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodGet, "/api/files", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Files map[string][]string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Files["a.pdf"]) != 2 {
		t.Fatalf("files = %v", body.Files)
	}
}

func TestGetConfig(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodGet, "/api/config", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var active appconfig.ActiveConfig
	if err := json.Unmarshal(rec.Body.Bytes(), &active); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if active.Orchestrator.Strategy == "" || len(active.DocumentProcessors) == 0 {
		t.Fatalf("config incomplete: %+v", active)
	}
}

func TestSpeechConfig(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodGet, "/api/speech", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Languages []string `json:"recognizer_languages"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Languages) != 2 || body.Languages[0] != "en-US" {
		t.Fatalf("languages = %v", body.Languages)
	}
}

func TestDeleteFilesRejectsEmpty(t *testing.T) {
	s := testServer(t, "unused", nil)
	rec := request(t, s, http.MethodPost, "/api/files/delete", `{"filenames":[]}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
}
