package orchestrator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hessamz/docuchat/config"
	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/output"
	"github.com/hessamz/docuchat/internal/safety"
	"github.com/hessamz/docuchat/internal/search"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/internal/tools"
	"github.com/hessamz/docuchat/models"
)

// scriptedLLM answers successive chat completions from a fixed script.
type scriptedLLM struct {
	t  *testing.T
	mu sync.Mutex

	responses []map[string]interface{}
	calls     int
}

func textResponse(content string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]interface{}{"content": content}},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
	}
}

func callResponse(name, args string) map[string]interface{} {
	return map[string]interface{}{
		"choices": []map[string]interface{}{
			{
				"finish_reason": "function_call",
				"message": map[string]interface{}{
					"function_call": map[string]string{"name": name, "arguments": args},
				},
			},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5},
	}
}

func (s *scriptedLLM) handler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.calls >= len(s.responses) {
		s.t.Errorf("unscripted llm call %d to %s", s.calls+1, r.URL.Path)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	resp := s.responses[s.calls]
	s.calls++
	json.NewEncoder(w).Encode(resp)
}

func scriptedGateway(t *testing.T, responses ...map[string]interface{}) (*llm.Gateway, *scriptedLLM) {
	t.Helper()
	s := &scriptedLLM{t: t, responses: responses}
	srv := httptest.NewServer(http.HandlerFunc(s.handler))
	t.Cleanup(srv.Close)
	g, err := llm.New(config.LLMConfig{
		Endpoint:  srv.URL,
		APIKey:    "test-key",
		ChatModel: "gpt-4",
		Timeout:   5 * time.Second,
	}, nil)
	if err != nil {
		t.Fatalf("llm.New: %v", err)
	}
	return g, s
}

type fixedQueryHandler struct {
	docs  []models.SourceDocument
	lastQ string
}

func (s *fixedQueryHandler) Upsert(_ context.Context, _ []models.SourceDocument) (search.UpsertResult, error) {
	return search.UpsertResult{}, nil
}

func (s *fixedQueryHandler) Query(_ context.Context, question string, _ int, _ string) ([]models.SourceDocument, error) {
	s.lastQ = question
	return s.docs, nil
}

func (s *fixedQueryHandler) DeleteBySource(_ context.Context, _ string) error { return nil }

func (s *fixedQueryHandler) ListFiles(_ context.Context) (map[string][]string, error) {
	return nil, nil
}

type staticBlobs struct{ data []byte }

func (b staticBlobs) Get(_ context.Context, _, _ string) ([]byte, error) { return b.data, nil }

func (b staticBlobs) Put(_ context.Context, _, _ string, _ []byte, _ string) error { return nil }

// customStore serves a mutated copy of the default config.
func customStore(t *testing.T, mutate func(*appconfig.ActiveConfig)) *appconfig.Store {
	t.Helper()
	active := appconfig.Default()
	mutate(active)
	raw, err := json.Marshal(active)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	return appconfig.NewStore(staticBlobs{data: raw}, "config", true)
}

type identitySigner struct{}

func (identitySigner) SignedReadURL(stored string) string { return stored }

// gateDenying denies any text containing the substring.
func gateDenying(t *testing.T, deny string) *safety.Gate {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		severity := 0
		if deny != "" && strings.Contains(req.Text, deny) {
			severity = 2
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"categoriesAnalysis": []map[string]interface{}{
				{"category": "Hate", "severity": severity},
			},
		})
	}))
	t.Cleanup(srv.Close)
	g, err := safety.New(config.SafetyConfig{Endpoint: srv.URL, APIKey: "k", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("safety.New: %v", err)
	}
	return g
}

func newOrchestrator(t *testing.T, gw *llm.Gateway, handler search.Handler, store *appconfig.Store, gate *safety.Gate) *Orchestrator {
	t.Helper()
	tele := telemetry.New()
	registry := tools.NewRegistry(tele,
		tools.NewQuestionAnswerTool(gw, handler, store, 2, tele),
		tools.NewTextProcessingTool(gw, tele),
	)
	validator := tools.NewPostAnswerValidator(gw, store, tele)
	parser := output.NewParser(identitySigner{})
	return New(store, gw, registry, gate, validator, parser, tele)
}

func userTurn(question string) models.ChatTurn {
	return models.ChatTurn{
		ConversationID: "conv-1",
		Messages:       []models.ChatMessage{{Role: models.RoleUser, Content: question}},
	}
}

func assistantOf(t *testing.T, msgs []output.Message) output.Message {
	t.Helper()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want tool + assistant", len(msgs))
	}
	if msgs[0].Role != models.RoleTool {
		t.Fatalf("first message role = %q", msgs[0].Role)
	}
	if msgs[1].Role != models.RoleAssistant || !msgs[1].EndTurn {
		t.Fatalf("assistant message = %+v", msgs[1])
	}
	return msgs[1]
}

func citationsOf(t *testing.T, msgs []output.Message) []output.Citation {
	t.Helper()
	var tc struct {
		Citations []output.Citation `json:"citations"`
	}
	if err := json.Unmarshal([]byte(msgs[0].Content), &tc); err != nil {
		t.Fatalf("tool content: %v", err)
	}
	return tc.Citations
}

func TestFunctionCallingDirectAnswer(t *testing.T) {
	gw, script := scriptedGateway(t, textResponse("Just saying hello back."))
	o := newOrchestrator(t, gw, &fixedQueryHandler{}, appconfig.NewStore(nil, "", false), nil)

	msgs, err := o.HandleTurn(context.Background(), userTurn("hello"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if got := assistantOf(t, msgs).Content; got != "Just saying hello back." {
		t.Fatalf("assistant content = %q", got)
	}
	if len(citationsOf(t, msgs)) != 0 {
		t.Fatal("direct answer should carry no citations")
	}
	if script.calls != 1 {
		t.Fatalf("llm calls = %d", script.calls)
	}
}

func TestFunctionCallingInvokesSearchTool(t *testing.T) {
	gw, script := scriptedGateway(t,
		callResponse("search_documents", `{"question":"what is the vacation policy"}`),
		textResponse("You get 25 days [doc1]."),
	)
	handler := &fixedQueryHandler{docs: []models.SourceDocument{
		{ID: "doc_a", Content: "vacation policy text", Title: "hr.pdf", Source: "https://s/hr.pdf"},
	}}
	o := newOrchestrator(t, gw, handler, appconfig.NewStore(nil, "", false), nil)

	msgs, err := o.HandleTurn(context.Background(), userTurn("how much vacation do I get"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if handler.lastQ != "what is the vacation policy" {
		t.Fatalf("retrieval question = %q", handler.lastQ)
	}
	if got := assistantOf(t, msgs).Content; got != "You get 25 days [doc1]." {
		t.Fatalf("assistant content = %q", got)
	}
	cits := citationsOf(t, msgs)
	if len(cits) != 1 || cits[0].ID != "doc_a" || cits[0].Title != "hr.pdf" {
		t.Fatalf("citations = %+v", cits)
	}
	if script.calls != 2 {
		t.Fatalf("llm calls = %d", script.calls)
	}
}

func TestInputSafetyDenialIsSuccessfulTurn(t *testing.T) {
	gw, script := scriptedGateway(t) // the model must never be reached
	o := newOrchestrator(t, gw, &fixedQueryHandler{}, appconfig.NewStore(nil, "", false), gateDenying(t, "offensive"))

	msgs, err := o.HandleTurn(context.Background(), userTurn("something offensive"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if got := assistantOf(t, msgs).Content; got != safety.InputDenialMessage {
		t.Fatalf("assistant content = %q", got)
	}
	if script.calls != 0 {
		t.Fatalf("llm calls = %d, want 0", script.calls)
	}
}

func TestOutputSafetyDenial(t *testing.T) {
	gw, _ := scriptedGateway(t, textResponse("a sensitive reply"))
	o := newOrchestrator(t, gw, &fixedQueryHandler{}, appconfig.NewStore(nil, "", false), gateDenying(t, "sensitive"))

	msgs, err := o.HandleTurn(context.Background(), userTurn("hello"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if got := assistantOf(t, msgs).Content; got != safety.OutputDenialMessage {
		t.Fatalf("assistant content = %q", got)
	}
}

func TestContentSafetyDisabledSkipsGate(t *testing.T) {
	store := customStore(t, func(c *appconfig.ActiveConfig) {
		c.Prompts.EnableContentSafety = false
	})
	gw, _ := scriptedGateway(t, textResponse("something offensive but allowed"))
	o := newOrchestrator(t, gw, &fixedQueryHandler{}, store, gateDenying(t, "offensive"))

	msgs, err := o.HandleTurn(context.Background(), userTurn("something offensive"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if got := assistantOf(t, msgs).Content; got != "something offensive but allowed" {
		t.Fatalf("assistant content = %q", got)
	}
}

func TestPostAnsweringFilterReplacesUngroundedAnswer(t *testing.T) {
	store := customStore(t, func(c *appconfig.ActiveConfig) {
		c.Prompts.EnablePostAnsweringPrompt = true
	})
	gw, script := scriptedGateway(t,
		callResponse("search_documents", `{"question":"q"}`),
		textResponse("made-up claim [doc1]"),
		textResponse("False"),
	)
	handler := &fixedQueryHandler{docs: []models.SourceDocument{
		{ID: "doc_a", Content: "the actual text", Title: "a.pdf"},
	}}
	o := newOrchestrator(t, gw, handler, store, nil)

	msgs, err := o.HandleTurn(context.Background(), userTurn("question"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	got := assistantOf(t, msgs).Content
	if !strings.Contains(got, "can't answer this question correctly") {
		t.Fatalf("assistant content = %q, want the filter message", got)
	}
	if len(citationsOf(t, msgs)) != 0 {
		t.Fatal("filtered answer must not cite documents")
	}
	if script.calls != 3 {
		t.Fatalf("llm calls = %d", script.calls)
	}
}

func TestPlannerExecutorLoop(t *testing.T) {
	store := customStore(t, func(c *appconfig.ActiveConfig) {
		c.Orchestrator.Strategy = appconfig.StrategyPlannerExecutor
	})
	gw, script := scriptedGateway(t,
		textResponse(`{"action":"search_documents","action_input":{"question":"refund policy"}}`),
		textResponse("Refunds take 14 days."),
		textResponse(`{"action":"final_answer","action_input":"Refunds are processed within 14 days [doc1]."}`),
	)
	handler := &fixedQueryHandler{docs: []models.SourceDocument{
		{ID: "doc_a", Content: "refund terms", Title: "terms.pdf"},
	}}
	o := newOrchestrator(t, gw, handler, store, nil)

	msgs, err := o.HandleTurn(context.Background(), userTurn("how do refunds work"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if got := assistantOf(t, msgs).Content; got != "Refunds are processed within 14 days [doc1]." {
		t.Fatalf("assistant content = %q", got)
	}
	cits := citationsOf(t, msgs)
	if len(cits) != 1 || cits[0].ID != "doc_a" {
		t.Fatalf("citations = %+v", cits)
	}
	if handler.lastQ != "refund policy" {
		t.Fatalf("retrieval question = %q", handler.lastQ)
	}
	if script.calls != 3 {
		t.Fatalf("llm calls = %d", script.calls)
	}
}

func TestPlannerHandlesFencedSteps(t *testing.T) {
	step, err := parsePlannerStep("Here is my plan:\n```json\n{\"action\":\"search_documents\",\"action_input\":{\"question\":\"q\"}}\n```")
	if err != nil {
		t.Fatalf("parsePlannerStep: %v", err)
	}
	if step.Action != "search_documents" {
		t.Fatalf("action = %q", step.Action)
	}
	if _, err := parsePlannerStep("I think the answer is 42."); err == nil {
		t.Fatal("prose reply should not parse as a step")
	}
}

func TestPlannerIterationCapUsesLastObservation(t *testing.T) {
	store := customStore(t, func(c *appconfig.ActiveConfig) {
		c.Orchestrator.Strategy = appconfig.StrategyPlannerExecutor
		c.Orchestrator.MaxIterations = 1
	})
	gw, _ := scriptedGateway(t,
		textResponse(`{"action":"search_documents","action_input":{"question":"q"}}`),
		textResponse("observed answer"),
	)
	handler := &fixedQueryHandler{docs: []models.SourceDocument{
		{ID: "doc_a", Content: "text", Title: "a.pdf"},
	}}
	o := newOrchestrator(t, gw, handler, store, nil)

	msgs, err := o.HandleTurn(context.Background(), userTurn("q"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if got := assistantOf(t, msgs).Content; got != "observed answer" {
		t.Fatalf("assistant content = %q", got)
	}
}

func TestKernelReturnsTextWhenNoCall(t *testing.T) {
	store := customStore(t, func(c *appconfig.ActiveConfig) {
		c.Orchestrator.Strategy = appconfig.StrategyKernel
	})
	// the router answers with plain text, so that text is the answer
	gw, script := scriptedGateway(t,
		textResponse("The answer is 42."),
	)
	handler := &fixedQueryHandler{}
	o := newOrchestrator(t, gw, handler, store, nil)

	msgs, err := o.HandleTurn(context.Background(), userTurn("what is the answer"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if handler.lastQ != "" {
		t.Fatalf("unexpected retrieval for %q", handler.lastQ)
	}
	if got := assistantOf(t, msgs).Content; got != "The answer is 42." {
		t.Fatalf("assistant content = %q", got)
	}
	if script.calls != 1 {
		t.Fatalf("llm calls = %d", script.calls)
	}
}

func TestKernelInvokesChosenPlugin(t *testing.T) {
	store := customStore(t, func(c *appconfig.ActiveConfig) {
		c.Orchestrator.Strategy = appconfig.StrategyKernel
	})
	gw, script := scriptedGateway(t,
		callResponse("search_documents", `{"question":"what is in the handbook"}`),
		textResponse("Grounded answer [doc1]."),
	)
	handler := &fixedQueryHandler{docs: []models.SourceDocument{
		{ID: "doc_a", Content: "text", Title: "a.pdf"},
	}}
	o := newOrchestrator(t, gw, handler, store, nil)

	msgs, err := o.HandleTurn(context.Background(), userTurn("what is in the handbook"))
	if err != nil {
		t.Fatalf("HandleTurn: %v", err)
	}
	if handler.lastQ != "what is in the handbook" {
		t.Fatalf("retrieval question = %q", handler.lastQ)
	}
	if got := assistantOf(t, msgs).Content; got != "Grounded answer [doc1]." {
		t.Fatalf("assistant content = %q", got)
	}
	if script.calls != 2 {
		t.Fatalf("llm calls = %d", script.calls)
	}
}

func TestTurnWithoutUserMessage(t *testing.T) {
	gw, _ := scriptedGateway(t)
	o := newOrchestrator(t, gw, &fixedQueryHandler{}, appconfig.NewStore(nil, "", false), nil)

	turn := models.ChatTurn{
		ConversationID: "conv-1",
		Messages:       []models.ChatMessage{{Role: models.RoleAssistant, Content: "hi"}},
	}
	_, err := o.HandleTurn(context.Background(), turn)
	if !apperr.IsKind(err, apperr.KindNotFound) {
		t.Fatalf("err = %v", err)
	}
}
