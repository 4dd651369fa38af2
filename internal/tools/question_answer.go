package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/search"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/models"
)

// QuestionAnswerTool retrieves documents for a question and asks the model
// to answer grounded on them.
type QuestionAnswerTool struct {
	gateway *llm.Gateway
	handler search.Handler
	store   *appconfig.Store
	topK    int
	tele    *telemetry.Telemetry
}

func NewQuestionAnswerTool(gateway *llm.Gateway, handler search.Handler, store *appconfig.Store, topK int, tele *telemetry.Telemetry) *QuestionAnswerTool {
	return &QuestionAnswerTool{gateway: gateway, handler: handler, store: store, topK: topK, tele: tele}
}

func (t *QuestionAnswerTool) Name() string { return "search_documents" }

func (t *QuestionAnswerTool) Definition() llm.FunctionDef {
	return llm.FunctionDef{
		Name:        t.Name(),
		Description: "Provide answers to any fact question coming from users.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"question": {"type": "string", "description": "A standalone question, converted from the chat history"}
			},
			"required": ["question"]
		}`),
	}
}

func (t *QuestionAnswerTool) Invoke(ctx context.Context, args json.RawMessage, history []models.ChatMessage) (models.Answer, error) {
	var in struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(args, &in); err != nil || strings.TrimSpace(in.Question) == "" {
		return models.Answer{}, apperr.Newf(apperr.KindUpstreamBadResponse, "tools.search_documents", "malformed arguments: %s", string(args))
	}
	return t.Answer(ctx, in.Question, history)
}

// Answer runs retrieval and the grounded completion for one question.
func (t *QuestionAnswerTool) Answer(ctx context.Context, question string, history []models.ChatMessage) (models.Answer, error) {
	active, err := t.store.GetActiveOrDefault(ctx)
	if err != nil {
		return models.Answer{}, err
	}

	docs, err := t.handler.Query(ctx, question, t.topK, "")
	if err != nil {
		return models.Answer{}, err
	}
	sources := sourcesJSON(docs)

	render := func(tmpl string) string {
		return strings.NewReplacer("{sources}", sources, "{question}", question).Replace(tmpl)
	}

	messages := []models.ChatMessage{
		{Role: models.RoleSystem, Content: render(active.Prompts.AnsweringSystemPrompt)},
	}
	if ex := active.Example; ex.UserQuestion != "" && ex.Answer != "" {
		exampleUser := strings.NewReplacer("{sources}", ex.Documents, "{question}", ex.UserQuestion).
			Replace(active.Prompts.AnsweringUserPrompt)
		messages = append(messages,
			models.ChatMessage{Role: models.RoleUser, Content: exampleUser},
			models.ChatMessage{Role: models.RoleAssistant, Content: ex.Answer},
		)
	}
	messages = append(messages, history...)
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: render(active.Prompts.AnsweringUserPrompt)})

	result, err := t.gateway.Chat(ctx, messages)
	if err != nil {
		return models.Answer{}, err
	}
	if t.tele != nil {
		t.tele.RecordTokens(result.PromptTokens, result.CompletionTokens)
	}
	return models.Answer{
		Question:         question,
		Answer:           result.Content,
		SourceDocuments:  docs,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	}, nil
}

// sourcesJSON renders the retrieved documents in the shape the prompts
// reference: a list of single-key objects keyed "[doc1]", "[doc2]", ...
func sourcesJSON(docs []models.SourceDocument) string {
	type content struct {
		Content string `json:"content"`
	}
	entries := make([]map[string]content, 0, len(docs))
	for i, d := range docs {
		key := fmt.Sprintf("[doc%d]", i+1)
		entries = append(entries, map[string]content{key: {Content: d.Content}})
	}
	out, _ := json.Marshal(map[string]interface{}{"retrieved_documents": entries})
	return string(out)
}
