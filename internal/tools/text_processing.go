package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/models"
)

// TextProcessingTool applies an arbitrary text operation (summarise,
// translate, rewrite) to user-supplied text. It never touches retrieval.
type TextProcessingTool struct {
	gateway *llm.Gateway
	tele    *telemetry.Telemetry
}

func NewTextProcessingTool(gateway *llm.Gateway, tele *telemetry.Telemetry) *TextProcessingTool {
	return &TextProcessingTool{gateway: gateway, tele: tele}
}

func (t *TextProcessingTool) Name() string { return "text_processing" }

func (t *TextProcessingTool) Definition() llm.FunctionDef {
	return llm.FunctionDef{
		Name:        t.Name(),
		Description: "Useful when you want to apply a transformation on the text, like translate, summarize, rephrase and so on.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {"type": "string", "description": "The text to be processed"},
				"operation": {"type": "string", "description": "The operation to be performed on the text, like translate to Italian, summarize, rephrase"}
			},
			"required": ["text", "operation"]
		}`),
	}
}

func (t *TextProcessingTool) Invoke(ctx context.Context, args json.RawMessage, _ []models.ChatMessage) (models.Answer, error) {
	var in struct {
		Text      string `json:"text"`
		Operation string `json:"operation"`
	}
	if err := json.Unmarshal(args, &in); err != nil || strings.TrimSpace(in.Operation) == "" {
		return models.Answer{}, apperr.Newf(apperr.KindUpstreamBadResponse, "tools.text_processing", "malformed arguments: %s", string(args))
	}
	return t.Process(ctx, in.Text, in.Operation)
}

func (t *TextProcessingTool) Process(ctx context.Context, text, operation string) (models.Answer, error) {
	user := fmt.Sprintf("%s the following TEXT: %s", operation, text)
	result, err := t.gateway.Chat(ctx, []models.ChatMessage{
		{Role: models.RoleSystem, Content: "You are an AI assistant for the user."},
		{Role: models.RoleUser, Content: user},
	})
	if err != nil {
		return models.Answer{}, err
	}
	if t.tele != nil {
		t.tele.RecordTokens(result.PromptTokens, result.CompletionTokens)
	}
	return models.Answer{
		Question:         user,
		Answer:           result.Content,
		PromptTokens:     result.PromptTokens,
		CompletionTokens: result.CompletionTokens,
	}, nil
}
