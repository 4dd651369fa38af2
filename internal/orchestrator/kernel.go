package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/internal/tools"
	"github.com/hessamz/docuchat/models"
)

const kernelSystemPrompt = `You are a router for a document assistant. Decide which plugin serves the
user's request and call it. Every factual question goes to search_documents;
requests to transform text the user supplied go to text_processing. Never
answer from your own knowledge.`

// kernelStrategy routes through a plugin when the model picks one; when it
// declines to pick, its text stands as the answer.
type kernelStrategy struct {
	gateway  *llm.Gateway
	registry *tools.Registry
	tele     *telemetry.Telemetry
}

func (s *kernelStrategy) name() string { return "kernel" }

func (s *kernelStrategy) orchestrate(ctx context.Context, question string, history []models.ChatMessage) (models.Answer, error) {
	messages := make([]models.ChatMessage, 0, len(history)+2)
	messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: kernelSystemPrompt})
	messages = append(messages, history...)
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: question})

	result, err := s.gateway.ChatWithFunctions(ctx, messages, s.registry.Definitions())
	if err != nil {
		return models.Answer{}, err
	}
	s.tele.RecordTokens(result.PromptTokens, result.CompletionTokens)

	if result.FunctionCall == nil {
		return models.Answer{
			Question:         question,
			Answer:           result.Content,
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
		}, nil
	}

	answer, err := s.registry.Invoke(ctx, result.FunctionCall.Name, json.RawMessage(result.FunctionCall.Arguments), history)
	if err != nil {
		return models.Answer{}, err
	}
	answer.PromptTokens += result.PromptTokens
	answer.CompletionTokens += result.CompletionTokens
	return answer, nil
}
