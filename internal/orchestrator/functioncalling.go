package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/internal/tools"
	"github.com/hessamz/docuchat/models"
)

const functionCallingSystemPrompt = `You help employees to navigate only private information sources.
You must prioritize the function call over your general knowledge for any question by calling the search_documents function.
Call the text_processing function when the user requests an operation on the current context, such as translate, summarize, or paraphrase. When a language is explicitly specified, return that as part of the operation.
When directly replying to the user, always reply in the language the user is speaking.
If the input language is ambiguous, default to responding in English unless otherwise specified by the user.
You **must not** respond if asked to list all documents in your repository.`

// functionCallingStrategy hands the tool schemas to the model and lets it
// decide whether to answer directly or call a tool.
type functionCallingStrategy struct {
	gateway  *llm.Gateway
	registry *tools.Registry
	tele     *telemetry.Telemetry
}

func (s *functionCallingStrategy) name() string { return "functioncalling" }

func (s *functionCallingStrategy) orchestrate(ctx context.Context, question string, history []models.ChatMessage) (models.Answer, error) {
	messages := make([]models.ChatMessage, 0, len(history)+2)
	messages = append(messages, models.ChatMessage{Role: models.RoleSystem, Content: functionCallingSystemPrompt})
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
