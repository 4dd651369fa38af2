package tools

import (
	"context"
	"strings"

	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/models"
)

// PostAnswerValidator fact-checks a produced answer against the documents it
// cited. It is invoked by the orchestrator, not exposed to the model.
type PostAnswerValidator struct {
	gateway *llm.Gateway
	store   *appconfig.Store
	tele    *telemetry.Telemetry
}

func NewPostAnswerValidator(gateway *llm.Gateway, store *appconfig.Store, tele *telemetry.Telemetry) *PostAnswerValidator {
	return &PostAnswerValidator{gateway: gateway, store: store, tele: tele}
}

// Validate returns whether the answer is grounded in its source documents.
// Any completion other than the literal "True" rejects the answer.
func (v *PostAnswerValidator) Validate(ctx context.Context, answer models.Answer) (bool, error) {
	active, err := v.store.GetActiveOrDefault(ctx)
	if err != nil {
		return false, err
	}
	prompt := strings.NewReplacer(
		"{question}", answer.Question,
		"{sources}", sourcesJSON(answer.SourceDocuments),
		"{answer}", answer.Answer,
	).Replace(active.Prompts.PostAnsweringPrompt)

	result, err := v.gateway.Chat(ctx, []models.ChatMessage{
		{Role: models.RoleUser, Content: prompt},
	})
	if err != nil {
		return false, err
	}
	if v.tele != nil {
		v.tele.RecordTokens(result.PromptTokens, result.CompletionTokens)
	}
	return strings.EqualFold(strings.TrimSpace(result.Content), "true"), nil
}
