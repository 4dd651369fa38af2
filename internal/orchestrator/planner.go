package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/internal/tools"
	"github.com/hessamz/docuchat/models"
)

const plannerSystemPromptFormat = `You solve the user's request step by step using the tools below.

%s

Respond with a single JSON object and nothing else:
{"action": "<tool name>", "action_input": {<tool arguments>}}
or, once you can answer:
{"action": "final_answer", "action_input": "<your answer>"}

After each tool call you will receive an Observation with the result. Use it
to decide the next step.`

// plannerExecutorStrategy runs a bounded plan/act loop: the model selects a
// tool, the orchestrator executes it and feeds the observation back.
type plannerExecutorStrategy struct {
	gateway       *llm.Gateway
	registry      *tools.Registry
	tele          *telemetry.Telemetry
	maxIterations int
	logger        *log.Logger
}

func (s *plannerExecutorStrategy) name() string { return "planner_executor" }

type plannerStep struct {
	Action      string          `json:"action"`
	ActionInput json.RawMessage `json:"action_input"`
}

func (s *plannerExecutorStrategy) orchestrate(ctx context.Context, question string, history []models.ChatMessage) (models.Answer, error) {
	const op = "orchestrator.planner"

	var toolList strings.Builder
	for _, def := range s.registry.Definitions() {
		fmt.Fprintf(&toolList, "- %s: %s\n", def.Name, def.Description)
	}

	messages := make([]models.ChatMessage, 0, len(history)+2)
	messages = append(messages, models.ChatMessage{
		Role:    models.RoleSystem,
		Content: fmt.Sprintf(plannerSystemPromptFormat, strings.TrimRight(toolList.String(), "\n")),
	})
	messages = append(messages, history...)
	messages = append(messages, models.ChatMessage{Role: models.RoleUser, Content: question})

	var (
		last          *models.Answer
		promptTok     int
		completionTok int
	)
	for i := 0; i < s.maxIterations; i++ {
		result, err := s.gateway.Chat(ctx, messages)
		if err != nil {
			return models.Answer{}, err
		}
		promptTok += result.PromptTokens
		completionTok += result.CompletionTokens
		s.tele.RecordTokens(result.PromptTokens, result.CompletionTokens)

		step, err := parsePlannerStep(result.Content)
		if err != nil {
			// not machine-readable; treat the text as the final answer
			return models.Answer{
				Question:         question,
				Answer:           strings.TrimSpace(result.Content),
				SourceDocuments:  lastDocs(last),
				PromptTokens:     promptTok,
				CompletionTokens: completionTok,
			}, nil
		}

		if step.Action == "final_answer" {
			var final string
			if err := json.Unmarshal(step.ActionInput, &final); err != nil {
				final = string(step.ActionInput)
			}
			return models.Answer{
				Question:         question,
				Answer:           final,
				SourceDocuments:  lastDocs(last),
				PromptTokens:     promptTok,
				CompletionTokens: completionTok,
			}, nil
		}

		answer, err := s.registry.Invoke(ctx, step.Action, step.ActionInput, history)
		if err != nil {
			return models.Answer{}, err
		}
		last = &answer
		messages = append(messages,
			models.ChatMessage{Role: models.RoleAssistant, Content: result.Content},
			models.ChatMessage{Role: models.RoleUser, Content: "Observation: " + answer.Answer},
		)
	}

	// iteration cap reached; answer from the last observation
	if last != nil {
		s.logger.Printf("planner hit iteration cap after %d steps, answering from last observation", s.maxIterations)
		return models.Answer{
			Question:         question,
			Answer:           last.Answer,
			SourceDocuments:  last.SourceDocuments,
			PromptTokens:     promptTok,
			CompletionTokens: completionTok,
		}, nil
	}
	return models.Answer{}, apperr.Newf(apperr.KindUpstreamBadResponse, op, "no usable plan after %d iterations", s.maxIterations)
}

func lastDocs(last *models.Answer) []models.SourceDocument {
	if last == nil {
		return nil
	}
	return last.SourceDocuments
}

// parsePlannerStep extracts the JSON step from a model reply, tolerating
// markdown code fences and surrounding prose.
func parsePlannerStep(content string) (plannerStep, error) {
	text := strings.TrimSpace(content)
	if i := strings.Index(text, "```"); i >= 0 {
		text = text[i+3:]
		text = strings.TrimPrefix(text, "json")
		if j := strings.Index(text, "```"); j >= 0 {
			text = text[:j]
		}
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	if start < 0 {
		return plannerStep{}, fmt.Errorf("no JSON object in reply")
	}
	var step plannerStep
	dec := json.NewDecoder(strings.NewReader(text[start:]))
	if err := dec.Decode(&step); err != nil {
		return plannerStep{}, err
	}
	if step.Action == "" {
		return plannerStep{}, fmt.Errorf("missing action")
	}
	return step, nil
}
