// Package orchestrator drives one conversation turn: safety gating, a
// pluggable answering strategy, optional post-answer validation, and
// response assembly.
package orchestrator

import (
	"context"
	"log"
	"time"

	"github.com/hessamz/docuchat/internal/appconfig"
	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/output"
	"github.com/hessamz/docuchat/internal/safety"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/internal/tools"
	"github.com/hessamz/docuchat/models"
)

// strategy produces the raw answer for a question. The base orchestrator
// owns everything around it.
type strategy interface {
	name() string
	orchestrate(ctx context.Context, question string, history []models.ChatMessage) (models.Answer, error)
}

// Orchestrator handles conversation turns with the configured strategy.
type Orchestrator struct {
	store     *appconfig.Store
	gateway   *llm.Gateway
	registry  *tools.Registry
	gate      *safety.Gate
	validator *tools.PostAnswerValidator
	parser    *output.Parser
	tele      *telemetry.Telemetry
	logger    *log.Logger
}

func New(store *appconfig.Store, gateway *llm.Gateway, registry *tools.Registry, gate *safety.Gate, validator *tools.PostAnswerValidator, parser *output.Parser, tele *telemetry.Telemetry) *Orchestrator {
	return &Orchestrator{
		store:     store,
		gateway:   gateway,
		registry:  registry,
		gate:      gate,
		validator: validator,
		parser:    parser,
		tele:      tele,
		logger:    log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
	}
}

func (o *Orchestrator) strategyFor(active *appconfig.ActiveConfig) (strategy, error) {
	switch active.Orchestrator.Strategy {
	case appconfig.StrategyFunctionCalling:
		return &functionCallingStrategy{gateway: o.gateway, registry: o.registry, tele: o.tele}, nil
	case appconfig.StrategyPlannerExecutor:
		return &plannerExecutorStrategy{
			gateway:       o.gateway,
			registry:      o.registry,
			tele:          o.tele,
			maxIterations: active.Orchestrator.MaxIterations,
			logger:        o.logger,
		}, nil
	case appconfig.StrategyKernel:
		return &kernelStrategy{gateway: o.gateway, registry: o.registry, tele: o.tele}, nil
	default:
		return nil, apperr.Newf(apperr.KindConfigMalformed, "orchestrator", "unknown strategy %q", active.Orchestrator.Strategy)
	}
}

// HandleTurn runs one turn and returns the wire messages. A safety denial is
// a successful turn carrying the refusal text; strategy and tool failures
// are errors.
func (o *Orchestrator) HandleTurn(ctx context.Context, turn models.ChatTurn) ([]output.Message, error) {
	question, ok := turn.LastUserMessage()
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "orchestrator.turn", "no user message in conversation")
	}

	active, err := o.store.GetActiveOrDefault(ctx)
	if err != nil {
		return nil, err
	}
	strat, err := o.strategyFor(active)
	if err != nil {
		return nil, err
	}

	gate := o.gate
	if !active.Prompts.EnableContentSafety {
		gate = nil
	}

	started := time.Now()
	outcome := "ok"
	defer func() {
		o.tele.TurnDuration.WithLabelValues(strat.name(), outcome).Observe(time.Since(started).Seconds())
	}()

	answer, err := o.runTurn(ctx, gate, strat, active, question, turn.History())
	if err != nil {
		outcome = "error"
		if apperr.KindOf(err) == apperr.KindCanceled {
			outcome = "canceled"
		}
		return nil, err
	}

	if active.Logging.LogUserInteractions {
		o.logger.Printf("conversation %s: %q answered with %d citations", turn.ConversationID, question, len(answer.SourceDocuments))
	}
	if active.Logging.LogTokens {
		o.logger.Printf("conversation %s: %d prompt / %d completion tokens", turn.ConversationID, answer.PromptTokens, answer.CompletionTokens)
	}
	return o.parser.Parse(answer)
}

func (o *Orchestrator) runTurn(ctx context.Context, gate *safety.Gate, strat strategy, active *appconfig.ActiveConfig, question string, history []models.ChatMessage) (models.Answer, error) {
	in, err := gate.Check(ctx, question, safety.DirectionInput)
	if err != nil {
		return models.Answer{}, err
	}
	if !in.Allowed {
		o.tele.SafetyDenials.WithLabelValues(string(safety.DirectionInput)).Inc()
		return models.Answer{Question: question, Answer: in.Replacement}, nil
	}

	answer, err := strat.orchestrate(ctx, question, history)
	if err != nil {
		return models.Answer{}, err
	}
	if answer.Question == "" {
		answer.Question = question
	}

	if active.Prompts.EnablePostAnsweringPrompt && len(answer.SourceDocuments) > 0 {
		grounded, err := o.validator.Validate(ctx, answer)
		if err != nil {
			return models.Answer{}, err
		}
		if !grounded {
			answer = models.Answer{
				Question:         answer.Question,
				Answer:           active.Messages.PostAnsweringFilter,
				PromptTokens:     answer.PromptTokens,
				CompletionTokens: answer.CompletionTokens,
			}
		}
	}

	out, err := gate.Check(ctx, answer.Answer, safety.DirectionOutput)
	if err != nil {
		return models.Answer{}, err
	}
	if !out.Allowed {
		o.tele.SafetyDenials.WithLabelValues(string(safety.DirectionOutput)).Inc()
		answer = models.Answer{
			Question:         answer.Question,
			Answer:           out.Replacement,
			PromptTokens:     answer.PromptTokens,
			CompletionTokens: answer.CompletionTokens,
		}
	}
	return answer, nil
}
