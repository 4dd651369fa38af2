// Package tools holds the callables the orchestrator dispatches by name
// during a conversation turn.
package tools

import (
	"context"
	"encoding/json"

	"github.com/hessamz/docuchat/internal/apperr"
	"github.com/hessamz/docuchat/internal/llm"
	"github.com/hessamz/docuchat/internal/telemetry"
	"github.com/hessamz/docuchat/models"
)

// Tool is one callable. Invoke receives the raw JSON arguments the model
// produced plus the conversation history for tools that use it.
type Tool interface {
	Name() string
	Definition() llm.FunctionDef
	Invoke(ctx context.Context, args json.RawMessage, history []models.ChatMessage) (models.Answer, error)
}

// Registry is a string-keyed tool set.
type Registry struct {
	tools map[string]Tool
	order []string
	tele  *telemetry.Telemetry
}

func NewRegistry(tele *telemetry.Telemetry, ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool), tele: tele}
	for _, t := range ts {
		r.tools[t.Name()] = t
		r.order = append(r.order, t.Name())
	}
	return r
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

// Definitions lists the function schemas in registration order, for the
// function-calling strategy.
func (r *Registry) Definitions() []llm.FunctionDef {
	defs := make([]llm.FunctionDef, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Invoke dispatches by name and records the invocation.
func (r *Registry) Invoke(ctx context.Context, name string, args json.RawMessage, history []models.ChatMessage) (models.Answer, error) {
	t, ok := r.tools[name]
	if !ok {
		return models.Answer{}, apperr.Newf(apperr.KindNotFound, "tools.invoke", "unknown tool %q", name)
	}
	if r.tele != nil {
		r.tele.ToolInvocations.WithLabelValues(name).Inc()
	}
	return t.Invoke(ctx, args, history)
}
