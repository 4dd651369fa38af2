// Package telemetry exposes the process-wide Prometheus collectors.
package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Telemetry bundles the collectors shared by the orchestrator, tools and the
// ingestion pipeline. A single instance is created at process start.
type Telemetry struct {
	registry *prometheus.Registry

	TurnDuration    *prometheus.HistogramVec
	TokensUsed      *prometheus.CounterVec
	SafetyDenials   *prometheus.CounterVec
	ToolInvocations *prometheus.CounterVec
	DocsIngested    prometheus.Counter
	DocsDeleted     prometheus.Counter
	IngestFailures  prometheus.Counter
}

// New registers all collectors on a fresh registry.
func New() *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		registry: reg,
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docuchat_turn_duration_seconds",
			Help:    "Wall time of a conversation turn by orchestration strategy.",
			Buckets: prometheus.DefBuckets,
		}, []string{"strategy", "outcome"}),
		TokensUsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_llm_tokens_total",
			Help: "LLM tokens consumed, split by direction.",
		}, []string{"direction"}),
		SafetyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_safety_denials_total",
			Help: "Content safety denials by direction.",
		}, []string{"direction"}),
		ToolInvocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docuchat_tool_invocations_total",
			Help: "Tool invocations by tool name.",
		}, []string{"tool"}),
		DocsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docuchat_documents_ingested_total",
			Help: "Chunks upserted into the search index.",
		}),
		DocsDeleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docuchat_documents_deleted_total",
			Help: "Delete-by-source operations executed.",
		}),
		IngestFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docuchat_ingest_failures_total",
			Help: "Per-document ingestion failures.",
		}),
	}
	reg.MustRegister(
		t.TurnDuration, t.TokensUsed, t.SafetyDenials, t.ToolInvocations,
		t.DocsIngested, t.DocsDeleted, t.IngestFailures,
	)
	return t
}

// Handler returns the scrape endpoint for the process registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.registry, promhttp.HandlerOpts{})
}

// RecordTokens adds prompt and completion token counts.
func (t *Telemetry) RecordTokens(prompt, completion int) {
	if prompt > 0 {
		t.TokensUsed.WithLabelValues("prompt").Add(float64(prompt))
	}
	if completion > 0 {
		t.TokensUsed.WithLabelValues("completion").Add(float64(completion))
	}
}
