// Package metrics holds the process-wide Prometheus collectors. The
// metric names are a stable external contract; all collectors are
// process-local singletons registered once at package init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BotUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_updates_total",
		Help: "Inbound updates handled per bot.",
	}, []string{"bot_id"})

	BotErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_errors_total",
		Help: "Errors surfaced by the core, by component and error code.",
	}, []string{"bot_id", "where", "code"})

	DSLHandleLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dsl_handle_latency_ms",
		Help:    "End-to-end latency of one DSL handler invocation.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	WebhookLatencyMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "webhook_latency_ms",
		Help:    "Latency of one webhook request, framing included.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	})

	BotSQLQueryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_sql_query_total",
		Help: "sql_query.v1 actions executed per bot.",
	}, []string{"bot_id"})

	BotSQLExecTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bot_sql_exec_total",
		Help: "sql_exec.v1 actions executed per bot.",
	}, []string{"bot_id"})

	DSLActionLatencyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dsl_action_latency_ms",
		Help:    "Latency of a single action, by action kind.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"action"})

	LLMRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "LLM requests attempted, by request type and outcome.",
	}, []string{"type", "status"})

	LLMLatencyMS = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_latency_ms",
		Help:    "LLM call latency, excluding cache hits from upstream measurement.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 14),
	}, []string{"type", "cached"})

	LLMTokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Tokens observed, by model and token type (prompt/completion).",
	}, []string{"model", "type"})

	LLMCacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_cache_hits_total",
		Help: "LLM prompt-cache hits, by model.",
	}, []string{"model"})

	LLMErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_errors_total",
		Help: "LLM call failures, by model and error type.",
	}, []string{"model", "error_type"})

	LLMTimeoutTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_timeout_total",
		Help: "LLM call deadline overruns per bot.",
	}, []string{"bot_id"})

	CircuitBreakerStateChangesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "circuit_breaker_state_changes_total",
		Help: "Circuit breaker transitions per bot, by destination state.",
	}, []string{"bot_id", "to"})

	LLMCircuitBreakerRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_circuit_breaker_rejections_total",
		Help: "Requests rejected fast because the breaker was open.",
	}, []string{"bot_id"})

	WidgetCalendarRendersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "widget_calendar_renders_total",
		Help: "Calendar widget renders per bot.",
	}, []string{"bot_id"})

	WidgetCalendarPicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "widget_calendar_picks_total",
		Help: "Calendar widget terminal picks per bot and mode.",
	}, []string{"bot_id", "mode"})

	BroadcastSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_sent_total",
		Help: "Broadcast deliveries marked sent per bot.",
	}, []string{"bot_id"})

	BroadcastFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "broadcast_failed_total",
		Help: "Broadcast deliveries marked failed per bot.",
	}, []string{"bot_id"})
)
