package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		aiTokensIn,
		aiTokensOut,
		aiCostCredits,
		aiCallsLatencyMs,
		aiPrecheckBlocks,
		aiRetries,
	)
}

var (
	aiTokensIn = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_in_total",
			Help: "Sum of prompt (input) tokens per provider/model.",
		},
		[]string{"provider", "model", "cache"},
	)

	aiTokensOut = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_out_total",
			Help: "Sum of completion (output) tokens per provider/model.",
		},
		[]string{"provider", "model", "cache"},
	)

	aiCostCredits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_cost_credits_total",
			Help: "Credits charged for LLM calls per provider/model.",
		},
		[]string{"provider", "model", "cache"},
	)

	aiCallsLatencyMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_call_latency_ms",
			Help:    "LLM call latency distribution in milliseconds.",
			Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"provider", "model", "success"},
	)

	aiPrecheckBlocks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_precheck_blocks_total",
			Help: "Count of pre-send affordability blocks per model.",
		},
		[]string{"model"},
	)

	aiRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_retries_total",
			Help: "Transient LLM failures that were retried.",
		},
		[]string{"model"},
	)
)

func PrecheckBlocked(model string) {
	aiPrecheckBlocks.WithLabelValues(norm(model)).Inc()
}

func IncLLMRetry(model string) {
	aiRetries.WithLabelValues(norm(model)).Inc()
}

func ObserveChatUsage(provider, model string, tokensIn, tokensOut int, cost int64, cacheHit bool) {
	lbl := []string{norm(provider), norm(model), cacheLabel(cacheHit)}
	aiTokensIn.WithLabelValues(lbl...).Add(float64(tokensIn))
	aiTokensOut.WithLabelValues(lbl...).Add(float64(tokensOut))
	aiCostCredits.WithLabelValues(lbl...).Add(float64(cost))
}

func ObserveLLMLatency(provider, model string, latencyMs int64, success bool) {
	aiCallsLatencyMs.WithLabelValues(norm(provider), norm(model), strconv.FormatBool(success)).
		Observe(float64(latencyMs))
}

func cacheLabel(hit bool) string {
	if hit {
		return "hit"
	}
	return "miss"
}
