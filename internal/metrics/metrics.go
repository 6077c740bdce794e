// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes.
const (
	OutcomeOK              = "ok"
	OutcomeLoadError       = "load_error"
	OutcomeResourceError   = "resource_error"
	OutcomeGenerationError = "generation_error"
	OutcomeCanceled        = "canceled"
)

var (
	TokensGenerated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tinystory_tokens_generated_total",
		Help: "Total number of tokens generated",
	})

	GenerationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tinystory_generation_duration_seconds",
		Help:    "Wall time of a generate call",
		Buckets: prometheus.DefBuckets,
	})

	ModelLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tinystory_model_load_duration_seconds",
		Help:    "Time spent loading the tokenizer and model",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	PromptTokens = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tinystory_prompt_tokens",
		Help:    "Distribution of encoded prompt lengths",
		Buckets: []float64{1, 4, 8, 16, 32, 64, 128, 256, 512, 1024},
	})

	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tinystory_runs_total",
		Help: "Story runs by outcome",
	}, []string{"outcome"})
)

func RecordGeneration(tokens int, d time.Duration) {
	TokensGenerated.Add(float64(tokens))
	GenerationDuration.Observe(d.Seconds())
}

func RecordLoad(d time.Duration) {
	ModelLoadDuration.Observe(d.Seconds())
}

func RecordPrompt(tokens int) {
	PromptTokens.Observe(float64(tokens))
}

func RecordRun(outcome string) {
	Runs.WithLabelValues(outcome).Inc()
}
