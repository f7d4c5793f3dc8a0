// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partvision_artifact_fetches_total",
			Help: "Artifact fetch attempts by outcome",
		},
		[]string{"outcome"},
	)

	RendersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partvision_renders_total",
			Help: "Render invocations by outcome (ok, partial, failed, timeout)",
		},
		[]string{"outcome"},
	)

	RenderDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "partvision_render_duration_seconds",
			Help:    "Wall-clock duration of render invocations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	VisionCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "partvision_vision_calls_total",
			Help: "Vision backend calls by backend and outcome",
		},
		[]string{"backend", "outcome"},
	)

	VisionTokensUsed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "partvision_vision_tokens_used_total",
			Help: "Token usage reported by vision backends",
		},
	)
)
