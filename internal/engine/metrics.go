package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	evaluationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "feedlens_evaluation_seconds",
		Help:    "Feed evaluation duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
	}, []string{"mode"})

	evaluationDegraded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedlens_evaluation_degraded_total",
		Help: "Evaluations that ran out of budget and returned a partial page",
	}, []string{"mode"})
)
