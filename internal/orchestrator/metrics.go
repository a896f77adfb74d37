package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BuildsTotal counts finished builds by outcome (ready, failed).
	BuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corpusd",
		Subsystem: "builds",
		Name:      "total",
		Help:      "Finished attempt builds by outcome.",
	}, []string{"outcome"})

	BuildDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "corpusd",
		Subsystem: "builds",
		Name:      "duration_seconds",
		Help:      "Wall time of attempt builds.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})

	BuildsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "corpusd",
		Subsystem: "builds",
		Name:      "in_flight",
		Help:      "Builds currently running in this process.",
	})
)
