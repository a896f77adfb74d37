package reaper

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReapsTotal counts corpus deletions.
	// Labels: outcome (clean, partial)
	ReapsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "reaper",
			Name:      "corpora_deleted_total",
			Help:      "Total number of corpora deleted",
		},
		[]string{"outcome"},
	)

	// ReapFaults counts physical cleanup faults.
	// Labels: backend (kv, vector, graph, source, unknown)
	ReapFaults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corpusd",
			Subsystem: "reaper",
			Name:      "faults_total",
			Help:      "Total number of physical store faults during corpus deletion",
		},
		[]string{"backend"},
	)
)
