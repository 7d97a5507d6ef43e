package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	itemsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelhub_items_processed_total",
		Help: "Items leaving the analysis stage, labelled by outcome.",
	}, []string{"outcome"})

	analysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "intelhub_analysis_duration_seconds",
		Help:    "Wall time of a single analysis attempt.",
		Buckets: prometheus.DefBuckets,
	})

	leasesReaped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "intelhub_leases_reaped_total",
		Help: "Expired analysis leases returned to the queue.",
	})

	itemsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "intelhub_items_ingested_total",
		Help: "Collect submissions, labelled by outcome.",
	}, []string{"outcome"})
)

const (
	outcomeArchived = "archived"
	outcomeLowValue = "low_value"
	outcomeFailed   = "failed"

	ingestStaged    = "staged"
	ingestDuplicate = "duplicate"
	ingestInvalid   = "invalid"
)
