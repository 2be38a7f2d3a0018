package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_fetch_attempts_total",
			Help: "Total upstream fetch attempts, including retries",
		},
		[]string{"source", "status"},
	)

	FetchLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "damwatch_fetch_latency_seconds",
			Help:    "Upstream fetch attempt latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"source"},
	)

	SegmentFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_segment_failures_total",
			Help: "Segments that exhausted their retries and were merged as nulls",
		},
		[]string{"segment"},
	)

	ReadingsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_readings_ingested_total",
			Help: "Readings successfully normalized",
		},
		[]string{"segment"},
	)

	ReadingsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_readings_dropped_total",
			Help: "Raw records dropped during normalization",
		},
		[]string{"segment", "reason"},
	)

	ValuesImputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_values_imputed_total",
			Help: "Invalid values replaced by median imputation",
		},
		[]string{"segment", "parameter"},
	)

	ValuesUnsanitized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_values_unsanitized_total",
			Help: "Invalid values left as-is because no valid value existed",
		},
		[]string{"segment", "parameter"},
	)

	HoursSynthesized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_hours_synthesized_total",
			Help: "Hourly records synthesized by gap filling",
		},
		[]string{"segment"},
	)

	PipelineRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_pipeline_runs_total",
			Help: "Pipeline cycles by kind and outcome",
		},
		[]string{"kind", "status"},
	)

	StaleResultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_stale_results_total",
			Help: "Cycle results discarded because a newer cycle had started",
		},
		[]string{"kind"},
	)

	TimelineOverlaps = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "damwatch_timeline_overlaps_total",
			Help: "Timeline points collapsed because two segments covered the same hour",
		},
		[]string{"parameter"},
	)

	ForecastAccuracy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "damwatch_forecast_accuracy_percent",
			Help: "Accuracy of yesterday's forecast against actuals (100 - MAPE)",
		},
		[]string{"parameter"},
	)

	MissingActualHours = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "damwatch_missing_actual_hours",
			Help: "Historical hours without an actual value in the latest timeline",
		},
		[]string{"parameter"},
	)
)
