package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapdetect_uploads_total",
			Help: "Total number of uploads received",
		},
	)

	decodeFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapdetect_decode_failures_total",
			Help: "Total number of uploads rejected by the decoder",
		},
	)

	inferenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "snapdetect_inference_failures_total",
			Help: "Total number of failed inference runs",
		},
	)

	staleResults = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapdetect_stale_results_total",
			Help: "Stage results discarded because a newer upload superseded them",
		},
		[]string{"stage"}, // stage: decode, inference
	)

	activeSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "snapdetect_active_sessions",
			Help: "Number of running pipeline coordinators",
		},
	)
)
