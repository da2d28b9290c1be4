package inference

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	inferenceDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "snapdetect_inference_duration_seconds",
			Help:    "Model inference duration in seconds",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"status"},
	)

	detectionsPerImage = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapdetect_detections_per_image",
			Help:    "Number of detections returned per image",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)
)
