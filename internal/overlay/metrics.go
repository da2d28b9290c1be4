package overlay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var renderDuration = promauto.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "snapdetect_render_duration_seconds",
		Help:    "Overlay render duration in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	},
)
