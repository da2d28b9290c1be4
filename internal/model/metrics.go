package model

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	modelReady = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapdetect_model_ready",
			Help: "Whether the detection model is loaded (1) or not (0)",
		},
		[]string{"backend"},
	)

	modelLoadDuration = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "snapdetect_model_load_duration_seconds",
			Help: "Time spent on the model acquisition attempt",
		},
		[]string{"backend"},
	)
)
