package leakguard

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	scansTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_scans_total",
		Help: "Scanned messages by verdict",
	}, []string{"result"})

	detectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "leakguard_detections_total",
		Help: "Blocked messages by detection reason",
	}, []string{"reason"})
)
