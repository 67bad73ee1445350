package offline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	reasonOffline      = "offline"
	reasonConnectivity = "connectivity"
)

var (
	queuedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_requests_queued_total",
		Help: "Number of API calls queued for later.",
	}, []string{"reason"})

	replayedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "offline_requests_replayed_total",
		Help: "Outcomes of replayed API calls.",
	}, []string{"outcome"})

	syncPassDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "offline_sync_pass_seconds",
		Help:    "Duration of sync passes.",
		Buckets: []float64{.1, .5, 1, 5, 10, 30, 60},
	})
)
