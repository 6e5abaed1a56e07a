package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collectors are registered on the default registry, which the /metrics
// endpoint serves.
var (
	CheckIns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_checkins_total",
		Help: "Check-in attempts by resulting status.",
	}, []string{"status"})

	CheckOuts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "classtrack_checkouts_total",
		Help: "Completed check-outs.",
	})

	SessionEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_session_events_total",
		Help: "Session lifecycle transitions by event.",
	}, []string{"event"})

	VerificationEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "classtrack_verification_events_total",
		Help: "Verification request lifecycle by event.",
	}, []string{"event"})

	CheckInDistance = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "classtrack_checkin_distance_meters",
		Help:    "Distance from the session center at check-in.",
		Buckets: prometheus.ExponentialBuckets(5, 2, 10),
	})
)
