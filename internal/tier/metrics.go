package tier

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TierStateGauge tracks each tier's lifecycle state
	// (1=connected, 0.5=degraded, 0=disconnected).
	TierStateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "patternfield",
			Subsystem: "tier",
			Name:      "state",
			Help:      "Tier lifecycle state (1=connected, 0.5=degraded, 0=disconnected)",
		},
		[]string{"tier"},
	)

	// ProbeDuration tracks health probe latency per tier.
	ProbeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patternfield",
			Subsystem: "tier",
			Name:      "probe_duration_seconds",
			Help:      "Duration of tier health probes in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	// MirrorWritesTotal counts best-effort mirror writes by tier and result.
	MirrorWritesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patternfield",
			Subsystem: "tier",
			Name:      "mirror_writes_total",
			Help:      "Total mirror writes fanned out to persistence tiers",
		},
		[]string{"tier", "result"},
	)
)

// RecordMirrorResult records the outcome of one mirror write.
func RecordMirrorResult(tierName string, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	MirrorWritesTotal.WithLabelValues(tierName, result).Inc()
}
