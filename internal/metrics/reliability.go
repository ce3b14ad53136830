package metrics

import (
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reliabilityLabelSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

	buildFinalizationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "reliability",
			Name:      "build_finalizations_total",
			Help:      "Total number of build finalizations by status and reason",
		},
		[]string{"status", "reason"},
	)

	buildStallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "reliability",
			Name:      "build_stalls_total",
			Help:      "Total number of builds marked failed due to stall detection",
		},
		[]string{"status"},
	)

	reconcileAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "apex",
			Subsystem: "reliability",
			Name:      "reconcile_attempts_total",
			Help:      "Total number of status reconciler poll attempts by outcome",
		},
		[]string{"outcome"},
	)
)

// RecordBuildFinalization records a deployment reaching a terminal state
// outside the webhook path (status reconciler poll, quota reap).
func RecordBuildFinalization(status, reason string) {
	buildFinalizationsTotal.WithLabelValues(
		sanitizeReliabilityLabel(status, "unknown"),
		sanitizeReliabilityLabel(reason, "unknown"),
	).Inc()
}

// RecordBuildStall records a build forced into failed by stall detection.
func RecordBuildStall(status string) {
	buildStallsTotal.WithLabelValues(
		sanitizeReliabilityLabel(status, "unknown"),
	).Inc()
}

// RecordReconcileAttempt records one reconciler pass over a deployment.
func RecordReconcileAttempt(outcome string) {
	reconcileAttemptsTotal.WithLabelValues(
		sanitizeReliabilityLabel(outcome, "unknown"),
	).Inc()
}

func sanitizeReliabilityLabel(raw, fallback string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return fallback
	}
	s = reliabilityLabelSanitizer.ReplaceAllString(s, "_")
	s = strings.Trim(s, "_")
	if s == "" {
		return fallback
	}
	if len(s) > 63 {
		s = s[:63]
	}
	return s
}
