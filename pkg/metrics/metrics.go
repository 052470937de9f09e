// Package metrics registers the prometheus collectors exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PermissionChecks counts resolver decisions by resource type and
	// outcome ("allow"/"deny").
	PermissionChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskforge",
		Subsystem: "permissions",
		Name:      "checks_total",
		Help:      "Permission resolver decisions.",
	}, []string{"resource_type", "decision"})

	// GrantsCreated counts successful permission grants by resource type.
	GrantsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskforge",
		Subsystem: "permissions",
		Name:      "grants_created_total",
		Help:      "Permission grants created.",
	}, []string{"resource_type"})

	// SubscriptionsExpired counts rows transitioned to EXPIRED by
	// the sweep.
	SubscriptionsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "taskforge",
		Subsystem: "subscriptions",
		Name:      "expired_total",
		Help:      "Subscriptions expired by the sweep.",
	})

	// SweepDuration observes wall time of each expiry sweep run.
	SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "taskforge",
		Subsystem: "subscriptions",
		Name:      "sweep_duration_seconds",
		Help:      "Duration of subscription expiry sweep runs.",
		Buckets:   prometheus.DefBuckets,
	})
)
