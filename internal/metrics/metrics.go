// Package metrics holds the Prometheus collectors shared by the lease,
// content and session layers.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "docdraft"

var (
	// LeaseAcquire counts acquire attempts.
	// Labels: result (acquired, contended, error)
	LeaseAcquire = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_acquire_total",
		Help:      "Lease acquire attempts by result",
	}, []string{"result"})

	LeaseRelease = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lease_release_total",
		Help:      "Leases released by this process",
	})

	// Heartbeat counts lease renewals.
	// Labels: result (ok, lost, error)
	Heartbeat = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "heartbeat_total",
		Help:      "Lease heartbeats by result",
	}, []string{"result"})

	// ContentSave counts writes to the session store.
	// Labels: mode (immediate, debounced), result (saved, refused, error)
	ContentSave = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "content_save_total",
		Help:      "Content saves by mode and result",
	}, []string{"mode", "result"})

	BranchSwitch = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "branch_switch_total",
		Help:      "Completed branch switches",
	})

	OpQueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "opqueue_wait_seconds",
		Help:      "Time a lease operation waited for its turn in the queue",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Open editor sessions",
	})
)
