package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector bundles every metric the service exports. Construct one per
// process with the registry the /metrics endpoint serves; tests pass their
// own registry so collectors never collide.
type Collector struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	BookingsTotal      *prometheus.CounterVec
	LockConflictsTotal prometheus.Counter
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter
	StaleSweptTotal    prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)

	return &Collector{
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotbooking",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, path, and status code.",
		}, []string{"method", "path", "status"}),

		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "slotbooking",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}, []string{"method", "path", "status"}),

		BookingsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "slotbooking",
			Subsystem: "booking",
			Name:      "bookings_total",
			Help:      "Booking attempts by outcome (created, conflict, rejected).",
		}, []string{"outcome"}),

		LockConflictsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slotbooking",
			Subsystem: "booking",
			Name:      "lock_conflicts_total",
			Help:      "Slot lock acquisitions that lost to a concurrent holder.",
		}),

		CacheHitsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slotbooking",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Availability reads served from the slot cache.",
		}),

		CacheMissesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slotbooking",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Availability reads that recomputed slots.",
		}),

		StaleSweptTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: "slotbooking",
			Subsystem: "booking",
			Name:      "stale_pending_swept_total",
			Help:      "Pending appointments cancelled by the sweep worker.",
		}),
	}
}
