package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_allocations_total",
			Help: "Total allocation attempts",
		},
		[]string{"result"}, // success|no_capacity|no_suitable_device|quota_exceeded|error
	)

	AllocationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "allocator_allocation_duration_seconds",
			Help:    "Duration of allocation processing",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_releases_total",
			Help: "Allocations ended, by final status",
		},
		[]string{"status"}, // RELEASED|EXPIRED
	)

	ActiveAllocations = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "allocator_active_allocations",
			Help: "Allocations currently holding a device",
		},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "allocator_queue_waiting_entries",
			Help: "Queue entries in WAITING state",
		},
	)

	QueueOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_queue_outcomes_total",
			Help: "Queue entry transitions",
		},
		[]string{"outcome"}, // joined|fulfilled|retry|expired|cancelled
	)

	ReservationOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_reservation_outcomes_total",
			Help: "Reservation transitions",
		},
		[]string{"outcome"}, // created|updated|confirmed|cancelled|executed|failed|expired|reminded
	)

	CascadeReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_cascade_releases_total",
			Help: "Allocations force-released by lifecycle events",
		},
		[]string{"topic"},
	)

	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "allocator_job_runs_total",
			Help: "Reconciliation job runs",
		},
		[]string{"job", "result"}, // success|failure|skipped
	)
)

func init() {
	prometheus.MustRegister(AllocationsTotal)
	prometheus.MustRegister(AllocationDuration)
	prometheus.MustRegister(ReleasesTotal)
	prometheus.MustRegister(ActiveAllocations)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(QueueOutcomesTotal)
	prometheus.MustRegister(ReservationOutcomesTotal)
	prometheus.MustRegister(CascadeReleasesTotal)
	prometheus.MustRegister(JobRunsTotal)
}

func Register(mux *http.ServeMux) {
	mux.Handle("/metrics", promhttp.Handler())
}
