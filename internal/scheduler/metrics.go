package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	jobsSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "jobs",
			Name:      "submitted_total",
			Help:      "Jobs accepted by feature",
		},
		[]string{"feature"},
	)

	jobsFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Jobs reaching a terminal status",
		},
		[]string{"status"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "meshd",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Time from start to finish of executed jobs",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"feature"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshd",
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Jobs waiting for a worker",
		},
	)

	jobsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "meshd",
			Subsystem: "jobs",
			Name:      "running",
			Help:      "Jobs currently executing",
		},
	)

	capacityRequeues = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "jobs",
			Name:      "capacity_requeues_total",
			Help:      "Jobs pushed back because no GPU had room",
		},
		[]string{"model"},
	)
)

func init() {
	prometheus.MustRegister(jobsSubmitted, jobsFinished, jobDuration, queueDepth, jobsRunning, capacityRequeues)
}
