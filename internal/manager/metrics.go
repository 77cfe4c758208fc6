package manager

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"meshd/internal/gpu"
)

var (
	loadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "models",
			Name:      "loads_total",
			Help:      "Model loads by result",
		},
		[]string{"model", "result"},
	)

	loadDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "meshd",
			Subsystem: "models",
			Name:      "load_duration_seconds",
			Help:      "Time spent materializing a model",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)

	evictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "meshd",
			Subsystem: "models",
			Name:      "evictions_total",
			Help:      "Idle models evicted to admit another model",
		},
		[]string{"gpu"},
	)

	vramAllocated = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshd",
			Subsystem: "gpu",
			Name:      "vram_allocated_bytes",
			Help:      "VRAM reserved by resident models",
		},
		[]string{"gpu"},
	)

	vramTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "meshd",
			Subsystem: "gpu",
			Name:      "vram_total_bytes",
			Help:      "VRAM budget per device",
		},
		[]string{"gpu"},
	)
)

func init() {
	prometheus.MustRegister(loadsTotal, loadDuration, evictionsTotal, vramAllocated, vramTotal)
}

func observeVRAM(t *gpu.Tracker, g int) {
	for _, d := range t.Devices() {
		if d.ID != g {
			continue
		}
		label := strconv.Itoa(g)
		vramTotal.WithLabelValues(label).Set(float64(d.TotalVRAM))
		vramAllocated.WithLabelValues(label).Set(float64(d.TotalVRAM - t.Free(g)))
	}
}
