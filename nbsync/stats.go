package nbsync

import "github.com/prometheus/client_golang/prometheus"

var stats = metrics{
	jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nbstore",
		Subsystem: "sync",
		Name:      "jobs_total",
		Help:      "Number of sync jobs finished, by engine and outcome",
	}, []string{
		"engine",
		"outcome",
	}),

	retries: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nbstore",
		Subsystem: "sync",
		Name:      "retries_total",
		Help:      "Number of retried sync attempts",
	}, []string{
		"engine",
	}),

	pending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "nbstore",
		Subsystem: "sync",
		Name:      "pending_items",
		Help:      "Number of queued or in-flight items per engine and peer",
	}, []string{
		"engine",
		"peer",
	}),

	blobBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "nbstore",
		Subsystem: "sync",
		Name:      "blob_bytes_total",
		Help:      "Number of blob bytes transferred to or from peers",
	}, []string{
		"peer",
		"direction",
	}),

	indexLag: prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "nbstore",
		Subsystem: "sync",
		Name:      "index_lag_docs",
		Help:      "Number of docs whose index clock is behind the doc clock",
	}),
}

type metrics struct {
	jobs      *prometheus.CounterVec
	retries   *prometheus.CounterVec
	pending   *prometheus.GaugeVec
	blobBytes *prometheus.CounterVec
	indexLag  prometheus.Gauge
}

func init() {
	prometheus.MustRegister(stats.jobs)
	prometheus.MustRegister(stats.retries)
	prometheus.MustRegister(stats.pending)
	prometheus.MustRegister(stats.blobBytes)
	prometheus.MustRegister(stats.indexLag)
}

func (m *metrics) JobDone(engine, outcome string) {
	m.jobs.WithLabelValues(engine, outcome).Inc()
}

func (m *metrics) Retried(engine string) {
	m.retries.WithLabelValues(engine).Inc()
}

func (m *metrics) Pending(engine, peer string, n int) {
	m.pending.WithLabelValues(engine, peer).Set(float64(n))
}

func (m *metrics) Uploaded(peer string, n int64) {
	m.blobBytes.WithLabelValues(peer, "up").Add(float64(n))
}

func (m *metrics) Downloaded(peer string, n int64) {
	m.blobBytes.WithLabelValues(peer, "down").Add(float64(n))
}

func (m *metrics) IndexLag(n int) {
	m.indexLag.Set(float64(n))
}
