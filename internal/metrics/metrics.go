package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "serverbackup"

// Metrics holds the backup service collectors. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	backupsStarted  prometheus.Counter
	backupsFinished *prometheus.CounterVec
	backupRunning   prometheus.Gauge
	stageDuration   *prometheus.HistogramVec
	apiRequests     *prometheus.CounterVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backupsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_started_total",
			Help:      "Server backups started.",
		}),
		backupsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_finished_total",
			Help:      "Server backups finished, by terminal status.",
		}, []string{"status"}),
		backupRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backup_in_progress",
			Help:      "1 while a server backup is running.",
		}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "backup_stage_duration_seconds",
			Help:      "Time spent in each backup stage.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"stage"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Backup API requests, by route and response code.",
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.backupsStarted,
		m.backupsFinished,
		m.backupRunning,
		m.stageDuration,
		m.apiRequests,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) BackupStarted() {
	if m == nil {
		return
	}
	m.backupsStarted.Inc()
	m.backupRunning.Set(1)
}

func (m *Metrics) BackupFinished(status string) {
	if m == nil {
		return
	}
	m.backupsFinished.WithLabelValues(status).Inc()
	m.backupRunning.Set(0)
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) APIRequest(route string, code string) {
	if m == nil {
		return
	}
	m.apiRequests.WithLabelValues(route, code).Inc()
}
