// Package metrics exposes Prometheus collectors for testoor. All recording
// methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "testoor"

// Prune reasons.
const (
	ReasonAge    = "age"
	ReasonCount  = "count"
	ReasonManual = "manual"
)

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	executionsRecorded *prometheus.CounterVec
	attachmentsStored  *prometheus.CounterVec
	executionsPruned   *prometheus.CounterVec
	runsPruned         prometheus.Counter
	blobDeleteFailures prometheus.Counter
	sweepDuration      *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
}

// New creates the collectors and registers them together with the Go and
// process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		executionsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_recorded_total",
			Help:      "Total number of test executions recorded by status.",
		}, []string{"status"}),
		attachmentsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attachments_stored_total",
			Help:      "Total number of attachments stored by type.",
		}, []string{"type"}),
		executionsPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_pruned_total",
			Help:      "Total number of executions removed by retention.",
		}, []string{"reason"}),
		runsPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_pruned_total",
			Help:      "Total number of empty runs removed by retention.",
		}),
		blobDeleteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "blob_delete_failures_total",
			Help:      "Total number of blobs that could not be deleted.",
		}),
		sweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retention_sweep_duration_seconds",
			Help:      "Duration of retention sweeps.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "code"}),
	}

	registry.MustRegister(
		m.executionsRecorded,
		m.attachmentsStored,
		m.executionsPruned,
		m.runsPruned,
		m.blobDeleteFailures,
		m.sweepDuration,
		m.httpRequests,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordExecution(status string) {
	if m == nil {
		return
	}

	m.executionsRecorded.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordAttachment(attachmentType string) {
	if m == nil {
		return
	}

	m.attachmentsStored.WithLabelValues(attachmentType).Inc()
}

func (m *Metrics) RecordPruned(reason string, n int64) {
	if m == nil || n <= 0 {
		return
	}

	m.executionsPruned.WithLabelValues(reason).Add(float64(n))
}

func (m *Metrics) RecordRunsPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}

	m.runsPruned.Add(float64(n))
}

func (m *Metrics) RecordBlobDeleteFailures(n int) {
	if m == nil || n <= 0 {
		return
	}

	m.blobDeleteFailures.Add(float64(n))
}

// ObserveSweep records the duration of one retention sweep.
func (m *Metrics) ObserveSweep(d time.Duration, err error) {
	if m == nil {
		return
	}

	result := "success"
	if err != nil {
		result = "error"
	}

	m.sweepDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) RecordRequest(method string, code int) {
	if m == nil {
		return
	}

	m.httpRequests.WithLabelValues(method, strconv.Itoa(code)).Inc()
}
