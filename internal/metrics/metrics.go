// Package metrics exports upload pipeline metrics to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mindbrainbody/mbam/internal/xnat"
)

// Metrics holds the collectors for the upload pipeline. It satisfies both the
// scan service's Recorder and the archive client's Observer.
type Metrics struct {
	uploadsTotal    *prometheus.CounterVec
	uploadedBytes   prometheus.Counter
	requestDuration *prometheus.HistogramVec
	requestErrors   *prometheus.CounterVec
}

// New registers the pipeline collectors on reg. Pass
// prometheus.DefaultRegisterer outside of tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		uploadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbam",
			Name:      "scan_uploads_total",
			Help:      "Scan uploads by outcome.",
		}, []string{"outcome"}),
		uploadedBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "mbam",
			Name:      "scan_uploaded_bytes_total",
			Help:      "Cumulative payload size successfully uploaded to the archive.",
		}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mbam",
			Name:      "archive_request_duration_seconds",
			Help:      "Latency of individual archive requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op", "level"}),
		requestErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mbam",
			Name:      "archive_request_errors_total",
			Help:      "Count of failed archive requests.",
		}, []string{"op", "level"}),
	}
}

// RecordUpload counts one finished upload attempt.
func (m *Metrics) RecordUpload(outcome string, bytes int64) {
	m.uploadsTotal.WithLabelValues(outcome).Inc()
	if bytes > 0 {
		m.uploadedBytes.Add(float64(bytes))
	}
}

// ObserveRequest tracks one archive request's duration and failure.
func (m *Metrics) ObserveRequest(op string, level xnat.Level, d time.Duration, err error) {
	m.requestDuration.WithLabelValues(op, level.String()).Observe(d.Seconds())
	if err != nil {
		m.requestErrors.WithLabelValues(op, level.String()).Inc()
	}
}
