// Package metrics records backup cycle and upload metrics in Prometheus
// format. With no HTTP surface, the registry is written to a node_exporter
// textfile collector file.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autobackup"

// CycleSample is the outcome of one cycle as seen by metrics.
type CycleSample struct {
	Flow         string
	Status       string
	Duration     time.Duration
	FilesCopied  int
	BytesCopied  int64
	ArchiveBytes int64
	// Failures counts item failures by kind.
	Failures   map[string]int
	FinishedAt time.Time
	NextRun    time.Time
}

// Recorder holds the backup metrics.
type Recorder struct {
	registry *prometheus.Registry

	Cycles         *prometheus.CounterVec
	CycleDuration  *prometheus.HistogramVec
	FilesCopied    *prometheus.CounterVec
	BytesCopied    *prometheus.CounterVec
	ArchiveBytes   *prometheus.CounterVec
	ItemFailures   *prometheus.CounterVec
	UploadAttempts *prometheus.CounterVec
	UploadDuration *prometheus.HistogramVec
	LastSuccess    *prometheus.GaugeVec
	NextRun        prometheus.Gauge
}

// NewRecorder registers the metrics on reg. A nil reg gets a fresh registry.
func NewRecorder(reg *prometheus.Registry) (*Recorder, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	r := &Recorder{
		registry: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Backup cycles by flow and status.",
		}, []string{"flow", "status"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of backup cycles.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		}, []string{"flow"}),
		FilesCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "files_copied_total",
			Help:      "Files copied into staging.",
		}, []string{"flow"}),
		BytesCopied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_copied_total",
			Help:      "Bytes copied into staging.",
		}, []string{"flow"}),
		ArchiveBytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_bytes_total",
			Help:      "Bytes of archive members produced.",
		}, []string{"flow"}),
		ItemFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "item_failures_total",
			Help:      "Per-item failures by kind.",
		}, []string{"kind"}),
		UploadAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upload_attempts_total",
			Help:      "Upload attempts by endpoint and result.",
		}, []string{"endpoint", "result"}),
		UploadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Duration of single upload attempts.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
		}, []string{"endpoint"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last fully delivered cycle.",
		}, []string{"flow"}),
		NextRun: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "next_run_timestamp_seconds",
			Help:      "Unix time the next cycle is due.",
		}),
	}

	collectors := []prometheus.Collector{
		r.Cycles, r.CycleDuration, r.FilesCopied, r.BytesCopied, r.ArchiveBytes,
		r.ItemFailures, r.UploadAttempts, r.UploadDuration, r.LastSuccess, r.NextRun,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metric: %w", err)
		}
	}
	return r, nil
}

// Registry returns the registry the metrics live on.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// ObserveUploadAttempt records one upload attempt.
func (r *Recorder) ObserveUploadAttempt(endpoint string, success bool, duration time.Duration) {
	result := "failure"
	if success {
		result = "success"
	}
	r.UploadAttempts.WithLabelValues(endpoint, result).Inc()
	r.UploadDuration.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordCycle records a finished cycle.
func (r *Recorder) RecordCycle(s CycleSample) {
	r.Cycles.WithLabelValues(s.Flow, s.Status).Inc()
	r.CycleDuration.WithLabelValues(s.Flow).Observe(s.Duration.Seconds())
	r.FilesCopied.WithLabelValues(s.Flow).Add(float64(s.FilesCopied))
	r.BytesCopied.WithLabelValues(s.Flow).Add(float64(s.BytesCopied))
	r.ArchiveBytes.WithLabelValues(s.Flow).Add(float64(s.ArchiveBytes))
	for kind, n := range s.Failures {
		r.ItemFailures.WithLabelValues(kind).Add(float64(n))
	}
	if s.Status == "succeeded" && !s.FinishedAt.IsZero() {
		r.LastSuccess.WithLabelValues(s.Flow).Set(float64(s.FinishedAt.Unix()))
	}
	if !s.NextRun.IsZero() {
		r.NextRun.Set(float64(s.NextRun.Unix()))
	}
}

// WriteTextfile writes the registry to path in text exposition format.
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
