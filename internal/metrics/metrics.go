package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dependency outcomes recorded per run
const (
	OutcomeInstalled    = "installed"
	OutcomeSkipped      = "skipped"
	OutcomeFailed       = "failed"
	OutcomeWouldInstall = "would_install"
)

// Recorder collects the metrics of sync runs in its own registry
type Recorder struct {
	registry     *prometheus.Registry
	dependencies *prometheus.CounterVec
	lastRun      *prometheus.GaugeVec
	duration     *prometheus.GaugeVec
}

// NewRecorder creates a recorder with a fresh registry
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		dependencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "depsyncd",
			Name:      "dependencies_total",
			Help:      "Dependencies processed, by installation and outcome.",
		}, []string{"installation", "outcome"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "depsyncd",
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last sync run of an installation finished.",
		}, []string{"installation"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "depsyncd",
			Name:      "run_duration_seconds",
			Help:      "Duration of the last sync run of an installation.",
		}, []string{"installation"}),
	}

	r.registry.MustRegister(r.dependencies, r.lastRun, r.duration)
	return r
}

// Dependency records the outcome of one dependency
func (r *Recorder) Dependency(installation, outcome string) {
	r.dependencies.WithLabelValues(installation, outcome).Inc()
}

// Run records a finished run of an installation
func (r *Recorder) Run(installation string, finished time.Time, took time.Duration) {
	r.lastRun.WithLabelValues(installation).Set(float64(finished.Unix()))
	r.duration.WithLabelValues(installation).Set(took.Seconds())
}

// Registry exposes the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// WriteTextfile writes all metrics in the node exporter textfile format
func (r *Recorder) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics textfile: %w", err)
	}
	return nil
}
