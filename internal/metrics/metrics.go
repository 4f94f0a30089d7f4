package metrics

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "metasync"

// Metrics collects counters for sync runs
type Metrics struct {
	registry *prometheus.Registry

	ReleasesSeen          prometheus.Counter
	ReleasesSkipped       *prometheus.CounterVec
	AssetsDownloaded      prometheus.Counter
	DownloadFailures      prometheus.Counter
	MetadataUpdated       prometheus.Counter
	MetadataWriteFailures prometheus.Counter
	RunErrors             prometheus.Counter
	Runs                  *prometheus.CounterVec
	LastRunSignificant    prometheus.Gauge
	LastRunTimestamp      prometheus.Gauge
}

// New registers the metrics on a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		ReleasesSeen: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_seen_total",
			Help:      "Releases listed on the source platform",
		}),
		ReleasesSkipped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_skipped_total",
			Help:      "Releases skipped by the asset selector",
		}, []string{"reason"}),
		AssetsDownloaded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "assets_downloaded_total",
			Help:      "Package artifacts downloaded into the repo directory",
		}),
		DownloadFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_failures_total",
			Help:      "Failed artifact downloads",
		}),
		MetadataUpdated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_updated_total",
			Help:      "Metadata files rewritten",
		}),
		MetadataWriteFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metadata_write_failures_total",
			Help:      "Metadata files that could not be written",
		}),
		RunErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "run_errors_total",
			Help:      "Non-fatal errors recorded during runs",
		}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed sync runs by outcome",
		}, []string{"outcome"}),
		LastRunSignificant: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_significant",
			Help:      "1 when the last run produced publishable changes",
		}),
		LastRunTimestamp: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run finished",
		}),
	}
}

// Registry exposes the registry for HTTP handlers
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveRun records the outcome of a finished run
func (m *Metrics) ObserveRun(outcome string, significant bool) {
	m.Runs.WithLabelValues(outcome).Inc()
	if significant {
		m.LastRunSignificant.Set(1)
	} else {
		m.LastRunSignificant.Set(0)
	}
	m.LastRunTimestamp.SetToCurrentTime()
}

// WriteTextfile writes the current values in the node_exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create metrics directory: %w", err)
	}
	return prometheus.WriteToTextfile(path, m.registry)
}
