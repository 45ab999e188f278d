// Package telemetry exports training scalars as Prometheus metrics.
package telemetry

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "embedtrain"

// PrometheusWriter records solver scalars in a Prometheus registry.
// One writer serves every split; use ForSplit to obtain a solver LogWriter.
type PrometheusWriter struct {
	registry *prometheus.Registry
	scalars  *prometheus.GaugeVec
	steps    *prometheus.GaugeVec
	updates  *prometheus.CounterVec
}

// NewPrometheusWriter registers the training collectors on registry, or on a
// fresh registry when it is nil.
func NewPrometheusWriter(registry *prometheus.Registry) (*PrometheusWriter, error) {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	w := &PrometheusWriter{
		registry: registry,
		// Labels: split, tag ("Epoch/train", "Step/train", ...), metric (loss, accuracy, ...)
		scalars: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "scalar",
			Help:      "Last reported value of a training scalar",
		}, []string{"split", "tag", "metric"}),
		steps: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "step",
			Help:      "Step or epoch of the last report for a tag",
		}, []string{"split", "tag"}),
		updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "training",
			Name:      "reports_total",
			Help:      "Number of scalar reports per tag",
		}, []string{"split", "tag"}),
	}

	for _, c := range []prometheus.Collector{w.scalars, w.steps, w.updates} {
		if err := registry.Register(c); err != nil {
			return nil, errors.Wrap(err, "failed to register training collectors")
		}
	}
	return w, nil
}

// Registry returns the registry holding the collectors
func (w *PrometheusWriter) Registry() *prometheus.Registry {
	return w.registry
}

// ForSplit returns a writer that labels every report with split
func (w *PrometheusWriter) ForSplit(split string) *SplitWriter {
	return &SplitWriter{parent: w, split: split}
}

// WriteTextfile dumps the registry in the text exposition format
func (w *PrometheusWriter) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, w.registry); err != nil {
		return errors.Wrapf(err, "failed to write metrics to %s", path)
	}
	return nil
}

// SplitWriter is the per-split view of a PrometheusWriter
type SplitWriter struct {
	parent *PrometheusWriter
	split  string
}

// AddScalars records values under tag at step
func (s *SplitWriter) AddScalars(tag string, values map[string]float64, step int) {
	for metric, value := range values {
		s.parent.scalars.WithLabelValues(s.split, tag, metric).Set(value)
	}
	s.parent.steps.WithLabelValues(s.split, tag).Set(float64(step))
	s.parent.updates.WithLabelValues(s.split, tag).Inc()
}
