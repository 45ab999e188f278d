package telemetry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedtrain/embedtrain/training"
)

var _ training.LogWriter = (*SplitWriter)(nil)

func TestSplitWriterRecordsScalars(t *testing.T) {
	w, err := NewPrometheusWriter(nil)
	require.NoError(t, err)

	fold := w.ForSplit("fold_1")
	fold.AddScalars("Epoch/validation", map[string]float64{"loss": 0.7, "accuracy": 0.5}, 0)
	fold.AddScalars("Epoch/validation", map[string]float64{"loss": 0.4, "accuracy": 0.8}, 1)
	w.ForSplit("fold_2").AddScalars("Epoch/validation", map[string]float64{"loss": 0.9}, 0)

	assert.InDelta(t, 0.4, testutil.ToFloat64(w.scalars.WithLabelValues("fold_1", "Epoch/validation", "loss")), 1e-12)
	assert.InDelta(t, 0.8, testutil.ToFloat64(w.scalars.WithLabelValues("fold_1", "Epoch/validation", "accuracy")), 1e-12)
	assert.InDelta(t, 0.9, testutil.ToFloat64(w.scalars.WithLabelValues("fold_2", "Epoch/validation", "loss")), 1e-12)
	assert.Equal(t, 1.0, testutil.ToFloat64(w.steps.WithLabelValues("fold_1", "Epoch/validation")))
	assert.Equal(t, 2.0, testutil.ToFloat64(w.updates.WithLabelValues("fold_1", "Epoch/validation")))
}

func TestRegistrationConflict(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := NewPrometheusWriter(registry)
	require.NoError(t, err)
	_, err = NewPrometheusWriter(registry)
	assert.Error(t, err)
}

func TestWriteTextfile(t *testing.T) {
	w, err := NewPrometheusWriter(nil)
	require.NoError(t, err)
	w.ForSplit("hold_out").AddScalars("Step/train", map[string]float64{"loss": 1.5}, 3)

	path := filepath.Join(t.TempDir(), "training.prom")
	require.NoError(t, w.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "embedtrain_training_scalar")
	assert.Contains(t, string(data), `split="hold_out"`)
}
