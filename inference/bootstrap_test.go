package inference

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/training"
)

func TestBootstrapping(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{})
	inf := loadRun(t, path, nil)
	embeddings, targets := testData(t, protocols.SequenceToClass, 20, 77)

	t.Run("deterministic for a fixed seed", func(t *testing.T) {
		opts := DefaultBootstrapOptions()
		first, err := inf.FromEmbeddingsWithBootstrapping(embeddings, targets, opts)
		require.NoError(t, err)
		second, err := inf.FromEmbeddingsWithBootstrapping(embeddings, targets, opts)
		require.NoError(t, err)
		assert.Equal(t, first, second)

		for _, metric := range training.ClassificationMetrics() {
			estimate, ok := first[metric.String()]
			require.True(t, ok, metric.String())
			assert.GreaterOrEqual(t, estimate.Error, 0.0)
		}
		assert.Contains(t, first, "accuracy")
		assert.NotContains(t, first, "loss")
	})

	t.Run("single iteration has no error", func(t *testing.T) {
		opts := DefaultBootstrapOptions()
		opts.Iterations = 1
		result, err := inf.FromEmbeddingsWithBootstrapping(embeddings, targets, opts)
		require.NoError(t, err)
		for name, estimate := range result {
			assert.Zero(t, estimate.Error, name)
		}
	})

	t.Run("sample size", func(t *testing.T) {
		opts := DefaultBootstrapOptions()
		opts.SampleSize = 5
		_, err := inf.FromEmbeddingsWithBootstrapping(embeddings, targets, opts)
		require.NoError(t, err)

		opts.SampleSize = 0
		_, err = inf.FromEmbeddingsWithBootstrapping(embeddings, targets, opts)
		assert.Error(t, err)
	})

	t.Run("invalid arguments", func(t *testing.T) {
		for _, cl := range []float64{0, 1, -0.5, 1.5} {
			opts := DefaultBootstrapOptions()
			opts.ConfidenceLevel = cl
			_, err := inf.FromEmbeddingsWithBootstrapping(embeddings, targets, opts)
			assert.True(t, errors.Is(err, ErrInvalidConfidenceLevel), "confidence level %v", cl)
		}

		_, err := inf.FromEmbeddingsWithBootstrapping(embeddings, nil, DefaultBootstrapOptions())
		assert.True(t, errors.Is(err, training.ErrMissingTargets))

		opts := DefaultBootstrapOptions()
		opts.Split = "nope"
		_, err = inf.FromEmbeddingsWithBootstrapping(embeddings, targets, opts)
		assert.True(t, errors.Is(err, ErrUnknownSplit))
	})
}

func TestBootstrappingResidueLevel(t *testing.T) {
	path := trainRun(t, protocols.ResidueToClass, runOptions{})
	inf := loadRun(t, path, nil)
	embeddings, targets := testData(t, protocols.ResidueToClass, 10, 77)

	opts := DefaultBootstrapOptions()
	opts.Iterations = 10
	result, err := inf.FromEmbeddingsWithBootstrapping(embeddings, targets, opts)
	require.NoError(t, err)
	accuracy := result["accuracy"]
	assert.True(t, accuracy.Mean >= 0 && accuracy.Mean <= 1)
}

func TestSummariseIterations(t *testing.T) {
	results := []map[string]float64{
		{"accuracy": 0.5},
		{"accuracy": 0.7},
	}
	estimates, err := summariseIterations(results, 0.05)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, estimates["accuracy"].Mean, 1e-12)
	// sample std of {0.5, 0.7} is sqrt(0.02); z(0.975) ~ 1.959964
	assert.InDelta(t, 1.959964*0.1414214, estimates["accuracy"].Error, 1e-5)
}
