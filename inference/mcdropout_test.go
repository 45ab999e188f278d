package inference

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedtrain/embedtrain/protocols"
)

func TestMonteCarloDropout(t *testing.T) {
	path := trainRun(t, protocols.SequenceToClass, runOptions{})
	inf := loadRun(t, path, nil)
	embeddings, _ := testData(t, protocols.SequenceToClass, 6, 13)

	t.Run("summaries", func(t *testing.T) {
		opts := DefaultMCDropoutOptions()
		opts.ForwardPasses = 10
		result, err := inf.FromEmbeddingsWithMonteCarloDropout(embeddings, opts)
		require.NoError(t, err)
		require.Len(t, result, 6)

		for _, id := range embeddings.IDs() {
			require.Len(t, result[id], 1)
			p := result[id][0]
			assert.Contains(t, testLabels, p.Prediction)
			require.Len(t, p.MCDMean, 2)
			for c := range p.MCDMean {
				assert.LessOrEqual(t, p.MCDLowerBound[c], p.MCDMean[c])
				assert.GreaterOrEqual(t, p.MCDUpperBound[c], p.MCDMean[c])
			}
			best := 0
			if p.MCDMean[1] > p.MCDMean[0] {
				best = 1
			}
			assert.Equal(t, testLabels[best], p.Prediction)
		}

		again, err := inf.FromEmbeddingsWithMonteCarloDropout(embeddings, opts)
		require.NoError(t, err)
		assert.Equal(t, result, again, "same seed, same passes")
	})

	t.Run("single pass has zero width", func(t *testing.T) {
		opts := DefaultMCDropoutOptions()
		opts.ForwardPasses = 1
		result, err := inf.FromEmbeddingsWithMonteCarloDropout(embeddings, opts)
		require.NoError(t, err)
		for _, predictions := range result {
			p := predictions[0]
			assert.Equal(t, p.MCDMean, p.MCDLowerBound)
			assert.Equal(t, p.MCDMean, p.MCDUpperBound)
		}
	})

	t.Run("invalid arguments", func(t *testing.T) {
		opts := DefaultMCDropoutOptions()
		opts.ConfidenceLevel = 1
		_, err := inf.FromEmbeddingsWithMonteCarloDropout(embeddings, opts)
		assert.True(t, errors.Is(err, ErrInvalidConfidenceLevel))

		opts = DefaultMCDropoutOptions()
		opts.ForwardPasses = 0
		_, err = inf.FromEmbeddingsWithMonteCarloDropout(embeddings, opts)
		assert.Error(t, err)

		opts = DefaultMCDropoutOptions()
		opts.Split = "k_fold-3"
		_, err = inf.FromEmbeddingsWithMonteCarloDropout(embeddings, opts)
		assert.True(t, errors.Is(err, ErrUnknownSplit))
	})
}

func TestMonteCarloDropoutResidueLevel(t *testing.T) {
	path := trainRun(t, protocols.ResidueToClass, runOptions{})
	inf := loadRun(t, path, nil)
	embeddings, targets := testData(t, protocols.ResidueToClass, 5, 13)

	opts := DefaultMCDropoutOptions()
	opts.ForwardPasses = 5
	result, err := inf.FromEmbeddingsWithMonteCarloDropout(embeddings, opts)
	require.NoError(t, err)
	for i, id := range embeddings.IDs() {
		assert.Len(t, result[id], len(targets[i]), "one summary per residue")
	}
}
