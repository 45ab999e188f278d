package training

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/tensor"
)

func vector(t *testing.T, values ...float32) *tensor.Tensor {
	t.Helper()
	v, err := tensor.FromVector(values)
	require.NoError(t, err)
	return v
}

func matrix(t *testing.T, rows int, features int, fill float32) *tensor.Tensor {
	t.Helper()
	m, err := tensor.Full(fill, rows, features)
	require.NoError(t, err)
	return m
}

func TestSequenceLoaderBatches(t *testing.T) {
	ds, err := BuildDataset(protocols.SequenceToClass, []Sample{
		{ID: "a", Embedding: vector(t, 1, 2), Target: []int{0}},
		{ID: "b", Embedding: vector(t, 3, 4), Target: []int{1}},
		{ID: "c", Embedding: vector(t, 5, 6), Target: []int{1}},
	})
	require.NoError(t, err)

	loader, err := NewLoader(ds, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, loader.Len())

	first, err := loader.Batch(0)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, first.IDs)
	assert.Equal(t, []int{2, 2}, first.Embeddings.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4}, first.Embeddings.Data)
	assert.Equal(t, []int{0, 1}, first.Targets)

	last, err := loader.Batch(1)
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, last.IDs)
	assert.Equal(t, []int{1, 2}, last.Embeddings.Shape)

	_, err = loader.Batch(2)
	assert.Error(t, err)
}

func TestResidueLoaderPadsTargets(t *testing.T) {
	ds, err := BuildDataset(protocols.ResidueToClass, []Sample{
		{ID: "short", Embedding: matrix(t, 2, 3, 1), Target: []int{1, 0}},
		{ID: "long", Embedding: matrix(t, 4, 3, 2), Target: []int{0, 1, 1, 0}},
	})
	require.NoError(t, err)
	loader, err := NewLoader(ds, 8)
	require.NoError(t, err)

	batch, err := loader.Batch(0)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4, 3}, batch.Embeddings.Shape)
	assert.Equal(t, []int{2, 4}, batch.Lengths)
	pad := protocols.PadValue
	assert.Equal(t, []int{1, 0, pad, pad, 0, 1, 1, 0}, batch.Targets)
	// padded positions of the short sequence are zero
	assert.Equal(t, float32(0), batch.Embeddings.Data[2*3])
}

func TestLoaderWithoutTargets(t *testing.T) {
	ds, err := BuildDataset(protocols.SequenceToClass, []Sample{
		{ID: "0", Embedding: vector(t, 1)},
	})
	require.NoError(t, err)
	assert.False(t, ds.HasTargets())

	loader, err := NewLoader(ds, 1)
	require.NoError(t, err)
	batch, err := loader.Batch(0)
	require.NoError(t, err)
	assert.Nil(t, batch.Targets)
}

func TestBuildDatasetValidation(t *testing.T) {
	tests := []struct {
		name     string
		protocol protocols.Protocol
		samples  []Sample
	}{
		{"empty", protocols.SequenceToClass, nil},
		{"unspecified protocol", protocols.Unspecified, []Sample{{ID: "a", Embedding: vector(t, 1)}}},
		{"missing embedding", protocols.SequenceToClass, []Sample{{ID: "a"}}},
		{"duplicate ids", protocols.SequenceToClass, []Sample{
			{ID: "a", Embedding: vector(t, 1)}, {ID: "a", Embedding: vector(t, 2)},
		}},
		{"mixed targets", protocols.SequenceToClass, []Sample{
			{ID: "a", Embedding: vector(t, 1), Target: []int{0}}, {ID: "b", Embedding: vector(t, 2)},
		}},
		{"wrong rank", protocols.ResidueToClass, []Sample{{ID: "a", Embedding: vector(t, 1, 2)}}},
		{"feature mismatch", protocols.SequenceToClass, []Sample{
			{ID: "a", Embedding: vector(t, 1)}, {ID: "b", Embedding: vector(t, 1, 2)},
		}},
		{"target length", protocols.ResidueToClass, []Sample{
			{ID: "a", Embedding: matrix(t, 3, 2, 0), Target: []int{0, 1}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildDataset(tt.protocol, tt.samples)
			assert.Error(t, err)
		})
	}

	_, err := NewLoader(nil, 1)
	assert.Error(t, err)
}
