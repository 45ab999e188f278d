package inference

import (
	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/embedtrain/embedtrain/onnx"
	"github.com/embedtrain/embedtrain/protocols"
	"github.com/embedtrain/embedtrain/tensor"
)

// FromONNXWithEmbeddings runs an exported graph on each embedding with a
// batch dimension of 1. Classification outputs are turned into class
// probabilities over the last axis; other outputs are returned raw. Each id
// maps to one row for sequence-level and one row per position for
// residue-level models.
func FromONNXWithEmbeddings(fs afero.Fs, modelPath string, embeddings Embeddings, protocol protocols.Protocol) (map[string][][]float32, error) {
	model, err := onnx.ReadModel(fs, modelPath)
	if err != nil {
		return nil, err
	}
	session, err := onnx.NewSession(model, onnx.DefaultProviders)
	if err != nil {
		return nil, err
	}
	inputs := session.InputNames()
	outputs := session.OutputNames()
	if len(inputs) == 0 || len(outputs) == 0 {
		return nil, errors.Wrapf(onnx.ErrInvalidModel, "%s declares no free input or no output", modelPath)
	}

	result := make(map[string][][]float32, embeddings.Len())
	for i := 0; i < embeddings.Len(); i++ {
		id, embedding := embeddings.At(i)
		batched, err := embedding.Reshape(append([]int{1}, embedding.Shape...)...)
		if err != nil {
			return nil, err
		}

		out, err := session.Run(map[string]*tensor.Tensor{inputs[0]: batched})
		if err != nil {
			return nil, errors.Wrapf(err, "embedding %s", id)
		}
		values := out[outputs[0]]
		if protocol.IsClassification() {
			values = tensor.Softmax(values)
		}

		rows := make([][]float32, values.Rows())
		for r := range rows {
			rows[r] = append([]float32(nil), values.Row(r)...)
		}
		result[id] = rows
	}
	return result, nil
}
