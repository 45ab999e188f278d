package checkpoints

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedtrain/embedtrain/engine"
	"github.com/embedtrain/embedtrain/layers"
	"github.com/embedtrain/embedtrain/onnx"
	"github.com/embedtrain/embedtrain/tensor"
)

func TestExportMatchesNetwork(t *testing.T) {
	for _, perPosition := range []bool{false, true} {
		net := testNetwork(t)
		checkpoint := &Checkpoint{ModelSpec: net.Spec(), Weights: WeightsFromParameters(net.Parameters())}

		fs := afero.NewMemMapFs()
		exporter := NewONNXExporter(fs)
		require.NoError(t, exporter.ExportToONNX(checkpoint, "/out/fold1.onnx", ExportOptions{PerPosition: perPosition}))

		model, err := onnx.ReadModel(fs, "/out/fold1.onnx")
		require.NoError(t, err)
		assert.Equal(t, int64(7), model.IrVersion)
		assert.Equal(t, int64(13), model.OpsetImport[0].Version)

		session, err := onnx.NewSession(model, onnx.DefaultProviders)
		require.NoError(t, err)

		shape := []int{1, 4}
		if perPosition {
			shape = []int{1, 3, 4}
		}
		x, err := tensor.Zeros(shape...)
		require.NoError(t, err)
		for i := range x.Data {
			x.Data[i] = float32(i%5) - 2
		}

		want, err := net.Forward(x, engine.ModeEval)
		require.NoError(t, err)
		got, err := session.Run(map[string]*tensor.Tensor{"input": x})
		require.NoError(t, err)
		assert.True(t, got["output"].AllClose(want, 1e-5), "perPosition=%v", perPosition)
	}
}

func TestExportRejectsMissingGraph(t *testing.T) {
	fs := afero.NewMemMapFs()
	err := NewONNXExporter(fs).ExportToONNX(&Checkpoint{}, "/out/model.onnx", ExportOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExportUnsupported))

	exists, err := afero.Exists(fs, "/out/model.onnx")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestExportRejectsUnknownLayers(t *testing.T) {
	spec, err := layers.NewModelBuilder(2).AddDense(2, true, "d").Compile()
	require.NoError(t, err)
	net, err := engine.NewNetwork(spec, 1)
	require.NoError(t, err)
	spec.Layers = append(spec.Layers, layers.LayerSpec{Type: layers.LayerType(99), Name: "mystery"})

	_, err = NewONNXExporter(afero.NewMemMapFs()).BuildModel(&Checkpoint{
		ModelSpec: spec,
		Weights:   WeightsFromParameters(net.Parameters()),
	}, ExportOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrExportUnsupported))
}
