package layers

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileComputesShapes(t *testing.T) {
	spec, err := NewModelBuilder(16).
		AddDense(8, true, "input").
		AddLeakyReLU(0.01, "activation").
		AddDropout(0.25, "dropout").
		AddDense(3, true, "output").
		Compile()
	require.NoError(t, err)

	assert.True(t, spec.Compiled)
	assert.Equal(t, []int{16}, spec.InputShape)
	assert.Equal(t, []int{3}, spec.OutputShape)
	assert.Equal(t, int64(16*8+8+8*3+3), spec.TotalParameters)
	assert.Equal(t, [][]int{{16, 8}, {8}, {8, 3}, {3}}, spec.ParameterShapes)
	assert.True(t, spec.HasDropout())
	assert.Equal(t, 16, spec.InputFeatures())
	assert.Equal(t, 3, spec.OutputFeatures())
	assert.Contains(t, spec.Summary(), "Total Parameters")
}

func TestCompileRejectsInvalidModels(t *testing.T) {
	_, err := NewModelBuilder(4).Compile()
	require.Error(t, err)

	_, err = NewModelBuilder(4).AddDropout(1.5, "bad").Compile()
	require.Error(t, err)

	_, err = NewModelBuilder(4).AddDense(2, true, "a").AddDense(2, true, "a").Compile()
	require.Error(t, err)
}

func TestSpecSurvivesJSONRoundTrip(t *testing.T) {
	spec, err := NewModelBuilder(4).AddDense(2, false, "logreg").Compile()
	require.NoError(t, err)

	data, err := json.Marshal(spec)
	require.NoError(t, err)

	var decoded ModelSpec
	require.NoError(t, json.Unmarshal(data, &decoded))

	layer := decoded.Layers[0]
	assert.Equal(t, 2, GetIntParam(layer.Parameters, "output_size", 0))
	assert.Equal(t, 4, GetIntParam(layer.Parameters, "input_size", 0))
	assert.False(t, GetBoolParam(layer.Parameters, "use_bias", true))
}
