package onnx

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embedtrain/embedtrain/tensor"
)

// tinyModel computes softmax(relu(x W + b)) for x of shape [1, L, 2]
func tinyModel() *ModelProto {
	return &ModelProto{
		IrVersion:    7,
		ProducerName: "test",
		OpsetImport:  []*OperatorSetIdProto{{Domain: "", Version: 13}},
		Graph: &GraphProto{
			Name: "tiny",
			Node: []*NodeProto{
				{OpType: "MatMul", Name: "mm", Input: []string{"input", "w"}, Output: []string{"h"}},
				{OpType: "Add", Name: "bias", Input: []string{"h", "b"}, Output: []string{"hb"}},
				{OpType: "LeakyRelu", Name: "act", Input: []string{"hb"}, Output: []string{"a"},
					Attribute: []*AttributeProto{FloatAttribute("alpha", 0.5)}},
				{OpType: "Dropout", Name: "drop", Input: []string{"a"}, Output: []string{"d"},
					Attribute: []*AttributeProto{FloatAttribute("ratio", 0.3)}},
				{OpType: "Softmax", Name: "sm", Input: []string{"d"}, Output: []string{"output"},
					Attribute: []*AttributeProto{IntAttribute("axis", -1)}},
			},
			Initializer: []*TensorProto{
				FloatTensor("w", []int{2, 3}, []float32{1, 0, -1, 0, 1, 2}),
				FloatTensor("b", []int{3}, []float32{0.5, -0.5, 0}),
			},
			Input:  []*ValueInfoProto{TensorValueInfo("input", []int{1, -1, 2}, map[int]string{1: "sequence_length"})},
			Output: []*ValueInfoProto{TensorValueInfo("output", []int{1, -1, 3}, map[int]string{1: "sequence_length"})},
		},
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Marshal(tinyModel())
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	assert.Equal(t, int64(7), decoded.IrVersion)
	assert.Equal(t, "test", decoded.ProducerName)
	require.Len(t, decoded.OpsetImport, 1)
	assert.Equal(t, int64(13), decoded.OpsetImport[0].Version)

	graph := decoded.Graph
	require.NotNil(t, graph)
	require.Len(t, graph.Node, 5)
	assert.Equal(t, "LeakyRelu", graph.Node[2].OpType)
	assert.Equal(t, float32(0.5), graph.Node[2].FloatAttr("alpha", 0))
	assert.Equal(t, int64(-1), graph.Node[4].IntAttr("axis", 0))
	assert.Equal(t, AttributeInt, graph.Node[4].Attribute[0].Type)

	require.Len(t, graph.Initializer, 2)
	assert.Equal(t, []int64{2, 3}, graph.Initializer[0].Dims)
	assert.Equal(t, []float32{1, 0, -1, 0, 1, 2}, graph.Initializer[0].FloatData)

	dims := graph.Input[0].Type.TensorType.Shape.Dim
	require.Len(t, dims, 3)
	assert.Equal(t, int64(1), dims[0].DimValue)
	assert.Equal(t, "sequence_length", dims[1].DimParam)
	assert.True(t, dims[1].IsSymbolic())
	assert.Equal(t, int64(2), dims[2].DimValue)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestRawDataInitializers(t *testing.T) {
	init := &TensorProto{
		Name:     "raw",
		DataType: DataTypeFloat,
		Dims:     []int64{2},
		RawData:  []byte{0x00, 0x00, 0x80, 0x3f, 0x00, 0x00, 0x00, 0x40},
	}
	values, err := init.Floats()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, values)
}

func TestCheck(t *testing.T) {
	require.NoError(t, Check(tinyModel()))

	tests := map[string]func(m *ModelProto){
		"old ir version": func(m *ModelProto) { m.IrVersion = 1 },
		"no opset":       func(m *ModelProto) { m.OpsetImport = nil },
		"no graph":       func(m *ModelProto) { m.Graph = nil },
		"dangling input": func(m *ModelProto) { m.Graph.Node[1].Input[1] = "missing" },
		"unproduced output": func(m *ModelProto) {
			m.Graph.Output[0].Name = "nowhere"
		},
		"duplicate output": func(m *ModelProto) { m.Graph.Node[1].Output[0] = "h" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			model := tinyModel()
			mutate(model)
			err := Check(model)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidModel))
		})
	}
}

func TestSessionRun(t *testing.T) {
	session, err := NewSession(tinyModel(), DefaultProviders)
	require.NoError(t, err)
	assert.Equal(t, CPUExecutionProvider, session.Provider())
	assert.Equal(t, []string{"input"}, session.InputNames())
	assert.Equal(t, []string{"output"}, session.OutputNames())

	x, err := tensor.New([]int{1, 2, 2}, []float32{1, 2, -1, 0})
	require.NoError(t, err)
	outputs, err := session.Run(map[string]*tensor.Tensor{"input": x})
	require.NoError(t, err)

	out := outputs["output"]
	require.NotNil(t, out)
	assert.Equal(t, []int{1, 2, 3}, out.Shape)

	// Row 0: xW+b = [1.5, 1.5, 3]; row 1: [-0.5, -0.5, 1] -> leaky [-0.25, -0.25, 1]
	expected, err := tensor.New([]int{1, 2, 3}, []float32{1.5, 1.5, 3, -0.25, -0.25, 1})
	require.NoError(t, err)
	assert.True(t, out.AllClose(tensor.Softmax(expected), 1e-6))
}

func TestSessionRejectsWrongShapes(t *testing.T) {
	session, err := NewSession(tinyModel(), nil)
	require.NoError(t, err)

	x, err := tensor.New([]int{1, 3}, []float32{1, 2, 3})
	require.NoError(t, err)
	_, err = session.Run(map[string]*tensor.Tensor{"input": x})
	require.Error(t, err)

	_, err = session.Run(map[string]*tensor.Tensor{})
	require.Error(t, err)
}

func TestSessionProviders(t *testing.T) {
	_, err := NewSession(tinyModel(), []string{MetalExecutionProvider})
	require.Error(t, err)

	model := tinyModel()
	model.Graph.Node[2].OpType = "Gelu"
	_, err = NewSession(model, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnsupportedOperator))
}

func TestReadModel(t *testing.T) {
	fs := afero.NewMemMapFs()
	data, err := Marshal(tinyModel())
	require.NoError(t, err)
	require.NoError(t, afero.WriteFile(fs, "/models/tiny.onnx", data, 0o644))

	model, err := ReadModel(fs, "/models/tiny.onnx")
	require.NoError(t, err)
	assert.Equal(t, "tiny", model.Graph.Name)

	_, err = ReadModel(fs, "/models/missing.onnx")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidModel))
}
