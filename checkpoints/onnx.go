package checkpoints

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/embedtrain/embedtrain/layers"
	"github.com/embedtrain/embedtrain/onnx"
)

const (
	onnxIRVersion = 7
	onnxOpset     = 13

	// SequenceLengthDim names the symbolic position axis of residue-level graphs
	SequenceLengthDim = "sequence_length"
)

// ExportOptions controls the declared graph signature
type ExportOptions struct {
	// PerPosition declares input [1, sequence_length, F] instead of [1, F]
	PerPosition bool
	GraphName   string
	DocString   string
}

// ONNXExporter handles conversion of checkpoints to ONNX format
type ONNXExporter struct {
	fs afero.Fs
}

// NewONNXExporter creates a new ONNX exporter writing to fs
func NewONNXExporter(fs afero.Fs) *ONNXExporter {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &ONNXExporter{fs: fs}
}

// ExportToONNX converts a checkpoint to ONNX and writes it to path.
// Nothing is left at path when the export fails.
func (oe *ONNXExporter) ExportToONNX(checkpoint *Checkpoint, path string, opts ExportOptions) error {
	model, err := oe.BuildModel(checkpoint, opts)
	if err != nil {
		return err
	}

	// Serialize to protobuf
	data, err := onnx.Marshal(model)
	if err != nil {
		return fmt.Errorf("failed to marshal ONNX model: %v", err)
	}
	if err := writeAtomic(oe.fs, path, data); err != nil {
		return fmt.Errorf("failed to write ONNX file: %v", err)
	}
	return nil
}

// BuildModel creates the ONNX model proto without writing it
func (oe *ONNXExporter) BuildModel(checkpoint *Checkpoint, opts ExportOptions) (*onnx.ModelProto, error) {
	if checkpoint == nil || checkpoint.ModelSpec == nil || !checkpoint.ModelSpec.Compiled {
		return nil, errors.Wrap(ErrExportUnsupported, "checkpoint carries no compiled layer graph")
	}

	graph, err := oe.buildONNXGraph(checkpoint, opts)
	if err != nil {
		return nil, err
	}

	model := &onnx.ModelProto{
		IrVersion:       onnxIRVersion,
		OpsetImport:     []*onnx.OperatorSetIdProto{{Domain: "", Version: onnxOpset}},
		ProducerName:    Framework,
		ProducerVersion: Version,
		ModelVersion:    1,
		DocString:       opts.DocString,
		Graph:           graph,
	}
	if err := onnx.Check(model); err != nil {
		return nil, errors.Wrapf(ErrExportUnsupported, "exported graph failed validation: %v", err)
	}
	return model, nil
}

// buildONNXGraph creates the ONNX computation graph from the layer specs
func (oe *ONNXExporter) buildONNXGraph(checkpoint *Checkpoint, opts ExportOptions) (*onnx.GraphProto, error) {
	spec := checkpoint.ModelSpec
	name := opts.GraphName
	if name == "" {
		name = Framework + "-model"
	}
	graph := &onnx.GraphProto{Name: name}

	// Create weight map for easy lookup
	weightMap := make(map[string]WeightTensor, len(checkpoint.Weights))
	for _, weight := range checkpoint.Weights {
		weightMap[weight.Name] = weight
	}

	inputShape := []int{1, spec.InputFeatures()}
	outputShape := []int{1, spec.OutputFeatures()}
	symbolic := map[int]string{}
	if opts.PerPosition {
		inputShape = []int{1, -1, spec.InputFeatures()}
		outputShape = []int{1, -1, spec.OutputFeatures()}
		symbolic[1] = SequenceLengthDim
	}
	graph.Input = append(graph.Input, onnx.TensorValueInfo("input", inputShape, symbolic))

	// Track tensor names for graph connectivity
	currentTensorName := "input"
	for _, layerSpec := range spec.Layers {
		var nodes []*onnx.NodeProto
		var initializers []*onnx.TensorProto
		var err error

		switch layerSpec.Type {
		case layers.Dense:
			nodes, initializers, currentTensorName, err = oe.createDenseNode(layerSpec, weightMap, currentTensorName)
		case layers.ReLU:
			nodes, currentTensorName = oe.createActivationNode("Relu", layerSpec, currentTensorName)
		case layers.LeakyReLU:
			nodes, currentTensorName = oe.createActivationNode("LeakyRelu", layerSpec, currentTensorName,
				onnx.FloatAttribute("alpha", layers.GetFloatParam(layerSpec.Parameters, "negative_slope", 0.01)))
		case layers.Dropout:
			nodes, currentTensorName = oe.createActivationNode("Dropout", layerSpec, currentTensorName,
				onnx.FloatAttribute("ratio", layers.GetFloatParam(layerSpec.Parameters, "rate", 0)))
		case layers.Softmax:
			nodes, currentTensorName = oe.createActivationNode("Softmax", layerSpec, currentTensorName,
				onnx.IntAttribute("axis", -1))
		default:
			return nil, errors.Wrapf(ErrExportUnsupported, "layer %s of type %s", layerSpec.Name, layerSpec.Type.String())
		}
		if err != nil {
			return nil, fmt.Errorf("failed to create ONNX node for layer %s: %v", layerSpec.Name, err)
		}

		graph.Node = append(graph.Node, nodes...)
		graph.Initializer = append(graph.Initializer, initializers...)
	}

	// Rename the final tensor so consumers can rely on a stable output name
	graph.Node = append(graph.Node, &onnx.NodeProto{
		OpType: "Identity",
		Name:   "output_identity",
		Input:  []string{currentTensorName},
		Output: []string{"output"},
	})
	graph.Output = append(graph.Output, onnx.TensorValueInfo("output", outputShape, symbolic))

	return graph, nil
}

// createDenseNode creates ONNX MatMul + Add nodes for a Dense layer.
// Weights are stored [input, output], which is what MatMul(x, W) expects.
func (oe *ONNXExporter) createDenseNode(layerSpec layers.LayerSpec, weightMap map[string]WeightTensor, inputTensor string) ([]*onnx.NodeProto, []*onnx.TensorProto, string, error) {
	layerName := layerSpec.Name
	weightName := fmt.Sprintf("%s.weight", layerName)
	biasName := fmt.Sprintf("%s.bias", layerName)
	matmulOutput := fmt.Sprintf("%s_matmul", layerName)
	finalOutput := fmt.Sprintf("%s_output", layerName)

	weightTensor, ok := weightMap[weightName]
	if !ok {
		return nil, nil, "", fmt.Errorf("missing weight tensor %s", weightName)
	}

	nodes := []*onnx.NodeProto{{
		OpType: "MatMul",
		Name:   fmt.Sprintf("%s_matmul_op", layerName),
		Input:  []string{inputTensor, weightName},
		Output: []string{matmulOutput},
	}}
	initializers := []*onnx.TensorProto{onnx.FloatTensor(weightName, weightTensor.Shape, weightTensor.Data)}

	if !layers.GetBoolParam(layerSpec.Parameters, "use_bias", true) {
		return nodes, initializers, matmulOutput, nil
	}

	biasTensor, ok := weightMap[biasName]
	if !ok {
		return nil, nil, "", fmt.Errorf("missing bias tensor %s", biasName)
	}
	initializers = append(initializers, onnx.FloatTensor(biasName, biasTensor.Shape, biasTensor.Data))
	nodes = append(nodes, &onnx.NodeProto{
		OpType: "Add",
		Name:   fmt.Sprintf("%s_add_bias", layerName),
		Input:  []string{matmulOutput, biasName},
		Output: []string{finalOutput},
	})
	return nodes, initializers, finalOutput, nil
}

// createActivationNode creates a single-input node that keeps the tensor shape
func (oe *ONNXExporter) createActivationNode(opType string, layerSpec layers.LayerSpec, inputTensor string, attrs ...*onnx.AttributeProto) ([]*onnx.NodeProto, string) {
	outputTensor := fmt.Sprintf("%s_output", layerSpec.Name)
	return []*onnx.NodeProto{{
		OpType:    opType,
		Name:      layerSpec.Name,
		Input:     []string{inputTensor},
		Output:    []string{outputTensor},
		Attribute: attrs,
	}}, outputTensor
}
