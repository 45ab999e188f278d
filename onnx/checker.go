package onnx

import (
	"github.com/pkg/errors"
)

var (
	// ErrInvalidModel is returned when a graph fails structural checks
	ErrInvalidModel = errors.New("invalid ONNX model")
	// ErrUnsupportedOperator is returned when a graph uses an operator the CPU session cannot run
	ErrUnsupportedOperator = errors.New("unsupported ONNX operator")
)

// MinimumIRVersion is the oldest IR version accepted by Check
const MinimumIRVersion = 3

// Check validates the structure of a model: IR version, default opset,
// graph inputs and outputs, and that every node input is produced before use.
func Check(model *ModelProto) error {
	if model == nil {
		return errors.Wrap(ErrInvalidModel, "model is nil")
	}
	if model.IrVersion < MinimumIRVersion {
		return errors.Wrapf(ErrInvalidModel, "ir_version %d is older than %d", model.IrVersion, MinimumIRVersion)
	}

	hasDefaultOpset := false
	for _, opset := range model.OpsetImport {
		if opset.Domain == "" || opset.Domain == "ai.onnx" {
			hasDefaultOpset = true
		}
	}
	if !hasDefaultOpset {
		return errors.Wrap(ErrInvalidModel, "missing opset import for the default domain")
	}

	graph := model.Graph
	if graph == nil {
		return errors.Wrap(ErrInvalidModel, "model has no graph")
	}
	if len(graph.Input) == 0 || len(graph.Output) == 0 {
		return errors.Wrap(ErrInvalidModel, "graph must declare at least one input and one output")
	}

	defined := make(map[string]bool)
	for _, init := range graph.Initializer {
		if init.Name == "" {
			return errors.Wrap(ErrInvalidModel, "initializer without a name")
		}
		if _, err := init.Floats(); err != nil {
			return errors.Wrapf(ErrInvalidModel, "initializer %s: %v", init.Name, err)
		}
		defined[init.Name] = true
	}
	for _, in := range graph.Input {
		if in.Name == "" {
			return errors.Wrap(ErrInvalidModel, "graph input without a name")
		}
		defined[in.Name] = true
	}

	for i, node := range graph.Node {
		if node.OpType == "" {
			return errors.Wrapf(ErrInvalidModel, "node %d has no op_type", i)
		}
		if len(node.Output) == 0 || node.Output[0] == "" {
			return errors.Wrapf(ErrInvalidModel, "node %s (%s) has no output", node.Name, node.OpType)
		}
		for _, in := range node.Input {
			if in != "" && !defined[in] {
				return errors.Wrapf(ErrInvalidModel, "node %s (%s) uses undefined input %q", node.Name, node.OpType, in)
			}
		}
		for _, out := range node.Output {
			if out == "" {
				continue
			}
			if defined[out] {
				return errors.Wrapf(ErrInvalidModel, "tensor %q is produced more than once", out)
			}
			defined[out] = true
		}
	}

	for _, out := range graph.Output {
		if !defined[out.Name] {
			return errors.Wrapf(ErrInvalidModel, "graph output %q is never produced", out.Name)
		}
	}
	return nil
}
