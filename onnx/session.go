package onnx

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/embedtrain/embedtrain/tensor"
)

const (
	MetalExecutionProvider = "MetalExecutionProvider"
	CPUExecutionProvider   = "CPUExecutionProvider"
)

// DefaultProviders lists the accelerator first and the portable fallback second
var DefaultProviders = []string{MetalExecutionProvider, CPUExecutionProvider}

// AvailableProviders returns the execution providers compiled into this build
func AvailableProviders() []string {
	return []string{CPUExecutionProvider}
}

var supportedOps = map[string]bool{
	"MatMul":    true,
	"Add":       true,
	"Relu":      true,
	"LeakyRelu": true,
	"Dropout":   true,
	"Softmax":   true,
	"Identity":  true,
}

// ReadModel loads and decodes an .onnx file
func ReadModel(fs afero.Fs, path string) (*ModelProto, error) {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(ErrInvalidModel, "model file %s does not exist", path)
		}
		return nil, errors.Wrapf(err, "failed to read model file %s", path)
	}
	model, err := Unmarshal(data)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidModel, "%s: %v", path, err)
	}
	return model, nil
}

// Session evaluates a checked graph on the CPU
type Session struct {
	graph        *GraphProto
	provider     string
	initializers map[string]*tensor.Tensor
}

// NewSession checks model and prepares it for execution on the first
// available provider in providers.
func NewSession(model *ModelProto, providers []string) (*Session, error) {
	if err := Check(model); err != nil {
		return nil, err
	}
	if len(providers) == 0 {
		providers = DefaultProviders
	}

	provider := ""
	available := AvailableProviders()
	for _, requested := range providers {
		for _, candidate := range available {
			if requested == candidate {
				provider = candidate
				break
			}
		}
		if provider != "" {
			break
		}
	}
	if provider == "" {
		return nil, errors.Errorf("none of the requested execution providers %v is available (have %v)", providers, available)
	}

	for _, node := range model.Graph.Node {
		if node.Domain != "" && node.Domain != "ai.onnx" {
			return nil, errors.Wrapf(ErrUnsupportedOperator, "%s in domain %s", node.OpType, node.Domain)
		}
		if !supportedOps[node.OpType] {
			return nil, errors.Wrapf(ErrUnsupportedOperator, "%s (node %s)", node.OpType, node.Name)
		}
	}

	initializers := make(map[string]*tensor.Tensor, len(model.Graph.Initializer))
	for _, init := range model.Graph.Initializer {
		values, err := init.Floats()
		if err != nil {
			return nil, errors.Wrap(ErrInvalidModel, err.Error())
		}
		shape := init.Shape()
		if len(shape) == 0 {
			shape = []int{len(values)}
		}
		t, err := tensor.New(shape, values)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidModel, "initializer %s: %v", init.Name, err)
		}
		initializers[init.Name] = t
	}

	return &Session{
		graph:        model.Graph,
		provider:     provider,
		initializers: initializers,
	}, nil
}

// Provider returns the execution provider the session runs on
func (s *Session) Provider() string {
	return s.provider
}

// InputNames lists graph inputs that are not backed by initializers
func (s *Session) InputNames() []string {
	var names []string
	for _, in := range s.graph.Input {
		if _, ok := s.initializers[in.Name]; !ok {
			names = append(names, in.Name)
		}
	}
	return names
}

// OutputNames lists graph outputs
func (s *Session) OutputNames() []string {
	names := make([]string, len(s.graph.Output))
	for i, out := range s.graph.Output {
		names[i] = out.Name
	}
	return names
}

// Run evaluates the graph for the given named inputs and returns every graph output
func (s *Session) Run(inputs map[string]*tensor.Tensor) (map[string]*tensor.Tensor, error) {
	values := make(map[string]*tensor.Tensor, len(s.initializers)+len(inputs))
	for name, t := range s.initializers {
		values[name] = t
	}

	for _, in := range s.graph.Input {
		if _, ok := s.initializers[in.Name]; ok {
			continue
		}
		t, ok := inputs[in.Name]
		if !ok {
			return nil, errors.Errorf("missing input %q", in.Name)
		}
		if err := checkInputShape(in, t); err != nil {
			return nil, err
		}
		values[in.Name] = t
	}

	for _, node := range s.graph.Node {
		args := make([]*tensor.Tensor, len(node.Input))
		for i, name := range node.Input {
			if name == "" {
				continue
			}
			args[i] = values[name]
		}
		out, err := runNode(node, args)
		if err != nil {
			return nil, errors.Wrapf(err, "node %s (%s)", node.Name, node.OpType)
		}
		values[node.Output[0]] = out
	}

	outputs := make(map[string]*tensor.Tensor, len(s.graph.Output))
	for _, out := range s.graph.Output {
		outputs[out.Name] = values[out.Name]
	}
	return outputs, nil
}

// checkInputShape validates fixed dimensions; symbolic ones accept any size
func checkInputShape(info *ValueInfoProto, t *tensor.Tensor) error {
	if info.Type == nil || info.Type.TensorType == nil || info.Type.TensorType.Shape == nil {
		return nil
	}
	dims := info.Type.TensorType.Shape.Dim
	if len(dims) != len(t.Shape) {
		return errors.Errorf("input %q expects rank %d, got shape %v", info.Name, len(dims), t.Shape)
	}
	for i, dim := range dims {
		if dim.IsSymbolic() {
			continue
		}
		if int(dim.DimValue) != t.Shape[i] {
			return errors.Errorf("input %q dimension %d expects %d, got %d", info.Name, i, dim.DimValue, t.Shape[i])
		}
	}
	return nil
}
