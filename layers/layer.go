package layers

import (
	"fmt"
	"strings"
)

// LayerType represents the type of neural network layer
type LayerType int

const (
	Dense LayerType = iota
	ReLU
	LeakyReLU
	Dropout
	Softmax
)

func (lt LayerType) String() string {
	switch lt {
	case Dense:
		return "Dense"
	case ReLU:
		return "ReLU"
	case LeakyReLU:
		return "LeakyReLU"
	case Dropout:
		return "Dropout"
	case Softmax:
		return "Softmax"
	default:
		return "Unknown"
	}
}

// LayerSpec defines layer configuration.
// This is pure configuration - execution lives in the engine package.
type LayerSpec struct {
	Type       LayerType              `json:"type"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Shape information (computed during model compilation).
	// Shapes are row shapes: every layer acts on the innermost dimension,
	// so leading batch and position dimensions pass through untouched.
	InputShape  []int `json:"input_shape,omitempty"`
	OutputShape []int `json:"output_shape,omitempty"`

	// Parameter metadata (computed during model compilation)
	ParameterShapes [][]int `json:"parameter_shapes,omitempty"`
	ParameterCount  int64   `json:"parameter_count,omitempty"`
}

// ModelSpec defines a complete neural network model as layer configuration
type ModelSpec struct {
	Layers []LayerSpec `json:"layers"`

	// Compiled model information
	TotalParameters int64   `json:"total_parameters"`
	ParameterShapes [][]int `json:"parameter_shapes"`
	InputShape      []int   `json:"input_shape"`
	OutputShape     []int   `json:"output_shape"`
	Compiled        bool    `json:"compiled"`
}

// ModelBuilder helps construct neural network models
type ModelBuilder struct {
	layers     []LayerSpec
	inputShape []int
	compiled   bool
}

// NewModelBuilder creates a new model builder for rows of inputFeatures values
func NewModelBuilder(inputFeatures int) *ModelBuilder {
	return &ModelBuilder{
		layers:     make([]LayerSpec, 0),
		inputShape: []int{inputFeatures},
		compiled:   false,
	}
}

// AddLayer adds a layer to the model
func (mb *ModelBuilder) AddLayer(layer LayerSpec) *ModelBuilder {
	mb.layers = append(mb.layers, layer)
	mb.compiled = false
	return mb
}

// AddDense adds a dense layer to the model.
// Input size will be computed during compilation.
func (mb *ModelBuilder) AddDense(outputSize int, useBias bool, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dense,
		Name: name,
		Parameters: map[string]interface{}{
			"output_size": outputSize,
			"use_bias":    useBias,
		},
	})
}

// AddReLU adds a ReLU activation to the model
func (mb *ModelBuilder) AddReLU(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type:       ReLU,
		Name:       name,
		Parameters: map[string]interface{}{},
	})
}

// AddLeakyReLU adds a Leaky ReLU activation to the model
// negativeSlope: slope for negative input values (default: 0.01)
func (mb *ModelBuilder) AddLeakyReLU(negativeSlope float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: LeakyReLU,
		Name: name,
		Parameters: map[string]interface{}{
			"negative_slope": negativeSlope,
		},
	})
}

// AddDropout adds a Dropout layer to the model
// rate: dropout probability (0.0 = no dropout, 1.0 = drop all).
// Whether it is active is decided per call by the execution mode.
func (mb *ModelBuilder) AddDropout(rate float32, name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Dropout,
		Name: name,
		Parameters: map[string]interface{}{
			"rate": rate,
		},
	})
}

// AddSoftmax adds a Softmax activation over the innermost dimension
func (mb *ModelBuilder) AddSoftmax(name string) *ModelBuilder {
	return mb.AddLayer(LayerSpec{
		Type: Softmax,
		Name: name,
		Parameters: map[string]interface{}{
			"axis": -1,
		},
	})
}

// Compile compiles the model and computes shapes and parameter counts
func (mb *ModelBuilder) Compile() (*ModelSpec, error) {
	if len(mb.layers) == 0 {
		return nil, fmt.Errorf("cannot compile empty model")
	}
	if len(mb.inputShape) != 1 || mb.inputShape[0] <= 0 {
		return nil, fmt.Errorf("invalid input shape %v", mb.inputShape)
	}

	model := &ModelSpec{
		Layers:     make([]LayerSpec, len(mb.layers)),
		InputShape: append([]int(nil), mb.inputShape...),
	}
	copy(model.Layers, mb.layers)

	seen := make(map[string]bool, len(model.Layers))
	currentShape := mb.inputShape
	var allParameterShapes [][]int
	totalParams := int64(0)

	for i := range model.Layers {
		layer := &model.Layers[i]
		if layer.Name == "" {
			layer.Name = fmt.Sprintf("%s_%d", strings.ToLower(layer.Type.String()), i)
		}
		if seen[layer.Name] {
			return nil, fmt.Errorf("duplicate layer name %q", layer.Name)
		}
		seen[layer.Name] = true

		layer.InputShape = append([]int(nil), currentShape...)

		outputShape, paramShapes, paramCount, err := mb.computeLayerInfo(layer, currentShape)
		if err != nil {
			return nil, fmt.Errorf("failed to compute layer %d (%s) info: %v", i, layer.Name, err)
		}

		layer.OutputShape = outputShape
		layer.ParameterShapes = paramShapes
		layer.ParameterCount = paramCount

		allParameterShapes = append(allParameterShapes, paramShapes...)
		totalParams += paramCount
		currentShape = outputShape
	}

	model.OutputShape = currentShape
	model.ParameterShapes = allParameterShapes
	model.TotalParameters = totalParams
	model.Compiled = true
	mb.compiled = true

	return model, nil
}

// computeLayerInfo computes output shape and parameter information for a layer
func (mb *ModelBuilder) computeLayerInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	switch layer.Type {
	case Dense:
		return mb.computeDenseInfo(layer, inputShape)
	case Dropout:
		rate := GetFloatParam(layer.Parameters, "rate", 0)
		if rate < 0 || rate >= 1 {
			return nil, nil, 0, fmt.Errorf("dropout rate must be in [0, 1), got %v", rate)
		}
		return mb.computeActivationInfo(layer, inputShape)
	case ReLU, LeakyReLU, Softmax:
		return mb.computeActivationInfo(layer, inputShape)
	default:
		return nil, nil, 0, fmt.Errorf("unsupported layer type: %s", layer.Type.String())
	}
}

// computeDenseInfo computes dense layer information
func (mb *ModelBuilder) computeDenseInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	outputSize := GetIntParam(layer.Parameters, "output_size", 0)
	if outputSize <= 0 {
		return nil, nil, 0, fmt.Errorf("missing or invalid output_size parameter")
	}
	useBias := GetBoolParam(layer.Parameters, "use_bias", true)

	inputSize := inputShape[len(inputShape)-1]
	layer.Parameters["input_size"] = inputSize

	// Weight matrix: [inputSize, outputSize]
	paramShapes := [][]int{{inputSize, outputSize}}
	paramCount := int64(inputSize * outputSize)

	if useBias {
		paramShapes = append(paramShapes, []int{outputSize})
		paramCount += int64(outputSize)
	}

	return []int{outputSize}, paramShapes, paramCount, nil
}

func (mb *ModelBuilder) computeActivationInfo(layer *LayerSpec, inputShape []int) ([]int, [][]int, int64, error) {
	// Activation layers don't change shape and have no parameters
	return append([]int(nil), inputShape...), [][]int{}, 0, nil
}

// InputFeatures returns the row width the model consumes
func (ms *ModelSpec) InputFeatures() int {
	if len(ms.InputShape) == 0 {
		return 0
	}
	return ms.InputShape[len(ms.InputShape)-1]
}

// OutputFeatures returns the row width the model produces
func (ms *ModelSpec) OutputFeatures() int {
	if len(ms.OutputShape) == 0 {
		return 0
	}
	return ms.OutputShape[len(ms.OutputShape)-1]
}

// HasDropout reports whether any layer is stochastic
func (ms *ModelSpec) HasDropout() bool {
	for _, layer := range ms.Layers {
		if layer.Type == Dropout && GetFloatParam(layer.Parameters, "rate", 0) > 0 {
			return true
		}
	}
	return false
}

// Summary returns a human-readable model summary
func (ms *ModelSpec) Summary() string {
	if !ms.Compiled {
		return "Model not compiled"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Model Summary:\n")
	fmt.Fprintf(&sb, "Input Shape: %v\n", ms.InputShape)
	fmt.Fprintf(&sb, "Output Shape: %v\n", ms.OutputShape)
	fmt.Fprintf(&sb, "Total Parameters: %d\n", ms.TotalParameters)
	fmt.Fprintf(&sb, "Layers: %d\n\n", len(ms.Layers))

	for i, layer := range ms.Layers {
		fmt.Fprintf(&sb, "Layer %d: %s (%s)\n", i+1, layer.Name, layer.Type.String())
		fmt.Fprintf(&sb, "  Input:  %v\n", layer.InputShape)
		fmt.Fprintf(&sb, "  Output: %v\n", layer.OutputShape)
		fmt.Fprintf(&sb, "  Params: %d\n", layer.ParameterCount)
	}

	return sb.String()
}

// Helper functions for parameter extraction.
// Values may arrive as Go numbers or as float64 after a JSON round trip.

// GetIntParam reads an integer layer parameter
func GetIntParam(params map[string]interface{}, key string, defaultValue int) int {
	switch v := params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case float32:
		return int(v)
	}
	return defaultValue
}

// GetBoolParam reads a boolean layer parameter
func GetBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// GetFloatParam reads a float layer parameter
func GetFloatParam(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float32:
		return v
	case float64:
		return float32(v)
	case int:
		return float32(v)
	}
	return defaultValue
}
