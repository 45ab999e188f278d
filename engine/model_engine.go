package engine

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/embedtrain/embedtrain/layers"
	"github.com/embedtrain/embedtrain/tensor"
)

// layerState holds the parameters and forward-pass cache of one compiled layer
type layerState struct {
	spec   *layers.LayerSpec
	weight *Parameter
	bias   *Parameter

	inputSize  int
	outputSize int
	slope      float32
	rate       float32

	// Cached during a ModeTrain forward pass
	input  []float32
	output []float32
	mask   []float32
}

// Network executes a compiled ModelSpec on the CPU.
// Every layer acts on the innermost dimension, so a [N, F] batch and a
// padded [N, L, F] batch are both processed as rows of F values.
type Network struct {
	modelSpec  *layers.ModelSpec
	layers     []*layerState
	parameters []*Parameter
	rng        *rand.Rand

	rows       int
	inputShape []int
	trained    bool
}

// NewNetwork allocates parameters for a compiled model and initializes them
// deterministically from seed.
func NewNetwork(modelSpec *layers.ModelSpec, seed int64) (*Network, error) {
	if modelSpec == nil {
		return nil, fmt.Errorf("model spec cannot be nil")
	}
	if !modelSpec.Compiled {
		return nil, fmt.Errorf("model spec must be compiled before execution")
	}

	net := &Network{
		modelSpec: modelSpec,
		layers:    make([]*layerState, 0, len(modelSpec.Layers)),
		rng:       rand.New(rand.NewSource(seed)),
	}

	for i := range modelSpec.Layers {
		spec := &modelSpec.Layers[i]
		state := &layerState{spec: spec}

		switch spec.Type {
		case layers.Dense:
			if err := net.initializeDenseParameters(state); err != nil {
				return nil, fmt.Errorf("failed to initialize layer %s: %v", spec.Name, err)
			}
		case layers.LeakyReLU:
			state.slope = layers.GetFloatParam(spec.Parameters, "negative_slope", 0.01)
		case layers.Dropout:
			state.rate = layers.GetFloatParam(spec.Parameters, "rate", 0)
		case layers.ReLU, layers.Softmax:
		default:
			return nil, fmt.Errorf("unsupported layer type %s", spec.Type.String())
		}

		net.layers = append(net.layers, state)
	}

	return net, nil
}

// initializeDenseParameters initializes dense layer parameters with Xavier initialization
func (n *Network) initializeDenseParameters(state *layerState) error {
	params := state.spec.Parameters
	state.inputSize = layers.GetIntParam(params, "input_size", 0)
	state.outputSize = layers.GetIntParam(params, "output_size", 0)
	if state.inputSize <= 0 || state.outputSize <= 0 {
		return fmt.Errorf("missing input_size or output_size parameter")
	}

	// W ~ U(-sqrt(6/(fan_in + fan_out)), sqrt(6/(fan_in + fan_out)))
	state.weight = newParameter(state.spec.Name, "weight", []int{state.inputSize, state.outputSize})
	bound := math.Sqrt(6.0 / float64(state.inputSize+state.outputSize))
	for i := range state.weight.Data {
		state.weight.Data[i] = float32((n.rng.Float64()*2 - 1) * bound)
	}
	n.parameters = append(n.parameters, state.weight)

	if layers.GetBoolParam(params, "use_bias", true) {
		state.bias = newParameter(state.spec.Name, "bias", []int{state.outputSize})
		n.parameters = append(n.parameters, state.bias)
	}
	return nil
}

// Spec returns the compiled model specification the network executes
func (n *Network) Spec() *layers.ModelSpec {
	return n.modelSpec
}

// Parameters returns the learnable tensors in layer order
func (n *Network) Parameters() []*Parameter {
	return n.parameters
}

// ZeroGrad clears all accumulated gradients
func (n *Network) ZeroGrad() {
	for _, p := range n.parameters {
		p.ZeroGrad()
	}
}

// SetRandomSeed reseeds the dropout mask generator
func (n *Network) SetRandomSeed(seed int64) {
	n.rng = rand.New(rand.NewSource(seed))
}

// Forward runs the network over x. The innermost dimension of x must equal
// the model's input features; leading dimensions are preserved.
func (n *Network) Forward(x *tensor.Tensor, mode Mode) (*tensor.Tensor, error) {
	if x == nil {
		return nil, fmt.Errorf("input tensor cannot be nil")
	}
	if x.LastDim() != n.modelSpec.InputFeatures() {
		return nil, fmt.Errorf("input feature size mismatch: expected %d, got %d (shape %v)",
			n.modelSpec.InputFeatures(), x.LastDim(), x.Shape)
	}

	rows := x.Rows()
	width := x.LastDim()
	current := make([]float32, len(x.Data))
	copy(current, x.Data)

	for _, state := range n.layers {
		var err error
		if mode.TracksGradients() {
			state.input = current
		}
		current, width, err = n.forwardLayer(state, current, rows, width, mode)
		if err != nil {
			return nil, fmt.Errorf("layer %s forward failed: %v", state.spec.Name, err)
		}
		if mode.TracksGradients() {
			state.output = current
		}
	}

	n.rows = rows
	n.inputShape = append(n.inputShape[:0], x.Shape...)
	n.trained = mode.TracksGradients()

	outShape := append([]int(nil), x.Shape...)
	outShape[len(outShape)-1] = width
	return &tensor.Tensor{Shape: outShape, Data: current}, nil
}

func (n *Network) forwardLayer(state *layerState, in []float32, rows, width int, mode Mode) ([]float32, int, error) {
	switch state.spec.Type {
	case layers.Dense:
		if width != state.inputSize {
			return nil, 0, fmt.Errorf("expected %d inputs, got %d", state.inputSize, width)
		}
		out := make([]float32, rows*state.outputSize)
		w := state.weight.Data
		for r := 0; r < rows; r++ {
			xr := in[r*width : (r+1)*width]
			yr := out[r*state.outputSize : (r+1)*state.outputSize]
			if state.bias != nil {
				copy(yr, state.bias.Data)
			}
			for i, xv := range xr {
				if xv == 0 {
					continue
				}
				wi := w[i*state.outputSize : (i+1)*state.outputSize]
				for j, wv := range wi {
					yr[j] += xv * wv
				}
			}
		}
		return out, state.outputSize, nil

	case layers.ReLU:
		out := make([]float32, len(in))
		for i, v := range in {
			if v > 0 {
				out[i] = v
			}
		}
		return out, width, nil

	case layers.LeakyReLU:
		out := make([]float32, len(in))
		for i, v := range in {
			if v > 0 {
				out[i] = v
			} else {
				out[i] = v * state.slope
			}
		}
		return out, width, nil

	case layers.Dropout:
		out := make([]float32, len(in))
		if !mode.DropoutActive() || state.rate == 0 {
			copy(out, in)
			state.mask = nil
			return out, width, nil
		}
		// Inverted dropout: kept units are scaled so eval needs no rescaling
		scale := float32(1.0 / (1.0 - float64(state.rate)))
		mask := make([]float32, len(in))
		for i, v := range in {
			if n.rng.Float32() >= state.rate {
				mask[i] = scale
				out[i] = v * scale
			}
		}
		state.mask = mask
		return out, width, nil

	case layers.Softmax:
		out := make([]float32, len(in))
		copy(out, in)
		for r := 0; r < rows; r++ {
			tensor.SoftmaxInPlace(out[r*width : (r+1)*width])
		}
		return out, width, nil
	}

	return nil, 0, fmt.Errorf("unsupported layer type %s", state.spec.Type.String())
}

// Backward propagates gradOut (gradient of the loss w.r.t. the last Forward
// output) and accumulates parameter gradients. Forward must have been called
// in ModeTrain.
func (n *Network) Backward(gradOut *tensor.Tensor) error {
	if !n.trained {
		return fmt.Errorf("backward requires a preceding forward pass in %s mode", ModeTrain)
	}
	if gradOut == nil {
		return fmt.Errorf("gradient tensor cannot be nil")
	}
	if gradOut.Rows() != n.rows || gradOut.LastDim() != n.modelSpec.OutputFeatures() {
		return fmt.Errorf("gradient shape %v does not match last output", gradOut.Shape)
	}

	grad := make([]float32, len(gradOut.Data))
	copy(grad, gradOut.Data)

	for i := len(n.layers) - 1; i >= 0; i-- {
		var err error
		grad, err = n.backwardLayer(n.layers[i], grad)
		if err != nil {
			return fmt.Errorf("layer %s backward failed: %v", n.layers[i].spec.Name, err)
		}
	}
	return nil
}

func (n *Network) backwardLayer(state *layerState, grad []float32) ([]float32, error) {
	rows := n.rows

	switch state.spec.Type {
	case layers.Dense:
		in := state.input
		inSize, outSize := state.inputSize, state.outputSize
		gradIn := make([]float32, rows*inSize)
		w := state.weight.Data
		gw := state.weight.Grad
		for r := 0; r < rows; r++ {
			xr := in[r*inSize : (r+1)*inSize]
			gr := grad[r*outSize : (r+1)*outSize]
			gir := gradIn[r*inSize : (r+1)*inSize]
			for i, xv := range xr {
				wi := w[i*outSize : (i+1)*outSize]
				gwi := gw[i*outSize : (i+1)*outSize]
				var acc float32
				for j, g := range gr {
					gwi[j] += xv * g
					acc += g * wi[j]
				}
				gir[i] = acc
			}
			if state.bias != nil {
				for j, g := range gr {
					state.bias.Grad[j] += g
				}
			}
		}
		return gradIn, nil

	case layers.ReLU:
		out := make([]float32, len(grad))
		for i, v := range state.input {
			if v > 0 {
				out[i] = grad[i]
			}
		}
		return out, nil

	case layers.LeakyReLU:
		out := make([]float32, len(grad))
		for i, v := range state.input {
			if v > 0 {
				out[i] = grad[i]
			} else {
				out[i] = grad[i] * state.slope
			}
		}
		return out, nil

	case layers.Dropout:
		out := make([]float32, len(grad))
		if state.mask == nil {
			copy(out, grad)
			return out, nil
		}
		for i, m := range state.mask {
			out[i] = grad[i] * m
		}
		return out, nil

	case layers.Softmax:
		// dx = y * (g - sum(g * y)) row-wise
		width := len(grad) / rows
		out := make([]float32, len(grad))
		for r := 0; r < rows; r++ {
			y := state.output[r*width : (r+1)*width]
			g := grad[r*width : (r+1)*width]
			var dot float32
			for j := range y {
				dot += g[j] * y[j]
			}
			for j := range y {
				out[r*width+j] = y[j] * (g[j] - dot)
			}
		}
		return out, nil
	}

	return nil, fmt.Errorf("unsupported layer type %s", state.spec.Type.String())
}
