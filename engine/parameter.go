package engine

import "fmt"

// Parameter is a learnable tensor together with its accumulated gradient
type Parameter struct {
	Name  string // "<layer>.weight" or "<layer>.bias"
	Layer string
	Type  string // "weight" or "bias"
	Shape []int
	Data  []float32
	Grad  []float32
}

func newParameter(layer, kind string, shape []int) *Parameter {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return &Parameter{
		Name:  fmt.Sprintf("%s.%s", layer, kind),
		Layer: layer,
		Type:  kind,
		Shape: append([]int(nil), shape...),
		Data:  make([]float32, size),
		Grad:  make([]float32, size),
	}
}

// ZeroGrad resets the accumulated gradient
func (p *Parameter) ZeroGrad() {
	for i := range p.Grad {
		p.Grad[i] = 0
	}
}

// CopyFrom overwrites the parameter values, checking the element count
func (p *Parameter) CopyFrom(data []float32) error {
	if len(data) != len(p.Data) {
		return fmt.Errorf("parameter %s: expected %d values, got %d", p.Name, len(p.Data), len(data))
	}
	copy(p.Data, data)
	return nil
}
