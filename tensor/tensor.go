package tensor

import (
	"fmt"
	"math"
)

// Tensor is a dense, row-major float32 array living in host memory
type Tensor struct {
	Shape []int
	Data  []float32
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, elements=%d)", t.Shape, len(t.Data))
}

// NumElems returns the number of elements described by the shape
func (t *Tensor) NumElems() int {
	return calculateNumElements(t.Shape)
}

// Rank returns the number of dimensions
func (t *Tensor) Rank() int {
	return len(t.Shape)
}

// LastDim returns the size of the innermost dimension
func (t *Tensor) LastDim() int {
	if len(t.Shape) == 0 {
		return 0
	}
	return t.Shape[len(t.Shape)-1]
}

// Rows returns how many innermost vectors the tensor holds
func (t *Tensor) Rows() int {
	last := t.LastDim()
	if last == 0 {
		return 0
	}
	return len(t.Data) / last
}

// Row returns a view of the i-th innermost vector
func (t *Tensor) Row(i int) []float32 {
	last := t.LastDim()
	return t.Data[i*last : (i+1)*last]
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	shape := make([]int, len(t.Shape))
	copy(shape, t.Shape)
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{Shape: shape, Data: data}
}

// Reshape returns a tensor sharing data with t under a new shape
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if calculateNumElements(shape) != len(t.Data) {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, len(t.Data), shape)
	}
	newShape := make([]int, len(shape))
	copy(newShape, shape)
	return &Tensor{Shape: newShape, Data: t.Data}, nil
}

// AllClose reports whether both tensors have the same shape and every element differs by at most tol
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if other == nil || !sameShape(t.Shape, other.Shape) || len(t.Data) != len(other.Data) {
		return false
	}
	for i := range t.Data {
		if math.Abs(float64(t.Data[i]-other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// ToFloat32Slice returns a copy of the underlying data
func (t *Tensor) ToFloat32Slice() []float32 {
	out := make([]float32, len(t.Data))
	copy(out, t.Data)
	return out
}

// ToMatrix returns the tensor as rows of its innermost dimension
func (t *Tensor) ToMatrix() [][]float32 {
	rows := make([][]float32, t.Rows())
	for i := range rows {
		rows[i] = append([]float32(nil), t.Row(i)...)
	}
	return rows
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: at least one dimension is required")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
