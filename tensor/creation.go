package tensor

import (
	"fmt"
)

// New wraps data in a tensor of the given shape
func New(shape []int, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if len(data) != calculateNumElements(shape) {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), calculateNumElements(shape))
	}
	newShape := make([]int, len(shape))
	copy(newShape, shape)
	return &Tensor{Shape: newShape, Data: data}, nil
}

// Zeros allocates a zero-filled tensor
func Zeros(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return New(shape, make([]float32, calculateNumElements(shape)))
}

// Full allocates a tensor with every element set to value
func Full(value float32, shape ...int) (*Tensor, error) {
	t, err := Zeros(shape...)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromVector builds a 1D tensor
func FromVector(values []float32) (*Tensor, error) {
	data := make([]float32, len(values))
	copy(data, values)
	return New([]int{len(values)}, data)
}

// FromMatrix builds a 2D tensor from equally sized rows
func FromMatrix(rows [][]float32) (*Tensor, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("cannot build a matrix from zero rows")
	}
	cols := len(rows[0])
	data := make([]float32, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			return nil, fmt.Errorf("row %d has %d columns, expected %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return New([]int{len(rows), cols}, data)
}
